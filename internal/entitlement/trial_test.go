package entitlement

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestStartTrial_OncePerUser(t *testing.T) {
	s, clk := newTestStore(t, nil)
	ctx := t.Context()

	tw, err := s.StartTrial(ctx, "u1")
	if err != nil {
		t.Fatalf("StartTrial: %v", err)
	}
	if got := tw.EndsAt.Sub(tw.StartedAt); got != 72*time.Hour {
		t.Fatalf("trial length = %v, want 72h", got)
	}

	clk.Advance(10 * 24 * time.Hour)
	again, err := s.StartTrial(ctx, "u1")
	if !errors.Is(err, ErrTrialUsed) {
		t.Fatalf("err = %v, want ErrTrialUsed", err)
	}
	if !again.StartedAt.Equal(tw.StartedAt) {
		t.Fatal("expired trial must not be recreated")
	}
}

func TestActiveTrial_Expires(t *testing.T) {
	s, clk := newTestStore(t, nil)
	ctx := t.Context()

	if _, ok := s.ActiveTrial(ctx, "u1"); ok {
		t.Fatal("no trial should be inactive")
	}
	if _, err := s.StartTrial(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.ActiveTrial(ctx, "u1"); !ok {
		t.Fatal("trial should be active")
	}
	clk.Advance(72 * time.Hour)
	if _, ok := s.ActiveTrial(ctx, "u1"); !ok {
		t.Fatal("trial should be active at its end instant")
	}
	clk.Advance(time.Second)
	if _, ok := s.ActiveTrial(ctx, "u1"); ok {
		t.Fatal("trial should be inactive after EndsAt")
	}
}

func TestRecordTrialAccess_MonotonicSet(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := t.Context()

	if err := s.RecordTrialAccess(ctx, "u1", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.StartTrial(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for _, b := range []string{"a", "b", "c", "a", "b", "c"} {
		wg.Add(1)
		go func(b string) {
			defer wg.Done()
			if err := s.RecordTrialAccess(ctx, "u1", b); err != nil {
				t.Errorf("RecordTrialAccess(%s): %v", b, err)
			}
		}(b)
	}
	wg.Wait()

	tw, err := s.Trial(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tw.AccessedBundleIDs) != 3 {
		t.Fatalf("accessed = %v, want 3 unique ids", tw.AccessedBundleIDs)
	}
	for _, b := range []string{"a", "b", "c"} {
		if !tw.Accessed(b) {
			t.Fatalf("accessed set missing %s", b)
		}
	}
}

// --- subscriptions ---

func TestApplySubscription_OrderingAndReplay(t *testing.T) {
	s, clk := newTestStore(t, nil)
	ctx := t.Context()
	base := clk.Now()

	_, err := s.ApplySubscription(ctx, Subscription{
		UserID: "u1", SubscriptionID: "sub_1", Status: SubscriptionActive,
		CurrentPeriodEnd: base.Add(30 * 24 * time.Hour), UpdatedAt: base, SourceEventID: "evt_s1",
	})
	if err != nil {
		t.Fatalf("ApplySubscription: %v", err)
	}
	if !s.HasActiveSubscription(ctx, "u1") {
		t.Fatal("subscription should be active")
	}

	if _, err := s.ApplySubscription(ctx, Subscription{
		UserID: "u1", Status: SubscriptionActive, UpdatedAt: base, SourceEventID: "evt_s1",
	}); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("replay err = %v, want ErrDuplicateEvent", err)
	}

	// a stale cancellation must not override newer state
	if _, err := s.ApplySubscription(ctx, Subscription{
		UserID: "u1", Status: SubscriptionCanceled, UpdatedAt: base.Add(-time.Hour), SourceEventID: "evt_old",
	}); !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("stale apply err = %v, want ErrStaleEvent", err)
	}
	if !s.HasActiveSubscription(ctx, "u1") {
		t.Fatal("stale event rolled subscription back")
	}

	if _, err := s.ApplySubscription(ctx, Subscription{
		UserID: "u1", Status: SubscriptionCanceled, UpdatedAt: base.Add(time.Hour), SourceEventID: "evt_s2",
	}); err != nil {
		t.Fatal(err)
	}
	if s.HasActiveSubscription(ctx, "u1") {
		t.Fatal("canceled subscription should not entitle")
	}
}

func TestApplySubscription_UndatedOrderedByPeriodEnd(t *testing.T) {
	s, clk := newTestStore(t, nil)
	ctx := t.Context()
	base := clk.Now()
	periodEnd := base.Add(30 * 24 * time.Hour)

	if _, err := s.ApplySubscription(ctx, Subscription{
		UserID: "u1", Status: SubscriptionActive,
		CurrentPeriodEnd: periodEnd, UpdatedAt: base, SourceEventID: "evt_s1",
	}); err != nil {
		t.Fatal(err)
	}

	// an undated redelivery from the previous period is stale
	clk.Advance(time.Hour)
	if _, err := s.ApplySubscription(ctx, Subscription{
		UserID: "u1", Status: SubscriptionPastDue,
		CurrentPeriodEnd: base.Add(-24 * time.Hour), SourceEventID: "evt_old",
	}); !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("undated stale err = %v, want ErrStaleEvent", err)
	}
	if !s.HasActiveSubscription(ctx, "u1") {
		t.Fatal("undated stale event rolled subscription back")
	}

	// an undated update for the same period applies without moving UpdatedAt
	got, err := s.ApplySubscription(ctx, Subscription{
		UserID: "u1", Status: SubscriptionCanceled,
		CurrentPeriodEnd: periodEnd, SourceEventID: "evt_s2",
	})
	if err != nil {
		t.Fatalf("undated apply: %v", err)
	}
	if got.Status != SubscriptionCanceled || !got.UpdatedAt.Equal(base) {
		t.Fatalf("stored = %+v, want canceled with UpdatedAt %v", got, base)
	}

	// so an earlier dated event is still judged against the dated state
	if _, err := s.ApplySubscription(ctx, Subscription{
		UserID: "u1", Status: SubscriptionActive,
		CurrentPeriodEnd: periodEnd, UpdatedAt: base.Add(-time.Minute), SourceEventID: "evt_prev",
	}); !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("dated stale err = %v, want ErrStaleEvent", err)
	}
}

func TestSubscription_Entitles(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"active open ended", Subscription{Status: SubscriptionActive}, true},
		{"trialing in period", Subscription{Status: SubscriptionTrialing, CurrentPeriodEnd: now.Add(time.Hour)}, true},
		{"active past period", Subscription{Status: SubscriptionActive, CurrentPeriodEnd: now.Add(-time.Hour)}, false},
		{"past due", Subscription{Status: SubscriptionPastDue}, false},
		{"canceled", Subscription{Status: SubscriptionCanceled}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.Entitles(now); got != tt.want {
				t.Fatalf("Entitles = %v, want %v", got, tt.want)
			}
		})
	}
}
