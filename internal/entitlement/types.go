package entitlement

import (
	"slices"
	"time"
)

type Status string

const (
	StatusNone      Status = "none"
	StatusActive    Status = "active"
	StatusRefunded  Status = "refunded"
	StatusCancelled Status = "cancelled"
)

// Record is the purchase state for one (user, bundle) pair. Transitions are
// active->refunded and active->cancelled; a revoked record only becomes
// active again through a purchase event it has never seen.
type Record struct {
	UserID        string     `json:"userId"`
	BundleID      string     `json:"bundleId"`
	ProductID     string     `json:"productId,omitempty"`
	Status        Status     `json:"status"`
	SourceEventID string     `json:"sourceEventId"`
	PurchasedAt   time.Time  `json:"purchasedAt"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty"`
	RevokedAt     *time.Time `json:"revokedAt,omitempty"`
	RevokeEventID string     `json:"revokeEventId,omitempty"`

	// EventIDs holds every purchase event ever applied to this record.
	EventIDs []string `json:"eventIds,omitempty"`
}

func (r Record) Delivered() bool { return r.DeliveredAt != nil }

func (r Record) seen(eventID string) bool {
	return r.SourceEventID == eventID || slices.Contains(r.EventIDs, eventID)
}

// TrialWindow is a user's one-time, time-boxed all-access trial.
type TrialWindow struct {
	UserID            string    `json:"userId"`
	StartedAt         time.Time `json:"startedAt"`
	EndsAt            time.Time `json:"endsAt"`
	AccessedBundleIDs []string  `json:"accessedBundleIds"`
}

func (t TrialWindow) Active(now time.Time) bool {
	return !t.StartedAt.IsZero() && !now.After(t.EndsAt)
}

func (t TrialWindow) Accessed(bundleID string) bool {
	return slices.Contains(t.AccessedBundleIDs, bundleID)
}

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// Subscription mirrors the payment processor's subscription state for a user.
type Subscription struct {
	UserID           string             `json:"userId"`
	SubscriptionID   string             `json:"subscriptionId"`
	Status           SubscriptionStatus `json:"status"`
	CurrentPeriodEnd time.Time          `json:"currentPeriodEnd"`
	UpdatedAt        time.Time          `json:"updatedAt"`
	SourceEventID    string             `json:"sourceEventId"`
}

// Entitles reports whether the subscription grants full access at now.
func (s Subscription) Entitles(now time.Time) bool {
	switch s.Status {
	case SubscriptionActive, SubscriptionTrialing:
	default:
		return false
	}
	return s.CurrentPeriodEnd.IsZero() || now.Before(s.CurrentPeriodEnd)
}
