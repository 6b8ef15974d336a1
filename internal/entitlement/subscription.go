package entitlement

import (
	"context"
	"errors"

	"github.com/keithlinneman/packgate/internal/docstore"
)

// ApplySubscription stores the processor's view of a user's subscription.
// Replays of the stored event return ErrDuplicateEvent and updates older
// than the stored one return ErrStaleEvent, so out-of-order delivery cannot
// roll the state back. An update without UpdatedAt is ordered by
// CurrentPeriodEnd instead and keeps the stored UpdatedAt.
func (s *Store) ApplySubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	if sub.UserID == "" || sub.SourceEventID == "" {
		return Subscription{}, ErrInvalidArgument
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := mutate(ctx, s, subscriptionKey(sub.UserID), func(cur *Subscription, exists bool) (bool, error) {
		if exists {
			if cur.SourceEventID == sub.SourceEventID {
				return false, ErrDuplicateEvent
			}
			if olderThan(sub, *cur) {
				return false, ErrStaleEvent
			}
			if sub.UpdatedAt.IsZero() {
				sub.UpdatedAt = cur.UpdatedAt
			}
		}
		*cur = sub
		return true, nil
	})
	if err != nil {
		return out, err
	}
	s.logger.Info(ctx, "subscription updated",
		"user_id", out.UserID,
		"subscription_id", out.SubscriptionID,
		"status", string(out.Status),
	)
	return out, nil
}

func olderThan(next, cur Subscription) bool {
	if next.UpdatedAt.IsZero() {
		return next.CurrentPeriodEnd.Before(cur.CurrentPeriodEnd)
	}
	return next.UpdatedAt.Before(cur.UpdatedAt)
}

// Subscription returns the stored subscription or ErrNotFound.
func (s *Store) Subscription(ctx context.Context, userID string) (Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sub, _, err := load[Subscription](ctx, s, subscriptionKey(userID))
	if errors.Is(err, docstore.ErrNotFound) {
		return Subscription{}, ErrNotFound
	}
	return sub, err
}

// HasActiveSubscription never fails; store errors count as no subscription.
func (s *Store) HasActiveSubscription(ctx context.Context, userID string) bool {
	sub, err := s.Subscription(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error(ctx, err, "subscription lookup failed, treating as inactive", "user_id", userID)
		}
		return false
	}
	return sub.Entitles(s.now())
}
