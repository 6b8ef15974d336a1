package entitlement

import (
	"context"
	"errors"

	"github.com/keithlinneman/packgate/internal/docstore"
)

// StartTrial creates the user's trial window. A user gets one trial ever:
// a second call returns the existing window with ErrTrialUsed.
func (s *Store) StartTrial(ctx context.Context, userID string) (TrialWindow, error) {
	if userID == "" {
		return TrialWindow{}, ErrInvalidArgument
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tw, err := mutate(ctx, s, trialKey(userID), func(cur *TrialWindow, exists bool) (bool, error) {
		if exists {
			return false, ErrTrialUsed
		}
		now := s.now().UTC()
		*cur = TrialWindow{
			UserID:            userID,
			StartedAt:         now,
			EndsAt:            now.Add(s.trialDuration),
			AccessedBundleIDs: []string{},
		}
		return true, nil
	})
	if err != nil {
		return tw, err
	}
	s.logger.Info(ctx, "trial started", "user_id", userID, "ends_at", tw.EndsAt)
	return tw, nil
}

// Trial returns the user's trial window or ErrNotFound.
func (s *Store) Trial(ctx context.Context, userID string) (TrialWindow, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tw, _, err := load[TrialWindow](ctx, s, trialKey(userID))
	if errors.Is(err, docstore.ErrNotFound) {
		return TrialWindow{}, ErrNotFound
	}
	return tw, err
}

// ActiveTrial reports whether the user has a live trial. It never fails;
// store errors are logged and treated as no trial.
func (s *Store) ActiveTrial(ctx context.Context, userID string) (TrialWindow, bool) {
	tw, err := s.Trial(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error(ctx, err, "trial lookup failed, treating as inactive", "user_id", userID)
		}
		return TrialWindow{}, false
	}
	return tw, tw.Active(s.now())
}

// RecordTrialAccess adds bundleID to the trial's accessed set. The set only
// grows; adding a present id does not write.
func (s *Store) RecordTrialAccess(ctx context.Context, userID, bundleID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := mutate(ctx, s, trialKey(userID), func(cur *TrialWindow, exists bool) (bool, error) {
		if !exists {
			return false, ErrNotFound
		}
		if cur.Accessed(bundleID) {
			return false, nil
		}
		cur.AccessedBundleIDs = append(cur.AccessedBundleIDs, bundleID)
		return true, nil
	})
	return err
}
