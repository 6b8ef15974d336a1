package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"slices"
	"time"

	"github.com/keithlinneman/packgate/internal/docstore"
	"github.com/keithlinneman/packgate/internal/log"
	"github.com/keithlinneman/packgate/internal/xerrors"
)

const (
	DefaultTimeout = 5 * time.Second

	// DefaultTrialDuration is the length of the one-time trial window.
	DefaultTrialDuration = 72 * time.Hour

	defaultMaxAttempts = 5
)

type Options struct {
	Logger log.Logger
	Docs   docstore.Store

	// Timeout bounds every operation, including its retries.
	Timeout time.Duration

	TrialDuration time.Duration
	MaxAttempts   int
	Now           func() time.Time

	// OnTransition is called after a record changes status.
	OnTransition func(from, to Status)
}

// Store persists entitlements, trials and subscriptions as documents under
// users/{userID}/.
type Store struct {
	docs          docstore.Store
	logger        log.Logger
	timeout       time.Duration
	trialDuration time.Duration
	maxAttempts   int
	now           func() time.Time
	onTransition  func(from, to Status)
}

func New(opts Options) (*Store, error) {
	if opts.Docs == nil {
		return nil, xerrors.New("document store is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.TrialDuration <= 0 {
		opts.TrialDuration = DefaultTrialDuration
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		docs:          opts.Docs,
		logger:        opts.Logger,
		timeout:       opts.Timeout,
		trialDuration: opts.TrialDuration,
		maxAttempts:   opts.MaxAttempts,
		now:           opts.Now,
		onTransition:  opts.OnTransition,
	}, nil
}

func purchaseKey(userID, bundleID string) string {
	return "users/" + url.PathEscape(userID) + "/purchases/" + url.PathEscape(bundleID)
}

func trialKey(userID string) string {
	return "users/" + url.PathEscape(userID) + "/trial"
}

func subscriptionKey(userID string) string {
	return "users/" + url.PathEscape(userID) + "/subscription"
}

func (s *Store) transition(from, to Status) {
	if from != to && s.onTransition != nil {
		s.onTransition(from, to)
	}
}

// load reads and decodes the document at key.
func load[T any](ctx context.Context, s *Store, key string) (T, string, error) {
	var v T
	doc, err := s.docs.Get(ctx, key)
	if err != nil {
		return v, "", classify(err)
	}
	if err := json.Unmarshal(doc.Body, &v); err != nil {
		return v, "", xerrors.Wrapf(err, "decode document %s", key)
	}
	return v, doc.Version, nil
}

// mutate applies fn to the document at key with optimistic concurrency.
// fn edits cur in place and reports whether to write. A non-nil error from
// fn aborts without writing and is returned with the current value.
func mutate[T any](ctx context.Context, s *Store, key string, fn func(cur *T, exists bool) (bool, error)) (T, error) {
	var zero T
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		cur, version, err := load[T](ctx, s, key)
		exists := true
		if errors.Is(err, docstore.ErrNotFound) {
			exists = false
			cur = zero
		} else if err != nil {
			return zero, err
		}

		write, err := fn(&cur, exists)
		if err != nil || !write {
			return cur, err
		}

		body, err := json.Marshal(cur)
		if err != nil {
			return zero, xerrors.Wrapf(err, "encode document %s", key)
		}

		if exists {
			_, err = s.docs.Update(ctx, key, body, version)
		} else {
			_, err = s.docs.Create(ctx, key, body)
		}
		switch {
		case err == nil:
			return cur, nil
		case errors.Is(err, docstore.ErrPreconditionFailed), errors.Is(err, docstore.ErrNotFound):
			s.logger.Debug(ctx, "document changed underneath, retrying", "key", key, "attempt", attempt+1)
			continue
		default:
			return zero, classify(err)
		}
	}
	return zero, xerrors.Wrapf(ErrContention, "update %s", key)
}

// RecordInput identifies a purchase to record.
type RecordInput struct {
	UserID    string
	BundleID  string
	ProductID string
	EventID   string
}

// Record creates the entitlement for a purchase event exactly once.
//
// Replaying an event already applied returns the existing record with
// ErrDuplicateEvent. A different event against a live entitlement returns
// ErrConflictingState. A new event against a refunded or cancelled record
// re-activates it.
func (s *Store) Record(ctx context.Context, in RecordInput) (Record, error) {
	if in.UserID == "" || in.BundleID == "" || in.EventID == "" {
		return Record{}, xerrors.Wrap(ErrInvalidArgument, "user, bundle and event id are required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var from Status
	rec, err := mutate(ctx, s, purchaseKey(in.UserID, in.BundleID), func(cur *Record, exists bool) (bool, error) {
		from = StatusNone
		if exists {
			from = cur.Status
			if cur.seen(in.EventID) {
				return false, ErrDuplicateEvent
			}
			if cur.Status == StatusActive {
				return false, ErrConflictingState
			}
		}
		now := s.now().UTC()
		history := slices.Clone(cur.EventIDs)
		*cur = Record{
			UserID:        in.UserID,
			BundleID:      in.BundleID,
			ProductID:     in.ProductID,
			Status:        StatusActive,
			SourceEventID: in.EventID,
			PurchasedAt:   now,
			EventIDs:      append(history, in.EventID),
		}
		return true, nil
	})
	if err != nil {
		return rec, err
	}
	s.transition(from, StatusActive)
	s.logger.Info(ctx, "entitlement recorded",
		"user_id", in.UserID,
		"bundle_id", in.BundleID,
		"event_id", in.EventID,
		"previous_status", string(from),
	)
	return rec, nil
}

// MarkDelivered stamps DeliveredAt once; later calls are no-ops.
func (s *Store) MarkDelivered(ctx context.Context, userID, bundleID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := mutate(ctx, s, purchaseKey(userID, bundleID), func(cur *Record, exists bool) (bool, error) {
		if !exists {
			return false, ErrNotFound
		}
		if cur.DeliveredAt != nil {
			return false, nil
		}
		now := s.now().UTC()
		cur.DeliveredAt = &now
		return true, nil
	})
	return err
}

// Revoke moves an active record to reason (refunded or cancelled).
// Returns ErrNotFound when there is no active record.
func (s *Store) Revoke(ctx context.Context, userID, bundleID string, reason Status, eventID string) error {
	if reason != StatusRefunded && reason != StatusCancelled {
		return xerrors.Wrapf(ErrInvalidArgument, "revoke reason %q", reason)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := mutate(ctx, s, purchaseKey(userID, bundleID), func(cur *Record, exists bool) (bool, error) {
		if !exists || cur.Status != StatusActive {
			return false, ErrNotFound
		}
		now := s.now().UTC()
		cur.Status = reason
		cur.RevokedAt = &now
		cur.RevokeEventID = eventID
		if !slices.Contains(cur.EventIDs, eventID) {
			cur.EventIDs = append(cur.EventIDs, eventID)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	s.transition(StatusActive, reason)
	s.logger.Info(ctx, "entitlement revoked",
		"user_id", userID,
		"bundle_id", bundleID,
		"reason", string(reason),
		"event_id", eventID,
	)
	return nil
}

// Get returns the record for (userID, bundleID) or ErrNotFound.
func (s *Store) Get(ctx context.Context, userID, bundleID string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rec, _, err := load[Record](ctx, s, purchaseKey(userID, bundleID))
	if errors.Is(err, docstore.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// Resolve returns the entitlement status and never fails. Store errors are
// logged and reported as StatusNone.
func (s *Store) Resolve(ctx context.Context, userID, bundleID string) Status {
	rec, err := s.Get(ctx, userID, bundleID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error(ctx, err, "entitlement lookup failed, treating as none",
				"user_id", userID,
				"bundle_id", bundleID,
			)
		}
		return StatusNone
	}
	return rec.Status
}

// Ping checks the backing document store.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return classify(s.docs.Ping(ctx))
}
