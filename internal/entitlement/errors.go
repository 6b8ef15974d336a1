package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/keithlinneman/packgate/internal/docstore"
)

var (
	// ErrDuplicateEvent means the event was already applied. Callers treat
	// it as success; the existing record is returned alongside it.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrStaleEvent means the event is older than the stored state and was
	// not applied. Callers acknowledge it.
	ErrStaleEvent = errors.New("stale event")

	// ErrConflictingState means a live entitlement exists from a different
	// event and will not be overwritten.
	ErrConflictingState = errors.New("conflicting entitlement state")

	// ErrNotFound means there is no record in the state the operation needs.
	ErrNotFound = errors.New("entitlement not found")

	// ErrStoreTimeout wraps document store calls that hit their deadline.
	// It is retryable.
	ErrStoreTimeout = errors.New("entitlement store timeout")

	// ErrStoreUnavailable wraps any other document store failure, such as a
	// refused connection or a 5xx from S3. It is retryable.
	ErrStoreUnavailable = errors.New("entitlement store unavailable")

	// ErrContention means optimistic updates kept losing. It is retryable.
	ErrContention = errors.New("entitlement store contention")

	// ErrTrialUsed means the user already started a trial.
	ErrTrialUsed = errors.New("trial already used")

	ErrInvalidArgument = errors.New("invalid argument")
)

// Retryable reports whether err is worth redelivering.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreTimeout) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrContention)
}

// classify maps a docstore error onto the package sentinels. Not-found and
// precondition failures pass through for the caller to handle.
func classify(err error) error {
	switch {
	case err == nil,
		errors.Is(err, docstore.ErrNotFound),
		errors.Is(err, docstore.ErrPreconditionFailed),
		errors.Is(err, ErrStoreTimeout),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrInvalidArgument):
		return err
	case errors.Is(err, docstore.ErrInvalidKey):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrStoreTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}
