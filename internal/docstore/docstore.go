// Package docstore is the remote document store behind entitlements,
// trials and subscriptions. Documents are opaque JSON blobs addressed by a
// slash-separated key and guarded by an opaque version token used for
// conditional writes.
package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/keithlinneman/packgate/internal/pathutil"
)

var (
	// ErrNotFound is returned when a key has no document.
	ErrNotFound = errors.New("document not found")

	// ErrPreconditionFailed is returned when a conditional write loses:
	// Create on an existing key, or Update with a stale version.
	ErrPreconditionFailed = errors.New("document precondition failed")

	// ErrInvalidKey is returned for keys that are not canonical relative
	// paths (see pathutil.ValidKey).
	ErrInvalidKey = errors.New("invalid document key")
)

// Document is a stored body plus the version token required to update it.
type Document struct {
	Body    []byte
	Version string
}

// Store is the narrow surface the entitlement store needs. Create and
// Update must be atomic with respect to concurrent writers.
type Store interface {
	Get(ctx context.Context, key string) (Document, error)
	Create(ctx context.Context, key string, body []byte) (version string, err error)
	Update(ctx context.Context, key string, body []byte, version string) (newVersion string, err error)
	Ping(ctx context.Context) error
}

func checkKey(key string) error {
	if !pathutil.ValidKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
