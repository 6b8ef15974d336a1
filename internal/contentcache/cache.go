// Package contentcache keeps generated bundle content in a local key-value
// store so access checks can serve full sets without regenerating them.
//
// Entries are JSON documents keyed by bundle id. An entry is served only if
// it decodes, is marked complete, carries the current schema version and is
// younger than the TTL. Anything else is evicted on read and reported as a
// miss; callers regenerate and Put.
package contentcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/keithlinneman/packgate/internal/catalog"
	"github.com/keithlinneman/packgate/internal/kvstore"
	"github.com/keithlinneman/packgate/internal/log"
)

const (
	// DefaultTTL is how long a generated set is served from cache.
	DefaultTTL = 30 * 24 * time.Hour

	DefaultTimeout = 5 * time.Second

	keyPrefix = "bundle:"
)

var (
	// ErrCacheTimeout wraps backend calls that hit their deadline. It is retryable.
	ErrCacheTimeout = errors.New("content cache timeout")

	// ErrCacheUnavailable wraps any other backend failure. It is retryable.
	ErrCacheUnavailable = errors.New("content cache unavailable")
)

// Eviction reasons reported to Metrics.
const (
	EvictExpired    = "expired"
	EvictSchema     = "schema"
	EvictIncomplete = "incomplete"
	EvictCorrupt    = "corrupt"
)

// Metrics is implemented by the metrics package to observe cache behavior.
type Metrics interface {
	IncCacheHit()
	IncCacheMiss()
	IncCacheEviction(reason string)
}

type Options struct {
	Logger log.Logger
	KV     kvstore.Store

	// TTL defaults to DefaultTTL.
	TTL time.Duration

	// SchemaVersion is the version entries must carry to be served.
	SchemaVersion int

	// Timeout bounds each backend call. Defaults to DefaultTimeout.
	Timeout time.Duration

	Metrics Metrics

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

type entry struct {
	Items         []catalog.ContentItem `json:"items"`
	CachedAt      time.Time             `json:"cachedAt"`
	SchemaVersion int                   `json:"schemaVersion"`
	Complete      bool                  `json:"complete"`
}

type Cache struct {
	kv            kvstore.Store
	logger        log.Logger
	ttl           time.Duration
	schemaVersion int
	timeout       time.Duration
	metrics       Metrics
	now           func() time.Time
}

func New(opts Options) (*Cache, error) {
	if opts.KV == nil {
		return nil, fmt.Errorf("contentcache: KV store is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		kv:            opts.KV,
		logger:        opts.Logger,
		ttl:           opts.TTL,
		schemaVersion: opts.SchemaVersion,
		timeout:       opts.Timeout,
		metrics:       opts.Metrics,
		now:           opts.Now,
	}, nil
}

func cacheKey(bundleID string) string { return keyPrefix + bundleID }

// Get returns the cached set for bundleID. Backend errors are logged and
// reported as a miss.
func (c *Cache) Get(ctx context.Context, bundleID string) ([]catalog.ContentItem, bool) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, ok, err := c.kv.Get(cctx, cacheKey(bundleID))
	if err != nil {
		c.logger.Warn(ctx, "content cache read failed, treating as miss",
			"bundle_id", bundleID,
			"err", classify(err),
		)
		c.miss()
		return nil, false
	}
	if !ok {
		c.miss()
		return nil, false
	}

	var e entry
	reason := ""
	switch {
	case json.Unmarshal(raw, &e) != nil:
		reason = EvictCorrupt
	case e.SchemaVersion != c.schemaVersion:
		reason = EvictSchema
	case !e.Complete:
		reason = EvictIncomplete
	case c.now().Sub(e.CachedAt) > c.ttl:
		reason = EvictExpired
	}
	if reason != "" {
		c.evict(ctx, bundleID, reason)
		c.miss()
		return nil, false
	}

	if c.metrics != nil {
		c.metrics.IncCacheHit()
	}
	return e.Items, true
}

// Put stores items for bundleID, replacing any existing entry.
func (c *Cache) Put(ctx context.Context, bundleID string, items []catalog.ContentItem, schemaVersion int) error {
	raw, err := json.Marshal(entry{
		Items:         items,
		CachedAt:      c.now().UTC(),
		SchemaVersion: schemaVersion,
		Complete:      true,
	})
	if err != nil {
		return fmt.Errorf("encode cache entry for %s: %w", bundleID, err)
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.kv.Set(cctx, cacheKey(bundleID), raw); err != nil {
		return classify(err)
	}
	return nil
}

// Invalidate removes the entry for bundleID. Missing entries are not an error.
func (c *Cache) Invalidate(ctx context.Context, bundleID string) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.kv.Delete(cctx, cacheKey(bundleID)); err != nil {
		return classify(err)
	}
	return nil
}

// Ping checks the backend.
func (c *Cache) Ping(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return classify(c.kv.Ping(cctx))
}

func (c *Cache) evict(ctx context.Context, bundleID, reason string) {
	c.logger.Debug(ctx, "evicting stale content cache entry",
		"bundle_id", bundleID,
		"reason", reason,
	)
	if c.metrics != nil {
		c.metrics.IncCacheEviction(reason)
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.kv.Delete(cctx, cacheKey(bundleID)); err != nil {
		c.logger.Warn(ctx, "content cache eviction failed",
			"bundle_id", bundleID,
			"err", err,
		)
	}
}

func (c *Cache) miss() {
	if c.metrics != nil {
		c.metrics.IncCacheMiss()
	}
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrCacheTimeout), errors.Is(err, ErrCacheUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrCacheTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
}
