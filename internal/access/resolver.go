// Package access decides which content set a user sees for a bundle.
//
// Checks run in a fixed order: an active subscription, then an active
// purchase, then an active trial (which also records the bundle as
// accessed), and finally the curated sample. Full sets come from the
// content cache, falling back to synchronous generation so a reader is
// never blocked on webhook delivery.
package access

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keithlinneman/packgate/internal/catalog"
	"github.com/keithlinneman/packgate/internal/entitlement"
	"github.com/keithlinneman/packgate/internal/generator"
	"github.com/keithlinneman/packgate/internal/log"
	"github.com/keithlinneman/packgate/internal/xerrors"
)

// Tier names the rule that granted access.
type Tier string

const (
	TierSubscription Tier = "subscription"
	TierPurchase     Tier = "purchase"
	TierTrial        Tier = "trial"
	TierSample       Tier = "sample"
)

// Access is the resolved view of one bundle for one user.
type Access struct {
	BundleID string
	Tier     Tier
	Items    []catalog.ContentItem
}

// Full reports whether the full set was granted.
func (a Access) Full() bool { return a.Tier != TierSample }

// SampleOnly reports whether only the curated sample was granted.
func (a Access) SampleOnly() bool { return a.Tier == TierSample }

// Entitlements is the read side of the entitlement store plus the trial
// access side effect.
type Entitlements interface {
	HasActiveSubscription(ctx context.Context, userID string) bool
	Resolve(ctx context.Context, userID, bundleID string) entitlement.Status
	ActiveTrial(ctx context.Context, userID string) (entitlement.TrialWindow, bool)
	RecordTrialAccess(ctx context.Context, userID, bundleID string) error
}

type ContentCache interface {
	Get(ctx context.Context, bundleID string) ([]catalog.ContentItem, bool)
	Put(ctx context.Context, bundleID string, items []catalog.ContentItem, schemaVersion int) error
}

type Generator interface {
	GenerateDefault(ctx context.Context, b catalog.Bundle) []catalog.ContentItem
}

// Metrics is implemented by the metrics package to observe resolution.
type Metrics interface {
	IncAccessResolution(tier string)
}

type Options struct {
	Logger       log.Logger
	Catalog      *catalog.Catalog
	Entitlements Entitlements
	Cache        ContentCache
	Generator    Generator
	Metrics      Metrics
}

type Resolver struct {
	logger  log.Logger
	catalog *catalog.Catalog
	ents    Entitlements
	cache   ContentCache
	gen     Generator
	metrics Metrics
}

func New(opts Options) (*Resolver, error) {
	switch {
	case opts.Catalog == nil:
		return nil, xerrors.New("access: Catalog is required")
	case opts.Entitlements == nil:
		return nil, xerrors.New("access: Entitlements is required")
	case opts.Cache == nil:
		return nil, xerrors.New("access: Cache is required")
	case opts.Generator == nil:
		return nil, xerrors.New("access: Generator is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Resolver{
		logger:  opts.Logger,
		catalog: opts.Catalog,
		ents:    opts.Entitlements,
		cache:   opts.Cache,
		gen:     opts.Generator,
		metrics: opts.Metrics,
	}, nil
}

// Resolve never fails. An empty userID is an anonymous caller and always
// gets the sample.
func (r *Resolver) Resolve(ctx context.Context, userID string, b catalog.Bundle) Access {
	ctx, span := otel.Tracer("packgate/access").Start(ctx, "access.Resolve")
	defer span.End()

	tier := r.tier(ctx, userID, b.ID)
	span.SetAttributes(
		attribute.String("bundle.id", b.ID),
		attribute.String("access.tier", string(tier)),
	)
	if r.metrics != nil {
		r.metrics.IncAccessResolution(string(tier))
	}

	if tier == TierSample {
		return Access{BundleID: b.ID, Tier: tier, Items: r.catalog.Sample(b.ID)}
	}
	return Access{BundleID: b.ID, Tier: tier, Items: r.fullSet(ctx, b)}
}

func (r *Resolver) tier(ctx context.Context, userID, bundleID string) Tier {
	if userID == "" {
		return TierSample
	}
	if r.ents.HasActiveSubscription(ctx, userID) {
		return TierSubscription
	}
	if r.ents.Resolve(ctx, userID, bundleID) == entitlement.StatusActive {
		return TierPurchase
	}
	if tw, ok := r.ents.ActiveTrial(ctx, userID); ok {
		if !tw.Accessed(bundleID) {
			if err := r.ents.RecordTrialAccess(ctx, userID, bundleID); err != nil {
				r.logger.Warn(ctx, "failed to record trial access",
					"user_id", userID,
					"bundle_id", bundleID,
					"err", err,
				)
			}
		}
		return TierTrial
	}
	return TierSample
}

// fullSet serves from cache, generating and caching on a miss. Cache write
// failures are logged; the generated set is still returned.
func (r *Resolver) fullSet(ctx context.Context, b catalog.Bundle) []catalog.ContentItem {
	if items, ok := r.cache.Get(ctx, b.ID); ok {
		return items
	}
	items := r.gen.GenerateDefault(ctx, b)
	if err := r.cache.Put(ctx, b.ID, items, generator.SchemaVersion); err != nil {
		r.logger.Warn(ctx, "failed to cache generated content",
			"bundle_id", b.ID,
			"err", err,
		)
	}
	return items
}
