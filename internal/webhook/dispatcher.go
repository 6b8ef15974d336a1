// Package webhook turns signed payment processor events into entitlement
// changes and content deliveries.
//
// Each event moves through received, validated, routed, applied and
// acknowledged, or stops at rejected. The dispatcher has no retry loop of
// its own: retryable failures are returned so the processor redelivers, and
// every handler is idempotent under redelivery.
package webhook

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/keithlinneman/packgate/internal/catalog"
	"github.com/keithlinneman/packgate/internal/cryptoutil"
	"github.com/keithlinneman/packgate/internal/entitlement"
	"github.com/keithlinneman/packgate/internal/generator"
	"github.com/keithlinneman/packgate/internal/log"
	"github.com/keithlinneman/packgate/internal/xerrors"
)

const DefaultVerifyTimeout = 5 * time.Second

var (
	// ErrInvalidSignature rejects an event without side effects.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrVerifierUnavailable means the signature could not be checked, for
	// example because KMS or SSM did not answer. It is retryable.
	ErrVerifierUnavailable = errors.New("signature verifier unavailable")

	ErrMalformedEvent = errors.New("malformed webhook event")

	// ErrUnknownProduct means the product id has no bundle mapping. It needs
	// a catalog fix, not a retry.
	ErrUnknownProduct = errors.New("unknown product")
)

// Terminal reports whether err is a final verdict on the event itself:
// it failed validation, names an unknown product, or collides with a live
// entitlement. Redelivering the same bytes cannot change the result.
func Terminal(err error) bool {
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrMalformedEvent) ||
		errors.Is(err, ErrUnknownProduct) ||
		errors.Is(err, entitlement.ErrConflictingState) ||
		errors.Is(err, entitlement.ErrInvalidArgument)
}

// Retryable reports whether the processor should redeliver after err. Every
// non-terminal failure counts, store and cache outages included.
func Retryable(err error) bool {
	return err != nil && !Terminal(err)
}

// Outcome is the terminal state of one delivery attempt.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
	OutcomeRetry     Outcome = "retry"
)

// Acknowledged reports whether the processor should stop redelivering.
func (o Outcome) Acknowledged() bool {
	return o == OutcomeApplied || o == OutcomeDuplicate || o == OutcomeIgnored
}

// Verifier checks a raw payload against its signature header.
type Verifier interface {
	Verify(ctx context.Context, payload []byte, header string) error
}

// Entitlements is the subset of the entitlement store the dispatcher writes.
type Entitlements interface {
	Record(ctx context.Context, in entitlement.RecordInput) (entitlement.Record, error)
	MarkDelivered(ctx context.Context, userID, bundleID string) error
	Revoke(ctx context.Context, userID, bundleID string, reason entitlement.Status, eventID string) error
	ApplySubscription(ctx context.Context, sub entitlement.Subscription) (entitlement.Subscription, error)
}

// ContentCache is the subset of the content cache the dispatcher writes.
type ContentCache interface {
	Put(ctx context.Context, bundleID string, items []catalog.ContentItem, schemaVersion int) error
	Invalidate(ctx context.Context, bundleID string) error
}

// Generator produces the full set for a bundle.
type Generator interface {
	GenerateDefault(ctx context.Context, b catalog.Bundle) []catalog.ContentItem
}

// Metrics is implemented by the metrics package to observe dispatch.
type Metrics interface {
	IncWebhookEvent(eventType, outcome string)
	IncEntitlementConflict()
}

type Options struct {
	Logger       log.Logger
	Verifier     Verifier
	Catalog      *catalog.Catalog
	Entitlements Entitlements
	Cache        ContentCache
	Generator    Generator
	Metrics      Metrics

	// VerifyTimeout bounds the signature check. Defaults to DefaultVerifyTimeout.
	VerifyTimeout time.Duration
}

type Dispatcher struct {
	logger        log.Logger
	verifier      Verifier
	catalog       *catalog.Catalog
	ents          Entitlements
	cache         ContentCache
	gen           Generator
	metrics       Metrics
	verifyTimeout time.Duration
}

func New(opts Options) (*Dispatcher, error) {
	switch {
	case opts.Verifier == nil:
		return nil, xerrors.New("webhook: Verifier is required")
	case opts.Catalog == nil:
		return nil, xerrors.New("webhook: Catalog is required")
	case opts.Entitlements == nil:
		return nil, xerrors.New("webhook: Entitlements is required")
	case opts.Cache == nil:
		return nil, xerrors.New("webhook: Cache is required")
	case opts.Generator == nil:
		return nil, xerrors.New("webhook: Generator is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = DefaultVerifyTimeout
	}
	return &Dispatcher{
		logger:        opts.Logger,
		verifier:      opts.Verifier,
		catalog:       opts.Catalog,
		ents:          opts.Entitlements,
		cache:         opts.Cache,
		gen:           opts.Generator,
		metrics:       opts.Metrics,
		verifyTimeout: opts.VerifyTimeout,
	}, nil
}

// Handle verifies, routes and applies one raw event. A nil error means the
// event may be acknowledged. Errors are either terminal (the outcome is
// OutcomeRejected) or retryable (OutcomeRetry).
func (d *Dispatcher) Handle(ctx context.Context, raw []byte, signature string) (Outcome, error) {
	ctx, span := otel.Tracer("packgate/webhook").Start(ctx, "webhook.Handle")
	defer span.End()

	eventType := "unknown"
	outcome, err := d.handle(ctx, raw, signature, &eventType)

	span.SetAttributes(
		attribute.String("webhook.event_type", eventType),
		attribute.String("webhook.outcome", string(outcome)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(outcome))
	}
	if d.metrics != nil {
		d.metrics.IncWebhookEvent(eventType, string(outcome))
	}
	return outcome, err
}

func (d *Dispatcher) handle(ctx context.Context, raw []byte, signature string, eventType *string) (Outcome, error) {
	// received -> validated
	if err := d.verify(ctx, raw, signature); err != nil {
		if errors.Is(err, ErrVerifierUnavailable) {
			d.logger.Warn(ctx, "webhook signature check unavailable", "err", err)
			return OutcomeRetry, err
		}
		d.logger.Warn(ctx, "webhook rejected: invalid signature", "err", err)
		return OutcomeRejected, err
	}

	ev, err := ParseEvent(raw)
	if err != nil {
		d.logger.Warn(ctx, "webhook rejected: malformed event", "err", err)
		return OutcomeRejected, err
	}
	*eventType = ev.Type
	l := d.logger.With("event_id", ev.ID, "event_type", ev.Type)

	// validated -> routed -> applied
	var outcome Outcome
	switch ev.Type {
	case TypePurchaseCompleted, TypeCheckoutCompleted:
		outcome, err = d.handlePurchase(ctx, l, ev)
	case TypeChargeRefunded:
		outcome, err = d.handleRevoke(ctx, l, ev, entitlement.StatusRefunded)
	case TypePurchaseCancelled:
		outcome, err = d.handleRevoke(ctx, l, ev, entitlement.StatusCancelled)
	case TypeSubscriptionCreated, TypeSubscriptionUpdated, TypeSubscriptionDeleted:
		outcome, err = d.handleSubscription(ctx, l, ev)
	default:
		l.Debug(ctx, "ignoring unhandled webhook event type")
		return OutcomeIgnored, nil
	}

	if err != nil {
		if Retryable(err) {
			l.Warn(ctx, "webhook processing failed, awaiting redelivery", "err", err)
			return OutcomeRetry, err
		}
		if errors.Is(err, entitlement.ErrConflictingState) {
			if d.metrics != nil {
				d.metrics.IncEntitlementConflict()
			}
			l.Error(ctx, err, "webhook conflicts with a live entitlement, needs manual review")
		} else {
			l.Error(ctx, err, "webhook rejected")
		}
		return OutcomeRejected, err
	}
	l.Info(ctx, "webhook processed", "outcome", string(outcome))
	return outcome, nil
}

func (d *Dispatcher) verify(ctx context.Context, raw []byte, signature string) error {
	vctx, cancel := context.WithTimeout(ctx, d.verifyTimeout)
	defer cancel()

	err := d.verifier.Verify(vctx, raw, signature)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cryptoutil.ErrSignatureMismatch),
		errors.Is(err, cryptoutil.ErrSignatureExpired),
		errors.Is(err, cryptoutil.ErrMalformedSignature),
		errors.Is(err, ErrInvalidSignature):
		return xerrors.Wrapf(ErrInvalidSignature, "%v", err)
	default:
		return errors.Join(ErrVerifierUnavailable, err)
	}
}

func (d *Dispatcher) handlePurchase(ctx context.Context, l log.Logger, ev Event) (Outcome, error) {
	obj, err := ev.object()
	if err != nil {
		return OutcomeRejected, err
	}
	userID, productID := obj.userID(), obj.productID()
	if userID == "" || productID == "" {
		return OutcomeRejected, xerrors.Wrap(ErrMalformedEvent, "purchase requires user and product id")
	}
	bundle, ok := d.catalog.BundleForProduct(productID)
	if !ok {
		return OutcomeRejected, xerrors.Wrapf(ErrUnknownProduct, "product %q", productID)
	}
	l = l.With("user_id", userID, "bundle_id", bundle.ID)

	outcome := OutcomeApplied
	rec, err := d.ents.Record(ctx, entitlement.RecordInput{
		UserID:    userID,
		BundleID:  bundle.ID,
		ProductID: productID,
		EventID:   ev.ID,
	})
	switch {
	case errors.Is(err, entitlement.ErrDuplicateEvent):
		if rec.Delivered() || rec.Status != entitlement.StatusActive {
			return OutcomeDuplicate, nil
		}
		// an earlier attempt recorded the purchase but did not finish delivery
		l.Info(ctx, "resuming interrupted delivery")
		outcome = OutcomeDuplicate
	case err != nil:
		return OutcomeRejected, err
	}

	if err := d.deliver(ctx, userID, bundle); err != nil {
		return OutcomeRetry, err
	}
	return outcome, nil
}

// deliver regenerates and caches the bundle's set, then marks the
// entitlement delivered. Every step is safe to repeat.
func (d *Dispatcher) deliver(ctx context.Context, userID string, b catalog.Bundle) error {
	items := d.gen.GenerateDefault(ctx, b)
	if err := d.cache.Put(ctx, b.ID, items, generator.SchemaVersion); err != nil {
		return xerrors.Wrapf(err, "cache content for %s", b.ID)
	}
	if err := d.ents.MarkDelivered(ctx, userID, b.ID); err != nil {
		return xerrors.Wrapf(err, "mark %s delivered", b.ID)
	}
	return nil
}

func (d *Dispatcher) handleRevoke(ctx context.Context, l log.Logger, ev Event, reason entitlement.Status) (Outcome, error) {
	obj, err := ev.object()
	if err != nil {
		return OutcomeRejected, err
	}
	userID := obj.userID()
	bundleID := obj.bundleID()
	if bundleID == "" {
		if productID := obj.productID(); productID != "" {
			b, ok := d.catalog.BundleForProduct(productID)
			if !ok {
				return OutcomeRejected, xerrors.Wrapf(ErrUnknownProduct, "product %q", productID)
			}
			bundleID = b.ID
		}
	}
	if userID == "" || bundleID == "" {
		return OutcomeRejected, xerrors.Wrapf(ErrMalformedEvent, "%s requires user and bundle or product id", ev.Type)
	}
	l = l.With("user_id", userID, "bundle_id", bundleID)

	outcome := OutcomeApplied
	err = d.ents.Revoke(ctx, userID, bundleID, reason, ev.ID)
	switch {
	case errors.Is(err, entitlement.ErrNotFound):
		// redelivered refund, or a refund for a purchase never recorded
		l.Warn(ctx, "no active entitlement to revoke")
		outcome = OutcomeIgnored
	case err != nil:
		return OutcomeRejected, err
	}

	if err := d.cache.Invalidate(ctx, bundleID); err != nil {
		return OutcomeRetry, xerrors.Wrapf(err, "invalidate cache for %s", bundleID)
	}
	return outcome, nil
}

func (d *Dispatcher) handleSubscription(ctx context.Context, l log.Logger, ev Event) (Outcome, error) {
	obj, err := ev.object()
	if err != nil {
		return OutcomeRejected, err
	}
	userID := obj.userID()
	if userID == "" {
		return OutcomeRejected, xerrors.Wrap(ErrMalformedEvent, "subscription event requires metadata.userId")
	}

	status := entitlement.SubscriptionStatus(obj.Status)
	if ev.Type == TypeSubscriptionDeleted || status == "" {
		status = entitlement.SubscriptionCanceled
	}
	sub := entitlement.Subscription{
		UserID:         userID,
		SubscriptionID: obj.ID,
		Status:         status,
		UpdatedAt:      ev.CreatedAt(),
		SourceEventID:  ev.ID,
	}
	if obj.CurrentPeriodEnd > 0 {
		sub.CurrentPeriodEnd = time.Unix(obj.CurrentPeriodEnd, 0).UTC()
	}

	_, err = d.ents.ApplySubscription(ctx, sub)
	switch {
	case errors.Is(err, entitlement.ErrDuplicateEvent):
		return OutcomeDuplicate, nil
	case errors.Is(err, entitlement.ErrStaleEvent):
		l.Info(ctx, "subscription event older than stored state", "user_id", userID, "status", string(status))
		return OutcomeIgnored, nil
	case err != nil:
		return OutcomeRejected, err
	}
	l.Debug(ctx, "subscription state applied", "user_id", userID, "status", string(status))
	return OutcomeApplied, nil
}
