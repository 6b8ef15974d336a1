package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/packgate/internal/xerrors"
)

// Probe reports nil when healthy or an error whose message is the reason.
type Probe interface{ Check(context.Context) error }

type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason ("unhealthy" when empty).
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All runs probes in order, skipping nils, and stops at the first failure.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Dependency names a backing-store check so a failed readiness response says
// which store is down. A non-zero timeout bounds each check.
func Dependency(name string, timeout time.Duration, check func(context.Context) error) CheckFunc {
	return func(ctx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := check(ctx); err != nil {
			return xerrors.Wrap(err, name)
		}
		return nil
	}
}

// Cached reuses p's last result for ttl. Load balancers poll readiness from
// several nodes and each poll would otherwise round-trip to S3 and Redis.
func Cached(p Probe, ttl time.Duration) CheckFunc {
	return cached(p, ttl, time.Now)
}

func cached(p Probe, ttl time.Duration, now func() time.Time) CheckFunc {
	var (
		mu      sync.Mutex
		last    error
		checked time.Time
	)
	return func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if !checked.IsZero() && now().Sub(checked) < ttl {
			return last
		}
		last = p.Check(ctx)
		checked = now()
		return last
	}
}

// ShutdownGate fails readiness once shutdown starts, so the load balancer
// stops routing before in-flight requests drain.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

// Set closes the gate. An empty reason reports "draining".
func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return xerrors.New(*r)
		}
		return nil
	}
}
