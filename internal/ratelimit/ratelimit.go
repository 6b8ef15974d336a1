// Package ratelimit throttles the public listener per client IP.
//
// Every IP gets a token bucket. Requests matched by a strict rule (trial
// starts) draw from a second, tighter bucket for the same IP. Idle buckets
// are swept after a TTL and the total number of tracked IPs is capped.
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/packgate/internal/httpmw"
)

// unknownIP buckets requests that reach the limiter without a resolved
// client address.
const unknownIP = "unknown"

var deniedBody = []byte(`{"error":"too many requests"}` + "\n")

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// denied is set on the first rejection and cleared by eviction
	denied bool
}

type bucketKey struct {
	ip     string
	strict bool
}

type strictRule struct {
	match     func(r *http.Request) bool
	perSecond rate.Limit
	burst     int
}

// IPLimiter holds per-IP buckets with background eviction.
type IPLimiter struct {
	mu         sync.Mutex
	visitors   map[bucketKey]*visitor
	atCapacity bool

	perSecond   rate.Limit
	burst       int
	strict      *strictRule
	ttl         time.Duration
	maxVisitors int
	now         func() time.Time
	exempt      func(r *http.Request) bool

	onFirstDenied func(ip string)
	onDenied      func(ip string)
	onCapacity    func()
}

type Option func(*IPLimiter)

// WithRate sets the refill rate and bucket size: WithRate(10, 50) allows 50
// requests at once, then 10 per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithStrict gives requests matching fn their own tighter per-IP bucket.
// Used for trial starts, which are cheap to request and grant full access.
func WithStrict(fn func(r *http.Request) bool, perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.strict = &strictRule{match: fn, perSecond: rate.Limit(perSecond), burst: burst}
	}
}

// WithTTL controls how long an idle bucket is kept.
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) { l.ttl = d }
}

// WithMaxVisitors caps tracked buckets; 0 disables the cap. New IPs beyond
// it are rejected until the sweep frees room, existing IPs keep their buckets.
func WithMaxVisitors(n int) Option {
	return func(l *IPLimiter) { l.maxVisitors = n }
}

// WithExempt skips limiting for matching requests. Payment webhooks arrive in
// bursts from a few processor IPs and are authenticated by signature.
func WithExempt(fn func(r *http.Request) bool) Option {
	return func(l *IPLimiter) { l.exempt = fn }
}

// WithOnFirstDenied fires once per bucket lifetime, for logging.
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.onFirstDenied = fn }
}

// WithOnDenied fires on every rejection, for counters.
func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.onDenied = fn }
}

// WithOnCapacity fires each time the bucket map fills up.
func WithOnCapacity(fn func()) Option {
	return func(l *IPLimiter) { l.onCapacity = fn }
}

func withClock(now func() time.Time) Option {
	return func(l *IPLimiter) { l.now = now }
}

// New builds a limiter and starts the sweep goroutine, which exits with ctx.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		visitors:    make(map[bucketKey]*visitor),
		perSecond:   10,
		burst:       30,
		ttl:         5 * time.Minute,
		maxVisitors: 100000,
		now:         time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

// allow takes a token from the bucket for key. Hooks run after the lock is
// released.
func (l *IPLimiter) allow(key bucketKey) bool {
	now := l.now()

	l.mu.Lock()
	v, exists := l.visitors[key]
	if !exists {
		if l.maxVisitors > 0 && len(l.visitors) >= l.maxVisitors {
			fire := !l.atCapacity
			l.atCapacity = true
			l.mu.Unlock()
			if fire && l.onCapacity != nil {
				l.onCapacity()
			}
			l.denied(key.ip, false)
			return false
		}
		l.atCapacity = false
		v = &visitor{limiter: l.newLimiter(key.strict)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	ok := v.limiter.AllowN(now, 1)
	first := !ok && !v.denied
	if first {
		v.denied = true
	}
	l.mu.Unlock()

	if !ok {
		l.denied(key.ip, first)
	}
	return ok
}

func (l *IPLimiter) newLimiter(strict bool) *rate.Limiter {
	if strict && l.strict != nil {
		return rate.NewLimiter(l.strict.perSecond, l.strict.burst)
	}
	return rate.NewLimiter(l.perSecond, l.burst)
}

func (l *IPLimiter) denied(ip string, first bool) {
	if first && l.onFirstDenied != nil {
		l.onFirstDenied(ip)
	}
	if l.onDenied != nil {
		l.onDenied(ip)
	}
}

func (l *IPLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(l.now())
		}
	}
}

// sweep evicts buckets idle for longer than the TTL.
func (l *IPLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, k)
		}
	}
}

// Middleware rejects requests over the limit with a JSON 429. The client IP
// comes from httpmw.ClientIP, which must run first.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.exempt != nil && l.exempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		ip := httpmw.ClientIPFromContext(r.Context())
		if ip == "" {
			ip = unknownIP
		}

		ok := l.allow(bucketKey{ip: ip})
		if ok && l.strict != nil && l.strict.match(r) {
			ok = l.allow(bucketKey{ip: ip, strict: true})
		}
		if !ok {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write(deniedBody)
			return
		}
		next.ServeHTTP(w, r)
	})
}
