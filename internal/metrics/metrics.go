package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/packgate/internal/version"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	httpPanicTotal         prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter
	errorsTotal            *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// delivery pipeline
	webhookEventsTotal          *prometheus.CounterVec
	entitlementTransitionsTotal *prometheus.CounterVec
	entitlementConflictsTotal   prometheus.Counter
	cacheHitsTotal              prometheus.Counter
	cacheMissesTotal            prometheus.Counter
	cacheEvictionsTotal         *prometheus.CounterVec
	generationShortfallTotal    *prometheus.CounterVec
	accessResolutionsTotal      *prometheus.CounterVec
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
}

// New returns a registry with the Go/process collectors, HTTP metrics and
// the delivery pipeline counters. HTTP labels are method, chi route pattern
// and status only; bundle ids never appear in a label except through the
// static catalog.
func New() *ServerMetrics {
	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: counterVec("http_requests_total", "Total HTTP requests by method, route, and status", "method", "route", "status"),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		// catalog listings and full packs are the largest bodies, tens of KB
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(128, 4, 8),
		}, []string{"method", "route"}),
		httpPanicTotal: counter("http_panic_total", "Total number of recovered handler panics"),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal:   counter("http_requests_rate_limited_total", "Total requests rejected by rate limiter"),
		ratelimitCapacityTotal: counter("http_requests_rate_limited_capacity_total", "Total number of times rate limiter capacity reached"),
		errorsTotal:            counterVec("http_errors_total", "Total 5xx HTTP server errors by method and route (SLI)", "method", "route"),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),

		webhookEventsTotal:          counterVec("webhook_events_total", "Payment webhook events by type and outcome", "type", "outcome"),
		entitlementTransitionsTotal: counterVec("entitlement_transitions_total", "Entitlement status transitions", "from", "to"),
		entitlementConflictsTotal:   counter("entitlement_conflicts_total", "Purchase events rejected because a live entitlement already exists (needs review)"),
		cacheHitsTotal:              counter("content_cache_hits_total", "Content cache reads served from cache"),
		cacheMissesTotal:            counter("content_cache_misses_total", "Content cache reads that fell back to generation"),
		cacheEvictionsTotal:         counterVec("content_cache_evictions_total", "Stale content cache entries evicted on read, by reason", "reason"),
		generationShortfallTotal:    counterVec("generation_shortfall_items_total", "Items sampled with replacement because a difficulty pool was too small", "bundle", "difficulty"),
		accessResolutionsTotal:      counterVec("access_resolutions_total", "Content access decisions by granting tier", "tier"),
	}

	m.reg = prometheus.NewRegistry()
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.errorsTotal,
		m.profilingActive,
		m.webhookEventsTotal,
		m.entitlementTransitionsTotal,
		m.entitlementConflictsTotal,
		m.cacheHitsTotal,
		m.cacheMissesTotal,
		m.cacheEvictionsTotal,
		m.generationShortfallTotal,
		m.accessResolutionsTotal,
	)
	m.handler = promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.profilingActive.Set(v)
}

func (m *ServerMetrics) IncWebhookEvent(eventType, outcome string) {
	m.webhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *ServerMetrics) IncEntitlementTransition(from, to string) {
	m.entitlementTransitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *ServerMetrics) IncEntitlementConflict() {
	m.entitlementConflictsTotal.Inc()
}

func (m *ServerMetrics) IncCacheHit() {
	m.cacheHitsTotal.Inc()
}

func (m *ServerMetrics) IncCacheMiss() {
	m.cacheMissesTotal.Inc()
}

func (m *ServerMetrics) IncCacheEviction(reason string) {
	m.cacheEvictionsTotal.WithLabelValues(reason).Inc()
}

// AddGenerationShortfall counts padded items. bundle comes from the static
// catalog, so the label set is bounded.
func (m *ServerMetrics) AddGenerationShortfall(bundle, difficulty string, missing int) {
	m.generationShortfallTotal.WithLabelValues(bundle, difficulty).Add(float64(missing))
}

func (m *ServerMetrics) IncAccessResolution(tier string) {
	m.accessResolutionsTotal.WithLabelValues(tier).Inc()
}
