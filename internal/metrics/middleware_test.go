package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
)

// packRouter mirrors the public content routes, wrapped the way the server
// wraps its router: metrics outside chi.
func packRouter(m *ServerMetrics) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/bundles", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	r.Get("/api/bundles/{bundleID}/content", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "bundleID") == "broken" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"items":[]}`))
	})
	r.Post("/api/trials", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	return m.Middleware(r)
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestMiddleware_RouteLabels(t *testing.T) {
	m := New()
	h := packRouter(m)

	serve(h, http.MethodGet, "/api/bundles/grammar-core/content")
	serve(h, http.MethodGet, "/api/bundles/vocab-travel/content")
	serve(h, http.MethodGet, "/api/bundles")
	serve(h, http.MethodPost, "/api/trials")
	serve(h, http.MethodGet, "/wp-login.php")
	serve(h, http.MethodGet, "/.env")

	tests := []struct {
		labels map[string]string
		want   float64
	}{
		{map[string]string{"method": "GET", "route": "/api/bundles/{bundleID}/content", "status": "200"}, 2},
		{map[string]string{"method": "GET", "route": "/api/bundles", "status": "200"}, 1},
		{map[string]string{"method": "POST", "route": "/api/trials", "status": "409"}, 1},
		{map[string]string{"method": "GET", "route": unmatchedRoute, "status": "404"}, 2},
	}
	for _, tt := range tests {
		if got := counterValue(t, m.reg, "http_requests_total", tt.labels); got != tt.want {
			t.Errorf("http_requests_total%v = %v, want %v", tt.labels, got, tt.want)
		}
	}

	f := gatherMetric(t, m.reg, "http_requests_total")
	for _, s := range f.GetMetric() {
		for _, lp := range s.GetLabel() {
			if lp.GetName() == "route" && (lp.GetValue() == "/wp-login.php" || lp.GetValue() == "/api/bundles/grammar-core/content") {
				t.Fatalf("raw path leaked into route label: %q", lp.GetValue())
			}
		}
	}
}

func TestMiddleware_ErrorCounterOnlyFor5xx(t *testing.T) {
	m := New()
	h := packRouter(m)

	serve(h, http.MethodGet, "/api/bundles/broken/content")
	serve(h, http.MethodPost, "/api/trials")
	serve(h, http.MethodGet, "/api/bundles")

	route := map[string]string{"method": "GET", "route": "/api/bundles/{bundleID}/content"}
	if got := counterValue(t, m.reg, "http_errors_total", route); got != 1 {
		t.Fatalf("5xx errors = %v, want 1", got)
	}
	if got := counterValue(t, m.reg, "http_errors_total", map[string]string{"route": "/api/trials"}); got != 0 {
		t.Fatalf("409 counted as error: %v", got)
	}
	if got := counterValue(t, m.reg, "http_errors_total", map[string]string{"route": "/api/bundles"}); got != 0 {
		t.Fatalf("200 counted as error: %v", got)
	}
}

func TestMiddleware_SizeAndDuration(t *testing.T) {
	m := New()
	h := packRouter(m)
	serve(h, http.MethodGet, "/api/bundles/grammar-core/content")

	want := map[string]string{"method": "GET", "route": "/api/bundles/{bundleID}/content"}
	size := labeledMetric(t, m.reg, "http_response_size_bytes", want)
	if size == nil {
		t.Fatal("no response size sample")
	}
	if got := size.GetHistogram().GetSampleSum(); got != float64(len(`{"items":[]}`)) {
		t.Fatalf("response size sum = %v", got)
	}
	dur := labeledMetric(t, m.reg, "http_request_duration_seconds", want)
	if dur == nil || dur.GetHistogram().GetSampleCount() != 1 {
		t.Fatal("expected one duration sample")
	}
}

func TestMiddleware_InflightDuringRequest(t *testing.T) {
	m := New()
	var during float64
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		during = gaugeValue(t, m.reg, "http_inflight_requests")
	}))

	rec := serve(h, http.MethodGet, "/api/bundles")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if during != 1 {
		t.Fatalf("inflight during request = %v, want 1", during)
	}
	if after := gaugeValue(t, m.reg, "http_inflight_requests"); after != 0 {
		t.Fatalf("inflight after request = %v, want 0", after)
	}
	// no write and no router: 200 with the unmatched label
	if got := counterValue(t, m.reg, "http_requests_total", map[string]string{"route": unmatchedRoute, "status": "200"}); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMiddleware_ReusesExistingRouteContext(t *testing.T) {
	m := New()
	rctx := chi.NewRouteContext()
	var seen *chi.Context
	h := m.Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = chi.RouteContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != rctx {
		t.Fatal("middleware replaced an existing route context")
	}
}

func TestTraceExemplar(t *testing.T) {
	tid := trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36}
	sid := trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7}

	tests := []struct {
		name  string
		ctx   context.Context
		wantN int
	}{
		{"no span", context.Background(), 0},
		{"unsampled", trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: tid, SpanID: sid,
		})), 0},
		{"sampled", trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled,
		})), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := traceExemplar(tt.ctx)
			if len(got) != tt.wantN {
				t.Fatalf("exemplar = %v, want %d labels", got, tt.wantN)
			}
			if tt.wantN == 1 && got["trace_id"] != tid.String() {
				t.Fatalf("trace_id = %q, want %q", got["trace_id"], tid.String())
			}
		})
	}
}

func TestMiddleware_SampledRequestCarriesExemplar(t *testing.T) {
	m := New()
	tid := trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: trace.SpanID{1}, TraceFlags: trace.FlagsSampled})

	req := httptest.NewRequest(http.MethodGet, "/api/bundles", nil)
	req = req.WithContext(trace.ContextWithSpanContext(req.Context(), sc))
	packRouter(m).ServeHTTP(httptest.NewRecorder(), req)

	dur := labeledMetric(t, m.reg, "http_request_duration_seconds", map[string]string{"route": "/api/bundles"})
	if dur == nil {
		t.Fatal("no duration sample")
	}
	var found bool
	for _, b := range dur.GetHistogram().GetBucket() {
		if ex := b.GetExemplar(); ex != nil {
			for _, lp := range ex.GetLabel() {
				if lp.GetName() == "trace_id" && lp.GetValue() == tid.String() {
					found = true
				}
			}
		}
	}
	if !found {
		t.Fatal("duration histogram has no exemplar for the sampled trace")
	}
}
