package httpmw

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/packgate/internal/log"
)

type logLine struct {
	level  string
	msg    string
	fields []any
}

// recordingLogger returns itself from With so every call lands in one place.
type recordingLogger struct {
	mu    sync.Mutex
	lines []logLine
	withs [][]any
}

func (l *recordingLogger) With(kv ...any) log.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.withs = append(l.withs, kv)
	return l
}

func (l *recordingLogger) record(level, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, logLine{level: level, msg: msg, fields: kv})
}

func (l *recordingLogger) Debug(_ context.Context, msg string, kv ...any) { l.record("debug", msg, kv) }
func (l *recordingLogger) Info(_ context.Context, msg string, kv ...any)  { l.record("info", msg, kv) }
func (l *recordingLogger) Warn(_ context.Context, msg string, kv ...any)  { l.record("warn", msg, kv) }
func (l *recordingLogger) Error(_ context.Context, _ error, msg string, kv ...any) {
	l.record("error", msg, kv)
}
func (l *recordingLogger) Sync() error { return nil }

func (l *recordingLogger) only(t *testing.T) logLine {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lines) != 1 {
		t.Fatalf("log lines = %d, want 1", len(l.lines))
	}
	return l.lines[0]
}

func (l *recordingLogger) withField(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, kv := range l.withs {
		if v, ok := fieldValue(kv, key); ok {
			return v, true
		}
	}
	return nil, false
}

func fieldValue(fields []any, key string) (any, bool) {
	for i := 0; i+1 < len(fields); i += 2 {
		if k, ok := fields[i].(string); ok && k == key {
			return fields[i+1], true
		}
	}
	return nil, false
}

// serveLogged runs a request through the same logging layers the public
// server uses, with router mounted inside AccessLog.
func serveLogged(l log.Logger, router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h := Chain(router, ClientIP, WithLogger(l))
	h.ServeHTTP(rec, req)
	return rec
}

func bundleRouter(status int) chi.Router {
	r := chi.NewRouter()
	r.Use(AccessLog())
	r.Get("/api/bundles/{bundleID}/content", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"items":[]}`))
	})
	r.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {})
	return r
}

func TestAccessLog_UsesRoutePattern(t *testing.T) {
	l := &recordingLogger{}
	req := httptest.NewRequest(http.MethodGet, "/api/bundles/ancient_rome/content", http.NoBody)
	serveLogged(l, bundleRouter(http.StatusOK), req)

	line := l.only(t)
	if line.level != "info" || line.msg != "http request" {
		t.Fatalf("line = %s %q", line.level, line.msg)
	}
	if v, _ := fieldValue(line.fields, "http.route"); v != "/api/bundles/{bundleID}/content" {
		t.Fatalf("http.route = %v", v)
	}
	if v, _ := fieldValue(line.fields, "http.response.status_code"); v != http.StatusOK {
		t.Fatalf("status = %v", v)
	}
	if v, _ := fieldValue(line.fields, "http.response.body.size"); v != int64(len(`{"items":[]}`)) {
		t.Fatalf("body size = %v", v)
	}
	if v, ok := fieldValue(line.fields, "http.server.request.duration"); !ok || v.(float64) < 0 {
		t.Fatalf("duration = %v", v)
	}
}

func TestAccessLog_ServerErrorsLogAtWarn(t *testing.T) {
	l := &recordingLogger{}
	req := httptest.NewRequest(http.MethodGet, "/api/bundles/ancient_rome/content", http.NoBody)
	serveLogged(l, bundleRouter(http.StatusServiceUnavailable), req)

	if line := l.only(t); line.level != "warn" {
		t.Fatalf("level = %s, want warn", line.level)
	}
}

func TestAccessLog_SkipsProbes(t *testing.T) {
	l := &recordingLogger{}
	serveLogged(l, bundleRouter(http.StatusOK), httptest.NewRequest(http.MethodGet, "/-/ready", http.NoBody))
	if len(l.lines) != 0 {
		t.Fatalf("probe logged: %+v", l.lines)
	}
}

func TestAccessLog_UnmatchedFallsBackToPath(t *testing.T) {
	l := &recordingLogger{}
	serveLogged(l, bundleRouter(http.StatusOK), httptest.NewRequest(http.MethodGet, "/api/nope", http.NoBody))

	line := l.only(t)
	if v, _ := fieldValue(line.fields, "http.route"); v != "/api/nope" {
		t.Fatalf("http.route = %v", v)
	}
	if v, _ := fieldValue(line.fields, "http.response.status_code"); v != http.StatusNotFound {
		t.Fatalf("status = %v", v)
	}
}

func TestAccessLog_RequestBodySize(t *testing.T) {
	l := &recordingLogger{}
	r := chi.NewRouter()
	r.Use(AccessLog())
	r.Post("/webhooks/payments", func(w http.ResponseWriter, r *http.Request) {})

	body := `{"id":"evt_1","type":"purchase.completed"}`
	serveLogged(l, r, httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body)))

	if v, _ := fieldValue(l.only(t).fields, "http.request.body.size"); v != int64(len(body)) {
		t.Fatalf("request body size = %v", v)
	}
}

func TestWithLogger_Fields(t *testing.T) {
	l := &recordingLogger{}
	req := httptest.NewRequest(http.MethodGet, "/api/bundles/ancient_rome/content?token=secret", http.NoBody)
	req.RemoteAddr = "203.0.113.9:5555"
	req.Host = "packs.example.com"
	req = req.WithContext(WithRequestID(req.Context(), "req-42"))

	serveLogged(l, http.NotFoundHandler(), req)

	want := map[string]any{
		"request_id":           "req-42",
		"client.address":       "203.0.113.9",
		"network.peer.address": "203.0.113.9",
		"http.request.method":  http.MethodGet,
		"url.path":             "/api/bundles/ancient_rome/content",
		"url.scheme":           "http",
	}
	for k, v := range want {
		if got, ok := l.withField(k); !ok || got != v {
			t.Errorf("%s = %v, want %v", k, got, v)
		}
	}
	for _, k := range []string{"url.query", "server.address", "user_agent"} {
		if _, ok := l.withField(k); ok {
			t.Errorf("unexpected field %q", k)
		}
	}
}

func TestWithLogger_ClientAddressFromClientIP(t *testing.T) {
	l := &recordingLogger{}
	req := httptest.NewRequest(http.MethodGet, "/api/bundles", http.NoBody)
	req.RemoteAddr = "10.0.0.4:3000"
	req.Header.Set("X-Forwarded-For", "198.51.100.2")

	h := Chain(http.NotFoundHandler(), ClientIPWithOptions(ClientIPOptions{TrustedHops: 1}), WithLogger(l))
	h.ServeHTTP(httptest.NewRecorder(), req)

	if v, _ := l.withField("client.address"); v != "198.51.100.2" {
		t.Fatalf("client.address = %v", v)
	}
	if v, _ := l.withField("network.peer.address"); v != "10.0.0.4" {
		t.Fatalf("network.peer.address = %v", v)
	}
}

func TestScope_AddsHandlerField(t *testing.T) {
	l := &recordingLogger{}
	var inner log.Logger
	h := Scope("webhook")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner = log.FromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", http.NoBody)
	h.ServeHTTP(httptest.NewRecorder(), req.WithContext(log.WithContext(req.Context(), l)))

	if inner != l {
		t.Fatal("scoped logger not stored in context")
	}
	if v, _ := l.withField("handler"); v != "webhook" {
		t.Fatalf("handler = %v", v)
	}
}

func TestSchemeFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		target string
		proto  string
		tls    bool
		want   string
	}{
		{"default", "/", "", false, "http"},
		{"forwarded https", "/", "https", false, "https"},
		{"forwarded uppercase", "/", "HTTPS", false, "https"},
		{"forwarded list takes first", "/", "https, http", false, "https"},
		{"forwarded padded", "/", "  https  ", false, "https"},
		{"forwarded unknown falls through", "/", "ftp", false, "http"},
		{"forwarded injection falls through", "/", "https\r\nX-Evil: 1", false, "http"},
		{"forwarded null byte falls through", "/", "https\x00", false, "http"},
		{"forwarded beats tls", "/", "http", true, "http"},
		{"absolute url", "https://packs.example.com/api/bundles", "", false, "https"},
		{"tls", "/", "", true, "https"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, http.NoBody)
			if tt.proto != "" {
				r.Header["X-Forwarded-Proto"] = []string{tt.proto}
			}
			r.TLS = nil
			if tt.tls {
				r.TLS = &tls.ConnectionState{}
			}
			if got := schemeFromRequest(r); got != tt.want {
				t.Fatalf("scheme = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSchemeFromRequest_UnknownURLScheme(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.URL.Scheme = "gopher"
	if got := schemeFromRequest(r); got != "http" {
		t.Fatalf("scheme = %q", got)
	}
}

type flushRecorder struct {
	*httptest.ResponseRecorder
	flushed bool
}

func (f *flushRecorder) Flush() { f.flushed = true }

type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestResponseWriter_StatusAndBytes(t *testing.T) {
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), ctx: t.Context()}
	if rw.statusCode() != http.StatusOK {
		t.Fatalf("unwritten status = %d", rw.statusCode())
	}
	rw.WriteHeader(http.StatusCreated)
	_, _ = rw.Write([]byte("abc"))
	_, _ = rw.Write([]byte("de"))
	if rw.status != http.StatusCreated || rw.bytes != 5 {
		t.Fatalf("status=%d bytes=%d", rw.status, rw.bytes)
	}
	// no recording parent span
	rw.finishWriteSpan()
}

func TestResponseWriter_FlushAndHijack(t *testing.T) {
	fr := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	(&responseWriter{ResponseWriter: fr}).Flush()
	if !fr.flushed {
		t.Fatal("flush not forwarded")
	}

	hr := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	if _, _, err := (&responseWriter{ResponseWriter: hr}).Hijack(); err != nil || !hr.hijacked {
		t.Fatalf("hijack: err=%v hijacked=%v", err, hr.hijacked)
	}

	if _, _, err := (&responseWriter{ResponseWriter: httptest.NewRecorder()}).Hijack(); err == nil {
		t.Fatal("expected error from non-hijacker")
	}
}

func FuzzSchemeFromRequest(f *testing.F) {
	f.Add("https")
	f.Add("HTTP, https")
	f.Add("javascript")
	f.Add("")
	f.Fuzz(func(t *testing.T, proto string) {
		r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		r.Header["X-Forwarded-Proto"] = []string{proto}
		if got := schemeFromRequest(r); got != "http" && got != "https" {
			t.Fatalf("scheme = %q", got)
		}
	})
}
