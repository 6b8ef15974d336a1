package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// Response headers carrying the server span ids, so a client reporting a
// failed content fetch or webhook delivery can be matched to its trace.
const (
	TraceIDHeader = "X-Trace-Id"
	SpanIDHeader  = "X-Span-Id"
)

// TraceResponseHeaders echoes the current span's ids on the response. Requests
// without a valid span context (probes, tracing disabled) get no headers.
func TraceResponseHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sc := trace.SpanFromContext(r.Context()).SpanContext(); sc.IsValid() {
			w.Header().Set(TraceIDHeader, sc.TraceID().String())
			w.Header().Set(SpanIDHeader, sc.SpanID().String())
		}
		next.ServeHTTP(w, r)
	})
}
