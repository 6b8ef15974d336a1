package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func spanContext(ctx context.Context) context.Context {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	return trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))
}

func TestTraceResponseHeaders(t *testing.T) {
	_, noopSpan := noop.NewTracerProvider().Tracer("test").Start(t.Context(), "noop")

	tests := []struct {
		name      string
		ctx       context.Context
		wantTrace string
		wantSpan  string
	}{
		{"valid span", spanContext(t.Context()), "4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7"},
		{"no span", t.Context(), "", ""},
		{"noop span", trace.ContextWithSpan(t.Context(), noopSpan), "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/bundles", http.NoBody).WithContext(tt.ctx)
			rec := httptest.NewRecorder()
			TraceResponseHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})).ServeHTTP(rec, req)

			if got := rec.Header().Get(TraceIDHeader); got != tt.wantTrace {
				t.Fatalf("%s = %q, want %q", TraceIDHeader, got, tt.wantTrace)
			}
			if got := rec.Header().Get(SpanIDHeader); got != tt.wantSpan {
				t.Fatalf("%s = %q, want %q", SpanIDHeader, got, tt.wantSpan)
			}
		})
	}
}
