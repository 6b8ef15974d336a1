package log

import "context"

type ctxKey struct{}

// WithContext attaches l to ctx. Middleware stores the request-scoped logger
// here so handlers log with request_id and client fields already set.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or Nop. It never returns nil.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok && l != nil {
		return l
	}
	return Nop()
}
