package httpmw

import (
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ContentInfo describes the catalog and generated-content schema currently
// being served.
type ContentInfo interface {
	CatalogFingerprint() string
	ContentSchemaVersion() int
}

// ContentHeaders adds X-Catalog-Version and X-Content-Schema to every
// response so clients can tell when cached packs went stale.
func ContentHeaders(info ContentInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info != nil {
				fp := info.CatalogFingerprint()
				sv := info.ContentSchemaVersion()
				if fp != "" {
					// short form, first 12 chars
					short := fp
					if len(short) > 12 {
						short = short[:12]
					}
					w.Header().Set("X-Catalog-Version", short)
				}
				if sv > 0 {
					w.Header().Set("X-Content-Schema", strconv.Itoa(sv))
				}
				if span := trace.SpanFromContext(r.Context()); span != nil && span.IsRecording() {
					if fp != "" {
						span.SetAttributes(attribute.String("catalog.fingerprint", fp))
					}
					if sv > 0 {
						span.SetAttributes(attribute.Int("content.schema_version", sv))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
