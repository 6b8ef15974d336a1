package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/packgate/internal/health"
	"github.com/keithlinneman/packgate/internal/httpmw"
	"github.com/keithlinneman/packgate/internal/log"
)

// DefaultMaxBodyBytes caps request bodies. Payment webhooks are the only
// callers that send one.
const DefaultMaxBodyBytes = 1 << 20

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	Health       health.Probe
	Readiness    health.Probe
	ContentInfo  httpmw.ContentInfo // For X-Catalog-Version and X-Content-Schema headers
	MaxBodyBytes int64

	// APIRoutes mounts the public API (catalog, content, trials, webhooks).
	APIRoutes func(chi.Router)
}
