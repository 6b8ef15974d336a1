package opshttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/keithlinneman/packgate/internal/health"
	"github.com/keithlinneman/packgate/internal/httpmw"
	"github.com/keithlinneman/packgate/internal/log"
	"github.com/keithlinneman/packgate/internal/xerrors"
)

const defaultPort = 9000

// NewHandler builds the admin mux: probes under both spellings, /metrics,
// /version and optionally pprof, behind the private-network guard.
func NewHandler(L log.Logger, opts *Options) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	mux := http.NewServeMux()

	for _, p := range []string{"/healthz", "/-/healthy"} {
		mux.Handle(p, health.HealthzHandler(opts.Health))
	}
	for _, p := range []string{"/readyz", "/-/ready"} {
		mux.Handle(p, health.ReadyzHandler(opts.Readiness))
	}
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	mux.HandleFunc("/version", versionHandler(L, opts))

	if opts.EnablePprof {
		RegisterPprof(mux)
	} else {
		mux.HandleFunc("/debug/pprof/", http.NotFound)
	}

	var recoverMW func(http.Handler) http.Handler
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(L, opts.OnPanic)
	}
	return httpmw.Chain(mux,
		recoverMW,
		func(next http.Handler) http.Handler { return requireNonPublicNetwork(L, next) },
	)
}

type versionResponse struct {
	App                string `json:"app"`
	Version            string `json:"version"`
	Commit             string `json:"commit"`
	BuildDate          string `json:"build_date,omitempty"`
	GoVersion          string `json:"go_version,omitempty"`
	CatalogFingerprint string `json:"catalog_fingerprint,omitempty"`
	ContentSchema      int    `json:"content_schema,omitempty"`
}

func versionHandler(L log.Logger, opts *Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := versionResponse{
			App:       opts.Build.AppName,
			Version:   opts.Build.Version,
			Commit:    opts.Build.Commit,
			BuildDate: opts.Build.BuildDate,
			GoVersion: opts.Build.GoVersion,
		}
		if opts.Content != nil {
			resp.CatalogFingerprint = opts.Content.CatalogFingerprint()
			resp.ContentSchema = opts.Content.ContentSchemaVersion()
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			L.Warn(r.Context(), "failed to encode version response", "error", err)
		}
	}
}

// Start serves the admin handler on opts.Port (default 9000) and returns a
// stop func for graceful shutdown.
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = defaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(L, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// profiles stream for up to 30s
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	return func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}, nil
}
