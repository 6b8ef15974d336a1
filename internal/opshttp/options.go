package opshttp

import (
	"net/http"

	"github.com/keithlinneman/packgate/internal/health"
	"github.com/keithlinneman/packgate/internal/httpmw"
	"github.com/keithlinneman/packgate/internal/version"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// Build and Content back /version. Content may be nil.
	Build   version.Info
	Content httpmw.ContentInfo

	UseRecoverMW bool
	OnPanic      func() // panic counter hook
}
