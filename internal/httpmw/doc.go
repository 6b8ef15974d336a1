// Package httpmw holds the middleware shared by the public and ops
// listeners. httpserver.NewHandler composes it with Chain, outermost first:
// security headers, panic recovery, request id, client ip, rate limiting,
// tracing, catalog headers, metrics, request logger, then the chi router
// with its own compression, route annotation, access log and body limit.
//
// Logged fields are fixed server-side values and validated ids; query
// strings, user agents and arbitrary headers never reach the log.
package httpmw
