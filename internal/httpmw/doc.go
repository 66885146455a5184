// Package httpmw holds the HTTP middleware shared by the gateway listener.
//
// httpserver.NewHandler composes it outermost first: recover, security
// headers, request ID, client IP, tracing, metrics, logging, then the chi
// router where each route carries its own admission middleware.
//
// Request data supplied by the caller (query strings, user agent, arbitrary
// headers) stays out of log fields.
package httpmw
