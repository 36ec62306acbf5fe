// Package httpmw holds the middleware of the public jokes listener.
//
// httpserver.NewHandler stacks them outermost first: SecurityHeaders,
// Recover, RequestID, ClientIP, the rate limiter, otelhttp, BuildHeaders,
// TraceResponseHeaders, metrics and WithLogger; AnnotateHTTPRoute and
// AccessLog sit on the router itself so they see the matched pattern.
//
// The client address is always the connection peer. Forwarded headers are
// deleted, so per-client request counts behind a proxy collapse onto the
// proxy's address. Query strings, user agents and hosts never reach the logs.
package httpmw
