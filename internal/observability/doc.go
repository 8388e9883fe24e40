// Package observability provides structured logging and Prometheus metrics
// for the router.
//
// Loggers are zap-based and pick up the request ID stored in the context.
// Metrics cover provider calls, quota admissions, cache lookups, breaker
// state and daily usage.
package observability
