// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, and health checks shared by every other package.
package observability
