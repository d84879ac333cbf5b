// Package middleware provides transport-level request protection for the
// API server. The Redis-backed rate limiter here is independent of the
// durable usage quota: it shields the service from bursts, while the quota
// engine meters billable allowance.
package middleware
