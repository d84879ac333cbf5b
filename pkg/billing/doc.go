// Package billing keeps the local account state synchronized with the
// payment provider's webhook event stream.
//
// Delivery from the provider is at-least-once and not strictly ordered, so
// the reconciler is built around two guarantees:
//
//   - Idempotency: every event id is recorded in the applied_events ledger
//     at most once. A redelivered event returns the previously recorded
//     outcome without re-applying any mutation.
//   - Ordering: for a given subscription, an event older than the provider
//     timestamp already applied to the account is skipped as stale, giving
//     last-writer-wins semantics per subscription id.
//
// Data-integrity outcomes (duplicate, stale, orphan, unknown type) are
// normal results, never errors, so the provider does not endlessly retry
// deliveries that can never succeed. Only infrastructure failures propagate
// as errors.
package billing
