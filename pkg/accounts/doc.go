// Package accounts manages the durable account record for registered
// principals: the link to the payment provider (customer and subscription
// ids), the current subscription status, and the daily usage counters the
// quota engine mutates.
//
// The feature tier is never stored as independently writable truth. It is
// derived from the subscription status via TierForStatus on every read, so
// the account row cannot drift from the provider's state.
package accounts
