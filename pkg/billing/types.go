package billing

import (
	"time"

	"github.com/meterline/meterline/pkg/accounts"
)

// EventKind identifies the closed set of provider event types the
// reconciler understands. Anything else parses to KindUnknown and is
// accepted as a no-op.
type EventKind string

const (
	KindCheckoutCompleted   EventKind = "checkout.session.completed"
	KindSubscriptionCreated EventKind = "customer.subscription.created"
	KindSubscriptionUpdated EventKind = "customer.subscription.updated"
	KindSubscriptionDeleted EventKind = "customer.subscription.deleted"
	KindPaymentSucceeded    EventKind = "invoice.payment_succeeded"
	KindPaymentFailed       EventKind = "invoice.payment_failed"
	KindUnknown             EventKind = "unknown"
)

// Event is the tagged-variant form of a provider webhook event. Exactly one
// payload pointer is set, matching Kind; KindUnknown carries none.
type Event struct {
	ID        string
	Kind      EventKind
	RawType   string
	CreatedAt time.Time

	Checkout     *CheckoutPayload
	Subscription *SubscriptionPayload
	Payment      *PaymentPayload
}

// CheckoutPayload carries the bootstrap linkage established when a checkout
// session completes. AccountID is the caller-supplied correlation id (the
// account that initiated checkout); no customer-id linkage exists yet.
type CheckoutPayload struct {
	AccountID      string
	CustomerID     string
	SubscriptionID string
	Status         accounts.SubscriptionStatus
}

// SubscriptionPayload is the provider's subscription snapshot.
type SubscriptionPayload struct {
	SubscriptionID    string
	CustomerID        string
	Status            accounts.SubscriptionStatus
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
}

// PaymentPayload describes an invoice payment attempt. Payment events never
// change subscription status; they only append a payment record.
type PaymentPayload struct {
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
	AmountCents    int64
	Currency       string
}

// Outcome classifies how an event was resolved.
type Outcome string

const (
	// OutcomeApplied means the event mutated local state.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the event id was already in the ledger.
	OutcomeDuplicate Outcome = "skipped-duplicate"
	// OutcomeStale means a newer event for the subscription was already
	// applied.
	OutcomeStale Outcome = "skipped-stale"
	// OutcomeOrphan means no local account matched the event's
	// customer/subscription/correlation id.
	OutcomeOrphan Outcome = "skipped-orphan"
	// OutcomeIgnored means the event type is outside the consumed taxonomy.
	OutcomeIgnored Outcome = "skipped-ignored"
)

// ApplyOutcome is returned for every successfully ingested event.
type ApplyOutcome struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Outcome   Outcome   `json:"outcome"`
	AppliedAt time.Time `json:"applied_at"`
	// AccountID is set when the event resolved to a local account.
	AccountID string `json:"account_id,omitempty"`
}

// AppliedEvent is a row in the idempotency ledger.
type AppliedEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Outcome   Outcome   `json:"outcome"`
	AccountID string    `json:"account_id,omitempty"`
	AppliedAt time.Time `json:"applied_at"`
}

// Payment is an appended payment record. Failed payments are informational;
// tier changes are driven solely by subscription status events.
type Payment struct {
	ID          int64     `json:"id"`
	AccountID   string    `json:"account_id"`
	EventID     string    `json:"event_id"`
	InvoiceID   string    `json:"invoice_id,omitempty"`
	Succeeded   bool      `json:"succeeded"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	OccurredAt  time.Time `json:"occurred_at"`
	CreatedAt   time.Time `json:"created_at"`
}
