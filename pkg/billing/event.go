package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/meterline/meterline/pkg/accounts"
)

// rawEvent matches the provider's webhook envelope.
type rawEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

type rawData struct {
	Object json.RawMessage `json:"object"`
}

type rawCheckoutSession struct {
	Customer           string `json:"customer"`
	Subscription       string `json:"subscription"`
	ClientReferenceID  string `json:"client_reference_id"`
	SubscriptionStatus string `json:"subscription_status"`
}

type rawSubscription struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
}

type rawInvoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	AmountPaid   int64  `json:"amount_paid"`
	AmountDue    int64  `json:"amount_due"`
	Currency     string `json:"currency"`
}

// ParseEvent decodes a verified provider payload into the tagged-variant
// Event. Unrecognized event types parse successfully with KindUnknown so
// ingestion stays forward compatible; a malformed envelope is an error.
func ParseEvent(payload []byte) (*Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse event envelope: %w", err)
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("event is missing an id")
	}

	evt := &Event{
		ID:        raw.ID,
		RawType:   raw.Type,
		CreatedAt: time.Unix(raw.Created, 0).UTC(),
	}

	var data rawData
	if len(raw.Data) > 0 {
		if err := json.Unmarshal(raw.Data, &data); err != nil {
			return nil, fmt.Errorf("failed to parse event data: %w", err)
		}
	}

	switch EventKind(raw.Type) {
	case KindCheckoutCompleted:
		var session rawCheckoutSession
		if err := json.Unmarshal(data.Object, &session); err != nil {
			return nil, fmt.Errorf("failed to parse checkout session: %w", err)
		}
		status := accounts.SubscriptionStatus(session.SubscriptionStatus)
		if !status.Valid() {
			// Checkout sessions complete against a live subscription; treat
			// a missing status as active rather than rejecting the event.
			status = accounts.StatusActive
		}
		evt.Kind = KindCheckoutCompleted
		evt.Checkout = &CheckoutPayload{
			AccountID:      session.ClientReferenceID,
			CustomerID:     session.Customer,
			SubscriptionID: session.Subscription,
			Status:         status,
		}

	case KindSubscriptionCreated, KindSubscriptionUpdated, KindSubscriptionDeleted:
		var sub rawSubscription
		if err := json.Unmarshal(data.Object, &sub); err != nil {
			return nil, fmt.Errorf("failed to parse subscription: %w", err)
		}
		status := accounts.SubscriptionStatus(sub.Status)
		if !status.Valid() {
			return nil, fmt.Errorf("unknown subscription status %q", sub.Status)
		}
		payload := &SubscriptionPayload{
			SubscriptionID:    sub.ID,
			CustomerID:        sub.Customer,
			Status:            status,
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		}
		if sub.CurrentPeriodEnd > 0 {
			t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			payload.CurrentPeriodEnd = &t
		}
		evt.Kind = EventKind(raw.Type)
		evt.Subscription = payload

	case KindPaymentSucceeded, KindPaymentFailed:
		var invoice rawInvoice
		if err := json.Unmarshal(data.Object, &invoice); err != nil {
			return nil, fmt.Errorf("failed to parse invoice: %w", err)
		}
		amount := invoice.AmountPaid
		if EventKind(raw.Type) == KindPaymentFailed {
			amount = invoice.AmountDue
		}
		evt.Kind = EventKind(raw.Type)
		evt.Payment = &PaymentPayload{
			InvoiceID:      invoice.ID,
			CustomerID:     invoice.Customer,
			SubscriptionID: invoice.Subscription,
			AmountCents:    amount,
			Currency:       invoice.Currency,
		}

	default:
		evt.Kind = KindUnknown
	}

	return evt, nil
}
