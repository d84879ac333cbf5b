package accounts

import (
	"time"
)

// SubscriptionStatus mirrors the payment provider's subscription lifecycle.
type SubscriptionStatus string

const (
	StatusNone       SubscriptionStatus = "none"
	StatusIncomplete SubscriptionStatus = "incomplete"
	StatusTrialing   SubscriptionStatus = "trialing"
	StatusActive     SubscriptionStatus = "active"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusUnpaid     SubscriptionStatus = "unpaid"
	StatusCanceled   SubscriptionStatus = "canceled"
)

// Valid reports whether s is one of the known provider statuses.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusNone, StatusIncomplete, StatusTrialing, StatusActive,
		StatusPastDue, StatusUnpaid, StatusCanceled:
		return true
	}
	return false
}

// Tier represents the feature-access level of a principal.
type Tier string

const (
	TierFree       Tier = "free"
	TierRegistered Tier = "registered"
	TierPro        Tier = "pro"
)

// TierForStatus derives the feature tier from a subscription status.
// registered is true for principals with an account record; anonymous
// callers always resolve to the free tier.
//
// This is the single derivation rule in the codebase. Webhook handling and
// usage checks both go through it, so the two paths can never disagree.
func TierForStatus(status SubscriptionStatus, registered bool) Tier {
	switch status {
	case StatusActive, StatusTrialing:
		if registered {
			return TierPro
		}
		return TierFree
	case StatusPastDue, StatusUnpaid:
		// Payment trouble loses paid features but keeps the account.
		if registered {
			return TierRegistered
		}
		return TierFree
	default:
		if registered {
			return TierRegistered
		}
		return TierFree
	}
}

// Account is the durable record for a registered principal.
type Account struct {
	ID                     string             `json:"id"`
	Email                  string             `json:"email,omitempty"`
	ExternalCustomerID     string             `json:"external_customer_id,omitempty"`
	ExternalSubscriptionID string             `json:"external_subscription_id,omitempty"`
	SubscriptionStatus     SubscriptionStatus `json:"subscription_status"`
	// SubscriptionUpdatedAt is the provider timestamp of the last applied
	// subscription event; later events with an older timestamp are stale.
	SubscriptionUpdatedAt *time.Time `json:"subscription_updated_at,omitempty"`
	CurrentPeriodEnd      *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd     bool       `json:"cancel_at_period_end"`
	DailyUsageCount       int        `json:"daily_usage_count"`
	UsageWindowStart      time.Time  `json:"usage_window_start"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Tier returns the derived feature tier for the account.
func (a *Account) Tier() Tier {
	return TierForStatus(a.SubscriptionStatus, true)
}

// CreateAccountRequest represents a registration request.
type CreateAccountRequest struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email"`
}
