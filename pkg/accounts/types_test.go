package accounts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTierForStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     SubscriptionStatus
		registered bool
		want       Tier
	}{
		{"active registered", StatusActive, true, TierPro},
		{"trialing registered", StatusTrialing, true, TierPro},
		{"past due keeps registered tier", StatusPastDue, true, TierRegistered},
		{"unpaid keeps registered tier", StatusUnpaid, true, TierRegistered},
		{"canceled registered", StatusCanceled, true, TierRegistered},
		{"incomplete registered", StatusIncomplete, true, TierRegistered},
		{"no subscription registered", StatusNone, true, TierRegistered},
		{"anonymous is always free", StatusNone, false, TierFree},
		{"anonymous never gains from status", StatusActive, false, TierFree},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TierForStatus(tt.status, tt.registered))
		})
	}
}

func TestSubscriptionStatusValid(t *testing.T) {
	for _, status := range []SubscriptionStatus{
		StatusNone, StatusIncomplete, StatusTrialing, StatusActive,
		StatusPastDue, StatusUnpaid, StatusCanceled,
	} {
		assert.True(t, status.Valid(), string(status))
	}

	assert.False(t, SubscriptionStatus("paused").Valid())
	assert.False(t, SubscriptionStatus("").Valid())
}

func TestAccountTier(t *testing.T) {
	account := &Account{SubscriptionStatus: StatusActive}
	assert.Equal(t, TierPro, account.Tier())

	account.SubscriptionStatus = StatusPastDue
	assert.Equal(t, TierRegistered, account.Tier())
}
