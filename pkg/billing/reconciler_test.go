package billing

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterline/meterline/pkg/accounts"
	"github.com/meterline/meterline/pkg/observability"
)

func newTestReconciler(t *testing.T) (*Reconciler, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	reconciler, err := NewReconciler(db, logger)
	require.NoError(t, err)

	return reconciler, mock, func() { db.Close() }
}

func expectNoLedgerRow(mock sqlmock.Sqlmock, eventID string) {
	mock.ExpectQuery("SELECT event_id, event_type, outcome, account_id, applied_at").
		WithArgs(eventID).
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "event_type", "outcome", "account_id", "applied_at"}))
}

func expectLedgerInsert(mock sqlmock.Sqlmock, eventID, eventType string, outcome Outcome, accountID string) {
	mock.ExpectQuery("INSERT INTO applied_events").
		WithArgs(eventID, eventType, outcome, accountID).
		WillReturnRows(sqlmock.NewRows([]string{"applied_at"}).AddRow(time.Now()))
}

func lockedRow(id string, lastEventAt interface{}) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "subscription_updated_at"}).AddRow(id, lastEventAt)
}

func TestApplyEvent_SubscriptionUpdated(t *testing.T) {
	reconciler, mock, closeDB := newTestReconciler(t)
	defer closeDB()

	eventTime := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	evt := &Event{
		ID:        "evt_1",
		Kind:      KindSubscriptionUpdated,
		RawType:   "customer.subscription.updated",
		CreatedAt: eventTime,
		Subscription: &SubscriptionPayload{
			SubscriptionID: "sub_1",
			CustomerID:     "cus_1",
			Status:         accounts.StatusActive,
		},
	}

	expectNoLedgerRow(mock, "evt_1")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, subscription_updated_at FROM accounts").
		WithArgs("sub_1").
		WillReturnRows(lockedRow("acc_1", eventTime.Add(-time.Hour)))
	mock.ExpectExec("UPDATE accounts").
		WithArgs("acc_1", "sub_1", accounts.StatusActive, nil, false, eventTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectLedgerInsert(mock, "evt_1", "customer.subscription.updated", OutcomeApplied, "acc_1")
	mock.ExpectCommit()

	outcome, err := reconciler.ApplyEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome.Outcome)
	assert.Equal(t, "acc_1", outcome.AccountID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEvent_DuplicateFromLedger(t *testing.T) {
	reconciler, mock, closeDB := newTestReconciler(t)
	defer closeDB()

	applied := time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT event_id, event_type, outcome, account_id, applied_at").
		WithArgs("evt_1").
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "event_type", "outcome", "account_id", "applied_at"}).
			AddRow("evt_1", "customer.subscription.updated", OutcomeApplied, "acc_1", applied))

	outcome, err := reconciler.ApplyEvent(context.Background(), &Event{
		ID:        "evt_1",
		Kind:      KindSubscriptionUpdated,
		RawType:   "customer.subscription.updated",
		CreatedAt: time.Now(),
		Subscription: &SubscriptionPayload{
			SubscriptionID: "sub_1",
			Status:         accounts.StatusCanceled,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome.Outcome)
	assert.Equal(t, "acc_1", outcome.AccountID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEvent_DuplicateFromCache(t *testing.T) {
	reconciler, mock, closeDB := newTestReconciler(t)
	defer closeDB()

	eventTime := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	evt := &Event{
		ID:        "evt_1",
		Kind:      KindSubscriptionUpdated,
		RawType:   "customer.subscription.updated",
		CreatedAt: eventTime,
		Subscription: &SubscriptionPayload{
			SubscriptionID: "sub_1",
			Status:         accounts.StatusActive,
		},
	}

	expectNoLedgerRow(mock, "evt_1")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, subscription_updated_at FROM accounts").
		WithArgs("sub_1").
		WillReturnRows(lockedRow("acc_1", nil))
	mock.ExpectExec("UPDATE accounts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectLedgerInsert(mock, "evt_1", "customer.subscription.updated", OutcomeApplied, "acc_1")
	mock.ExpectCommit()

	first, err := reconciler.ApplyEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, first.Outcome)

	// The redelivery is served from the outcome cache without touching the
	// database at all.
	second, err := reconciler.ApplyEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, "acc_1", second.AccountID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEvent_StaleSkipped(t *testing.T) {
	reconciler, mock, closeDB := newTestReconciler(t)
	defer closeDB()

	eventTime := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	evt := &Event{
		ID:        "evt_old",
		Kind:      KindSubscriptionUpdated,
		RawType:   "customer.subscription.updated",
		CreatedAt: eventTime,
		Subscription: &SubscriptionPayload{
			SubscriptionID: "sub_1",
			Status:         accounts.StatusActive,
		},
	}

	expectNoLedgerRow(mock, "evt_old")
	mock.ExpectBegin()
	// A newer event already touched the account.
	mock.ExpectQuery("SELECT id, subscription_updated_at FROM accounts").
		WithArgs("sub_1").
		WillReturnRows(lockedRow("acc_1", eventTime.Add(time.Hour)))
	expectLedgerInsert(mock, "evt_old", "customer.subscription.updated", OutcomeStale, "acc_1")
	mock.ExpectCommit()

	outcome, err := reconciler.ApplyEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, outcome.Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEvent_EqualTimestampApplies(t *testing.T) {
	reconciler, mock, closeDB := newTestReconciler(t)
	defer closeDB()

	eventTime := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	evt := &Event{
		ID:        "evt_same",
		Kind:      KindSubscriptionUpdated,
		RawType:   "customer.subscription.updated",
		CreatedAt: eventTime,
		Subscription: &SubscriptionPayload{
			SubscriptionID: "sub_1",
			Status:         accounts.StatusPastDue,
		},
	}

	expectNoLedgerRow(mock, "evt_same")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, subscription_updated_at FROM accounts").
		WithArgs("sub_1").
		WillReturnRows(lockedRow("acc_1", eventTime))
	mock.ExpectExec("UPDATE accounts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectLedgerInsert(mock, "evt_same", "customer.subscription.updated", OutcomeApplied, "acc_1")
	mock.ExpectCommit()

	outcome, err := reconciler.ApplyEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome.Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEvent_OrphanSubscription(t *testing.T) {
	reconciler, mock, closeDB := newTestReconciler(t)
	defer closeDB()

	evt := &Event{
		ID:        "evt_orphan",
		Kind:      KindSubscriptionUpdated,
		RawType:   "customer.subscription.updated",
		CreatedAt: time.Now().UTC(),
		Subscription: &SubscriptionPayload{
			SubscriptionID: "sub_unknown",
			CustomerID:     "cus_unknown",
			Status:         accounts.StatusActive,
		},
	}

	expectNoLedgerRow(mock, "evt_orphan")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, subscription_updated_at FROM accounts").
		WithArgs("sub_unknown").
		WillReturnRows(sqlmock.NewRows([]string{"id", "subscription_updated_at"}))
	mock.ExpectQuery("SELECT id, subscription_updated_at FROM accounts").
		WithArgs("cus_unknown").
		WillReturnRows(sqlmock.NewRows([]string{"id", "subscription_updated_at"}))
	expectLedgerInsert(mock, "evt_orphan", "customer.subscription.updated", OutcomeOrphan, "")
	mock.ExpectCommit()

	outcome, err := reconciler.ApplyEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrphan, outcome.Outcome)
	assert.Empty(t, outcome.AccountID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEvent_CheckoutLinksProviderIDs(t *testing.T) {
	reconciler, mock, closeDB := newTestReconciler(t)
	defer closeDB()

	eventTime := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	evt := &Event{
		ID:        "evt_checkout",
		Kind:      KindCheckoutCompleted,
		RawType:   "checkout.session.completed",
		CreatedAt: eventTime,
		Checkout: &CheckoutPayload{
			AccountID:      "acc_1",
			CustomerID:     "cus_1",
			SubscriptionID: "sub_1",
			Status:         accounts.StatusActive,
		},
	}

	expectNoLedgerRow(mock, "evt_checkout")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, subscription_updated_at FROM accounts").
		WithArgs("acc_1").
		WillReturnRows(lockedRow("acc_1", nil))
	mock.ExpectExec("UPDATE accounts").
		WithArgs("acc_1", "cus_1", "sub_1", accounts.StatusActive, eventTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectLedgerInsert(mock, "evt_checkout", "checkout.session.completed", OutcomeApplied, "acc_1")
	mock.ExpectCommit()

	outcome, err := reconciler.ApplyEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome.Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEvent_CheckoutWithoutReferenceIsOrphan(t *testing.T) {
	reconciler, mock, closeDB := newTestReconciler(t)
	defer closeDB()

	evt := &Event{
		ID:        "evt_noref",
		Kind:      KindCheckoutCompleted,
		RawType:   "checkout.session.completed",
		CreatedAt: time.Now().UTC(),
		Checkout:  &CheckoutPayload{CustomerID: "cus_1", Status: accounts.StatusActive},
	}

	expectNoLedgerRow(mock, "evt_noref")
	mock.ExpectBegin()
	expectLedgerInsert(mock, "evt_noref", "checkout.session.completed", OutcomeOrphan, "")
	mock.ExpectCommit()

	outcome, err := reconciler.ApplyEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrphan, outcome.Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEvent_SubscriptionDeletedDowngrades(t *testing.T) {
	reconciler, mock, closeDB := newTestReconciler(t)
	defer closeDB()

	eventTime := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	evt := &Event{
		ID:        "evt_del",
		Kind:      KindSubscriptionDeleted,
		RawType:   "customer.subscription.deleted",
		CreatedAt: eventTime,
		Subscription: &SubscriptionPayload{
			SubscriptionID: "sub_1",
			CustomerID:     "cus_1",
			Status:         accounts.StatusCanceled,
		},
	}

	expectNoLedgerRow(mock, "evt_del")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, subscription_updated_at FROM accounts").
		WithArgs("sub_1").
		WillReturnRows(lockedRow("acc_1", eventTime.Add(-time.Minute)))
	mock.ExpectExec("UPDATE accounts").
		WithArgs("acc_1", accounts.StatusCanceled, eventTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectLedgerInsert(mock, "evt_del", "customer.subscription.deleted", OutcomeApplied, "acc_1")
	mock.ExpectCommit()

	outcome, err := reconciler.ApplyEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome.Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEvent_PaymentRecorded(t *testing.T) {
	reconciler, mock, closeDB := newTestReconciler(t)
	defer closeDB()

	eventTime := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	evt := &Event{
		ID:        "evt_pay",
		Kind:      KindPaymentSucceeded,
		RawType:   "invoice.payment_succeeded",
		CreatedAt: eventTime,
		Payment: &PaymentPayload{
			InvoiceID:      "in_1",
			CustomerID:     "cus_1",
			SubscriptionID: "sub_1",
			AmountCents:    2900,
			Currency:       "usd",
		},
	}

	expectNoLedgerRow(mock, "evt_pay")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, subscription_updated_at FROM accounts").
		WithArgs("cus_1").
		WillReturnRows(lockedRow("acc_1", nil))
	mock.ExpectExec("INSERT INTO payments").
		WithArgs("acc_1", "evt_pay", "in_1", true, int64(2900), "usd", eventTime).
		WillReturnResult(sqlmock.NewResult(1, 1))
	expectLedgerInsert(mock, "evt_pay", "invoice.payment_succeeded", OutcomeApplied, "acc_1")
	mock.ExpectCommit()

	outcome, err := reconciler.ApplyEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome.Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEvent_UnknownKindIgnored(t *testing.T) {
	reconciler, mock, closeDB := newTestReconciler(t)
	defer closeDB()

	evt := &Event{
		ID:        "evt_unknown",
		Kind:      KindUnknown,
		RawType:   "product.created",
		CreatedAt: time.Now().UTC(),
	}

	expectNoLedgerRow(mock, "evt_unknown")
	mock.ExpectBegin()
	expectLedgerInsert(mock, "evt_unknown", "product.created", OutcomeIgnored, "")
	mock.ExpectCommit()

	outcome, err := reconciler.ApplyEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome.Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEvent_ConcurrentDeliveryLosesRace(t *testing.T) {
	reconciler, mock, closeDB := newTestReconciler(t)
	defer closeDB()

	eventTime := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	evt := &Event{
		ID:        "evt_race",
		Kind:      KindSubscriptionUpdated,
		RawType:   "customer.subscription.updated",
		CreatedAt: eventTime,
		Subscription: &SubscriptionPayload{
			SubscriptionID: "sub_1",
			Status:         accounts.StatusActive,
		},
	}

	expectNoLedgerRow(mock, "evt_race")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, subscription_updated_at FROM accounts").
		WithArgs("sub_1").
		WillReturnRows(lockedRow("acc_1", nil))
	mock.ExpectExec("UPDATE accounts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// ON CONFLICT DO NOTHING: another delivery inserted the row first.
	mock.ExpectQuery("INSERT INTO applied_events").
		WithArgs("evt_race", "customer.subscription.updated", OutcomeApplied, "acc_1").
		WillReturnRows(sqlmock.NewRows([]string{"applied_at"}))
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT event_id, event_type, outcome, account_id, applied_at").
		WithArgs("evt_race").
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "event_type", "outcome", "account_id", "applied_at"}).
			AddRow("evt_race", "customer.subscription.updated", OutcomeApplied, "acc_1", eventTime))

	outcome, err := reconciler.ApplyEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome.Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEvent_StoreFailureLeavesNoOutcome(t *testing.T) {
	reconciler, mock, closeDB := newTestReconciler(t)
	defer closeDB()

	evt := &Event{
		ID:        "evt_down",
		Kind:      KindSubscriptionUpdated,
		RawType:   "customer.subscription.updated",
		CreatedAt: time.Now().UTC(),
		Subscription: &SubscriptionPayload{
			SubscriptionID: "sub_1",
			Status:         accounts.StatusActive,
		},
	}

	expectNoLedgerRow(mock, "evt_down")
	mock.ExpectBegin().WillReturnError(assert.AnError)

	_, err := reconciler.ApplyEvent(context.Background(), evt)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAppliedEvent_NotFound(t *testing.T) {
	reconciler, mock, closeDB := newTestReconciler(t)
	defer closeDB()

	expectNoLedgerRow(mock, "evt_missing")

	_, err := reconciler.GetAppliedEvent(context.Background(), "evt_missing")
	assert.ErrorIs(t, err, ErrEventNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPayments(t *testing.T) {
	reconciler, mock, closeDB := newTestReconciler(t)
	defer closeDB()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "account_id", "event_id", "invoice_id", "succeeded",
		"amount_cents", "currency", "occurred_at", "created_at",
	}).
		AddRow(int64(2), "acc_1", "evt_2", "in_2", true, int64(2900), "usd", now, now).
		AddRow(int64(1), "acc_1", "evt_1", nil, false, int64(2900), "usd", now.Add(-time.Hour), now)

	mock.ExpectQuery("SELECT (.+) FROM payments").
		WithArgs("acc_1", 10).
		WillReturnRows(rows)

	payments, err := reconciler.ListPayments(context.Background(), "acc_1", 10)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.True(t, payments[0].Succeeded)
	assert.Empty(t, payments[1].InvoiceID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneAppliedEvents(t *testing.T) {
	reconciler, mock, closeDB := newTestReconciler(t)
	defer closeDB()

	mock.ExpectExec("DELETE FROM applied_events").
		WithArgs("7776000 seconds").
		WillReturnResult(sqlmock.NewResult(0, 42))

	pruned, err := reconciler.PruneAppliedEvents(context.Background(), 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(42), pruned)
	assert.NoError(t, mock.ExpectationsWereMet())
}
