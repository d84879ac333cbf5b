package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meterline/meterline/pkg/accounts"
	"github.com/meterline/meterline/pkg/observability"
)

// ErrEventNotFound is returned when no ledger row exists for an event id.
var ErrEventNotFound = errors.New("event not recorded")

// outcomeCacheSize bounds the in-memory cache over the idempotency ledger.
// Ledger rows are immutable once written, so caching them never changes an
// idempotency decision.
const outcomeCacheSize = 16384

// Reconciler applies verified provider events to the account store. All
// writes for one event (account mutation, payment record, ledger row)
// commit in a single transaction, so a failed call leaves no partial state
// and the provider can safely redeliver.
type Reconciler struct {
	db     *sql.DB
	logger *observability.Logger
	cache  *lru.Cache[string, AppliedEvent]
}

// NewReconciler creates a Reconciler.
func NewReconciler(db *sql.DB, logger *observability.Logger) (*Reconciler, error) {
	cache, err := lru.New[string, AppliedEvent](outcomeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create outcome cache: %w", err)
	}
	return &Reconciler{db: db, logger: logger, cache: cache}, nil
}

// ApplyEvent applies one event, idempotently. Duplicate, stale, orphan, and
// unknown-type events resolve to their respective outcomes without error;
// an error means the store was unreachable and nothing was written.
func (r *Reconciler) ApplyEvent(ctx context.Context, evt *Event) (*ApplyOutcome, error) {
	if cached, ok := r.cache.Get(evt.ID); ok {
		return duplicateOutcome(&cached), nil
	}

	if applied, err := r.getApplied(ctx, evt.ID); err != nil {
		return nil, err
	} else if applied != nil {
		r.cache.Add(evt.ID, *applied)
		return duplicateOutcome(applied), nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	outcome, accountID, err := r.apply(ctx, tx, evt)
	if err != nil {
		return nil, err
	}

	record := AppliedEvent{
		EventID:   evt.ID,
		EventType: evt.RawType,
		Outcome:   outcome,
		AccountID: accountID,
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO applied_events (event_id, event_type, outcome, account_id)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (event_id) DO NOTHING
		RETURNING applied_at
	`, record.EventID, record.EventType, record.Outcome, record.AccountID)

	if err := row.Scan(&record.AppliedAt); err == sql.ErrNoRows {
		// A concurrent delivery of the same event won the race. Discard our
		// work and report the recorded outcome.
		tx.Rollback()
		applied, err := r.getApplied(ctx, evt.ID)
		if err != nil {
			return nil, err
		}
		if applied == nil {
			return nil, fmt.Errorf("ledger conflict for event %s but no row found", evt.ID)
		}
		r.cache.Add(evt.ID, *applied)
		return duplicateOutcome(applied), nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to record applied event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit event %s: %w", evt.ID, err)
	}

	r.cache.Add(evt.ID, record)

	r.logger.WithFields(map[string]interface{}{
		"event_id":   evt.ID,
		"event_type": evt.RawType,
		"outcome":    string(outcome),
		"account_id": accountID,
	}).Info("provider event processed")

	return &ApplyOutcome{
		EventID:   record.EventID,
		EventType: record.EventType,
		Outcome:   record.Outcome,
		AppliedAt: record.AppliedAt,
		AccountID: record.AccountID,
	}, nil
}

func duplicateOutcome(applied *AppliedEvent) *ApplyOutcome {
	return &ApplyOutcome{
		EventID:   applied.EventID,
		EventType: applied.EventType,
		Outcome:   OutcomeDuplicate,
		AppliedAt: applied.AppliedAt,
		AccountID: applied.AccountID,
	}
}

// apply dispatches on the event kind and performs the account mutation
// inside tx. It returns the outcome to record; errors are infrastructure
// failures only.
func (r *Reconciler) apply(ctx context.Context, tx *sql.Tx, evt *Event) (Outcome, string, error) {
	switch evt.Kind {
	case KindCheckoutCompleted:
		return r.applyCheckout(ctx, tx, evt)
	case KindSubscriptionCreated:
		return r.applySubscriptionCreated(ctx, tx, evt)
	case KindSubscriptionUpdated:
		return r.applySubscriptionUpdated(ctx, tx, evt)
	case KindSubscriptionDeleted:
		return r.applySubscriptionDeleted(ctx, tx, evt)
	case KindPaymentSucceeded, KindPaymentFailed:
		return r.applyPayment(ctx, tx, evt)
	default:
		r.logger.WithFields(map[string]interface{}{
			"event_id":   evt.ID,
			"event_type": evt.RawType,
		}).Info("ignoring unknown provider event type")
		return OutcomeIgnored, "", nil
	}
}

// lockedAccount is the row snapshot taken under FOR UPDATE before a
// subscription mutation. Locking per account serializes concurrent events
// for the same subscription without any global lock.
type lockedAccount struct {
	id          string
	lastEventAt sql.NullTime
}

func (r *Reconciler) lockAccount(ctx context.Context, tx *sql.Tx, column, value string) (*lockedAccount, error) {
	query := fmt.Sprintf(`
		SELECT id, subscription_updated_at FROM accounts
		WHERE %s = $1
		FOR UPDATE
	`, column)

	var acct lockedAccount
	err := tx.QueryRowContext(ctx, query, value).Scan(&acct.id, &acct.lastEventAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account by %s: %w", column, err)
	}
	return &acct, nil
}

// lockSubscriptionAccount resolves the account for a subscription-scoped
// event, preferring the subscription id and falling back to the customer id
// for subscriptions that were linked by checkout but not yet by a
// subscription event.
func (r *Reconciler) lockSubscriptionAccount(ctx context.Context, tx *sql.Tx, sub *SubscriptionPayload) (*lockedAccount, error) {
	if sub.SubscriptionID != "" {
		acct, err := r.lockAccount(ctx, tx, "external_subscription_id", sub.SubscriptionID)
		if err != nil || acct != nil {
			return acct, err
		}
	}
	if sub.CustomerID != "" {
		return r.lockAccount(ctx, tx, "external_customer_id", sub.CustomerID)
	}
	return nil, nil
}

func (acct *lockedAccount) staleFor(eventTime time.Time) bool {
	return acct.lastEventAt.Valid && eventTime.Before(acct.lastEventAt.Time)
}

func (r *Reconciler) applyCheckout(ctx context.Context, tx *sql.Tx, evt *Event) (Outcome, string, error) {
	checkout := evt.Checkout
	if checkout.AccountID == "" {
		r.orphan(evt, "checkout event carries no client reference")
		return OutcomeOrphan, "", nil
	}

	acct, err := r.lockAccount(ctx, tx, "id", checkout.AccountID)
	if err != nil {
		return "", "", err
	}
	if acct == nil {
		r.orphan(evt, "no account for client reference "+checkout.AccountID)
		return OutcomeOrphan, "", nil
	}
	if acct.staleFor(evt.CreatedAt) {
		return OutcomeStale, acct.id, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts
		SET external_customer_id = $2,
		    external_subscription_id = NULLIF($3, ''),
		    subscription_status = $4,
		    subscription_updated_at = $5,
		    updated_at = NOW()
		WHERE id = $1
	`, acct.id, checkout.CustomerID, checkout.SubscriptionID, checkout.Status, evt.CreatedAt)
	if err != nil {
		return "", "", fmt.Errorf("failed to link checkout: %w", err)
	}

	return OutcomeApplied, acct.id, nil
}

func (r *Reconciler) applySubscriptionCreated(ctx context.Context, tx *sql.Tx, evt *Event) (Outcome, string, error) {
	sub := evt.Subscription

	// Creation order between checkout completion and subscription creation
	// is not guaranteed by the provider. Before checkout links the customer
	// id, a created event has nothing to attach to and is an orphan.
	acct, err := r.lockAccount(ctx, tx, "external_customer_id", sub.CustomerID)
	if err != nil {
		return "", "", err
	}
	if acct == nil {
		r.orphan(evt, "no account for customer "+sub.CustomerID)
		return OutcomeOrphan, "", nil
	}
	if acct.staleFor(evt.CreatedAt) {
		return OutcomeStale, acct.id, nil
	}

	if err := r.updateSubscription(ctx, tx, acct.id, sub, evt.CreatedAt); err != nil {
		return "", "", err
	}
	return OutcomeApplied, acct.id, nil
}

func (r *Reconciler) applySubscriptionUpdated(ctx context.Context, tx *sql.Tx, evt *Event) (Outcome, string, error) {
	sub := evt.Subscription

	acct, err := r.lockSubscriptionAccount(ctx, tx, sub)
	if err != nil {
		return "", "", err
	}
	if acct == nil {
		r.orphan(evt, "no account for subscription "+sub.SubscriptionID)
		return OutcomeOrphan, "", nil
	}
	if acct.staleFor(evt.CreatedAt) {
		return OutcomeStale, acct.id, nil
	}

	if err := r.updateSubscription(ctx, tx, acct.id, sub, evt.CreatedAt); err != nil {
		return "", "", err
	}
	return OutcomeApplied, acct.id, nil
}

func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, tx *sql.Tx, evt *Event) (Outcome, string, error) {
	sub := evt.Subscription

	acct, err := r.lockSubscriptionAccount(ctx, tx, sub)
	if err != nil {
		return "", "", err
	}
	if acct == nil {
		r.orphan(evt, "no account for subscription "+sub.SubscriptionID)
		return OutcomeOrphan, "", nil
	}
	if acct.staleFor(evt.CreatedAt) {
		return OutcomeStale, acct.id, nil
	}

	// Cancellation downgrades but never deletes the account. The
	// subscription id is cleared; reactivation arrives as a logically new
	// subscription.
	_, err = tx.ExecContext(ctx, `
		UPDATE accounts
		SET subscription_status = $2,
		    external_subscription_id = NULL,
		    cancel_at_period_end = FALSE,
		    subscription_updated_at = $3,
		    updated_at = NOW()
		WHERE id = $1
	`, acct.id, accounts.StatusCanceled, evt.CreatedAt)
	if err != nil {
		return "", "", fmt.Errorf("failed to apply cancellation: %w", err)
	}

	return OutcomeApplied, acct.id, nil
}

func (r *Reconciler) applyPayment(ctx context.Context, tx *sql.Tx, evt *Event) (Outcome, string, error) {
	payment := evt.Payment

	var acct *lockedAccount
	var err error
	if payment.CustomerID != "" {
		acct, err = r.lockAccount(ctx, tx, "external_customer_id", payment.CustomerID)
		if err != nil {
			return "", "", err
		}
	}
	if acct == nil && payment.SubscriptionID != "" {
		acct, err = r.lockAccount(ctx, tx, "external_subscription_id", payment.SubscriptionID)
		if err != nil {
			return "", "", err
		}
	}
	if acct == nil {
		r.orphan(evt, "no account for customer "+payment.CustomerID)
		return OutcomeOrphan, "", nil
	}

	// Payment events never touch subscription status; the provider's
	// subscription-updated events are the single source of truth for tier.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (account_id, event_id, invoice_id, succeeded, amount_cents, currency, occurred_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
	`, acct.id, evt.ID, payment.InvoiceID, evt.Kind == KindPaymentSucceeded,
		payment.AmountCents, payment.Currency, evt.CreatedAt)
	if err != nil {
		return "", "", fmt.Errorf("failed to record payment: %w", err)
	}

	return OutcomeApplied, acct.id, nil
}

func (r *Reconciler) updateSubscription(ctx context.Context, tx *sql.Tx, accountID string, sub *SubscriptionPayload, eventTime time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET external_subscription_id = NULLIF($2, ''),
		    subscription_status = $3,
		    current_period_end = $4,
		    cancel_at_period_end = $5,
		    subscription_updated_at = $6,
		    updated_at = NOW()
		WHERE id = $1
	`, accountID, sub.SubscriptionID, sub.Status, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, eventTime)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return nil
}

func (r *Reconciler) orphan(evt *Event, detail string) {
	// Orphans resolve locally: logged for operator follow-up, acknowledged
	// to the provider so it does not retry an event that can never apply.
	r.logger.WithFields(map[string]interface{}{
		"event_id":   evt.ID,
		"event_type": evt.RawType,
		"detail":     detail,
	}).Warn("orphan provider event skipped")
}

// getApplied looks up the ledger row for an event id, nil when absent.
func (r *Reconciler) getApplied(ctx context.Context, eventID string) (*AppliedEvent, error) {
	applied := &AppliedEvent{}
	var accountID sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT event_id, event_type, outcome, account_id, applied_at
		FROM applied_events
		WHERE event_id = $1
	`, eventID).Scan(&applied.EventID, &applied.EventType, &applied.Outcome,
		&accountID, &applied.AppliedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query applied event: %w", err)
	}
	if accountID.Valid {
		applied.AccountID = accountID.String
	}
	return applied, nil
}

// GetAppliedEvent retrieves a ledger entry for operator inspection.
func (r *Reconciler) GetAppliedEvent(ctx context.Context, eventID string) (*AppliedEvent, error) {
	applied, err := r.getApplied(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if applied == nil {
		return nil, ErrEventNotFound
	}
	return applied, nil
}

// ListPayments lists payment records for an account, newest first.
func (r *Reconciler) ListPayments(ctx context.Context, accountID string, limit int) ([]*Payment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, event_id, invoice_id, succeeded, amount_cents, currency, occurred_at, created_at
		FROM payments
		WHERE account_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p := &Payment{}
		var invoiceID sql.NullString
		if err := rows.Scan(&p.ID, &p.AccountID, &p.EventID, &invoiceID,
			&p.Succeeded, &p.AmountCents, &p.Currency, &p.OccurredAt, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		if invoiceID.Valid {
			p.InvoiceID = invoiceID.String
		}
		payments = append(payments, p)
	}

	return payments, rows.Err()
}

// PruneAppliedEvents deletes ledger rows older than the retention window.
// The provider's own retry horizon is days, so rows past it can never be
// redelivered and only cost storage.
func (r *Reconciler) PruneAppliedEvents(ctx context.Context, retention time.Duration) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM applied_events WHERE applied_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int64(retention.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to prune applied events: %w", err)
	}
	return result.RowsAffected()
}
