package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no account matches the given key.
var ErrNotFound = errors.New("account not found")

// Service defines the interface for account lookups and registration.
// Subscription-state mutations are owned by the billing reconciler and
// usage-counter mutations by the quota engine; both write through the same
// database, so this interface stays read-mostly.
type Service interface {
	CreateAccount(ctx context.Context, req *CreateAccountRequest) (*Account, error)
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetByCustomerID(ctx context.Context, customerID string) (*Account, error)
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*Account, error)
}

// PostgresService implements Service using PostgreSQL.
type PostgresService struct {
	db *sql.DB
}

// NewPostgresService creates a new PostgresService.
func NewPostgresService(db *sql.DB) *PostgresService {
	return &PostgresService{db: db}
}

const accountColumns = `id, email, external_customer_id, external_subscription_id,
       subscription_status, subscription_updated_at, current_period_end,
       cancel_at_period_end, daily_usage_count, usage_window_start,
       created_at, updated_at`

// CreateAccount registers a new account with no provider linkage.
func (s *PostgresService) CreateAccount(ctx context.Context, req *CreateAccountRequest) (*Account, error) {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	account := &Account{
		ID:                 id,
		Email:              req.Email,
		SubscriptionStatus: StatusNone,
		UsageWindowStart:   now.Truncate(24 * time.Hour),
	}

	query := `
		INSERT INTO accounts (id, email, subscription_status, daily_usage_count, usage_window_start)
		VALUES ($1, $2, $3, 0, $4)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query, account.ID, account.Email,
		account.SubscriptionStatus, account.UsageWindowStart).
		Scan(&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	return account, nil
}

// GetAccount retrieves an account by its id.
func (s *PostgresService) GetAccount(ctx context.Context, id string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return s.scanAccount(s.db.QueryRowContext(ctx, query, id))
}

// GetByCustomerID retrieves the account linked to a provider customer id.
func (s *PostgresService) GetByCustomerID(ctx context.Context, customerID string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE external_customer_id = $1`
	return s.scanAccount(s.db.QueryRowContext(ctx, query, customerID))
}

// GetBySubscriptionID retrieves the account linked to a provider
// subscription id.
func (s *PostgresService) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE external_subscription_id = $1`
	return s.scanAccount(s.db.QueryRowContext(ctx, query, subscriptionID))
}

func (s *PostgresService) scanAccount(row *sql.Row) (*Account, error) {
	account := &Account{}
	var (
		email          sql.NullString
		customerID     sql.NullString
		subscriptionID sql.NullString
		subUpdatedAt   sql.NullTime
		periodEnd      sql.NullTime
	)

	err := row.Scan(
		&account.ID, &email, &customerID, &subscriptionID,
		&account.SubscriptionStatus, &subUpdatedAt, &periodEnd,
		&account.CancelAtPeriodEnd, &account.DailyUsageCount, &account.UsageWindowStart,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	if email.Valid {
		account.Email = email.String
	}
	if customerID.Valid {
		account.ExternalCustomerID = customerID.String
	}
	if subscriptionID.Valid {
		account.ExternalSubscriptionID = subscriptionID.String
	}
	if subUpdatedAt.Valid {
		t := subUpdatedAt.Time
		account.SubscriptionUpdatedAt = &t
	}
	if periodEnd.Valid {
		t := periodEnd.Time
		account.CurrentPeriodEnd = &t
	}

	return account, nil
}
