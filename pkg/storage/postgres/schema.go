package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schema holds the DDL statements, in dependency order. Every statement is
// idempotent so Migrate is safe to run on every startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id                       TEXT PRIMARY KEY,
		email                    TEXT NOT NULL UNIQUE,
		external_customer_id     TEXT UNIQUE,
		external_subscription_id TEXT UNIQUE,
		subscription_status      TEXT NOT NULL DEFAULT 'none',
		subscription_updated_at  TIMESTAMPTZ,
		current_period_end       TIMESTAMPTZ,
		cancel_at_period_end     BOOLEAN NOT NULL DEFAULT FALSE,
		daily_usage_count        INTEGER NOT NULL DEFAULT 0,
		usage_window_start       TIMESTAMPTZ NOT NULL DEFAULT '1970-01-01T00:00:00Z',
		created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS applied_events (
		event_id   TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		outcome    TEXT NOT NULL,
		account_id TEXT,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_applied_events_applied_at
		ON applied_events (applied_at)`,

	`CREATE TABLE IF NOT EXISTS payments (
		id           BIGSERIAL PRIMARY KEY,
		account_id   TEXT NOT NULL REFERENCES accounts (id),
		event_id     TEXT NOT NULL,
		invoice_id   TEXT,
		succeeded    BOOLEAN NOT NULL,
		amount_cents BIGINT NOT NULL DEFAULT 0,
		currency     TEXT NOT NULL DEFAULT '',
		occurred_at  TIMESTAMPTZ NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_payments_account_occurred
		ON payments (account_id, occurred_at DESC)`,

	`CREATE TABLE IF NOT EXISTS usage_ledger (
		id             TEXT PRIMARY KEY,
		principal_kind TEXT NOT NULL,
		principal_key  TEXT NOT NULL,
		calculator     TEXT NOT NULL DEFAULT '',
		occurred_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_usage_ledger_principal
		ON usage_ledger (principal_key, occurred_at)`,

	`CREATE TABLE IF NOT EXISTS anon_usage (
		principal_key TEXT NOT NULL,
		day           TIMESTAMPTZ NOT NULL,
		used          INTEGER NOT NULL DEFAULT 0,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (principal_key, day)
	)`,
}

// Migrate applies the schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
