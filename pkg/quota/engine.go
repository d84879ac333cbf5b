package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meterline/meterline/pkg/accounts"
	"github.com/meterline/meterline/pkg/observability"
)

// PrincipalKind distinguishes registered accounts from anonymous
// pseudo-identities.
type PrincipalKind string

const (
	PrincipalRegistered PrincipalKind = "registered"
	PrincipalAnonymous  PrincipalKind = "anonymous"
)

// Result is the outcome of a quota check. Limit and Remaining use
// Unlimited (-1) for tiers with no cap; quota exhaustion is a normal
// result, not an error.
type Result struct {
	Allowed         bool      `json:"allowed"`
	Used            int       `json:"used"`
	Remaining       int       `json:"remaining"`
	Limit           int       `json:"limit"`
	ResetAt         time.Time `json:"reset_at"`
	RequiresUpgrade bool      `json:"requires_upgrade"`
}

// Engine meters daily usage per principal against the policy.
type Engine struct {
	db     *sql.DB
	policy *Policy
	logger *observability.Logger
	now    func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(db *sql.DB, policy *Policy, logger *observability.Logger) *Engine {
	return &Engine{db: db, policy: policy, logger: logger, now: time.Now}
}

// dayStart anchors the quota window to UTC midnight.
func (e *Engine) dayStart() time.Time {
	return e.now().UTC().Truncate(24 * time.Hour)
}

func (e *Engine) result(allowed bool, used, limit int, today time.Time) *Result {
	res := &Result{
		Allowed: allowed,
		Used:    used,
		Limit:   limit,
		ResetAt: today.Add(24 * time.Hour),
	}
	if limit == Unlimited {
		res.Remaining = Unlimited
	} else {
		res.Remaining = limit - used
		if res.Remaining < 0 {
			res.Remaining = 0
		}
		res.RequiresUpgrade = !allowed
	}
	return res
}

// CheckAndConsume atomically consumes one unit of daily allowance for the
// principal and appends a usage-ledger entry. Denied calls write nothing.
// An error means the store was unreachable and no side effects occurred.
func (e *Engine) CheckAndConsume(ctx context.Context, kind PrincipalKind, key string, tier accounts.Tier, calculator string) (*Result, error) {
	limit := e.policy.LimitFor(tier)
	today := e.dayStart()

	if limit == 0 {
		return e.result(false, 0, limit, today), nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var used int
	var denied *Result
	switch kind {
	case PrincipalRegistered:
		used, denied, err = e.consumeRegistered(ctx, tx, key, limit, today)
	default:
		used, denied, err = e.consumeAnonymous(ctx, tx, key, limit, today)
	}
	if err != nil {
		return nil, err
	}
	if denied != nil {
		return denied, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_ledger (id, principal_kind, principal_key, calculator, occurred_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, uuid.NewString(), kind, key, calculator)
	if err != nil {
		return nil, fmt.Errorf("failed to append usage ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit usage: %w", err)
	}

	return e.result(true, used, limit, today), nil
}

// consumeRegisteredSQL resets a stale window and increments the counter in
// one conditional statement, so concurrent requests for the same account
// serialize on the row and cannot double-spend the last unit or double-reset
// at the day boundary. A window from a past day admits the row regardless of
// its count; within the window the strict < comparison leaves no room for a
// consume beyond the limit.
const consumeRegisteredSQL = `
		UPDATE accounts
		SET daily_usage_count = CASE WHEN usage_window_start < $2 THEN 1 ELSE daily_usage_count + 1 END,
		    usage_window_start = CASE WHEN usage_window_start < $2 THEN $2 ELSE usage_window_start END,
		    updated_at = NOW()
		WHERE id = $1
		  AND ($3 < 0 OR usage_window_start < $2 OR daily_usage_count < $3)
		RETURNING daily_usage_count
	`

func (e *Engine) consumeRegistered(ctx context.Context, tx *sql.Tx, accountID string, limit int, today time.Time) (int, *Result, error) {
	var used int
	err := tx.QueryRowContext(ctx, consumeRegisteredSQL, accountID, today, limit).Scan(&used)

	if err == sql.ErrNoRows {
		// Either the account does not exist or the window is exhausted.
		var current int
		err := tx.QueryRowContext(ctx, `
			SELECT daily_usage_count FROM accounts WHERE id = $1
		`, accountID).Scan(&current)
		if err == sql.ErrNoRows {
			// Unknown principal: treated as exhausted rather than open.
			return 0, e.result(false, limit, limit, today), nil
		}
		if err != nil {
			return 0, nil, fmt.Errorf("failed to read usage count: %w", err)
		}
		return 0, e.result(false, current, limit, today), nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to consume usage: %w", err)
	}

	return used, nil, nil
}

// consumeAnonymousSQL upserts the (principal key, day) counter; the window
// reset falls out of the day column, and the conditional update keeps the
// increment atomic per key.
const consumeAnonymousSQL = `
		INSERT INTO anon_usage (principal_key, day, used)
		VALUES ($1, $2, 1)
		ON CONFLICT (principal_key, day)
		DO UPDATE SET used = anon_usage.used + 1, updated_at = NOW()
		WHERE $3 < 0 OR anon_usage.used < $3
		RETURNING used
	`

func (e *Engine) consumeAnonymous(ctx context.Context, tx *sql.Tx, key string, limit int, today time.Time) (int, *Result, error) {
	var used int
	err := tx.QueryRowContext(ctx, consumeAnonymousSQL, key, today, limit).Scan(&used)

	if err == sql.ErrNoRows {
		var current int
		err := tx.QueryRowContext(ctx, `
			SELECT used FROM anon_usage WHERE principal_key = $1 AND day = $2
		`, key, today).Scan(&current)
		if err == sql.ErrNoRows {
			current = limit
		} else if err != nil {
			return 0, nil, fmt.Errorf("failed to read anonymous usage: %w", err)
		}
		return 0, e.result(false, current, limit, today), nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to consume anonymous usage: %w", err)
	}

	return used, nil, nil
}

// Peek reports the current allowance without consuming anything.
func (e *Engine) Peek(ctx context.Context, kind PrincipalKind, key string, tier accounts.Tier) (*Result, error) {
	limit := e.policy.LimitFor(tier)
	today := e.dayStart()

	var used int
	var windowStart time.Time

	switch kind {
	case PrincipalRegistered:
		err := e.db.QueryRowContext(ctx, `
			SELECT daily_usage_count, usage_window_start FROM accounts WHERE id = $1
		`, key).Scan(&used, &windowStart)
		if err == sql.ErrNoRows {
			return e.result(false, limit, limit, today), nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read usage: %w", err)
		}
		if windowStart.Before(today) {
			used = 0
		}
	default:
		err := e.db.QueryRowContext(ctx, `
			SELECT used FROM anon_usage WHERE principal_key = $1 AND day = $2
		`, key, today).Scan(&used)
		if err == sql.ErrNoRows {
			used = 0
		} else if err != nil {
			return nil, fmt.Errorf("failed to read anonymous usage: %w", err)
		}
	}

	allowed := limit == Unlimited || used < limit
	return e.result(allowed, used, limit, today), nil
}

// PruneAnonymousCounters deletes anonymous counters older than the
// retention window; they can never be read again once their day has passed.
func (e *Engine) PruneAnonymousCounters(ctx context.Context, retainDays int) (int64, error) {
	result, err := e.db.ExecContext(ctx, `
		DELETE FROM anon_usage WHERE day < $1
	`, e.dayStart().AddDate(0, 0, -retainDays))
	if err != nil {
		return 0, fmt.Errorf("failed to prune anonymous counters: %w", err)
	}
	return result.RowsAffected()
}
