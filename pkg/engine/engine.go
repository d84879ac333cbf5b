// Package engine is the single entry point external collaborators call:
// webhook ingestion on one side, usage checks and consumption on the other.
// It owns no state of its own beyond request-scoped coordination.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meterline/meterline/pkg/accounts"
	"github.com/meterline/meterline/pkg/billing"
	"github.com/meterline/meterline/pkg/observability"
	"github.com/meterline/meterline/pkg/quota"
)

// ErrMalformedEvent is returned when a verified payload cannot be decoded.
var ErrMalformedEvent = errors.New("malformed provider event")

// Principal identifies the caller being metered: a registered account id or
// an anonymous pseudo-identity key.
type Principal struct {
	Kind quota.PrincipalKind
	Key  string
}

// Registered builds a registered principal.
func Registered(accountID string) Principal {
	return Principal{Kind: quota.PrincipalRegistered, Key: accountID}
}

// Anonymous builds an anonymous principal.
func Anonymous(key string) Principal {
	return Principal{Kind: quota.PrincipalAnonymous, Key: key}
}

// Engine fronts the subscription reconciler and the quota engine.
type Engine struct {
	verifier   billing.SignatureVerifier
	reconciler *billing.Reconciler
	quota      *quota.Engine
	accounts   accounts.Service
	metrics    *observability.Metrics
	logger     *observability.Logger
}

// New creates an Engine. metrics may be nil.
func New(verifier billing.SignatureVerifier, reconciler *billing.Reconciler, quotaEngine *quota.Engine, accountService accounts.Service, metrics *observability.Metrics, logger *observability.Logger) *Engine {
	return &Engine{
		verifier:   verifier,
		reconciler: reconciler,
		quota:      quotaEngine,
		accounts:   accountService,
		metrics:    metrics,
		logger:     logger,
	}
}

// ApplyEvent authenticates, decodes, and applies one raw webhook delivery.
// billing.ErrSignature and ErrMalformedEvent identify caller problems; any
// other error is an infrastructure failure with no side effects, safe for
// the provider to retry.
func (e *Engine) ApplyEvent(ctx context.Context, payload []byte, signature string) (*billing.ApplyOutcome, error) {
	if err := e.verifier.Verify(payload, signature); err != nil {
		if e.metrics != nil {
			e.metrics.WebhookSignatureErrors.Inc()
		}
		return nil, err
	}

	evt, err := billing.ParseEvent(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	start := time.Now()
	outcome, err := e.reconciler.ApplyEvent(ctx, evt)
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.WebhookEventsTotal.WithLabelValues(outcome.EventType, string(outcome.Outcome)).Inc()
		e.metrics.WebhookApplyDuration.WithLabelValues(outcome.EventType).Observe(time.Since(start).Seconds())
	}

	return outcome, nil
}

// GetAppliedEvent exposes the recorded outcome for an event id.
func (e *Engine) GetAppliedEvent(ctx context.Context, eventID string) (*billing.AppliedEvent, error) {
	return e.reconciler.GetAppliedEvent(ctx, eventID)
}

// CheckUsage reports the principal's current allowance without consuming.
func (e *Engine) CheckUsage(ctx context.Context, p Principal) (*quota.Result, error) {
	tier, err := e.resolveTier(ctx, p)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := e.quota.Peek(ctx, p.Kind, p.Key, tier)
	if err != nil {
		return nil, err
	}

	e.observeDecision(p.Kind, result, time.Since(start))
	return result, nil
}

// ConsumeUsage consumes one unit of allowance for the principal. The call
// is deliberately not idempotent: each accepted call bills exactly one
// quota unit and appends exactly one ledger entry.
func (e *Engine) ConsumeUsage(ctx context.Context, p Principal, calculator string) (*quota.Result, error) {
	tier, err := e.resolveTier(ctx, p)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := e.quota.CheckAndConsume(ctx, p.Kind, p.Key, tier, calculator)
	if err != nil {
		return nil, err
	}

	e.observeDecision(p.Kind, result, time.Since(start))
	return result, nil
}

// resolveTier derives the tier for the principal. A registered principal
// with no account record keeps the registered tier; the quota engine
// treats the missing row as exhausted, failing safe rather than open.
func (e *Engine) resolveTier(ctx context.Context, p Principal) (accounts.Tier, error) {
	if p.Kind != quota.PrincipalRegistered {
		return accounts.TierFree, nil
	}

	account, err := e.accounts.GetAccount(ctx, p.Key)
	if errors.Is(err, accounts.ErrNotFound) {
		return accounts.TierRegistered, nil
	}
	if err != nil {
		return "", err
	}
	return account.Tier(), nil
}

func (e *Engine) observeDecision(kind quota.PrincipalKind, result *quota.Result, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	decision := "denied"
	if result.Allowed {
		decision = "allowed"
	}
	e.metrics.QuotaDecisionsTotal.WithLabelValues(string(kind), decision).Inc()
	e.metrics.QuotaCheckDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}
