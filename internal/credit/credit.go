// Package credit meters request spending against per-user credit accounts.
// Charges are computed from token usage and billing configuration, deducted
// through an idempotent ledger so retried settlements never double-charge.
package credit

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/polyrelay/polyrelay/internal/store"
)

const (
	// defaultBasePer1K prices a thousand tokens when no billing config
	// exists for the logical model.
	defaultBasePer1K = 1.0

	minCharge = 1
)

// Ledger is the persistence surface the meter needs.
type Ledger interface {
	CreditBalance(ctx context.Context, userID string) (balance int64, unlimited bool, err error)
	ApplyCreditTransaction(ctx context.Context, tx store.CreditTransaction) (applied bool, err error)
	GetBillingConfig(ctx context.Context, logicalModel string) (*store.BillingConfigRecord, error)
}

// ErrInsufficient blocks a request before any upstream work happens.
type ErrInsufficient struct {
	UserID string
}

func (e *ErrInsufficient) Error() string {
	return "credit: insufficient balance for user " + e.UserID
}

// Counter receives applied credit movements, keyed by transaction kind.
type Counter interface {
	AddCreditUnits(kind string, units int64)
}

// Meter enforces and settles credit spending.
type Meter struct {
	ledger    Ledger
	counter   Counter
	enforce   bool
	precharge bool
	now       func() time.Time
}

// Options tunes a Meter.
type Options struct {
	// Enforce blocks requests from users with a non-positive balance.
	Enforce bool
	// PreCharge reserves credits for streaming requests up front based on
	// max_tokens and reconciles after completion.
	PreCharge bool
	// Counter, when set, observes every applied transaction.
	Counter Counter
}

func NewMeter(ledger Ledger, opts Options) *Meter {
	return &Meter{
		ledger:    ledger,
		counter:   opts.Counter,
		enforce:   opts.Enforce,
		precharge: opts.PreCharge,
		now:       time.Now,
	}
}

// PreChargeEnabled reports whether streaming requests reserve credits up
// front.
func (m *Meter) PreChargeEnabled() bool { return m.precharge }

// EnsureUsable rejects the request when enforcement is on and the user's
// balance is exhausted. Ledger errors fail open: billing problems must not
// take the gateway down.
func (m *Meter) EnsureUsable(ctx context.Context, userID string) error {
	if !m.enforce {
		return nil
	}
	balance, unlimited, err := m.ledger.CreditBalance(ctx, userID)
	if err != nil {
		slog.WarnContext(ctx, "credit_balance_check_failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if unlimited {
		return nil
	}
	if balance <= 0 {
		return &ErrInsufficient{UserID: userID}
	}
	return nil
}

// Charge describes one settlement.
type Charge struct {
	UserID        string
	RequestID     string
	LogicalModel  string
	ProviderID    string
	BillingFactor float64 // provider billing factor, 0 treated as 1
	InputTokens   int
	OutputTokens  int
}

// cost computes the credit price for totalTokens of the charge's model:
// base_per_1k × model multiplier × provider billing factor × tokens/1000,
// rounded up, never below one credit.
func (m *Meter) cost(ctx context.Context, c Charge, totalTokens int) int64 {
	basePer1K := defaultBasePer1K
	multiplier := 1.0
	if cfg, err := m.ledger.GetBillingConfig(ctx, c.LogicalModel); err == nil && cfg != nil {
		if cfg.BasePer1K > 0 {
			basePer1K = cfg.BasePer1K
		}
		if cfg.Multiplier > 0 {
			multiplier = cfg.Multiplier
		}
	}
	factor := c.BillingFactor
	if factor <= 0 {
		factor = 1
	}
	units := int64(math.Ceil(basePer1K * multiplier * factor * float64(totalTokens) / 1000))
	if units < minCharge {
		units = minCharge
	}
	return units
}

// Settle deducts the final cost of a completed request. Idempotent on the
// request ID: replays are ignored by the ledger's uniqueness constraint.
// Failures are logged and swallowed so billing never breaks a response that
// has already been served.
func (m *Meter) Settle(ctx context.Context, c Charge) {
	m.apply(ctx, c, c.InputTokens+c.OutputTokens, "settle", c.RequestID+":settle")
}

// PreCharge reserves credits before a streaming request using the caller's
// max_tokens as the token estimate.
func (m *Meter) PreCharge(ctx context.Context, c Charge, maxTokens int) {
	if !m.precharge || maxTokens <= 0 {
		return
	}
	m.apply(ctx, c, maxTokens, "precharge", c.RequestID+":precharge")
}

// Reconcile refunds the difference between a precharge estimate and the
// tokens actually consumed.
func (m *Meter) Reconcile(ctx context.Context, c Charge, prechargedTokens int) {
	if !m.precharge {
		return
	}
	used := c.InputTokens + c.OutputTokens
	if used >= prechargedTokens {
		return
	}
	refund := m.cost(ctx, c, prechargedTokens) - m.cost(ctx, c, used)
	if refund <= 0 {
		return
	}
	tx := store.CreditTransaction{
		UserID:         c.UserID,
		Amount:         refund,
		IdempotencyKey: c.RequestID + ":reconcile",
		Kind:           "reconcile",
		RequestID:      c.RequestID,
		LogicalModel:   c.LogicalModel,
		ProviderID:     c.ProviderID,
		InputTokens:    c.InputTokens,
		OutputTokens:   c.OutputTokens,
		CreatedAt:      m.now(),
	}
	applied, err := m.ledger.ApplyCreditTransaction(ctx, tx)
	if err != nil {
		slog.WarnContext(ctx, "credit_reconcile_failed",
			slog.String("request_id", c.RequestID),
			slog.String("error", err.Error()),
		)
		return
	}
	if applied && m.counter != nil {
		m.counter.AddCreditUnits("reconcile", refund)
	}
}

func (m *Meter) apply(ctx context.Context, c Charge, totalTokens int, kind, idemKey string) {
	units := m.cost(ctx, c, totalTokens)
	tx := store.CreditTransaction{
		UserID:         c.UserID,
		Amount:         -units,
		IdempotencyKey: idemKey,
		Kind:           kind,
		RequestID:      c.RequestID,
		LogicalModel:   c.LogicalModel,
		ProviderID:     c.ProviderID,
		InputTokens:    c.InputTokens,
		OutputTokens:   c.OutputTokens,
		CreatedAt:      m.now(),
	}
	applied, err := m.ledger.ApplyCreditTransaction(ctx, tx)
	if err != nil {
		slog.WarnContext(ctx, "credit_charge_failed",
			slog.String("request_id", c.RequestID),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return
	}
	if !applied {
		slog.DebugContext(ctx, "credit_charge_replayed",
			slog.String("request_id", c.RequestID),
			slog.String("kind", kind),
		)
		return
	}
	if m.counter != nil {
		m.counter.AddCreditUnits(kind, units)
	}
}
