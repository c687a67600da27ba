// Package engine orchestrates trades, liquidity, redemption, and
// resolution on top of the store's snapshot/commit protocol. Every
// operation follows the same shape: read a versioned snapshot, compute
// the full write set with the pure pricing packages, commit gated on the
// version, and retry on conflict. Side effects (events, notifications,
// redemption sweeps) happen strictly after commit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/manacore/market-engine/internal/metrics"
	"github.com/manacore/market-engine/internal/model"
	"github.com/manacore/market-engine/internal/store"
)

// maxCommitRetries bounds the optimistic retry loop. A market hot enough
// to conflict this many times in a row surfaces the conflict to the
// caller.
const maxCommitRetries = 5

// LoanPolicy decides how much of a bet is lent to the user rather than
// charged to their balance. The shipped policy lends nothing; loan
// repayment is fully implemented regardless.
type LoanPolicy func(u *model.User, m *model.Market, amount float64) float64

// ZeroLoans lends nothing.
func ZeroLoans(*model.User, *model.Market, float64) float64 { return 0 }

// Notifier receives resolution outcomes for delivery to users. Called
// after the payout txns have committed; delivery is best effort.
type Notifier interface {
	MarketResolved(ctx context.Context, m *model.Market, payouts []model.Payout)
}

// SlogNotifier logs resolutions instead of delivering them.
type SlogNotifier struct{}

func (SlogNotifier) MarketResolved(_ context.Context, m *model.Market, payouts []model.Payout) {
	slog.Info("market resolved notification",
		"market_id", m.ID, "resolution", m.Resolution, "payouts", len(payouts))
}

// Engine is the trade and settlement orchestrator.
type Engine struct {
	store    store.Store
	loans    LoanPolicy
	notifier Notifier
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLoanPolicy overrides the default zero-loan policy.
func WithLoanPolicy(p LoanPolicy) Option { return func(e *Engine) { e.loans = p } }

// WithNotifier overrides the default slog notifier.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New returns an Engine backed by s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		loans:    ZeroLoans,
		notifier: SlogNotifier{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// withRetry runs the snapshot-compute-commit cycle until it commits, the
// computation fails, or the retry budget runs out.
func (e *Engine) withRetry(ctx context.Context, marketID string, fn func(snap *store.Snapshot) (*store.Writes, error)) error {
	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		snap, err := e.store.Snapshot(ctx, marketID)
		if err != nil {
			return err
		}
		w, err := fn(snap)
		if err != nil {
			return err
		}
		if w == nil {
			// Nothing to write.
			return nil
		}
		err = e.store.Commit(ctx, w)
		if err == nil {
			return nil
		}
		if !errors.Is(err, model.ErrVersionConflict) {
			return err
		}
		metrics.VersionConflicts.Inc()
	}
	return fmt.Errorf("market %s: commit retries exhausted: %w", marketID, model.ErrVersionConflict)
}

func validAmount(amount float64) error {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return fmt.Errorf("amount %v: %w", amount, model.ErrInvalidAmount)
	}
	return nil
}

// validOutcome checks that outcome names a tradable side of the market.
func validOutcome(m *model.Market, outcome string) error {
	switch m.Outcome {
	case model.OutcomeTypeBinary:
		if outcome == model.OutcomeYes || outcome == model.OutcomeNo {
			return nil
		}
	default:
		if m.HasAnswer(outcome) {
			return nil
		}
	}
	return fmt.Errorf("outcome %q: %w", outcome, model.ErrInvalidOutcome)
}
