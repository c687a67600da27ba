package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/manacore/market-engine/internal/events"
	"github.com/manacore/market-engine/internal/ledger"
	"github.com/manacore/market-engine/internal/mathutil"
	"github.com/manacore/market-engine/internal/metrics"
	"github.com/manacore/market-engine/internal/model"
	"github.com/manacore/market-engine/internal/payouts"
	"github.com/manacore/market-engine/internal/store"
)

// disburseConcurrency bounds the payout fan-out during resolution.
const disburseConcurrency = 8

// ResolveMarketRequest resolves a market to an outcome. Only the creator
// may resolve. Probability applies to binary MKT resolutions; Resolutions
// carries the weight split for multi-outcome MKT.
type ResolveMarketRequest struct {
	UserID      string             `json:"user_id"`
	MarketID    string             `json:"market_id"`
	Outcome     string             `json:"outcome"`
	Probability *float64           `json:"probability,omitempty"`
	Resolutions map[string]float64 `json:"resolutions,omitempty"`
}

// Resolution is the outcome of a completed resolution: the frozen market,
// the net per-user payouts, and the ids of users whose disbursement
// failed (their txns can be replayed by an operator).
type Resolution struct {
	Market  *model.Market  `json:"market"`
	Payouts []model.Payout `json:"payouts"`
	Failed  []string       `json:"failed,omitempty"`
}

// ResolveMarket freezes the market first, then disburses. Once the frozen
// market commits, the resolution is decided; payout failures leave the
// market resolved and are reported, never rolled back.
func (e *Engine) ResolveMarket(ctx context.Context, req ResolveMarketRequest) (*Resolution, []events.Event, error) {
	var (
		frozen   *model.Market
		info     payouts.Info
		loanOut  []model.Payout
		resolved time.Time
	)
	err := e.withRetry(ctx, req.MarketID, func(snap *store.Snapshot) (*store.Writes, error) {
		m := snap.Market
		if m.CreatorID != req.UserID {
			return nil, fmt.Errorf("market %s: %w", req.MarketID, model.ErrNotAuthorized)
		}
		if m.IsResolved {
			return nil, fmt.Errorf("market %s: %w", req.MarketID, model.ErrAlreadyResolved)
		}
		if err := validResolution(m, req); err != nil {
			return nil, err
		}

		bets, err := e.store.ListBets(ctx, req.MarketID)
		if err != nil {
			return nil, err
		}

		info = payouts.Compute(m, req.Outcome, bets, snap.Liquidity, req.Probability, req.Resolutions)
		loanOut = payouts.LoanPayouts(bets)

		resolved = e.now()
		updated := *m
		updated.IsResolved = true
		updated.Resolution = req.Outcome
		updated.ResolutionProbability = req.Probability
		updated.Resolutions = req.Resolutions
		updated.ResolutionTime = &resolved
		if updated.CloseTime == nil || updated.CloseTime.After(resolved) {
			updated.CloseTime = &resolved
		}
		frozen = &updated

		return &store.Writes{
			MarketID:        req.MarketID,
			ExpectedVersion: m.Version,
			Market:          &updated,
		}, nil
	})
	if err != nil {
		return nil, nil, err
	}

	net := payouts.GroupByUser(info.Payouts, loanOut)
	failed := e.disburse(ctx, frozen, info, net)

	if req.Outcome == model.OutcomeCancel {
		if err := e.undoUniqueBettorBonuses(ctx, frozen); err != nil {
			slog.Error("undo bettor bonuses", "market_id", frozen.ID, "err", err)
		}
	}

	metrics.MarketsResolved.WithLabelValues(req.Outcome).Inc()
	slog.Info("market resolved",
		"market_id", frozen.ID, "resolution", req.Outcome,
		"payouts", len(net), "failed", len(failed))

	e.notifier.MarketResolved(ctx, frozen, net)

	res := &Resolution{Market: frozen, Payouts: net, Failed: failed}
	return res, []events.Event{events.MarketResolved(frozen, net)}, nil
}

// disburse pays the creator, then liquidity providers, then traders net
// of loans. Each user's payout is its own commit; failures are collected
// per user so one bad account cannot block the rest.
func (e *Engine) disburse(ctx context.Context, m *model.Market, info payouts.Info, net []model.Payout) []string {
	if info.CreatorPayout > 0 {
		if err := e.payout(ctx, m, model.Payout{
			UserID: m.CreatorID, Payout: info.CreatorPayout, Deposit: info.CreatorPayout,
		}); err != nil {
			slog.Error("creator payout", "market_id", m.ID, "user_id", m.CreatorID, "err", err)
		}
	}
	for _, p := range info.LiquidityPayouts {
		if err := e.payout(ctx, m, p); err != nil {
			slog.Error("liquidity payout", "market_id", m.ID, "user_id", p.UserID, "err", err)
		}
	}

	var (
		mu     sync.Mutex
		failed []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(disburseConcurrency)
	for _, p := range net {
		p := p
		g.Go(func() error {
			if err := e.payout(gctx, m, p); err != nil {
				slog.Error("user payout", "market_id", m.ID, "user_id", p.UserID, "err", err)
				mu.Lock()
				failed = append(failed, p.UserID)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return failed
}

// payout commits one user's net settlement: bank to user for winnings,
// user to bank for outstanding loans that exceed winnings.
func (e *Engine) payout(ctx context.Context, m *model.Market, p model.Payout) error {
	if mathutil.Equal(p.Payout, 0) {
		return nil
	}

	data := map[string]any{"market_id": m.ID, "resolution": m.Resolution}
	var t *model.Txn
	if p.Payout > 0 {
		t = ledger.Entry(m.ID, model.PartyBank, p.UserID, model.PartyUser,
			p.Payout, model.TxnCategoryResolutionPayout, data)
	} else {
		t = ledger.Entry(p.UserID, model.PartyUser, m.ID, model.PartyBank,
			-p.Payout, model.TxnCategoryLoanRepayment, data)
	}

	w := &store.Writes{}
	if err := ledger.Apply(w, t, p.Deposit > 0); err != nil {
		return err
	}
	if err := e.store.Commit(ctx, w); err != nil {
		return err
	}
	metrics.TxnsApplied.WithLabelValues(t.Category).Inc()
	return nil
}

// validResolution checks the outcome against the market's type.
func validResolution(m *model.Market, req ResolveMarketRequest) error {
	switch req.Outcome {
	case model.OutcomeCancel:
		return nil
	case model.OutcomeMkt:
		if req.Probability != nil {
			p := *req.Probability
			if p < 0 || p > 1 || math.IsNaN(p) {
				return fmt.Errorf("resolution probability %v: %w", p, model.ErrInvalidProbability)
			}
		}
		if m.Outcome == model.OutcomeTypeBinary {
			return nil
		}
		if len(req.Resolutions) == 0 {
			return fmt.Errorf("mkt resolution needs weights: %w", model.ErrInvalidOutcome)
		}
		total := 0.0
		for id, weight := range req.Resolutions {
			if !m.HasAnswer(id) {
				return fmt.Errorf("resolution answer %q: %w", id, model.ErrInvalidOutcome)
			}
			if weight < 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
				return fmt.Errorf("resolution weight %v: %w", weight, model.ErrInvalidAmount)
			}
			total += weight
		}
		if total <= 0 {
			return fmt.Errorf("resolution weights sum to %v: %w", total, model.ErrInvalidAmount)
		}
		return nil
	default:
		return validOutcome(m, req.Outcome)
	}
}

// undoUniqueBettorBonuses claws back unique bettor bonuses paid to the
// creator of a cancelled market.
func (e *Engine) undoUniqueBettorBonuses(ctx context.Context, m *model.Market) error {
	txns, err := e.store.ListTxns(ctx, m.CreatorID)
	if err != nil {
		return err
	}

	total := 0.0
	for _, t := range txns {
		if t.Category != model.TxnCategoryUniqueBettorBonus || t.ToID != m.CreatorID {
			continue
		}
		if mid, _ := t.Data["market_id"].(string); mid != m.ID {
			continue
		}
		total += t.Amount
	}
	if mathutil.Equal(total, 0) {
		return nil
	}

	t := ledger.Entry(m.CreatorID, model.PartyUser, m.ID, model.PartyBank,
		total, model.TxnCategoryCancelUniqueBettorBonus,
		map[string]any{"market_id": m.ID})
	w := &store.Writes{}
	if err := ledger.Apply(w, t, false); err != nil {
		return err
	}
	if err := e.store.Commit(ctx, w); err != nil {
		return err
	}
	metrics.TxnsApplied.WithLabelValues(t.Category).Inc()
	slog.Info("bettor bonuses clawed back", "market_id", m.ID, "amount", total)
	return nil
}
