package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/manacore/market-engine/internal/book"
	"github.com/manacore/market-engine/internal/cpmm"
	"github.com/manacore/market-engine/internal/dpm"
	"github.com/manacore/market-engine/internal/events"
	"github.com/manacore/market-engine/internal/mathutil"
	"github.com/manacore/market-engine/internal/metrics"
	"github.com/manacore/market-engine/internal/model"
	"github.com/manacore/market-engine/internal/store"
)

// PlaceBetRequest is one incoming bet. LimitProb nil means a market
// order; set, it rests any unfilled remainder on the book.
type PlaceBetRequest struct {
	UserID    string   `json:"user_id"`
	MarketID  string   `json:"market_id"`
	Amount    float64  `json:"amount"`
	Outcome   string   `json:"outcome"`
	LimitProb *float64 `json:"limit_prob,omitempty"`
}

// PlaceBet executes a bet atomically: fills against the book and pool for
// CPMM markets, or against the parimutuel pool for DPM markets. After the
// commit it sweeps redeemable share pairs for the taker and every matched
// maker.
func (e *Engine) PlaceBet(ctx context.Context, req PlaceBetRequest) (*model.Bet, []events.Event, error) {
	if err := validAmount(req.Amount); err != nil {
		return nil, nil, err
	}
	if req.LimitProb != nil && (*req.LimitProb <= 0 || *req.LimitProb >= 1 || math.IsNaN(*req.LimitProb)) {
		return nil, nil, fmt.Errorf("limit prob %v: %w", *req.LimitProb, model.ErrInvalidProbability)
	}

	user, err := e.store.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, nil, err
	}
	if user.Balance < req.Amount {
		return nil, nil, fmt.Errorf("balance %v below %v: %w",
			user.Balance, req.Amount, model.ErrInsufficientBalance)
	}

	var (
		bet        *model.Bet
		makerUsers []string
		mechanism  model.Mechanism
	)
	err = e.withRetry(ctx, req.MarketID, func(snap *store.Snapshot) (*store.Writes, error) {
		m := snap.Market
		mechanism = m.Mechanism
		if !m.IsOpen(e.now()) {
			return nil, fmt.Errorf("market %s: %w", req.MarketID, model.ErrMarketClosed)
		}
		if err := validOutcome(m, req.Outcome); err != nil {
			return nil, err
		}

		switch m.Mechanism {
		case model.MechanismCPMM:
			w, b, makers, err := e.placeCpmmBet(snap, user, req)
			if err != nil {
				return nil, err
			}
			bet, makerUsers = b, makers
			return w, nil
		case model.MechanismDPM:
			if req.LimitProb != nil {
				return nil, fmt.Errorf("limit orders need a cpmm market: %w", model.ErrWrongMechanism)
			}
			w, b, err := e.placeDpmBet(snap, user, req)
			if err != nil {
				return nil, err
			}
			bet = b
			return w, nil
		default:
			return nil, fmt.Errorf("mechanism %q: %w", m.Mechanism, model.ErrWrongMechanism)
		}
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.BetsPlaced.WithLabelValues(string(mechanism)).Inc()
	slog.Info("bet placed",
		"bet_id", bet.ID, "market_id", req.MarketID, "user_id", req.UserID,
		"amount", bet.Amount, "outcome", bet.Outcome, "shares", bet.Shares,
		"prob_after", bet.ProbAfter)

	evs := []events.Event{events.BetPlaced(bet, bet.ProbAfter)}
	evs = append(evs, e.sweepRedemptions(ctx, req.MarketID, append([]string{req.UserID}, makerUsers...))...)
	return bet, evs, nil
}

// placeCpmmBet computes the write set for a CPMM bet, including maker
// fills, order cancellations, and the pool update.
func (e *Engine) placeCpmmBet(snap *store.Snapshot, user *model.User, req PlaceBetRequest) (*store.Writes, *model.Bet, []string, error) {
	m := snap.Market
	now := e.now()

	state := cpmm.State{Pool: m.Pool, P: m.P}
	res, err := book.ComputeFills(state, req.Outcome, req.Amount, req.LimitProb,
		snap.UnfilledBets, snap.BalanceByUserID, now, false)
	if err != nil {
		return nil, nil, nil, err
	}
	for outcome, qty := range res.State.Pool {
		if qty < model.CPMMMinPoolQty {
			return nil, nil, nil, fmt.Errorf("bet depletes %s pool: %w", outcome, model.ErrInsufficientLiquidity)
		}
	}

	filled, shares := 0.0, 0.0
	fills := make([]model.Fill, 0, len(res.Takers))
	for _, t := range res.Takers {
		filled += t.Amount
		shares += t.Shares
		fills = append(fills, model.Fill{
			MatchedBetID: t.MatchedBetID, Amount: t.Amount, Shares: t.Shares, Timestamp: t.Timestamp,
		})
	}

	loan := e.loans(user, m, filled)
	bet := &model.Bet{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		MarketID:    req.MarketID,
		Amount:      filled,
		Outcome:     req.Outcome,
		Shares:      shares,
		ProbBefore:  cpmm.Probability(m.Pool, m.P),
		ProbAfter:   cpmm.Probability(res.State.Pool, res.State.P),
		Fees:        res.TotalFees,
		LimitProb:   req.LimitProb,
		OrderAmount: req.Amount,
		Fills:       fills,
		IsFilled:    mathutil.Equal(filled, req.Amount),
		LoanAmount:  loan,
		CreatedAt:   now,
	}

	updated := *m
	updated.Pool = res.State.Pool
	updated.P = res.State.P
	updated.Volume += filled
	updated.CollectedFees = m.CollectedFees.Add(res.TotalFees)
	updated.TotalLiquidity += res.TotalFees.Liquidity

	w := &store.Writes{
		MarketID:        req.MarketID,
		ExpectedVersion: m.Version,
		Market:          &updated,
		InsertBets:      []*model.Bet{bet},
		UserDeltas:      map[string]float64{req.UserID: -(filled - loan)},
		BalanceFloors:   map[string]float64{req.UserID: 0},
	}

	makers := applyMakerFills(w, res, bet.ID)
	metrics.FillsMatched.Add(float64(len(res.Makers)))
	return w, bet, makers, nil
}

// applyMakerFills folds maker-side fills and stale-order cancellations
// into the write set and returns the affected maker user ids.
func applyMakerFills(w *store.Writes, res *book.Result, takerBetID string) []string {
	touched := make(map[string]*model.Bet)
	var makers []string

	for _, mf := range res.Makers {
		b := mf.Bet
		b.Fills = append(b.Fills, model.Fill{
			MatchedBetID: takerBetID, Amount: mf.Amount, Shares: mf.Shares, Timestamp: mf.Timestamp,
		})
		b.Amount += mf.Amount
		b.Shares += mf.Shares
		b.IsFilled = mathutil.Equal(b.Amount, b.OrderAmount)
		touched[b.ID] = b

		if w.UserDeltas == nil {
			w.UserDeltas = make(map[string]float64)
		}
		if w.BalanceFloors == nil {
			w.BalanceFloors = make(map[string]float64)
		}
		w.UserDeltas[b.UserID] -= mf.Amount
		w.BalanceFloors[b.UserID] = 0
		makers = append(makers, b.UserID)
	}
	for _, b := range res.OrdersToCancel {
		b.IsCancelled = true
		touched[b.ID] = b
	}
	for _, b := range touched {
		w.UpdateBets = append(w.UpdateBets, b)
	}
	return makers
}

// placeDpmBet computes the write set for a parimutuel bet.
func (e *Engine) placeDpmBet(snap *store.Snapshot, user *model.User, req PlaceBetRequest) (*store.Writes, *model.Bet, error) {
	m := snap.Market
	now := e.now()

	probBefore := dpm.OutcomeProbability(m.TotalShares, req.Outcome)
	if m.Outcome == model.OutcomeTypeBinary {
		probBefore = dpm.Probability(m.TotalShares)
	}

	shares := dpm.Shares(m.TotalShares, req.Amount, req.Outcome)

	updated := *m
	updated.Pool = copyFloats(m.Pool)
	updated.TotalShares = copyFloats(m.TotalShares)
	updated.TotalBets = copyFloats(m.TotalBets)
	updated.Pool[req.Outcome] += req.Amount
	updated.TotalShares[req.Outcome] += shares
	updated.TotalBets[req.Outcome] += req.Amount
	updated.Volume += req.Amount

	probAfter := dpm.OutcomeProbability(updated.TotalShares, req.Outcome)
	if m.Outcome == model.OutcomeTypeBinary {
		probAfter = dpm.Probability(updated.TotalShares)
	}

	loan := e.loans(user, m, req.Amount)
	bet := &model.Bet{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		MarketID:   req.MarketID,
		Amount:     req.Amount,
		Outcome:    req.Outcome,
		Shares:     shares,
		ProbBefore: probBefore,
		ProbAfter:  probAfter,
		LoanAmount: loan,
		CreatedAt:  now,
	}

	return &store.Writes{
		MarketID:        req.MarketID,
		ExpectedVersion: m.Version,
		Market:          &updated,
		InsertBets:      []*model.Bet{bet},
		UserDeltas:      map[string]float64{req.UserID: -(req.Amount - loan)},
		BalanceFloors:   map[string]float64{req.UserID: 0},
	}, bet, nil
}

func copyFloats(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// sweepRedemptions runs post-commit share redemption for each user and
// returns the resulting events. Failures are logged, never propagated:
// the bet has already committed.
func (e *Engine) sweepRedemptions(ctx context.Context, marketID string, userIDs []string) []events.Event {
	var evs []events.Event
	seen := make(map[string]bool, len(userIDs))
	for _, userID := range userIDs {
		if seen[userID] {
			continue
		}
		seen[userID] = true
		_, redeemed, err := e.RedeemShares(ctx, userID, marketID)
		if err != nil {
			slog.Error("redeem after trade", "market_id", marketID, "user_id", userID, "err", err)
			continue
		}
		evs = append(evs, redeemed...)
	}
	return evs
}

// CancelLimitOrder cancels a resting order. Only the owner may cancel;
// cancelling an already cancelled or filled order is an error.
func (e *Engine) CancelLimitOrder(ctx context.Context, userID, betID string) (*model.Bet, []events.Event, error) {
	bet, err := e.store.GetBet(ctx, betID)
	if err != nil {
		return nil, nil, err
	}
	if bet.UserID != userID {
		return nil, nil, fmt.Errorf("bet %s: %w", betID, model.ErrNotOwner)
	}
	if !bet.IsOpenLimitOrder() {
		return nil, nil, fmt.Errorf("bet %s is not an open limit order: %w", betID, model.ErrOrderNotOpen)
	}

	err = e.withRetry(ctx, bet.MarketID, func(snap *store.Snapshot) (*store.Writes, error) {
		bet.IsCancelled = true
		return &store.Writes{
			MarketID:        bet.MarketID,
			ExpectedVersion: snap.Market.Version,
			UpdateBets:      []*model.Bet{bet},
		}, nil
	})
	if err != nil {
		return nil, nil, err
	}

	slog.Info("limit order cancelled", "bet_id", betID, "user_id", userID)
	ev := events.Event{Type: events.TypeOrderCancelled, MarketID: bet.MarketID, UserID: userID, Timestamp: e.now(), Bet: bet}
	return bet, []events.Event{ev}, nil
}
