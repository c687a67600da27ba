package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/manacore/market-engine/internal/book"
	"github.com/manacore/market-engine/internal/cpmm"
	"github.com/manacore/market-engine/internal/dpm"
	"github.com/manacore/market-engine/internal/events"
	"github.com/manacore/market-engine/internal/fees"
	"github.com/manacore/market-engine/internal/mathutil"
	"github.com/manacore/market-engine/internal/model"
	"github.com/manacore/market-engine/internal/store"
)

// SellBet cancels a DPM bet at its current value: the original bet is
// marked sold and a negative sale bet linked to it removes the shares
// from the pool. Fees come out of the profit component only.
func (e *Engine) SellBet(ctx context.Context, userID, betID string) (*model.Bet, []events.Event, error) {
	orig, err := e.store.GetBet(ctx, betID)
	if err != nil {
		return nil, nil, err
	}
	if orig.UserID != userID {
		return nil, nil, fmt.Errorf("bet %s: %w", betID, model.ErrNotOwner)
	}
	if orig.IsSold {
		return nil, nil, fmt.Errorf("bet %s: %w", betID, model.ErrAlreadySold)
	}

	var sale *model.Bet
	err = e.withRetry(ctx, orig.MarketID, func(snap *store.Snapshot) (*store.Writes, error) {
		m := snap.Market
		if m.Mechanism != model.MechanismDPM {
			return nil, fmt.Errorf("market %s: %w", m.ID, model.ErrWrongMechanism)
		}
		if !m.IsOpen(e.now()) {
			return nil, fmt.Errorf("market %s: %w", m.ID, model.ErrMarketClosed)
		}

		winnings := dpm.ShareValue(m, orig)
		saleAmount := dpm.DeductFees(orig.Amount, winnings)

		profit := math.Max(0, winnings-orig.Amount)
		saleFees := fees.Fees{
			Platform: fees.DPMPlatformFee * profit,
			Creator:  fees.DPMCreatorFee * profit,
		}

		probBefore := dpm.OutcomeProbability(m.TotalShares, orig.Outcome)
		if m.Outcome == model.OutcomeTypeBinary {
			probBefore = dpm.Probability(m.TotalShares)
		}

		updated := *m
		updated.Pool = copyFloats(m.Pool)
		updated.TotalShares = copyFloats(m.TotalShares)
		updated.TotalBets = copyFloats(m.TotalBets)
		updated.Pool[orig.Outcome] -= saleAmount
		updated.TotalShares[orig.Outcome] -= orig.Shares
		updated.TotalBets[orig.Outcome] -= orig.Amount
		updated.Volume += saleAmount
		updated.CollectedFees = m.CollectedFees.Add(saleFees)

		probAfter := dpm.OutcomeProbability(updated.TotalShares, orig.Outcome)
		if m.Outcome == model.OutcomeTypeBinary {
			probAfter = dpm.Probability(updated.TotalShares)
		}

		now := e.now()
		sale = &model.Bet{
			ID:         uuid.NewString(),
			UserID:     userID,
			MarketID:   orig.MarketID,
			Amount:     -saleAmount,
			Outcome:    orig.Outcome,
			Shares:     -orig.Shares,
			ProbBefore: probBefore,
			ProbAfter:  probAfter,
			Fees:       saleFees,
			IsFilled:   true,
			SaleOf:     orig.ID,
			CreatedAt:  now,
		}

		// Any loan on the original is repaid out of the proceeds.
		loanPaid := math.Min(math.Max(orig.LoanAmount, 0), saleAmount)
		sale.LoanAmount = -loanPaid

		sold := *orig
		sold.IsSold = true

		return &store.Writes{
			MarketID:        orig.MarketID,
			ExpectedVersion: m.Version,
			Market:          &updated,
			InsertBets:      []*model.Bet{sale},
			UpdateBets:      []*model.Bet{&sold},
			UserDeltas:      map[string]float64{userID: saleAmount - loanPaid},
		}, nil
	})
	if err != nil {
		return nil, nil, err
	}

	slog.Info("bet sold",
		"bet_id", betID, "sale_id", sale.ID, "market_id", orig.MarketID,
		"user_id", userID, "amount", -sale.Amount)
	ev := events.Event{Type: events.TypeBetSold, MarketID: orig.MarketID, UserID: userID, Timestamp: e.now(), Bet: sale}
	return sale, []events.Event{ev}, nil
}

// SellSharesRequest sells shares on a CPMM market. Shares nil sells the
// user's whole position in Outcome.
type SellSharesRequest struct {
	UserID   string   `json:"user_id"`
	MarketID string   `json:"market_id"`
	Outcome  string   `json:"outcome"`
	Shares   *float64 `json:"shares,omitempty"`
}

// SellShares sells CPMM shares by purchasing the opposite outcome for the
// exact amount that yields an equal number of shares; the resulting
// matched pairs redeem at one mana each, so the proceeds are the share
// count minus the purchase cost.
func (e *Engine) SellShares(ctx context.Context, req SellSharesRequest) (*model.Bet, []events.Event, error) {
	if req.Outcome != model.OutcomeYes && req.Outcome != model.OutcomeNo {
		return nil, nil, fmt.Errorf("outcome %q: %w", req.Outcome, model.ErrInvalidOutcome)
	}

	var (
		sale       *model.Bet
		makerUsers []string
	)
	err := e.withRetry(ctx, req.MarketID, func(snap *store.Snapshot) (*store.Writes, error) {
		m := snap.Market
		if m.Mechanism != model.MechanismCPMM {
			return nil, fmt.Errorf("market %s: %w", m.ID, model.ErrWrongMechanism)
		}
		if !m.IsOpen(e.now()) {
			return nil, fmt.Errorf("market %s: %w", m.ID, model.ErrMarketClosed)
		}

		bets, err := e.store.ListUserBets(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		held, loan := 0.0, 0.0
		for _, b := range bets {
			if b.MarketID != req.MarketID {
				continue
			}
			if b.Outcome == req.Outcome {
				held += b.Shares
			}
			loan += b.LoanAmount
		}

		selling := held
		if req.Shares != nil {
			selling = *req.Shares
		}
		if err := validAmount(selling); err != nil {
			return nil, err
		}
		if !mathutil.LessEq(selling, held) {
			return nil, fmt.Errorf("selling %v of %v held: %w", selling, held, model.ErrInsufficientShares)
		}

		opposite := model.OutcomeNo
		if req.Outcome == model.OutcomeNo {
			opposite = model.OutcomeYes
		}

		state := cpmm.State{Pool: m.Pool, P: m.P}
		buyAmount, res, err := amountToBuyShares(state, selling, opposite, snap.UnfilledBets, snap.BalanceByUserID, e.now())
		if err != nil {
			return nil, err
		}
		for outcome, qty := range res.State.Pool {
			if qty < model.CPMMMinPoolQty {
				return nil, fmt.Errorf("sale depletes %s pool: %w", outcome, model.ErrInsufficientLiquidity)
			}
		}

		saleValue := selling - buyAmount
		loanPaid := math.Min(math.Max(loan, 0), saleValue)

		now := e.now()
		sale = &model.Bet{
			ID:         uuid.NewString(),
			UserID:     req.UserID,
			MarketID:   req.MarketID,
			Amount:     -saleValue,
			Outcome:    req.Outcome,
			Shares:     -selling,
			ProbBefore: cpmm.Probability(m.Pool, m.P),
			ProbAfter:  cpmm.Probability(res.State.Pool, res.State.P),
			Fees:       res.TotalFees,
			IsFilled:   true,
			LoanAmount: -loanPaid,
			CreatedAt:  now,
		}

		updated := *m
		updated.Pool = res.State.Pool
		updated.P = res.State.P
		updated.Volume += saleValue
		updated.CollectedFees = m.CollectedFees.Add(res.TotalFees)
		updated.TotalLiquidity += res.TotalFees.Liquidity

		w := &store.Writes{
			MarketID:        req.MarketID,
			ExpectedVersion: m.Version,
			Market:          &updated,
			InsertBets:      []*model.Bet{sale},
			UserDeltas:      map[string]float64{req.UserID: saleValue - loanPaid},
		}
		makerUsers = applyMakerFills(w, res, sale.ID)
		return w, nil
	})
	if err != nil {
		return nil, nil, err
	}

	slog.Info("shares sold",
		"sale_id", sale.ID, "market_id", req.MarketID, "user_id", req.UserID,
		"outcome", req.Outcome, "shares", -sale.Shares, "value", -sale.Amount)

	evs := []events.Event{events.BetPlaced(sale, sale.ProbAfter)}
	evs[0].Type = events.TypeBetSold
	evs = append(evs, e.sweepRedemptions(ctx, req.MarketID, append([]string{req.UserID}, makerUsers...))...)
	return sale, evs, nil
}

// amountToBuyShares binary-searches for the purchase amount of outcome
// that yields exactly the requested share count through the book and
// pool. Share yield is monotonic in the amount spent, and a share never
// costs more than one mana, so the answer lies in [0, shares].
func amountToBuyShares(state cpmm.State, shares float64, outcome string, unfilled []*model.Bet, balances map[string]float64, now time.Time) (float64, *book.Result, error) {
	lo, hi := 0.0, shares
	for i := 0; i < 50; i++ {
		mid := (lo + hi) / 2
		r, err := book.ComputeFills(state, outcome, mid, nil, unfilled, balances, now, false)
		if err != nil {
			return 0, nil, err
		}
		got := 0.0
		for _, t := range r.Takers {
			got += t.Shares
		}
		if got < shares {
			lo = mid
		} else {
			hi = mid
		}
	}

	amount := (lo + hi) / 2
	res, err := book.ComputeFills(state, outcome, amount, nil, unfilled, balances, now, false)
	if err != nil {
		return 0, nil, err
	}
	return amount, res, nil
}
