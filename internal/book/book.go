// Package book matches incoming CPMM bets against resting limit orders
// and the liquidity pool. The book itself has no storage: it is the set
// of open limit bets on a market, and matching is a pure computation
// over a snapshot of those bets and the maker balances backing them.
package book

import (
	"math"
	"sort"
	"time"

	"github.com/manacore/market-engine/internal/cpmm"
	"github.com/manacore/market-engine/internal/fees"
	"github.com/manacore/market-engine/internal/mathutil"
	"github.com/manacore/market-engine/internal/model"
)

// TakerFill is one execution on the incoming bet's side. MatchedBetID is
// empty when the fill came from the pool.
type TakerFill struct {
	MatchedBetID string
	Amount       float64
	Shares       float64
	Timestamp    time.Time
}

// MakerFill is the mirror execution applied to a resting order.
type MakerFill struct {
	Bet       *model.Bet
	Amount    float64
	Shares    float64
	Timestamp time.Time
}

// Result is the outcome of matching one incoming bet. The caller commits
// the taker fills as the new bet, applies maker fills to the matched
// orders, cancels OrdersToCancel, and installs State as the new pool.
type Result struct {
	Takers         []TakerFill
	Makers         []MakerFill
	OrdersToCancel []*model.Bet
	State          cpmm.State
	TotalFees      fees.Fees
}

type fill struct {
	taker TakerFill
	maker MakerFill
	// pool-fill fields, valid when maker.Bet is nil
	state cpmm.State
	fees  fees.Fees
}

// computeFill produces the next partial execution of amount mana on
// outcome, either against the pool or against matchedBet. A nil return
// means no further fill is possible: the taker's limit price is reached.
func computeFill(amount float64, outcome string, limitProb *float64, state cpmm.State, matchedBet *model.Bet, makerBalance float64, now time.Time, freeFees bool) (*fill, error) {
	prob := cpmm.Probability(state.Pool, state.P)

	if limitProb != nil {
		lp := *limitProb
		matchedProb := 1.0
		if outcome == model.OutcomeNo {
			matchedProb = 0
		}
		if matchedBet != nil {
			matchedProb = *matchedBet.LimitProb
		}
		if outcome == model.OutcomeYes {
			// Beyond the taker's limit and no maker at or below it.
			if mathutil.GreaterEq(prob, lp) && matchedProb > lp {
				return nil, nil
			}
		} else {
			if mathutil.LessEq(prob, lp) && matchedProb < lp {
				return nil, nil
			}
		}
	}

	timestamp := now

	fillFromPool := matchedBet == nil
	if matchedBet != nil {
		if outcome == model.OutcomeYes {
			fillFromPool = !mathutil.GreaterEq(prob, *matchedBet.LimitProb)
		} else {
			fillFromPool = !mathutil.LessEq(prob, *matchedBet.LimitProb)
		}
	}

	if fillFromPool {
		// Buy from the pool up to whichever limit binds first: the best
		// resting order's price or the taker's own limit.
		var limit *float64
		if matchedBet != nil {
			lp := *matchedBet.LimitProb
			if limitProb != nil {
				if outcome == model.OutcomeYes {
					lp = math.Min(lp, *limitProb)
				} else {
					lp = math.Max(lp, *limitProb)
				}
			}
			limit = &lp
		} else {
			limit = limitProb
		}

		buyAmount := amount
		if limit != nil {
			buyAmount = math.Min(amount, cpmm.AmountToProb(state, *limit, outcome))
		}

		res, err := cpmm.Purchase(state, buyAmount, outcome, freeFees)
		if err != nil {
			return nil, err
		}
		return &fill{
			taker: TakerFill{Amount: buyAmount, Shares: res.Shares, Timestamp: timestamp},
			state: cpmm.State{Pool: res.NewPool, P: res.NewP},
			fees:  res.Fees,
		}, nil
	}

	// Fill against the matched resting order at its limit price.
	matchedProb := *matchedBet.LimitProb
	takerPrice := matchedProb
	makerPrice := 1 - matchedProb
	if outcome == model.OutcomeNo {
		takerPrice = 1 - matchedProb
		makerPrice = matchedProb
	}

	filled := 0.0
	for _, f := range matchedBet.Fills {
		filled += f.Amount
	}
	amountToFill := math.Min(matchedBet.OrderAmount-filled, makerBalance)

	shares := math.Min(amount/takerPrice, amountToFill/makerPrice)
	return &fill{
		taker: TakerFill{
			MatchedBetID: matchedBet.ID,
			Amount:       shares * takerPrice,
			Shares:       shares,
			Timestamp:    timestamp,
		},
		maker: MakerFill{
			Bet:       matchedBet,
			Amount:    shares * makerPrice,
			Shares:    shares,
			Timestamp: timestamp,
		},
	}, nil
}

// ComputeFills matches betAmount mana of outcome against the market's
// open limit orders and pool. Orders are matched best price first, oldest
// first within a price. Makers whose balance runs out mid-match have
// their orders marked for cancellation rather than filled on credit.
func ComputeFills(state cpmm.State, outcome string, betAmount float64, limitProb *float64, unfilledBets []*model.Bet, balanceByUserID map[string]float64, now time.Time, freeFees bool) (*Result, error) {
	sorted := make([]*model.Bet, 0, len(unfilledBets))
	for _, b := range unfilledBets {
		if b.Outcome != outcome && b.IsOpenLimitOrder() {
			sorted = append(sorted, b)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		// A resting NO order at a low limitProb is the best price for a
		// YES taker, and vice versa.
		pi, pj := *sorted[i].LimitProb, *sorted[j].LimitProb
		if pi != pj {
			if outcome == model.OutcomeYes {
				return pi < pj
			}
			return pi > pj
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	balances := make(map[string]float64, len(balanceByUserID))
	for id, b := range balanceByUserID {
		balances[id] = b
	}

	res := &Result{State: state, TotalFees: fees.None}
	amount := betAmount
	i := 0
	for {
		var matchedBet *model.Bet
		makerBalance := math.Inf(1)
		if i < len(sorted) {
			matchedBet = sorted[i]
			if b, ok := balances[matchedBet.UserID]; ok {
				makerBalance = b
			}
		}

		f, err := computeFill(amount, outcome, limitProb, res.State, matchedBet, makerBalance, now, freeFees)
		if err != nil {
			return nil, err
		}
		if f == nil {
			break
		}

		if f.maker.Bet == nil {
			res.State = f.state
			res.TotalFees = res.TotalFees.Add(f.fees)
			res.Takers = append(res.Takers, f.taker)
		} else {
			i++
			uid := f.maker.Bet.UserID
			if _, ok := balances[uid]; ok {
				if f.maker.Amount > 0 {
					balances[uid] -= f.maker.Amount
				}
				if balances[uid] <= 0 {
					res.OrdersToCancel = append(res.OrdersToCancel, f.maker.Bet)
				}
			}
			if mathutil.Equal(f.maker.Amount, 0) {
				continue
			}
			res.Takers = append(res.Takers, f.taker)
			res.Makers = append(res.Makers, f.maker)
		}

		amount -= f.taker.Amount
		if mathutil.Equal(amount, 0) {
			break
		}
	}

	return res, nil
}
