// Package cpmm implements the constant-product market maker used by binary
// markets. The pool invariant
//
//	k = YES^p * NO^(1-p)
//
// is held constant across trades, where p is the probability parameter set
// at market creation. All functions are pure and side-effect free; market
// state is passed as arguments, never stored.
package cpmm

import (
	"math"

	"github.com/manacore/market-engine/internal/fees"
	"github.com/manacore/market-engine/internal/model"
)

// MinimumLiquidity is the fewest YES and NO shares a pool may hold after a
// liquidity withdrawal. Trades are bounded separately by
// model.CPMMMinPoolQty.
const MinimumLiquidity = 100

// State is a CPMM pool snapshot.
type State struct {
	Pool map[string]float64
	P    float64
}

// Probability returns the implied YES probability of the pool:
//
//	prob = p*NO / ((1-p)*YES + p*NO)
func Probability(pool map[string]float64, p float64) float64 {
	y, n := pool[model.OutcomeYes], pool[model.OutcomeNo]
	return (p * n) / ((1-p)*y + p*n)
}

// Shares returns the number of outcome shares received for betAmount mana,
// holding the weighted product invariant constant. Fees are not deducted
// here; callers pass the post-fee amount.
func Shares(pool map[string]float64, p float64, betAmount float64, outcome string) float64 {
	if betAmount == 0 {
		return 0
	}

	y, n := pool[model.OutcomeYes], pool[model.OutcomeNo]
	k := math.Pow(y, p) * math.Pow(n, 1-p)

	if outcome == model.OutcomeYes {
		// Solve (y+b-s)^p * (n+b)^(1-p) = k for s.
		return y + betAmount - math.Pow(k*math.Pow(betAmount+n, p-1), 1/p)
	}
	// Solve (y+b)^p * (n+b-s)^(1-p) = k for s.
	return n + betAmount - math.Pow(k*math.Pow(betAmount+y, -p), 1/(1-p))
}

// probabilityAfterBetBeforeFees is the implied probability after applying
// the full bet amount with no fee deduction. Used to price the spread
// component that fees are charged on.
func probabilityAfterBetBeforeFees(s State, outcome string, bet float64) float64 {
	shares := Shares(s.Pool, s.P, bet, outcome)
	y, n := s.Pool[model.OutcomeYes], s.Pool[model.OutcomeNo]

	var newY, newN float64
	if outcome == model.OutcomeYes {
		newY, newN = y-shares+bet, n+bet
	} else {
		newY, newN = y+bet, n-shares+bet
	}
	return Probability(map[string]float64{model.OutcomeYes: newY, model.OutcomeNo: newN}, s.P)
}

// Fees computes the fee split for a bet: a proportional take on the spread
// component betP*amount, where betP is the chance the purchased shares pay
// nothing. Returns the remaining bet after fees.
func Fees(s State, betAmount float64, outcome string) (remaining float64, split fees.Fees) {
	if betAmount == 0 {
		return 0, fees.None
	}

	prob := probabilityAfterBetBeforeFees(s, outcome, betAmount)
	betP := prob
	if outcome == model.OutcomeYes {
		betP = 1 - prob
	}

	split, total := fees.Split(betP, betAmount)
	return betAmount - total, split
}

// PurchaseResult is the outcome of a buy against the pool.
type PurchaseResult struct {
	Shares  float64
	NewPool map[string]float64
	NewP    float64
	Fees    fees.Fees
}

// Purchase executes a buy of outcome shares for bet mana against the pool,
// deducting fees first and folding the liquidity-fee portion back into the
// pool. Returns model.ErrOverflow if the resulting p is non-finite.
func Purchase(s State, bet float64, outcome string, freeFees bool) (PurchaseResult, error) {
	remaining, split := bet, fees.None
	if !freeFees {
		remaining, split = Fees(s, bet, outcome)
	}

	shares := Shares(s.Pool, s.P, remaining, outcome)
	y, n := s.Pool[model.OutcomeYes], s.Pool[model.OutcomeNo]
	fee := split.Liquidity

	var newY, newN float64
	if outcome == model.OutcomeYes {
		newY, newN = y-shares+remaining+fee, n+remaining+fee
	} else {
		newY, newN = y+remaining+fee, n-shares+remaining+fee
	}
	postBetPool := map[string]float64{model.OutcomeYes: newY, model.OutcomeNo: newN}

	newPool, _, newP, err := AddLiquidity(postBetPool, s.P, fee)
	if err != nil {
		return PurchaseResult{}, err
	}

	return PurchaseResult{Shares: shares, NewPool: newPool, NewP: newP, Fees: split}, nil
}

// AmountToProb returns the bet amount that would move the market to prob
// for the given outcome, or +Inf when prob is out of range.
func AmountToProb(s State, prob float64, outcome string) float64 {
	if prob <= 0 || prob >= 1 || math.IsNaN(prob) {
		return math.Inf(1)
	}
	if outcome == model.OutcomeNo {
		prob = 1 - prob
	}

	p := s.P
	y, n := s.Pool[model.OutcomeYes], s.Pool[model.OutcomeNo]
	k := math.Pow(y, p) * math.Pow(n, 1-p)

	if outcome == model.OutcomeYes {
		r := (p * (prob - 1)) / ((p - 1) * prob)
		return math.Pow(r, -p) * (k - n*math.Pow(r, p))
	}
	r := ((1 - p) * (prob - 1)) / (-p * prob)
	return math.Pow(r, p-1) * (k - y*math.Pow(r, 1-p))
}

// Liquidity returns the pool's invariant value YES^p * NO^(1-p).
func Liquidity(pool map[string]float64, p float64) float64 {
	y, n := pool[model.OutcomeYes], pool[model.OutcomeNo]
	return math.Pow(y, p) * math.Pow(n, 1-p)
}

// AddLiquidity injects amount mana into both sides of the pool, adjusting p
// so the implied probability does not move. Returns the liquidity delta in
// invariant units. Negative amounts withdraw. Returns model.ErrOverflow if
// the adjusted p is non-finite.
func AddLiquidity(pool map[string]float64, p, amount float64) (newPool map[string]float64, liquidity, newP float64, err error) {
	prob := Probability(pool, p)

	y, n := pool[model.OutcomeYes], pool[model.OutcomeNo]
	numerator := prob * (amount + y)
	denominator := amount - n*(prob-1) + prob*y
	newP = numerator / denominator

	if math.IsNaN(newP) || math.IsInf(newP, 0) {
		return nil, 0, 0, model.ErrOverflow
	}

	newPool = map[string]float64{model.OutcomeYes: y + amount, model.OutcomeNo: n + amount}
	liquidity = Liquidity(newPool, newP) - Liquidity(pool, newP)
	return newPool, liquidity, newP, nil
}

// RemoveLiquidity withdraws amount mana from both sides of the pool.
// Returns model.ErrInsufficientLiquidity when the withdrawal would leave
// either side below MinimumLiquidity.
func RemoveLiquidity(pool map[string]float64, p, amount float64) (newPool map[string]float64, liquidity, newP float64, err error) {
	newPool, liquidity, newP, err = AddLiquidity(pool, p, -amount)
	if err != nil {
		return nil, 0, 0, err
	}
	if newPool[model.OutcomeYes] < MinimumLiquidity || newPool[model.OutcomeNo] < MinimumLiquidity {
		return nil, 0, 0, model.ErrInsufficientLiquidity
	}
	return newPool, liquidity, newP, nil
}

// MaximumRemovableLiquidity is the largest withdrawal that keeps the pool
// at or above the MinimumLiquidity floor.
func MaximumRemovableLiquidity(pool map[string]float64) float64 {
	y, n := pool[model.OutcomeYes], pool[model.OutcomeNo]
	return math.Max(math.Min(y, n)-MinimumLiquidity, 0)
}

// PoolWeights returns each provider's fractional claim on the pool,
// weighted by net mana contributed. Providers who withdrew more than they
// gave count as zero; if everyone nets to zero, the earliest provider
// (presumably the creator) gets the full weight.
func PoolWeights(liquidities []model.LiquidityProvision) map[string]float64 {
	if len(liquidities) == 0 {
		return map[string]float64{}
	}

	amounts := make(map[string]float64)
	for _, l := range liquidities {
		amounts[l.UserID] += l.Amount
	}

	total := 0.0
	for userID, amount := range amounts {
		if amount < 0 {
			amounts[userID] = 0
			continue
		}
		total += amount
	}

	if total == 0 {
		first := liquidities[0]
		for _, l := range liquidities[1:] {
			if l.CreatedAt.Before(first.CreatedAt) {
				first = l
			}
		}
		return map[string]float64{first.UserID: 1}
	}

	weights := make(map[string]float64)
	for userID, amount := range amounts {
		if amount > 0 {
			weights[userID] = amount / total
		}
	}
	return weights
}

// UserLiquidityShares returns the user's weighted claim on each side of
// the pool.
func UserLiquidityShares(userID string, pool map[string]float64, liquidities []model.LiquidityProvision) map[string]float64 {
	weight := PoolWeights(liquidities)[userID]
	shares := make(map[string]float64, len(pool))
	for outcome, qty := range pool {
		shares[outcome] = weight * qty
	}
	return shares
}
