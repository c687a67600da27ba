// Package dpm implements the dynamic parimutuel market used by
// free-response, multiple-choice, numeric, and legacy binary markets.
// Money accumulates in per-outcome pools with no rebalancing; a bet's
// share issuance depends on the current share totals, and payouts are
// proportional claims on the pooled stake. All functions are pure.
package dpm

import (
	"math"

	"github.com/manacore/market-engine/internal/fees"
	"github.com/manacore/market-engine/internal/model"
)

// OutcomeProbability returns the implied probability of one outcome:
// shares squared over the sum of squared share totals.
func OutcomeProbability(totalShares map[string]float64, outcome string) float64 {
	squareSum := 0.0
	for _, s := range totalShares {
		squareSum += s * s
	}
	s := totalShares[outcome]
	return s * s / squareSum
}

// Probability returns the YES probability of a binary DPM market.
func Probability(totalShares map[string]float64) float64 {
	return OutcomeProbability(totalShares, model.OutcomeYes)
}

// Shares returns the number of outcome shares issued for bet mana at the
// current share totals.
func Shares(totalShares map[string]float64, bet float64, outcome string) float64 {
	squareSum := 0.0
	for _, s := range totalShares {
		squareSum += s * s
	}
	shares := totalShares[outcome]

	c := 2 * bet * math.Sqrt(squareSum)
	return math.Sqrt(bet*bet+shares*shares+c) - shares
}

// rawShareValue is the drop in total pool value from removing shares of
// betChoice from the share totals.
func rawShareValue(totalShares map[string]float64, shares float64, betChoice string) float64 {
	currentValue := 0.0
	postSaleValue := 0.0
	for outcome, s := range totalShares {
		currentValue += s * s
		if outcome == betChoice {
			s = math.Max(0, s-shares)
		}
		postSaleValue += s * s
	}
	return math.Sqrt(currentValue) - math.Sqrt(postSaleValue)
}

// moneyRatio scales a raw share value by the ratio of actual pool money to
// the expected (probability-weighted) stake, so sales cannot drain more
// than the pool holds.
func moneyRatio(m *model.Market, bet *model.Bet, shareValue float64) float64 {
	p := OutcomeProbability(m.TotalShares, bet.Outcome)

	actual := -shareValue
	for _, v := range m.Pool {
		actual += v
	}

	expected := -p * bet.Amount
	for outcome, total := range m.TotalBets {
		expected += OutcomeProbability(m.TotalShares, outcome) * total
	}

	if actual <= 0 || expected <= 0 {
		return 0
	}
	return actual / expected
}

// ShareValue is the mana value of a bet's shares at the current totals,
// clamped to the bet's outcome pool.
func ShareValue(m *model.Market, bet *model.Bet) float64 {
	shareValue := rawShareValue(m.TotalShares, bet.Shares, bet.Outcome)
	f := moneyRatio(m, bet, shareValue)

	adj := math.Min(math.Min(1, f)*shareValue, m.Pool[bet.Outcome])
	return adj
}

// SaleAmount is the mana returned for canceling an existing bet at the
// current totals: stake back plus fee-discounted winnings. Monotonic in
// the bet's share value and never exceeds stake plus accrued value.
func SaleAmount(m *model.Market, bet *model.Bet) float64 {
	return DeductFees(bet.Amount, ShareValue(m, bet))
}

// Payout computes the resolution payout for one bet given the final
// outcome, with fees deducted from the profit component.
func Payout(m *model.Market, bet *model.Bet, outcome string) float64 {
	if outcome == model.OutcomeCancel {
		return CancelPayout(m, bet)
	}
	return DeductFees(bet.Amount, Winnings(m, bet, outcome))
}

// Winnings is a bet's pre-fee claim on the pool for the given outcome.
// Creator fees are computed from the profit over these winnings, before
// DeductFees takes its cut.
func Winnings(m *model.Market, bet *model.Bet, outcome string) float64 {
	switch outcome {
	case model.OutcomeCancel:
		return CancelPayout(m, bet)
	case model.OutcomeMkt:
		return mktWinnings(m, bet)
	default:
		return standardWinnings(m, bet, outcome)
	}
}

// CancelPayout refunds the bet's share of the pool in proportion to stake.
func CancelPayout(m *model.Market, bet *model.Bet) float64 {
	betTotal := 0.0
	for _, v := range m.TotalBets {
		betTotal += v
	}
	poolTotal := 0.0
	for _, v := range m.Pool {
		poolTotal += v
	}
	return bet.Amount / betTotal * poolTotal
}

// StandardPayout pays winning bets their proportional claim on the whole
// pool, with fees deducted from profit only.
func StandardPayout(m *model.Market, bet *model.Bet, outcome string) float64 {
	return DeductFees(bet.Amount, standardWinnings(m, bet, outcome))
}

func standardWinnings(m *model.Market, bet *model.Bet, outcome string) float64 {
	if bet.Outcome != outcome {
		return 0
	}
	total := m.TotalShares[outcome]
	if total == 0 {
		return 0
	}

	poolTotal := 0.0
	for _, v := range m.Pool {
		poolTotal += v
	}

	return bet.Shares / total * poolTotal
}

// mktWinnings resolves to the market's current (or supplied)
// probabilities, splitting the pool across outcomes by weight.
func mktWinnings(m *model.Market, bet *model.Bet) float64 {
	if m.Outcome == model.OutcomeTypeBinary {
		return binaryMktWinnings(m, bet)
	}

	var probs map[string]float64
	if len(m.Resolutions) > 0 {
		total := 0.0
		for _, v := range m.Resolutions {
			total += v
		}
		probs = make(map[string]float64, len(m.TotalShares))
		for outcome := range m.TotalShares {
			probs[outcome] = m.Resolutions[outcome] / total
		}
	} else {
		squareSum := 0.0
		for _, s := range m.TotalShares {
			squareSum += s * s
		}
		probs = make(map[string]float64, len(m.TotalShares))
		for outcome, s := range m.TotalShares {
			probs[outcome] = s * s / squareSum
		}
	}

	poolTotal := 0.0
	for _, v := range m.Pool {
		poolTotal += v
	}

	poolFrac := probs[bet.Outcome] * bet.Shares / m.TotalShares[bet.Outcome]
	return poolFrac * poolTotal
}

func binaryMktWinnings(m *model.Market, bet *model.Bet) float64 {
	p := Probability(m.TotalShares)
	if m.ResolutionProbability != nil {
		p = *m.ResolutionProbability
	}

	pool := m.Pool[model.OutcomeYes] + m.Pool[model.OutcomeNo]
	weightedShareTotal := p*m.TotalShares[model.OutcomeYes] + (1-p)*m.TotalShares[model.OutcomeNo]

	betP := p
	if bet.Outcome == model.OutcomeNo {
		betP = 1 - p
	}

	return betP * bet.Shares / weightedShareTotal * pool
}

// DeductFees applies the DPM fee schedule to the profit component of
// winnings; stake is returned whole.
func DeductFees(betAmount, winnings float64) float64 {
	if winnings > betAmount {
		return betAmount + (1-fees.DPMFees)*(winnings-betAmount)
	}
	return winnings
}

// InitialPool seeds a new DPM market from the creator's ante at the given
// initial probability. The ante lands in the pool; share totals are set so
// the implied probability matches.
func InitialPool(initialProb, ante float64) (pool, totalShares, totalBets map[string]float64) {
	sharesYes := math.Sqrt(initialProb) * ante
	sharesNo := math.Sqrt(ante*ante - sharesYes*sharesYes)

	pool = map[string]float64{
		model.OutcomeYes: initialProb * ante,
		model.OutcomeNo:  (1 - initialProb) * ante,
	}
	totalShares = map[string]float64{
		model.OutcomeYes: sharesYes,
		model.OutcomeNo:  sharesNo,
	}
	totalBets = map[string]float64{
		model.OutcomeYes: initialProb * ante,
		model.OutcomeNo:  (1 - initialProb) * ante,
	}
	return pool, totalShares, totalBets
}
