// Package payouts computes who gets paid what when a market resolves.
// Everything here is a pure function over a snapshot of the market, its
// bets, and its liquidity provisions; the engine turns the results into
// ledger transactions.
package payouts

import (
	"github.com/manacore/market-engine/internal/cpmm"
	"github.com/manacore/market-engine/internal/dpm"
	"github.com/manacore/market-engine/internal/fees"
	"github.com/manacore/market-engine/internal/model"
)

// Info is the full payout computation for one resolution.
type Info struct {
	// Payouts is the per-bet trader payouts, one entry per paying bet.
	Payouts []model.Payout

	// CreatorPayout is the creator's accumulated fee take.
	CreatorPayout float64

	// LiquidityPayouts returns pool capital to CPMM liquidity providers.
	LiquidityPayouts []model.Payout

	// Collected is the fee total reported with the resolution.
	Collected fees.Fees
}

// Compute returns the payout breakdown for resolving m to outcome.
// resolutionProb overrides the market probability for MKT resolutions;
// resolutions carries the weight split for multi-outcome MKT.
func Compute(m *model.Market, outcome string, bets []*model.Bet, liquidities []model.LiquidityProvision, resolutionProb *float64, resolutions map[string]float64) Info {
	if m.Mechanism == model.MechanismCPMM {
		return computeFixed(m, outcome, bets, liquidities, resolutionProb)
	}
	return computeDpm(m, outcome, bets, resolutionProb, resolutions)
}

// computeFixed handles CPMM markets, where one share of the resolved
// outcome pays exactly one mana.
func computeFixed(m *model.Market, outcome string, bets []*model.Bet, liquidities []model.LiquidityProvision, resolutionProb *float64) Info {
	info := Info{
		CreatorPayout: m.CollectedFees.Creator,
		Collected:     m.CollectedFees,
	}

	switch outcome {
	case model.OutcomeCancel:
		info.Payouts = cancelPayouts(bets)
	case model.OutcomeMkt:
		p := cpmm.Probability(m.Pool, m.P)
		if resolutionProb != nil {
			p = *resolutionProb
		}
		info.Payouts = mktFixedPayouts(bets, p)
	default:
		info.Payouts = standardFixedPayouts(bets, outcome)
	}

	info.LiquidityPayouts = liquidityPayouts(m, outcome, resolutionProb, liquidities)
	return info
}

// standardFixedPayouts pays one mana per winning share.
func standardFixedPayouts(bets []*model.Bet, outcome string) []model.Payout {
	var out []model.Payout
	for _, b := range bets {
		if b.Outcome != outcome || b.Shares == 0 {
			continue
		}
		out = append(out, model.Payout{UserID: b.UserID, Payout: b.Shares})
	}
	return out
}

// mktFixedPayouts pays p per YES share and 1-p per NO share.
func mktFixedPayouts(bets []*model.Bet, p float64) []model.Payout {
	var out []model.Payout
	for _, b := range bets {
		if b.Shares == 0 {
			continue
		}
		betP := p
		if b.Outcome == model.OutcomeNo {
			betP = 1 - p
		}
		out = append(out, model.Payout{UserID: b.UserID, Payout: betP * b.Shares})
	}
	return out
}

// cancelPayouts refunds each bet's stake. Redemption legs are skipped:
// their mana already went back to the user when the shares were redeemed.
func cancelPayouts(bets []*model.Bet) []model.Payout {
	var out []model.Payout
	for _, b := range bets {
		if b.IsRedemption || b.Amount == 0 {
			continue
		}
		out = append(out, model.Payout{UserID: b.UserID, Payout: b.Amount})
	}
	return out
}

// liquidityPayouts splits the remaining pool value across providers by
// contribution weight. Each side of the pool pays its share quantity times
// its resolution value, which for a two-sided split of capital is simply
// the pool quantities weighted per provider.
func liquidityPayouts(m *model.Market, outcome string, resolutionProb *float64, liquidities []model.LiquidityProvision) []model.Payout {
	weights := cpmm.PoolWeights(liquidities)
	if len(weights) == 0 {
		return nil
	}

	poolTotal := 0.0
	switch outcome {
	case model.OutcomeCancel:
		// Providers get back exactly the pool they staked.
		poolTotal = m.Pool[model.OutcomeYes] + m.Pool[model.OutcomeNo]
	default:
		// Shares of the losing side are worthless; each provider holds
		// both sides in proportion, so the pool pays out the winning
		// side's quantity (or the p-weighted mix for MKT).
		p := 0.0
		switch outcome {
		case model.OutcomeYes:
			p = 1
		case model.OutcomeNo:
			p = 0
		case model.OutcomeMkt:
			p = cpmm.Probability(m.Pool, m.P)
			if resolutionProb != nil {
				p = *resolutionProb
			}
		}
		poolTotal = p*m.Pool[model.OutcomeYes] + (1-p)*m.Pool[model.OutcomeNo]
	}

	var out []model.Payout
	for userID, w := range weights {
		out = append(out, model.Payout{UserID: userID, Payout: w * poolTotal, Deposit: w * poolTotal})
	}
	return out
}

// computeDpm handles parimutuel markets, where each bet's payout is its
// proportional claim on the pooled stake.
func computeDpm(m *model.Market, outcome string, bets []*model.Bet, resolutionProb *float64, resolutions map[string]float64) Info {
	// Payout computation reads resolution state off the market snapshot.
	resolved := *m
	resolved.Resolution = outcome
	resolved.ResolutionProbability = resolutionProb
	resolved.Resolutions = resolutions

	info := Info{Collected: m.CollectedFees}

	profits := 0.0
	for _, b := range bets {
		if b.IsSold || b.SaleOf != "" {
			continue
		}
		p := dpm.Payout(&resolved, b, outcome)
		if p > 0 {
			info.Payouts = append(info.Payouts, model.Payout{UserID: b.UserID, Payout: p})
		}
		// The creator's cut comes off pre-fee winnings; DeductFees has
		// already reduced the paid amount by the full fee schedule.
		if win := dpm.Winnings(&resolved, b, outcome); win > b.Amount {
			profits += win - b.Amount
		}
	}

	if outcome != model.OutcomeCancel {
		info.CreatorPayout = fees.DPMCreatorFee * profits
	}
	return info
}

// LoanPayouts returns, per user, the total outstanding loan across their
// open bets as a negative payout. Loans are repaid out of resolution
// proceeds before the user sees any of them.
func LoanPayouts(bets []*model.Bet) []model.Payout {
	byUser := make(map[string]float64)
	order := []string{}
	for _, b := range bets {
		if b.IsSold || b.SaleOf != "" || b.LoanAmount == 0 {
			continue
		}
		if _, ok := byUser[b.UserID]; !ok {
			order = append(order, b.UserID)
		}
		byUser[b.UserID] += b.LoanAmount
	}

	var out []model.Payout
	for _, userID := range order {
		if byUser[userID] != 0 {
			out = append(out, model.Payout{UserID: userID, Payout: -byUser[userID]})
		}
	}
	return out
}

// GroupByUser merges payout lists into one net amount per user.
func GroupByUser(payouts ...[]model.Payout) []model.Payout {
	net := make(map[string]*model.Payout)
	order := []string{}
	for _, list := range payouts {
		for _, p := range list {
			if existing, ok := net[p.UserID]; ok {
				existing.Payout += p.Payout
				existing.Deposit += p.Deposit
				continue
			}
			cp := p
			net[p.UserID] = &cp
			order = append(order, p.UserID)
		}
	}

	out := make([]model.Payout, 0, len(order))
	for _, userID := range order {
		out = append(out, *net[userID])
	}
	return out
}
