package engine

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/manacore/market-engine/internal/cpmm"
	"github.com/manacore/market-engine/internal/events"
	"github.com/manacore/market-engine/internal/mathutil"
	"github.com/manacore/market-engine/internal/metrics"
	"github.com/manacore/market-engine/internal/model"
	"github.com/manacore/market-engine/internal/store"
)

// RedeemShares converts a user's matched YES/NO pairs on a CPMM market
// into mana: each pair pays one mana, loans are repaid first, and two
// offsetting redemption bets record the share removal without moving the
// price. Idempotent: with no matched pairs it commits nothing.
func (e *Engine) RedeemShares(ctx context.Context, userID, marketID string) (float64, []events.Event, error) {
	var netAmount float64
	var inserted []*model.Bet
	err := e.withRetry(ctx, marketID, func(snap *store.Snapshot) (*store.Writes, error) {
		inserted = nil
		m := snap.Market
		if m.Mechanism != model.MechanismCPMM {
			return nil, nil
		}

		bets, err := e.store.ListUserBets(ctx, userID)
		if err != nil {
			return nil, err
		}

		yesShares, noShares, loan := 0.0, 0.0, 0.0
		for _, b := range bets {
			if b.MarketID != marketID {
				continue
			}
			switch b.Outcome {
			case model.OutcomeYes:
				yesShares += b.Shares
			case model.OutcomeNo:
				noShares += b.Shares
			}
			loan += b.LoanAmount
		}

		matched := math.Max(0, math.Min(yesShares, noShares))
		if mathutil.Equal(matched, 0) {
			return nil, nil
		}

		loanPaid := math.Min(math.Max(loan, 0), matched)
		netAmount = matched - loanPaid

		now := e.now()
		prob := cpmm.Probability(m.Pool, m.P)
		inserted = []*model.Bet{
			redemptionLeg(userID, marketID, model.OutcomeYes, prob, matched, loanPaid, now),
			redemptionLeg(userID, marketID, model.OutcomeNo, prob, matched, loanPaid, now),
		}

		return &store.Writes{
			MarketID:        marketID,
			ExpectedVersion: m.Version,
			InsertBets:      inserted,
			UserDeltas:      map[string]float64{userID: netAmount},
		}, nil
	})
	if err != nil || inserted == nil {
		return 0, nil, err
	}

	metrics.SharesRedeemed.Inc()
	ev := events.Event{
		Type:      events.TypeSharesRedeemed,
		MarketID:  marketID,
		UserID:    userID,
		Timestamp: e.now(),
		Extra:     map[string]float64{"shares": -inserted[0].Shares, "net_amount": netAmount},
	}
	return netAmount, []events.Event{ev}, nil
}

// redemptionLeg builds one side of the redemption pair: negative shares
// priced at the current probability, with half the loan repayment. Both
// legs carry the same market probability so redemption never shows as a
// price move.
func redemptionLeg(userID, marketID, outcome string, prob, shares, loanPaid float64, now time.Time) *model.Bet {
	price := prob
	if outcome == model.OutcomeNo {
		price = 1 - prob
	}
	return &model.Bet{
		ID:           uuid.NewString(),
		UserID:       userID,
		MarketID:     marketID,
		Amount:       -price * shares,
		Outcome:      outcome,
		Shares:       -shares,
		ProbBefore:   prob,
		ProbAfter:    prob,
		IsFilled:     true,
		IsRedemption: true,
		LoanAmount:   -loanPaid / 2,
		CreatedAt:    now,
	}
}
