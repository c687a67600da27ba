package dpm

import (
	"math"
	"testing"

	"github.com/manacore/market-engine/internal/fees"
	"github.com/manacore/market-engine/internal/model"
)

func approx(t *testing.T, got, want, tol float64, msg string) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %v, want %v", msg, got, want)
	}
}

func shares(y, n float64) map[string]float64 {
	return map[string]float64{model.OutcomeYes: y, model.OutcomeNo: n}
}

// --- Probability ---

func TestProbability_SquareWeighted(t *testing.T) {
	// 3²/(3²+4²) = 9/25
	approx(t, Probability(shares(3, 4)), 0.36, 1e-12, "yes probability")
	approx(t, OutcomeProbability(shares(3, 4), model.OutcomeNo), 0.64, 1e-12, "no probability")
}

// --- Shares ---

func TestShares_FirstBetGetsFaceValue(t *testing.T) {
	// With no shares outstanding the issuance is exactly the bet.
	got := Shares(map[string]float64{}, 10, model.OutcomeYes)
	approx(t, got, 10, 1e-9, "shares on empty market")
}

func TestShares_LaterBetsGetFewer(t *testing.T) {
	totals := shares(50, 50)
	first := Shares(totals, 10, model.OutcomeYes)
	totals[model.OutcomeYes] += first
	second := Shares(totals, 10, model.OutcomeYes)
	if second >= first {
		t.Errorf("later bets should issue fewer shares: first=%v second=%v", first, second)
	}
}

func TestShares_RaisesProbability(t *testing.T) {
	totals := shares(50, 50)
	before := Probability(totals)
	totals[model.OutcomeYes] += Shares(totals, 20, model.OutcomeYes)
	if Probability(totals) <= before {
		t.Error("buying YES should raise the YES probability")
	}
}

// --- Payouts ---

func dpmMarket(pool, totals, bets map[string]float64) *model.Market {
	return &model.Market{
		Outcome:     model.OutcomeTypeBinary,
		Mechanism:   model.MechanismDPM,
		Pool:        pool,
		TotalShares: totals,
		TotalBets:   bets,
	}
}

func TestPayout_StandardWinnerClaimsPool(t *testing.T) {
	m := dpmMarket(
		map[string]float64{model.OutcomeYes: 60, model.OutcomeNo: 40},
		shares(80, 50),
		map[string]float64{model.OutcomeYes: 60, model.OutcomeNo: 40},
	)
	bet := &model.Bet{Amount: 30, Outcome: model.OutcomeYes, Shares: 40}

	// Half the YES shares claim half the 100 mana pool; fees come out of
	// the 20 mana profit.
	winnings := 50.0
	want := 30 + (1-fees.DPMFees)*(winnings-30)
	approx(t, Payout(m, bet, model.OutcomeYes), want, 1e-9, "standard payout")
}

func TestPayout_LoserGetsNothing(t *testing.T) {
	m := dpmMarket(
		map[string]float64{model.OutcomeYes: 60, model.OutcomeNo: 40},
		shares(80, 50),
		map[string]float64{model.OutcomeYes: 60, model.OutcomeNo: 40},
	)
	bet := &model.Bet{Amount: 30, Outcome: model.OutcomeNo, Shares: 40}
	if got := Payout(m, bet, model.OutcomeYes); got != 0 {
		t.Errorf("losing bet should pay zero, got %v", got)
	}
}

func TestPayout_CancelRefundsProportionally(t *testing.T) {
	m := dpmMarket(
		map[string]float64{model.OutcomeYes: 60, model.OutcomeNo: 40},
		shares(80, 50),
		map[string]float64{model.OutcomeYes: 60, model.OutcomeNo: 40},
	)
	bet := &model.Bet{Amount: 25, Outcome: model.OutcomeYes, Shares: 30}

	// 25 of 100 total stake claims 25 of the 100 mana pool.
	approx(t, Payout(m, bet, model.OutcomeCancel), 25, 1e-9, "cancel refund")
}

func TestPayout_MktWeightsByResolutionProbability(t *testing.T) {
	p := 0.8
	m := dpmMarket(
		map[string]float64{model.OutcomeYes: 50, model.OutcomeNo: 50},
		shares(60, 60),
		map[string]float64{model.OutcomeYes: 50, model.OutcomeNo: 50},
	)
	m.ResolutionProbability = &p

	yesBet := &model.Bet{Amount: 10, Outcome: model.OutcomeYes, Shares: 12}
	noBet := &model.Bet{Amount: 10, Outcome: model.OutcomeNo, Shares: 12}
	if Payout(m, yesBet, model.OutcomeMkt) <= Payout(m, noBet, model.OutcomeMkt) {
		t.Error("at prob 0.8 a YES bet should pay more than an equal NO bet")
	}
}

// --- Fees ---

func TestDeductFees_OnlyOnProfit(t *testing.T) {
	if got := DeductFees(20, 15); got != 15 {
		t.Errorf("losing winnings should pass through untouched, got %v", got)
	}
	want := 20 + (1-fees.DPMFees)*10
	approx(t, DeductFees(20, 30), want, 1e-12, "fee on profit")
}

// --- Initial pool ---

func TestInitialPool_MatchesInitialProbability(t *testing.T) {
	pool, totals, bets := InitialPool(0.3, 100)
	approx(t, Probability(totals), 0.3, 1e-9, "implied probability")
	approx(t, pool[model.OutcomeYes]+pool[model.OutcomeNo], 100, 1e-9, "pool holds the ante")
	approx(t, bets[model.OutcomeYes], 30, 1e-9, "yes stake")
	approx(t, bets[model.OutcomeNo], 70, 1e-9, "no stake")
}

// --- Sales ---

func TestSaleAmount_NeverExceedsPool(t *testing.T) {
	m := dpmMarket(
		map[string]float64{model.OutcomeYes: 30, model.OutcomeNo: 20},
		shares(40, 30),
		map[string]float64{model.OutcomeYes: 30, model.OutcomeNo: 20},
	)
	bet := &model.Bet{Amount: 30, Outcome: model.OutcomeYes, Shares: 40}
	if got := SaleAmount(m, bet); got > m.Pool[model.OutcomeYes]+1e-9 {
		t.Errorf("sale %v exceeds the outcome pool %v", got, m.Pool[model.OutcomeYes])
	}
}
