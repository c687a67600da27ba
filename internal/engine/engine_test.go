package engine_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/manacore/market-engine/internal/cpmm"
	"github.com/manacore/market-engine/internal/engine"
	"github.com/manacore/market-engine/internal/model"
	"github.com/manacore/market-engine/internal/store"
)

func newTestEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return engine.New(ms, opts...), ms
}

func seedUser(t *testing.T, ms *store.MemoryStore, id string, balance float64) {
	t.Helper()
	err := ms.CreateUser(context.Background(), &model.User{
		ID: id, Name: id, Balance: balance, TotalDeposits: balance, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
}

func balance(t *testing.T, ms *store.MemoryStore, id string) float64 {
	t.Helper()
	u, err := ms.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("get user %s: %v", id, err)
	}
	return u.Balance
}

func createCpmmMarket(t *testing.T, eng *engine.Engine, creator string, prob, ante float64) *model.Market {
	t.Helper()
	m, _, err := eng.CreateMarket(context.Background(), engine.CreateMarketRequest{
		CreatorID:   creator,
		Question:    "Will it happen?",
		OutcomeType: model.OutcomeTypeBinary,
		Mechanism:   model.MechanismCPMM,
		InitialProb: prob,
		Ante:        ante,
	})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	return m
}

func createDpmMarket(t *testing.T, eng *engine.Engine, creator string, prob, ante float64) *model.Market {
	t.Helper()
	m, _, err := eng.CreateMarket(context.Background(), engine.CreateMarketRequest{
		CreatorID:   creator,
		Question:    "Which way?",
		OutcomeType: model.OutcomeTypeBinary,
		Mechanism:   model.MechanismDPM,
		InitialProb: prob,
		Ante:        ante,
	})
	if err != nil {
		t.Fatalf("create dpm market: %v", err)
	}
	return m
}

func placeBet(t *testing.T, eng *engine.Engine, userID, marketID, outcome string, amount float64) *model.Bet {
	t.Helper()
	bet, _, err := eng.PlaceBet(context.Background(), engine.PlaceBetRequest{
		UserID: userID, MarketID: marketID, Amount: amount, Outcome: outcome,
	})
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}
	return bet
}

// --- Market creation ---

func TestCreateMarket_CpmmSeedsPoolAndCharges(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedUser(t, ms, "alice", 1000)

	m := createCpmmMarket(t, eng, "alice", 0.5, 100)

	if m.Pool[model.OutcomeYes] != 100 || m.Pool[model.OutcomeNo] != 100 {
		t.Errorf("expected a 100/100 pool, got %v", m.Pool)
	}
	if m.P != 0.5 {
		t.Errorf("expected p=0.5, got %v", m.P)
	}
	if got := balance(t, ms, "alice"); got != 900 {
		t.Errorf("creator should be charged the ante, balance %v", got)
	}

	liquidity, _ := ms.ListLiquidity(context.Background(), m.ID)
	if len(liquidity) != 1 || liquidity[0].UserID != "alice" || liquidity[0].Amount != 100 {
		t.Errorf("expected the ante as the creator's provision, got %+v", liquidity)
	}
}

func TestCreateMarket_InsufficientBalance(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedUser(t, ms, "alice", 50)

	_, _, err := eng.CreateMarket(context.Background(), engine.CreateMarketRequest{
		CreatorID: "alice", Question: "q", OutcomeType: model.OutcomeTypeBinary,
		Mechanism: model.MechanismCPMM, InitialProb: 0.5, Ante: 100,
	})
	if !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

// --- Market orders ---

func TestPlaceBet_MarketOrder(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedUser(t, ms, "alice", 1000)
	seedUser(t, ms, "bob", 1000)
	m := createCpmmMarket(t, eng, "alice", 0.5, 100)

	bet := placeBet(t, eng, "bob", m.ID, model.OutcomeYes, 10)

	if !bet.IsFilled {
		t.Error("a market order should fill completely")
	}
	if bet.Shares <= 10 {
		t.Errorf("expected more than 10 shares at prob 0.5, got %v", bet.Shares)
	}
	if bet.ProbAfter <= bet.ProbBefore {
		t.Errorf("buying YES should raise the price: %v -> %v", bet.ProbBefore, bet.ProbAfter)
	}
	if got := balance(t, ms, "bob"); got != 990 {
		t.Errorf("expected balance 990, got %v", got)
	}

	fresh, _ := ms.GetMarket(context.Background(), m.ID)
	if fresh.Volume != 10 {
		t.Errorf("expected volume 10, got %v", fresh.Volume)
	}
	if fresh.CollectedFees.Creator <= 0 {
		t.Error("the trade should accrue a creator fee")
	}
}

func TestPlaceBet_ClosedMarket(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedUser(t, ms, "alice", 1000)
	seedUser(t, ms, "bob", 1000)

	past := time.Now().Add(-time.Hour)
	m, _, err := eng.CreateMarket(context.Background(), engine.CreateMarketRequest{
		CreatorID: "alice", Question: "q", OutcomeType: model.OutcomeTypeBinary,
		Mechanism: model.MechanismCPMM, InitialProb: 0.5, Ante: 100, CloseTime: &past,
	})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}

	_, _, err = eng.PlaceBet(context.Background(), engine.PlaceBetRequest{
		UserID: "bob", MarketID: m.ID, Amount: 10, Outcome: model.OutcomeYes,
	})
	if !errors.Is(err, model.ErrMarketClosed) {
		t.Fatalf("expected ErrMarketClosed, got %v", err)
	}
}

func TestPlaceBet_InsufficientBalance(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedUser(t, ms, "alice", 1000)
	seedUser(t, ms, "bob", 5)
	m := createCpmmMarket(t, eng, "alice", 0.5, 100)

	_, _, err := eng.PlaceBet(context.Background(), engine.PlaceBetRequest{
		UserID: "bob", MarketID: m.ID, Amount: 10, Outcome: model.OutcomeYes,
	})
	if !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

// --- Limit orders ---

func TestPlaceBet_LimitRestsThenMatches(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedUser(t, ms, "alice", 1000)
	seedUser(t, ms, "bob", 1000)
	seedUser(t, ms, "carol", 1000)
	m := createCpmmMarket(t, eng, "alice", 0.5, 100)

	// Bob bids YES at 0.4 while the market sits at 0.5: nothing fills.
	limit := 0.4
	rested, _, err := eng.PlaceBet(context.Background(), engine.PlaceBetRequest{
		UserID: "bob", MarketID: m.ID, Amount: 20, Outcome: model.OutcomeYes, LimitProb: &limit,
	})
	if err != nil {
		t.Fatalf("place limit bet: %v", err)
	}
	if rested.IsFilled || rested.Amount != 0 {
		t.Fatalf("limit bet past the price should rest unfilled, got %+v", rested)
	}
	if got := balance(t, ms, "bob"); got != 1000 {
		t.Errorf("resting order must not charge the maker, balance %v", got)
	}

	// Carol sells the market down through 0.4; bob's order fills on the way.
	placeBet(t, eng, "carol", m.ID, model.OutcomeNo, 60)

	filled, err := ms.GetBet(context.Background(), rested.ID)
	if err != nil {
		t.Fatalf("get bet: %v", err)
	}
	if !filled.IsFilled {
		t.Fatalf("expected the resting order filled, got %+v", filled)
	}
	if math.Abs(filled.Amount-20) > 1e-6 {
		t.Errorf("expected the full 20 mana filled, got %v", filled.Amount)
	}
	if math.Abs(filled.Shares-50) > 1e-6 {
		t.Errorf("20 mana at price 0.4 buys 50 shares, got %v", filled.Shares)
	}
	if got := balance(t, ms, "bob"); math.Abs(got-980) > 1e-6 {
		t.Errorf("maker pays as the order fills, balance %v", got)
	}
}

func TestCancelLimitOrder(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedUser(t, ms, "alice", 1000)
	seedUser(t, ms, "bob", 1000)
	m := createCpmmMarket(t, eng, "alice", 0.5, 100)

	limit := 0.3
	rested, _, err := eng.PlaceBet(context.Background(), engine.PlaceBetRequest{
		UserID: "bob", MarketID: m.ID, Amount: 20, Outcome: model.OutcomeYes, LimitProb: &limit,
	})
	if err != nil {
		t.Fatalf("place limit bet: %v", err)
	}

	if _, _, err := eng.CancelLimitOrder(context.Background(), "carol", rested.ID); !errors.Is(err, model.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for a stranger, got %v", err)
	}

	cancelled, _, err := eng.CancelLimitOrder(context.Background(), "bob", rested.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelled.IsCancelled {
		t.Error("expected the order cancelled")
	}

	snap, _ := ms.Snapshot(context.Background(), m.ID)
	if len(snap.UnfilledBets) != 0 {
		t.Errorf("cancelled order must leave the book, got %+v", snap.UnfilledBets)
	}
}

func TestCancelLimitOrder_NotOpen(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedUser(t, ms, "alice", 1000)
	seedUser(t, ms, "bob", 1000)
	m := createCpmmMarket(t, eng, "alice", 0.5, 100)

	limit := 0.3
	rested, _, err := eng.PlaceBet(context.Background(), engine.PlaceBetRequest{
		UserID: "bob", MarketID: m.ID, Amount: 20, Outcome: model.OutcomeYes, LimitProb: &limit,
	})
	if err != nil {
		t.Fatalf("place limit bet: %v", err)
	}
	if _, _, err := eng.CancelLimitOrder(context.Background(), "bob", rested.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, _, err := eng.CancelLimitOrder(context.Background(), "bob", rested.ID); !errors.Is(err, model.ErrOrderNotOpen) {
		t.Fatalf("expected ErrOrderNotOpen on a second cancel, got %v", err)
	}

	filled := placeBet(t, eng, "bob", m.ID, model.OutcomeYes, 10)
	if _, _, err := eng.CancelLimitOrder(context.Background(), "bob", filled.ID); !errors.Is(err, model.ErrOrderNotOpen) {
		t.Fatalf("expected ErrOrderNotOpen for a filled bet, got %v", err)
	}
}

// --- Redemption ---

func TestRedeemShares_PairsPayOneManaEach(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedUser(t, ms, "alice", 1000)
	seedUser(t, ms, "bob", 1000)
	m := createCpmmMarket(t, eng, "alice", 0.5, 300)

	yes := placeBet(t, eng, "bob", m.ID, model.OutcomeYes, 10)
	no := placeBet(t, eng, "bob", m.ID, model.OutcomeNo, 10)

	// The post-bet sweep already redeemed the matched pairs.
	matched := math.Min(yes.Shares, no.Shares)
	want := 1000 - 20 + matched
	if got := balance(t, ms, "bob"); math.Abs(got-want) > 1e-6 {
		t.Errorf("expected balance %v after redemption, got %v", want, got)
	}

	// A second redemption is a no-op.
	net, _, err := eng.RedeemShares(context.Background(), "bob", m.ID)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if net != 0 {
		t.Errorf("expected nothing left to redeem, got %v", net)
	}

	bets, _ := ms.ListUserBets(context.Background(), "bob")
	var legs int
	for _, b := range bets {
		if b.IsRedemption {
			legs++
			if b.ProbBefore != b.ProbAfter {
				t.Error("redemption legs must not move the price")
			}
		}
	}
	if legs != 2 {
		t.Errorf("expected one redemption pair, got %d legs", legs)
	}
}

// --- Loans ---

func TestLoans_RepaidOnRedemption(t *testing.T) {
	half := func(_ *model.User, _ *model.Market, amount float64) float64 { return amount / 2 }
	eng, ms := newTestEngine(t, engine.WithLoanPolicy(half))
	seedUser(t, ms, "alice", 1000)
	seedUser(t, ms, "bob", 1000)
	m := createCpmmMarket(t, eng, "alice", 0.5, 300)

	yes := placeBet(t, eng, "bob", m.ID, model.OutcomeYes, 10)
	no := placeBet(t, eng, "bob", m.ID, model.OutcomeNo, 10)

	// Bob was charged half of each bet; redemption repays the 10 mana of
	// outstanding loans before paying him.
	matched := math.Min(yes.Shares, no.Shares)
	want := 1000 - 10 + (matched - 10)
	if got := balance(t, ms, "bob"); math.Abs(got-want) > 1e-6 {
		t.Errorf("expected balance %v with loans repaid, got %v", want, got)
	}
}

// --- Selling ---

func TestSellShares_RoundTripNeverProfits(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedUser(t, ms, "alice", 1000)
	seedUser(t, ms, "bob", 1000)
	m := createCpmmMarket(t, eng, "alice", 0.5, 300)

	placeBet(t, eng, "bob", m.ID, model.OutcomeYes, 10)
	sale, _, err := eng.SellShares(context.Background(), engine.SellSharesRequest{
		UserID: "bob", MarketID: m.ID, Outcome: model.OutcomeYes,
	})
	if err != nil {
		t.Fatalf("sell shares: %v", err)
	}
	if -sale.Amount <= 0 {
		t.Errorf("the sale should return mana, got %v", sale.Amount)
	}
	if got := balance(t, ms, "bob"); got > 1000 {
		t.Errorf("an immediate round trip cannot profit, balance %v", got)
	}
}

func TestSellShares_RedeemsSellersRemainingPairs(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedUser(t, ms, "alice", 1000)
	seedUser(t, ms, "dave", 1000)
	m := createCpmmMarket(t, eng, "alice", 0.5, 300)

	// Hand dave positions on both sides without going through the
	// matching path, so no sweep has run yet.
	now := time.Now().UTC()
	err := ms.Commit(context.Background(), &store.Writes{InsertBets: []*model.Bet{
		{ID: "dave-yes", UserID: "dave", MarketID: m.ID, Amount: 10, Outcome: model.OutcomeYes, Shares: 10, IsFilled: true, CreatedAt: now},
		{ID: "dave-no", UserID: "dave", MarketID: m.ID, Amount: 6, Outcome: model.OutcomeNo, Shares: 6, IsFilled: true, CreatedAt: now},
	}})
	if err != nil {
		t.Fatalf("seed bets: %v", err)
	}

	shares := 2.0
	sale, _, err := eng.SellShares(context.Background(), engine.SellSharesRequest{
		UserID: "dave", MarketID: m.ID, Outcome: model.OutcomeYes, Shares: &shares,
	})
	if err != nil {
		t.Fatalf("sell shares: %v", err)
	}

	// 8 YES against 6 NO remain after the sale, so the seller's own
	// sweep redeems 6 pairs at one mana each.
	bets, _ := ms.ListUserBets(context.Background(), "dave")
	var redemptions int
	held := map[string]float64{}
	for _, b := range bets {
		if b.IsRedemption {
			redemptions++
		}
		held[b.Outcome] += b.Shares
	}
	if redemptions != 2 {
		t.Fatalf("expected the seller's pairs swept in two legs, got %d", redemptions)
	}
	if math.Abs(held[model.OutcomeYes]-2) > 1e-6 || math.Abs(held[model.OutcomeNo]) > 1e-6 {
		t.Errorf("expected 2 YES / 0 NO after sale and sweep, got %v", held)
	}
	want := 1000 - sale.Amount + 6
	if got := balance(t, ms, "dave"); math.Abs(got-want) > 1e-6 {
		t.Errorf("expected sale proceeds plus redeemed mana: want %v, got %v", want, got)
	}
}

func TestSellShares_MoreThanHeld(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedUser(t, ms, "alice", 1000)
	seedUser(t, ms, "bob", 1000)
	m := createCpmmMarket(t, eng, "alice", 0.5, 300)

	placeBet(t, eng, "bob", m.ID, model.OutcomeYes, 10)
	tooMany := 500.0
	_, _, err := eng.SellShares(context.Background(), engine.SellSharesRequest{
		UserID: "bob", MarketID: m.ID, Outcome: model.OutcomeYes, Shares: &tooMany,
	})
	if !errors.Is(err, model.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
}

func TestSellBet_Dpm(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedUser(t, ms, "alice", 1000)
	seedUser(t, ms, "bob", 1000)
	m := createDpmMarket(t, eng, "alice", 0.5, 100)

	bet := placeBet(t, eng, "bob", m.ID, model.OutcomeYes, 50)
	sale, _, err := eng.SellBet(context.Background(), "bob", bet.ID)
	if err != nil {
		t.Fatalf("sell bet: %v", err)
	}
	if sale.SaleOf != bet.ID || sale.Shares != -bet.Shares {
		t.Errorf("sale should mirror the original bet, got %+v", sale)
	}

	orig, _ := ms.GetBet(context.Background(), bet.ID)
	if !orig.IsSold {
		t.Error("the original bet should be marked sold")
	}

	if _, _, err := eng.SellBet(context.Background(), "bob", bet.ID); !errors.Is(err, model.ErrAlreadySold) {
		t.Fatalf("expected ErrAlreadySold on a resale, got %v", err)
	}
}

// --- Liquidity ---

func TestLiquidity_AddAndWithdraw(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedUser(t, ms, "alice", 1000)
	seedUser(t, ms, "bob", 1000)
	m := createCpmmMarket(t, eng, "alice", 0.62, 150)

	before, _ := ms.GetMarket(context.Background(), m.ID)
	probBefore := cpmm.Probability(before.Pool, before.P)

	lp, _, err := eng.AddLiquidity(context.Background(), "bob", m.ID, 50)
	if err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	if lp.Amount != 50 {
		t.Errorf("expected a 50 mana provision, got %v", lp.Amount)
	}
	if got := balance(t, ms, "bob"); got != 950 {
		t.Errorf("expected balance 950, got %v", got)
	}

	after, _ := ms.GetMarket(context.Background(), m.ID)
	probAfter := cpmm.Probability(after.Pool, after.P)
	if math.Abs(probAfter-probBefore) > 1e-9 {
		t.Errorf("adding liquidity must not move the price: %v -> %v", probBefore, probAfter)
	}

	w, _, err := eng.WithdrawLiquidity(context.Background(), "bob", m.ID, 20)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if w.Amount != -20 {
		t.Errorf("expected a -20 provision, got %v", w.Amount)
	}
	if got := balance(t, ms, "bob"); got != 970 {
		t.Errorf("expected balance 970, got %v", got)
	}
}

func TestWithdrawLiquidity_BeyondShare(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedUser(t, ms, "alice", 1000)
	seedUser(t, ms, "bob", 1000)
	m := createCpmmMarket(t, eng, "alice", 0.5, 200)

	_, _, err := eng.WithdrawLiquidity(context.Background(), "bob", m.ID, 50)
	if !errors.Is(err, model.ErrInsufficientLiquidity) && !errors.Is(err, model.ErrInvalidAmount) {
		t.Fatalf("a non-provider cannot withdraw, got %v", err)
	}
}

// --- Resolution ---

func TestResolveMarket_YesPaysWinners(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedUser(t, ms, "alice", 1000)
	seedUser(t, ms, "bob", 1000)
	m := createCpmmMarket(t, eng, "alice", 0.5, 100)

	bet := placeBet(t, eng, "bob", m.ID, model.OutcomeYes, 10)

	res, _, err := eng.ResolveMarket(context.Background(), engine.ResolveMarketRequest{
		UserID: "alice", MarketID: m.ID, Outcome: model.OutcomeYes,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Market.IsResolved || res.Market.Resolution != model.OutcomeYes {
		t.Fatalf("market should be frozen resolved YES, got %+v", res.Market)
	}
	if len(res.Failed) != 0 {
		t.Fatalf("no payouts should fail, got %v", res.Failed)
	}

	want := 1000 - 10 + bet.Shares
	if got := balance(t, ms, "bob"); math.Abs(got-want) > 1e-6 {
		t.Errorf("winner should receive one mana per share: want %v, got %v", want, got)
	}

	txns, _ := ms.ListTxns(context.Background(), "bob")
	var payouts int
	for _, tx := range txns {
		if tx.Category == model.TxnCategoryResolutionPayout {
			payouts++
		}
	}
	if payouts != 1 {
		t.Errorf("expected exactly one payout txn, got %d", payouts)
	}
}

func TestResolveMarket_ExactlyOnce(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedUser(t, ms, "alice", 1000)
	m := createCpmmMarket(t, eng, "alice", 0.5, 100)

	req := engine.ResolveMarketRequest{UserID: "alice", MarketID: m.ID, Outcome: model.OutcomeNo}
	if _, _, err := eng.ResolveMarket(context.Background(), req); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, _, err := eng.ResolveMarket(context.Background(), req); !errors.Is(err, model.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestResolveMarket_OnlyCreator(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedUser(t, ms, "alice", 1000)
	seedUser(t, ms, "bob", 1000)
	m := createCpmmMarket(t, eng, "alice", 0.5, 100)

	_, _, err := eng.ResolveMarket(context.Background(), engine.ResolveMarketRequest{
		UserID: "bob", MarketID: m.ID, Outcome: model.OutcomeYes,
	})
	if !errors.Is(err, model.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestResolveMarket_FreezesTrading(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedUser(t, ms, "alice", 1000)
	seedUser(t, ms, "bob", 1000)
	m := createCpmmMarket(t, eng, "alice", 0.5, 100)

	if _, _, err := eng.ResolveMarket(context.Background(), engine.ResolveMarketRequest{
		UserID: "alice", MarketID: m.ID, Outcome: model.OutcomeYes,
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	_, _, err := eng.PlaceBet(context.Background(), engine.PlaceBetRequest{
		UserID: "bob", MarketID: m.ID, Amount: 10, Outcome: model.OutcomeYes,
	})
	if !errors.Is(err, model.ErrMarketClosed) {
		t.Fatalf("expected ErrMarketClosed after resolution, got %v", err)
	}
}

func TestResolveMarket_CancelRefundsStake(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedUser(t, ms, "alice", 1000)
	seedUser(t, ms, "bob", 1000)
	m := createCpmmMarket(t, eng, "alice", 0.5, 100)

	placeBet(t, eng, "bob", m.ID, model.OutcomeYes, 25)

	if _, _, err := eng.ResolveMarket(context.Background(), engine.ResolveMarketRequest{
		UserID: "alice", MarketID: m.ID, Outcome: model.OutcomeCancel,
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if got := balance(t, ms, "bob"); math.Abs(got-1000) > 1e-6 {
		t.Errorf("cancellation should refund the stake, balance %v", got)
	}
}

func TestResolveMarket_LoansSeniorToPayout(t *testing.T) {
	half := func(_ *model.User, _ *model.Market, amount float64) float64 { return amount / 2 }
	eng, ms := newTestEngine(t, engine.WithLoanPolicy(half))
	seedUser(t, ms, "alice", 1000)
	seedUser(t, ms, "bob", 1000)
	m := createCpmmMarket(t, eng, "alice", 0.5, 100)

	bet := placeBet(t, eng, "bob", m.ID, model.OutcomeYes, 10)

	if _, _, err := eng.ResolveMarket(context.Background(), engine.ResolveMarketRequest{
		UserID: "alice", MarketID: m.ID, Outcome: model.OutcomeYes,
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Bob paid 5 up front, borrowed 5, and receives his shares minus the
	// loan repayment.
	want := 1000 - 5 + (bet.Shares - 5)
	if got := balance(t, ms, "bob"); math.Abs(got-want) > 1e-6 {
		t.Errorf("loan must come out before the payout: want %v, got %v", want, got)
	}
}

func TestResolveMarket_Dpm(t *testing.T) {
	eng, ms := newTestEngine(t)
	seedUser(t, ms, "alice", 1000)
	seedUser(t, ms, "bob", 1000)
	m := createDpmMarket(t, eng, "alice", 0.5, 100)

	placeBet(t, eng, "bob", m.ID, model.OutcomeYes, 50)

	res, _, err := eng.ResolveMarket(context.Background(), engine.ResolveMarketRequest{
		UserID: "alice", MarketID: m.ID, Outcome: model.OutcomeYes,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Failed) != 0 {
		t.Fatalf("no payouts should fail, got %v", res.Failed)
	}
	if got := balance(t, ms, "bob"); got <= 1000-50 {
		t.Errorf("a winning bet should pay out, balance %v", got)
	}
}

// --- Concurrent spends ---

// snapshotHookStore fires a callback once after a snapshot read, standing
// in for a writer that lands between the read and the commit.
type snapshotHookStore struct {
	store.Store
	hook func()
}

func (s *snapshotHookStore) Snapshot(ctx context.Context, marketID string) (*store.Snapshot, error) {
	snap, err := s.Store.Snapshot(ctx, marketID)
	if err == nil && s.hook != nil {
		h := s.hook
		s.hook = nil
		h()
	}
	return snap, err
}

func TestPlaceBet_ConcurrentSpendCannotOverdraw(t *testing.T) {
	ms := store.NewMemoryStore()
	setup := engine.New(ms)
	seedUser(t, ms, "alice", 1000)
	seedUser(t, ms, "dave", 100)
	m1 := createCpmmMarket(t, setup, "alice", 0.5, 300)
	m2 := createCpmmMarket(t, setup, "alice", 0.5, 300)

	hooked := &snapshotHookStore{Store: ms}
	eng := engine.New(hooked)
	hooked.hook = func() {
		// Drain dave's balance on another market while the first bet is
		// in flight. The markets are distinct, so the first bet's commit
		// sees no version conflict and only the funds check can stop it.
		placeBet(t, setup, "dave", m2.ID, model.OutcomeYes, 100)
	}

	_, _, err := eng.PlaceBet(context.Background(), engine.PlaceBetRequest{
		UserID: "dave", MarketID: m1.ID, Amount: 100, Outcome: model.OutcomeYes,
	})
	if !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := balance(t, ms, "dave"); got != 0 {
		t.Errorf("a rejected bet must not debit, balance %v", got)
	}
	bets, _ := ms.ListUserBets(context.Background(), "dave")
	if len(bets) != 1 {
		t.Errorf("expected only the concurrent bet recorded, got %d", len(bets))
	}
}

// --- Conservation ---

func totalBalance(t *testing.T, ms *store.MemoryStore, ids ...string) float64 {
	t.Helper()
	sum := 0.0
	for _, id := range ids {
		sum += balance(t, ms, id)
	}
	return sum
}

func TestResolveMarket_ConservesMana(t *testing.T) {
	prob := 0.7
	cases := []struct {
		name    string
		outcome string
		prob    *float64
	}{
		{"yes", model.OutcomeYes, nil},
		{"mkt", model.OutcomeMkt, &prob},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng, ms := newTestEngine(t)
			seedUser(t, ms, "alice", 1000)
			seedUser(t, ms, "bob", 1000)
			seedUser(t, ms, "carol", 1000)
			m := createCpmmMarket(t, eng, "alice", 0.5, 200)

			placeBet(t, eng, "bob", m.ID, model.OutcomeYes, 40)
			placeBet(t, eng, "carol", m.ID, model.OutcomeNo, 25)
			placeBet(t, eng, "bob", m.ID, model.OutcomeYes, 15)

			res, _, err := eng.ResolveMarket(context.Background(), engine.ResolveMarketRequest{
				UserID: "alice", MarketID: m.ID, Outcome: tc.outcome, Probability: tc.prob,
			})
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if len(res.Failed) != 0 {
				t.Fatalf("no payouts should fail, got %v", res.Failed)
			}

			// Trader winnings, the liquidity payout, and the creator's
			// fee together hand back exactly the mana staked.
			got := totalBalance(t, ms, "alice", "bob", "carol")
			if math.Abs(got-3000) > 1e-6 {
				t.Errorf("resolution must conserve mana: total %v, want 3000", got)
			}
		})
	}
}
