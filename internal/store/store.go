// Package store provides persistence for markets, users, bets, liquidity,
// and the mana ledger. Three implementations share one interface: an
// in-memory store for tests and standalone runs, a Postgres store for
// production, and a Redis read-through cache wrapping either.
//
// Writes that must be atomic with respect to a market go through
// Snapshot/Commit. Snapshot returns the market with a version token;
// Commit applies a batch of writes only if the market version is
// unchanged, returning model.ErrVersionConflict otherwise. Callers retry
// on conflict with a fresh snapshot.
package store

import (
	"context"

	"github.com/manacore/market-engine/internal/model"
)

// Snapshot is a consistent read of everything a trade or resolution needs
// to decide: the market (carrying its version token), its open limit
// orders, the balances backing them, and its liquidity provisions.
type Snapshot struct {
	Market          *model.Market
	UnfilledBets    []*model.Bet
	BalanceByUserID map[string]float64
	Liquidity       []model.LiquidityProvision
}

// Writes is one atomic batch gated on the market's version. UserDeltas are
// applied as increments so concurrent commits touching the same user on
// different markets compose without a per-user version check.
type Writes struct {
	MarketID        string
	ExpectedVersion int64

	// Market, when set, replaces the market row (version bumped by the
	// store on success).
	Market *model.Market

	InsertBets []*model.Bet
	UpdateBets []*model.Bet

	InsertLiquidity []model.LiquidityProvision
	InsertAnswers   []model.Answer

	// UserDeltas adjusts balances; DepositDeltas adjusts total deposits.
	UserDeltas    map[string]float64
	DepositDeltas map[string]float64

	// BalanceFloors lists users whose balance, after UserDeltas apply,
	// must stay at or above the given floor; Commit rejects the whole
	// batch with model.ErrInsufficientBalance otherwise. Spending paths
	// set a zero floor so the funds check holds inside the same atomic
	// commit that debits the user. Resolution loan repayments set none:
	// loans permit transient negative positions.
	BalanceFloors map[string]float64

	InsertTxns []*model.Txn
}

// Store is the persistence interface used by the engine and the HTTP
// layer.
type Store interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)

	CreateMarket(ctx context.Context, m *model.Market) error
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]*model.Market, error)

	GetBet(ctx context.Context, id string) (*model.Bet, error)
	ListBets(ctx context.Context, marketID string) ([]*model.Bet, error)
	ListUserBets(ctx context.Context, userID string) ([]*model.Bet, error)

	ListLiquidity(ctx context.Context, marketID string) ([]model.LiquidityProvision, error)
	ListTxns(ctx context.Context, userID string) ([]*model.Txn, error)

	Snapshot(ctx context.Context, marketID string) (*Snapshot, error)
	Commit(ctx context.Context, w *Writes) error

	Close()
}
