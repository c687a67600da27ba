package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/manacore/market-engine/internal/cpmm"
	"github.com/manacore/market-engine/internal/events"
	"github.com/manacore/market-engine/internal/model"
	"github.com/manacore/market-engine/internal/store"
)

// AddLiquidity injects amount mana into both sides of a CPMM pool,
// adjusting p so the price does not move, and records the provision.
func (e *Engine) AddLiquidity(ctx context.Context, userID, marketID string, amount float64) (*model.LiquidityProvision, []events.Event, error) {
	if err := validAmount(amount); err != nil {
		return nil, nil, err
	}

	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if user.Balance < amount {
		return nil, nil, fmt.Errorf("balance %v below %v: %w",
			user.Balance, amount, model.ErrInsufficientBalance)
	}

	var provision *model.LiquidityProvision
	err = e.withRetry(ctx, marketID, func(snap *store.Snapshot) (*store.Writes, error) {
		m := snap.Market
		if m.Mechanism != model.MechanismCPMM {
			return nil, fmt.Errorf("market %s: %w", marketID, model.ErrWrongMechanism)
		}
		if !m.IsOpen(e.now()) {
			return nil, fmt.Errorf("market %s: %w", marketID, model.ErrMarketClosed)
		}

		newPool, liquidity, newP, err := cpmm.AddLiquidity(m.Pool, m.P, amount)
		if err != nil {
			return nil, err
		}

		provision = &model.LiquidityProvision{
			ID:        uuid.NewString(),
			UserID:    userID,
			MarketID:  marketID,
			Amount:    amount,
			Pool:      newPool,
			P:         newP,
			Liquidity: liquidity,
			CreatedAt: e.now(),
		}

		updated := *m
		updated.Pool = newPool
		updated.P = newP
		updated.TotalLiquidity += amount

		return &store.Writes{
			MarketID:        marketID,
			ExpectedVersion: m.Version,
			Market:          &updated,
			InsertLiquidity: []model.LiquidityProvision{*provision},
			UserDeltas:      map[string]float64{userID: -amount},
			BalanceFloors:   map[string]float64{userID: 0},
		}, nil
	})
	if err != nil {
		return nil, nil, err
	}

	slog.Info("liquidity added", "market_id", marketID, "user_id", userID, "amount", amount)
	ev := events.Event{
		Type: events.TypeLiquidityAdded, MarketID: marketID, UserID: userID,
		Timestamp: e.now(), Extra: map[string]float64{"amount": amount},
	}
	return provision, []events.Event{ev}, nil
}

// WithdrawLiquidity removes up to the caller's share of the pool,
// bounded by the pool's liquidity floor, and pays the mana back to them.
// A zero amount withdraws the maximum available.
func (e *Engine) WithdrawLiquidity(ctx context.Context, userID, marketID string, amount float64) (*model.LiquidityProvision, []events.Event, error) {
	var provision *model.LiquidityProvision
	err := e.withRetry(ctx, marketID, func(snap *store.Snapshot) (*store.Writes, error) {
		m := snap.Market
		if m.Mechanism != model.MechanismCPMM {
			return nil, fmt.Errorf("market %s: %w", marketID, model.ErrWrongMechanism)
		}
		if m.IsResolved {
			return nil, fmt.Errorf("market %s: %w", marketID, model.ErrAlreadyResolved)
		}

		weight := cpmm.PoolWeights(snap.Liquidity)[userID]
		available := weight * cpmm.MaximumRemovableLiquidity(m.Pool)

		withdrawn := amount
		if withdrawn == 0 {
			withdrawn = available
		}
		if err := validAmount(withdrawn); err != nil {
			return nil, err
		}
		if withdrawn > available+1e-9 {
			return nil, fmt.Errorf("withdraw %v exceeds share %v: %w",
				withdrawn, available, model.ErrInsufficientLiquidity)
		}

		newPool, liquidity, newP, err := cpmm.RemoveLiquidity(m.Pool, m.P, withdrawn)
		if err != nil {
			return nil, err
		}

		provision = &model.LiquidityProvision{
			ID:        uuid.NewString(),
			UserID:    userID,
			MarketID:  marketID,
			Amount:    -withdrawn,
			Pool:      newPool,
			P:         newP,
			Liquidity: liquidity,
			CreatedAt: e.now(),
		}

		updated := *m
		updated.Pool = newPool
		updated.P = newP
		updated.TotalLiquidity = math.Max(0, m.TotalLiquidity-withdrawn)

		return &store.Writes{
			MarketID:        marketID,
			ExpectedVersion: m.Version,
			Market:          &updated,
			InsertLiquidity: []model.LiquidityProvision{*provision},
			UserDeltas:      map[string]float64{userID: withdrawn},
		}, nil
	})
	if err != nil {
		return nil, nil, err
	}

	slog.Info("liquidity withdrawn", "market_id", marketID, "user_id", userID, "amount", -provision.Amount)
	ev := events.Event{
		Type: events.TypeLiquidityWithdrawn, MarketID: marketID, UserID: userID,
		Timestamp: e.now(), Extra: map[string]float64{"amount": -provision.Amount},
	}
	return provision, []events.Event{ev}, nil
}
