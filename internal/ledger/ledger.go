// Package ledger validates and applies mana transactions. Every balance
// change in the system is justified by exactly one Txn row committed in
// the same atomic write as the balance delta it describes.
package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/manacore/market-engine/internal/model"
	"github.com/manacore/market-engine/internal/store"
)

// Ledger executes standalone transfers and builds ledger entries for
// market commits.
type Ledger struct {
	store store.Store
}

// New returns a Ledger backed by s.
func New(s store.Store) *Ledger {
	return &Ledger{store: s}
}

// Validate checks a transaction's invariants: positive finite amount, the
// mana token, and distinct parties.
func Validate(t *model.Txn) error {
	if t.Amount <= 0 || math.IsNaN(t.Amount) || math.IsInf(t.Amount, 0) {
		return fmt.Errorf("txn amount %v: %w", t.Amount, model.ErrInvalidAmount)
	}
	if t.Token != model.TokenMana {
		return fmt.Errorf("txn token %q: %w", t.Token, model.ErrInvalidAmount)
	}
	if t.Category == "" {
		return fmt.Errorf("txn category empty: %w", model.ErrInvalidAmount)
	}
	if t.FromType == t.ToType && t.FromID == t.ToID {
		return fmt.Errorf("txn from self: %w", model.ErrInvalidAmount)
	}
	return nil
}

// Entry builds a Txn with an id and timestamp filled in.
func Entry(fromID string, fromType model.PartyType, toID string, toType model.PartyType, amount float64, category string, data map[string]any) *model.Txn {
	return &model.Txn{
		ID:        uuid.NewString(),
		FromID:    fromID,
		FromType:  fromType,
		ToID:      toID,
		ToType:    toType,
		Amount:    amount,
		Token:     model.TokenMana,
		Category:  category,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

// Apply validates t and folds it into an in-progress write batch:
// the Txn row plus balance deltas for each USER party. A deposit-flagged
// txn also moves the amount into the recipient's total deposits.
func Apply(w *store.Writes, t *model.Txn, deposit bool) error {
	if err := Validate(t); err != nil {
		return err
	}
	if w.UserDeltas == nil {
		w.UserDeltas = make(map[string]float64)
	}
	if t.FromType == model.PartyUser {
		w.UserDeltas[t.FromID] -= t.Amount
	}
	if t.ToType == model.PartyUser {
		w.UserDeltas[t.ToID] += t.Amount
		if deposit {
			if w.DepositDeltas == nil {
				w.DepositDeltas = make(map[string]float64)
			}
			w.DepositDeltas[t.ToID] += t.Amount
		}
	}
	w.InsertTxns = append(w.InsertTxns, t)
	return nil
}

// Run executes a standalone transfer atomically: validate, check the
// sender's funds, and commit the txn with both balance deltas. Transfers
// from the bank are not balance-checked.
func (l *Ledger) Run(ctx context.Context, t *model.Txn) (*model.Txn, error) {
	if err := Validate(t); err != nil {
		return nil, err
	}

	if t.FromType == model.PartyUser {
		from, err := l.store.GetUser(ctx, t.FromID)
		if err != nil {
			return nil, err
		}
		if from.Balance < t.Amount {
			return nil, fmt.Errorf("balance %v below %v: %w",
				from.Balance, t.Amount, model.ErrInsufficientBalance)
		}
	}
	if t.ToType == model.PartyUser {
		if _, err := l.store.GetUser(ctx, t.ToID); err != nil {
			return nil, err
		}
	}

	w := &store.Writes{}
	if err := Apply(w, t, false); err != nil {
		return nil, err
	}
	if t.FromType == model.PartyUser {
		// Re-checked inside the commit so a concurrent spend cannot slip
		// between the read above and the debit.
		w.BalanceFloors = map[string]float64{t.FromID: 0}
	}
	if err := l.store.Commit(ctx, w); err != nil {
		return nil, err
	}
	return t, nil
}
