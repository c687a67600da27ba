package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/manacore/market-engine/internal/model"
	"github.com/manacore/market-engine/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()
	for _, u := range []*model.User{
		{ID: "alice", Balance: 100, CreatedAt: time.Now()},
		{ID: "bob", Balance: 0, CreatedAt: time.Now()},
	} {
		if err := ms.CreateUser(ctx, u); err != nil {
			t.Fatalf("create user: %v", err)
		}
	}
	return New(ms), ms
}

// --- Validation ---

func TestValidate_RejectsBadAmounts(t *testing.T) {
	for _, amount := range []float64{0, -5} {
		tx := Entry("alice", model.PartyUser, "bob", model.PartyUser, amount, model.TxnCategoryManalink, nil)
		if err := Validate(tx); !errors.Is(err, model.ErrInvalidAmount) {
			t.Errorf("amount %v: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestValidate_RejectsSelfTransfer(t *testing.T) {
	tx := Entry("alice", model.PartyUser, "alice", model.PartyUser, 10, model.TxnCategoryManalink, nil)
	if err := Validate(tx); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for self transfer, got %v", err)
	}
}

// --- Run ---

func TestRun_TransfersBetweenUsers(t *testing.T) {
	l, ms := newTestLedger(t)
	ctx := context.Background()

	tx := Entry("alice", model.PartyUser, "bob", model.PartyUser, 40, model.TxnCategoryManalink, nil)
	if _, err := l.Run(ctx, tx); err != nil {
		t.Fatalf("run txn: %v", err)
	}

	alice, _ := ms.GetUser(ctx, "alice")
	bob, _ := ms.GetUser(ctx, "bob")
	if alice.Balance != 60 || bob.Balance != 40 {
		t.Errorf("expected 60/40 after transfer, got %v/%v", alice.Balance, bob.Balance)
	}

	txns, _ := ms.ListTxns(ctx, "bob")
	if len(txns) != 1 || txns[0].Category != model.TxnCategoryManalink {
		t.Errorf("expected the manalink txn recorded, got %+v", txns)
	}
}

func TestRun_InsufficientBalance(t *testing.T) {
	l, ms := newTestLedger(t)
	ctx := context.Background()

	tx := Entry("alice", model.PartyUser, "bob", model.PartyUser, 500, model.TxnCategoryManalink, nil)
	if _, err := l.Run(ctx, tx); !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	alice, _ := ms.GetUser(ctx, "alice")
	if alice.Balance != 100 {
		t.Errorf("failed transfer must not move funds, got %v", alice.Balance)
	}
}

func TestRun_BankSkipsBalanceCheck(t *testing.T) {
	l, ms := newTestLedger(t)
	ctx := context.Background()

	tx := Entry("house", model.PartyBank, "bob", model.PartyUser, 1000, model.TxnCategoryUniqueBettorBonus, nil)
	if _, err := l.Run(ctx, tx); err != nil {
		t.Fatalf("bank transfer: %v", err)
	}
	bob, _ := ms.GetUser(ctx, "bob")
	if bob.Balance != 1000 {
		t.Errorf("expected 1000, got %v", bob.Balance)
	}
}

// staleBalanceStore reports an inflated balance from GetUser, standing in
// for a concurrent debit landing after the pre-check reads the sender.
type staleBalanceStore struct {
	store.Store
	reported float64
}

func (s *staleBalanceStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := s.Store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	u.Balance = s.reported
	return u, nil
}

func TestRun_ConcurrentDebitCannotOverdraw(t *testing.T) {
	_, ms := newTestLedger(t)
	ctx := context.Background()

	// alice actually holds 100; the ledger's read sees a stale 500, so
	// only the commit-time floor can stop the transfer.
	l := New(&staleBalanceStore{Store: ms, reported: 500})
	tx := Entry("alice", model.PartyUser, "bob", model.PartyUser, 400, model.TxnCategoryManalink, nil)
	if _, err := l.Run(ctx, tx); !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	alice, _ := ms.GetUser(ctx, "alice")
	if alice.Balance != 100 {
		t.Errorf("a rejected transfer must not debit, balance %v", alice.Balance)
	}
	txns, _ := ms.ListTxns(ctx, "alice")
	if len(txns) != 0 {
		t.Errorf("no txn should be recorded, got %+v", txns)
	}
}
