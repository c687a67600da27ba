package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/manacore/market-engine/internal/mathutil"
	"github.com/manacore/market-engine/internal/model"
)

// MemoryStore keeps everything in process memory behind one mutex. Used by
// tests and by the server when no DATABASE_URL is configured. All reads
// return copies so callers can mutate freely before Commit.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*model.User
	markets   map[string]*model.Market
	bets      map[string]*model.Bet
	betOrder  []string
	liquidity map[string][]model.LiquidityProvision
	txns      []*model.Txn
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		markets:   make(map[string]*model.Market),
		bets:      make(map[string]*model.Bet),
		liquidity: make(map[string][]model.LiquidityProvision),
	}
}

func copyFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyMarket(m *model.Market) *model.Market {
	cp := *m
	cp.Pool = copyFloatMap(m.Pool)
	cp.TotalShares = copyFloatMap(m.TotalShares)
	cp.TotalBets = copyFloatMap(m.TotalBets)
	cp.Resolutions = copyFloatMap(m.Resolutions)
	cp.Answers = append([]model.Answer(nil), m.Answers...)
	return &cp
}

func copyBet(b *model.Bet) *model.Bet {
	cp := *b
	cp.Fills = append([]model.Fill(nil), b.Fills...)
	return &cp
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, model.ErrAlreadyExists)
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s: %w", m.ID, model.ErrAlreadyExists)
	}
	s.markets[m.ID] = copyMarket(m)
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, model.ErrNotFound)
	}
	return copyMarket(m), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		out = append(out, copyMarket(m))
	}
	return out, nil
}

func (s *MemoryStore) GetBet(_ context.Context, id string) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bets[id]
	if !ok {
		return nil, fmt.Errorf("bet %s: %w", id, model.ErrNotFound)
	}
	return copyBet(b), nil
}

func (s *MemoryStore) ListBets(_ context.Context, marketID string) ([]*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Bet
	for _, id := range s.betOrder {
		if b := s.bets[id]; b.MarketID == marketID {
			out = append(out, copyBet(b))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListUserBets(_ context.Context, userID string) ([]*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Bet
	for _, id := range s.betOrder {
		if b := s.bets[id]; b.UserID == userID {
			out = append(out, copyBet(b))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListLiquidity(_ context.Context, marketID string) ([]model.LiquidityProvision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.LiquidityProvision(nil), s.liquidity[marketID]...), nil
}

func (s *MemoryStore) ListTxns(_ context.Context, userID string) ([]*model.Txn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Txn
	for _, t := range s.txns {
		if t.FromID == userID || t.ToID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Snapshot(_ context.Context, marketID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[marketID]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", marketID, model.ErrNotFound)
	}

	snap := &Snapshot{
		Market:          copyMarket(m),
		BalanceByUserID: make(map[string]float64),
		Liquidity:       append([]model.LiquidityProvision(nil), s.liquidity[marketID]...),
	}
	for _, id := range s.betOrder {
		b := s.bets[id]
		if b.MarketID != marketID || !b.IsOpenLimitOrder() {
			continue
		}
		snap.UnfilledBets = append(snap.UnfilledBets, copyBet(b))
		if u, ok := s.users[b.UserID]; ok {
			snap.BalanceByUserID[b.UserID] = u.Balance
		}
	}
	return snap, nil
}

func (s *MemoryStore) Commit(_ context.Context, w *Writes) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// An empty MarketID is a pure ledger write with no market gate.
	if w.MarketID != "" {
		m, ok := s.markets[w.MarketID]
		if !ok {
			return fmt.Errorf("market %s: %w", w.MarketID, model.ErrNotFound)
		}
		if m.Version != w.ExpectedVersion {
			return fmt.Errorf("market %s: expected version %d, have %d: %w",
				w.MarketID, w.ExpectedVersion, m.Version, model.ErrVersionConflict)
		}
	}

	// Validate balance floors before any write lands so a rejected batch
	// leaves no partial state.
	for userID, floor := range w.BalanceFloors {
		u, ok := s.users[userID]
		if !ok {
			return fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
		}
		if u.Balance+w.UserDeltas[userID] < floor-mathutil.Epsilon {
			return fmt.Errorf("user %s: balance %v after delta %v breaches floor %v: %w",
				userID, u.Balance, w.UserDeltas[userID], floor, model.ErrInsufficientBalance)
		}
	}

	if w.MarketID != "" {
		m := s.markets[w.MarketID]
		if w.Market != nil {
			cp := copyMarket(w.Market)
			cp.Version = m.Version + 1
			s.markets[w.MarketID] = cp
		} else {
			m.Version++
		}
	}

	for _, b := range w.InsertBets {
		if _, ok := s.bets[b.ID]; !ok {
			s.betOrder = append(s.betOrder, b.ID)
		}
		s.bets[b.ID] = copyBet(b)
	}
	for _, b := range w.UpdateBets {
		if _, ok := s.bets[b.ID]; !ok {
			return fmt.Errorf("bet %s: %w", b.ID, model.ErrNotFound)
		}
		s.bets[b.ID] = copyBet(b)
	}

	s.liquidity[w.MarketID] = append(s.liquidity[w.MarketID], w.InsertLiquidity...)

	if len(w.InsertAnswers) > 0 {
		mk := s.markets[w.MarketID]
		mk.Answers = append(mk.Answers, w.InsertAnswers...)
	}

	for userID, delta := range w.UserDeltas {
		u, ok := s.users[userID]
		if !ok {
			return fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
		}
		u.Balance += delta
		u.Version++
	}
	for userID, delta := range w.DepositDeltas {
		u, ok := s.users[userID]
		if !ok {
			return fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
		}
		u.TotalDeposits += delta
	}

	for _, t := range w.InsertTxns {
		cp := *t
		s.txns = append(s.txns, &cp)
	}
	return nil
}

func (s *MemoryStore) Close() {}
