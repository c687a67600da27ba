package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/manacore/market-engine/internal/model"
)

// cacheTTL bounds staleness for read-heavy endpoints. Invalidation on
// Commit keeps the common case fresh; the TTL covers missed invalidations.
const cacheTTL = 30 * time.Second

// CachedStore wraps a Store with a Redis read-through cache for market and
// bet reads, which dominate traffic. All writes pass straight through and
// invalidate the touched keys. Cache errors are swallowed: Redis being
// down degrades to the underlying store, never to a request failure.
type CachedStore struct {
	Store
	rdb *redis.Client
}

// NewCachedStore wraps inner with a Redis cache.
func NewCachedStore(inner Store, rdb *redis.Client) *CachedStore {
	return &CachedStore{Store: inner, rdb: rdb}
}

func marketKey(id string) string     { return "market:" + id }
func marketBetsKey(id string) string { return "market:" + id + ":bets" }

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	if raw, err := s.rdb.Get(ctx, marketKey(id)).Bytes(); err == nil {
		var m model.Market
		if json.Unmarshal(raw, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.Store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(id), raw, cacheTTL)
	}
	return m, nil
}

func (s *CachedStore) ListBets(ctx context.Context, marketID string) ([]*model.Bet, error) {
	if raw, err := s.rdb.Get(ctx, marketBetsKey(marketID)).Bytes(); err == nil {
		var bets []*model.Bet
		if json.Unmarshal(raw, &bets) == nil {
			return bets, nil
		}
	}

	bets, err := s.Store.ListBets(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(bets); err == nil {
		s.rdb.Set(ctx, marketBetsKey(marketID), raw, cacheTTL)
	}
	return bets, nil
}

func (s *CachedStore) invalidate(ctx context.Context, marketID string) {
	s.rdb.Del(ctx, marketKey(marketID), marketBetsKey(marketID))
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.Store.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.invalidate(ctx, m.ID)
	return nil
}

// Snapshot always reads through to the source of truth: the version token
// must reflect committed state, never a cached copy.
func (s *CachedStore) Snapshot(ctx context.Context, marketID string) (*Snapshot, error) {
	return s.Store.Snapshot(ctx, marketID)
}

func (s *CachedStore) Commit(ctx context.Context, w *Writes) error {
	if err := s.Store.Commit(ctx, w); err != nil {
		return err
	}
	if w.MarketID != "" {
		s.invalidate(ctx, w.MarketID)
	}
	return nil
}

func (s *CachedStore) Close() {
	s.rdb.Close()
	s.Store.Close()
}
