// Package events defines the domain events emitted after commits and the
// publishers that carry them out of process. Publishing is best effort:
// an event is advisory, the store is the source of truth.
package events

import (
	"time"

	"github.com/manacore/market-engine/internal/model"
)

// Event is one post-commit domain event, JSON-encoded on the wire.
type Event struct {
	Type      string    `json:"type"`
	MarketID  string    `json:"market_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Bet        *model.Bet         `json:"bet,omitempty"`
	Market     *model.Market      `json:"market,omitempty"`
	Txn        *model.Txn         `json:"txn,omitempty"`
	Prob       *float64           `json:"prob,omitempty"`
	Resolution string             `json:"resolution,omitempty"`
	Payouts    []model.Payout     `json:"payouts,omitempty"`
	Extra      map[string]float64 `json:"extra,omitempty"`
}

// Event types.
const (
	TypeBetPlaced          = "bet_placed"
	TypeBetSold            = "bet_sold"
	TypeSharesRedeemed     = "shares_redeemed"
	TypeOrderCancelled     = "order_cancelled"
	TypeLiquidityAdded     = "liquidity_added"
	TypeLiquidityWithdrawn = "liquidity_withdrawn"
	TypeMarketCreated      = "market_created"
	TypeMarketResolved     = "market_resolved"
	TypeTxnApplied         = "txn_applied"
)

// BetPlaced builds the event for a committed bet.
func BetPlaced(b *model.Bet, prob float64) Event {
	return Event{
		Type:      TypeBetPlaced,
		MarketID:  b.MarketID,
		UserID:    b.UserID,
		Timestamp: time.Now().UTC(),
		Bet:       b,
		Prob:      &prob,
	}
}

// MarketResolved builds the event for a completed resolution.
func MarketResolved(m *model.Market, payouts []model.Payout) Event {
	return Event{
		Type:       TypeMarketResolved,
		MarketID:   m.ID,
		Timestamp:  time.Now().UTC(),
		Market:     m,
		Resolution: m.Resolution,
		Payouts:    payouts,
	}
}

// Publisher carries events out of process.
type Publisher interface {
	Publish(events ...Event)
	Close() error
}

// NopPublisher drops everything. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(...Event) {}
func (NopPublisher) Close() error     { return nil }
