// Package model defines the core domain types shared across the market
// engine. All monetary values are mana expressed as float64; comparisons
// that decide correctness go through internal/mathutil, never raw ==.
package model

import (
	"time"

	"github.com/manacore/market-engine/internal/fees"
)

// Mechanism identifies the pricing rule governing a market's pool.
type Mechanism string

const (
	// MechanismCPMM is the constant-product market maker (binary markets).
	MechanismCPMM Mechanism = "cpmm-1"

	// MechanismDPM is the dynamic parimutuel market (free-response,
	// multiple-choice, and numeric markets, plus legacy binary).
	MechanismDPM Mechanism = "dpm-2"
)

// OutcomeType identifies what kind of question a market asks.
type OutcomeType string

const (
	OutcomeTypeBinary         OutcomeType = "BINARY"
	OutcomeTypeFreeResponse   OutcomeType = "FREE_RESPONSE"
	OutcomeTypeMultipleChoice OutcomeType = "MULTIPLE_CHOICE"
	OutcomeTypeNumeric        OutcomeType = "NUMERIC"
)

// Reserved outcome values. Answer ids serve as outcomes on
// free-response/numeric markets.
const (
	OutcomeYes    = "YES"
	OutcomeNo     = "NO"
	OutcomeCancel = "CANCEL"
	OutcomeMkt    = "MKT"
)

// CPMMMinPoolQty is the liquidity floor: no trade or withdrawal may leave
// either side of a CPMM pool below this quantity.
const CPMMMinPoolQty = 0.01

// Answer is one choice on a free-response or multiple-choice market.
type Answer struct {
	ID        string    `json:"id" db:"id"`
	MarketID  string    `json:"market_id" db:"market_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Text      string    `json:"text" db:"text"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Market is one question with a pool of outcome shares. The pool, aggregate
// fields, and resolution fields are the only mutable state; everything else
// is fixed at creation. Pool quantities are always non-negative, and once
// IsResolved is set the market is immutable.
type Market struct {
	ID        string      `json:"id" db:"id"`
	CreatorID string      `json:"creator_id" db:"creator_id"`
	Question  string      `json:"question" db:"question"`
	Outcome   OutcomeType `json:"outcome_type" db:"outcome_type"`
	Mechanism Mechanism   `json:"mechanism" db:"mechanism"`

	// Pool maps outcome to share quantity held by the market maker.
	Pool map[string]float64 `json:"pool" db:"pool"`

	// P is the CPMM probability parameter; unused for DPM.
	P float64 `json:"p,omitempty" db:"p"`

	// TotalShares and TotalBets are DPM aggregates; unused for CPMM.
	TotalShares map[string]float64 `json:"total_shares,omitempty" db:"total_shares"`
	TotalBets   map[string]float64 `json:"total_bets,omitempty" db:"total_bets"`

	Answers []Answer `json:"answers,omitempty" db:"-"`

	TotalLiquidity float64   `json:"total_liquidity" db:"total_liquidity"`
	Volume         float64   `json:"volume" db:"volume"`
	CollectedFees  fees.Fees `json:"collected_fees" db:"collected_fees"`

	CloseTime *time.Time `json:"close_time,omitempty" db:"close_time"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`

	IsResolved            bool               `json:"is_resolved" db:"is_resolved"`
	Resolution            string             `json:"resolution,omitempty" db:"resolution"`
	ResolutionProbability *float64           `json:"resolution_probability,omitempty" db:"resolution_probability"`
	Resolutions           map[string]float64 `json:"resolutions,omitempty" db:"resolutions"`
	ResolutionTime        *time.Time         `json:"resolution_time,omitempty" db:"resolution_time"`

	// Version is the optimistic-concurrency token; every committed write
	// to this market increments it.
	Version int64 `json:"-" db:"version"`
}

// IsOpen reports whether the market accepts trades at t.
func (m *Market) IsOpen(t time.Time) bool {
	if m.IsResolved {
		return false
	}
	if m.CloseTime != nil && t.After(*m.CloseTime) {
		return false
	}
	return true
}

// HasAnswer reports whether id names an existing answer on this market.
func (m *Market) HasAnswer(id string) bool {
	for _, a := range m.Answers {
		if a.ID == id {
			return true
		}
	}
	return false
}

// Fill records one partial execution of a bet: against the pool when
// MatchedBetID is empty, otherwise against the resting order it names.
type Fill struct {
	MatchedBetID string    `json:"matched_bet_id,omitempty"`
	Amount       float64   `json:"amount"`
	Shares       float64   `json:"shares"`
	Timestamp    time.Time `json:"timestamp"`
}

// Bet is an immutable trade event owned by one user on one market. Limit
// bets start unfilled and accumulate Fills; IsFilled, IsCancelled, and
// IsSold are the only fields that change after creation, and cancellation
// is terminal. Negative Amount means mana flowed to the user (sell or
// redemption leg).
type Bet struct {
	ID       string `json:"id" db:"id"`
	UserID   string `json:"user_id" db:"user_id"`
	MarketID string `json:"market_id" db:"market_id"`

	Amount     float64   `json:"amount" db:"amount"`
	Outcome    string    `json:"outcome" db:"outcome"`
	Shares     float64   `json:"shares" db:"shares"`
	ProbBefore float64   `json:"prob_before" db:"prob_before"`
	ProbAfter  float64   `json:"prob_after" db:"prob_after"`
	Fees       fees.Fees `json:"fees" db:"fees"`

	// Limit-order fields. LimitProb nil means a market order.
	LimitProb   *float64 `json:"limit_prob,omitempty" db:"limit_prob"`
	OrderAmount float64  `json:"order_amount,omitempty" db:"order_amount"`
	Fills       []Fill   `json:"fills,omitempty" db:"fills"`
	IsFilled    bool     `json:"is_filled" db:"is_filled"`
	IsCancelled bool     `json:"is_cancelled" db:"is_cancelled"`

	IsRedemption bool `json:"is_redemption" db:"is_redemption"`
	IsSold       bool `json:"is_sold" db:"is_sold"`

	// SaleOf links a DPM sale bet to the bet it cancels.
	SaleOf     string  `json:"sale_of,omitempty" db:"sale_of"`
	LoanAmount float64 `json:"loan_amount" db:"loan_amount"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// IsOpenLimitOrder reports whether this bet is a resting order that can
// still be matched.
func (b *Bet) IsOpenLimitOrder() bool {
	return b.LimitProb != nil && !b.IsFilled && !b.IsCancelled
}

// LiquidityProvision records a pool injection (positive Amount) or
// withdrawal (negative Amount) by a user. Immutable once created.
type LiquidityProvision struct {
	ID       string `json:"id" db:"id"`
	UserID   string `json:"user_id" db:"user_id"`
	MarketID string `json:"market_id" db:"market_id"`

	Amount    float64            `json:"amount" db:"amount"`
	Pool      map[string]float64 `json:"pool" db:"pool"`
	P         float64            `json:"p" db:"p"`
	Liquidity float64            `json:"liquidity" db:"liquidity"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PartyType identifies one side of a Txn.
type PartyType string

const (
	PartyUser PartyType = "USER"
	PartyBank PartyType = "BANK"
	// PartyContract is a market's pool acting as counterparty.
	PartyContract PartyType = "CONTRACT"
)

// Txn categories.
const (
	TxnCategoryResolutionPayout        = "CONTRACT_RESOLUTION_PAYOUT"
	TxnCategoryLoanRepayment           = "LOAN_REPAYMENT"
	TxnCategoryManalink                = "MANALINK"
	TxnCategoryUniqueBettorBonus       = "UNIQUE_BETTOR_BONUS"
	TxnCategoryCancelUniqueBettorBonus = "CANCEL_UNIQUE_BETTOR_BONUS"
)

// TokenMana is the platform currency token.
const TokenMana = "M$"

// Txn is an atomic transfer of mana between two parties. Append-only: the
// ledger of Txns is the sole justification for any balance change.
type Txn struct {
	ID       string    `json:"id" db:"id"`
	FromID   string    `json:"from_id" db:"from_id"`
	FromType PartyType `json:"from_type" db:"from_type"`
	ToID     string    `json:"to_id" db:"to_id"`
	ToType   PartyType `json:"to_type" db:"to_type"`

	Amount   float64        `json:"amount" db:"amount"`
	Token    string         `json:"token" db:"token"`
	Category string         `json:"category" db:"category"`
	Data     map[string]any `json:"data,omitempty" db:"data"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// User holds the cached balance derived from applied Txns and trades. The
// balance is only ever mutated inside the same atomic unit as the record
// that justifies the delta.
type User struct {
	ID            string    `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	Balance       float64   `json:"balance" db:"balance"`
	TotalDeposits float64   `json:"total_deposits" db:"total_deposits"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`

	Version int64 `json:"-" db:"version"`
}

// Payout is the ephemeral result of resolution computation for one user.
// It is persisted only as the Txns it generates. Deposit is the portion
// counted toward the user's total deposits (creator and liquidity payouts).
type Payout struct {
	UserID  string  `json:"user_id"`
	Payout  float64 `json:"payout"`
	Deposit float64 `json:"deposit,omitempty"`
}
