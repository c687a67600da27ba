package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/manacore/market-engine/internal/cpmm"
	"github.com/manacore/market-engine/internal/dpm"
	"github.com/manacore/market-engine/internal/events"
	"github.com/manacore/market-engine/internal/model"
	"github.com/manacore/market-engine/internal/store"
)

// noneAnswerID is the seeded answer on free-response and numeric markets
// that absorbs the creator's ante. It resolves worthless unless the
// market cancels.
const noneAnswerID = "0"

// CreateMarketRequest creates a market seeded by the creator's ante.
type CreateMarketRequest struct {
	CreatorID   string            `json:"creator_id"`
	Question    string            `json:"question"`
	OutcomeType model.OutcomeType `json:"outcome_type"`
	Mechanism   model.Mechanism   `json:"mechanism"`
	InitialProb float64           `json:"initial_prob,omitempty"`
	Ante        float64           `json:"ante"`
	CloseTime   *time.Time        `json:"close_time,omitempty"`
	Answers     []string          `json:"answers,omitempty"`
}

// CreateMarket charges the creator's balance for the ante and seeds the
// pool. For CPMM markets the ante becomes the creator's first liquidity
// provision; for DPM markets it becomes the creator's ante bets.
func (e *Engine) CreateMarket(ctx context.Context, req CreateMarketRequest) (*model.Market, []events.Event, error) {
	if err := validAmount(req.Ante); err != nil {
		return nil, nil, err
	}
	if req.Question == "" {
		return nil, nil, fmt.Errorf("empty question: %w", model.ErrInvalidAmount)
	}

	binary := req.OutcomeType == model.OutcomeTypeBinary
	if binary && (req.InitialProb <= 0 || req.InitialProb >= 1) {
		return nil, nil, fmt.Errorf("initial prob %v: %w", req.InitialProb, model.ErrInvalidProbability)
	}
	switch req.Mechanism {
	case model.MechanismCPMM:
		if !binary {
			return nil, nil, fmt.Errorf("cpmm requires a binary market: %w", model.ErrWrongMechanism)
		}
	case model.MechanismDPM:
	default:
		return nil, nil, fmt.Errorf("mechanism %q: %w", req.Mechanism, model.ErrWrongMechanism)
	}
	if req.OutcomeType == model.OutcomeTypeMultipleChoice && len(req.Answers) < 2 {
		return nil, nil, fmt.Errorf("multiple choice needs at least two answers: %w", model.ErrInvalidOutcome)
	}

	creator, err := e.store.GetUser(ctx, req.CreatorID)
	if err != nil {
		return nil, nil, err
	}
	if creator.Balance < req.Ante {
		return nil, nil, fmt.Errorf("balance %v below ante %v: %w",
			creator.Balance, req.Ante, model.ErrInsufficientBalance)
	}

	now := e.now()
	m := &model.Market{
		ID:        uuid.NewString(),
		CreatorID: req.CreatorID,
		Question:  req.Question,
		Outcome:   req.OutcomeType,
		Mechanism: req.Mechanism,
		CloseTime: req.CloseTime,
		CreatedAt: now,
	}

	w := &store.Writes{
		MarketID:        m.ID,
		ExpectedVersion: 0,
		UserDeltas:      map[string]float64{req.CreatorID: -req.Ante},
		BalanceFloors:   map[string]float64{req.CreatorID: 0},
	}

	if req.Mechanism == model.MechanismCPMM {
		m.Pool = map[string]float64{model.OutcomeYes: req.Ante, model.OutcomeNo: req.Ante}
		m.P = req.InitialProb
		m.TotalLiquidity = req.Ante
		w.InsertLiquidity = []model.LiquidityProvision{{
			ID:        uuid.NewString(),
			UserID:    req.CreatorID,
			MarketID:  m.ID,
			Amount:    req.Ante,
			Pool:      map[string]float64{model.OutcomeYes: req.Ante, model.OutcomeNo: req.Ante},
			P:         req.InitialProb,
			Liquidity: cpmm.Liquidity(m.Pool, m.P),
			CreatedAt: now,
		}}
	} else {
		e.seedDpm(m, req, w, now)
	}

	if err := e.store.CreateMarket(ctx, m); err != nil {
		return nil, nil, err
	}
	if err := e.store.Commit(ctx, w); err != nil {
		return nil, nil, err
	}

	ev := events.Event{Type: events.TypeMarketCreated, MarketID: m.ID, UserID: req.CreatorID, Timestamp: now, Market: m}
	return m, []events.Event{ev}, nil
}

// seedDpm initializes DPM pools and records the creator's ante bets.
func (e *Engine) seedDpm(m *model.Market, req CreateMarketRequest, w *store.Writes, now time.Time) {
	m.Pool = map[string]float64{}
	m.TotalShares = map[string]float64{}
	m.TotalBets = map[string]float64{}

	switch req.OutcomeType {
	case model.OutcomeTypeBinary:
		m.Pool, m.TotalShares, m.TotalBets = dpm.InitialPool(req.InitialProb, req.Ante)

	case model.OutcomeTypeMultipleChoice:
		for i, text := range req.Answers {
			id := strconv.Itoa(i + 1)
			m.Answers = append(m.Answers, model.Answer{
				ID: id, MarketID: m.ID, UserID: req.CreatorID, Text: text, CreatedAt: now,
			})
		}
		per := req.Ante / float64(len(req.Answers))
		for _, a := range m.Answers {
			w.InsertBets = append(w.InsertBets, e.dpmAnteBet(m, req.CreatorID, a.ID, per, now))
		}

	default:
		// Free response and numeric seed a "none" answer with the ante.
		m.Answers = append(m.Answers, model.Answer{
			ID: noneAnswerID, MarketID: m.ID, UserID: req.CreatorID, Text: "None", CreatedAt: now,
		})
		w.InsertBets = append(w.InsertBets, e.dpmAnteBet(m, req.CreatorID, noneAnswerID, req.Ante, now))
	}
}

// dpmAnteBet applies one ante bet to the market's DPM aggregates and
// returns the bet record.
func (e *Engine) dpmAnteBet(m *model.Market, userID, outcome string, amount float64, now time.Time) *model.Bet {
	probBefore := 0.0
	if len(m.TotalShares) > 0 {
		probBefore = dpm.OutcomeProbability(m.TotalShares, outcome)
	}
	shares := dpm.Shares(m.TotalShares, amount, outcome)

	m.Pool[outcome] += amount
	m.TotalShares[outcome] += shares
	m.TotalBets[outcome] += amount
	m.Volume += amount

	return &model.Bet{
		ID:         uuid.NewString(),
		UserID:     userID,
		MarketID:   m.ID,
		Amount:     amount,
		Outcome:    outcome,
		Shares:     shares,
		ProbBefore: probBefore,
		ProbAfter:  dpm.OutcomeProbability(m.TotalShares, outcome),
		CreatedAt:  now,
	}
}

// CreateAnswer adds an answer to a free-response market together with the
// submitter's opening bet on it.
func (e *Engine) CreateAnswer(ctx context.Context, userID, marketID, text string, amount float64) (*model.Answer, *model.Bet, []events.Event, error) {
	if err := validAmount(amount); err != nil {
		return nil, nil, nil, err
	}
	if text == "" {
		return nil, nil, nil, fmt.Errorf("empty answer: %w", model.ErrInvalidOutcome)
	}

	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, nil, err
	}
	if user.Balance < amount {
		return nil, nil, nil, fmt.Errorf("balance %v below %v: %w",
			user.Balance, amount, model.ErrInsufficientBalance)
	}

	var (
		answer model.Answer
		bet    *model.Bet
	)
	err = e.withRetry(ctx, marketID, func(snap *store.Snapshot) (*store.Writes, error) {
		m := snap.Market
		if m.Outcome != model.OutcomeTypeFreeResponse {
			return nil, fmt.Errorf("market %s: %w", marketID, model.ErrWrongMechanism)
		}
		if !m.IsOpen(e.now()) {
			return nil, fmt.Errorf("market %s: %w", marketID, model.ErrMarketClosed)
		}

		now := e.now()
		answer = model.Answer{
			ID:        strconv.Itoa(len(m.Answers) + 1),
			MarketID:  marketID,
			UserID:    userID,
			Text:      text,
			CreatedAt: now,
		}
		m.Answers = append(m.Answers, answer)
		bet = e.dpmAnteBet(m, userID, answer.ID, amount, now)

		return &store.Writes{
			MarketID:        marketID,
			ExpectedVersion: snap.Market.Version,
			Market:          m,
			InsertBets:      []*model.Bet{bet},
			InsertAnswers:   []model.Answer{answer},
			UserDeltas:      map[string]float64{userID: -amount},
			BalanceFloors:   map[string]float64{userID: 0},
		}, nil
	})
	if err != nil {
		return nil, nil, nil, err
	}

	ev := events.BetPlaced(bet, bet.ProbAfter)
	return &answer, bet, []events.Event{ev}, nil
}
