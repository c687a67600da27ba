// Package trade exposes the engine over HTTP: the trading RPC surface,
// market and portfolio reads, and the websocket feed.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/manacore/market-engine/internal/engine"
	"github.com/manacore/market-engine/internal/events"
	"github.com/manacore/market-engine/internal/ledger"
	"github.com/manacore/market-engine/internal/metrics"
	"github.com/manacore/market-engine/internal/model"
	"github.com/manacore/market-engine/internal/store"
)

// Service wires the engine, ledger, and store to HTTP handlers and fans
// committed events out to the websocket hub and the external publisher.
type Service struct {
	store     store.Store
	engine    *engine.Engine
	ledger    *ledger.Ledger
	hub       *WSHub
	publisher events.Publisher
}

// NewService returns a Service. publisher may be events.NopPublisher.
func NewService(s store.Store, e *engine.Engine, l *ledger.Ledger, hub *WSHub, pub events.Publisher) *Service {
	return &Service{store: s, engine: e, ledger: l, hub: hub, publisher: pub}
}

// Routes mounts the API onto r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/users", s.handleCreateUser)
	r.Get("/users/{userID}", s.handleGetUser)
	r.Get("/users/{userID}/bets", s.handleUserBets)
	r.Get("/users/{userID}/txns", s.handleUserTxns)

	r.Post("/markets", s.handleCreateMarket)
	r.Get("/markets", s.handleListMarkets)
	r.Get("/markets/{marketID}", s.handleGetMarket)
	r.Get("/markets/{marketID}/bets", s.handleMarketBets)
	r.Post("/markets/{marketID}/answers", s.handleCreateAnswer)
	r.Post("/markets/{marketID}/liquidity", s.handleAddLiquidity)
	r.Post("/markets/{marketID}/liquidity/withdraw", s.handleWithdrawLiquidity)
	r.Post("/markets/{marketID}/resolve", s.handleResolveMarket)
	r.Post("/markets/{marketID}/redeem", s.handleRedeem)
	r.Post("/markets/{marketID}/sell-shares", s.handleSellShares)

	r.Post("/bets", s.handlePlaceBet)
	r.Post("/bets/{betID}/cancel", s.handleCancelBet)
	r.Post("/bets/{betID}/sell", s.handleSellBet)

	r.Post("/txns", s.handleRunTxn)

	r.Get("/ws", s.hub.ServeWS)
}

func (s *Service) publish(evs []events.Event) {
	if len(evs) == 0 {
		return
	}
	s.hub.Publish(evs...)
	s.publisher.Publish(evs...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrNotAuthorized), errors.Is(err, model.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrAlreadyExists),
		errors.Is(err, model.ErrAlreadyResolved),
		errors.Is(err, model.ErrAlreadySold),
		errors.Is(err, model.ErrOrderNotOpen),
		errors.Is(err, model.ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrInvalidOutcome),
		errors.Is(err, model.ErrInvalidProbability),
		errors.Is(err, model.ErrWrongMechanism),
		errors.Is(err, model.ErrMarketClosed),
		errors.Is(err, model.ErrInsufficientBalance),
		errors.Is(err, model.ErrInsufficientShares),
		errors.Is(err, model.ErrInsufficientLiquidity),
		errors.Is(err, model.ErrOverflow):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(model.ErrInvalidAmount, err)
	}
	return nil
}

func (s *Service) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string  `json:"name"`
		Balance float64 `json:"balance"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	u := &model.User{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Balance:       req.Balance,
		TotalDeposits: req.Balance,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), u); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Service) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Service) handleUserBets(w http.ResponseWriter, r *http.Request) {
	bets, err := s.store.ListUserBets(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bets)
}

func (s *Service) handleUserTxns(w http.ResponseWriter, r *http.Request) {
	txns, err := s.store.ListTxns(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

func (s *Service) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateMarketRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, evs, err := s.engine.CreateMarket(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(evs)
	writeJSON(w, http.StatusCreated, m)
}

func (s *Service) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

func (s *Service) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Service) handleMarketBets(w http.ResponseWriter, r *http.Request) {
	bets, err := s.store.ListBets(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bets)
}

func (s *Service) handlePlaceBet(w http.ResponseWriter, r *http.Request) {
	var req engine.PlaceBetRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	bet, evs, err := s.engine.PlaceBet(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(evs)
	writeJSON(w, http.StatusCreated, bet)
}

func (s *Service) handleCancelBet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	bet, evs, err := s.engine.CancelLimitOrder(r.Context(), req.UserID, chi.URLParam(r, "betID"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(evs)
	writeJSON(w, http.StatusOK, bet)
}

func (s *Service) handleSellBet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sale, evs, err := s.engine.SellBet(r.Context(), req.UserID, chi.URLParam(r, "betID"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(evs)
	writeJSON(w, http.StatusCreated, sale)
}

func (s *Service) handleSellShares(w http.ResponseWriter, r *http.Request) {
	var req engine.SellSharesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.MarketID = chi.URLParam(r, "marketID")
	sale, evs, err := s.engine.SellShares(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(evs)
	writeJSON(w, http.StatusCreated, sale)
}

func (s *Service) handleCreateAnswer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string  `json:"user_id"`
		Text   string  `json:"text"`
		Amount float64 `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	answer, bet, evs, err := s.engine.CreateAnswer(r.Context(), req.UserID, chi.URLParam(r, "marketID"), req.Text, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(evs)
	writeJSON(w, http.StatusCreated, map[string]any{"answer": answer, "bet": bet})
}

func (s *Service) handleAddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string  `json:"user_id"`
		Amount float64 `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	lp, evs, err := s.engine.AddLiquidity(r.Context(), req.UserID, chi.URLParam(r, "marketID"), req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(evs)
	writeJSON(w, http.StatusCreated, lp)
}

func (s *Service) handleWithdrawLiquidity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string  `json:"user_id"`
		Amount float64 `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	lp, evs, err := s.engine.WithdrawLiquidity(r.Context(), req.UserID, chi.URLParam(r, "marketID"), req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(evs)
	writeJSON(w, http.StatusOK, lp)
}

func (s *Service) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, evs, err := s.engine.RedeemShares(r.Context(), req.UserID, chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(evs)
	writeJSON(w, http.StatusOK, map[string]float64{"net_amount": amount})
}

func (s *Service) handleResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req engine.ResolveMarketRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.MarketID = chi.URLParam(r, "marketID")
	res, evs, err := s.engine.ResolveMarket(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(evs)
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleRunTxn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromID   string          `json:"from_id"`
		FromType model.PartyType `json:"from_type"`
		ToID     string          `json:"to_id"`
		ToType   model.PartyType `json:"to_type"`
		Amount   float64         `json:"amount"`
		Category string          `json:"category"`
		Data     map[string]any  `json:"data,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	t := ledger.Entry(req.FromID, req.FromType, req.ToID, req.ToType, req.Amount, req.Category, req.Data)
	t, err := s.ledger.Run(r.Context(), t)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.TxnsApplied.WithLabelValues(t.Category).Inc()
	slog.Info("txn applied", "txn_id", t.ID, "category", t.Category, "amount", t.Amount)
	s.publish([]events.Event{{Type: events.TypeTxnApplied, UserID: t.ToID, Timestamp: t.CreatedAt, Txn: t}})
	writeJSON(w, http.StatusCreated, t)
}
