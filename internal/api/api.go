// Package api exposes the prediction engine over HTTP. Handlers stay
// thin: decode, call the engine, map the engine's error taxonomy to a
// status code at this boundary only.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/omx/prediction-engine/internal/engine"
	"github.com/omx/prediction-engine/internal/history"
	"github.com/omx/prediction-engine/internal/ledger"
	"github.com/omx/prediction-engine/internal/lmsr"
	"github.com/omx/prediction-engine/internal/model"
	"github.com/omx/prediction-engine/internal/queue"
	"github.com/omx/prediction-engine/internal/store"
	"github.com/omx/prediction-engine/internal/sweep"
)

// Server wires the engine and its supporting components into HTTP handlers.
type Server struct {
	engine   *engine.Engine
	store    store.Store
	recorder *history.Recorder
	sweeper  *sweep.Sweeper
}

// NewServer creates the HTTP surface.
func NewServer(e *engine.Engine, st store.Store, rec *history.Recorder, sw *sweep.Sweeper) *Server {
	return &Server{engine: e, store: st, recorder: rec, sweeper: sw}
}

// Routes mounts all API handlers on r.
func (s *Server) Routes(r chi.Router) {
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/options", s.ListOptions)

	r.Get("/options/{optionID}/price", s.GetPrice)
	r.Get("/options/{optionID}/history", s.GetHistory)
	r.Get("/options/{optionID}/trades", s.ListTrades)
	r.Post("/options/{optionID}/resolve", s.ResolveOption)

	r.Post("/quote", s.GetQuote)
	r.Post("/trade", s.ExecuteTrade)
	r.Post("/claim", s.Claim)

	r.Get("/portfolio/{userID}", s.GetPortfolio)
	r.Get("/wallets/{userID}", s.GetWallet)
	r.Post("/wallets/{userID}/deposit", s.Deposit)
}

// CreateMarket handles POST /api/v1/markets
func (s *Server) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	m, options, err := s.engine.CreateMarket(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"market":  m,
		"options": options,
	})
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Server) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ListOptions handles GET /api/v1/markets/{marketID}/options
func (s *Server) ListOptions(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	if _, err := s.store.GetMarket(r.Context(), marketID); err != nil {
		writeEngineError(w, err)
		return
	}
	options, err := s.store.ListOptions(r.Context(), marketID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if options == nil {
		options = []model.Option{}
	}
	writeJSON(w, http.StatusOK, options)
}

// GetPrice handles GET /api/v1/options/{optionID}/price
func (s *Server) GetPrice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	opt, err := s.store.GetOption(ctx, chi.URLParam(r, "optionID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	mkt, err := s.store.GetMarket(ctx, opt.MarketID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	mm, err := lmsr.NewMarketMaker(mkt.B)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	yes, err := mm.YesPrice(opt.QYes, opt.QNo)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	no, err := mm.NoPrice(opt.QYes, opt.QNo)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{
		"yes_price": lmsr.PriceMicros(yes),
		"no_price":  lmsr.PriceMicros(no),
	})
}

// GetHistory handles GET /api/v1/options/{optionID}/history?from=RFC3339&to=RFC3339
func (s *Server) GetHistory(w http.ResponseWriter, r *http.Request) {
	optionID := chi.URLParam(r, "optionID")
	if _, err := s.store.GetOption(r.Context(), optionID); err != nil {
		writeEngineError(w, err)
		return
	}

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "invalid from timestamp", http.StatusBadRequest)
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "invalid to timestamp", http.StatusBadRequest)
			return
		}
		to = t
	}

	series, err := s.recorder.Query(r.Context(), optionID, from, to)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

// ListTrades handles GET /api/v1/options/{optionID}/trades?limit=N
func (s *Server) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	trades, err := s.store.ListTradesByOption(r.Context(), chi.URLParam(r, "optionID"), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// resolveRequest is the JSON body for POST /options/{optionID}/resolve.
type resolveRequest struct {
	Winner model.Side `json:"winner"`
}

// ResolveOption handles POST /api/v1/options/{optionID}/resolve. The
// resolution sweep runs asynchronously after the winner is recorded.
func (s *Server) ResolveOption(w http.ResponseWriter, r *http.Request) {
	optionID := chi.URLParam(r, "optionID")
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.Resolve(r.Context(), optionID, req.Winner); err != nil {
		writeEngineError(w, err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.sweeper.Run(ctx, optionID); err != nil {
			slog.Error("resolution sweep failed", "option_id", optionID, "err", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"option_id": optionID,
		"winner":    string(req.Winner),
		"status":    "resolved",
	})
}

// GetQuote handles POST /api/v1/quote
func (s *Server) GetQuote(w http.ResponseWriter, r *http.Request) {
	var req engine.QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	q, err := s.engine.GetQuote(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// ExecuteTrade handles POST /api/v1/trade
func (s *Server) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req engine.TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.engine.ExecuteTrade(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Claim handles POST /api/v1/claim
func (s *Server) Claim(w http.ResponseWriter, r *http.Request) {
	var req engine.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.engine.Claim(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
func (s *Server) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	positions, err := s.store.ListPositionsByUser(ctx, userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}

	var balance int64
	if wallet, err := s.store.GetWallet(ctx, userID); err == nil {
		balance = wallet.Balance
	} else if !errors.Is(err, store.ErrNotFound) {
		writeEngineError(w, err)
		return
	}

	var realized int64
	for _, p := range positions {
		realized += p.RealizedPnL
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":      userID,
		"balance":      balance,
		"realized_pnl": realized,
		"positions":    positions,
	})
}

// GetWallet handles GET /api/v1/wallets/{userID}
func (s *Server) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.store.GetWallet(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// depositRequest is the JSON body for POST /wallets/{userID}/deposit.
type depositRequest struct {
	Amount int64 `json:"amount"` // micro-units
}

// Deposit handles POST /api/v1/wallets/{userID}/deposit. Funding goes
// through a settlement transaction so it serializes with in-flight trades
// against the same wallet row.
func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := s.store.BeginTrade(ctx)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	defer tx.Rollback(ctx)

	if err := tx.CreditWallet(ctx, userID, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		writeEngineError(w, err)
		return
	}

	wallet, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	slog.Info("wallet funded", "user", userID, "amount", req.Amount, "balance", wallet.Balance)
	writeJSON(w, http.StatusOK, wallet)
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeEngineError maps the engine's error taxonomy to HTTP status codes.
// Internal math-contract violations surface a generic message; the full
// error is logged here, not shown to the caller.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "not found", http.StatusNotFound)
	case errors.Is(err, engine.ErrSlippageExceeded),
		errors.Is(err, engine.ErrInsufficientFunds),
		errors.Is(err, engine.ErrInsufficientPoolLiquidity),
		errors.Is(err, engine.ErrMarketNotInitialized),
		errors.Is(err, engine.ErrMarketResolved),
		errors.Is(err, engine.ErrOptionResolved),
		errors.Is(err, engine.ErrOptionNotResolved),
		errors.Is(err, ledger.ErrInsufficientShares),
		errors.Is(err, ledger.ErrAlreadyClaimed),
		errors.Is(err, sweep.ErrNotResolved):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, queue.ErrTimeout):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		slog.Error("internal error", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}
