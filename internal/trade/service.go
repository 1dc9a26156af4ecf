// Package trade provides the HTTP handlers for opening accounts, executing
// trades, and querying portfolios, ledgers and market data.
//
// All monetary values use shopspring/decimal; never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/papertrade/trading-engine/internal/history"
	"github.com/papertrade/trading-engine/internal/model"
	"github.com/papertrade/trading-engine/internal/pricefeed"
	"github.com/papertrade/trading-engine/internal/settlement"
	"github.com/papertrade/trading-engine/internal/symbol"
	"github.com/papertrade/trading-engine/internal/valuation"
)

// UserHeader carries the caller's identity, set by the authenticating proxy.
const UserHeader = "X-User-ID"

// IdempotencyHeader may carry the client order id instead of the body.
const IdempotencyHeader = "Idempotency-Key"

var errUnauthorized = errors.New("trade: missing " + UserHeader + " header")

// MarketData is the read side of the price feed.
type MarketData interface {
	Stocks() []model.Stock
	Stock(symbol string) (model.Stock, error)
	History(symbol string) ([]model.PricePoint, error)
}

// Service wires the settlement engine and read services to HTTP.
type Service struct {
	engine         *settlement.Engine
	valuation      *valuation.Service
	history        *history.Service
	market         MarketData
	initialBalance decimal.Decimal
	wsHub          *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new trade service. New accounts are funded with
// initialBalance. Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(engine *settlement.Engine, val *valuation.Service, hist *history.Service,
	market MarketData, initialBalance decimal.Decimal, hub *WSHub) *Service {
	return &Service{
		engine:         engine,
		valuation:      val,
		history:        hist,
		market:         market,
		initialBalance: initialBalance,
		wsHub:          hub,
	}
}

// Routes registers the API on r. Everything except market data and
// account opening requires the identity header.
func (s *Service) Routes(r chi.Router) {
	r.Post("/accounts", s.OpenAccount)

	r.Get("/stocks", s.ListStocks)
	r.Get("/stocks/{symbol}", s.GetStock)
	r.Get("/stocks/{symbol}/history", s.GetStockHistory)

	r.Group(func(r chi.Router) {
		r.Use(RequireUser)

		r.Get("/account", s.GetAccount)
		r.Post("/account/deposit", s.Deposit)

		r.Post("/trades", s.ExecuteTrade)

		r.Get("/portfolio", s.GetPortfolio)
		r.Get("/portfolio/summary", s.GetPortfolioSummary)

		r.Get("/transactions", s.ListTransactions)
	})
}

// --- Identity ---

type ctxKey struct{}

// RequireUser rejects requests without the identity header and stores the
// user id in the request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			writeError(w, errUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

// UserID returns the identity stored by RequireUser.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /trades.
type TradeRequest struct {
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`       // "buy" or "sell"
	Quantity      decimal.Decimal  `json:"quantity"`   // shares, up to 4 decimal places
	OrderType     string           `json:"order_type"` // "market" (default) or "limit"
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
}

// tradeRequestWire defers decimal parsing so malformed numbers map onto
// the matching validation error.
type tradeRequestWire struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Quantity      json.RawMessage `json:"quantity"`
	OrderType     string          `json:"order_type"`
	LimitPrice    json.RawMessage `json:"limit_price"`
	ClientOrderID string          `json:"client_order_id"`
}

// DepositRequest is the JSON body for POST /account/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// PortfolioResponse is the JSON body returned from GET /portfolio.
type PortfolioResponse struct {
	UserID      string                 `json:"user_id"`
	CashBalance decimal.Decimal        `json:"cash_balance"`
	Positions   []model.PositionView   `json:"positions"`
	Summary     model.PortfolioSummary `json:"summary"`
}

// ErrorResponse is the JSON body of every error.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// --- Account handlers ---

// OpenAccount handles POST /api/v1/accounts. The account id is taken from
// the identity header when present and generated otherwise.
func (s *Service) OpenAccount(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(UserHeader))

	acct, err := s.engine.OpenAccount(r.Context(), userID, s.initialBalance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/v1/account
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.engine.Balance(r.Context(), UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// Deposit handles POST /api/v1/account/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, settlement.ErrInvalidAmount)
		return
	}

	acct, err := s.engine.Deposit(r.Context(), UserID(r.Context()), req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// --- Trading ---

// ExecuteTrade handles POST /api/v1/trades
// Returns 201 with the settled transaction, or 200 when the client order id
// had already settled.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequestWire
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "invalid request body"})
		return
	}

	order := settlement.Order{
		UserID:        UserID(r.Context()),
		Symbol:        req.Symbol,
		Side:          model.Side(strings.ToLower(req.Side)),
		Kind:          model.OrderKind(strings.ToLower(req.OrderType)),
		ClientOrderID: req.ClientOrderID,
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = r.Header.Get(IdempotencyHeader)
	}
	if len(req.Quantity) > 0 {
		if err := order.Quantity.UnmarshalJSON(req.Quantity); err != nil {
			writeError(w, settlement.ErrInvalidQuantity)
			return
		}
	}
	if len(req.LimitPrice) > 0 && string(req.LimitPrice) != "null" {
		var limit decimal.Decimal
		if err := limit.UnmarshalJSON(req.LimitPrice); err != nil {
			writeError(w, settlement.ErrInvalidLimitPrice)
			return
		}
		order.LimitPrice = &limit
	}

	res, err := s.engine.Execute(r.Context(), order)
	if err != nil {
		writeError(w, err)
		return
	}

	if res.Replayed {
		writeJSON(w, http.StatusOK, res)
		return
	}

	// Broadcast the fill via WebSocket.
	if s.wsHub != nil {
		txn := res.Transaction
		s.wsHub.Broadcast(WSMessage{
			Type:     "trade_executed",
			Symbol:   txn.Symbol,
			Price:    txn.ExecutionPrice.String(),
			Side:     string(txn.Side),
			Quantity: txn.Quantity.String(),
		})
	}
	writeJSON(w, http.StatusCreated, res)
}

// --- Portfolio & history ---

// GetPortfolio handles GET /api/v1/portfolio
// Returns cash, positions marked to market and their totals.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserID(ctx)

	acct, err := s.engine.Balance(ctx, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	views, err := s.valuation.Valuate(ctx, userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PortfolioResponse{
		UserID:      userID,
		CashBalance: acct.CashBalance,
		Positions:   views,
		Summary:     valuation.Summarize(views),
	})
}

// GetPortfolioSummary handles GET /api/v1/portfolio/summary
func (s *Service) GetPortfolioSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.valuation.Summary(r.Context(), UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// ListTransactions handles GET /api/v1/transactions?page=1&limit=50
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeError(w, history.ErrInvalidPage)
		return
	}
	limit, err := queryInt(r, "limit", history.DefaultPageSize)
	if err != nil {
		writeError(w, history.ErrInvalidPage)
		return
	}

	result, err := s.history.ListTransactions(r.Context(), UserID(r.Context()), page, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Market data ---

// ListStocks handles GET /api/v1/stocks
func (s *Service) ListStocks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.market.Stocks())
}

// GetStock handles GET /api/v1/stocks/{symbol}
func (s *Service) GetStock(w http.ResponseWriter, r *http.Request) {
	sym, err := symbol.Normalize(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, settlement.ErrInvalidSymbol)
		return
	}
	stock, err := s.market.Stock(sym)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stock)
}

// GetStockHistory handles GET /api/v1/stocks/{symbol}/history
// Returns the recorded ticks, oldest first.
func (s *Service) GetStockHistory(w http.ResponseWriter, r *http.Request) {
	sym, err := symbol.Normalize(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, settlement.ErrInvalidSymbol)
		return
	}
	points, err := s.market.History(sym)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// --- Helpers ---

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status code and a JSON error body. Store
// causes behind conflicts and lookups are logged, never returned.
func writeError(w http.ResponseWriter, err error) {
	status, resp := describe(err)
	switch {
	case status == http.StatusInternalServerError:
		slog.Error("request failed", "err", err)
	case status == http.StatusConflict || status == http.StatusNotFound:
		slog.Info("request rejected", "kind", resp.Error, "err", err)
	}
	writeJSON(w, status, resp)
}

func describe(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: err.Error()}
	case errors.Is(err, history.ErrInvalidPage):
		return http.StatusBadRequest, ErrorResponse{Error: "invalid_page", Message: err.Error()}
	case errors.Is(err, pricefeed.ErrSymbolNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "symbol_not_found", Message: err.Error()}
	}

	resp := ErrorResponse{Error: settlement.Kind(err), Message: settlement.Message(err), Retryable: settlement.Retryable(err)}
	switch settlement.Classify(err) {
	case settlement.ClassInvalid:
		return http.StatusBadRequest, resp
	case settlement.ClassNotFound:
		return http.StatusNotFound, resp
	case settlement.ClassConflict:
		return http.StatusConflict, resp
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal", Message: "internal error"}
	}
}
