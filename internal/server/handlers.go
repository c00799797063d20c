package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shopspring/decimal"

	"paperbroker/internal/domain"
	"paperbroker/internal/ledger"
	"paperbroker/internal/trading"
	"paperbroker/internal/valuation"
)

type handlers struct {
	trading     *trading.Service
	valuation   *valuation.Service
	store       *ledger.Store
	openingCash decimal.Decimal
	log         zerolog.Logger
	startedAt   time.Time
}

func newHandlers(t *trading.Service, v *valuation.Service, store *ledger.Store, openingCash string, log zerolog.Logger) *handlers {
	cash, err := decimal.NewFromString(openingCash)
	if err != nil {
		cash = decimal.NewFromInt(10000)
	}
	return &handlers{
		trading:     t,
		valuation:   v,
		store:       store,
		openingCash: cash,
		log:         log.With().Str("component", "handlers").Logger(),
		startedAt:   time.Now(),
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps the core error taxonomy to HTTP status codes.
func (h *handlers) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrPortfolioNotFound),
		errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrPositionNotFound),
		errors.Is(err, domain.ErrSymbolNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrOwnerAlreadyHasPortfolio):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrConcurrentModification):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrPriceUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.log.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

type createPortfolioRequest struct {
	OwnerID     string `json:"owner_id"`
	OpeningCash string `json:"opening_cash,omitempty"`
}

// HandleCreatePortfolio bootstraps a portfolio for an owner.
// Each owner gets at most one portfolio.
func (h *handlers) HandleCreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req createPortfolioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	cash := h.openingCash
	if req.OpeningCash != "" {
		parsed, err := decimal.NewFromString(req.OpeningCash)
		if err != nil || parsed.IsNegative() {
			writeError(w, http.StatusBadRequest, "opening_cash must be a non-negative amount")
			return
		}
		cash = parsed
	}

	portfolio, err := h.store.Portfolios.Create(req.OwnerID, cash)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, portfolio)
}

// HandleLookupPortfolio finds a portfolio by its owner
func (h *handlers) HandleLookupPortfolio(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	portfolio, err := h.store.Portfolios.GetByOwner(ownerID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, portfolio)
}

func (h *handlers) HandleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "portfolioID")
	summary, err := h.valuation.Summarize(r.Context(), portfolioID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *handlers) HandleGetPositions(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "portfolioID")
	positions, err := h.valuation.PositionSummaries(r.Context(), portfolioID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (h *handlers) HandleGetOrders(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "portfolioID")
	if _, err := h.store.Portfolios.Get(portfolioID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	orders, err := h.store.Orders.ListByPortfolio(portfolioID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *handlers) HandleGetTransactions(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "portfolioID")
	if _, err := h.store.Portfolios.Get(portfolioID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	transactions, err := h.store.Transactions.ListByPortfolio(portfolioID, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transactions)
}

func (h *handlers) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	order, err := h.store.Orders.Get(orderID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type tradeRequest struct {
	PortfolioID string `json:"portfolio_id"`
	Symbol      string `json:"symbol"`
	Quantity    int64  `json:"quantity"`
	PriceType   string `json:"price_type"`
	LimitPrice  string `json:"limit_price,omitempty"`
}

func (req tradeRequest) parse() (domain.PriceType, decimal.Decimal, error) {
	priceType := domain.PriceTypeMarket
	if req.PriceType != "" {
		parsed, err := domain.PriceTypeFromString(req.PriceType)
		if err != nil {
			return "", decimal.Zero, err
		}
		priceType = parsed
	}

	limitPrice := decimal.Zero
	if req.LimitPrice != "" {
		parsed, err := decimal.NewFromString(req.LimitPrice)
		if err != nil {
			return "", decimal.Zero, domain.NewValidationError("limit_price must be a decimal amount")
		}
		limitPrice = parsed
	}
	return priceType, limitPrice, nil
}

func (h *handlers) HandleBuy(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	priceType, limitPrice, err := req.parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.trading.Buy(r.Context(), req.PortfolioID, req.Symbol, req.Quantity, priceType, limitPrice)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) HandleSell(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	priceType, limitPrice, err := req.parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.trading.Sell(r.Context(), req.PortfolioID, req.Symbol, req.Quantity, priceType, limitPrice)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) HandleSellAll(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	priceType, limitPrice, err := req.parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.trading.SellAll(r.Context(), req.PortfolioID, req.Symbol, priceType, limitPrice)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) HandleQuote(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	quantity := int64(1)
	if raw := r.URL.Query().Get("quantity"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "quantity must be a positive integer")
			return
		}
		quantity = parsed
	}
	side := domain.SideBuy
	if raw := r.URL.Query().Get("side"); raw != "" {
		parsed, err := domain.OrderSideFromString(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		side = parsed
	}

	quote, err := h.trading.GetQuote(r.Context(), symbol, quantity, side)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (h *handlers) HandleCanAfford(w http.ResponseWriter, r *http.Request) {
	portfolioID := r.URL.Query().Get("portfolio_id")
	symbol := r.URL.Query().Get("symbol")
	if portfolioID == "" || symbol == "" {
		writeError(w, http.StatusBadRequest, "portfolio_id and symbol are required")
		return
	}
	quantity := int64(1)
	if raw := r.URL.Query().Get("quantity"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "quantity must be a positive integer")
			return
		}
		quantity = parsed
	}
	side := domain.SideBuy
	if raw := r.URL.Query().Get("side"); raw != "" {
		parsed, err := domain.OrderSideFromString(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		side = parsed
	}

	affordable, err := h.trading.CanAfford(r.Context(), portfolioID, symbol, quantity, side)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"portfolio_id": portfolioID,
		"symbol":       strings.ToUpper(symbol),
		"quantity":     quantity,
		"side":         side,
		"affordable":   affordable,
	})
}

// HandleHealth reports process health plus host CPU and memory usage.
func (h *handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if percentages, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percentages) > 0 {
		health["cpu_percent"] = percentages[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		health["memory_percent"] = vm.UsedPercent
		health["memory_used_mb"] = vm.Used / 1024 / 1024
	}

	writeJSON(w, http.StatusOK, health)
}
