// Package domain holds the pure brokerage entities shared across modules.
// It has no infrastructure dependencies.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide distinguishes buys from sells
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderSideFromString parses an order side, case-insensitively
func OrderSideFromString(s string) (OrderSide, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return "", fmt.Errorf("invalid order side: %q", s)
	}
}

// PriceType distinguishes market orders from limit orders
type PriceType string

const (
	PriceTypeMarket PriceType = "MARKET"
	PriceTypeLimit  PriceType = "LIMIT"
)

// PriceTypeFromString parses a price type, case-insensitively
func PriceTypeFromString(s string) (PriceType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MARKET":
		return PriceTypeMarket, nil
	case "LIMIT":
		return PriceTypeLimit, nil
	default:
		return "", fmt.Errorf("invalid price type: %q", s)
	}
}

// OrderStatus is the order lifecycle state. FILLED and CANCELLED are
// terminal; no transition ever leaves a terminal state.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// Scales for stored decimals. Prices and cost bases are rounded to 4
// decimal places; derived market values to 2. Cash balances are stored
// exactly as settled, so the cash delta of a fill always matches its
// transaction total.
const (
	CashScale  = 2
	PriceScale = 4
)

// Portfolio is the cash side of one owner's account. Cash is mutated only
// by settlement; TotalValue is a derived figure refreshed by valuation.
type Portfolio struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	TotalValue  decimal.Decimal `json:"total_value"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Position is one holding of a symbol inside a portfolio. Quantity zero is
// never persisted; the row is deleted instead.
type Position struct {
	PortfolioID  string          `json:"portfolio_id"`
	Symbol       string          `json:"symbol"`
	Quantity     int64           `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	CurrentValue decimal.Decimal `json:"current_value"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// CostBasis returns average price times quantity
func (p Position) CostBasis() decimal.Decimal {
	return p.AveragePrice.Mul(decimal.NewFromInt(p.Quantity))
}

// Order is a request to trade. It is created PENDING and settles to FILLED
// or CANCELLED exactly once.
type Order struct {
	ID          string          `json:"id"`
	PortfolioID string          `json:"portfolio_id"`
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	PriceType   PriceType       `json:"price_type"`
	Quantity    int64           `json:"quantity"`
	LimitPrice  decimal.Decimal `json:"limit_price"` // meaningful only when PriceType is LIMIT
	Status      OrderStatus     `json:"status"`
	FilledPrice decimal.Decimal `json:"filled_price"`
	FilledAt    *time.Time      `json:"filled_at,omitempty"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Validate checks the construction-time invariants of an order
func (o Order) Validate() error {
	if o.PortfolioID == "" {
		return NewValidationError("portfolio id is required")
	}
	if strings.TrimSpace(o.Symbol) == "" {
		return NewValidationError("symbol is required")
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return NewValidationError(fmt.Sprintf("invalid order side: %s", o.Side))
	}
	if o.PriceType != PriceTypeMarket && o.PriceType != PriceTypeLimit {
		return NewValidationError(fmt.Sprintf("invalid price type: %s", o.PriceType))
	}
	if o.Quantity <= 0 {
		return NewValidationError("quantity must be positive")
	}
	if o.PriceType == PriceTypeLimit && !o.LimitPrice.IsPositive() {
		return NewValidationError("limit price must be positive for limit orders")
	}
	return nil
}

// LimitCrossed reports whether the order's price condition is met at the
// given market price. Market orders always cross; a limit buy crosses when
// market ≤ limit, a limit sell when market ≥ limit.
func (o Order) LimitCrossed(marketPrice decimal.Decimal) bool {
	if o.PriceType != PriceTypeLimit {
		return true
	}
	if o.Side == SideBuy {
		return marketPrice.Cmp(o.LimitPrice) <= 0
	}
	return marketPrice.Cmp(o.LimitPrice) >= 0
}

// Transaction is the immutable ledger entry for one fill. Exactly one
// exists per successfully executed order.
type Transaction struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	PortfolioID string          `json:"portfolio_id"`
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	TotalAmount decimal.Decimal `json:"total_amount"` // price × quantity
	ExecutedAt  time.Time       `json:"executed_at"`
}

// Cost returns price × quantity
func Cost(price decimal.Decimal, quantity int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(quantity))
}

// WeightedAveragePrice merges a buy into an existing position's cost basis:
// (oldAvg×oldQty + price×qty) / (oldQty+qty), rounded half-up to 4 decimal
// places. Rounding is applied once per merge, never re-derived from prior
// roundings.
func WeightedAveragePrice(oldAvg decimal.Decimal, oldQty int64, price decimal.Decimal, qty int64) decimal.Decimal {
	totalValue := Cost(oldAvg, oldQty).Add(Cost(price, qty))
	totalQty := decimal.NewFromInt(oldQty + qty)
	return totalValue.DivRound(totalQty, PriceScale)
}
