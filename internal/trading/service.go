// Package trading is the public entry point for placing orders. It
// validates trading intent, creates orders, and hands market orders to the
// execution engine; limit orders are left PENDING for the sweeper.
package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"paperbroker/internal/domain"
	"paperbroker/internal/engine"
	"paperbroker/internal/ledger"
	"paperbroker/internal/oracle"
)

// Executor is the single settlement entry point shared with the sweeper
type Executor interface {
	Execute(ctx context.Context, orderID string) (engine.Outcome, error)
}

// Result reports the outcome of a buy/sell request. Success=true with a
// PENDING order means a limit order was accepted and is waiting for its
// price; creating a limit order never fails merely because it cannot fill
// yet.
type Result struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Order   *domain.Order `json:"order,omitempty"`
}

// Quote is a priced trading intent returned by GetQuote
type Quote struct {
	Symbol     string           `json:"symbol"`
	Name       string           `json:"name,omitempty"`
	Price      decimal.Decimal  `json:"price"`
	Quantity   int64            `json:"quantity"`
	Side       domain.OrderSide `json:"side"`
	TotalValue decimal.Decimal  `json:"total_value"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Service is the trading facade. The caller supplies the portfolio identity
// explicitly on every call; the facade never reads ambient session state.
type Service struct {
	store    *ledger.Store
	oracle   oracle.Oracle
	executor Executor
	log      zerolog.Logger
}

// NewService creates a trading facade
func NewService(store *ledger.Store, priceOracle oracle.Oracle, executor Executor, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		oracle:   priceOracle,
		executor: executor,
		log:      log.With().Str("service", "trading").Logger(),
	}
}

// Buy places a buy order. Market orders are executed immediately; limit
// orders are created PENDING. The affordability check here is a fast-fail
// estimate only — price may move before settlement, so the engine re-checks
// authoritatively at fill time.
func (s *Service) Buy(ctx context.Context, portfolioID, symbol string, quantity int64, priceType domain.PriceType, limitPrice decimal.Decimal) (Result, error) {
	if msg := validateIntent(quantity, priceType, limitPrice); msg != "" {
		return Result{Message: msg}, nil
	}

	portfolio, err := s.store.Portfolios.Get(portfolioID)
	if err != nil {
		return Result{}, err
	}

	estimate := limitPrice
	if priceType == domain.PriceTypeMarket {
		quote, err := s.oracle.GetPrice(ctx, symbol)
		if err != nil {
			return Result{}, fmt.Errorf("failed to estimate order cost: %w", err)
		}
		estimate = quote.Price
	}
	if portfolio.CashBalance.Cmp(domain.Cost(estimate, quantity)) < 0 {
		return Result{Message: "insufficient cash balance"}, nil
	}

	return s.place(ctx, domain.Order{
		PortfolioID: portfolioID,
		Symbol:      symbol,
		Side:        domain.SideBuy,
		PriceType:   priceType,
		Quantity:    quantity,
		LimitPrice:  limitPrice,
	})
}

// Sell places a sell order. The inventory check here is a fast-fail
// estimate; the engine re-checks at fill time.
func (s *Service) Sell(ctx context.Context, portfolioID, symbol string, quantity int64, priceType domain.PriceType, limitPrice decimal.Decimal) (Result, error) {
	if msg := validateIntent(quantity, priceType, limitPrice); msg != "" {
		return Result{Message: msg}, nil
	}

	if _, err := s.store.Portfolios.Get(portfolioID); err != nil {
		return Result{}, err
	}

	position, err := s.store.Positions.Get(portfolioID, symbol)
	if errors.Is(err, domain.ErrPositionNotFound) {
		return Result{Message: "insufficient shares to sell"}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if position.Quantity < quantity {
		return Result{Message: "insufficient shares to sell"}, nil
	}

	return s.place(ctx, domain.Order{
		PortfolioID: portfolioID,
		Symbol:      symbol,
		Side:        domain.SideSell,
		PriceType:   priceType,
		Quantity:    quantity,
		LimitPrice:  limitPrice,
	})
}

// SellAll sells the entire held quantity of a symbol
func (s *Service) SellAll(ctx context.Context, portfolioID, symbol string, priceType domain.PriceType, limitPrice decimal.Decimal) (Result, error) {
	position, err := s.store.Positions.Get(portfolioID, symbol)
	if errors.Is(err, domain.ErrPositionNotFound) {
		return Result{Message: fmt.Sprintf("no position found for %s", symbol)}, nil
	}
	if err != nil {
		return Result{}, err
	}

	return s.Sell(ctx, portfolioID, symbol, position.Quantity, priceType, limitPrice)
}

// GetQuote prices a trading intent at the current market price
func (s *Service) GetQuote(ctx context.Context, symbol string, quantity int64, side domain.OrderSide) (Quote, error) {
	if quantity <= 0 {
		return Quote{}, domain.NewValidationError("quantity must be positive")
	}

	quote, err := s.oracle.GetPrice(ctx, symbol)
	if err != nil {
		return Quote{}, err
	}

	return Quote{
		Symbol:     quote.Symbol,
		Name:       quote.Name,
		Price:      quote.Price,
		Quantity:   quantity,
		Side:       side,
		TotalValue: domain.Cost(quote.Price, quantity),
		Timestamp:  quote.Timestamp,
	}, nil
}

// CanAfford reports whether an order of the given shape could settle at the
// current price: cash coverage for buys, held quantity for sells. It is a
// snapshot, not a reservation.
func (s *Service) CanAfford(ctx context.Context, portfolioID, symbol string, quantity int64, side domain.OrderSide) (bool, error) {
	if quantity <= 0 {
		return false, nil
	}

	if side == domain.SideBuy {
		portfolio, err := s.store.Portfolios.Get(portfolioID)
		if err != nil {
			return false, err
		}
		quote, err := s.oracle.GetPrice(ctx, symbol)
		if err != nil {
			return false, err
		}
		return portfolio.CashBalance.Cmp(domain.Cost(quote.Price, quantity)) >= 0, nil
	}

	position, err := s.store.Positions.Get(portfolioID, symbol)
	if errors.Is(err, domain.ErrPositionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return position.Quantity >= quantity, nil
}

// place creates the PENDING order and, for market orders, drives it through
// the engine immediately.
func (s *Service) place(ctx context.Context, order domain.Order) (Result, error) {
	created, err := s.store.Orders.Create(order)
	if err != nil {
		if domain.IsValidation(err) {
			return Result{Message: err.Error()}, nil
		}
		return Result{}, err
	}

	if created.PriceType == domain.PriceTypeLimit {
		return Result{
			Success: true,
			Message: fmt.Sprintf("limit %s order created and pending", sideWord(created.Side)),
			Order:   created,
		}, nil
	}

	outcome, err := s.executor.Execute(ctx, created.ID)
	if err != nil && !errors.Is(err, domain.ErrConcurrentModification) {
		return Result{}, err
	}

	// Return the order as it now stands; execution may have filled or
	// cancelled it.
	settled, getErr := s.store.Orders.Get(created.ID)
	if getErr != nil {
		settled = created
	}

	if err != nil {
		return Result{Message: outcome.Reason, Order: settled}, nil
	}
	if !outcome.Filled {
		return Result{
			Message: fmt.Sprintf("failed to execute %s order: %s", sideWord(created.Side), outcome.Reason),
			Order:   settled,
		}, nil
	}

	return Result{
		Success: true,
		Message: fmt.Sprintf("%s order executed successfully", sideWord(created.Side)),
		Order:   settled,
	}, nil
}

func sideWord(side domain.OrderSide) string {
	if side == domain.SideBuy {
		return "buy"
	}
	return "sell"
}

// validateIntent checks the shape of a buy/sell request before any order
// exists. Rejections here are never retried.
func validateIntent(quantity int64, priceType domain.PriceType, limitPrice decimal.Decimal) string {
	if quantity <= 0 {
		return "quantity must be positive"
	}
	if priceType != domain.PriceTypeMarket && priceType != domain.PriceTypeLimit {
		return fmt.Sprintf("invalid price type: %s", priceType)
	}
	if priceType == domain.PriceTypeLimit && !limitPrice.IsPositive() {
		return "limit price must be positive for limit orders"
	}
	return ""
}
