// Package engine decides whether and at what price an order fills, and
// applies the settlement: cash, position, order status and ledger entry as
// one atomic unit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"paperbroker/internal/domain"
	"paperbroker/internal/ledger"
	"paperbroker/internal/oracle"
)

// Failure reasons reported in an Outcome
const (
	ReasonNotPending       = "order is not in PENDING status"
	ReasonPriceUnavailable = "price unavailable"
	ReasonLimitNotReached  = "limit price not reached"
	ReasonInsufficientCash = "insufficient cash balance"
	ReasonInsufficientQty  = "insufficient shares to sell"
	ReasonConcurrent       = "order is being processed concurrently"
	ReasonFilled           = "order executed successfully"
)

// Outcome reports the result of one Execute call. Filled is true for
// exactly one call per order, ever.
type Outcome struct {
	Filled      bool
	Reason      string
	Status      domain.OrderStatus // order status after this call
	FilledPrice decimal.Decimal    // set only when Filled
}

// Valuator refreshes derived portfolio totals after a settlement
type Valuator interface {
	Recalculate(ctx context.Context, portfolioID string) error
}

// Engine executes orders against the ledger store and price oracle using
// optimistic concurrency: each settlement commits only if the order and
// portfolio versions it read are still current, and otherwise the whole
// attempt restarts from a fresh read.
type Engine struct {
	store      *ledger.Store
	oracle     oracle.Oracle
	valuator   Valuator // optional
	maxRetries int
	log        zerolog.Logger
}

// New creates an execution engine. maxRetries bounds the optimistic retry
// loop for one Execute call.
func New(store *ledger.Store, priceOracle oracle.Oracle, valuator Valuator, maxRetries int, log zerolog.Logger) *Engine {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Engine{
		store:      store,
		oracle:     priceOracle,
		valuator:   valuator,
		maxRetries: maxRetries,
		log:        log.With().Str("service", "execution_engine").Logger(),
	}
}

// Execute attempts to settle the given order. It is safe to call from any
// number of goroutines with the same order id: the FILLED transition is the
// commit point, so at most one caller settles and the rest observe a
// terminal order.
//
// A nil error with Filled=false is a business decision (not pending, no
// limit cross, cancellation); a non-nil error is a not-found, an exhausted
// retry budget, or a store failure, and leaves the invariants intact.
func (e *Engine) Execute(ctx context.Context, orderID string) (Outcome, error) {
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		outcome, retry, err := e.attempt(ctx, orderID)
		if err != nil {
			return outcome, err
		}
		if !retry {
			return outcome, nil
		}

		e.log.Debug().
			Str("order_id", orderID).
			Int("attempt", attempt+1).
			Msg("Settlement conflicted, retrying")
	}

	e.log.Warn().
		Str("order_id", orderID).
		Int("max_retries", e.maxRetries).
		Msg("Settlement retry budget exhausted")

	return Outcome{Reason: ReasonConcurrent}, domain.ErrConcurrentModification
}

// attempt runs one full read-decide-commit pass. retry=true means a version
// conflict was detected and the caller should start over from a fresh read.
func (e *Engine) attempt(ctx context.Context, orderID string) (Outcome, bool, error) {
	order, err := e.store.Orders.Get(orderID)
	if err != nil {
		return Outcome{}, false, err
	}

	// Idempotent no-op: a second Execute on a settled or cancelled order
	// must never double-settle.
	if order.Status != domain.OrderStatusPending {
		return Outcome{Reason: ReasonNotPending, Status: order.Status}, false, nil
	}

	// The oracle call may block; nothing is locked here and no state has
	// been touched yet.
	quote, err := e.oracle.GetPrice(ctx, order.Symbol)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, false, ctx.Err()
		}
		// An order must not remain silently stuck behind a dead feed, so
		// this is the one fetch failure that transitions state.
		e.log.Warn().
			Err(err).
			Str("order_id", order.ID).
			Str("symbol", order.Symbol).
			Msg("Price unavailable, cancelling order")
		return e.cancel(order, ReasonPriceUnavailable)
	}

	if !order.LimitCrossed(quote.Price) {
		// No fill at current market conditions. The order stays PENDING so
		// the sweeper can try again later.
		return Outcome{Reason: ReasonLimitNotReached, Status: domain.OrderStatusPending}, false, nil
	}
	executionPrice := quote.Price

	portfolio, err := e.store.Portfolios.Get(order.PortfolioID)
	if err != nil {
		return Outcome{}, false, err
	}

	set, reason, err := e.buildSettlement(order, portfolio, executionPrice)
	if err != nil {
		return Outcome{}, false, err
	}
	if reason != "" {
		return e.cancel(order, reason)
	}

	record, err := e.store.Settle(*set)
	if errors.Is(err, domain.ErrConcurrentModification) {
		return Outcome{}, true, nil
	}
	if err != nil {
		return Outcome{}, false, fmt.Errorf("settlement failed: %w", err)
	}

	e.log.Info().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("filled_price", executionPrice.String()).
		Str("total", record.TotalAmount.String()).
		Msg("Order filled")

	// Derived totals only; failure here never rolls back a settlement.
	if e.valuator != nil {
		if err := e.valuator.Recalculate(ctx, order.PortfolioID); err != nil {
			e.log.Warn().
				Err(err).
				Str("portfolio_id", order.PortfolioID).
				Msg("Post-settlement valuation failed")
		}
	}

	return Outcome{
		Filled:      true,
		Reason:      ReasonFilled,
		Status:      domain.OrderStatusFilled,
		FilledPrice: executionPrice,
	}, false, nil
}

// buildSettlement validates sufficiency and computes the post-fill state.
// A non-empty reason means the order must be cancelled instead of settled.
func (e *Engine) buildSettlement(order *domain.Order, portfolio *domain.Portfolio, price decimal.Decimal) (*ledger.Settlement, string, error) {
	total := domain.Cost(price, order.Quantity)

	set := &ledger.Settlement{
		OrderID:          order.ID,
		OrderVersion:     order.Version,
		PortfolioID:      portfolio.ID,
		PortfolioVersion: portfolio.Version,
		Symbol:           order.Symbol,
		Side:             order.Side,
		Quantity:         order.Quantity,
		FilledPrice:      price,
		FilledAt:         time.Now(),
	}

	if order.Side == domain.SideBuy {
		if portfolio.CashBalance.Cmp(total) < 0 {
			return nil, ReasonInsufficientCash, nil
		}
		set.NewCashBalance = portfolio.CashBalance.Sub(total)

		position, err := e.store.Positions.Get(portfolio.ID, order.Symbol)
		switch {
		case errors.Is(err, domain.ErrPositionNotFound):
			// First buy of this symbol opens the position at the fill price.
			set.NewPosition = &domain.Position{
				PortfolioID:  portfolio.ID,
				Symbol:       order.Symbol,
				Quantity:     order.Quantity,
				AveragePrice: price.Round(domain.PriceScale),
				CurrentValue: total,
			}
		case err != nil:
			return nil, "", err
		default:
			newQty := position.Quantity + order.Quantity
			set.NewPosition = &domain.Position{
				PortfolioID:  portfolio.ID,
				Symbol:       order.Symbol,
				Quantity:     newQty,
				AveragePrice: domain.WeightedAveragePrice(position.AveragePrice, position.Quantity, price, order.Quantity),
				CurrentValue: domain.Cost(price, newQty),
			}
		}
		return set, "", nil
	}

	// SELL
	position, err := e.store.Positions.Get(portfolio.ID, order.Symbol)
	if errors.Is(err, domain.ErrPositionNotFound) {
		return nil, ReasonInsufficientQty, nil
	}
	if err != nil {
		return nil, "", err
	}
	if position.Quantity < order.Quantity {
		return nil, ReasonInsufficientQty, nil
	}

	set.NewCashBalance = portfolio.CashBalance.Add(total)

	newQty := position.Quantity - order.Quantity
	if newQty == 0 {
		// A position is never persisted at quantity zero.
		set.DeletePosition = true
	} else {
		set.NewPosition = &domain.Position{
			PortfolioID:  portfolio.ID,
			Symbol:       order.Symbol,
			Quantity:     newQty,
			AveragePrice: position.AveragePrice, // cost basis unchanged on sell
			CurrentValue: domain.Cost(price, newQty),
		}
	}
	return set, "", nil
}

// cancel transitions the order to CANCELLED under its version check. A
// conflict means another actor got to the order first; the caller restarts
// from a fresh read and will observe the terminal state.
func (e *Engine) cancel(order *domain.Order, reason string) (Outcome, bool, error) {
	err := e.store.CancelOrder(order.ID, order.Version)
	if errors.Is(err, domain.ErrConcurrentModification) {
		return Outcome{}, true, nil
	}
	if err != nil {
		return Outcome{}, false, fmt.Errorf("failed to cancel order: %w", err)
	}

	e.log.Info().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("reason", reason).
		Msg("Order cancelled")

	return Outcome{Reason: reason, Status: domain.OrderStatusCancelled}, false, nil
}
