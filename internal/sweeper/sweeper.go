// Package sweeper periodically re-evaluates pending limit orders against
// the latest price and feeds crossed orders into the execution engine. The
// engine is the single settlement code path; the sweeper only decides what
// is worth attempting.
package sweeper

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"paperbroker/internal/domain"
	"paperbroker/internal/engine"
	"paperbroker/internal/oracle"
)

// OrderLister provides the sweeper's work list
type OrderLister interface {
	ListPendingLimit() ([]domain.Order, error)
}

// Executor is the settlement entry point shared with the trading facade
type Executor interface {
	Execute(ctx context.Context, orderID string) (engine.Outcome, error)
}

// Sweeper scans pending limit orders on a fixed interval. Passes never
// overlap: if a sweep is still running when the next trigger fires, the
// trigger is skipped. Races against live user-triggered executions are
// resolved by the engine's version checks, not by sweep-level locking.
type Sweeper struct {
	orders   OrderLister
	oracle   oracle.Oracle
	executor Executor
	running  atomic.Bool
	log      zerolog.Logger
}

// New creates a limit order sweeper
func New(orders OrderLister, priceOracle oracle.Oracle, executor Executor, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		orders:   orders,
		oracle:   priceOracle,
		executor: executor,
		log:      log.With().Str("service", "limit_order_sweeper").Logger(),
	}
}

// Name implements scheduler.Job
func (s *Sweeper) Name() string {
	return "limit_order_sweep"
}

// Run implements scheduler.Job
func (s *Sweeper) Run() error {
	return s.Sweep(context.Background())
}

// Sweep processes every pending limit order once. Each order is handled
// independently: a price failure or execution failure on one order is
// logged and never aborts the rest of the pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug().Msg("Previous sweep still running, skipping")
		return nil
	}
	defer s.running.Store(false)

	orders, err := s.orders.ListPendingLimit()
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		return nil
	}

	s.log.Info().Int("pending", len(orders)).Msg("Sweeping pending limit orders")

	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.process(ctx, order)
	}

	return nil
}

func (s *Sweeper) process(ctx context.Context, order domain.Order) {
	quote, err := s.oracle.GetPrice(ctx, order.Symbol)
	if err != nil {
		// Leave the order pending for the next pass; only an Execute call
		// converts a price failure into a cancellation.
		s.log.Warn().
			Err(err).
			Str("order_id", order.ID).
			Str("symbol", order.Symbol).
			Msg("Could not fetch price for pending order")
		return
	}

	if !order.LimitCrossed(quote.Price) {
		return
	}

	outcome, err := s.executor.Execute(ctx, order.ID)
	if err != nil {
		s.log.Error().
			Err(err).
			Str("order_id", order.ID).
			Msg("Error executing limit order")
		return
	}

	if outcome.Filled {
		s.log.Info().
			Str("order_id", order.ID).
			Str("symbol", order.Symbol).
			Str("filled_price", outcome.FilledPrice.String()).
			Msg("Limit order executed")
	} else {
		s.log.Warn().
			Str("order_id", order.ID).
			Str("reason", outcome.Reason).
			Msg("Limit order not executed")
	}
}
