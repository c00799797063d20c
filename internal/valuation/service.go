// Package valuation recomputes derived portfolio figures from current
// prices. It is read-mostly: it never touches cash balances or position
// quantities, only the stored market values and the portfolio total.
package valuation

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"paperbroker/internal/domain"
	"paperbroker/internal/ledger"
	"paperbroker/internal/oracle"
)

// PortfolioSummary is the read-only valuation of one portfolio
type PortfolioSummary struct {
	PortfolioID      string          `json:"portfolio_id"`
	CashBalance      decimal.Decimal `json:"cash_balance"`
	PositionsValue   decimal.Decimal `json:"positions_value"`
	TotalValue       decimal.Decimal `json:"total_value"`
	CostBasis        decimal.Decimal `json:"cost_basis"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	PercentageReturn decimal.Decimal `json:"percentage_return"`
}

// PositionSummary is the per-position valuation detail
type PositionSummary struct {
	Symbol           string          `json:"symbol"`
	Quantity         int64           `json:"quantity"`
	AveragePrice     decimal.Decimal `json:"average_price"`
	CurrentPrice     decimal.Decimal `json:"current_price,omitempty"`
	Stale            bool            `json:"stale,omitempty"` // price lookup failed; stored value used
	CostBasis        decimal.Decimal `json:"cost_basis"`
	MarketValue      decimal.Decimal `json:"market_value"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	PercentageReturn decimal.Decimal `json:"percentage_return"`
}

// Service computes and persists derived portfolio values
type Service struct {
	store  *ledger.Store
	oracle oracle.Oracle
	log    zerolog.Logger
}

// NewService creates a valuation service
func NewService(store *ledger.Store, priceOracle oracle.Oracle, log zerolog.Logger) *Service {
	return &Service{
		store:  store,
		oracle: priceOracle,
		log:    log.With().Str("service", "valuation").Logger(),
	}
}

// Recalculate refreshes each position's stored market value and persists
// portfolio total value = cash + positions value. A price failure for one
// symbol falls back to that position's last stored value and never fails
// the whole recalculation.
func (s *Service) Recalculate(ctx context.Context, portfolioID string) error {
	portfolio, err := s.store.Portfolios.Get(portfolioID)
	if err != nil {
		return err
	}

	positions, err := s.store.Positions.ListByPortfolio(portfolioID)
	if err != nil {
		return err
	}

	positionsValue := decimal.Zero
	for _, pos := range positions {
		quote, err := s.oracle.GetPrice(ctx, pos.Symbol)
		if err != nil {
			s.log.Warn().
				Err(err).
				Str("symbol", pos.Symbol).
				Msg("Price lookup failed, keeping stored position value")
			positionsValue = positionsValue.Add(pos.CurrentValue)
			continue
		}

		value := domain.Cost(quote.Price, pos.Quantity)
		positionsValue = positionsValue.Add(value)

		if err := s.store.Positions.UpdateCurrentValue(portfolioID, pos.Symbol, value); err != nil {
			// The position may have been sold between the list and this
			// write; the next settlement or sweep recalculates anyway.
			s.log.Debug().
				Err(err).
				Str("symbol", pos.Symbol).
				Msg("Skipped stale position value update")
		}
	}

	total := portfolio.CashBalance.Add(positionsValue)
	if err := s.store.Portfolios.UpdateTotalValue(portfolioID, total); err != nil {
		return err
	}

	s.log.Debug().
		Str("portfolio_id", portfolioID).
		Str("total_value", total.String()).
		Int("positions", len(positions)).
		Msg("Portfolio revalued")

	return nil
}

// Summarize returns the read-only valuation of a portfolio: unrealized P&L
// against cost basis and the percentage return on invested capital.
func (s *Service) Summarize(ctx context.Context, portfolioID string) (PortfolioSummary, error) {
	portfolio, err := s.store.Portfolios.Get(portfolioID)
	if err != nil {
		return PortfolioSummary{}, err
	}

	positions, err := s.store.Positions.ListByPortfolio(portfolioID)
	if err != nil {
		return PortfolioSummary{}, err
	}

	positionsValue := decimal.Zero
	costBasis := decimal.Zero
	for _, pos := range positions {
		positionsValue = positionsValue.Add(s.positionValue(ctx, pos))
		costBasis = costBasis.Add(pos.CostBasis())
	}

	unrealized := positionsValue.Sub(costBasis)

	return PortfolioSummary{
		PortfolioID:      portfolio.ID,
		CashBalance:      portfolio.CashBalance,
		PositionsValue:   positionsValue,
		TotalValue:       portfolio.CashBalance.Add(positionsValue),
		CostBasis:        costBasis,
		UnrealizedPnL:    unrealized,
		PercentageReturn: percentageReturn(unrealized, costBasis),
	}, nil
}

// positionValue prices one position, falling back to its last stored
// value when the price lookup fails.
func (s *Service) positionValue(ctx context.Context, pos domain.Position) decimal.Decimal {
	quote, err := s.oracle.GetPrice(ctx, pos.Symbol)
	if err != nil {
		s.log.Warn().
			Err(err).
			Str("symbol", pos.Symbol).
			Msg("Price lookup failed, keeping stored position value")
		return pos.CurrentValue
	}
	return domain.Cost(quote.Price, pos.Quantity)
}

// PositionSummaries returns the per-position valuation breakdown
func (s *Service) PositionSummaries(ctx context.Context, portfolioID string) ([]PositionSummary, error) {
	if _, err := s.store.Portfolios.Get(portfolioID); err != nil {
		return nil, err
	}

	positions, err := s.store.Positions.ListByPortfolio(portfolioID)
	if err != nil {
		return nil, err
	}

	summaries := make([]PositionSummary, 0, len(positions))
	for _, pos := range positions {
		summary := PositionSummary{
			Symbol:       pos.Symbol,
			Quantity:     pos.Quantity,
			AveragePrice: pos.AveragePrice,
			CostBasis:    pos.CostBasis(),
		}

		quote, err := s.oracle.GetPrice(ctx, pos.Symbol)
		if err != nil {
			summary.Stale = true
			summary.MarketValue = pos.CurrentValue
		} else {
			summary.CurrentPrice = quote.Price
			summary.MarketValue = domain.Cost(quote.Price, pos.Quantity)
		}

		summary.UnrealizedPnL = summary.MarketValue.Sub(summary.CostBasis)
		summary.PercentageReturn = percentageReturn(summary.UnrealizedPnL, summary.CostBasis)
		summaries = append(summaries, summary)
	}

	return summaries, nil
}

// percentageReturn is pnl/invested × 100, rounded half-up to 4 decimal
// places. Zero invested capital yields zero rather than a division error.
func percentageReturn(pnl, invested decimal.Decimal) decimal.Decimal {
	if invested.IsZero() {
		return decimal.Zero
	}
	return pnl.DivRound(invested, 6).Mul(decimal.NewFromInt(100)).Round(domain.PriceScale)
}
