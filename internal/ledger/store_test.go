package ledger

import (
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"paperbroker/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newTestStore opens an in-memory database with the full schema. The pool
// is capped at one connection so every statement shares the same memory db.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, InitSchema(db))

	log := zerolog.New(nil).Level(zerolog.Disabled)
	return NewStore(db, log)
}

func createPortfolio(t *testing.T, store *Store, cash string) *domain.Portfolio {
	t.Helper()
	portfolio, err := store.Portfolios.Create("owner-"+t.Name(), d(cash))
	require.NoError(t, err)
	return portfolio
}

func createOrder(t *testing.T, store *Store, order domain.Order) *domain.Order {
	t.Helper()
	created, err := store.Orders.Create(order)
	require.NoError(t, err)
	return created
}

func TestPortfolioCreate_Defaults(t *testing.T) {
	store := newTestStore(t)

	portfolio, err := store.Portfolios.Create("alice", d("10000.00"))
	require.NoError(t, err)

	assert.NotEmpty(t, portfolio.ID)
	assert.Equal(t, "alice", portfolio.OwnerID)
	assert.True(t, d("10000.00").Equal(portfolio.CashBalance))
	assert.Equal(t, int64(0), portfolio.Version)

	fetched, err := store.Portfolios.Get(portfolio.ID)
	require.NoError(t, err)
	assert.Equal(t, portfolio.ID, fetched.ID)

	byOwner, err := store.Portfolios.GetByOwner("alice")
	require.NoError(t, err)
	assert.Equal(t, portfolio.ID, byOwner.ID)
}

func TestPortfolioCreate_OnePerOwner(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Portfolios.Create("alice", d("100"))
	require.NoError(t, err)

	_, err = store.Portfolios.Create("alice", d("100"))
	assert.ErrorIs(t, err, domain.ErrOwnerAlreadyHasPortfolio)
}

func TestPortfolioGet_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Portfolios.Get("missing")
	assert.ErrorIs(t, err, domain.ErrPortfolioNotFound)
}

func TestOrderCreate_NormalizesAndDefaults(t *testing.T) {
	store := newTestStore(t)
	portfolio := createPortfolio(t, store, "1000.00")

	created := createOrder(t, store, domain.Order{
		PortfolioID: portfolio.ID,
		Symbol:      "aapl",
		Side:        domain.SideBuy,
		PriceType:   domain.PriceTypeMarket,
		Quantity:    2,
	})

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "AAPL", created.Symbol)
	assert.Equal(t, domain.OrderStatusPending, created.Status)
	assert.Equal(t, int64(0), created.Version)
	assert.Nil(t, created.FilledAt)
}

func TestOrderCreate_RejectsInvalid(t *testing.T) {
	store := newTestStore(t)
	portfolio := createPortfolio(t, store, "1000.00")

	_, err := store.Orders.Create(domain.Order{
		PortfolioID: portfolio.ID,
		Symbol:      "AAPL",
		Side:        domain.SideBuy,
		PriceType:   domain.PriceTypeLimit,
		Quantity:    2,
		// missing limit price
	})
	assert.True(t, domain.IsValidation(err))
}

func TestSettle_BuyCommitsAtomically(t *testing.T) {
	store := newTestStore(t)
	portfolio := createPortfolio(t, store, "1000.00")
	order := createOrder(t, store, domain.Order{
		PortfolioID: portfolio.ID,
		Symbol:      "AAPL",
		Side:        domain.SideBuy,
		PriceType:   domain.PriceTypeMarket,
		Quantity:    2,
	})

	record, err := store.Settle(Settlement{
		OrderID:          order.ID,
		OrderVersion:     order.Version,
		PortfolioID:      portfolio.ID,
		PortfolioVersion: portfolio.Version,
		NewCashBalance:   d("621.00"),
		NewPosition: &domain.Position{
			PortfolioID:  portfolio.ID,
			Symbol:       "AAPL",
			Quantity:     2,
			AveragePrice: d("189.5000"),
			CurrentValue: d("379.00"),
		},
		Side:        domain.SideBuy,
		Quantity:    2,
		FilledPrice: d("189.50"),
		FilledAt:    time.Now(),
	})
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, d("379.00").Equal(record.TotalAmount))

	updated, err := store.Portfolios.Get(portfolio.ID)
	require.NoError(t, err)
	assert.True(t, d("621.00").Equal(updated.CashBalance))
	assert.Equal(t, portfolio.Version+1, updated.Version)

	filled, err := store.Orders.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, filled.Status)
	require.NotNil(t, filled.FilledAt)
	assert.True(t, d("189.50").Equal(filled.FilledPrice))

	position, err := store.Positions.Get(portfolio.ID, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(2), position.Quantity)

	stored, err := store.Transactions.GetByOrderID(order.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, record.ID, stored.ID)
}

func TestSettle_StoresCashUnrounded(t *testing.T) {
	store := newTestStore(t)
	portfolio := createPortfolio(t, store, "10000.00")
	order := createOrder(t, store, domain.Order{
		PortfolioID: portfolio.ID,
		Symbol:      "AAPL",
		Side:        domain.SideBuy,
		PriceType:   domain.PriceTypeMarket,
		Quantity:    3,
	})

	// 3 @ 10.0001: a four-decimal balance must round-trip through the
	// store untouched, or half a cent leaks on every such fill.
	record, err := store.Settle(Settlement{
		OrderID:          order.ID,
		OrderVersion:     order.Version,
		PortfolioID:      portfolio.ID,
		PortfolioVersion: portfolio.Version,
		NewCashBalance:   d("9969.9997"),
		NewPosition: &domain.Position{
			PortfolioID:  portfolio.ID,
			Symbol:       "AAPL",
			Quantity:     3,
			AveragePrice: d("10.0001"),
			CurrentValue: d("30.0003"),
		},
		Side:        domain.SideBuy,
		Quantity:    3,
		FilledPrice: d("10.0001"),
		FilledAt:    time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, d("30.0003").Equal(record.TotalAmount))

	updated, err := store.Portfolios.Get(portfolio.ID)
	require.NoError(t, err)
	assert.True(t, d("9969.9997").Equal(updated.CashBalance), "cash %s", updated.CashBalance)
	assert.True(t, portfolio.CashBalance.Sub(updated.CashBalance).Equal(record.TotalAmount))
}

func TestSettle_StalePortfolioVersionRollsBack(t *testing.T) {
	store := newTestStore(t)
	portfolio := createPortfolio(t, store, "1000.00")
	order := createOrder(t, store, domain.Order{
		PortfolioID: portfolio.ID,
		Symbol:      "AAPL",
		Side:        domain.SideBuy,
		PriceType:   domain.PriceTypeMarket,
		Quantity:    1,
	})

	_, err := store.Settle(Settlement{
		OrderID:          order.ID,
		OrderVersion:     order.Version,
		PortfolioID:      portfolio.ID,
		PortfolioVersion: portfolio.Version + 7, // stale read
		NewCashBalance:   d("900.00"),
		NewPosition: &domain.Position{
			PortfolioID:  portfolio.ID,
			Symbol:       "AAPL",
			Quantity:     1,
			AveragePrice: d("100.0000"),
			CurrentValue: d("100.00"),
		},
		Side:        domain.SideBuy,
		Quantity:    1,
		FilledPrice: d("100.00"),
		FilledAt:    time.Now(),
	})
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)

	// Nothing changed.
	untouched, err := store.Portfolios.Get(portfolio.ID)
	require.NoError(t, err)
	assert.True(t, d("1000.00").Equal(untouched.CashBalance))
	assert.Equal(t, portfolio.Version, untouched.Version)

	pending, err := store.Orders.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, pending.Status)

	record, err := store.Transactions.GetByOrderID(order.ID)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestSettle_SecondAttemptConflicts(t *testing.T) {
	store := newTestStore(t)
	portfolio := createPortfolio(t, store, "1000.00")
	order := createOrder(t, store, domain.Order{
		PortfolioID: portfolio.ID,
		Symbol:      "AAPL",
		Side:        domain.SideBuy,
		PriceType:   domain.PriceTypeMarket,
		Quantity:    1,
	})

	settlement := Settlement{
		OrderID:          order.ID,
		OrderVersion:     order.Version,
		PortfolioID:      portfolio.ID,
		PortfolioVersion: portfolio.Version,
		NewCashBalance:   d("900.00"),
		NewPosition: &domain.Position{
			PortfolioID:  portfolio.ID,
			Symbol:       "AAPL",
			Quantity:     1,
			AveragePrice: d("100.0000"),
			CurrentValue: d("100.00"),
		},
		Side:        domain.SideBuy,
		Quantity:    1,
		FilledPrice: d("100.00"),
		FilledAt:    time.Now(),
	}

	_, err := store.Settle(settlement)
	require.NoError(t, err)

	// Replaying the same settlement must hit the version check.
	_, err = store.Settle(settlement)
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)

	records, err := store.Transactions.ListByPortfolio(portfolio.ID, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSettle_SellDeletesPosition(t *testing.T) {
	store := newTestStore(t)
	portfolio := createPortfolio(t, store, "1000.00")

	buy := createOrder(t, store, domain.Order{
		PortfolioID: portfolio.ID,
		Symbol:      "TSLA",
		Side:        domain.SideBuy,
		PriceType:   domain.PriceTypeMarket,
		Quantity:    3,
	})
	_, err := store.Settle(Settlement{
		OrderID:          buy.ID,
		OrderVersion:     buy.Version,
		PortfolioID:      portfolio.ID,
		PortfolioVersion: portfolio.Version,
		NewCashBalance:   d("700.00"),
		NewPosition: &domain.Position{
			PortfolioID:  portfolio.ID,
			Symbol:       "TSLA",
			Quantity:     3,
			AveragePrice: d("100.0000"),
			CurrentValue: d("300.00"),
		},
		Side:        domain.SideBuy,
		Quantity:    3,
		FilledPrice: d("100.00"),
		FilledAt:    time.Now(),
	})
	require.NoError(t, err)

	sell := createOrder(t, store, domain.Order{
		PortfolioID: portfolio.ID,
		Symbol:      "TSLA",
		Side:        domain.SideSell,
		PriceType:   domain.PriceTypeMarket,
		Quantity:    3,
	})
	current, err := store.Portfolios.Get(portfolio.ID)
	require.NoError(t, err)

	_, err = store.Settle(Settlement{
		OrderID:          sell.ID,
		OrderVersion:     sell.Version,
		PortfolioID:      portfolio.ID,
		PortfolioVersion: current.Version,
		NewCashBalance:   d("1030.00"),
		DeletePosition:   true,
		Symbol:           "TSLA",
		Side:             domain.SideSell,
		Quantity:         3,
		FilledPrice:      d("110.00"),
		FilledAt:         time.Now(),
	})
	require.NoError(t, err)

	_, err = store.Positions.Get(portfolio.ID, "TSLA")
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)

	positions, err := store.Positions.ListByPortfolio(portfolio.ID)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestSettle_RequiresPositionOutcome(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Settle(Settlement{OrderID: "o", PortfolioID: "p"})
	assert.Error(t, err)
}

func TestCancelOrder(t *testing.T) {
	store := newTestStore(t)
	portfolio := createPortfolio(t, store, "1000.00")
	order := createOrder(t, store, domain.Order{
		PortfolioID: portfolio.ID,
		Symbol:      "AAPL",
		Side:        domain.SideBuy,
		PriceType:   domain.PriceTypeMarket,
		Quantity:    1,
	})

	require.NoError(t, store.CancelOrder(order.ID, order.Version))

	cancelled, err := store.Orders.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)

	// Terminal. A second cancel conflicts instead of re-transitioning.
	err = store.CancelOrder(order.ID, cancelled.Version)
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)
}

func TestListPendingLimit_FiltersByStatusAndType(t *testing.T) {
	store := newTestStore(t)
	portfolio := createPortfolio(t, store, "1000.00")

	limit := createOrder(t, store, domain.Order{
		PortfolioID: portfolio.ID,
		Symbol:      "AAPL",
		Side:        domain.SideBuy,
		PriceType:   domain.PriceTypeLimit,
		Quantity:    1,
		LimitPrice:  d("100.00"),
	})
	createOrder(t, store, domain.Order{
		PortfolioID: portfolio.ID,
		Symbol:      "AAPL",
		Side:        domain.SideBuy,
		PriceType:   domain.PriceTypeMarket,
		Quantity:    1,
	})
	cancelled := createOrder(t, store, domain.Order{
		PortfolioID: portfolio.ID,
		Symbol:      "TSLA",
		Side:        domain.SideSell,
		PriceType:   domain.PriceTypeLimit,
		Quantity:    1,
		LimitPrice:  d("500.00"),
	})
	require.NoError(t, store.CancelOrder(cancelled.ID, cancelled.Version))

	pending, err := store.Orders.ListPendingLimit()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, limit.ID, pending[0].ID)
}

func TestTransactions_GetByOrderID_NoneIsNil(t *testing.T) {
	store := newTestStore(t)

	record, err := store.Transactions.GetByOrderID("missing")
	require.NoError(t, err)
	assert.Nil(t, record)
}
