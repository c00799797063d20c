// Package ledger is the durable store for portfolios, positions, orders and
// the transaction ledger. Entity reads and writes go through per-entity
// repositories; the multi-entity settlement write goes through Store.Settle,
// which is the only place cash, position, order status and ledger rows
// change together.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"paperbroker/internal/domain"
)

// Store bundles the ledger repositories over one database handle
type Store struct {
	db           *sql.DB
	Portfolios   *PortfolioRepository
	Positions    *PositionRepository
	Orders       *OrderRepository
	Transactions *TransactionRepository
	log          zerolog.Logger
}

// NewStore creates a ledger store and its repositories
func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:           db,
		Portfolios:   NewPortfolioRepository(db, log),
		Positions:    NewPositionRepository(db, log),
		Orders:       NewOrderRepository(db, log),
		Transactions: NewTransactionRepository(db, log),
		log:          log.With().Str("component", "ledger_store").Logger(),
	}
}

// Settlement describes the complete state change for one filled order. The
// engine computes it from a consistent read of order, portfolio and
// position; Settle commits it only if those reads are still current.
type Settlement struct {
	OrderID      string
	OrderVersion int64 // order version as read

	PortfolioID      string
	PortfolioVersion int64           // portfolio version as read
	NewCashBalance   decimal.Decimal // cash after debit/credit

	// Position outcome. Exactly one of NewPosition / DeletePosition is set;
	// both unset is invalid (every fill touches the position).
	NewPosition    *domain.Position
	DeletePosition bool
	Symbol         string // position key when deleting

	Side        domain.OrderSide
	Quantity    int64
	FilledPrice decimal.Decimal
	FilledAt    time.Time
}

// Settle applies one settlement atomically: portfolio cash (version
// checked), order transition PENDING→FILLED (version checked), position
// upsert or delete, and the appended transaction row. A version mismatch on
// either check rolls the whole unit back and returns
// domain.ErrConcurrentModification; the caller re-reads and retries.
//
// Positions carry no version of their own: they are only ever written under
// their portfolio's version check, which serializes all settlements on the
// same portfolio.
func (s *Store) Settle(set Settlement) (*domain.Transaction, error) {
	if set.NewPosition == nil && !set.DeletePosition {
		return nil, fmt.Errorf("settlement has no position outcome")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin settlement: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Portfolio cash, guarded by the version read by the engine. The
	// balance is stored exactly as computed: execution prices carry up to
	// four decimals, and the cash delta must equal the transaction total
	// to the last digit.
	res, err := tx.Exec(`UPDATE portfolios SET cash_balance = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		set.NewCashBalance.String(), set.PortfolioID, set.PortfolioVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to update portfolio cash: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrConcurrentModification
	}

	// Order transition. Requiring status = PENDING in addition to the
	// version makes the FILLED transition the commit point: at most one
	// settlement can ever pass this statement for a given order.
	res, err = tx.Exec(`UPDATE orders SET status = ?, filled_price = ?, filled_at = ?, version = version + 1
		WHERE id = ? AND version = ? AND status = ?`,
		string(domain.OrderStatusFilled), set.FilledPrice.String(), set.FilledAt.Unix(),
		set.OrderID, set.OrderVersion, string(domain.OrderStatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to fill order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrConcurrentModification
	}

	now := time.Now()
	if set.DeletePosition {
		res, err = tx.Exec(`DELETE FROM positions WHERE portfolio_id = ? AND symbol = ?`,
			set.PortfolioID, set.Symbol)
		if err != nil {
			return nil, fmt.Errorf("failed to delete position: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// The position vanished between read and commit. The portfolio
			// version check should have caught this; treat it as a conflict.
			return nil, domain.ErrConcurrentModification
		}
	} else {
		pos := set.NewPosition
		_, err = tx.Exec(`
			INSERT INTO positions (portfolio_id, symbol, quantity, average_price, current_value, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (portfolio_id, symbol) DO UPDATE SET
				quantity = excluded.quantity,
				average_price = excluded.average_price,
				current_value = excluded.current_value,
				updated_at = excluded.updated_at`,
			pos.PortfolioID, pos.Symbol, pos.Quantity,
			pos.AveragePrice.String(), pos.CurrentValue.Round(domain.CashScale).String(),
			now.Unix(), now.Unix(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert position: %w", err)
		}
	}

	record := domain.Transaction{
		ID:          uuid.NewString(),
		OrderID:     set.OrderID,
		PortfolioID: set.PortfolioID,
		Symbol:      set.Symbol,
		Side:        set.Side,
		Quantity:    set.Quantity,
		Price:       set.FilledPrice,
		TotalAmount: domain.Cost(set.FilledPrice, set.Quantity),
		ExecutedAt:  set.FilledAt,
	}
	if set.NewPosition != nil {
		record.Symbol = set.NewPosition.Symbol
	}

	// The UNIQUE constraint on order_id is the last line of defense against
	// a double settlement slipping past the order version check.
	_, err = tx.Exec(`
		INSERT INTO transactions (id, order_id, portfolio_id, symbol, side, quantity, price, total_amount, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.OrderID, record.PortfolioID, record.Symbol, string(record.Side),
		record.Quantity, record.Price.String(), record.TotalAmount.String(), record.ExecutedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit settlement: %w", err)
	}

	s.log.Info().
		Str("order_id", set.OrderID).
		Str("portfolio_id", set.PortfolioID).
		Str("symbol", record.Symbol).
		Str("side", string(set.Side)).
		Int64("quantity", set.Quantity).
		Str("filled_price", set.FilledPrice.String()).
		Str("total", record.TotalAmount.String()).
		Msg("Settlement committed")

	return &record, nil
}

// CancelOrder transitions a PENDING order to CANCELLED under its version
// check. A mismatch means another actor settled or cancelled it first.
func (s *Store) CancelOrder(orderID string, version int64) error {
	res, err := s.db.Exec(`UPDATE orders SET status = ?, version = version + 1
		WHERE id = ? AND version = ? AND status = ?`,
		string(domain.OrderStatusCancelled), orderID, version, string(domain.OrderStatusPending))
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConcurrentModification
	}

	s.log.Info().Str("order_id", orderID).Msg("Order cancelled")
	return nil
}
