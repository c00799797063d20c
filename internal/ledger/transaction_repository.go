package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"paperbroker/internal/domain"
)

const transactionColumns = `id, order_id, portfolio_id, symbol, side, quantity, price, total_amount, executed_at`

// TransactionRepository reads the append-only transaction ledger. Inserts
// happen exclusively inside Store.Settle so a transaction can never exist
// without its matching cash and position changes.
type TransactionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *sql.DB, log zerolog.Logger) *TransactionRepository {
	return &TransactionRepository{
		db:  db,
		log: log.With().Str("repo", "transaction").Logger(),
	}
}

// GetByOrderID retrieves the transaction for an order, if one exists
func (r *TransactionRepository) GetByOrderID(orderID string) (*domain.Transaction, error) {
	row := r.db.QueryRow(`SELECT `+transactionColumns+` FROM transactions WHERE order_id = ?`, orderID)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction by order id: %w", err)
	}
	return tx, nil
}

// ListByPortfolio returns a portfolio's transactions, most recent first
func (r *TransactionRepository) ListByPortfolio(portfolioID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`SELECT `+transactionColumns+` FROM transactions
		WHERE portfolio_id = ? ORDER BY executed_at DESC, id LIMIT ?`, portfolioID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txs, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		tx         domain.Transaction
		side       string
		price      string
		total      string
		executedAt int64
	)
	if err := row.Scan(&tx.ID, &tx.OrderID, &tx.PortfolioID, &tx.Symbol, &side,
		&tx.Quantity, &price, &total, &executedAt); err != nil {
		return nil, err
	}

	tx.Side = domain.OrderSide(side)
	tx.ExecutedAt = time.Unix(executedAt, 0)

	var err error
	if tx.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("invalid price %q: %w", price, err)
	}
	if tx.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("invalid total amount %q: %w", total, err)
	}
	return &tx, nil
}
