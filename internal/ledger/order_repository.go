package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"paperbroker/internal/domain"
)

const orderColumns = `id, portfolio_id, symbol, side, price_type, quantity, limit_price, status, filled_price, filled_at, version, created_at`

// OrderRepository handles order database operations
type OrderRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *sql.DB, log zerolog.Logger) *OrderRepository {
	return &OrderRepository{
		db:  db,
		log: log.With().Str("repo", "order").Logger(),
	}
}

// Create inserts a new PENDING order. The id, status, version and creation
// time are assigned here; callers only supply the trading intent.
func (r *OrderRepository) Create(order domain.Order) (*domain.Order, error) {
	order.ID = uuid.NewString()
	order.Symbol = strings.ToUpper(strings.TrimSpace(order.Symbol))
	order.Status = domain.OrderStatusPending
	order.Version = 0
	order.CreatedAt = time.Now()

	if err := order.Validate(); err != nil {
		return nil, err
	}

	var limitPrice interface{}
	if order.PriceType == domain.PriceTypeLimit {
		limitPrice = order.LimitPrice.String()
	}

	_, err := r.db.Exec(`
		INSERT INTO orders (id, portfolio_id, symbol, side, price_type, quantity, limit_price, status, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.PortfolioID, order.Symbol, string(order.Side), string(order.PriceType),
		order.Quantity, limitPrice, string(order.Status), order.Version, order.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	r.log.Info().
		Str("order_id", order.ID).
		Str("portfolio_id", order.PortfolioID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("price_type", string(order.PriceType)).
		Int64("quantity", order.Quantity).
		Msg("Order created")

	return &order, nil
}

// Get retrieves an order by id
func (r *OrderRepository) Get(id string) (*domain.Order, error) {
	row := r.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// ListByPortfolio returns a portfolio's orders, most recent first
func (r *OrderRepository) ListByPortfolio(portfolioID string) ([]domain.Order, error) {
	rows, err := r.db.Query(`SELECT `+orderColumns+` FROM orders WHERE portfolio_id = ? ORDER BY created_at DESC, id`,
		portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// ListPendingLimit returns all PENDING limit orders, oldest first. This is
// the sweeper's work list.
func (r *OrderRepository) ListPendingLimit() ([]domain.Order, error) {
	rows, err := r.db.Query(`SELECT `+orderColumns+` FROM orders WHERE status = ? AND price_type = ? ORDER BY created_at, id`,
		string(domain.OrderStatusPending), string(domain.PriceTypeLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending limit orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

func collectOrders(rows *sql.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		order       domain.Order
		side        string
		priceType   string
		status      string
		limitPrice  sql.NullString
		filledPrice sql.NullString
		filledAt    sql.NullInt64
		createdAt   int64
	)
	if err := row.Scan(&order.ID, &order.PortfolioID, &order.Symbol, &side, &priceType,
		&order.Quantity, &limitPrice, &status, &filledPrice, &filledAt, &order.Version, &createdAt); err != nil {
		return nil, err
	}

	order.Side = domain.OrderSide(side)
	order.PriceType = domain.PriceType(priceType)
	order.Status = domain.OrderStatus(status)
	order.CreatedAt = time.Unix(createdAt, 0)

	var err error
	if limitPrice.Valid {
		if order.LimitPrice, err = decimal.NewFromString(limitPrice.String); err != nil {
			return nil, fmt.Errorf("invalid limit price %q: %w", limitPrice.String, err)
		}
	}
	if filledPrice.Valid {
		if order.FilledPrice, err = decimal.NewFromString(filledPrice.String); err != nil {
			return nil, fmt.Errorf("invalid filled price %q: %w", filledPrice.String, err)
		}
	}
	if filledAt.Valid {
		t := time.Unix(filledAt.Int64, 0)
		order.FilledAt = &t
	}
	return &order, nil
}
