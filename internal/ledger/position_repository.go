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

const positionColumns = `portfolio_id, symbol, quantity, average_price, current_value, created_at, updated_at`

// PositionRepository handles position database operations
type PositionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPositionRepository creates a new position repository
func NewPositionRepository(db *sql.DB, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		db:  db,
		log: log.With().Str("repo", "position").Logger(),
	}
}

// Get retrieves the position for (portfolio, symbol)
func (r *PositionRepository) Get(portfolioID, symbol string) (*domain.Position, error) {
	row := r.db.QueryRow(`SELECT `+positionColumns+` FROM positions WHERE portfolio_id = ? AND symbol = ?`,
		portfolioID, symbol)
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return pos, nil
}

// ListByPortfolio returns all positions held by a portfolio
func (r *PositionRepository) ListByPortfolio(portfolioID string) ([]domain.Position, error) {
	rows, err := r.db.Query(`SELECT `+positionColumns+` FROM positions WHERE portfolio_id = ? ORDER BY symbol`,
		portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, *pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}

// UpdateCurrentValue refreshes the stored market value of a position.
// Used by valuation only; quantity and cost basis are settlement's domain.
func (r *PositionRepository) UpdateCurrentValue(portfolioID, symbol string, value decimal.Decimal) error {
	res, err := r.db.Exec(`UPDATE positions SET current_value = ?, updated_at = ? WHERE portfolio_id = ? AND symbol = ?`,
		value.Round(domain.CashScale).String(), time.Now().Unix(), portfolioID, symbol)
	if err != nil {
		return fmt.Errorf("failed to update position value: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPositionNotFound
	}
	return nil
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	var (
		pos       domain.Position
		avg       string
		current   string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&pos.PortfolioID, &pos.Symbol, &pos.Quantity, &avg, &current, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if pos.AveragePrice, err = decimal.NewFromString(avg); err != nil {
		return nil, fmt.Errorf("invalid average price %q: %w", avg, err)
	}
	if pos.CurrentValue, err = decimal.NewFromString(current); err != nil {
		return nil, fmt.Errorf("invalid current value %q: %w", current, err)
	}
	pos.CreatedAt = time.Unix(createdAt, 0)
	pos.UpdatedAt = time.Unix(updatedAt, 0)
	return &pos, nil
}
