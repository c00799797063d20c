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

// portfolioColumns is the column list shared by every portfolio query.
// Order must match scanPortfolio.
const portfolioColumns = `id, owner_id, cash_balance, total_value, version, created_at`

// PortfolioRepository handles portfolio database operations
type PortfolioRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPortfolioRepository creates a new portfolio repository
func NewPortfolioRepository(db *sql.DB, log zerolog.Logger) *PortfolioRepository {
	return &PortfolioRepository{
		db:  db,
		log: log.With().Str("repo", "portfolio").Logger(),
	}
}

// Create seeds a new portfolio for an owner with an opening cash balance.
// Each owner has at most one portfolio.
func (r *PortfolioRepository) Create(ownerID string, openingCash decimal.Decimal) (*domain.Portfolio, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, domain.NewValidationError("owner id is required")
	}
	if openingCash.IsNegative() {
		return nil, domain.NewValidationError("opening cash must not be negative")
	}

	p := &domain.Portfolio{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		CashBalance: openingCash.Round(domain.CashScale),
		TotalValue:  openingCash.Round(domain.CashScale),
		Version:     0,
		CreatedAt:   time.Now(),
	}

	_, err := r.db.Exec(`
		INSERT INTO portfolios (id, owner_id, cash_balance, total_value, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.CashBalance.String(), p.TotalValue.String(), p.Version, p.CreatedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, domain.ErrOwnerAlreadyHasPortfolio
		}
		return nil, fmt.Errorf("failed to create portfolio: %w", err)
	}

	r.log.Info().
		Str("portfolio_id", p.ID).
		Str("owner_id", ownerID).
		Str("opening_cash", p.CashBalance.String()).
		Msg("Portfolio created")

	return p, nil
}

// Get retrieves a portfolio by id
func (r *PortfolioRepository) Get(id string) (*domain.Portfolio, error) {
	row := r.db.QueryRow(`SELECT `+portfolioColumns+` FROM portfolios WHERE id = ?`, id)
	p, err := scanPortfolio(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPortfolioNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}
	return p, nil
}

// GetByOwner retrieves the portfolio owned by the given user
func (r *PortfolioRepository) GetByOwner(ownerID string) (*domain.Portfolio, error) {
	row := r.db.QueryRow(`SELECT `+portfolioColumns+` FROM portfolios WHERE owner_id = ?`, ownerID)
	p, err := scanPortfolio(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPortfolioNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio by owner: %w", err)
	}
	return p, nil
}

// UpdateTotalValue persists the derived total value. It deliberately does
// not touch cash_balance or version: the total is a valuation artifact and
// must not contend with settlement's compare-and-swap.
func (r *PortfolioRepository) UpdateTotalValue(id string, totalValue decimal.Decimal) error {
	res, err := r.db.Exec(`UPDATE portfolios SET total_value = ? WHERE id = ?`,
		totalValue.Round(domain.CashScale).String(), id)
	if err != nil {
		return fmt.Errorf("failed to update portfolio total value: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPortfolioNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPortfolio(row rowScanner) (*domain.Portfolio, error) {
	var (
		p         domain.Portfolio
		cash      string
		total     string
		createdAt int64
	)
	if err := row.Scan(&p.ID, &p.OwnerID, &cash, &total, &p.Version, &createdAt); err != nil {
		return nil, err
	}

	var err error
	if p.CashBalance, err = decimal.NewFromString(cash); err != nil {
		return nil, fmt.Errorf("invalid cash balance %q: %w", cash, err)
	}
	if p.TotalValue, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("invalid total value %q: %w", total, err)
	}
	p.CreatedAt = time.Unix(createdAt, 0)
	return &p, nil
}
