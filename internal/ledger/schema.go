package ledger

import (
	"database/sql"
	"fmt"
)

// schema is the single source of truth for the ledger database layout.
// All statements are idempotent so startup can re-apply them safely.
const schema = `
CREATE TABLE IF NOT EXISTS portfolios (
    id           TEXT PRIMARY KEY,
    owner_id     TEXT NOT NULL UNIQUE,
    cash_balance TEXT NOT NULL,
    total_value  TEXT NOT NULL,
    version      INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    portfolio_id  TEXT NOT NULL,
    symbol        TEXT NOT NULL,
    quantity      INTEGER NOT NULL CHECK (quantity > 0),
    average_price TEXT NOT NULL,
    current_value TEXT NOT NULL,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL,
    PRIMARY KEY (portfolio_id, symbol)
);

CREATE TABLE IF NOT EXISTS orders (
    id           TEXT PRIMARY KEY,
    portfolio_id TEXT NOT NULL,
    symbol       TEXT NOT NULL,
    side         TEXT NOT NULL,
    price_type   TEXT NOT NULL,
    quantity     INTEGER NOT NULL CHECK (quantity > 0),
    limit_price  TEXT,
    status       TEXT NOT NULL,
    filled_price TEXT,
    filled_at    INTEGER,
    version      INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_status_price_type
    ON orders (status, price_type);
CREATE INDEX IF NOT EXISTS idx_orders_portfolio
    ON orders (portfolio_id, created_at);

CREATE TABLE IF NOT EXISTS transactions (
    id           TEXT PRIMARY KEY,
    order_id     TEXT NOT NULL UNIQUE,
    portfolio_id TEXT NOT NULL,
    symbol       TEXT NOT NULL,
    side         TEXT NOT NULL,
    quantity     INTEGER NOT NULL,
    price        TEXT NOT NULL,
    total_amount TEXT NOT NULL,
    executed_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_portfolio
    ON transactions (portfolio_id, executed_at);
`

// InitSchema applies the ledger schema to the given database
func InitSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply ledger schema: %w", err)
	}
	return nil
}
