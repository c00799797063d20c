// Package oracle provides the price-quote source the trading core depends
// on. The core only ever sees the Oracle interface; the bundled simulated
// feed stands in for a live market-data client.
package oracle

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the latest known trade price for a symbol
type Quote struct {
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name,omitempty"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Oracle returns the current price for a symbol. GetPrice may block; callers
// must not hold shared locks while waiting on it. Unknown symbols and feed
// failures return domain.ErrPriceUnavailable (possibly wrapped).
type Oracle interface {
	GetPrice(ctx context.Context, symbol string) (Quote, error)
}
