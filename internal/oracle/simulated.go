package oracle

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"paperbroker/internal/domain"
)

// SeedSymbol is one entry of the market-data seed file
type SeedSymbol struct {
	Symbol string `yaml:"symbol"`
	Name   string `yaml:"name"`
	Price  string `yaml:"price"`
}

type seedFile struct {
	Symbols []SeedSymbol `yaml:"symbols"`
}

// LoadSeedFile reads the YAML market-data seed
func LoadSeedFile(path string) ([]SeedSymbol, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read market data file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse market data file: %w", err)
	}
	if len(f.Symbols) == 0 {
		return nil, fmt.Errorf("market data file %s defines no symbols", path)
	}
	return f.Symbols, nil
}

// DefaultSeed returns a small built-in universe, used when no market data
// file is configured.
func DefaultSeed() []SeedSymbol {
	return []SeedSymbol{
		{Symbol: "AAPL", Name: "Apple Inc.", Price: "189.50"},
		{Symbol: "AMZN", Name: "Amazon.com Inc.", Price: "178.25"},
		{Symbol: "GOOGL", Name: "Alphabet Inc.", Price: "141.80"},
		{Symbol: "MSFT", Name: "Microsoft Corp.", Price: "415.30"},
		{Symbol: "NVDA", Name: "NVIDIA Corp.", Price: "875.40"},
		{Symbol: "TSLA", Name: "Tesla Inc.", Price: "248.90"},
	}
}

// SimulatedFeed is an in-process Oracle. Each symbol starts from its seeded
// price and follows a bounded random walk: a quote older than the TTL is
// refreshed with a step of at most ±0.5% on read. Quotes within the TTL are
// served from the cache unchanged, which is the same freshness contract a
// real feed client would offer.
type SimulatedFeed struct {
	mu     sync.Mutex
	quotes map[string]Quote
	ttl    time.Duration
	rng    *rand.Rand
	log    zerolog.Logger
}

// maxWalkBasisPoints bounds one refresh step to ±0.5%
const maxWalkBasisPoints = 50

// NewSimulatedFeed builds a feed from seed symbols
func NewSimulatedFeed(seed []SeedSymbol, ttl time.Duration, log zerolog.Logger) (*SimulatedFeed, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	feed := &SimulatedFeed{
		quotes: make(map[string]Quote, len(seed)),
		ttl:    ttl,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		log:    log.With().Str("component", "price_feed").Logger(),
	}

	now := time.Now()
	for _, s := range seed {
		symbol := strings.ToUpper(strings.TrimSpace(s.Symbol))
		if symbol == "" {
			return nil, fmt.Errorf("seed entry with empty symbol")
		}
		price, err := decimal.NewFromString(s.Price)
		if err != nil {
			return nil, fmt.Errorf("invalid seed price for %s: %w", symbol, err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("seed price for %s must be positive", symbol)
		}
		feed.quotes[symbol] = Quote{
			Symbol:        symbol,
			Name:          s.Name,
			Price:         price.Round(domain.PriceScale),
			Change:        decimal.Zero,
			ChangePercent: decimal.Zero,
			Timestamp:     now,
		}
	}

	feed.log.Info().Int("symbols", len(feed.quotes)).Msg("Simulated price feed ready")
	return feed, nil
}

// GetPrice returns the current quote for a symbol, refreshing it when stale
func (f *SimulatedFeed) GetPrice(ctx context.Context, symbol string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}

	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	f.mu.Lock()
	defer f.mu.Unlock()

	quote, ok := f.quotes[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", domain.ErrPriceUnavailable, symbol)
	}

	if time.Since(quote.Timestamp) < f.ttl {
		return quote, nil
	}

	refreshed := f.walk(quote)
	f.quotes[symbol] = refreshed

	f.log.Debug().
		Str("symbol", symbol).
		Str("price", refreshed.Price.String()).
		Str("change", refreshed.Change.String()).
		Msg("Quote refreshed")

	return refreshed, nil
}

// ListQuotes returns a snapshot of every tracked quote, sorted by symbol.
// Stale quotes are refreshed on the way out, same as GetPrice.
func (f *SimulatedFeed) ListQuotes() []Quote {
	f.mu.Lock()
	defer f.mu.Unlock()

	quotes := make([]Quote, 0, len(f.quotes))
	for symbol, q := range f.quotes {
		if time.Since(q.Timestamp) >= f.ttl {
			q = f.walk(q)
			f.quotes[symbol] = q
		}
		quotes = append(quotes, q)
	}
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].Symbol < quotes[j].Symbol })
	return quotes
}

// walk advances a quote one random step. Caller holds f.mu.
func (f *SimulatedFeed) walk(quote Quote) Quote {
	// Step in [-maxWalkBasisPoints, +maxWalkBasisPoints] basis points.
	bps := f.rng.Intn(2*maxWalkBasisPoints+1) - maxWalkBasisPoints
	factor := decimal.New(int64(10000+bps), -4)

	price := quote.Price.Mul(factor).Round(domain.PriceScale)
	if !price.IsPositive() {
		price = quote.Price
	}

	change := price.Sub(quote.Price)
	changePercent := decimal.Zero
	if quote.Price.IsPositive() {
		changePercent = change.DivRound(quote.Price, 6).Mul(decimal.NewFromInt(100))
	}

	return Quote{
		Symbol:        quote.Symbol,
		Name:          quote.Name,
		Price:         price,
		Change:        change,
		ChangePercent: changePercent,
		Timestamp:     time.Now(),
	}
}
