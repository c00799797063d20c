package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
	"nhooyr.io/websocket"

	"paperbroker/internal/engine"
	"paperbroker/internal/ledger"
	"paperbroker/internal/oracle"
	"paperbroker/internal/trading"
	"paperbroker/internal/valuation"
)

// newTestServer wires the full stack over an in-memory database and a
// simulated feed with a long TTL, so prices stay at their seeded values.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, ledger.InitSchema(db))

	log := zerolog.New(nil).Level(zerolog.Disabled)
	store := ledger.NewStore(db, log)

	feed, err := oracle.NewSimulatedFeed([]oracle.SeedSymbol{
		{Symbol: "AAPL", Name: "Apple Inc.", Price: "100.00"},
	}, time.Hour, log)
	require.NoError(t, err)

	valuationSvc := valuation.NewService(store, feed, log)
	eng := engine.New(store, feed, valuationSvc, 5, log)
	tradingSvc := trading.NewService(store, feed, eng, log)

	srv := New(Config{
		Log:            log,
		Port:           0,
		Trading:        tradingSvc,
		Valuation:      valuationSvc,
		Store:          store,
		Feed:           feed,
		StreamInterval: 50 * time.Millisecond,
		OpeningCash:    "10000.00",
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body map[string]interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp
}

func createTestPortfolio(t *testing.T, ts *httptest.Server) string {
	t.Helper()

	resp, body := postJSON(t, ts.URL+"/api/portfolios", map[string]interface{}{"owner_id": "alice"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestCreatePortfolio(t *testing.T) {
	ts := newTestServer(t)

	resp, body := postJSON(t, ts.URL+"/api/portfolios", map[string]interface{}{"owner_id": "alice"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "alice", body["owner_id"])
	assert.Equal(t, "10000", strings.TrimRight(strings.TrimRight(body["cash_balance"].(string), "0"), "."))

	// Second portfolio for the same owner conflicts.
	resp, _ = postJSON(t, ts.URL+"/api/portfolios", map[string]interface{}{"owner_id": "alice"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLookupPortfolioByOwner(t *testing.T) {
	ts := newTestServer(t)
	portfolioID := createTestPortfolio(t, ts)

	var found map[string]interface{}
	resp := getJSON(t, ts.URL+"/api/portfolios?owner_id=alice", &found)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, portfolioID, found["id"])

	var missing map[string]interface{}
	resp = getJSON(t, ts.URL+"/api/portfolios?owner_id=nobody", &missing)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreatePortfolio_Validation(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := postJSON(t, ts.URL+"/api/portfolios", map[string]interface{}{"owner_id": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postJSON(t, ts.URL+"/api/portfolios", map[string]interface{}{
		"owner_id": "bob", "opening_cash": "-100",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBuyThenSummary(t *testing.T) {
	ts := newTestServer(t)
	portfolioID := createTestPortfolio(t, ts)

	resp, body := postJSON(t, ts.URL+"/api/trading/buy", map[string]interface{}{
		"portfolio_id": portfolioID,
		"symbol":       "AAPL",
		"quantity":     10,
		"price_type":   "MARKET",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	var summary map[string]interface{}
	resp = getJSON(t, ts.URL+"/api/portfolios/"+portfolioID, &summary)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, portfolioID, summary["portfolio_id"])
	assert.Equal(t, "9000", summary["cash_balance"])
	assert.Equal(t, "1000", summary["positions_value"])

	var positions []map[string]interface{}
	resp = getJSON(t, ts.URL+"/api/portfolios/"+portfolioID+"/positions", &positions)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0]["symbol"])
	assert.Equal(t, float64(10), positions[0]["quantity"])

	var transactions []map[string]interface{}
	resp = getJSON(t, ts.URL+"/api/portfolios/"+portfolioID+"/transactions", &transactions)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, transactions, 1)
}

func TestBuy_UnknownPortfolio(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := postJSON(t, ts.URL+"/api/trading/buy", map[string]interface{}{
		"portfolio_id": "missing",
		"symbol":       "AAPL",
		"quantity":     1,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetOrder(t *testing.T) {
	ts := newTestServer(t)
	portfolioID := createTestPortfolio(t, ts)

	_, body := postJSON(t, ts.URL+"/api/trading/buy", map[string]interface{}{
		"portfolio_id": portfolioID,
		"symbol":       "AAPL",
		"quantity":     1,
		"price_type":   "LIMIT",
		"limit_price":  "90.00",
	})
	order := body["order"].(map[string]interface{})
	orderID := order["id"].(string)

	var fetched map[string]interface{}
	resp := getJSON(t, ts.URL+"/api/orders/"+orderID, &fetched)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PENDING", fetched["status"])
	assert.Equal(t, "LIMIT", fetched["price_type"])

	var missing map[string]interface{}
	resp = getJSON(t, ts.URL+"/api/orders/nope", &missing)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQuoteAndCanAfford(t *testing.T) {
	ts := newTestServer(t)
	portfolioID := createTestPortfolio(t, ts)

	var quote map[string]interface{}
	resp := getJSON(t, ts.URL+"/api/trading/quote?symbol=AAPL&quantity=3", &quote)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "AAPL", quote["symbol"])
	assert.Equal(t, "300", quote["total_value"])

	var missing map[string]interface{}
	resp = getJSON(t, ts.URL+"/api/trading/quote?symbol=NOPE", &missing)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var afford map[string]interface{}
	resp = getJSON(t, ts.URL+"/api/trading/can-afford?portfolio_id="+portfolioID+"&symbol=AAPL&quantity=5", &afford)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, afford["affordable"])

	// Sell side checks held quantity; nothing is held yet.
	var sellSide map[string]interface{}
	resp = getJSON(t, ts.URL+"/api/trading/can-afford?portfolio_id="+portfolioID+"&symbol=AAPL&quantity=1&side=sell", &sellSide)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, sellSide["affordable"])
	assert.Equal(t, "SELL", sellSide["side"])

	var badSide map[string]interface{}
	resp = getJSON(t, ts.URL+"/api/trading/can-afford?portfolio_id="+portfolioID+"&symbol=AAPL&side=hold", &badSide)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	var health map[string]interface{}
	resp := getJSON(t, ts.URL+"/api/health", &health)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health["status"])
}

func TestPriceStream_PushesQuotes(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream/prices"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg struct {
		Type   string         `json:"type"`
		Quotes []oracle.Quote `json:"quotes"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "quotes", msg.Type)
	require.Len(t, msg.Quotes, 1)
	assert.Equal(t, "AAPL", msg.Quotes[0].Symbol)
}
