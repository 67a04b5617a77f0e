package exchange

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/amirphl/simple-rebalancer/internal/rebalance"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const binanceExchangeInfo = `{"symbols":[{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT",
"filters":[
 {"filterType":"PRICE_FILTER","minPrice":"0.01","maxPrice":"1000000.00","tickSize":"0.01"},
 {"filterType":"LOT_SIZE","minQty":"0.00001","maxQty":"9000.00","stepSize":"0.00001"}
]}]}`

// fakeBinance serves canned responses keyed by "METHOD path" and keeps the
// parsed parameters of every request.
type fakeBinance struct {
	mu       sync.Mutex
	requests []string
	params   map[string]url.Values
	routes   map[string]func(w http.ResponseWriter)
}

func newFakeBinance(t *testing.T) (*fakeBinance, *BinanceGateway) {
	f := &fakeBinance{params: map[string]url.Values{}, routes: map[string]func(w http.ResponseWriter){}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	f.handle("GET /api/v3/exchangeInfo", http.StatusOK, binanceExchangeInfo)
	return f, NewBinanceGateway("key", "secret", srv.URL)
}

func (f *fakeBinance) handle(route string, status int, body string) {
	f.routes[route] = func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

func (f *fakeBinance) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeBinance) Params(route string) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params[route]
}

func (f *fakeBinance) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := r.Method + " " + r.URL.Path
	_ = r.ParseForm()

	f.mu.Lock()
	f.requests = append(f.requests, route)
	f.params[route] = r.Form
	f.mu.Unlock()

	if h, ok := f.routes[route]; ok {
		h(w)
		return
	}
	w.WriteHeader(http.StatusNotFound)
	io.WriteString(w, `{"code":-1,"msg":"no such route"}`)
}

func TestBinanceGateway_Snapshots(t *testing.T) {
	fake, g := newFakeBinance(t)
	fake.handle("GET /api/v3/ticker/price", http.StatusOK, `{"symbol":"BTCUSDT","price":"65000.50"}`)
	fake.handle("GET /api/v3/account", http.StatusOK,
		`{"balances":[{"asset":"BTC","free":"0.4","locked":"0.1"},{"asset":"USDT","free":"100","locked":"0"}]}`)

	ctx := context.Background()
	m, err := g.MarketSnapshot(ctx, "BTC/USDT", "ignored")
	require.NoError(t, err)
	assert.Equal(t, "BTC", m.BaseAsset)
	assert.Equal(t, "USDT", m.QuoteAsset)
	assert.True(t, m.Price.Equal(decimal.RequireFromString("65000.5")))
	assert.True(t, m.MinOrderSize.Equal(decimal.RequireFromString("0.00001")))

	p, err := g.PositionSnapshot(ctx, "BTC", m, "")
	require.NoError(t, err)
	assert.True(t, p.TotalQuantity.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, p.MarkValue.Equal(decimal.RequireFromString("32500.25")))

	// exchange info is cached per symbol
	_, err = g.MarketSnapshot(ctx, "BTCUSDT", "")
	require.NoError(t, err)
	infoCalls := 0
	for _, r := range fake.Requests() {
		if r == "GET /api/v3/exchangeInfo" {
			infoCalls++
		}
	}
	assert.Equal(t, 1, infoCalls)
}

func TestBinanceGateway_PlaceRoundsToFilters(t *testing.T) {
	fake, g := newFakeBinance(t)
	fake.handle("POST /api/v3/order", http.StatusOK, `{"symbol":"BTCUSDT","orderId":12345,"status":"NEW"}`)

	id, err := g.PlaceLimitOrder(context.Background(), OrderRequest{
		Market: "BTC/USDT",
		Side:   rebalance.Sell,
		Price:  decimal.RequireFromString("65000.567"),
		Size:   decimal.RequireFromString("0.123456789"),
	})
	require.NoError(t, err)
	assert.Equal(t, "12345", id)

	params := fake.Params("POST /api/v3/order")
	require.NotNil(t, params)
	assert.Equal(t, "BTCUSDT", params.Get("symbol"))
	assert.Equal(t, "SELL", params.Get("side"))
	assert.Equal(t, "LIMIT", params.Get("type"))
	assert.Equal(t, "GTC", params.Get("timeInForce"))
	assert.Equal(t, "0.12345", params.Get("quantity"))
	assert.Equal(t, "65000.56", params.Get("price"))
	assert.NotEmpty(t, params.Get("signature"))
}

func TestBinanceGateway_PlaceBelowStepIsRejected(t *testing.T) {
	fake, g := newFakeBinance(t)

	_, err := g.PlaceLimitOrder(context.Background(), OrderRequest{
		Market: "BTCUSDT",
		Side:   rebalance.Buy,
		Price:  decimal.RequireFromString("65000"),
		Size:   decimal.RequireFromString("0.000001"),
	})
	assert.ErrorIs(t, err, rebalance.ErrExchangeRejection)
	assert.NotContains(t, fake.Requests(), "POST /api/v3/order")
}

func TestBinanceGateway_CancelAllOrders(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"cancelled", http.StatusOK, `[{"symbol":"BTCUSDT","orderId":1,"orderListId":-1,"status":"CANCELED"}]`, nil},
		{"nothing open", http.StatusBadRequest, `{"code":-2011,"msg":"Unknown order sent."}`, nil},
		{"rate limited", http.StatusTooManyRequests, `{"code":-1003,"msg":"Too many requests."}`, rebalance.ErrTransport},
		{"bad symbol", http.StatusBadRequest, `{"code":-1121,"msg":"Invalid symbol."}`, rebalance.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake, g := newFakeBinance(t)
			fake.handle("DELETE /api/v3/openOrders", tt.status, tt.body)

			err := g.CancelAllOrders(context.Background(), "BTC/USDT", "")
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, "BTCUSDT", fake.Params("DELETE /api/v3/openOrders").Get("symbol"))
		})
	}
}
