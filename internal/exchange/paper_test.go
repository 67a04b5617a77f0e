package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/amirphl/simple-rebalancer/internal/rebalance"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaperGateway_Snapshots(t *testing.T) {
	p := NewPaperGateway("")
	p.SetPrice("BTC/USDT", decimal.NewFromInt(40000), decimal.RequireFromString("0.0001"))
	p.SetBalance("", "btc", decimal.RequireFromString("0.5"))
	ctx := context.Background()

	m, err := p.MarketSnapshot(ctx, "BTC/USDT", "")
	require.NoError(t, err)
	assert.Equal(t, "BTC", m.BaseAsset)
	assert.Equal(t, "USDT", m.QuoteAsset)

	pos, err := p.PositionSnapshot(ctx, "BTC", m, "")
	require.NoError(t, err)
	assert.True(t, pos.MarkValue.Equal(decimal.NewFromInt(20000)))

	other, err := p.PositionSnapshot(ctx, "BTC", m, "alt")
	require.NoError(t, err)
	assert.True(t, other.TotalQuantity.IsZero())

	_, err = p.MarketSnapshot(ctx, "DOGE/USDT", "")
	assert.ErrorIs(t, err, rebalance.ErrNotFound)
}

func TestPaperGateway_RestingOrders(t *testing.T) {
	p := NewPaperGateway("paper")
	p.SetPrice("ETHUSDT", decimal.NewFromInt(2000), decimal.RequireFromString("0.01"))
	ctx := context.Background()

	req := OrderRequest{Market: "ETHUSDT", Side: rebalance.Buy, Price: decimal.NewFromInt(2000), Size: decimal.RequireFromString("0.5")}
	id1, err := p.PlaceLimitOrder(ctx, req)
	require.NoError(t, err)
	id2, err := p.PlaceLimitOrder(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	req.SubAccount = "alt"
	_, err = p.PlaceLimitOrder(ctx, req)
	require.NoError(t, err)

	assert.Len(t, p.OpenOrders("ETH-USDT", ""), 2)
	require.NoError(t, p.CancelAllOrders(ctx, "ETHUSDT", ""))
	assert.Empty(t, p.OpenOrders("ETHUSDT", ""))
	assert.Len(t, p.OpenOrders("ETHUSDT", "alt"), 1)

	_, err = p.PlaceLimitOrder(ctx, OrderRequest{Market: "ETHUSDT", Side: rebalance.Sell, Price: decimal.NewFromInt(2000), Size: decimal.RequireFromString("0.001")})
	assert.ErrorIs(t, err, rebalance.ErrExchangeRejection)

	_, err = p.PlaceLimitOrder(ctx, OrderRequest{Market: "ETHUSDT", Side: rebalance.Sell, Price: decimal.Zero, Size: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, rebalance.ErrExchangeRejection)
}

func TestPaperGateway_FillImmediately(t *testing.T) {
	p := NewPaperGateway("paper")
	p.FillImmediately = true
	p.SetPrice("BTC/USD", decimal.NewFromInt(100), decimal.Zero)
	p.SetBalance("", "USD", decimal.NewFromInt(1000))
	ctx := context.Background()

	_, err := p.PlaceLimitOrder(ctx, OrderRequest{Market: "BTC/USD", Side: rebalance.Buy, Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(3)})
	require.NoError(t, err)
	assert.True(t, p.Balance("", "BTC").Equal(decimal.NewFromInt(3)))
	assert.True(t, p.Balance("", "USD").Equal(decimal.NewFromInt(700)))
	assert.Empty(t, p.OpenOrders("BTC/USD", ""))

	_, err = p.PlaceLimitOrder(ctx, OrderRequest{Market: "BTC/USD", Side: rebalance.Sell, Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.True(t, p.Balance("", "BTC").Equal(decimal.NewFromInt(2)))
	assert.True(t, p.Balance("", "USD").Equal(decimal.NewFromInt(800)))
}

func TestPaperGateway_CancelExpiredOrders(t *testing.T) {
	p := NewPaperGateway("paper")
	p.SetPrice("BTC/USD", decimal.NewFromInt(100), decimal.Zero)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }
	ctx := context.Background()

	req := OrderRequest{Market: "BTC/USD", Side: rebalance.Buy, Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1)}
	_, err := p.PlaceLimitOrder(ctx, req)
	require.NoError(t, err)

	clock = clock.Add(4 * time.Minute)
	_, err = p.PlaceLimitOrder(ctx, req)
	require.NoError(t, err)

	clock = clock.Add(2 * time.Minute)
	n, err := p.CancelExpiredOrders(ctx, "BTC/USD", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, p.OpenOrders("BTC/USD", ""), 1)
}

func TestPaperGateway_CancelledContext(t *testing.T) {
	p := NewPaperGateway("paper")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.MarketSnapshot(ctx, "BTC/USD", "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, p.CancelAllOrders(ctx, "BTC/USD", ""), context.Canceled)
}
