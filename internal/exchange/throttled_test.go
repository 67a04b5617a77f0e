package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amirphl/simple-rebalancer/internal/rebalance"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowGateway blocks every call until its context ends or delay passes.
type slowGateway struct {
	*PaperGateway
	delay time.Duration
	err   error
}

func (s *slowGateway) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.delay):
		return s.err
	}
}

func (s *slowGateway) CancelAllOrders(ctx context.Context, market, subAccount string) error {
	return s.wait(ctx)
}

func (s *slowGateway) MarketSnapshot(ctx context.Context, market, subAccount string) (rebalance.MarketSnapshot, error) {
	if err := s.wait(ctx); err != nil {
		return rebalance.MarketSnapshot{}, err
	}
	return s.PaperGateway.MarketSnapshot(ctx, market, subAccount)
}

func TestThrottled_TimeoutIsTransportError(t *testing.T) {
	g := NewThrottled(&slowGateway{PaperGateway: NewPaperGateway("slow"), delay: time.Second}, nil, 20*time.Millisecond)

	start := time.Now()
	err := g.CancelAllOrders(context.Background(), "BTC/USD", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, rebalance.ErrTransport)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestThrottled_PassesThroughAndClassifies(t *testing.T) {
	paper := NewPaperGateway("paper")
	paper.SetPrice("BTC/USD", decimal.NewFromInt(5), decimal.Zero)
	g := NewThrottled(&slowGateway{PaperGateway: paper, delay: time.Millisecond}, NewLimiter(1000, 10), time.Second)

	assert.Equal(t, "paper", g.Name())
	m, err := g.MarketSnapshot(context.Background(), "BTC/USD", "")
	require.NoError(t, err)
	assert.True(t, m.Price.Equal(decimal.NewFromInt(5)))

	failing := NewThrottled(&slowGateway{PaperGateway: paper, err: errors.New("Insufficient balance")}, nil, time.Second)
	err = failing.CancelAllOrders(context.Background(), "BTC/USD", "")
	assert.ErrorIs(t, err, rebalance.ErrExchangeRejection)
}

func TestThrottled_RateLimitHonoursContext(t *testing.T) {
	limiter := NewLimiter(0.001, 1)
	g := NewThrottled(NewPaperGateway("paper"), limiter, 0)

	require.NoError(t, g.CancelAllOrders(context.Background(), "BTC/USD", ""))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.CancelAllOrders(ctx, "BTC/USD", "")
	assert.ErrorIs(t, err, rebalance.ErrTransport)
}

func TestThrottled_ForwardsExpirySweep(t *testing.T) {
	paper := NewPaperGateway("paper")
	paper.SetPrice("BTC/USD", decimal.NewFromInt(5), decimal.Zero)
	_, err := paper.PlaceLimitOrder(context.Background(), OrderRequest{Market: "BTC/USD", Side: rebalance.Buy, Price: decimal.NewFromInt(5), Size: decimal.NewFromInt(1)})
	require.NoError(t, err)
	paper.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	var g Gateway = NewThrottled(paper, nil, time.Second)
	sweeper, ok := g.(ExpiredOrderCanceller)
	require.True(t, ok)
	n, err := sweeper.CancelExpiredOrders(context.Background(), "BTC/USD", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
