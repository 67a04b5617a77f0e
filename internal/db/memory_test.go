package db

import (
	"context"
	"testing"
	"time"

	"github.com/amirphl/simple-rebalancer/internal/journal"
	"github.com/amirphl/simple-rebalancer/internal/rebalance"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_OpenOrdersScopedByMarket(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	orders := []Order{
		{OrderID: "1", Exchange: "wallex", Market: "BTCUSDT", Status: OrderStatusOpen},
		{OrderID: "2", Exchange: "wallex", Market: "BTCUSDT", SubAccount: "alt", Status: OrderStatusOpen},
		{OrderID: "3", Exchange: "wallex", Market: "ETHUSDT", Status: OrderStatusOpen},
		{OrderID: "4", Exchange: "wallex", Market: "BTCUSDT", Status: OrderStatusCanceled},
	}
	for _, o := range orders {
		require.NoError(t, m.SaveOrder(ctx, o))
	}

	open, err := m.GetOpenOrders(ctx, "wallex", "BTCUSDT", "")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "1", open[0].OrderID)

	require.NoError(t, m.CloseOrder(ctx, "1", OrderStatusCanceled))
	open, err = m.GetOpenOrders(ctx, "wallex", "BTCUSDT", "")
	require.NoError(t, err)
	assert.Empty(t, open)

	assert.ErrorIs(t, m.CloseOrder(ctx, "404", OrderStatusCanceled), rebalance.ErrNotFound)
}

func TestMemory_Events(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, typ := range []string{journal.TypeRebalance, journal.TypeError, journal.TypeRebalance} {
		require.NoError(t, m.LogEvent(ctx, journal.Event{Time: base.Add(time.Duration(i) * time.Minute), Type: typ}))
	}

	events, err := m.GetEvents(ctx, journal.TypeRebalance, base, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = m.GetEvents(ctx, journal.TypeRebalance, base.Add(time.Second), base.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemory_Targets(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SaveTarget(ctx, rebalance.Target{Market: "ETHUSDT", TargetCost: decimal.NewFromInt(100)}))
	require.NoError(t, m.SaveTarget(ctx, rebalance.Target{Name: "a", Market: "BTCUSDT", TargetCost: decimal.NewFromInt(100), Enabled: true}))

	targets, err := m.ListTargets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "ETHUSDT", targets[0].Name)
	assert.Equal(t, "a", targets[1].Name)

	require.NoError(t, m.SetTargetEnabled(ctx, "ETHUSDT", true))
	assert.ErrorIs(t, m.SetTargetEnabled(ctx, "zzz", true), rebalance.ErrNotFound)
	assert.ErrorIs(t, m.SaveTarget(ctx, rebalance.Target{Market: "X"}), rebalance.ErrConfiguration)

	require.NoError(t, m.DeleteTarget(ctx, "a"))
	targets, err = m.ListTargets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.True(t, targets[0].Enabled)
}
