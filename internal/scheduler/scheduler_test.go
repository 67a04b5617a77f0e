package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/simple-rebalancer/internal/exchange"
	"github.com/amirphl/simple-rebalancer/internal/metrics"
	"github.com/amirphl/simple-rebalancer/internal/orchestrator"
	"github.com/amirphl/simple-rebalancer/internal/rebalance"
	"github.com/amirphl/simple-rebalancer/internal/registry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu      sync.Mutex
	ran     []string
	failFor map[string]bool
	panicOn map[string]bool
}

func (f *fakeRunner) RunOnce(ctx context.Context, t rebalance.Target) (orchestrator.Record, error) {
	f.mu.Lock()
	f.ran = append(f.ran, t.ID())
	f.mu.Unlock()
	if f.panicOn[t.ID()] {
		panic("boom")
	}
	if f.failFor[t.ID()] {
		return orchestrator.Record{Outcome: orchestrator.OutcomeFailed}, errors.New("failed")
	}
	return orchestrator.Record{Outcome: orchestrator.OutcomeNoAction}, nil
}

func (f *fakeRunner) Ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

// gatedRunner blocks the targets in slow until release is closed and counts
// every run.
type gatedRunner struct {
	slow    map[string]bool
	release chan struct{}

	mu   sync.Mutex
	runs map[string]int
}

func newGatedRunner(slow ...string) *gatedRunner {
	g := &gatedRunner{slow: map[string]bool{}, release: make(chan struct{}), runs: map[string]int{}}
	for _, id := range slow {
		g.slow[id] = true
	}
	return g
}

func (g *gatedRunner) RunOnce(ctx context.Context, t rebalance.Target) (orchestrator.Record, error) {
	g.mu.Lock()
	g.runs[t.ID()]++
	g.mu.Unlock()
	if g.slow[t.ID()] {
		select {
		case <-g.release:
		case <-ctx.Done():
			return orchestrator.Record{Outcome: orchestrator.OutcomeFailed}, ctx.Err()
		}
	}
	return orchestrator.Record{Outcome: orchestrator.OutcomeNoAction}, nil
}

func (g *gatedRunner) Runs(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.runs[id]
}

func running(s *Scheduler, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[id]
	return ok
}

type failingRegistry struct{}

func (failingRegistry) Targets(ctx context.Context) ([]rebalance.Target, error) {
	return nil, errors.New("db down")
}

func target(name string, enabled bool) rebalance.Target {
	return rebalance.Target{
		Name:       name,
		Market:     name + "USDT",
		TargetCost: decimal.NewFromInt(100),
		TargetRate: decimal.RequireFromString("0.5"),
		Enabled:    enabled,
	}
}

func TestTick_IsolatesTargets(t *testing.T) {
	reg := registry.NewMemory(
		target("a", true),
		target("b", true),
		target("c", true),
		target("d", false),
		rebalance.Target{Name: "bad", Market: "X", Enabled: true},
	)
	runner := &fakeRunner{
		failFor: map[string]bool{"b": true},
		panicOn: map[string]bool{"c": true},
	}
	m := metrics.New()
	s := New(Config{MaxConcurrentTargets: 2}, reg, runner, m)
	defer s.Stop()

	res, err := s.Tick(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a", "b", "c"}, runner.Ran())
	assert.Equal(t, TickResult{Evaluated: 3, Invalid: 1, Failed: 1, Panicked: 1}, res)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TickTargets))

	// the scheduler keeps working after a panicking tick
	res, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Evaluated)
}

func TestTick_RegistryFailure(t *testing.T) {
	runner := &fakeRunner{}
	s := New(Config{}, failingRegistry{}, runner, nil)
	defer s.Stop()

	_, err := s.Tick(context.Background())
	assert.Error(t, err)
	assert.Empty(t, runner.Ran())
}

func TestTick_WithOrchestrator(t *testing.T) {
	paper := exchange.NewPaperGateway("paper")
	paper.SetPrice("BTC/USDT", decimal.NewFromInt(10), decimal.Zero)
	paper.SetPrice("ETH/USDT", decimal.NewFromInt(5), decimal.Zero)
	paper.SetBalance("", "BTC", decimal.NewFromInt(2))
	paper.SetBalance("", "ETH", decimal.NewFromInt(10))

	sink := &orchestrator.MemorySink{}
	orch := orchestrator.New(exchange.NewSet("paper", paper), sink)
	reg := registry.NewMemory(
		rebalance.Target{Name: "btc", Market: "BTC/USDT", TargetCost: decimal.NewFromInt(100), TargetRate: decimal.RequireFromString("0.5"), Enabled: true},
		rebalance.Target{Name: "eth", Market: "ETH/USDT", TargetCost: decimal.NewFromInt(100), TargetRate: decimal.RequireFromString("0.5"), Enabled: true},
		// unknown market fails alone
		rebalance.Target{Name: "xrp", Market: "XRP/USDT", TargetCost: decimal.NewFromInt(100), TargetRate: decimal.RequireFromString("0.5"), Enabled: true},
	)
	s := New(Config{MaxConcurrentTargets: 3}, reg, orch, nil)
	defer s.Stop()

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Evaluated)
	assert.Equal(t, 1, res.Failed)

	outcomes := map[string]orchestrator.Outcome{}
	for _, r := range sink.Records() {
		outcomes[r.Target] = r.Outcome
	}
	assert.Equal(t, orchestrator.OutcomePlaced, outcomes["btc"])
	assert.Equal(t, orchestrator.OutcomeNoAction, outcomes["eth"])
	assert.Equal(t, orchestrator.OutcomeFailed, outcomes["xrp"])
	assert.Len(t, paper.OpenOrders("BTC/USDT", ""), 1)
}

func TestDispatch_SlowTargetDoesNotHoldBackOthers(t *testing.T) {
	runner := newGatedRunner("slow")
	reg := registry.NewMemory(target("slow", true), target("fast", true))
	s := New(Config{MaxConcurrentTargets: 2}, reg, runner, nil)
	defer s.Stop()
	defer close(runner.release)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		res, err := s.Dispatch(ctx)
		require.NoError(t, err)
		if i == 1 {
			assert.Equal(t, DispatchResult{Submitted: 2}, res)
		} else {
			assert.Equal(t, DispatchResult{Submitted: 1, InFlight: 1}, res)
		}
		require.Eventually(t, func() bool {
			return runner.Runs("fast") == i && !running(s, "fast")
		}, time.Second, 5*time.Millisecond)
	}

	assert.Equal(t, 1, runner.Runs("slow"))
	assert.True(t, running(s, "slow"))
}

func TestDispatch_SkipsInvalidAndReportsRegistryFailure(t *testing.T) {
	runner := newGatedRunner()
	reg := registry.NewMemory(target("a", true), rebalance.Target{Name: "bad", Market: "X", Enabled: true}, target("off", false))
	s := New(Config{}, reg, runner, nil)
	defer s.Stop()

	res, err := s.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DispatchResult{Submitted: 1, Invalid: 1}, res)
	require.Eventually(t, func() bool { return runner.Runs("a") == 1 }, time.Second, 5*time.Millisecond)

	s2 := New(Config{}, failingRegistry{}, runner, nil)
	defer s2.Stop()
	_, err = s2.Dispatch(context.Background())
	assert.Error(t, err)
}

func TestDispatch_CycleTimeout(t *testing.T) {
	runner := newGatedRunner("slow")
	s := New(Config{CycleTimeout: 20 * time.Millisecond}, registry.NewMemory(target("slow", true)), runner, nil)
	defer s.Stop()

	_, err := s.Dispatch(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return runner.Runs("slow") == 1 && !running(s, "slow")
	}, time.Second, 5*time.Millisecond)
}

func TestStart_SlowTargetDoesNotDelayTicks(t *testing.T) {
	runner := newGatedRunner("slow")
	reg := registry.NewMemory(target("slow", true), target("fast", true))
	s := New(Config{Schedule: "@every 1s", MaxConcurrentTargets: 2}, reg, runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return runner.Runs("fast") >= 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, runner.Runs("slow"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	close(runner.release)
}

func TestStart_StopsOnCancel(t *testing.T) {
	s := New(Config{Schedule: "@every 10ms"}, registry.NewMemory(target("a", true)), &fakeRunner{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestStart_BadSchedule(t *testing.T) {
	s := New(Config{Schedule: "not a schedule"}, registry.NewMemory(), &fakeRunner{}, nil)
	defer s.Stop()
	err := s.Start(context.Background())
	assert.ErrorIs(t, err, rebalance.ErrConfiguration)
}
