package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/simple-rebalancer/internal/rebalance"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/timeout"
	"golang.org/x/time/rate"
)

// NewLimiter returns a limiter shared by every throttled gateway so that the
// request rate is bounded across all targets.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Throttled decorates a gateway with a shared rate limit, a per-call timeout
// and error classification.
type Throttled struct {
	next        Gateway
	limiter     *rate.Limiter
	callTimeout time.Duration
}

func NewThrottled(next Gateway, limiter *rate.Limiter, callTimeout time.Duration) *Throttled {
	return &Throttled{next: next, limiter: limiter, callTimeout: callTimeout}
}

func (t *Throttled) Name() string {
	return t.next.Name()
}

func (t *Throttled) MarketSnapshot(ctx context.Context, market, subAccount string) (rebalance.MarketSnapshot, error) {
	return throttle(ctx, t, func(ctx context.Context) (rebalance.MarketSnapshot, error) {
		return t.next.MarketSnapshot(ctx, market, subAccount)
	})
}

func (t *Throttled) PositionSnapshot(ctx context.Context, asset string, market rebalance.MarketSnapshot, subAccount string) (rebalance.PositionSnapshot, error) {
	return throttle(ctx, t, func(ctx context.Context) (rebalance.PositionSnapshot, error) {
		return t.next.PositionSnapshot(ctx, asset, market, subAccount)
	})
}

func (t *Throttled) CancelAllOrders(ctx context.Context, market, subAccount string) error {
	_, err := throttle(ctx, t, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.next.CancelAllOrders(ctx, market, subAccount)
	})
	return err
}

func (t *Throttled) PlaceLimitOrder(ctx context.Context, req OrderRequest) (string, error) {
	return throttle(ctx, t, func(ctx context.Context) (string, error) {
		return t.next.PlaceLimitOrder(ctx, req)
	})
}

// CancelExpiredOrders forwards to the decorated gateway when it supports the sweep.
func (t *Throttled) CancelExpiredOrders(ctx context.Context, market, subAccount string) (int, error) {
	c, ok := t.next.(ExpiredOrderCanceller)
	if !ok {
		return 0, nil
	}
	return throttle(ctx, t, func(ctx context.Context) (int, error) {
		return c.CancelExpiredOrders(ctx, market, subAccount)
	})
}

func throttle[R any](ctx context.Context, t *Throttled, fn func(context.Context) (R, error)) (R, error) {
	var zero R
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return zero, fmt.Errorf("%w: %s rate limit: %w", rebalance.ErrTransport, t.Name(), err)
		}
	}
	if t.callTimeout <= 0 {
		r, err := fn(ctx)
		return r, Classify(err)
	}

	policy := timeout.NewBuilder[R](t.callTimeout).Build()
	r, err := failsafe.With[R](policy).
		WithContext(ctx).
		GetWithExecution(func(exec failsafe.Execution[R]) (R, error) {
			return fn(exec.Context())
		})
	if err != nil {
		return zero, Classify(err)
	}
	return r, nil
}
