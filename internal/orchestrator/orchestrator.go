// Package orchestrator runs the cancel, snapshot, decide, place cycle for one
// target against its exchange gateway.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/simple-rebalancer/internal/exchange"
	"github.com/amirphl/simple-rebalancer/internal/metrics"
	"github.com/amirphl/simple-rebalancer/internal/notifier"
	"github.com/amirphl/simple-rebalancer/internal/rebalance"
	"github.com/amirphl/simple-rebalancer/internal/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// GatewayResolver maps a target's exchange name to its gateway.
// *exchange.Set implements it.
type GatewayResolver interface {
	Get(exchange string) (exchange.Gateway, error)
}

// Orchestrator sequences one rebalance cycle per call to RunOnce.
type Orchestrator struct {
	gateways     GatewayResolver
	sink         Sink
	locks        *MarketLocks
	metrics      *metrics.Metrics
	notifier     notifier.Notifier
	logger       *logrus.Entry
	now          func() time.Time
	newID        func() string
	sweepExpired bool
}

type Option func(*Orchestrator)

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithNotifier(n notifier.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithIDGenerator(f func() string) Option {
	return func(o *Orchestrator) { o.newID = f }
}

// WithExpiredOrderSweep makes the cancel step first cancel orders older than
// the gateway's expiry on gateways that support it.
func WithExpiredOrderSweep(enabled bool) Option {
	return func(o *Orchestrator) { o.sweepExpired = enabled }
}

func New(gateways GatewayResolver, sink Sink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gateways: gateways,
		sink:     sink,
		locks:    NewMarketLocks(),
		notifier: notifier.Nop{},
		logger:   utils.Component("orchestrator"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sink == nil {
		o.sink = MultiSink{}
	}
	return o
}

// RunOnce runs one cycle for target. The returned record is also emitted to
// the sink. The error is the failure that ended the cycle, nil for a
// placed order, a NoAction decision, a disabled target or a skipped cycle.
// A failed cancel does not end the cycle and is reported on the record only.
func (o *Orchestrator) RunOnce(ctx context.Context, target rebalance.Target) (Record, error) {
	started := o.now()
	rec := newRecord(o.newID(), target, target.Exchange, started)

	if !target.Enabled {
		rec.Outcome = OutcomeDisabled
		return o.finish(ctx, rec, started, nil), nil
	}

	if err := target.Validate(); err != nil {
		rec.Outcome = OutcomeFailed
		o.countError(rec, "validate", err)
		return o.finish(ctx, rec, started, err), err
	}

	gw, err := o.gateways.Get(target.Exchange)
	if err != nil {
		rec.Outcome = OutcomeFailed
		o.countError(rec, "resolve", err)
		return o.finish(ctx, rec, started, err), err
	}
	rec.Exchange = gw.Name()

	unlock, ok := o.locks.TryLock(LockKey(gw.Name(), target.SubAccount, target.Market))
	if !ok {
		rec.Outcome = OutcomeSkipped
		o.logger.WithFields(logrus.Fields{
			"target": rec.Target,
			"market": target.Market,
		}).Warn("RunOnce | previous cycle still in flight, skipping")
		return o.finish(ctx, rec, started, nil), nil
	}

	c := newCycle(o.now)
	err = o.runLocked(ctx, unlock, c, gw, target, &rec)
	rec.State = c.Reached()
	rec.Transitions = c.History()
	return o.finish(ctx, rec, started, err), err
}

// runLocked holds the market lock only for the exchange calls. Reporting
// and notification happen after it is released.
func (o *Orchestrator) runLocked(ctx context.Context, unlock func(), c *cycle, gw exchange.Gateway, target rebalance.Target, rec *Record) error {
	defer unlock()
	return o.run(ctx, c, gw, target, rec)
}

func (o *Orchestrator) run(ctx context.Context, c *cycle, gw exchange.Gateway, target rebalance.Target, rec *Record) error {
	c.TransitionTo(StateCancelling, "cycle started")
	rec.CancelErr = o.cancel(ctx, gw, target)
	if rec.CancelErr != nil {
		o.countError(*rec, "cancel", rec.CancelErr)
		o.logger.WithError(rec.CancelErr).WithField("market", target.Market).
			Warn("RunOnce | failed to cancel open orders, continuing")
	}

	c.TransitionTo(StateSnapshotting, "orders cancelled")
	market, position, err := o.snapshot(ctx, gw, target)
	if err != nil {
		c.TransitionTo(StateIdle, "snapshot failed")
		rec.Outcome = OutcomeFailed
		o.countError(*rec, "snapshot", err)
		return err
	}
	rec.applySnapshots(market, position)

	c.TransitionTo(StateDeciding, "snapshots taken")
	decision := rebalance.Evaluate(target, market, position)
	rec.applyDecision(decision, position)
	if !decision.ShouldPlace() {
		c.TransitionTo(StateIdle, string(decision.Reason))
		rec.Outcome = OutcomeNoAction
		return nil
	}

	c.TransitionTo(StatePlacing, decision.String())
	req := exchange.NewOrderRequest(target, decision)
	id, err := o.place(ctx, gw, req)
	if err != nil {
		c.TransitionTo(StateIdle, "placement failed")
		rec.Outcome = OutcomeFailed
		o.countError(*rec, "place", err)
		return fmt.Errorf("place %s: %w", req, err)
	}
	rec.OrderID = id
	rec.Outcome = OutcomePlaced
	o.metrics.OrderPlaced(rec.Exchange, target.Market, string(req.Side))
	c.TransitionTo(StateIdle, "order placed")
	return nil
}

func (o *Orchestrator) cancel(ctx context.Context, gw exchange.Gateway, target rebalance.Target) error {
	if o.sweepExpired {
		if sweeper, ok := gw.(exchange.ExpiredOrderCanceller); ok {
			n, err := sweeper.CancelExpiredOrders(ctx, target.Market, target.SubAccount)
			if err != nil {
				o.logger.WithError(err).WithField("market", target.Market).Warn("RunOnce | expired order sweep failed")
			} else if n > 0 {
				o.logger.WithField("market", target.Market).Infof("RunOnce | cancelled %d expired orders", n)
			}
		}
	}
	return gw.CancelAllOrders(ctx, target.Market, target.SubAccount)
}

func (o *Orchestrator) snapshot(ctx context.Context, gw exchange.Gateway, target rebalance.Target) (rebalance.MarketSnapshot, rebalance.PositionSnapshot, error) {
	market, err := gw.MarketSnapshot(ctx, target.Market, target.SubAccount)
	if err != nil {
		return market, rebalance.PositionSnapshot{}, fmt.Errorf("market snapshot %s: %w", target.Market, err)
	}
	if err := market.Validate(); err != nil {
		return market, rebalance.PositionSnapshot{}, err
	}
	if target.MinOrderSize.GreaterThan(market.MinOrderSize) {
		market.MinOrderSize = target.MinOrderSize
	}

	asset := target.BaseAsset
	if asset == "" {
		asset = market.BaseAsset
	}
	if asset == "" {
		return market, rebalance.PositionSnapshot{}, fmt.Errorf("%w: target %q has no base asset and market %s does not report one",
			rebalance.ErrConfiguration, target.ID(), target.Market)
	}

	position, err := gw.PositionSnapshot(ctx, asset, market, target.SubAccount)
	if err != nil {
		return market, position, fmt.Errorf("position snapshot %s: %w", asset, err)
	}
	if err := position.Validate(); err != nil {
		return market, position, err
	}
	return market, position, nil
}

func (o *Orchestrator) place(ctx context.Context, gw exchange.Gateway, req exchange.OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	id, err := gw.PlaceLimitOrder(ctx, req)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("%w: exchange returned an empty order id", rebalance.ErrExchangeRejection)
	}
	return id, nil
}

func (o *Orchestrator) countError(rec Record, stage string, err error) {
	o.metrics.Error(rec.Exchange, stage, rebalance.Kind(err))
}

func (o *Orchestrator) finish(ctx context.Context, rec Record, started time.Time, err error) Record {
	rec.Err = err
	rec.Duration = o.now().Sub(started)
	o.metrics.ObserveCycle(rec.Exchange, string(rec.Outcome), rec.Duration)
	o.sink.Record(ctx, rec)
	if rec.Outcome == OutcomeFailed {
		if nerr := o.notifier.Send(ctx, rec.String()); nerr != nil {
			o.logger.WithError(nerr).Warn("RunOnce | failed to notify")
		}
	}
	return rec
}
