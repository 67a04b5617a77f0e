// Package scheduler fires one evaluation tick per cron period and fans the
// enabled targets out to the orchestrator on a bounded worker pool.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/amirphl/simple-rebalancer/internal/metrics"
	"github.com/amirphl/simple-rebalancer/internal/orchestrator"
	"github.com/amirphl/simple-rebalancer/internal/rebalance"
	"github.com/amirphl/simple-rebalancer/internal/registry"
	"github.com/amirphl/simple-rebalancer/internal/utils"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultSchedule runs one tick per minute.
const DefaultSchedule = "* * * * *"

// Runner runs one cycle for one target. *orchestrator.Orchestrator
// implements it.
type Runner interface {
	RunOnce(ctx context.Context, target rebalance.Target) (orchestrator.Record, error)
}

type Config struct {
	Schedule             string
	MaxConcurrentTargets int
	// CycleTimeout bounds one target's cycle. Zero means no bound beyond the
	// parent context.
	CycleTimeout time.Duration
}

type Scheduler struct {
	cfg      Config
	registry registry.Registry
	runner   Runner
	metrics  *metrics.Metrics
	pool     *pond.WorkerPool
	logger   *logrus.Entry

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(cfg Config, reg registry.Registry, runner Runner, m *metrics.Metrics) *Scheduler {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.MaxConcurrentTargets <= 0 {
		cfg.MaxConcurrentTargets = 4
	}
	logger := utils.Component("scheduler")
	pool := pond.New(
		cfg.MaxConcurrentTargets,
		cfg.MaxConcurrentTargets*16,
		pond.MinWorkers(1),
		pond.IdleTimeout(time.Minute),
		pond.PanicHandler(func(p interface{}) {
			logger.WithField("panic", p).Error("Scheduler | worker pool panic recovered")
		}),
	)
	return &Scheduler{
		cfg:      cfg,
		registry: reg,
		runner:   runner,
		metrics:  m,
		pool:     pool,
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}
}

// TickResult summarises one blocking tick.
type TickResult struct {
	Evaluated int
	Invalid   int
	Failed    int
	Panicked  int
}

// DispatchResult summarises one scheduled tick. Cycles run on after
// Dispatch returns, so their outcomes are only in the records and metrics.
type DispatchResult struct {
	Submitted int
	Invalid   int
	// InFlight counts targets skipped because their previous cycle has not
	// finished.
	InFlight int
	// Rejected counts targets the saturated worker pool could not queue.
	Rejected int
}

// runnable reads the registry and keeps the enabled, valid targets.
func (s *Scheduler) runnable(ctx context.Context) ([]rebalance.Target, int, error) {
	targets, err := s.registry.Targets(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Tick | failed to read targets")
		return nil, 0, fmt.Errorf("read registry: %w", err)
	}

	var (
		out     []rebalance.Target
		invalid int
	)
	for _, t := range targets {
		if !t.Enabled {
			continue
		}
		if err := t.Validate(); err != nil {
			invalid++
			s.logger.WithError(err).WithField("target", t.ID()).Warn("Tick | skipping invalid target")
			continue
		}
		out = append(out, t)
	}
	s.metrics.Tick(len(out))
	return out, invalid, nil
}

// cycle runs one target and recovers a panic so that it stays local to
// that target.
func (s *Scheduler) cycle(ctx context.Context, t rebalance.Target) (failed, panicked bool) {
	if s.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CycleTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			s.metrics.Error(t.Exchange, "cycle", "panic")
			s.logger.WithFields(logrus.Fields{
				"target": t.ID(),
				"panic":  r,
				"stack":  string(debug.Stack()),
			}).Error("Tick | recovered from panic in cycle")
		}
	}()
	if _, err := s.runner.RunOnce(ctx, t); err != nil {
		failed = true
	}
	return failed, panicked
}

// Tick reads the registry and runs every enabled, valid target once. It
// returns when all cycles started by this tick have finished, which suits a
// single evaluation. A registry failure ends the tick with an error;
// failures of single targets do not.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	runnable, invalid, err := s.runnable(ctx)
	if err != nil {
		return res, err
	}
	res.Invalid = invalid

	type outcome struct {
		failed   bool
		panicked bool
	}
	outcomes := make([]outcome, len(runnable))

	group := s.pool.Group()
	for i, t := range runnable {
		i, t := i, t
		group.Submit(func() {
			outcomes[i].failed, outcomes[i].panicked = s.cycle(ctx, t)
		})
	}
	group.Wait()

	res.Evaluated = len(runnable)
	for _, o := range outcomes {
		if o.failed {
			res.Failed++
		}
		if o.panicked {
			res.Panicked++
		}
	}
	s.logger.WithFields(logrus.Fields{
		"evaluated": res.Evaluated,
		"invalid":   res.Invalid,
		"failed":    res.Failed,
		"panicked":  res.Panicked,
	}).Info("Tick | done")
	return res, nil
}

// Dispatch reads the registry and queues one cycle per enabled, valid
// target without waiting for them. A target whose previous cycle is still
// running is skipped for this tick, so a slow target never holds back the
// others.
func (s *Scheduler) Dispatch(ctx context.Context) (DispatchResult, error) {
	var res DispatchResult
	runnable, invalid, err := s.runnable(ctx)
	if err != nil {
		return res, err
	}
	res.Invalid = invalid

	for _, t := range runnable {
		t := t
		id := t.ID()
		if !s.claim(id) {
			res.InFlight++
			s.logger.WithField("target", id).Warn("Dispatch | previous cycle still running, skipping")
			continue
		}
		ok := s.pool.TrySubmit(func() {
			defer s.release(id)
			if ctx.Err() != nil {
				return
			}
			s.cycle(ctx, t)
		})
		if !ok {
			s.release(id)
			res.Rejected++
			s.logger.WithField("target", id).Warn("Dispatch | worker pool is full, skipping")
			continue
		}
		res.Submitted++
	}

	s.logger.WithFields(logrus.Fields{
		"submitted": res.Submitted,
		"invalid":   res.Invalid,
		"in_flight": res.InFlight,
		"rejected":  res.Rejected,
	}).Info("Dispatch | done")
	return res, nil
}

func (s *Scheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

// Start registers Dispatch on the cron schedule and blocks until ctx is
// done. Every firing dispatches; overlap is resolved per target.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(s.logger)),
	))
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Dispatch(ctx); err != nil {
			s.logger.WithError(err).Warn("Start | tick failed")
		}
	}); err != nil {
		return fmt.Errorf("%w: schedule %q: %v", rebalance.ErrConfiguration, s.cfg.Schedule, err)
	}

	s.logger.WithField("schedule", s.cfg.Schedule).Info("Start | scheduler started")
	c.Start()
	<-ctx.Done()

	stopped := c.Stop()
	<-stopped.Done()
	s.pool.StopAndWait()
	s.logger.Info("Start | scheduler stopped")
	return nil
}

// Stop releases the worker pool. Use it when Tick is driven without Start.
func (s *Scheduler) Stop() {
	s.pool.StopAndWait()
}
