// Package metrics exposes Prometheus counters for rebalance cycles.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/amirphl/simple-rebalancer/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Cycles        *prometheus.CounterVec
	Orders        *prometheus.CounterVec
	Errors        *prometheus.CounterVec
	CycleDuration *prometheus.HistogramVec
	Ticks         prometheus.Counter
	TickTargets   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rebalancer",
			Name:      "cycles_total",
			Help:      "Rebalance cycles by exchange and outcome.",
		}, []string{"exchange", "outcome"}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rebalancer",
			Name:      "orders_placed_total",
			Help:      "Limit orders accepted by the exchange.",
		}, []string{"exchange", "market", "side"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rebalancer",
			Name:      "errors_total",
			Help:      "Cycle errors by stage and error kind.",
		}, []string{"exchange", "stage", "kind"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rebalancer",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one target cycle.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"exchange"}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rebalancer",
			Name:      "ticks_total",
			Help:      "Scheduler ticks fired.",
		}),
		TickTargets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rebalancer",
			Name:      "tick_targets",
			Help:      "Enabled targets evaluated in the last tick.",
		}),
	}
	m.registry.MustRegister(
		m.Cycles, m.Orders, m.Errors, m.CycleDuration, m.Ticks, m.TickTargets,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveCycle(exchange, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(exchange, outcome).Inc()
	m.CycleDuration.WithLabelValues(exchange).Observe(d.Seconds())
}

func (m *Metrics) OrderPlaced(exchange, market, side string) {
	if m == nil {
		return
	}
	m.Orders.WithLabelValues(exchange, market, side).Inc()
}

func (m *Metrics) Error(exchange, stage, kind string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(exchange, stage, kind).Inc()
}

func (m *Metrics) Tick(targets int) {
	if m == nil {
		return
	}
	m.Ticks.Inc()
	m.TickTargets.Set(float64(targets))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			utils.Component("metrics").WithError(err).Warn("Serve | metrics server shutdown failed")
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
