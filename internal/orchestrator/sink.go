package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/amirphl/simple-rebalancer/internal/journal"
	"github.com/sirupsen/logrus"
)

// Sink receives one record per evaluated target. Sinks handle their own
// failures; a sink never fails a cycle.
type Sink interface {
	Record(ctx context.Context, rec Record)
}

// LogSink writes records as structured log lines.
type LogSink struct {
	Logger *logrus.Logger
}

func (s LogSink) Record(ctx context.Context, rec Record) {
	entry := s.Logger.WithFields(rec.Fields())
	switch rec.Outcome {
	case OutcomeFailed:
		entry.Error("Rebalance | cycle failed")
	case OutcomePlaced:
		entry.Info("Rebalance | order placed")
	case OutcomeNoAction:
		entry.Info("Rebalance | no action")
	default:
		entry.Debug("Rebalance | cycle skipped")
	}
}

// JournalSink persists records as journal events of type "rebalance". A
// placed order is also journaled as an "order" event and a failed cycle as
// an "error" event. Skipped and disabled cycles are not journaled.
type JournalSink struct {
	Journal journal.Journaler
	Logger  *logrus.Logger
}

func (s JournalSink) Record(ctx context.Context, rec Record) {
	if rec.Outcome == OutcomeDisabled || rec.Outcome == OutcomeSkipped {
		return
	}
	events := []journal.Event{{
		Time:        rec.Time,
		Type:        journal.TypeRebalance,
		Description: rec.String(),
		Data:        rec.Data(),
	}}
	switch rec.Outcome {
	case OutcomePlaced:
		events = append(events, journal.Event{
			Time:        rec.Time,
			Type:        journal.TypeOrder,
			Description: rec.String(),
			Data: map[string]any{
				"cycle_id": rec.CycleID,
				"order_id": rec.OrderID,
				"exchange": rec.Exchange,
				"market":   rec.Market,
				"side":     string(rec.Side),
				"size":     rec.Size.String(),
				"price":    rec.Price.String(),
			},
		})
	case OutcomeFailed:
		events = append(events, journal.Event{
			Time:        rec.Time,
			Type:        journal.TypeError,
			Description: rec.String(),
			Data: map[string]any{
				"cycle_id": rec.CycleID,
				"target":   rec.Target,
				"state":    string(rec.State),
				"error":    fmt.Sprint(rec.Err),
			},
		})
	}
	for _, event := range events {
		if err := s.Journal.LogEvent(ctx, event); err != nil && s.Logger != nil {
			s.Logger.WithError(err).WithFields(logrus.Fields{
				"cycle_id": rec.CycleID,
				"type":     event.Type,
			}).Warn("Rebalance | failed to journal cycle record")
		}
	}
}

// MultiSink fans a record out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, rec Record) {
	for _, s := range m {
		s.Record(ctx, rec)
	}
}

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func (m *MemorySink) Record(ctx context.Context, rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
}

func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}
