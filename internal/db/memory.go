package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/simple-rebalancer/internal/rebalance"
)

type MemoryStorage struct {
	mu sync.RWMutex

	// Orders by orderID
	orders map[string]Order

	// Events (append-only)
	events []Event

	// Targets by name
	targets map[string]rebalance.Target
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		orders:  make(map[string]Order),
		events:  make([]Event, 0, 1024),
		targets: make(map[string]rebalance.Target),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

// -------- OrderStorage --------

func (m *MemoryStorage) SaveOrder(ctx context.Context, o Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := m.orders[o.OrderID]; ok {
		prev.Status = o.Status
		prev.UpdatedAt = now
		m.orders[o.OrderID] = prev
		return nil
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = o.CreatedAt
	m.orders[o.OrderID] = o
	return nil
}

func (m *MemoryStorage) GetOpenOrders(ctx context.Context, exchange, market, subAccount string) ([]Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Order
	for _, o := range m.orders {
		if o.IsOpen() && o.Exchange == exchange && o.Market == market && o.SubAccount == subAccount {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStorage) CloseOrder(ctx context.Context, orderID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order %s", rebalance.ErrNotFound, orderID)
	}
	o.Status = status
	o.UpdatedAt = time.Now().UTC()
	m.orders[orderID] = o
	return nil
}

// -------- JournalStorage --------

func (m *MemoryStorage) LogEvent(ctx context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Time = event.Time.UTC()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start = start.UTC()
	end = end.UTC()
	var out []Event
	for _, e := range m.events {
		if e.Type == eventType && !e.Time.Before(start) && !e.Time.After(end) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// -------- TargetStorage --------

func (m *MemoryStorage) ListTargets(ctx context.Context) ([]rebalance.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]rebalance.Target, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func (m *MemoryStorage) SaveTarget(ctx context.Context, t rebalance.Target) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Name = t.ID()
	m.targets[t.Name] = t
	return nil
}

func (m *MemoryStorage) SetTargetEnabled(ctx context.Context, name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[name]
	if !ok {
		return fmt.Errorf("%w: target %s", rebalance.ErrNotFound, name)
	}
	t.Enabled = enabled
	m.targets[name] = t
	return nil
}

func (m *MemoryStorage) DeleteTarget(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, name)
	return nil
}
