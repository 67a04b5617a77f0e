// Package db
package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/amirphl/simple-rebalancer/internal/journal"
	"github.com/amirphl/simple-rebalancer/internal/rebalance"
	"github.com/shopspring/decimal"
)

// Order statuses stored in the orders table.
const (
	OrderStatusOpen     = "OPEN"
	OrderStatusCanceled = "CANCELED"
	OrderStatusClosed   = "CLOSED"
)

type Event = journal.Event

// Order is a limit order placed by a gateway that cannot list its own open
// orders on the exchange.
type Order struct {
	OrderID    string
	Exchange   string
	Market     string
	SubAccount string
	Side       string
	Type       string
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsOpen reports whether the order may still rest on the book.
func (o Order) IsOpen() bool {
	return o.Status == OrderStatusOpen
}

type OrderStorage interface {
	SaveOrder(ctx context.Context, o Order) error
	GetOpenOrders(ctx context.Context, exchange, market, subAccount string) ([]Order, error)
	CloseOrder(ctx context.Context, orderID, status string) error
}

// TargetStorage persists rebalance targets keyed by name.
type TargetStorage interface {
	ListTargets(ctx context.Context) ([]rebalance.Target, error)
	SaveTarget(ctx context.Context, t rebalance.Target) error
	SetTargetEnabled(ctx context.Context, name string, enabled bool) error
	DeleteTarget(ctx context.Context, name string) error
}

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB
	OrderStorage
	TargetStorage
	journal.Journaler
}
