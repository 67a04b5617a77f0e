package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amirphl/simple-rebalancer/internal/db/conf"
	"github.com/amirphl/simple-rebalancer/internal/rebalance"
	_ "github.com/lib/pq"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// executeWithTransaction executes a function with proper transaction management
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

type Default struct {
	db *sql.DB
}

func New(c conf.Config) (*Default, error) {
	if c.DB == nil {
		return nil, fmt.Errorf("postgres: nil database handle")
	}
	return &Default{db: c.DB}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

func (p *Default) Close() error {
	return p.db.Close()
}

// -------- OrderStorage --------

const orderColumns = `order_id, exchange, market, sub_account, side, type, price, quantity, status, created_at, updated_at`

func scanOrder(rows *sql.Rows) (Order, error) {
	var o Order
	if err := rows.Scan(&o.OrderID, &o.Exchange, &o.Market, &o.SubAccount, &o.Side, &o.Type,
		&o.Price, &o.Quantity, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return Order{}, err
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

func (p *Default) SaveOrder(ctx context.Context, o Order) error {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (order_id) DO UPDATE SET status=EXCLUDED.status, updated_at=EXCLUDED.updated_at`,
			o.OrderID, o.Exchange, o.Market, o.SubAccount, o.Side, o.Type, o.Price, o.Quantity, o.Status, o.CreatedAt, o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save order: %w", err)
		}
		return nil
	})
}

func (p *Default) GetOpenOrders(ctx context.Context, exchange, market, subAccount string) ([]Order, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE exchange=$1 AND market=$2 AND sub_account=$3 AND status=$4 ORDER BY created_at ASC`,
		exchange, market, subAccount, OrderStatusOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (p *Default) CloseOrder(ctx context.Context, orderID, status string) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE orders SET status=$1, updated_at=$2 WHERE order_id=$3`, status, time.Now().UTC(), orderID)
		if err != nil {
			return fmt.Errorf("failed to close order: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: order %s", rebalance.ErrNotFound, orderID)
		}
		return nil
	})
}

// -------- Journaler --------

func (p *Default) LogEvent(ctx context.Context, event Event) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO events (time, type, description, data) VALUES ($1,$2,$3,$4)`,
			event.Time, event.Type, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT time, type, description, data FROM events WHERE type=$1 AND time >= $2 AND time <= $3 ORDER BY time ASC`, eventType, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var e Event
		var data []byte
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &data); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		e.Time = e.Time.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// -------- TargetStorage --------

const targetColumns = `name, exchange, market, base_asset, quote_asset, target_cost, target_rate,
	min_trade_value, min_trade_rate, start_price, min_order_size, sub_account, mode, enabled`

func (p *Default) ListTargets(ctx context.Context) ([]rebalance.Target, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT `+targetColumns+` FROM rebalance_targets ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query targets: %w", err)
	}
	defer rows.Close()

	var targets []rebalance.Target
	for rows.Next() {
		var t rebalance.Target
		var mode string
		if err := rows.Scan(&t.Name, &t.Exchange, &t.Market, &t.BaseAsset, &t.QuoteAsset, &t.TargetCost, &t.TargetRate,
			&t.MinTradeValue, &t.MinTradeRate, &t.StartPrice, &t.MinOrderSize, &t.SubAccount, &mode, &t.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		t.Mode = rebalance.Mode(mode)
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (p *Default) SaveTarget(ctx context.Context, t rebalance.Target) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO rebalance_targets (`+targetColumns+`, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			ON CONFLICT (name) DO UPDATE SET
				exchange=EXCLUDED.exchange, market=EXCLUDED.market, base_asset=EXCLUDED.base_asset,
				quote_asset=EXCLUDED.quote_asset, target_cost=EXCLUDED.target_cost, target_rate=EXCLUDED.target_rate,
				min_trade_value=EXCLUDED.min_trade_value, min_trade_rate=EXCLUDED.min_trade_rate,
				start_price=EXCLUDED.start_price, min_order_size=EXCLUDED.min_order_size,
				sub_account=EXCLUDED.sub_account, mode=EXCLUDED.mode, enabled=EXCLUDED.enabled,
				updated_at=EXCLUDED.updated_at`,
			t.ID(), t.Exchange, t.Market, t.BaseAsset, t.QuoteAsset, t.TargetCost, t.TargetRate,
			t.MinTradeValue, t.MinTradeRate, t.StartPrice, t.MinOrderSize, t.SubAccount, string(t.EffectiveMode()), t.Enabled,
			time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to save target: %w", err)
		}
		return nil
	})
}

func (p *Default) SetTargetEnabled(ctx context.Context, name string, enabled bool) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE rebalance_targets SET enabled=$1, updated_at=$2 WHERE name=$3`, enabled, time.Now().UTC(), name)
		if err != nil {
			return fmt.Errorf("failed to update target: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: target %s", rebalance.ErrNotFound, name)
		}
		return nil
	})
}

func (p *Default) DeleteTarget(ctx context.Context, name string) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM rebalance_targets WHERE name=$1`, name)
		if err != nil {
			return fmt.Errorf("failed to delete target: %w", err)
		}
		return nil
	})
}
