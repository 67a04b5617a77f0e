package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/amirphl/simple-rebalancer/internal/db"
	"github.com/amirphl/simple-rebalancer/internal/rebalance"
	"github.com/amirphl/simple-rebalancer/internal/utils"
	"github.com/shopspring/decimal"
	wallex "github.com/wallexchange/wallex-go"
)

// WallexGateway trades on Wallex. The Wallex client cancels orders by id only,
// so the gateway persists the ids it places and cancels them on the next cycle.
type WallexGateway struct {
	client *wallex.Client
	orders db.OrderStorage
}

// NewWallexGateway creates a gateway whose HTTP calls give up after
// callTimeout. wallex-go v0.1.1 reads the key from WALLEX_API_KEY only.
func NewWallexGateway(apiKey string, orders db.OrderStorage, callTimeout time.Duration) *WallexGateway {
	if os.Getenv("WALLEX_API_KEY") == "" && apiKey != "" {
		os.Setenv("WALLEX_API_KEY", apiKey)
	}
	return newWallexGateway(&http.Client{Timeout: callTimeout}, orders)
}

func newWallexGateway(httpClient *http.Client, orders db.OrderStorage) *WallexGateway {
	return &WallexGateway{
		client: wallex.New(wallex.ClientOptions{HTTPClient: httpClient}),
		orders: orders,
	}
}

func (w *WallexGateway) Name() string {
	return "wallex"
}

func (w *WallexGateway) MarketSnapshot(ctx context.Context, market, subAccount string) (rebalance.MarketSnapshot, error) {
	select {
	case <-ctx.Done():
		utils.Component("wallex").Warnf("Exchange | %s MarketSnapshot timeout", w.Name())
		return rebalance.MarketSnapshot{}, ctx.Err()
	default:
	}

	markets, err := w.client.Markets()
	if err != nil {
		return rebalance.MarketSnapshot{}, Classify(fmt.Errorf("fetching markets: %w", err))
	}

	symbol := NormalizeSymbol(market)
	for _, m := range markets {
		if m == nil || !strings.EqualFold(m.Symbol, symbol) {
			continue
		}
		price, err := parseNumber(m.Stats.LastPrice)
		if err != nil {
			return rebalance.MarketSnapshot{}, fmt.Errorf("%w: wallex %s last price %q", rebalance.ErrInvalidSnapshot, symbol, m.Stats.LastPrice)
		}
		base, quote := SplitMarket(market)
		// Wallex does not report a minimum size; targets carry an override.
		return rebalance.MarketSnapshot{
			Market:     market,
			BaseAsset:  base,
			QuoteAsset: quote,
			Price:      price,
		}, nil
	}
	return rebalance.MarketSnapshot{}, fmt.Errorf("%w: wallex market %s", rebalance.ErrNotFound, symbol)
}

func (w *WallexGateway) PositionSnapshot(ctx context.Context, asset string, market rebalance.MarketSnapshot, subAccount string) (rebalance.PositionSnapshot, error) {
	select {
	case <-ctx.Done():
		utils.Component("wallex").Warnf("Exchange | %s PositionSnapshot timeout", w.Name())
		return rebalance.PositionSnapshot{}, ctx.Err()
	default:
	}

	balances, err := w.client.Balances()
	if err != nil {
		return rebalance.PositionSnapshot{}, Classify(fmt.Errorf("fetching balances: %w", err))
	}

	pos := rebalance.PositionSnapshot{Asset: asset, TotalQuantity: decimal.Zero, MarkValue: decimal.Zero}
	for name, b := range balances {
		if b == nil || !strings.EqualFold(name, asset) {
			continue
		}
		available, err := parseNumber(b.Value)
		if err != nil {
			return rebalance.PositionSnapshot{}, fmt.Errorf("%w: wallex %s balance %q", rebalance.ErrInvalidSnapshot, asset, b.Value)
		}
		locked, err := parseNumber(b.Locked)
		if err != nil {
			return rebalance.PositionSnapshot{}, fmt.Errorf("%w: wallex %s locked %q", rebalance.ErrInvalidSnapshot, asset, b.Locked)
		}
		pos.TotalQuantity = available.Add(locked)
		pos.MarkValue = pos.TotalQuantity.Mul(market.Price)
		break
	}
	return pos, nil
}

// CancelAllOrders cancels every order this gateway placed on the market and
// still considers open. An order that cannot be cancelled because it already
// left the book is closed with the status Wallex reports.
func (w *WallexGateway) CancelAllOrders(ctx context.Context, market, subAccount string) error {
	open, err := w.orders.GetOpenOrders(ctx, w.Name(), market, subAccount)
	if err != nil {
		return fmt.Errorf("loading open wallex orders: %w", err)
	}

	var errs []error
	for _, o := range open {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cancelErr := w.client.CancelOrder(o.OrderID)
		if cancelErr == nil {
			if err := w.orders.CloseOrder(ctx, o.OrderID, db.OrderStatusCanceled); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		status, active, statusErr := w.orderStatus(o.OrderID)
		if statusErr == nil && !active {
			if err := w.orders.CloseOrder(ctx, o.OrderID, status); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		errs = append(errs, Classify(fmt.Errorf("cancel wallex order %s: %w", o.OrderID, cancelErr)))
	}
	return errors.Join(errs...)
}

// orderStatus reports the exchange status of an order and whether it may
// still rest on the book. An order Wallex no longer knows is closed.
func (w *WallexGateway) orderStatus(orderID string) (string, bool, error) {
	resp, err := w.client.Order(orderID)
	if errors.Is(err, wallex.ErrNotFound) || (err == nil && resp == nil) {
		return db.OrderStatusClosed, false, nil
	}
	if err != nil {
		return "", false, err
	}
	status := strings.ToUpper(resp.Status)
	active := resp.Active || status == "NEW" || status == "PARTIALLY_FILLED"
	if status == "" {
		status = db.OrderStatusClosed
	}
	return status, active, nil
}

func (w *WallexGateway) PlaceLimitOrder(ctx context.Context, req OrderRequest) (string, error) {
	select {
	case <-ctx.Done():
		utils.Component("wallex").Warnf("Exchange | %s PlaceLimitOrder timeout", w.Name())
		return "", ctx.Err()
	default:
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	params := &wallex.OrderParams{
		Symbol:   NormalizeSymbol(req.Market),
		Type:     "LIMIT",
		Side:     strings.ToUpper(string(req.Side)),
		Price:    wallex.Number(req.Price.String()),
		Quantity: wallex.Number(req.Size.String()),
	}
	resp, err := w.client.PlaceOrder(params)
	if err != nil {
		return "", Classify(fmt.Errorf("placing wallex order %s: %w", req, err))
	}

	order := db.Order{
		OrderID:    resp.ClientOrderID,
		Exchange:   w.Name(),
		Market:     req.Market,
		SubAccount: req.SubAccount,
		Side:       string(req.Side),
		Type:       "limit",
		Price:      req.Price,
		Quantity:   req.Size,
		Status:     db.OrderStatusOpen,
		CreatedAt:  resp.CreatedAt.UTC(),
	}
	if err := w.orders.SaveOrder(ctx, order); err != nil {
		// The order is live; losing the id only means the next cycle cannot cancel it.
		utils.Component("wallex").WithError(err).Errorf("Exchange | %s failed to persist order %s", w.Name(), resp.ClientOrderID)
	}
	return resp.ClientOrderID, nil
}

// parseNumber converts a Wallex number string into a decimal.
func parseNumber(n wallex.Number) (decimal.Decimal, error) {
	s := strings.TrimSpace(string(n))
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
