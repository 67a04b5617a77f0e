// Package exchange
package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/amirphl/simple-rebalancer/internal/rebalance"
	"github.com/shopspring/decimal"
)

// Gateway is the interface for all supported exchanges. Every method is
// bounded by ctx; subAccount is a routing hint that gateways without
// sub-accounts ignore.
type Gateway interface {
	Name() string
	MarketSnapshot(ctx context.Context, market, subAccount string) (rebalance.MarketSnapshot, error)
	PositionSnapshot(ctx context.Context, asset string, market rebalance.MarketSnapshot, subAccount string) (rebalance.PositionSnapshot, error)
	CancelAllOrders(ctx context.Context, market, subAccount string) error
	PlaceLimitOrder(ctx context.Context, req OrderRequest) (string, error)
}

// ExpiredOrderCanceller is implemented by gateways that can list their open
// orders and cancel the ones older than a given age.
type ExpiredOrderCanceller interface {
	CancelExpiredOrders(ctx context.Context, market, subAccount string) (int, error)
}

// OrderRequest is a resting GTC limit order. No IOC, post-only, reduce-only
// or client id.
type OrderRequest struct {
	Market     string
	SubAccount string
	Side       rebalance.Side
	Price      decimal.Decimal
	Size       decimal.Decimal
}

// NewOrderRequest builds the order for a PlaceOrder decision.
func NewOrderRequest(target rebalance.Target, d rebalance.Decision) OrderRequest {
	return OrderRequest{
		Market:     target.Market,
		SubAccount: target.SubAccount,
		Side:       d.Side,
		Price:      d.Price,
		Size:       d.Size,
	}
}

func (r OrderRequest) Validate() error {
	if r.Market == "" {
		return fmt.Errorf("%w: order without market", rebalance.ErrConfiguration)
	}
	if r.Side != rebalance.Buy && r.Side != rebalance.Sell {
		return fmt.Errorf("%w: unknown order side %q", rebalance.ErrConfiguration, r.Side)
	}
	if !r.Price.IsPositive() || !r.Size.IsPositive() {
		return fmt.Errorf("%w: order price and size must be > 0 (price=%s size=%s)", rebalance.ErrExchangeRejection, r.Price, r.Size)
	}
	return nil
}

func (r OrderRequest) String() string {
	return fmt.Sprintf("%s %s %s @ %s", strings.ToUpper(string(r.Side)), r.Size, r.Market, r.Price)
}

// Set resolves a target's exchange name to a gateway.
type Set struct {
	gateways map[string]Gateway
	fallback string
}

// NewSet registers the gateways under their Name. fallback serves targets
// that do not name an exchange.
func NewSet(fallback string, gateways ...Gateway) *Set {
	s := &Set{gateways: make(map[string]Gateway, len(gateways)), fallback: strings.ToLower(fallback)}
	for _, g := range gateways {
		s.gateways[strings.ToLower(g.Name())] = g
	}
	return s
}

// Get returns the gateway named by exchange, or the fallback when exchange is empty.
func (s *Set) Get(exchange string) (Gateway, error) {
	name := strings.ToLower(exchange)
	if name == "" {
		name = s.fallback
	}
	g, ok := s.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: no gateway configured for exchange %q", rebalance.ErrConfiguration, exchange)
	}
	return g, nil
}

// Names lists the registered gateways.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.gateways))
	for n := range s.gateways {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
