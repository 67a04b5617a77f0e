package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/simple-rebalancer/internal/rebalance"
	"github.com/amirphl/simple-rebalancer/internal/utils"
	"github.com/shopspring/decimal"
)

// PaperOrder is an order resting on the paper book.
type PaperOrder struct {
	ID         string
	Market     string
	SubAccount string
	Side       rebalance.Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	CreatedAt  time.Time
}

// PaperGateway keeps prices, balances and open orders in memory. Orders
// either rest until cancelled or, with FillImmediately, fill at the limit
// price on placement.
type PaperGateway struct {
	mu sync.Mutex

	name            string
	FillImmediately bool

	prices   map[string]decimal.Decimal
	minSizes map[string]decimal.Decimal
	// balances by subAccount then asset
	balances map[string]map[string]decimal.Decimal
	orders   map[string]PaperOrder

	orderCounter int64
	now          func() time.Time
}

func NewPaperGateway(name string) *PaperGateway {
	if name == "" {
		name = "paper"
	}
	return &PaperGateway{
		name:         name,
		prices:       make(map[string]decimal.Decimal),
		minSizes:     make(map[string]decimal.Decimal),
		balances:     make(map[string]map[string]decimal.Decimal),
		orders:       make(map[string]PaperOrder),
		orderCounter: 1000,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (p *PaperGateway) Name() string {
	return p.name
}

// SetPrice sets the last price and minimum order size of a market.
func (p *PaperGateway) SetPrice(market string, price, minOrderSize decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := NormalizeSymbol(market)
	p.prices[key] = price
	p.minSizes[key] = minOrderSize
}

// SetBalance sets the total holding of an asset.
func (p *PaperGateway) SetBalance(subAccount, asset string, qty decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.account(subAccount)[strings.ToUpper(asset)] = qty
}

// Balance returns the total holding of an asset.
func (p *PaperGateway) Balance(subAccount, asset string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.account(subAccount)[strings.ToUpper(asset)]
}

// OpenOrders lists resting orders of a market, oldest first.
func (p *PaperGateway) OpenOrders(market, subAccount string) []PaperOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openOrders(market, subAccount)
}

func (p *PaperGateway) account(subAccount string) map[string]decimal.Decimal {
	acc, ok := p.balances[subAccount]
	if !ok {
		acc = make(map[string]decimal.Decimal)
		p.balances[subAccount] = acc
	}
	return acc
}

func (p *PaperGateway) openOrders(market, subAccount string) []PaperOrder {
	key := NormalizeSymbol(market)
	var out []PaperOrder
	for _, o := range p.orders {
		if NormalizeSymbol(o.Market) == key && o.SubAccount == subAccount {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *PaperGateway) MarketSnapshot(ctx context.Context, market, subAccount string) (rebalance.MarketSnapshot, error) {
	select {
	case <-ctx.Done():
		return rebalance.MarketSnapshot{}, ctx.Err()
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	key := NormalizeSymbol(market)
	price, ok := p.prices[key]
	if !ok {
		return rebalance.MarketSnapshot{}, fmt.Errorf("%w: paper market %s", rebalance.ErrNotFound, market)
	}
	base, quote := SplitMarket(market)
	return rebalance.MarketSnapshot{
		Market:       market,
		BaseAsset:    base,
		QuoteAsset:   quote,
		Price:        price,
		MinOrderSize: p.minSizes[key],
	}, nil
}

func (p *PaperGateway) PositionSnapshot(ctx context.Context, asset string, market rebalance.MarketSnapshot, subAccount string) (rebalance.PositionSnapshot, error) {
	select {
	case <-ctx.Done():
		return rebalance.PositionSnapshot{}, ctx.Err()
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	qty := p.account(subAccount)[strings.ToUpper(asset)]
	return rebalance.PositionSnapshot{
		Asset:         asset,
		TotalQuantity: qty,
		MarkValue:     qty.Mul(market.Price),
	}, nil
}

func (p *PaperGateway) CancelAllOrders(ctx context.Context, market, subAccount string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.openOrders(market, subAccount) {
		delete(p.orders, o.ID)
	}
	return nil
}

// CancelExpiredOrders cancels resting orders older than DefaultOrderExpiry.
func (p *PaperGateway) CancelExpiredOrders(ctx context.Context, market, subAccount string) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	cancelled := 0
	for _, o := range p.openOrders(market, subAccount) {
		if p.now().Sub(o.CreatedAt) > DefaultOrderExpiry {
			delete(p.orders, o.ID)
			cancelled++
		}
	}
	return cancelled, nil
}

func (p *PaperGateway) PlaceLimitOrder(ctx context.Context, req OrderRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.prices[NormalizeSymbol(req.Market)]; !ok {
		return "", fmt.Errorf("%w: paper market %s", rebalance.ErrNotFound, req.Market)
	}
	if minSize := p.minSizes[NormalizeSymbol(req.Market)]; req.Size.LessThan(minSize) {
		return "", fmt.Errorf("%w: size %s below minimum %s", rebalance.ErrExchangeRejection, req.Size, minSize)
	}

	p.orderCounter++
	orderID := fmt.Sprintf("paper_%d", p.orderCounter)

	if p.FillImmediately {
		p.fill(req)
	} else {
		p.orders[orderID] = PaperOrder{
			ID:         orderID,
			Market:     req.Market,
			SubAccount: req.SubAccount,
			Side:       req.Side,
			Price:      req.Price,
			Size:       req.Size,
			CreatedAt:  p.now(),
		}
	}

	utils.Component("paper").Debugf("PaperGateway | order %s accepted: %s", orderID, req)
	return orderID, nil
}

// fill moves the base asset and the quote notional between balances.
func (p *PaperGateway) fill(req OrderRequest) {
	base, quote := SplitMarket(req.Market)
	acc := p.account(req.SubAccount)
	notional := req.Size.Mul(req.Price)
	if req.Side == rebalance.Buy {
		acc[base] = acc[base].Add(req.Size)
		acc[quote] = acc[quote].Sub(notional)
	} else {
		acc[base] = acc[base].Sub(req.Size)
		acc[quote] = acc[quote].Add(notional)
	}
}
