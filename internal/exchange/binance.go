package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/adshao/go-binance/v2"
	"github.com/amirphl/simple-rebalancer/internal/rebalance"
	"github.com/amirphl/simple-rebalancer/internal/utils"
	"github.com/shopspring/decimal"
)

type binanceSymbol struct {
	base, quote      string
	minQty, stepSize decimal.Decimal
	tickSize         decimal.Decimal
}

// BinanceGateway trades on Binance spot. Binance spot has no sub-accounts on
// the trading API, so the subAccount hint is ignored.
type BinanceGateway struct {
	client *binance.Client

	mu      sync.Mutex
	symbols map[string]binanceSymbol
	warned  map[string]bool
}

// NewBinanceGateway creates a spot gateway. baseURL overrides the API host
// (testnet, regional endpoints) when set.
func NewBinanceGateway(apiKey, secretKey, baseURL string) *BinanceGateway {
	client := binance.NewClient(apiKey, secretKey)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &BinanceGateway{
		client:  client,
		symbols: make(map[string]binanceSymbol),
		warned:  make(map[string]bool),
	}
}

func (b *BinanceGateway) Name() string {
	return "binance"
}

func (b *BinanceGateway) ignoreSubAccount(subAccount string) {
	if subAccount == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.warned[subAccount] {
		b.warned[subAccount] = true
		utils.Component("binance").Warnf("Exchange | binance ignores sub account %q", subAccount)
	}
}

// symbolInfo loads and caches the trading rules of a symbol.
func (b *BinanceGateway) symbolInfo(ctx context.Context, symbol string) (binanceSymbol, error) {
	b.mu.Lock()
	info, ok := b.symbols[symbol]
	b.mu.Unlock()
	if ok {
		return info, nil
	}

	res, err := b.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return binanceSymbol{}, Classify(fmt.Errorf("binance exchange info %s: %w", symbol, err))
	}
	for _, s := range res.Symbols {
		if s.Symbol != symbol {
			continue
		}
		info = binanceSymbol{base: s.BaseAsset, quote: s.QuoteAsset}
		if lot := s.LotSizeFilter(); lot != nil {
			info.minQty, _ = decimal.NewFromString(lot.MinQuantity)
			info.stepSize, _ = decimal.NewFromString(lot.StepSize)
		}
		if pf := s.PriceFilter(); pf != nil {
			info.tickSize, _ = decimal.NewFromString(pf.TickSize)
		}
		b.mu.Lock()
		b.symbols[symbol] = info
		b.mu.Unlock()
		return info, nil
	}
	return binanceSymbol{}, fmt.Errorf("%w: binance symbol %s", rebalance.ErrNotFound, symbol)
}

func (b *BinanceGateway) MarketSnapshot(ctx context.Context, market, subAccount string) (rebalance.MarketSnapshot, error) {
	b.ignoreSubAccount(subAccount)
	symbol := NormalizeSymbol(market)

	info, err := b.symbolInfo(ctx, symbol)
	if err != nil {
		return rebalance.MarketSnapshot{}, err
	}

	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return rebalance.MarketSnapshot{}, Classify(fmt.Errorf("binance price %s: %w", symbol, err))
	}
	for _, p := range prices {
		if p.Symbol != symbol {
			continue
		}
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return rebalance.MarketSnapshot{}, fmt.Errorf("%w: binance %s price %q", rebalance.ErrInvalidSnapshot, symbol, p.Price)
		}
		return rebalance.MarketSnapshot{
			Market:       market,
			BaseAsset:    info.base,
			QuoteAsset:   info.quote,
			Price:        price,
			MinOrderSize: info.minQty,
		}, nil
	}
	return rebalance.MarketSnapshot{}, fmt.Errorf("%w: binance price for %s", rebalance.ErrNotFound, symbol)
}

func (b *BinanceGateway) PositionSnapshot(ctx context.Context, asset string, market rebalance.MarketSnapshot, subAccount string) (rebalance.PositionSnapshot, error) {
	b.ignoreSubAccount(subAccount)

	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return rebalance.PositionSnapshot{}, Classify(fmt.Errorf("binance account: %w", err))
	}

	pos := rebalance.PositionSnapshot{Asset: asset, TotalQuantity: decimal.Zero, MarkValue: decimal.Zero}
	for _, bal := range account.Balances {
		if !strings.EqualFold(bal.Asset, asset) {
			continue
		}
		free, err := decimal.NewFromString(bal.Free)
		if err != nil {
			return rebalance.PositionSnapshot{}, fmt.Errorf("%w: binance %s free %q", rebalance.ErrInvalidSnapshot, asset, bal.Free)
		}
		locked, err := decimal.NewFromString(bal.Locked)
		if err != nil {
			return rebalance.PositionSnapshot{}, fmt.Errorf("%w: binance %s locked %q", rebalance.ErrInvalidSnapshot, asset, bal.Locked)
		}
		pos.TotalQuantity = free.Add(locked)
		pos.MarkValue = pos.TotalQuantity.Mul(market.Price)
		break
	}
	return pos, nil
}

func (b *BinanceGateway) CancelAllOrders(ctx context.Context, market, subAccount string) error {
	b.ignoreSubAccount(subAccount)
	symbol := NormalizeSymbol(market)

	_, err := b.client.NewCancelOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		if isBinanceUnknownOrder(err) {
			return nil
		}
		return Classify(fmt.Errorf("binance cancel open orders %s: %w", symbol, err))
	}
	return nil
}

func (b *BinanceGateway) PlaceLimitOrder(ctx context.Context, req OrderRequest) (string, error) {
	b.ignoreSubAccount(req.SubAccount)
	if err := req.Validate(); err != nil {
		return "", err
	}
	symbol := NormalizeSymbol(req.Market)

	info, err := b.symbolInfo(ctx, symbol)
	if err != nil {
		return "", err
	}
	qty := roundDown(req.Size, info.stepSize)
	price := roundDown(req.Price, info.tickSize)
	if !qty.IsPositive() {
		return "", fmt.Errorf("%w: size %s rounds to zero with step %s", rebalance.ErrExchangeRejection, req.Size, info.stepSize)
	}

	side := binance.SideTypeSell
	if req.Side == rebalance.Buy {
		side = binance.SideTypeBuy
	}

	res, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(qty.String()).
		Price(price.String()).
		Do(ctx)
	if err != nil {
		return "", Classify(fmt.Errorf("binance order %s: %w", req, err))
	}
	return strconv.FormatInt(res.OrderID, 10), nil
}

// roundDown truncates v to a multiple of step. A zero step leaves v unchanged.
func roundDown(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}
