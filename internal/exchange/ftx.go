package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/simple-rebalancer/internal/rebalance"
	"github.com/amirphl/simple-rebalancer/internal/utils"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// DefaultOrderExpiry is the age after which CancelExpiredOrders cancels an order.
const DefaultOrderExpiry = 5 * time.Minute

const DefaultFTXBaseURL = "https://ftx.com"

// FTXConfig configures an FTX-compatible REST venue.
type FTXConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
	// OrderExpiry overrides DefaultOrderExpiry.
	OrderExpiry time.Duration
}

// FTXGateway speaks the FTX REST API with HMAC-SHA256 request signing and
// sub-account routing.
type FTXGateway struct {
	client *resty.Client
	key    string
	secret string
	expiry time.Duration
	now    func() time.Time
}

func NewFTXGateway(cfg FTXConfig) *FTXGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultFTXBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.OrderExpiry <= 0 {
		cfg.OrderExpiry = DefaultOrderExpiry
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	return &FTXGateway{
		client: client,
		key:    cfg.APIKey,
		secret: cfg.APISecret,
		expiry: cfg.OrderExpiry,
		now:    time.Now,
	}
}

func (f *FTXGateway) Name() string {
	return "ftx"
}

type ftxEnvelope[T any] struct {
	Success bool   `json:"success"`
	Result  T      `json:"result"`
	Error   string `json:"error"`
}

type ftxMarket struct {
	Name           string          `json:"name"`
	BaseCurrency   string          `json:"baseCurrency"`
	QuoteCurrency  string          `json:"quoteCurrency"`
	Price          decimal.Decimal `json:"price"`
	MinProvideSize decimal.Decimal `json:"minProvideSize"`
	Enabled        bool            `json:"enabled"`
}

type ftxBalance struct {
	Coin     string              `json:"coin"`
	Free     decimal.Decimal     `json:"free"`
	Total    decimal.Decimal     `json:"total"`
	USDValue decimal.NullDecimal `json:"usdValue"`
}

// FTXOrder is an open order as listed by the venue.
type FTXOrder struct {
	ID        int64     `json:"id"`
	Market    string    `json:"market"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

type ftxPlaceOrder struct {
	Market     string      `json:"market"`
	Side       string      `json:"side"`
	Price      json.Number `json:"price"`
	Type       string      `json:"type"`
	Size       json.Number `json:"size"`
	ReduceOnly bool        `json:"reduceOnly"`
	IOC        bool        `json:"ioc"`
	PostOnly   bool        `json:"postOnly"`
	ClientID   *string     `json:"clientId"`
}

// Sign returns the hex HMAC-SHA256 of ts+method+path+body.
func Sign(secret string, ts int64, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ftxDo sends a signed request for path (relative to /api/) and decodes the result.
func ftxDo[T any](ctx context.Context, f *FTXGateway, method, path string, payload any, subAccount string) (T, error) {
	var zero T

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return zero, errors.Wrap(err, "ftx: encode request")
		}
	}

	fullPath := "/api/" + path
	ts := f.now().UnixMilli()
	req := f.client.R().
		SetContext(ctx).
		SetHeader("FTX-KEY", f.key).
		SetHeader("FTX-TS", strconv.FormatInt(ts, 10)).
		SetHeader("FTX-SIGN", Sign(f.secret, ts, method, fullPath, body))
	if subAccount != "" {
		req.SetHeader("FTX-SUBACCOUNT", escapeComponent(subAccount))
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json; charset=UTF-8").SetBody(body)
	}

	resp, err := req.Execute(method, fullPath)
	if err != nil {
		return zero, Classify(errors.Wrapf(err, "ftx %s %s", method, fullPath))
	}

	var env ftxEnvelope[T]
	decodeErr := json.Unmarshal(resp.Body(), &env)

	switch status := resp.StatusCode(); {
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return zero, fmt.Errorf("%w: ftx %s %s: http %d %s", rebalance.ErrTransport, method, fullPath, status, env.Error)
	case status == http.StatusNotFound:
		return zero, fmt.Errorf("%w: ftx %s %s: %s", rebalance.ErrNotFound, method, fullPath, env.Error)
	case status >= http.StatusBadRequest:
		return zero, fmt.Errorf("%w: ftx %s %s: http %d %s", rebalance.ErrExchangeRejection, method, fullPath, status, env.Error)
	}
	if decodeErr != nil {
		return zero, fmt.Errorf("%w: ftx %s %s: %w", rebalance.ErrTransport, method, fullPath, errors.Wrap(decodeErr, "decode response"))
	}
	if !env.Success {
		return zero, fmt.Errorf("%w: ftx %s %s: %s", rebalance.ErrExchangeRejection, method, fullPath, env.Error)
	}
	return env.Result, nil
}

func (f *FTXGateway) MarketSnapshot(ctx context.Context, market, subAccount string) (rebalance.MarketSnapshot, error) {
	m, err := ftxDo[ftxMarket](ctx, f, http.MethodGet, "markets/"+market, nil, subAccount)
	if err != nil {
		return rebalance.MarketSnapshot{}, err
	}
	return rebalance.MarketSnapshot{
		Market:       market,
		BaseAsset:    m.BaseCurrency,
		QuoteAsset:   m.QuoteCurrency,
		Price:        m.Price,
		MinOrderSize: m.MinProvideSize,
	}, nil
}

// PositionSnapshot uses the venue's USD mark when it reports one.
func (f *FTXGateway) PositionSnapshot(ctx context.Context, asset string, market rebalance.MarketSnapshot, subAccount string) (rebalance.PositionSnapshot, error) {
	balances, err := ftxDo[[]ftxBalance](ctx, f, http.MethodGet, "wallet/balances", nil, subAccount)
	if err != nil {
		return rebalance.PositionSnapshot{}, err
	}
	pos := rebalance.PositionSnapshot{Asset: asset, TotalQuantity: decimal.Zero, MarkValue: decimal.Zero}
	for _, b := range balances {
		if !strings.EqualFold(b.Coin, asset) {
			continue
		}
		pos.TotalQuantity = b.Total
		if b.USDValue.Valid {
			pos.MarkValue = b.USDValue.Decimal
		} else {
			pos.MarkValue = b.Total.Mul(market.Price)
		}
		break
	}
	return pos, nil
}

func (f *FTXGateway) CancelAllOrders(ctx context.Context, market, subAccount string) error {
	_, err := ftxDo[json.RawMessage](ctx, f, http.MethodDelete, "orders", map[string]string{"market": market}, subAccount)
	return err
}

func (f *FTXGateway) PlaceLimitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	payload := ftxPlaceOrder{
		Market: req.Market,
		Side:   string(req.Side),
		Price:  json.Number(req.Price.String()),
		Type:   "limit",
		Size:   json.Number(req.Size.String()),
	}
	o, err := ftxDo[FTXOrder](ctx, f, http.MethodPost, "orders", payload, req.SubAccount)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(o.ID, 10), nil
}

// OpenOrders lists the open orders of a market.
func (f *FTXGateway) OpenOrders(ctx context.Context, market, subAccount string) ([]FTXOrder, error) {
	return ftxDo[[]FTXOrder](ctx, f, http.MethodGet, "orders?market="+url.QueryEscape(market), nil, subAccount)
}

// CancelExpiredOrders cancels open orders older than the configured expiry
// and returns how many were cancelled.
func (f *FTXGateway) CancelExpiredOrders(ctx context.Context, market, subAccount string) (int, error) {
	orders, err := f.OpenOrders(ctx, market, subAccount)
	if err != nil {
		return 0, err
	}
	now := f.now()
	cancelled := 0
	for _, o := range orders {
		if now.Sub(o.CreatedAt) <= f.expiry {
			continue
		}
		if _, err := ftxDo[json.RawMessage](ctx, f, http.MethodDelete, "orders/"+strconv.FormatInt(o.ID, 10), nil, subAccount); err != nil {
			return cancelled, err
		}
		utils.Component("ftx").Infof("Exchange | ftx cancelled expired order %d on %s", o.ID, market)
		cancelled++
	}
	return cancelled, nil
}

// escapeComponent percent-encodes every byte outside A-Z a-z 0-9 and
// -_.!~*'(), matching JavaScript's encodeURIComponent.
func escapeComponent(s string) string {
	const digits = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			strings.IndexByte("-_.!~*'()", c) >= 0:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(digits[c>>4])
			b.WriteByte(digits[c&0x0F])
		}
	}
	return b.String()
}
