// Package rebalance
package rebalance

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Mode selects which decision rule evaluates a target.
type Mode string

const (
	// ModeCapped runs the full rule: position cap, clamp, exchange minimum,
	// relative and absolute thresholds.
	ModeCapped Mode = "capped"
	// ModeSimple runs the single-account rule: absolute threshold and
	// exchange minimum only.
	ModeSimple Mode = "simple"
)

// Target represents the configuration of one asset under management.
type Target struct {
	Name          string          `yaml:"name" json:"name"`
	Exchange      string          `yaml:"exchange" json:"exchange"`
	Market        string          `yaml:"market" json:"market"`
	BaseAsset     string          `yaml:"base_asset" json:"base_asset"`
	QuoteAsset    string          `yaml:"quote_asset" json:"quote_asset"`
	TargetCost    decimal.Decimal `yaml:"target_cost" json:"target_cost"`
	TargetRate    decimal.Decimal `yaml:"target_rate" json:"target_rate"`
	MinTradeValue decimal.Decimal `yaml:"min_trade_value" json:"min_trade_value"`
	MinTradeRate  decimal.Decimal `yaml:"min_trade_rate" json:"min_trade_rate"`
	StartPrice    decimal.Decimal `yaml:"start_price" json:"start_price"`
	MinOrderSize  decimal.Decimal `yaml:"min_order_size" json:"min_order_size"`
	SubAccount    string          `yaml:"sub_account" json:"sub_account"`
	Mode          Mode            `yaml:"mode" json:"mode"`
	Enabled       bool            `yaml:"enabled" json:"enabled"`
}

// ID returns the registry identifier of the target.
func (t Target) ID() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Market
}

// TargetValue is the notional that should be held in the base asset.
func (t Target) TargetValue() decimal.Decimal {
	return t.TargetCost.Mul(t.TargetRate)
}

// EffectiveMode returns the configured mode, defaulting to ModeCapped.
func (t Target) EffectiveMode() Mode {
	if t.Mode == "" {
		return ModeCapped
	}
	return Mode(strings.ToLower(string(t.Mode)))
}

// Validate checks the ranges of every configured field.
func (t Target) Validate() error {
	if strings.TrimSpace(t.Market) == "" {
		return configErrorf(t, "market is required")
	}
	if !t.TargetCost.IsPositive() {
		return configErrorf(t, "target_cost must be > 0, got %s", t.TargetCost)
	}
	for name, v := range map[string]decimal.Decimal{
		"target_rate":     t.TargetRate,
		"min_trade_value": t.MinTradeValue,
		"min_trade_rate":  t.MinTradeRate,
		"start_price":     t.StartPrice,
		"min_order_size":  t.MinOrderSize,
	} {
		if v.IsNegative() {
			return configErrorf(t, "%s must be >= 0, got %s", name, v)
		}
	}
	switch t.EffectiveMode() {
	case ModeCapped, ModeSimple:
	default:
		return configErrorf(t, "unknown mode %q", t.Mode)
	}
	return nil
}

func configErrorf(t Target, format string, args ...any) error {
	return fmt.Errorf("%w: target %q: %s", ErrConfiguration, t.ID(), fmt.Sprintf(format, args...))
}

// MarketSnapshot is the price and trading constraints of a market at one instant.
type MarketSnapshot struct {
	Market       string
	BaseAsset    string
	QuoteAsset   string
	Price        decimal.Decimal
	MinOrderSize decimal.Decimal
}

// Validate rejects snapshots the engine must never see.
func (m MarketSnapshot) Validate() error {
	if !m.Price.IsPositive() {
		return fmt.Errorf("%w: market %s price must be > 0, got %s", ErrInvalidSnapshot, m.Market, m.Price)
	}
	if m.MinOrderSize.IsNegative() {
		return fmt.Errorf("%w: market %s min order size is negative: %s", ErrInvalidSnapshot, m.Market, m.MinOrderSize)
	}
	return nil
}

// PositionSnapshot is the current holding of one asset.
type PositionSnapshot struct {
	Asset string
	// TotalQuantity includes the amount locked in open orders.
	TotalQuantity decimal.Decimal
	MarkValue     decimal.Decimal
}

// Validate rejects negative holdings.
func (p PositionSnapshot) Validate() error {
	if p.TotalQuantity.IsNegative() || p.MarkValue.IsNegative() {
		return fmt.Errorf("%w: position %s has negative quantity or value (%s, %s)",
			ErrInvalidSnapshot, p.Asset, p.TotalQuantity, p.MarkValue)
	}
	return nil
}

// Side of a limit order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Action is the outcome kind of a decision.
type Action string

const (
	NoAction   Action = "no_action"
	PlaceOrder Action = "place_order"
)

// Reason explains a NoAction decision.
type Reason string

const (
	ReasonNone                   Reason = ""
	ReasonAtCap                  Reason = "at_cap"
	ReasonBalanced               Reason = "balanced"
	ReasonBelowExchangeMinimum   Reason = "below_exchange_minimum"
	ReasonBelowRelativeThreshold Reason = "below_relative_threshold"
	ReasonBelowAbsoluteThreshold Reason = "below_absolute_threshold"
)

// Decision is the immutable result of one evaluation.
type Decision struct {
	Action Action
	Reason Reason

	Side  Side
	Price decimal.Decimal
	Size  decimal.Decimal

	// Derived quantities, reported in the cycle record.
	TargetValue decimal.Decimal
	DiffValue   decimal.Decimal
	MaxQuantity decimal.Decimal
	IsBuy       bool
}

// ShouldPlace reports whether the decision asks for an order.
func (d Decision) ShouldPlace() bool {
	return d.Action == PlaceOrder
}

func (d Decision) String() string {
	if d.Action == PlaceOrder {
		return fmt.Sprintf("PlaceOrder{%s %s @ %s}", d.Side, d.Size, d.Price)
	}
	return fmt.Sprintf("NoAction(%s)", d.Reason)
}
