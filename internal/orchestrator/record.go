package orchestrator

import (
	"fmt"
	"time"

	"github.com/amirphl/simple-rebalancer/internal/rebalance"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Outcome summarises how a cycle ended.
type Outcome string

const (
	OutcomeDisabled Outcome = "disabled"
	OutcomeSkipped  Outcome = "skipped_in_flight"
	OutcomeNoAction Outcome = "no_action"
	OutcomePlaced   Outcome = "placed"
	OutcomeFailed   Outcome = "failed"
)

// Record is the structured result of one cycle for one target.
type Record struct {
	CycleID    string
	Time       time.Time
	Target     string
	Exchange   string
	Market     string
	SubAccount string

	State       State
	Outcome     Outcome
	Transitions []StateTransition

	Price    decimal.Decimal
	Quantity decimal.Decimal
	Value    decimal.Decimal

	Side        rebalance.Side
	Size        decimal.Decimal
	BuySize     decimal.Decimal
	SellSize    decimal.Decimal
	NetQuantity decimal.Decimal
	Profit      decimal.Decimal
	TargetValue decimal.Decimal
	MaxQuantity decimal.Decimal
	Reason      rebalance.Reason
	OrderID     string

	// CancelErr is the tolerated failure of the cancel step.
	CancelErr error
	Err       error
	Duration  time.Duration
}

func newRecord(cycleID string, target rebalance.Target, exchange string, now time.Time) Record {
	return Record{
		CycleID:    cycleID,
		Time:       now,
		Target:     target.ID(),
		Exchange:   exchange,
		Market:     target.Market,
		SubAccount: target.SubAccount,
		State:      StateIdle,
	}
}

func (r *Record) applySnapshots(market rebalance.MarketSnapshot, position rebalance.PositionSnapshot) {
	r.Price = market.Price
	r.Quantity = position.TotalQuantity
	r.Value = position.MarkValue
}

func (r *Record) applyDecision(d rebalance.Decision, position rebalance.PositionSnapshot) {
	r.Reason = d.Reason
	r.TargetValue = d.TargetValue
	r.MaxQuantity = d.MaxQuantity
	r.NetQuantity = d.NetQuantity(position)
	r.Profit = d.EstimatedProfit(position)
	if !d.ShouldPlace() {
		return
	}
	r.Side = d.Side
	r.Size = d.Size
	if d.Side == rebalance.Buy {
		r.BuySize = d.Size
	} else {
		r.SellSize = d.Size
	}
}

// Fields renders the record as logrus fields.
func (r Record) Fields() logrus.Fields {
	f := logrus.Fields{
		"cycle_id": r.CycleID,
		"target":   r.Target,
		"exchange": r.Exchange,
		"market":   r.Market,
		"state":    string(r.State),
		"outcome":  string(r.Outcome),
		"duration": r.Duration.String(),
	}
	if r.SubAccount != "" {
		f["sub_account"] = r.SubAccount
	}
	if !r.Price.IsZero() {
		f["price"] = r.Price.String()
		f["quantity"] = r.Quantity.String()
		f["value"] = r.Value.String()
	}
	if r.State == StateDeciding || r.State == StatePlacing {
		f["buy_size"] = r.BuySize.String()
		f["sell_size"] = r.SellSize.String()
		f["net"] = r.NetQuantity.String()
		f["profit"] = r.Profit.String()
	}
	if r.Side != "" {
		f["side"] = string(r.Side)
		f["size"] = r.Size.String()
	}
	if r.Reason != rebalance.ReasonNone {
		f["reason"] = string(r.Reason)
	}
	if r.OrderID != "" {
		f["order_id"] = r.OrderID
	}
	if r.CancelErr != nil {
		f["cancel_error"] = r.CancelErr.Error()
	}
	if r.Err != nil {
		f["error"] = r.Err.Error()
		f["error_kind"] = rebalance.Kind(r.Err)
	}
	return f
}

// Data renders the record for the journal. Decimals are kept as strings.
func (r Record) Data() map[string]any {
	data := make(map[string]any, 16)
	for k, v := range r.Fields() {
		data[k] = v
	}
	return data
}

func (r Record) String() string {
	switch r.Outcome {
	case OutcomePlaced:
		return fmt.Sprintf("%s %s %s %s @ %s (order %s)", r.Target, r.Market, r.Side, r.Size, r.Price, r.OrderID)
	case OutcomeNoAction:
		return fmt.Sprintf("%s %s no action: %s", r.Target, r.Market, r.Reason)
	case OutcomeFailed:
		return fmt.Sprintf("%s %s failed in %s: %v", r.Target, r.Market, r.State, r.Err)
	default:
		return fmt.Sprintf("%s %s %s", r.Target, r.Market, r.Outcome)
	}
}
