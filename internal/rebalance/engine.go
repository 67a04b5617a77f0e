package rebalance

import "github.com/shopspring/decimal"

// DivisionPrecision is the number of decimal places kept by every division
// in the decision path.
const DivisionPrecision int32 = 16

// Evaluate runs the decision rule selected by the target's mode.
func Evaluate(target Target, market MarketSnapshot, position PositionSnapshot) Decision {
	if target.EffectiveMode() == ModeSimple {
		return DecideSimple(target, market, position)
	}
	return Decide(target, market, position)
}

// Decide computes the corrective order for a capped target.
//
// market.Price must be positive; callers reject invalid snapshots before
// calling. The cap compares absolute quantity against a ceiling, so it
// suppresses sells as well as buys.
func Decide(target Target, market MarketSnapshot, position PositionSnapshot) Decision {
	d := base(target, market, position)

	referencePrice := market.Price
	if target.StartPrice.IsPositive() {
		referencePrice = target.StartPrice
	}
	d.MaxQuantity = target.TargetCost.DivRound(referencePrice, DivisionPrecision)

	if position.TotalQuantity.GreaterThanOrEqual(d.MaxQuantity) {
		return noAction(d, ReasonAtCap)
	}
	if d.DiffValue.IsZero() {
		return noAction(d, ReasonBalanced)
	}

	orderSize := d.DiffValue.DivRound(market.Price, DivisionPrecision)
	if d.IsBuy && position.TotalQuantity.Add(orderSize).GreaterThanOrEqual(d.MaxQuantity) {
		orderSize = d.MaxQuantity.Sub(position.TotalQuantity)
	}

	if orderSize.LessThan(market.MinOrderSize) {
		return noAction(d, ReasonBelowExchangeMinimum)
	}
	if target.MinTradeRate.IsPositive() && d.DiffValue.LessThan(d.TargetValue.Mul(target.MinTradeRate)) {
		return noAction(d, ReasonBelowRelativeThreshold)
	}
	if d.DiffValue.LessThan(target.MinTradeValue) {
		return noAction(d, ReasonBelowAbsoluteThreshold)
	}

	return placeOrder(d, market.Price, orderSize)
}

// DecideSimple is the single-account rule: no cap and no relative threshold.
func DecideSimple(target Target, market MarketSnapshot, position PositionSnapshot) Decision {
	d := base(target, market, position)

	if d.DiffValue.LessThan(target.MinTradeValue) {
		return noAction(d, ReasonBelowAbsoluteThreshold)
	}
	if d.DiffValue.IsZero() {
		return noAction(d, ReasonBalanced)
	}

	orderSize := d.DiffValue.DivRound(market.Price, DivisionPrecision)
	if orderSize.LessThan(market.MinOrderSize) {
		return noAction(d, ReasonBelowExchangeMinimum)
	}

	return placeOrder(d, market.Price, orderSize)
}

func base(target Target, market MarketSnapshot, position PositionSnapshot) Decision {
	targetValue := target.TargetValue()
	return Decision{
		TargetValue: targetValue,
		DiffValue:   targetValue.Sub(position.MarkValue).Abs(),
		IsBuy:       targetValue.GreaterThan(position.MarkValue),
		Price:       market.Price,
	}
}

func noAction(d Decision, reason Reason) Decision {
	d.Action = NoAction
	d.Reason = reason
	d.Size = decimal.Zero
	return d
}

func placeOrder(d Decision, price, size decimal.Decimal) Decision {
	d.Action = PlaceOrder
	d.Reason = ReasonNone
	d.Side = Sell
	if d.IsBuy {
		d.Side = Buy
	}
	d.Price = price
	d.Size = size
	return d
}

// NetQuantity is the position quantity after the decided order fills.
func (d Decision) NetQuantity(position PositionSnapshot) decimal.Decimal {
	switch {
	case d.Action != PlaceOrder:
		return position.TotalQuantity
	case d.Side == Buy:
		return position.TotalQuantity.Add(d.Size)
	default:
		return position.TotalQuantity.Sub(d.Size)
	}
}

// EstimatedProfit is targetValue - markValue, as reported per cycle.
func (d Decision) EstimatedProfit(position PositionSnapshot) decimal.Decimal {
	return d.TargetValue.Sub(position.MarkValue)
}
