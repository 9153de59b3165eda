package domain

import "github.com/shopspring/decimal"

// TradingRule is the per-instrument quantization contract: the minimum
// sizes and increments an exchange accepts for this pair. Rules are
// immutable once constructed; the connector replaces the whole set on each
// periodic refresh.
type TradingRule struct {
	Instrument                   Instrument
	MinOrderSize                 decimal.Decimal
	MaxOrderSize                 decimal.Decimal
	MinPriceIncrement            decimal.Decimal
	MinBaseAmountIncrement       decimal.Decimal
	MinQuoteAmountIncrement      decimal.Decimal
	MinNotionalSize              decimal.Decimal
	MaxPriceSignificantDigits    int32
	MaxQuantitySignificantDigits int32
	SupportsLimitOrders          bool
	SupportsMarketOrders         bool
}

// DefaultTradingRule returns a permissive rule used before the first
// refresh completes for instruments the exchange did not list.
func DefaultTradingRule(inst Instrument) TradingRule {
	return TradingRule{
		Instrument:             inst,
		MinOrderSize:           decimal.New(1, -6),
		MinPriceIncrement:      decimal.New(1, -8),
		MinBaseAmountIncrement: decimal.New(1, -8),
		SupportsLimitOrders:    true,
		SupportsMarketOrders:   true,
	}
}

// QuantizePrice rounds price to the nearest multiple of MinPriceIncrement
// (half up). Whether to then shade toward or away from the touch is a
// strategy decision, not handled here.
func (r TradingRule) QuantizePrice(price decimal.Decimal) decimal.Decimal {
	if r.MaxPriceSignificantDigits > 0 {
		price = roundSignificant(price, r.MaxPriceSignificantDigits)
	}
	if r.MinPriceIncrement.IsZero() {
		return price
	}
	return price.Div(r.MinPriceIncrement).Round(0).Mul(r.MinPriceIncrement)
}

// QuantizeAmount rounds amount down to a multiple of MinBaseAmountIncrement
// and returns zero when the result is not a viable order: below
// MinOrderSize, or (when a non-zero price is supplied) with a notional
// below MinNotionalSize. It never rounds up; doing so could commit more
// balance than the caller holds. A zero return means "do not submit".
func (r TradingRule) QuantizeAmount(amount, price decimal.Decimal) decimal.Decimal {
	if r.MaxQuantitySignificantDigits > 0 {
		amount = truncateSignificant(amount, r.MaxQuantitySignificantDigits)
	}
	q := amount
	if !r.MinBaseAmountIncrement.IsZero() {
		q = amount.Div(r.MinBaseAmountIncrement).Floor().Mul(r.MinBaseAmountIncrement)
	}
	if r.MaxOrderSize.IsPositive() && q.GreaterThan(r.MaxOrderSize) {
		q = r.MaxOrderSize
	}
	if q.LessThan(r.MinOrderSize) {
		return decimal.Zero
	}
	if price.IsPositive() && r.MinNotionalSize.IsPositive() {
		if price.Mul(q).LessThan(r.MinNotionalSize) {
			return decimal.Zero
		}
	}
	return q
}

// SupportsOrderType reports whether the rule admits the given order type.
func (r TradingRule) SupportsOrderType(t OrderType) bool {
	switch t {
	case OrderTypeLimit, OrderTypeLimitMaker:
		return r.SupportsLimitOrders
	case OrderTypeMarket:
		return r.SupportsMarketOrders
	default:
		return false
	}
}

// roundSignificant rounds d half-up to the given number of significant
// digits.
func roundSignificant(d decimal.Decimal, digits int32) decimal.Decimal {
	if d.IsZero() {
		return d
	}
	exp := int32(len(d.Abs().Coefficient().String())) + d.Exponent()
	return d.Round(digits - exp)
}

// truncateSignificant truncates d toward zero to the given number of
// significant digits. Used for amounts, which must never grow.
func truncateSignificant(d decimal.Decimal, digits int32) decimal.Decimal {
	if d.IsZero() {
		return d
	}
	exp := int32(len(d.Abs().Coefficient().String())) + d.Exponent()
	return d.Truncate(digits - exp)
}
