package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style requested for an order.
type OrderType string

const (
	OrderTypeLimit      OrderType = "limit"
	OrderTypeLimitMaker OrderType = "limit_maker"
	OrderTypeMarket     OrderType = "market"
)

// OrderState is the local, normalized lifecycle state of a tracked order.
// Adapters translate each exchange's status vocabulary into these values
// before the reconciler ever sees an update.
type OrderState string

const (
	OrderStatePendingCreate   OrderState = "pending_create"
	OrderStateOpen            OrderState = "open"
	OrderStatePartiallyFilled OrderState = "partially_filled"
	OrderStatePendingCancel   OrderState = "pending_cancel"
	OrderStateFilled          OrderState = "filled"
	OrderStateCancelled       OrderState = "cancelled"
	OrderStateExpired         OrderState = "expired"
	OrderStateFailed          OrderState = "failed"
)

// IsTerminal reports whether no further transitions are permitted.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateExpired, OrderStateFailed:
		return true
	default:
		return false
	}
}

// OrderRequest carries the validated, quantized terms of a new order from
// the connector to the adapter's place-order call.
type OrderRequest struct {
	ClientOrderID string
	Instrument    Instrument
	Side          OrderSide
	Type          OrderType
	Price         decimal.Decimal
	Amount        decimal.Decimal
}

// OrderUpdate is the canonical status report for one order, produced by
// adapters from REST polling responses and user-stream events alike. The
// cumulative executed amounts may lag or repeat; the reconciler's delta
// logic absorbs that. FilledBase/FilledQuote/Fee are cumulative figures and
// may be unset (zero) when the exchange only reports a state change.
type OrderUpdate struct {
	ClientOrderID   string
	ExchangeOrderID string
	Instrument      Instrument
	State           OrderState
	FilledBase      decimal.Decimal
	FilledQuote     decimal.Decimal
	Fee             decimal.Decimal
	Timestamp       time.Time
}

// TradeUpdate is one discrete fill report with a unique exchange-assigned
// trade id. Exchanges that report at this granularity are deduplicated by
// FillID rather than by cumulative deltas.
type TradeUpdate struct {
	FillID          string
	ClientOrderID   string
	ExchangeOrderID string
	Instrument      Instrument
	Price           decimal.Decimal
	BaseAmount      decimal.Decimal
	QuoteAmount     decimal.Decimal
	Fee             decimal.Decimal
	Timestamp       time.Time
}

// CancellationResult reports the outcome of one cancel attempt from
// CancelAll.
type CancellationResult struct {
	ClientOrderID string
	Success       bool
}
