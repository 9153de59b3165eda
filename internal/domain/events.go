package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderEventType enumerates the economic events derived from order
// lifecycle transitions. Each fires exactly once per order (OrderFilled
// once per distinct fill delta).
type OrderEventType string

const (
	OrderEventCreated   OrderEventType = "order_created"
	OrderEventFilled    OrderEventType = "order_filled"
	OrderEventCompleted OrderEventType = "order_completed"
	OrderEventCancelled OrderEventType = "order_cancelled"
	OrderEventExpired   OrderEventType = "order_expired"
	OrderEventFailed    OrderEventType = "order_failed"
)

// OrderEvent is one emitted lifecycle event. For OrderEventFilled the
// FillBase/FillQuote/FillPrice/Fee fields describe the newly executed delta,
// not cumulative totals. For the other event types the fill fields are zero.
type OrderEvent struct {
	Type            OrderEventType
	ClientOrderID   string
	ExchangeOrderID string
	Instrument      Instrument
	Side            OrderSide
	FillID          string
	FillBase        decimal.Decimal
	FillQuote       decimal.Decimal
	FillPrice       decimal.Decimal
	Fee             decimal.Decimal
	Timestamp       time.Time
}
