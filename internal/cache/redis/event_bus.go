package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/mmbot/internal/domain"
)

// orderEventsChannel is the pub/sub channel mirroring lifecycle events.
const orderEventsChannel = "events:orders"

// EventBus implements domain.EventBus over Redis Pub/Sub. Events are
// ephemeral; subscribers that need history keep their own.
type EventBus struct {
	rdb *redis.Client
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{rdb: c.Underlying()}
}

// wireOrderEvent is the published JSON shape; decimals travel as strings.
type wireOrderEvent struct {
	Type            string `json:"type"`
	ClientOrderID   string `json:"client_order_id"`
	ExchangeOrderID string `json:"exchange_order_id,omitempty"`
	Instrument      string `json:"instrument"`
	Side            string `json:"side"`
	FillID          string `json:"fill_id,omitempty"`
	FillBase        string `json:"fill_base,omitempty"`
	FillQuote       string `json:"fill_quote,omitempty"`
	FillPrice       string `json:"fill_price,omitempty"`
	Fee             string `json:"fee,omitempty"`
	Timestamp       int64  `json:"ts"`
}

// PublishOrderEvent mirrors one lifecycle event to the events channel.
func (eb *EventBus) PublishOrderEvent(ctx context.Context, ev domain.OrderEvent) error {
	payload, err := json.Marshal(wireOrderEvent{
		Type:            string(ev.Type),
		ClientOrderID:   ev.ClientOrderID,
		ExchangeOrderID: ev.ExchangeOrderID,
		Instrument:      ev.Instrument.String(),
		Side:            string(ev.Side),
		FillID:          ev.FillID,
		FillBase:        ev.FillBase.String(),
		FillQuote:       ev.FillQuote.String(),
		FillPrice:       ev.FillPrice.String(),
		Fee:             ev.Fee.String(),
		Timestamp:       ev.Timestamp.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("redis: marshal order event: %w", err)
	}
	if err := eb.rdb.Publish(ctx, orderEventsChannel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish order event: %w", err)
	}
	return nil
}

// SubscribeOrderEvents returns a channel of mirrored events plus a stop
// function. The channel closes when ctx ends or stop is called.
func (eb *EventBus) SubscribeOrderEvents(ctx context.Context) (<-chan domain.OrderEvent, func(), error) {
	pubsub := eb.rdb.Subscribe(ctx, orderEventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("redis: subscribe order events: %w", err)
	}

	out := make(chan domain.OrderEvent, 128)
	stop := func() { _ = pubsub.Close() }

	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, err := decodeOrderEvent([]byte(msg.Payload))
				if err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, stop, nil
}

func decodeOrderEvent(payload []byte) (domain.OrderEvent, error) {
	var wire wireOrderEvent
	if err := json.Unmarshal(payload, &wire); err != nil {
		return domain.OrderEvent{}, fmt.Errorf("redis: decode order event: %w", err)
	}
	inst, err := domain.ParseInstrument(wire.Instrument)
	if err != nil {
		return domain.OrderEvent{}, err
	}
	ev := domain.OrderEvent{
		Type:            domain.OrderEventType(wire.Type),
		ClientOrderID:   wire.ClientOrderID,
		ExchangeOrderID: wire.ExchangeOrderID,
		Instrument:      inst,
		Side:            domain.OrderSide(wire.Side),
		FillID:          wire.FillID,
		Timestamp:       time.UnixMilli(wire.Timestamp),
	}
	for _, field := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{wire.FillBase, &ev.FillBase},
		{wire.FillQuote, &ev.FillQuote},
		{wire.FillPrice, &ev.FillPrice},
		{wire.Fee, &ev.Fee},
	} {
		if field.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(field.raw)
		if err != nil {
			return domain.OrderEvent{}, fmt.Errorf("redis: decode order event decimal %q: %w", field.raw, err)
		}
		*field.dst = d
	}
	return ev, nil
}

var _ domain.EventBus = (*EventBus)(nil)
