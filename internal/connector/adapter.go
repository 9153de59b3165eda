// Package connector drives one exchange connection: the concurrent polling
// and stream-consumption loops that feed the book synchronizer and order
// reconciler, and the outbound order placement surface strategies use.
package connector

import (
	"context"

	"github.com/alanyoungcy/mmbot/internal/domain"
)

// UserStreamEvent is one message from the exchange's push-based user-data
// stream, already normalized by the adapter. Exactly one of Order or Trade
// is set.
type UserStreamEvent struct {
	Order *domain.OrderUpdate
	Trade *domain.TradeUpdate
}

// ExchangeAdapter is the boundary to the per-exchange shim layer. Adapters
// own signing, endpoint shaping, rate limiting of raw calls, and websocket
// reconnect plumbing; they deliver canonical messages and accept canonical
// requests. All blocking calls honor ctx.
//
// Stream channels remain open across the adapter's internal reconnects and
// close only when the adapter shuts down for good; the connector treats a
// closed channel as a signal to re-acquire the stream.
type ExchangeAdapter interface {
	Name() string

	// Instruments lists the pairs this adapter is configured to trade.
	Instruments() []domain.Instrument

	// PlaceOrder submits a validated, quantized order and returns the
	// exchange-assigned order id.
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error)

	// CancelOrder requests cancellation of the identified order on inst.
	// Returns domain.ErrNotFound when the exchange does not know the order.
	CancelOrder(ctx context.Context, inst domain.Instrument, clientOrderID, exchangeOrderID string) error

	// OpenOrders returns the exchange's current view of the bot's orders,
	// used by the polling cycle to reconcile against local state.
	OpenOrders(ctx context.Context) ([]domain.OrderUpdate, error)

	// OrderStatus fetches one order's current state directly. Unlike
	// OpenOrders it still reports orders that reached a terminal state.
	// Returns domain.ErrNotFound when the exchange does not know the order.
	OrderStatus(ctx context.Context, inst domain.Instrument, clientOrderID, exchangeOrderID string) (domain.OrderUpdate, error)

	// TradingRules fetches the current quantization rules for all
	// configured instruments.
	TradingRules(ctx context.Context) ([]domain.TradingRule, error)

	// BookSnapshot fetches a full depth snapshot for one instrument.
	BookSnapshot(ctx context.Context, inst domain.Instrument) (domain.OrderBookMessage, error)

	// BookStream returns the channel of normalized book messages.
	BookStream(ctx context.Context) (<-chan domain.OrderBookMessage, error)

	// UserStream returns the channel of normalized user-data events.
	UserStream(ctx context.Context) (<-chan UserStreamEvent, error)
}
