// Package notify pushes operator alerts for trading incidents: failed or
// expired orders, out-of-band cancellations, and book resync faults.
// Messages go to every registered sender (Telegram, Discord) and can be
// filtered by alert kind so operators receive only what they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/mmbot/internal/domain"
)

// Alert kinds usable in the notify.events config list.
const (
	AlertOrderFailed    = "order_failed"
	AlertOrderExpired   = "order_expired"
	AlertOrderCancelled = "order_cancelled"
	AlertBookResync     = "book_resync"
)

// Sender is one delivery channel.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name identifies the sender, e.g. "telegram".
	Name() string
}

// Notifier dispatches alerts to its senders, filtered by alert kind. An
// empty kind list allows everything.
type Notifier struct {
	senders []Sender
	allowed map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders. Only
// alerts whose kind appears in kinds are forwarded; an empty list allows
// all.
func NewNotifier(senders []Sender, kinds []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		allowed[strings.TrimSpace(k)] = true
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify sends an alert of the given kind through the filter.
func (n *Notifier) Notify(ctx context.Context, kind, title, message string) error {
	if len(n.allowed) > 0 && !n.allowed[kind] {
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyOrderEvent formats an order lifecycle event as an alert. Only the
// failure-shaped events produce alerts; fills and creations are routine.
func (n *Notifier) NotifyOrderEvent(ctx context.Context, exchange string, ev domain.OrderEvent) error {
	var kind, title string
	switch ev.Type {
	case domain.OrderEventFailed:
		kind, title = AlertOrderFailed, "Order failed"
	case domain.OrderEventExpired:
		kind, title = AlertOrderExpired, "Order expired"
	case domain.OrderEventCancelled:
		kind, title = AlertOrderCancelled, "Order cancelled"
	default:
		return nil
	}
	message := fmt.Sprintf("%s %s %s %s (order %s)",
		exchange, ev.Instrument, ev.Side, ev.Type, ev.ClientOrderID)
	return n.Notify(ctx, kind, title, message)
}

// NotifyResync reports a book integrity fault that forced a fresh snapshot.
func (n *Notifier) NotifyResync(ctx context.Context, exchange string, inst domain.Instrument) error {
	message := fmt.Sprintf("%s %s order book resynchronized after an integrity fault", exchange, inst)
	return n.Notify(ctx, AlertBookResync, "Book resync", message)
}

// dispatch fans out to every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
