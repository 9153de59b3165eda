package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/mmbot/internal/domain"
)

const (
	// defaultNotFoundThreshold is how many consecutive "order not found"
	// REST responses are absorbed before declaring the order gone.
	// Exchanges routinely exhibit read-after-write lag right after
	// submission; a single not-found proves nothing.
	defaultNotFoundThreshold = 3

	// defaultNotFoundGrace is the order age past which a not-found
	// response is believed immediately.
	defaultNotFoundGrace = 30 * time.Minute

	defaultEventBuffer = 256
)

// Reconciler owns the in-flight order set for one connector. Updates from
// REST polling and the user-data stream funnel into the same per-order
// merge routine, so the two sources cannot double-fire an event for the
// same economic change. Emitted events appear exactly once on the Events
// channel.
type Reconciler struct {
	mu           sync.Mutex
	active       map[string]*InFlightOrder
	byExchangeID map[string]string
	notFound     map[string]int

	notFoundThreshold int
	notFoundGrace     time.Duration

	events chan domain.OrderEvent
	logger *slog.Logger
}

// ReconcilerOption customizes a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithNotFoundThreshold overrides the consecutive not-found debounce count.
func WithNotFoundThreshold(n int) ReconcilerOption {
	return func(r *Reconciler) { r.notFoundThreshold = n }
}

// WithNotFoundGrace overrides the order age past which a not-found response
// is terminal immediately.
func WithNotFoundGrace(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.notFoundGrace = d }
}

// WithEventBuffer overrides the event channel capacity.
func WithEventBuffer(n int) ReconcilerOption {
	return func(r *Reconciler) { r.events = make(chan domain.OrderEvent, n) }
}

// NewReconciler creates an empty reconciler.
func NewReconciler(logger *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		active:            make(map[string]*InFlightOrder),
		byExchangeID:      make(map[string]string),
		notFound:          make(map[string]int),
		notFoundThreshold: defaultNotFoundThreshold,
		notFoundGrace:     defaultNotFoundGrace,
		events:            make(chan domain.OrderEvent, defaultEventBuffer),
		logger:            logger.With(slog.String("component", "order_reconciler")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Events is the bounded channel of emitted lifecycle events. The consumer
// (the connector's host) must drain it; emission blocks when it is full,
// which backpressures the polling and stream loops rather than losing
// events.
func (r *Reconciler) Events() <-chan domain.OrderEvent { return r.events }

// StartTracking registers a newly submitted order.
func (r *Reconciler) StartTracking(o *InFlightOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[o.ClientOrderID]; ok {
		return fmt.Errorf("order: %s: %w", o.ClientOrderID, domain.ErrAlreadyTracked)
	}
	r.active[o.ClientOrderID] = o
	if o.ExchangeOrderID != "" {
		r.byExchangeID[o.ExchangeOrderID] = o.ClientOrderID
	}
	return nil
}

// StopTracking forgets an order without emitting anything. Terminal orders
// are removed automatically once their events have fired; this is for the
// host discarding state deliberately.
func (r *Reconciler) StopTracking(clientOrderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(clientOrderID)
}

func (r *Reconciler) dropLocked(clientOrderID string) {
	if o, ok := r.active[clientOrderID]; ok {
		if o.ExchangeOrderID != "" {
			delete(r.byExchangeID, o.ExchangeOrderID)
		}
		delete(r.active, clientOrderID)
	}
	delete(r.notFound, clientOrderID)
}

// Get returns a copy of the tracked order.
func (r *Reconciler) Get(clientOrderID string) (InFlightOrder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.active[clientOrderID]
	if !ok {
		return InFlightOrder{}, false
	}
	return o.Snapshot(), true
}

// ActiveOrders returns copies of all tracked, non-terminal orders.
func (r *Reconciler) ActiveOrders() []InFlightOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]InFlightOrder, 0, len(r.active))
	for _, o := range r.active {
		if !o.IsDone() {
			out = append(out, o.Snapshot())
		}
	}
	return out
}

// ApplyRESTSnapshot merges one polling cycle's order records. Records for
// unknown orders are ignored; every recognized record resets that order's
// not-found counter.
func (r *Reconciler) ApplyRESTSnapshot(ctx context.Context, updates []domain.OrderUpdate) {
	for _, u := range updates {
		r.ApplyOrderUpdate(ctx, u)
	}
}

// ApplyOrderUpdate merges one cumulative status report from either source.
func (r *Reconciler) ApplyOrderUpdate(ctx context.Context, u domain.OrderUpdate) {
	r.mu.Lock()
	o := r.resolveLocked(u.ClientOrderID, u.ExchangeOrderID)
	if o == nil {
		r.mu.Unlock()
		r.logger.Debug("update for untracked order dropped",
			slog.String("client_order_id", u.ClientOrderID),
			slog.String("exchange_order_id", u.ExchangeOrderID))
		return
	}

	delete(r.notFound, o.ClientOrderID)
	res, err := o.applyOrderUpdate(u)
	if err != nil {
		r.mu.Unlock()
		if errors.Is(err, domain.ErrOrderDone) {
			r.logger.Debug("update after terminal state ignored",
				slog.String("client_order_id", o.ClientOrderID),
				slog.String("reported_state", string(u.State)))
		}
		return
	}
	if o.ExchangeOrderID != "" {
		r.byExchangeID[o.ExchangeOrderID] = o.ClientOrderID
	}
	events := r.collectLocked(o, res, u.Timestamp)
	if o.IsDone() {
		r.dropLocked(o.ClientOrderID)
	}
	r.mu.Unlock()

	r.emit(ctx, events)
}

// ApplyTradeUpdate merges one discrete fill report from either source.
func (r *Reconciler) ApplyTradeUpdate(ctx context.Context, tr domain.TradeUpdate) {
	r.mu.Lock()
	o := r.resolveLocked(tr.ClientOrderID, tr.ExchangeOrderID)
	if o == nil {
		r.mu.Unlock()
		r.logger.Debug("fill for untracked order dropped",
			slog.String("fill_id", tr.FillID),
			slog.String("exchange_order_id", tr.ExchangeOrderID))
		return
	}

	delete(r.notFound, o.ClientOrderID)
	res, err := o.applyTradeUpdate(tr)
	if err != nil {
		r.mu.Unlock()
		return
	}
	if o.ExchangeOrderID != "" {
		r.byExchangeID[o.ExchangeOrderID] = o.ClientOrderID
	}
	events := r.collectLocked(o, res, tr.Timestamp)
	if o.IsDone() {
		r.dropLocked(o.ClientOrderID)
	}
	r.mu.Unlock()

	r.emit(ctx, events)
}

// ProcessOrderNotFound debounces a "not found" REST response. Only after
// the configured number of consecutive misses, or once the order's age
// exceeds the grace period, is the order declared gone: cancelled if the
// exchange had acknowledged it, failed if it never did.
func (r *Reconciler) ProcessOrderNotFound(ctx context.Context, clientOrderID string) {
	r.mu.Lock()
	o, ok := r.active[clientOrderID]
	if !ok {
		r.mu.Unlock()
		return
	}

	r.notFound[clientOrderID]++
	misses := r.notFound[clientOrderID]
	aged := r.notFoundGrace > 0 && time.Since(o.CreatedAt) > r.notFoundGrace
	if misses < r.notFoundThreshold && !aged {
		r.mu.Unlock()
		r.logger.Debug("order not found, debouncing",
			slog.String("client_order_id", clientOrderID),
			slog.Int("misses", misses))
		return
	}

	state := domain.OrderStateCancelled
	if o.State == domain.OrderStatePendingCreate {
		state = domain.OrderStateFailed
	}
	res, err := o.applyOrderUpdate(domain.OrderUpdate{
		ClientOrderID: clientOrderID,
		State:         state,
		Timestamp:     time.Now(),
	})
	if err != nil {
		r.mu.Unlock()
		return
	}
	events := r.collectLocked(o, res, time.Now())
	r.dropLocked(clientOrderID)
	r.mu.Unlock()

	r.logger.Warn("order lost on exchange",
		slog.String("client_order_id", clientOrderID),
		slog.Int("misses", misses),
		slog.String("final_state", string(state)))
	r.emit(ctx, events)
}

// TrackingStates serializes all non-terminal orders for crash recovery.
func (r *Reconciler) TrackingStates() (map[string]json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]json.RawMessage, len(r.active))
	for id, o := range r.active {
		if o.IsDone() {
			continue
		}
		raw, err := o.ToJSON()
		if err != nil {
			return nil, fmt.Errorf("order: serialize %s: %w", id, err)
		}
		out[id] = raw
	}
	return out, nil
}

// RestoreTrackingStates rehydrates orders saved by a previous run.
// Undecodable entries are logged and skipped; one corrupt record must not
// block recovery of the rest.
func (r *Reconciler) RestoreTrackingStates(states map[string]json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, raw := range states {
		o, err := FromJSON(raw)
		if err != nil {
			r.logger.Error("skipping corrupt tracking state",
				slog.String("client_order_id", id),
				slog.String("error", err.Error()))
			continue
		}
		if o.IsDone() {
			continue
		}
		r.active[o.ClientOrderID] = o
		if o.ExchangeOrderID != "" {
			r.byExchangeID[o.ExchangeOrderID] = o.ClientOrderID
		}
	}
	r.logger.Info("tracking states restored", slog.Int("orders", len(r.active)))
}

func (r *Reconciler) resolveLocked(clientOrderID, exchangeOrderID string) *InFlightOrder {
	if clientOrderID != "" {
		if o, ok := r.active[clientOrderID]; ok {
			return o
		}
	}
	if exchangeOrderID != "" {
		if cid, ok := r.byExchangeID[exchangeOrderID]; ok {
			return r.active[cid]
		}
	}
	return nil
}

// collectLocked translates an update result into the events it implies.
func (r *Reconciler) collectLocked(o *InFlightOrder, res UpdateResult, ts time.Time) []domain.OrderEvent {
	if ts.IsZero() {
		ts = time.Now()
	}
	base := domain.OrderEvent{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		Instrument:      o.Instrument,
		Side:            o.Side,
		Timestamp:       ts,
	}

	var events []domain.OrderEvent
	if res.Acknowledged {
		ev := base
		ev.Type = domain.OrderEventCreated
		events = append(events, ev)
	}
	if res.Fill != nil {
		ev := base
		ev.Type = domain.OrderEventFilled
		ev.FillID = res.Fill.FillID
		ev.FillBase = res.Fill.Base
		ev.FillQuote = res.Fill.Quote
		ev.FillPrice = res.Fill.Price
		ev.Fee = res.Fill.Fee
		events = append(events, ev)
	}
	if res.NewState.IsTerminal() && !res.PreviousState.IsTerminal() {
		ev := base
		switch res.NewState {
		case domain.OrderStateFilled:
			ev.Type = domain.OrderEventCompleted
		case domain.OrderStateCancelled:
			ev.Type = domain.OrderEventCancelled
		case domain.OrderStateExpired:
			ev.Type = domain.OrderEventExpired
		case domain.OrderStateFailed:
			ev.Type = domain.OrderEventFailed
		}
		events = append(events, ev)
	}
	return events
}

func (r *Reconciler) emit(ctx context.Context, events []domain.OrderEvent) {
	for _, ev := range events {
		select {
		case r.events <- ev:
		case <-ctx.Done():
			r.logger.Warn("event dropped on shutdown", slog.String("type", string(ev.Type)))
			return
		}
	}
}
