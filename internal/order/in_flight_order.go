// Package order implements the order lifecycle reconciliation engine: the
// authoritative local record of every submitted order and the merge logic
// that turns unordered, overlapping REST and stream reports into
// exactly-once economic events.
package order

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/mmbot/internal/domain"
)

// InFlightOrder is the local record of one submitted order. It is mutated
// only by the reconciler while holding the reconciler's lock; callers
// outside this package receive copies via Snapshot.
type InFlightOrder struct {
	ClientOrderID   string
	ExchangeOrderID string
	Instrument      domain.Instrument
	Side            domain.OrderSide
	Type            domain.OrderType
	Price           decimal.Decimal
	Amount          decimal.Decimal
	CreatedAt       time.Time

	State         domain.OrderState
	ExecutedBase  decimal.Decimal
	ExecutedQuote decimal.Decimal
	FeePaid       decimal.Decimal

	// fills is the per-fill-id dedup set for exchanges that report discrete
	// fill records. fillsBase/fillsQuote/fillsFee are the running sums of
	// recorded fills, kept separately from the Executed* cumulatives so
	// that stream fills and REST cumulative reports reconcile without
	// double-counting.
	fills      map[string]domain.TradeUpdate
	fillsBase  decimal.Decimal
	fillsQuote decimal.Decimal
	fillsFee   decimal.Decimal

	exchangeIDReady chan struct{}
}

// NewInFlightOrder creates a tracked order in PENDING_CREATE, before the
// exchange has acknowledged it. ExchangeOrderID is empty until the
// submission response or first update carries it.
func NewInFlightOrder(req domain.OrderRequest, createdAt time.Time) *InFlightOrder {
	return &InFlightOrder{
		ClientOrderID:   req.ClientOrderID,
		Instrument:      req.Instrument,
		Side:            req.Side,
		Type:            req.Type,
		Price:           req.Price,
		Amount:          req.Amount,
		CreatedAt:       createdAt,
		State:           domain.OrderStatePendingCreate,
		fills:           make(map[string]domain.TradeUpdate),
		exchangeIDReady: make(chan struct{}),
	}
}

// IsDone reports whether a terminal state has been reached.
func (o *InFlightOrder) IsDone() bool { return o.State.IsTerminal() }

// IsFilled reports whether the order completed by full execution.
func (o *InFlightOrder) IsFilled() bool { return o.State == domain.OrderStateFilled }

// IsCancelled reports whether the order ended cancelled.
func (o *InFlightOrder) IsCancelled() bool { return o.State == domain.OrderStateCancelled }

// IsExpired reports whether the order ended expired.
func (o *InFlightOrder) IsExpired() bool { return o.State == domain.OrderStateExpired }

// IsFailure reports whether the order ended in failure.
func (o *InFlightOrder) IsFailure() bool { return o.State == domain.OrderStateFailed }

// IsOpen reports whether the order is live on the exchange (including
// not-yet-acknowledged and partially filled orders).
func (o *InFlightOrder) IsOpen() bool {
	switch o.State {
	case domain.OrderStatePendingCreate, domain.OrderStateOpen, domain.OrderStatePartiallyFilled:
		return true
	default:
		return false
	}
}

// IsPendingCancelConfirmation reports whether a cancel request has been
// sent but the exchange has not yet confirmed it.
func (o *InFlightOrder) IsPendingCancelConfirmation() bool {
	return o.State == domain.OrderStatePendingCancel
}

// ExchangeOrderIDReady is closed once the exchange-assigned id is known.
// Submissions race their own first updates; waiters block here instead of
// polling.
func (o *InFlightOrder) ExchangeOrderIDReady() <-chan struct{} { return o.exchangeIDReady }

func (o *InFlightOrder) setExchangeOrderID(id string) {
	if id == "" || o.ExchangeOrderID != "" {
		return
	}
	o.ExchangeOrderID = id
	close(o.exchangeIDReady)
}

// AverageExecutedPrice returns the volume-weighted fill price, or false if
// nothing has executed.
func (o *InFlightOrder) AverageExecutedPrice() (decimal.Decimal, bool) {
	if !o.ExecutedBase.IsPositive() {
		return decimal.Zero, false
	}
	return o.ExecutedQuote.Div(o.ExecutedBase), true
}

// FillDelta describes newly executed volume derived from one update.
type FillDelta struct {
	FillID string
	Base   decimal.Decimal
	Quote  decimal.Decimal
	Price  decimal.Decimal
	Fee    decimal.Decimal
}

// UpdateResult reports what one applied update changed, so the reconciler
// can emit the corresponding events exactly once.
type UpdateResult struct {
	Acknowledged  bool // left PENDING_CREATE for a live state
	Fill          *FillDelta
	PreviousState domain.OrderState
	NewState      domain.OrderState
}

// applyOrderUpdate merges one cumulative status report. The fill delta is
// new cumulative minus recorded cumulative; non-positive deltas produce no
// fill (the guard against duplicated and out-of-order reports). Updates
// arriving after terminality return ErrOrderDone and change nothing.
func (o *InFlightOrder) applyOrderUpdate(u domain.OrderUpdate) (UpdateResult, error) {
	res := UpdateResult{PreviousState: o.State, NewState: o.State}
	if o.IsDone() {
		return res, domain.ErrOrderDone
	}

	o.setExchangeOrderID(u.ExchangeOrderID)

	if u.FilledBase.GreaterThan(o.ExecutedBase) {
		deltaBase := u.FilledBase.Sub(o.ExecutedBase)
		deltaQuote := u.FilledQuote.Sub(o.ExecutedQuote)
		price := o.Price
		// Effective fill price for the delta; quote/base, guarding the
		// degenerate report that moves base without quote.
		if deltaQuote.IsPositive() && deltaBase.IsPositive() {
			price = deltaQuote.Div(deltaBase)
		} else if price.IsPositive() {
			deltaQuote = price.Mul(deltaBase)
		}
		deltaFee := decimal.Zero
		if u.Fee.GreaterThan(o.FeePaid) {
			deltaFee = u.Fee.Sub(o.FeePaid)
		}

		o.ExecutedBase = u.FilledBase
		if u.FilledQuote.GreaterThan(o.ExecutedQuote) {
			o.ExecutedQuote = u.FilledQuote
		} else {
			o.ExecutedQuote = o.ExecutedQuote.Add(deltaQuote)
		}
		if u.Fee.GreaterThan(o.FeePaid) {
			o.FeePaid = u.Fee
		}

		res.Fill = &FillDelta{Base: deltaBase, Quote: deltaQuote, Price: price, Fee: deltaFee}
	}

	if u.State != "" && u.State != o.State {
		if o.State == domain.OrderStatePendingCreate && u.State != domain.OrderStateFailed {
			res.Acknowledged = true
		}
		o.State = u.State
	}
	res.NewState = o.State
	return res, nil
}

// applyTradeUpdate merges one discrete fill record. The fill id set is the
// idempotency guard; a repeated id changes nothing. Because REST cumulative
// reports may already have accounted for the same physical fill, the
// executed amount only advances by the portion the fill adds beyond the
// recorded cumulative: a fill that is already reflected is recorded for
// dedup but emits no event.
func (o *InFlightOrder) applyTradeUpdate(tr domain.TradeUpdate) (UpdateResult, error) {
	res := UpdateResult{PreviousState: o.State, NewState: o.State}
	if _, seen := o.fills[tr.FillID]; seen {
		return res, nil
	}
	if o.IsDone() {
		return res, domain.ErrOrderDone
	}

	o.setExchangeOrderID(tr.ExchangeOrderID)

	o.fills[tr.FillID] = tr
	o.fillsBase = o.fillsBase.Add(tr.BaseAmount)
	quote := tr.QuoteAmount
	if quote.IsZero() && tr.Price.IsPositive() {
		quote = tr.Price.Mul(tr.BaseAmount)
	}
	o.fillsQuote = o.fillsQuote.Add(quote)
	o.fillsFee = o.fillsFee.Add(tr.Fee)

	deltaBase := o.fillsBase.Sub(o.ExecutedBase)
	if deltaBase.IsPositive() {
		deltaQuote := o.fillsQuote.Sub(o.ExecutedQuote)
		price := tr.Price
		if !price.IsPositive() && deltaQuote.IsPositive() {
			price = deltaQuote.Div(deltaBase)
		}
		deltaFee := decimal.Zero
		if o.fillsFee.GreaterThan(o.FeePaid) {
			deltaFee = o.fillsFee.Sub(o.FeePaid)
			o.FeePaid = o.fillsFee
		}
		o.ExecutedBase = o.fillsBase
		if o.fillsQuote.GreaterThan(o.ExecutedQuote) {
			o.ExecutedQuote = o.fillsQuote
		}

		res.Fill = &FillDelta{
			FillID: tr.FillID,
			Base:   deltaBase,
			Quote:  deltaQuote,
			Price:  price,
			Fee:    deltaFee,
		}

		if o.State == domain.OrderStatePendingCreate {
			res.Acknowledged = true
		}
		if o.ExecutedBase.GreaterThanOrEqual(o.Amount) {
			o.State = domain.OrderStateFilled
		} else if o.State != domain.OrderStatePendingCancel {
			o.State = domain.OrderStatePartiallyFilled
		}
	}

	res.NewState = o.State
	return res, nil
}

// trackingState is the serialized crash-recovery form of an in-flight
// order. Decimals travel as strings.
type trackingState struct {
	ClientOrderID   string   `json:"client_order_id"`
	ExchangeOrderID string   `json:"exchange_order_id,omitempty"`
	Instrument      string   `json:"instrument"`
	Side            string   `json:"side"`
	OrderType       string   `json:"order_type"`
	Price           string   `json:"price"`
	Amount          string   `json:"amount"`
	ExecutedBase    string   `json:"executed_amount_base"`
	ExecutedQuote   string   `json:"executed_amount_quote"`
	FeePaid         string   `json:"fee_paid"`
	LastState       string   `json:"last_state"`
	CreatedAt       int64    `json:"created_at"`
	FillIDs         []string `json:"fill_ids,omitempty"`
}

// ToJSON serializes the order's tracking state for crash recovery.
func (o *InFlightOrder) ToJSON() (json.RawMessage, error) {
	ids := make([]string, 0, len(o.fills))
	for id := range o.fills {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return json.Marshal(trackingState{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		Instrument:      o.Instrument.String(),
		Side:            string(o.Side),
		OrderType:       string(o.Type),
		Price:           o.Price.String(),
		Amount:          o.Amount.String(),
		ExecutedBase:    o.ExecutedBase.String(),
		ExecutedQuote:   o.ExecutedQuote.String(),
		FeePaid:         o.FeePaid.String(),
		LastState:       string(o.State),
		CreatedAt:       o.CreatedAt.UnixMilli(),
		FillIDs:         ids,
	})
}

// FromJSON rehydrates an order from its tracking state. Fill details beyond
// the dedup ids are not retained across restarts; the cumulative figures
// carry the economic truth.
func FromJSON(raw json.RawMessage) (*InFlightOrder, error) {
	var ts trackingState
	if err := json.Unmarshal(raw, &ts); err != nil {
		return nil, fmt.Errorf("order: decode tracking state: %w", err)
	}
	inst, err := domain.ParseInstrument(ts.Instrument)
	if err != nil {
		return nil, fmt.Errorf("order: tracking state %s: %w", ts.ClientOrderID, err)
	}

	o := &InFlightOrder{
		ClientOrderID:   ts.ClientOrderID,
		Instrument:      inst,
		Side:            domain.OrderSide(ts.Side),
		Type:            domain.OrderType(ts.OrderType),
		CreatedAt:       time.UnixMilli(ts.CreatedAt),
		State:           domain.OrderState(ts.LastState),
		fills:           make(map[string]domain.TradeUpdate, len(ts.FillIDs)),
		exchangeIDReady: make(chan struct{}),
	}
	o.setExchangeOrderID(ts.ExchangeOrderID)

	fields := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{ts.Price, &o.Price},
		{ts.Amount, &o.Amount},
		{ts.ExecutedBase, &o.ExecutedBase},
		{ts.ExecutedQuote, &o.ExecutedQuote},
		{ts.FeePaid, &o.FeePaid},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return nil, fmt.Errorf("order: tracking state %s: bad decimal %q: %w", ts.ClientOrderID, f.raw, err)
		}
		*f.dst = v
	}
	for _, id := range ts.FillIDs {
		o.fills[id] = domain.TradeUpdate{FillID: id}
	}
	o.fillsBase = o.ExecutedBase
	o.fillsQuote = o.ExecutedQuote
	o.fillsFee = o.FeePaid
	return o, nil
}

// Snapshot returns a copy safe to hand outside the reconciler's lock. The
// fill map is not copied; callers only read scalar fields.
func (o *InFlightOrder) Snapshot() InFlightOrder {
	cp := *o
	cp.fills = nil
	return cp
}
