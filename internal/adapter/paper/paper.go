// Package paper implements a simulated exchange adapter. It keeps an
// in-process random-walk order book per instrument, rests submitted limit
// orders, and fills them when the synthetic market crosses their price. The
// trade mode falls back to it when no live exchange is configured, and tests
// use it as a deterministic counterparty.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/mmbot/internal/connector"
	"github.com/alanyoungcy/mmbot/internal/domain"
)

const (
	defaultTickInterval = 100 * time.Millisecond
	bookDepth           = 5
	streamBuffer        = 256
)

// Config tunes the simulation.
type Config struct {
	Instruments  []domain.Instrument
	StartPrice   decimal.Decimal // initial mid, default 100
	TickSize     decimal.Decimal // price increment, default 0.01
	LevelSize    decimal.Decimal // size per synthetic level, default 10
	TickInterval time.Duration
	Seed         int64
}

func (c *Config) applyDefaults() {
	if c.StartPrice.IsZero() {
		c.StartPrice = decimal.NewFromInt(100)
	}
	if c.TickSize.IsZero() {
		c.TickSize = decimal.New(1, -2)
	}
	if c.LevelSize.IsZero() {
		c.LevelSize = decimal.NewFromInt(10)
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
}

type restingOrder struct {
	req        domain.OrderRequest
	exchangeID string
	placedAt   time.Time
}

// Exchange is the simulated venue. One goroutine advances the market;
// streams broadcast from it.
type Exchange struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	mid      map[domain.Instrument]decimal.Decimal
	updateID int64
	orderSeq int64
	tradeSeq int64
	resting  map[string]*restingOrder
	// history keeps the final update of every order that left the resting
	// set, so OrderStatus can answer for terminal orders the way a real
	// exchange does.
	history  map[string]domain.OrderUpdate
	bookSubs []chan domain.OrderBookMessage
	userSubs []chan connector.UserStreamEvent

	startOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a simulated exchange. The market loop starts lazily on the
// first stream request and stops at Close.
func New(cfg Config, logger *slog.Logger) *Exchange {
	cfg.applyDefaults()
	mid := make(map[domain.Instrument]decimal.Decimal, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		mid[inst] = cfg.StartPrice
	}
	return &Exchange{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "paper_exchange")),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		mid:     mid,
		resting: make(map[string]*restingOrder),
		history: make(map[string]domain.OrderUpdate),
		done:    make(chan struct{}),
	}
}

// Close stops the market loop and closes all stream channels.
func (e *Exchange) Close() {
	e.closeOnce.Do(func() { close(e.done) })
}

func (e *Exchange) Name() string { return "paper" }

func (e *Exchange) Instruments() []domain.Instrument {
	return append([]domain.Instrument(nil), e.cfg.Instruments...)
}

// TradingRules returns static rules derived from the simulation's tick size.
func (e *Exchange) TradingRules(ctx context.Context) ([]domain.TradingRule, error) {
	rules := make([]domain.TradingRule, 0, len(e.cfg.Instruments))
	for _, inst := range e.cfg.Instruments {
		rule := domain.DefaultTradingRule(inst)
		rule.MinPriceIncrement = e.cfg.TickSize
		rule.MinBaseAmountIncrement = decimal.New(1, -3)
		rule.MinOrderSize = decimal.New(1, -3)
		rules = append(rules, rule)
	}
	return rules, nil
}

// PlaceOrder accepts the order and rests it. Market orders execute against
// the synthetic book on the next tick, limit orders wait for a cross.
func (e *Exchange) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.mid[req.Instrument]; !ok {
		return "", fmt.Errorf("paper: instrument %s: %w", req.Instrument, domain.ErrInvalidOrder)
	}
	if _, dup := e.resting[req.ClientOrderID]; dup {
		return "", fmt.Errorf("paper: duplicate client order id %s: %w", req.ClientOrderID, domain.ErrInvalidOrder)
	}

	e.orderSeq++
	o := &restingOrder{
		req:        req,
		exchangeID: "paper-" + strconv.FormatInt(e.orderSeq, 10),
		placedAt:   time.Now(),
	}
	e.resting[req.ClientOrderID] = o
	return o.exchangeID, nil
}

// CancelOrder removes a resting order. Unknown ids report ErrNotFound, which
// the connector treats as already-cancelled.
func (e *Exchange) CancelOrder(ctx context.Context, inst domain.Instrument, clientOrderID, exchangeOrderID string) error {
	e.mu.Lock()
	o, ok := e.resting[clientOrderID]
	var update domain.OrderUpdate
	if ok {
		delete(e.resting, clientOrderID)
		update = domain.OrderUpdate{
			ClientOrderID:   clientOrderID,
			ExchangeOrderID: o.exchangeID,
			Instrument:      o.req.Instrument,
			State:           domain.OrderStateCancelled,
			Timestamp:       time.Now(),
		}
		e.history[clientOrderID] = update
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("paper: order %s: %w", clientOrderID, domain.ErrNotFound)
	}

	e.broadcastUser(connector.UserStreamEvent{Order: &update})
	return nil
}

// OpenOrders reports every resting order as open.
func (e *Exchange) OpenOrders(ctx context.Context) ([]domain.OrderUpdate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	updates := make([]domain.OrderUpdate, 0, len(e.resting))
	for _, o := range e.resting {
		updates = append(updates, domain.OrderUpdate{
			ClientOrderID:   o.req.ClientOrderID,
			ExchangeOrderID: o.exchangeID,
			Instrument:      o.req.Instrument,
			State:           domain.OrderStateOpen,
			Timestamp:       o.placedAt,
		})
	}
	return updates, nil
}

// OrderStatus answers for a single order: resting orders are open, finished
// ones come from the terminal history, anything else is ErrNotFound.
func (e *Exchange) OrderStatus(ctx context.Context, inst domain.Instrument, clientOrderID, exchangeOrderID string) (domain.OrderUpdate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if o, ok := e.resting[clientOrderID]; ok {
		return domain.OrderUpdate{
			ClientOrderID:   o.req.ClientOrderID,
			ExchangeOrderID: o.exchangeID,
			Instrument:      o.req.Instrument,
			State:           domain.OrderStateOpen,
			Timestamp:       o.placedAt,
		}, nil
	}
	if u, ok := e.history[clientOrderID]; ok {
		return u, nil
	}
	return domain.OrderUpdate{}, fmt.Errorf("paper: order %s: %w", clientOrderID, domain.ErrNotFound)
}

// BookSnapshot builds the current synthetic ladder.
func (e *Exchange) BookSnapshot(ctx context.Context, inst domain.Instrument) (domain.OrderBookMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	mid, ok := e.mid[inst]
	if !ok {
		return domain.OrderBookMessage{}, fmt.Errorf("paper: instrument %s: %w", inst, domain.ErrNotFound)
	}
	bids, asks := e.ladderLocked(mid)
	return domain.OrderBookMessage{
		Type:       domain.BookMessageSnapshot,
		Instrument: inst,
		Mode:       domain.DiffModeAbsolute,
		Bids:       bids,
		Asks:       asks,
		UpdateID:   e.updateID,
		Timestamp:  time.Now(),
	}, nil
}

// BookStream subscribes to synthetic diffs; the market loop starts on first
// use.
func (e *Exchange) BookStream(ctx context.Context) (<-chan domain.OrderBookMessage, error) {
	e.startOnce.Do(func() { go e.marketLoop() })

	ch := make(chan domain.OrderBookMessage, streamBuffer)
	e.mu.Lock()
	e.bookSubs = append(e.bookSubs, ch)
	e.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-e.done:
		}
		e.dropBookSub(ch)
	}()
	return ch, nil
}

// UserStream subscribes to simulated order events.
func (e *Exchange) UserStream(ctx context.Context) (<-chan connector.UserStreamEvent, error) {
	e.startOnce.Do(func() { go e.marketLoop() })

	ch := make(chan connector.UserStreamEvent, streamBuffer)
	e.mu.Lock()
	e.userSubs = append(e.userSubs, ch)
	e.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-e.done:
		}
		e.dropUserSub(ch)
	}()
	return ch, nil
}

func (e *Exchange) marketLoop() {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

// tick advances every instrument's mid one step, broadcasts the ladder
// changes as an absolute diff, and fills any resting order the market
// crossed. Prices the ladder vacated are cleared with zero-size levels;
// without them the receiving book keeps the old rungs and the moving mid
// eventually crosses its own leftovers.
func (e *Exchange) tick() {
	e.mu.Lock()
	var books []domain.OrderBookMessage
	var fills []connector.UserStreamEvent

	for inst, mid := range e.mid {
		prev := mid
		step := e.cfg.TickSize
		if e.rng.Intn(2) == 0 {
			step = step.Neg()
		}
		mid = mid.Add(step)
		if mid.LessThanOrEqual(e.cfg.TickSize) {
			mid = e.cfg.StartPrice
		}
		e.mid[inst] = mid

		e.updateID++
		oldBids, oldAsks := e.ladderLocked(prev)
		bids, asks := e.ladderLocked(mid)
		books = append(books, domain.OrderBookMessage{
			Type:       domain.BookMessageDiff,
			Instrument: inst,
			Mode:       domain.DiffModeAbsolute,
			Bids:       append(bids, vacated(oldBids, bids)...),
			Asks:       append(asks, vacated(oldAsks, asks)...),
			UpdateID:   e.updateID,
			Timestamp:  time.Now(),
		})

		bestBid := bids[0].Price
		bestAsk := asks[0].Price
		for id, o := range e.resting {
			if o.req.Instrument != inst {
				continue
			}
			if e.crossedLocked(o, bestBid, bestAsk) {
				delete(e.resting, id)
				fills = append(fills, e.fillEventsLocked(o)...)
			}
		}
	}
	e.mu.Unlock()

	for _, msg := range books {
		e.broadcastBook(msg)
	}
	for _, ev := range fills {
		e.broadcastUser(ev)
	}
}

func (e *Exchange) crossedLocked(o *restingOrder, bestBid, bestAsk decimal.Decimal) bool {
	if o.req.Type == domain.OrderTypeMarket {
		return true
	}
	if o.req.Side == domain.OrderSideBuy {
		return bestAsk.LessThanOrEqual(o.req.Price)
	}
	return bestBid.GreaterThanOrEqual(o.req.Price)
}

// fillEventsLocked produces the full-fill event pair: a cumulative order
// update and the discrete trade, matching what a real user stream delivers.
func (e *Exchange) fillEventsLocked(o *restingOrder) []connector.UserStreamEvent {
	price := o.req.Price
	if o.req.Type == domain.OrderTypeMarket {
		price = e.mid[o.req.Instrument]
	}
	quote := o.req.Amount.Mul(price)
	now := time.Now()
	e.tradeSeq++

	filled := domain.OrderUpdate{
		ClientOrderID:   o.req.ClientOrderID,
		ExchangeOrderID: o.exchangeID,
		Instrument:      o.req.Instrument,
		State:           domain.OrderStateFilled,
		FilledBase:      o.req.Amount,
		FilledQuote:     quote,
		Timestamp:       now,
	}
	e.history[o.req.ClientOrderID] = filled

	return []connector.UserStreamEvent{
		{Order: &filled},
		{Trade: &domain.TradeUpdate{
			FillID:          "paper-t-" + strconv.FormatInt(e.tradeSeq, 10),
			ClientOrderID:   o.req.ClientOrderID,
			ExchangeOrderID: o.exchangeID,
			Instrument:      o.req.Instrument,
			Price:           price,
			BaseAmount:      o.req.Amount,
			QuoteAmount:     quote,
			Timestamp:       now,
		}},
	}
}

func (e *Exchange) ladderLocked(mid decimal.Decimal) (bids, asks []domain.BookLevel) {
	half := e.cfg.TickSize.Div(decimal.NewFromInt(2))
	for i := 0; i < bookDepth; i++ {
		offset := e.cfg.TickSize.Mul(decimal.NewFromInt(int64(i))).Add(half)
		bids = append(bids, domain.BookLevel{Price: mid.Sub(offset), Size: e.cfg.LevelSize})
		asks = append(asks, domain.BookLevel{Price: mid.Add(offset), Size: e.cfg.LevelSize})
	}
	return bids, asks
}

// vacated lists the prices present in the previous ladder but absent from
// the current one, as zero-size removals.
func vacated(prev, cur []domain.BookLevel) []domain.BookLevel {
	kept := make(map[string]bool, len(cur))
	for _, lvl := range cur {
		kept[lvl.Price.String()] = true
	}
	var out []domain.BookLevel
	for _, lvl := range prev {
		if !kept[lvl.Price.String()] {
			out = append(out, domain.BookLevel{Price: lvl.Price})
		}
	}
	return out
}

func (e *Exchange) broadcastBook(msg domain.OrderBookMessage) {
	e.mu.Lock()
	subs := append([]chan domain.OrderBookMessage(nil), e.bookSubs...)
	e.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- msg:
		default: // slow subscriber drops ticks, never blocks the market
		}
	}
}

func (e *Exchange) broadcastUser(ev connector.UserStreamEvent) {
	e.mu.Lock()
	subs := append([]chan connector.UserStreamEvent(nil), e.userSubs...)
	e.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (e *Exchange) dropBookSub(ch chan domain.OrderBookMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, sub := range e.bookSubs {
		if sub == ch {
			e.bookSubs = append(e.bookSubs[:i], e.bookSubs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (e *Exchange) dropUserSub(ch chan connector.UserStreamEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, sub := range e.userSubs {
		if sub == ch {
			e.userSubs = append(e.userSubs[:i], e.userSubs[i+1:]...)
			close(ch)
			return
		}
	}
}

var _ connector.ExchangeAdapter = (*Exchange)(nil)
