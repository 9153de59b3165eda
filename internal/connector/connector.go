package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/mmbot/internal/book"
	"github.com/alanyoungcy/mmbot/internal/domain"
	"github.com/alanyoungcy/mmbot/internal/order"
)

// State is the connector's network lifecycle state.
type State string

const (
	StateStopped      State = "stopped"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateReconnecting State = "reconnecting"
	StateStopping     State = "stopping"
)

// Config tunes the connector's loops.
type Config struct {
	PollInterval  time.Duration // order status polling cadence
	RulesInterval time.Duration // trading rule refresh cadence
	CancelTimeout time.Duration // default CancelAll bound
	RateLimit     int           // order submissions per window, 0 disables
	RateWindow    time.Duration
	ReconnectWait time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:  10 * time.Second,
		RulesInterval: 60 * time.Second,
		CancelTimeout: 10 * time.Second,
		RateLimit:     10,
		RateWindow:    time.Second,
		ReconnectWait: 2 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.RulesInterval <= 0 {
		c.RulesInterval = def.RulesInterval
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = def.CancelTimeout
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = def.ReconnectWait
	}
}

// Connector binds one exchange adapter to a book synchronizer and an order
// reconciler and runs the reconciliation loops. One instance per exchange;
// the synchronizer and reconciler are mutated only by this instance's
// tasks, and strategies read through the query surface only.
type Connector struct {
	adapter ExchangeAdapter
	books   *book.Synchronizer
	orders  *order.Reconciler
	limiter domain.RateLimiter
	cfg     Config
	logger  *slog.Logger

	rulesMu sync.RWMutex
	rules   map[domain.Instrument]domain.TradingRule

	stateMu sync.Mutex
	state   State
	cancel  context.CancelFunc
	group   *errgroup.Group

	onResync func(domain.Instrument)
}

// New creates a stopped connector. limiter may be nil to disable submission
// rate limiting.
func New(adapter ExchangeAdapter, books *book.Synchronizer, orders *order.Reconciler, limiter domain.RateLimiter, cfg Config, logger *slog.Logger) *Connector {
	cfg.applyDefaults()
	return &Connector{
		adapter: adapter,
		books:   books,
		orders:  orders,
		limiter: limiter,
		cfg:     cfg,
		rules:   make(map[domain.Instrument]domain.TradingRule),
		state:   StateStopped,
		logger: logger.With(
			slog.String("component", "connector"),
			slog.String("exchange", adapter.Name()),
		),
	}
}

// Name returns the adapter's exchange name.
func (c *Connector) Name() string { return c.adapter.Name() }

// State returns the current lifecycle state.
func (c *Connector) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Connector) setState(s State) {
	c.stateMu.Lock()
	prev := c.state
	c.state = s
	c.stateMu.Unlock()
	if prev != s {
		c.logger.Info("connector state changed",
			slog.String("from", string(prev)),
			slog.String("to", string(s)))
	}
}

// OnResync registers a callback invoked each time a book is re-seeded after
// a data integrity fault or a failed snapshot fetch. Must be set before
// Start; the callback runs on the resync loop and should not block.
func (c *Connector) OnResync(fn func(domain.Instrument)) { c.onResync = fn }

// Books exposes the read-only book query surface.
func (c *Connector) Books() *book.Synchronizer { return c.books }

// Orders exposes the reconciler for event consumption and tracking-state
// persistence.
func (c *Connector) Orders() *order.Reconciler { return c.orders }

// Start brings the connector to RUNNING: fetches trading rules, subscribes
// and seeds every instrument's book, then launches the polling and stream
// loops. It returns once the loops are launched; Wait blocks on them.
func (c *Connector) Start(ctx context.Context) error {
	c.stateMu.Lock()
	if c.state != StateStopped {
		c.stateMu.Unlock()
		return fmt.Errorf("connector: start from state %s: %w", c.state, domain.ErrConnectorStopped)
	}
	c.state = StateStarting
	c.stateMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.refreshTradingRules(runCtx); err != nil {
		cancel()
		c.setState(StateStopped)
		return fmt.Errorf("connector: initial trading rules: %w", err)
	}

	for _, inst := range c.adapter.Instruments() {
		c.books.Subscribe(inst)
	}

	g, loopCtx := errgroup.WithContext(runCtx)
	c.group = g
	g.Go(func() error { return c.pollLoop(loopCtx) })
	g.Go(func() error { return c.rulesLoop(loopCtx) })
	g.Go(func() error { return c.bookStreamLoop(loopCtx) })
	g.Go(func() error { return c.userStreamLoop(loopCtx) })
	g.Go(func() error { return c.resyncLoop(loopCtx) })

	// Seed books after the stream loop is up so diffs buffered during the
	// snapshot fetch replay cleanly. A failed seed is handed to the resync
	// loop, which keeps retrying it.
	for _, inst := range c.adapter.Instruments() {
		if err := c.requestSnapshot(runCtx, inst); err != nil {
			c.books.RequestResync(inst)
		}
	}

	c.setState(StateRunning)
	return nil
}

// Stop moves to STOPPING, signals every loop to finish its current drain
// iteration, and waits for them.
func (c *Connector) Stop() {
	c.stateMu.Lock()
	if c.state == StateStopped || c.state == StateStopping {
		c.stateMu.Unlock()
		return
	}
	c.state = StateStopping
	cancel := c.cancel
	group := c.group
	c.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("connector loop exited with error", slog.String("error", err.Error()))
		}
	}
	c.setState(StateStopped)
}

// Wait blocks until all loops exit.
func (c *Connector) Wait() error {
	c.stateMu.Lock()
	group := c.group
	c.stateMu.Unlock()
	if group == nil {
		return nil
	}
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// TradingRule returns the current rule for the instrument, falling back to
// a permissive default before the first refresh lists it.
func (c *Connector) TradingRule(inst domain.Instrument) domain.TradingRule {
	c.rulesMu.RLock()
	defer c.rulesMu.RUnlock()
	if rule, ok := c.rules[inst]; ok {
		return rule
	}
	return domain.DefaultTradingRule(inst)
}

// Buy submits a buy order and returns its client order id. The submission
// itself is fire-and-forget: the outcome arrives as lifecycle events.
func (c *Connector) Buy(ctx context.Context, inst domain.Instrument, typ domain.OrderType, price, amount decimal.Decimal) (string, error) {
	return c.submit(ctx, inst, domain.OrderSideBuy, typ, price, amount)
}

// Sell submits a sell order and returns its client order id.
func (c *Connector) Sell(ctx context.Context, inst domain.Instrument, typ domain.OrderType, price, amount decimal.Decimal) (string, error) {
	return c.submit(ctx, inst, domain.OrderSideSell, typ, price, amount)
}

func (c *Connector) submit(ctx context.Context, inst domain.Instrument, side domain.OrderSide, typ domain.OrderType, price, amount decimal.Decimal) (string, error) {
	if c.State() != StateRunning {
		return "", fmt.Errorf("connector: %s: %w", c.adapter.Name(), domain.ErrConnectorStopped)
	}

	rule := c.TradingRule(inst)
	if !rule.SupportsOrderType(typ) {
		return "", fmt.Errorf("connector: %s %s: %w", inst, typ, domain.ErrUnsupportedType)
	}

	if typ != domain.OrderTypeMarket {
		price = rule.QuantizePrice(price)
	} else {
		price = decimal.Zero
	}
	quantized := rule.QuantizeAmount(amount, price)
	if quantized.IsZero() {
		return "", fmt.Errorf("connector: %s amount %s: %w", inst, amount, domain.ErrAmountBelowMin)
	}

	if c.limiter != nil && c.cfg.RateLimit > 0 {
		allowed, err := c.limiter.Allow(ctx, "orders:"+c.adapter.Name(), c.cfg.RateLimit, c.cfg.RateWindow)
		if err != nil {
			return "", fmt.Errorf("connector: rate limiter: %w", err)
		}
		if !allowed {
			return "", fmt.Errorf("connector: %s: %w", c.adapter.Name(), domain.ErrRateLimited)
		}
	}

	req := domain.OrderRequest{
		ClientOrderID: newClientOrderID(side),
		Instrument:    inst,
		Side:          side,
		Type:          typ,
		Price:         price,
		Amount:        quantized,
	}

	o := order.NewInFlightOrder(req, time.Now())
	if err := c.orders.StartTracking(o); err != nil {
		return "", err
	}

	go c.placeOrder(req)

	return req.ClientOrderID, nil
}

func (c *Connector) placeOrder(req domain.OrderRequest) {
	// Detached from the caller's context: the submission should not die
	// with the strategy tick that requested it, only with the connector.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exchangeID, err := c.adapter.PlaceOrder(ctx, req)
	if err != nil {
		c.logger.Warn("order submission failed",
			slog.String("client_order_id", req.ClientOrderID),
			slog.String("instrument", req.Instrument.String()),
			slog.String("error", err.Error()))
		c.orders.ApplyOrderUpdate(ctx, domain.OrderUpdate{
			ClientOrderID: req.ClientOrderID,
			State:         domain.OrderStateFailed,
			Timestamp:     time.Now(),
		})
		return
	}

	c.orders.ApplyOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: exchangeID,
		State:           domain.OrderStateOpen,
		Timestamp:       time.Now(),
	})
}

// Cancel requests cancellation of one order. "Order not found" from the
// exchange is cancellation success: the desired end state already holds.
func (c *Connector) Cancel(ctx context.Context, clientOrderID string) error {
	tracked, ok := c.orders.Get(clientOrderID)
	if !ok {
		return fmt.Errorf("connector: order %s: %w", clientOrderID, domain.ErrNotFound)
	}
	if tracked.IsDone() {
		return nil
	}

	c.orders.ApplyOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID: clientOrderID,
		State:         domain.OrderStatePendingCancel,
		Timestamp:     time.Now(),
	})

	err := c.adapter.CancelOrder(ctx, tracked.Instrument, clientOrderID, tracked.ExchangeOrderID)
	switch {
	case err == nil:
		c.orders.ApplyOrderUpdate(ctx, domain.OrderUpdate{
			ClientOrderID: clientOrderID,
			State:         domain.OrderStateCancelled,
			Timestamp:     time.Now(),
		})
		return nil
	case errors.Is(err, domain.ErrNotFound):
		c.orders.ApplyOrderUpdate(ctx, domain.OrderUpdate{
			ClientOrderID: clientOrderID,
			State:         domain.OrderStateCancelled,
			Timestamp:     time.Now(),
		})
		return nil
	default:
		return fmt.Errorf("connector: cancel %s: %w", clientOrderID, err)
	}
}

// CancelAll cancels every outstanding order concurrently and waits up to
// timeout for confirmations. Orders not confirmed by the deadline are
// reported as failed cancellations but not assumed cancelled; the caller
// must re-verify.
func (c *Connector) CancelAll(ctx context.Context, timeout time.Duration) []domain.CancellationResult {
	if timeout <= 0 {
		timeout = c.cfg.CancelTimeout
	}
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outstanding := c.orders.ActiveOrders()
	results := make(chan domain.CancellationResult, len(outstanding))
	var wg sync.WaitGroup
	for _, o := range outstanding {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := c.Cancel(deadline, id)
			results <- domain.CancellationResult{ClientOrderID: id, Success: err == nil}
		}(o.ClientOrderID)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	resolved := make(map[string]bool, len(outstanding))
	for {
		select {
		case res, ok := <-results:
			if !ok {
				out := make([]domain.CancellationResult, 0, len(outstanding))
				for _, o := range outstanding {
					out = append(out, domain.CancellationResult{
						ClientOrderID: o.ClientOrderID,
						Success:       resolved[o.ClientOrderID],
					})
				}
				return out
			}
			resolved[res.ClientOrderID] = res.Success
		case <-deadline.Done():
			out := make([]domain.CancellationResult, 0, len(outstanding))
			for _, o := range outstanding {
				out = append(out, domain.CancellationResult{
					ClientOrderID: o.ClientOrderID,
					Success:       resolved[o.ClientOrderID],
				})
			}
			return out
		}
	}
}

// pollLoop reconciles tracked orders against REST reality at a fixed
// interval. Orders missing from the open-orders listing are looked up
// individually, since the listing cannot distinguish a filled order from a
// lost one; only a direct not-found advances the reconciler's debounce.
func (c *Connector) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

func (c *Connector) pollOnce(ctx context.Context) {
	tracked := c.orders.ActiveOrders()
	if len(tracked) == 0 {
		return
	}

	records, err := c.adapter.OpenOrders(ctx)
	if err != nil {
		c.logger.Warn("order status poll failed", slog.String("error", err.Error()))
		return
	}

	reported := make(map[string]domain.OrderUpdate, len(records))
	for _, u := range records {
		key := u.ClientOrderID
		if key == "" {
			key = u.ExchangeOrderID
		}
		reported[key] = u
	}

	var updates []domain.OrderUpdate
	for _, o := range tracked {
		u, ok := reported[o.ClientOrderID]
		if !ok && o.ExchangeOrderID != "" {
			u, ok = reported[o.ExchangeOrderID]
		}
		if ok {
			updates = append(updates, u)
			continue
		}

		// Absent from the listing: the order may have reached a terminal
		// state the listing no longer carries. Ask for it directly before
		// concluding anything.
		u, err := c.adapter.OrderStatus(ctx, o.Instrument, o.ClientOrderID, o.ExchangeOrderID)
		switch {
		case err == nil:
			updates = append(updates, u)
		case errors.Is(err, domain.ErrNotFound):
			c.orders.ProcessOrderNotFound(ctx, o.ClientOrderID)
		default:
			// A transient lookup failure proves nothing about the order.
			c.logger.Warn("order status lookup failed",
				slog.String("client_order_id", o.ClientOrderID),
				slog.String("error", err.Error()))
		}
	}
	c.orders.ApplyRESTSnapshot(ctx, updates)
}

func (c *Connector) rulesLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.RulesInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.refreshTradingRules(ctx); err != nil {
				c.logger.Warn("trading rule refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (c *Connector) refreshTradingRules(ctx context.Context) error {
	rules, err := c.adapter.TradingRules(ctx)
	if err != nil {
		return err
	}
	next := make(map[domain.Instrument]domain.TradingRule, len(rules))
	for _, r := range rules {
		next[r.Instrument] = r
	}
	c.rulesMu.Lock()
	c.rules = next
	c.rulesMu.Unlock()
	return nil
}

func (c *Connector) bookStreamLoop(ctx context.Context) error {
	for {
		stream, err := c.adapter.BookStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.setState(StateReconnecting)
			c.logger.Warn("book stream unavailable, retrying", slog.String("error", err.Error()))
			if err := sleep(ctx, c.cfg.ReconnectWait); err != nil {
				return err
			}
			continue
		}
		c.setState(StateRunning)

		if err := c.consumeBookStream(ctx, stream); err != nil {
			return err
		}
		c.setState(StateReconnecting)
		c.logger.Warn("book stream closed, reacquiring")
		// Books go stale across a reconnect; refresh them.
		for _, inst := range c.books.Instruments() {
			if err := c.requestSnapshot(ctx, inst); err != nil {
				c.books.RequestResync(inst)
			}
		}
		if err := sleep(ctx, c.cfg.ReconnectWait); err != nil {
			return err
		}
	}
}

// consumeBookStream drains the stream until it closes (nil return) or the
// context ends.
func (c *Connector) consumeBookStream(ctx context.Context, stream <-chan domain.OrderBookMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-stream:
			if !ok {
				return ctx.Err()
			}
			c.books.ProcessMessage(ctx, msg)
		}
	}
}

func (c *Connector) userStreamLoop(ctx context.Context) error {
	for {
		stream, err := c.adapter.UserStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.setState(StateReconnecting)
			c.logger.Warn("user stream unavailable, retrying", slog.String("error", err.Error()))
			if err := sleep(ctx, c.cfg.ReconnectWait); err != nil {
				return err
			}
			continue
		}
		c.setState(StateRunning)

		if err := c.consumeUserStream(ctx, stream); err != nil {
			return err
		}
		c.setState(StateReconnecting)
		c.logger.Warn("user stream closed, reacquiring")
		if err := sleep(ctx, c.cfg.ReconnectWait); err != nil {
			return err
		}
	}
}

func (c *Connector) consumeUserStream(ctx context.Context, stream <-chan UserStreamEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream:
			if !ok {
				return ctx.Err()
			}
			switch {
			case ev.Trade != nil:
				c.orders.ApplyTradeUpdate(ctx, *ev.Trade)
			case ev.Order != nil:
				c.orders.ApplyOrderUpdate(ctx, *ev.Order)
			default:
				c.logger.Debug("empty user stream event dropped")
			}
		}
	}
}

// resyncLoop services the synchronizer's requests for fresh snapshots after
// data integrity faults. A failed fetch re-queues the request after a wait,
// so a transient REST outage delays the resync instead of dropping it.
func (c *Connector) resyncLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case inst := <-c.books.ResyncRequests():
			if err := c.requestSnapshot(ctx, inst); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := sleep(ctx, c.cfg.ReconnectWait); err != nil {
					return err
				}
				c.books.RequestResync(inst)
				continue
			}
			if c.onResync != nil {
				c.onResync(inst)
			}
		}
	}
}

func (c *Connector) requestSnapshot(ctx context.Context, inst domain.Instrument) error {
	snap, err := c.adapter.BookSnapshot(ctx, inst)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("book snapshot fetch failed",
			slog.String("instrument", inst.String()),
			slog.String("error", err.Error()))
		return err
	}
	c.books.ProcessMessage(ctx, snap)
	return nil
}

func newClientOrderID(side domain.OrderSide) string {
	return fmt.Sprintf("mm-%s-%s", side, strings.ReplaceAll(uuid.NewString(), "-", "")[:20])
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
