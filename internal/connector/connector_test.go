package connector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mmbot/internal/book"
	"github.com/alanyoungcy/mmbot/internal/domain"
	"github.com/alanyoungcy/mmbot/internal/order"
)

var ethusdt = domain.Instrument{Base: "ETH", Quote: "USDT"}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeAdapter is a scripted in-memory exchange. Responses are set by tests;
// placed requests are recorded and announced on placedCh.
type fakeAdapter struct {
	mu         sync.Mutex
	placed     []domain.OrderRequest
	placedCh   chan domain.OrderRequest
	placeErr   error
	cancelErr  error
	cancelHang bool
	snapErr    error
	statusErr  error
	openOrders []domain.OrderUpdate
	statuses   map[string]domain.OrderUpdate
	rules      []domain.TradingRule

	bookCh chan domain.OrderBookMessage
	userCh chan UserStreamEvent
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		placedCh: make(chan domain.OrderRequest, 16),
		statuses: make(map[string]domain.OrderUpdate),
		rules: []domain.TradingRule{{
			Instrument:             ethusdt,
			MinOrderSize:           d("0.01"),
			MinPriceIncrement:      d("0.01"),
			MinBaseAmountIncrement: d("0.001"),
			SupportsLimitOrders:    true,
		}},
		bookCh: make(chan domain.OrderBookMessage, 16),
		userCh: make(chan UserStreamEvent, 16),
	}
}

func (f *fakeAdapter) Name() string                     { return "fake" }
func (f *fakeAdapter) Instruments() []domain.Instrument { return []domain.Instrument{ethusdt} }

func (f *fakeAdapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.placed = append(f.placed, req)
	id := "x-" + req.ClientOrderID
	select {
	case f.placedCh <- req:
	default:
	}
	return id, nil
}

func (f *fakeAdapter) CancelOrder(ctx context.Context, inst domain.Instrument, clientOrderID, exchangeOrderID string) error {
	f.mu.Lock()
	hang := f.cancelHang
	err := f.cancelErr
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeAdapter) OpenOrders(ctx context.Context) ([]domain.OrderUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.OrderUpdate(nil), f.openOrders...), nil
}

func (f *fakeAdapter) OrderStatus(ctx context.Context, inst domain.Instrument, clientOrderID, exchangeOrderID string) (domain.OrderUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return domain.OrderUpdate{}, f.statusErr
	}
	if u, ok := f.statuses[clientOrderID]; ok {
		return u, nil
	}
	return domain.OrderUpdate{}, domain.ErrNotFound
}

func (f *fakeAdapter) TradingRules(ctx context.Context) ([]domain.TradingRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.TradingRule(nil), f.rules...), nil
}

func (f *fakeAdapter) BookSnapshot(ctx context.Context, inst domain.Instrument) (domain.OrderBookMessage, error) {
	f.mu.Lock()
	err := f.snapErr
	f.mu.Unlock()
	if err != nil {
		return domain.OrderBookMessage{}, err
	}
	return domain.OrderBookMessage{
		Type:       domain.BookMessageSnapshot,
		Instrument: inst,
		Mode:       domain.DiffModeAbsolute,
		Bids:       []domain.BookLevel{{Price: d("100"), Size: d("2")}},
		Asks:       []domain.BookLevel{{Price: d("101"), Size: d("3")}},
		UpdateID:   10,
		Timestamp:  time.Now(),
	}, nil
}

func (f *fakeAdapter) BookStream(ctx context.Context) (<-chan domain.OrderBookMessage, error) {
	return f.bookCh, nil
}

func (f *fakeAdapter) UserStream(ctx context.Context) (<-chan UserStreamEvent, error) {
	return f.userCh, nil
}

// denyLimiter rejects every submission.
type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return false, nil
}

func newTestConnector(t *testing.T, fake *fakeAdapter, limiter domain.RateLimiter) *Connector {
	t.Helper()
	logger := slog.Default()
	books := book.NewSynchronizer(nil, logger)
	orders := order.NewReconciler(logger, order.WithNotFoundThreshold(3))
	cfg := Config{
		PollInterval:  time.Hour, // poll driven manually in tests
		RulesInterval: time.Hour,
		CancelTimeout: time.Second,
		ReconnectWait: 10 * time.Millisecond,
	}
	if limiter != nil {
		cfg.RateLimit = 1
	}
	return New(fake, books, orders, limiter, cfg, logger)
}

func startConnector(t *testing.T, c *Connector) {
	t.Helper()
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
}

func waitEvent(t *testing.T, c *Connector, want domain.OrderEventType) domain.OrderEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.Orders().Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestStartStopLifecycle(t *testing.T) {
	c := newTestConnector(t, newFakeAdapter(), nil)
	assert.Equal(t, StateStopped, c.State())

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateRunning, c.State())

	// Double start is rejected.
	err := c.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrConnectorStopped)

	c.Stop()
	assert.Equal(t, StateStopped, c.State())
}

func TestSubmitRequiresRunning(t *testing.T) {
	c := newTestConnector(t, newFakeAdapter(), nil)
	_, err := c.Buy(context.Background(), ethusdt, domain.OrderTypeLimit, d("100"), d("1"))
	assert.ErrorIs(t, err, domain.ErrConnectorStopped)
}

func TestSubmitRejectsUnsupportedType(t *testing.T) {
	c := newTestConnector(t, newFakeAdapter(), nil)
	startConnector(t, c)

	// The fake's rules only allow limit orders.
	_, err := c.Buy(context.Background(), ethusdt, domain.OrderTypeMarket, decimal.Zero, d("1"))
	assert.ErrorIs(t, err, domain.ErrUnsupportedType)
}

func TestSubmitRejectsAmountBelowMinimum(t *testing.T) {
	c := newTestConnector(t, newFakeAdapter(), nil)
	startConnector(t, c)

	_, err := c.Buy(context.Background(), ethusdt, domain.OrderTypeLimit, d("100"), d("0.005"))
	assert.ErrorIs(t, err, domain.ErrAmountBelowMin)
	assert.Empty(t, c.Orders().ActiveOrders())
}

func TestSubmitRateLimited(t *testing.T) {
	c := newTestConnector(t, newFakeAdapter(), denyLimiter{})
	startConnector(t, c)

	_, err := c.Buy(context.Background(), ethusdt, domain.OrderTypeLimit, d("100"), d("1"))
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestSubmitQuantizesAndPlaces(t *testing.T) {
	fake := newFakeAdapter()
	c := newTestConnector(t, fake, nil)
	startConnector(t, c)

	id, err := c.Buy(context.Background(), ethusdt, domain.OrderTypeLimit, d("100.1234"), d("1.23456"))
	require.NoError(t, err)
	assert.Contains(t, id, "mm-buy-")

	select {
	case req := <-fake.placedCh:
		assert.Equal(t, id, req.ClientOrderID)
		assert.True(t, req.Price.Equal(d("100.12")), "price %s", req.Price)
		assert.True(t, req.Amount.Equal(d("1.234")), "amount %s", req.Amount)
	case <-time.After(2 * time.Second):
		t.Fatal("order never reached the adapter")
	}

	ev := waitEvent(t, c, domain.OrderEventCreated)
	assert.Equal(t, id, ev.ClientOrderID)

	tracked, ok := c.Orders().Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStateOpen, tracked.State)
	assert.Equal(t, "x-"+id, tracked.ExchangeOrderID)
}

func TestSubmitFailureMarksOrderFailed(t *testing.T) {
	fake := newFakeAdapter()
	fake.placeErr = domain.ErrInvalidOrder
	c := newTestConnector(t, fake, nil)
	startConnector(t, c)

	id, err := c.Buy(context.Background(), ethusdt, domain.OrderTypeLimit, d("100"), d("1"))
	require.NoError(t, err)

	ev := waitEvent(t, c, domain.OrderEventFailed)
	assert.Equal(t, id, ev.ClientOrderID)
	_, ok := c.Orders().Get(id)
	assert.False(t, ok, "failed order should leave the active set")
}

func TestCancelNotFoundIsSuccess(t *testing.T) {
	fake := newFakeAdapter()
	c := newTestConnector(t, fake, nil)
	startConnector(t, c)

	id, err := c.Sell(context.Background(), ethusdt, domain.OrderTypeLimit, d("100"), d("1"))
	require.NoError(t, err)
	waitEvent(t, c, domain.OrderEventCreated)

	fake.mu.Lock()
	fake.cancelErr = domain.ErrNotFound
	fake.mu.Unlock()

	require.NoError(t, c.Cancel(context.Background(), id))
	ev := waitEvent(t, c, domain.OrderEventCancelled)
	assert.Equal(t, id, ev.ClientOrderID)
}

func TestCancelUntrackedOrder(t *testing.T) {
	c := newTestConnector(t, newFakeAdapter(), nil)
	startConnector(t, c)

	err := c.Cancel(context.Background(), "no-such-order")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelAllReportsUnconfirmed(t *testing.T) {
	fake := newFakeAdapter()
	fake.cancelHang = true
	c := newTestConnector(t, fake, nil)
	startConnector(t, c)

	id, err := c.Buy(context.Background(), ethusdt, domain.OrderTypeLimit, d("100"), d("1"))
	require.NoError(t, err)
	waitEvent(t, c, domain.OrderEventCreated)

	results := c.CancelAll(context.Background(), 100*time.Millisecond)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ClientOrderID)
	assert.False(t, results[0].Success, "hung cancellation must not be assumed successful")
}

func TestCancelAllConfirmsAll(t *testing.T) {
	fake := newFakeAdapter()
	c := newTestConnector(t, fake, nil)
	startConnector(t, c)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := c.Buy(context.Background(), ethusdt, domain.OrderTypeLimit, d("100"), d("1"))
		require.NoError(t, err)
		ids = append(ids, id)
		waitEvent(t, c, domain.OrderEventCreated)
	}

	results := c.CancelAll(context.Background(), time.Second)
	require.Len(t, results, len(ids))
	for _, res := range results {
		assert.True(t, res.Success, "order %s", res.ClientOrderID)
	}
	assert.Empty(t, c.Orders().ActiveOrders())
}

func TestPollRoutesMissingOrdersThroughDebounce(t *testing.T) {
	fake := newFakeAdapter()
	c := newTestConnector(t, fake, nil)
	startConnector(t, c)

	id, err := c.Buy(context.Background(), ethusdt, domain.OrderTypeLimit, d("100"), d("1"))
	require.NoError(t, err)
	waitEvent(t, c, domain.OrderEventCreated)

	// The exchange reports nothing; three consecutive misses conclude the
	// acknowledged order was cancelled out of band.
	ctx := context.Background()
	c.pollOnce(ctx)
	c.pollOnce(ctx)
	_, ok := c.Orders().Get(id)
	assert.True(t, ok, "order must survive below the miss threshold")

	c.pollOnce(ctx)
	ev := waitEvent(t, c, domain.OrderEventCancelled)
	assert.Equal(t, id, ev.ClientOrderID)
	_, ok = c.Orders().Get(id)
	assert.False(t, ok)
}

func TestPollResetsMissCountOnSighting(t *testing.T) {
	fake := newFakeAdapter()
	c := newTestConnector(t, fake, nil)
	startConnector(t, c)

	id, err := c.Buy(context.Background(), ethusdt, domain.OrderTypeLimit, d("100"), d("1"))
	require.NoError(t, err)
	waitEvent(t, c, domain.OrderEventCreated)

	ctx := context.Background()
	c.pollOnce(ctx)
	c.pollOnce(ctx)

	// The order reappears; the miss counter must reset.
	fake.mu.Lock()
	fake.openOrders = []domain.OrderUpdate{{
		ClientOrderID: id,
		State:         domain.OrderStateOpen,
	}}
	fake.mu.Unlock()
	c.pollOnce(ctx)

	fake.mu.Lock()
	fake.openOrders = nil
	fake.mu.Unlock()
	c.pollOnce(ctx)
	c.pollOnce(ctx)
	_, ok := c.Orders().Get(id)
	assert.True(t, ok, "two misses after a sighting must not be terminal")
}

func TestPollRecoversTerminalStateFromDirectLookup(t *testing.T) {
	fake := newFakeAdapter()
	c := newTestConnector(t, fake, nil)
	startConnector(t, c)

	id, err := c.Buy(context.Background(), ethusdt, domain.OrderTypeLimit, d("100"), d("1"))
	require.NoError(t, err)
	waitEvent(t, c, domain.OrderEventCreated)

	// The order filled between polls, so the open-orders listing no longer
	// carries it. The direct lookup still does; the poll must conclude
	// completed, not cancelled.
	fake.mu.Lock()
	fake.statuses[id] = domain.OrderUpdate{
		ClientOrderID:   id,
		ExchangeOrderID: "x-" + id,
		Instrument:      ethusdt,
		State:           domain.OrderStateFilled,
		FilledBase:      d("1"),
		FilledQuote:     d("100"),
		Timestamp:       time.Now(),
	}
	fake.mu.Unlock()

	c.pollOnce(context.Background())

	fill := waitEvent(t, c, domain.OrderEventFilled)
	assert.Equal(t, id, fill.ClientOrderID)
	done := waitEvent(t, c, domain.OrderEventCompleted)
	assert.Equal(t, id, done.ClientOrderID)
}

func TestPollStatusLookupFailureProvesNothing(t *testing.T) {
	fake := newFakeAdapter()
	c := newTestConnector(t, fake, nil)
	startConnector(t, c)

	id, err := c.Buy(context.Background(), ethusdt, domain.OrderTypeLimit, d("100"), d("1"))
	require.NoError(t, err)
	waitEvent(t, c, domain.OrderEventCreated)

	fake.mu.Lock()
	fake.statusErr = errors.New("request timeout")
	fake.mu.Unlock()

	ctx := context.Background()
	c.pollOnce(ctx)
	c.pollOnce(ctx)
	c.pollOnce(ctx)

	_, ok := c.Orders().Get(id)
	assert.True(t, ok, "transient lookup failures must not advance the not-found debounce")
}

func TestPollConcludesRestoredUnacknowledgedOrder(t *testing.T) {
	fake := newFakeAdapter()
	c := newTestConnector(t, fake, nil)
	startConnector(t, c)

	// An order restored from a previous run: never acknowledged, no
	// exchange id, created well past the not-found grace period. The poll
	// must still resolve it instead of skipping it forever.
	stale := order.NewInFlightOrder(domain.OrderRequest{
		ClientOrderID: "mm-buy-restored",
		Instrument:    ethusdt,
		Side:          domain.OrderSideBuy,
		Type:          domain.OrderTypeLimit,
		Price:         d("100"),
		Amount:        d("1"),
	}, time.Now().Add(-time.Hour))
	require.NoError(t, c.Orders().StartTracking(stale))

	c.pollOnce(context.Background())

	ev := waitEvent(t, c, domain.OrderEventFailed)
	assert.Equal(t, "mm-buy-restored", ev.ClientOrderID)
	_, ok := c.Orders().Get("mm-buy-restored")
	assert.False(t, ok)
}

func TestSnapshotFetchFailureRetries(t *testing.T) {
	fake := newFakeAdapter()
	fake.snapErr = errors.New("503 service unavailable")
	c := newTestConnector(t, fake, nil)
	startConnector(t, c)

	_, err := c.Books().BestPrice(ethusdt, domain.BookSideBid)
	assert.ErrorIs(t, err, domain.ErrBookNotReady)

	// The outage clears; the retry loop must seed the book on its own.
	fake.mu.Lock()
	fake.snapErr = nil
	fake.mu.Unlock()

	require.Eventually(t, func() bool {
		best, err := c.Books().BestPrice(ethusdt, domain.BookSideBid)
		return err == nil && best.Equal(d("100"))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResyncRecoveryInvokesHook(t *testing.T) {
	fake := newFakeAdapter()
	c := newTestConnector(t, fake, nil)
	resyncs := make(chan domain.Instrument, 1)
	c.OnResync(func(inst domain.Instrument) { resyncs <- inst })
	startConnector(t, c)

	require.Eventually(t, func() bool {
		return c.Books().Synced(ethusdt)
	}, 2*time.Second, 10*time.Millisecond)

	// A crossing bid corrupts the book; recovery must announce itself.
	fake.bookCh <- domain.OrderBookMessage{
		Type:       domain.BookMessageDiff,
		Instrument: ethusdt,
		Mode:       domain.DiffModeAbsolute,
		Bids:       []domain.BookLevel{{Price: d("105"), Size: d("1")}},
		UpdateID:   11,
		Timestamp:  time.Now(),
	}

	select {
	case inst := <-resyncs:
		assert.Equal(t, ethusdt, inst)
	case <-time.After(2 * time.Second):
		t.Fatal("resync hook never fired")
	}
}

func TestUserStreamTradeFillsOrder(t *testing.T) {
	fake := newFakeAdapter()
	c := newTestConnector(t, fake, nil)
	startConnector(t, c)

	id, err := c.Buy(context.Background(), ethusdt, domain.OrderTypeLimit, d("100"), d("1"))
	require.NoError(t, err)
	waitEvent(t, c, domain.OrderEventCreated)

	fake.userCh <- UserStreamEvent{Trade: &domain.TradeUpdate{
		ClientOrderID: id,
		FillID:        "t-1",
		Price:         d("100"),
		BaseAmount:    d("1"),
		QuoteAmount:   d("100"),
		Timestamp:     time.Now(),
	}}

	fill := waitEvent(t, c, domain.OrderEventFilled)
	assert.Equal(t, id, fill.ClientOrderID)
	assert.True(t, fill.FillBase.Equal(d("1")))

	done := waitEvent(t, c, domain.OrderEventCompleted)
	assert.Equal(t, id, done.ClientOrderID)
}

func TestBookStreamFeedsSynchronizer(t *testing.T) {
	fake := newFakeAdapter()
	c := newTestConnector(t, fake, nil)
	startConnector(t, c)

	// Start seeds the snapshot (update id 10, best bid 100).
	require.Eventually(t, func() bool {
		best, err := c.Books().BestPrice(ethusdt, domain.BookSideBid)
		return err == nil && best.Equal(d("100"))
	}, 2*time.Second, 10*time.Millisecond)

	fake.bookCh <- domain.OrderBookMessage{
		Type:       domain.BookMessageDiff,
		Instrument: ethusdt,
		Mode:       domain.DiffModeAbsolute,
		Bids:       []domain.BookLevel{{Price: d("100.5"), Size: d("1")}},
		UpdateID:   11,
		Timestamp:  time.Now(),
	}

	require.Eventually(t, func() bool {
		best, err := c.Books().BestPrice(ethusdt, domain.BookSideBid)
		return err == nil && best.Equal(d("100.5"))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTradingRuleFallback(t *testing.T) {
	c := newTestConnector(t, newFakeAdapter(), nil)

	other := domain.Instrument{Base: "BTC", Quote: "USDT"}
	rule := c.TradingRule(other)
	assert.Equal(t, other, rule.Instrument)
	assert.True(t, rule.SupportsLimitOrders)
}
