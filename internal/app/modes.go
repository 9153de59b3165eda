package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/mmbot/internal/adapter/binance"
	"github.com/alanyoungcy/mmbot/internal/adapter/paper"
	"github.com/alanyoungcy/mmbot/internal/book"
	"github.com/alanyoungcy/mmbot/internal/connector"
	"github.com/alanyoungcy/mmbot/internal/domain"
	"github.com/alanyoungcy/mmbot/internal/order"
)

// tradeLockTTL bounds how long a crashed instance keeps the trade lock. The
// lock is not renewed while running; it guards concurrent startups, and a
// stale lock clears after the TTL.
const tradeLockTTL = 5 * time.Minute

// monitorBookInterval is how often monitor mode reads the cached top of book.
const monitorBookInterval = 5 * time.Second

// TradeMode runs the order connector against the configured exchange: book
// synchronization, order reconciliation, and the event pump that persists
// tracking state and mirrors lifecycle events to the bus and alert channels.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	insts, err := a.cfg.Exchange.ParsedInstruments()
	if err != nil {
		return fmt.Errorf("trade mode: %w", err)
	}

	// Single-instance guard per exchange.
	exchange := strings.ToLower(a.cfg.Exchange.Name)
	if deps.Locks != nil {
		unlock, err := deps.Locks.Acquire(ctx, "trade:"+exchange, tradeLockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return fmt.Errorf("trade mode: another instance is already trading on %s", exchange)
			}
			return fmt.Errorf("trade mode: acquire trade lock: %w", err)
		}
		defer unlock()
	}

	adapter, closeAdapter, err := a.buildAdapter(insts)
	if err != nil {
		return fmt.Errorf("trade mode: %w", err)
	}
	defer closeAdapter()

	books := book.NewSynchronizer(deps.BookCache, a.logger)
	for _, inst := range insts {
		books.Subscribe(inst)
	}

	orders := order.NewReconciler(a.logger,
		order.WithNotFoundThreshold(a.cfg.Connector.NotFoundThreshold),
	)

	// Resume reconciling orders submitted before a restart.
	if deps.TrackingStore != nil {
		states, err := deps.TrackingStore.Load(ctx, adapter.Name())
		if err != nil {
			return fmt.Errorf("trade mode: load tracking states: %w", err)
		}
		if len(states) > 0 {
			orders.RestoreTrackingStates(states)
			a.logger.InfoContext(ctx, "restored tracking states", slog.Int("orders", len(states)))
		}
	}

	conn := connector.New(adapter, books, orders, deps.RateLimiter, connector.Config{
		PollInterval:  a.cfg.Connector.PollInterval.Duration,
		RulesInterval: a.cfg.Connector.RulesInterval.Duration,
		CancelTimeout: a.cfg.Connector.CancelTimeout.Duration,
		ReconnectWait: a.cfg.Connector.ReconnectWait.Duration,
		RateLimit:     a.cfg.Connector.RateLimit,
		RateWindow:    a.cfg.Connector.RateWindow.Duration,
	}, a.logger)

	// Book integrity faults are operator-visible incidents. Alert delivery
	// runs detached so a slow sender never stalls the resync loop.
	conn.OnResync(func(inst domain.Instrument) {
		go func() {
			if err := deps.Notifier.NotifyResync(ctx, exchange, inst); err != nil {
				a.logger.Warn("resync notification failed",
					slog.String("instrument", inst.String()),
					slog.String("error", err.Error()))
			}
		}()
	})

	if err := conn.Start(ctx); err != nil {
		return fmt.Errorf("trade mode: start connector: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Event pump: every lifecycle event is persisted, mirrored to the bus,
	// and routed to alerting.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case ev, ok := <-orders.Events():
				if !ok {
					return nil
				}
				a.handleOrderEvent(gctx, deps, adapter.Name(), orders, ev)
			}
		}
	})

	runErr := g.Wait()

	// Wind down: cancel outstanding orders, persist the final tracking
	// state, then stop the loops.
	shutCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Connector.CancelTimeout.Duration+5*time.Second)
	defer cancel()
	for _, res := range conn.CancelAll(shutCtx, a.cfg.Connector.CancelTimeout.Duration) {
		if !res.Success {
			a.logger.Warn("order cancellation unconfirmed at shutdown",
				slog.String("client_order_id", res.ClientOrderID),
			)
		}
	}
	a.persistTrackingStates(shutCtx, deps, adapter.Name(), orders)
	conn.Stop()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// MonitorMode tails the order-event bus and the cached top of book without
// touching the exchange. It requires Redis.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	if deps.EventBus == nil || deps.BookCache == nil {
		return fmt.Errorf("monitor mode: redis is required")
	}

	insts, err := a.cfg.Exchange.ParsedInstruments()
	if err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	events, unsubscribe, err := deps.EventBus.SubscribeOrderEvents(gctx)
	if err != nil {
		return fmt.Errorf("monitor mode: subscribe order events: %w", err)
	}
	defer unsubscribe()

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				a.logger.InfoContext(gctx, "order event",
					slog.String("type", string(ev.Type)),
					slog.String("client_order_id", ev.ClientOrderID),
					slog.String("instrument", ev.Instrument.String()),
					slog.String("fill_base", ev.FillBase.String()),
					slog.String("fill_price", ev.FillPrice.String()),
				)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(monitorBookInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				for _, inst := range insts {
					top, err := deps.BookCache.GetTopOfBook(gctx, inst)
					if err != nil {
						if !errors.Is(err, domain.ErrNotFound) {
							a.logger.WarnContext(gctx, "read top of book failed",
								slog.String("instrument", inst.String()),
								slog.String("error", err.Error()),
							)
						}
						continue
					}
					a.logger.InfoContext(gctx, "top of book",
						slog.String("instrument", inst.String()),
						slog.String("best_bid", top.BestBid.String()),
						slog.String("best_ask", top.BestAsk.String()),
						slog.Int64("update_id", top.UpdateID),
					)
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildAdapter constructs the configured exchange adapter and a close
// function for it.
func (a *App) buildAdapter(insts []domain.Instrument) (connector.ExchangeAdapter, func(), error) {
	switch strings.ToLower(a.cfg.Exchange.Name) {
	case "binance":
		ad := binance.New(binance.Config{
			APIKey:      a.cfg.Exchange.ApiKey,
			APISecret:   a.cfg.Exchange.ApiSecret,
			BaseURL:     a.cfg.Exchange.BaseURL,
			WSURL:       a.cfg.Exchange.WsURL,
			Instruments: insts,
		}, a.logger)
		return ad, func() {}, nil
	case "paper":
		ex := paper.New(paper.Config{
			Instruments:  insts,
			StartPrice:   decimal.NewFromFloat(a.cfg.Paper.StartPrice),
			TickSize:     decimal.NewFromFloat(a.cfg.Paper.TickSize),
			LevelSize:    decimal.NewFromFloat(a.cfg.Paper.LevelSize),
			TickInterval: a.cfg.Paper.TickInterval.Duration,
			Seed:         a.cfg.Paper.Seed,
		}, a.logger)
		return ex, ex.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown exchange %q", a.cfg.Exchange.Name)
	}
}

func (a *App) handleOrderEvent(ctx context.Context, deps *Dependencies, exchange string, orders *order.Reconciler, ev domain.OrderEvent) {
	a.logger.InfoContext(ctx, "order event",
		slog.String("type", string(ev.Type)),
		slog.String("client_order_id", ev.ClientOrderID),
		slog.String("instrument", ev.Instrument.String()),
	)

	a.persistTrackingStates(ctx, deps, exchange, orders)

	if deps.EventBus != nil {
		if err := deps.EventBus.PublishOrderEvent(ctx, ev); err != nil {
			a.logger.WarnContext(ctx, "event bus publish failed", slog.String("error", err.Error()))
		}
	}
	if err := deps.Notifier.NotifyOrderEvent(ctx, exchange, ev); err != nil {
		a.logger.WarnContext(ctx, "order event notification failed", slog.String("error", err.Error()))
	}
}

// persistTrackingStates snapshots the reconciler's in-flight set to the
// tracking-state store. Failures are logged, not fatal; the next event
// retries.
func (a *App) persistTrackingStates(ctx context.Context, deps *Dependencies, exchange string, orders *order.Reconciler) {
	if deps.TrackingStore == nil {
		return
	}
	states, err := orders.TrackingStates()
	if err != nil {
		a.logger.WarnContext(ctx, "serialize tracking states failed", slog.String("error", err.Error()))
		return
	}
	if err := deps.TrackingStore.Save(ctx, exchange, states); err != nil {
		a.logger.WarnContext(ctx, "persist tracking states failed", slog.String("error", err.Error()))
	}
}
