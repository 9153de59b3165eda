package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/mmbot/internal/connector"
	"github.com/alanyoungcy/mmbot/internal/domain"
	"github.com/alanyoungcy/mmbot/internal/feed"
)

// combinedEnvelope is the outer frame of the combined-stream endpoint.
type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// depthUpdate is the <symbol>@depth payload. U/u bound the aggregated
// update-id range; u drives the book's monotonic guard.
type depthUpdate struct {
	Event         string      `json:"e"`
	EventTime     int64       `json:"E"`
	Symbol        string      `json:"s"`
	FirstUpdateID int64       `json:"U"`
	FinalUpdateID int64       `json:"u"`
	Bids          [][2]string `json:"b"`
	Asks          [][2]string `json:"a"`
}

// BookStream connects to the combined depth stream for every configured
// instrument and emits canonical diff messages. The channel closes when ctx
// ends or the transport gives up.
func (a *Adapter) BookStream(ctx context.Context) (<-chan domain.OrderBookMessage, error) {
	topics := make([]string, 0, len(a.cfg.Instruments))
	for _, inst := range a.cfg.Instruments {
		topics = append(topics, strings.ToLower(symbolFor(inst))+"@depth")
	}
	endpoint := a.cfg.WSURL + "/stream?streams=" + url.QueryEscape(strings.Join(topics, "/"))

	client := feed.NewClient(feed.Config{URL: endpoint}, a.logger)
	out := make(chan domain.OrderBookMessage, 256)

	go func() {
		defer close(out)
		go func() {
			_ = client.Run(ctx)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-client.Messages():
				if !ok {
					return
				}
				msg, err := a.parseDepthFrame(raw)
				if err != nil {
					a.logger.Debug("skipping book frame", slog.String("error", err.Error()))
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (a *Adapter) parseDepthFrame(raw []byte) (domain.OrderBookMessage, error) {
	var envelope combinedEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return domain.OrderBookMessage{}, fmt.Errorf("binance: decode envelope: %w", err)
	}
	payload := envelope.Data
	if payload == nil {
		payload = raw
	}

	var update depthUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return domain.OrderBookMessage{}, fmt.Errorf("binance: decode depth update: %w", err)
	}
	if update.Event != "depthUpdate" {
		return domain.OrderBookMessage{}, fmt.Errorf("binance: unexpected event %q", update.Event)
	}

	inst, ok := a.instrumentFor(update.Symbol)
	if !ok {
		return domain.OrderBookMessage{}, fmt.Errorf("binance: unknown symbol %q", update.Symbol)
	}
	bids, err := parseLevels(update.Bids)
	if err != nil {
		return domain.OrderBookMessage{}, fmt.Errorf("binance: depth bids: %w", err)
	}
	asks, err := parseLevels(update.Asks)
	if err != nil {
		return domain.OrderBookMessage{}, fmt.Errorf("binance: depth asks: %w", err)
	}

	return domain.OrderBookMessage{
		Type:       domain.BookMessageDiff,
		Instrument: inst,
		Mode:       domain.DiffModeAbsolute,
		Bids:       bids,
		Asks:       asks,
		UpdateID:   update.FinalUpdateID,
		Timestamp:  time.UnixMilli(update.EventTime),
	}, nil
}

// executionReport is the user-data stream's order event. Single-letter keys
// per the Binance user-data-stream documentation; "C" carries the original
// client id on cancels.
type executionReport struct {
	Event           string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	OrigClientID    string `json:"C"`
	ExecutionType   string `json:"x"`
	OrderStatus     string `json:"X"`
	OrderID         int64  `json:"i"`
	LastQty         string `json:"l"`
	CumQty          string `json:"z"`
	LastPrice       string `json:"L"`
	CumQuoteQty     string `json:"Z"`
	Commission      string `json:"n"`
	TradeID         int64  `json:"t"`
	TransactionTime int64  `json:"T"`
}

// UserStream opens the listen-key user-data stream and emits canonical
// order and trade updates. The listen key is renewed on a fixed cadence
// while the stream is alive.
func (a *Adapter) UserStream(ctx context.Context) (<-chan connector.UserStreamEvent, error) {
	listenKey, err := a.createListenKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: create listen key: %w", err)
	}

	client := feed.NewClient(feed.Config{URL: a.cfg.WSURL + "/ws/" + listenKey}, a.logger)
	out := make(chan connector.UserStreamEvent, 256)

	go func() {
		defer close(out)
		go func() {
			_ = client.Run(ctx)
		}()
		go a.renewLoop(ctx, listenKey)

		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-client.Messages():
				if !ok {
					return
				}
				events, err := a.parseUserFrame(raw)
				if err != nil {
					a.logger.Debug("skipping user frame", slog.String("error", err.Error()))
					continue
				}
				for _, ev := range events {
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out, nil
}

func (a *Adapter) renewLoop(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(listenKeyRenew)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.renewListenKey(ctx, listenKey); err != nil {
				a.logger.Warn("listen key renewal failed", slog.String("error", err.Error()))
			}
		}
	}
}

// parseUserFrame maps one executionReport onto canonical updates. A TRADE
// execution yields both the order status update and a discrete fill; the
// reconciler's fill-id dedup absorbs the overlap.
func (a *Adapter) parseUserFrame(raw []byte) ([]connector.UserStreamEvent, error) {
	var report executionReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("binance: decode user frame: %w", err)
	}
	if report.Event != "executionReport" {
		// Balance and listen-key housekeeping frames are not order events.
		return nil, nil
	}

	clientOrderID := report.ClientOrderID
	if report.ExecutionType == "CANCELED" && report.OrigClientID != "" {
		clientOrderID = report.OrigClientID
	}

	state, err := orderStateFor(report.OrderStatus)
	if err != nil {
		return nil, err
	}
	inst, _ := a.instrumentFor(report.Symbol)
	ts := time.UnixMilli(report.TransactionTime)
	exchangeOrderID := strconv.FormatInt(report.OrderID, 10)

	cumQty, err := decimal.NewFromString(report.CumQty)
	if err != nil {
		return nil, fmt.Errorf("binance: cumulative qty %q: %w", report.CumQty, err)
	}
	cumQuote, err := decimal.NewFromString(report.CumQuoteQty)
	if err != nil {
		return nil, fmt.Errorf("binance: cumulative quote %q: %w", report.CumQuoteQty, err)
	}

	events := []connector.UserStreamEvent{{
		Order: &domain.OrderUpdate{
			ClientOrderID:   clientOrderID,
			ExchangeOrderID: exchangeOrderID,
			Instrument:      inst,
			State:           state,
			FilledBase:      cumQty,
			FilledQuote:     cumQuote,
			Timestamp:       ts,
		},
	}}

	if report.ExecutionType == "TRADE" && report.TradeID != 0 {
		lastQty, err := decimal.NewFromString(report.LastQty)
		if err != nil {
			return nil, fmt.Errorf("binance: last qty %q: %w", report.LastQty, err)
		}
		lastPrice, err := decimal.NewFromString(report.LastPrice)
		if err != nil {
			return nil, fmt.Errorf("binance: last price %q: %w", report.LastPrice, err)
		}
		fee := decimal.Zero
		if report.Commission != "" {
			fee, err = decimal.NewFromString(report.Commission)
			if err != nil {
				return nil, fmt.Errorf("binance: commission %q: %w", report.Commission, err)
			}
		}
		events = append(events, connector.UserStreamEvent{
			Trade: &domain.TradeUpdate{
				FillID:          strconv.FormatInt(report.TradeID, 10),
				ClientOrderID:   clientOrderID,
				ExchangeOrderID: exchangeOrderID,
				Instrument:      inst,
				Price:           lastPrice,
				BaseAmount:      lastQty,
				QuoteAmount:     lastQty.Mul(lastPrice),
				Fee:             fee,
				Timestamp:       ts,
			},
		})
	}

	return events, nil
}
