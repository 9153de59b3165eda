package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/mmbot/internal/domain"
)

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("binance: api error %d: %s", e.Code, e.Message)
}

// doRequest issues one REST call. When signed is true the query string is
// timestamped and signed; the API key header is attached either way since
// Binance requires it for both signed and key-only endpoints we use.
func (a *Adapter) doRequest(ctx context.Context, method, path string, query url.Values, signed bool, out any) error {
	qs := query.Encode()
	if signed {
		qs = a.auth.SignedQuery(qs)
	}
	endpoint := a.cfg.BaseURL + path
	if qs != "" {
		endpoint += "?" + qs
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("binance: build request %s: %w", path, err)
	}
	req.Header.Set("X-MBX-APIKEY", a.cfg.APIKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("binance: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("binance: read response %s: %w", path, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("binance: %s: %w", path, domain.ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
			if apiErr.Code == codeUnknownOrder {
				return fmt.Errorf("binance: %s: %s: %w", path, apiErr.Message, domain.ErrNotFound)
			}
			return &apiErr
		}
		return fmt.Errorf("binance: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("binance: decode response %s: %w", path, err)
	}
	return nil
}

type depthResponse struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// BookSnapshot fetches a full depth snapshot via GET /api/v3/depth.
func (a *Adapter) BookSnapshot(ctx context.Context, inst domain.Instrument) (domain.OrderBookMessage, error) {
	q := url.Values{}
	q.Set("symbol", symbolFor(inst))
	q.Set("limit", strconv.Itoa(defaultDepth))

	var resp depthResponse
	if err := a.doRequest(ctx, http.MethodGet, "/api/v3/depth", q, false, &resp); err != nil {
		return domain.OrderBookMessage{}, err
	}

	bids, err := parseLevels(resp.Bids)
	if err != nil {
		return domain.OrderBookMessage{}, fmt.Errorf("binance: snapshot bids: %w", err)
	}
	asks, err := parseLevels(resp.Asks)
	if err != nil {
		return domain.OrderBookMessage{}, fmt.Errorf("binance: snapshot asks: %w", err)
	}

	return domain.OrderBookMessage{
		Type:       domain.BookMessageSnapshot,
		Instrument: inst,
		Mode:       domain.DiffModeAbsolute,
		Bids:       bids,
		Asks:       asks,
		UpdateID:   resp.LastUpdateID,
		Timestamp:  time.Now(),
	}, nil
}

func parseLevels(raw [][2]string) ([]domain.BookLevel, error) {
	levels := make([]domain.BookLevel, 0, len(raw))
	for _, entry := range raw {
		price, err := decimal.NewFromString(entry[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", entry[0], err)
		}
		size, err := decimal.NewFromString(entry[1])
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", entry[1], err)
		}
		levels = append(levels, domain.BookLevel{Price: price, Size: size})
	}
	return levels, nil
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol     string   `json:"symbol"`
		Status     string   `json:"status"`
		OrderTypes []string `json:"orderTypes"`
		Filters    []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			MinQty      string `json:"minQty"`
			MaxQty      string `json:"maxQty"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// TradingRules derives quantization rules from GET /api/v3/exchangeInfo
// filters: PRICE_FILTER for the tick size, LOT_SIZE for amount bounds,
// NOTIONAL for the minimum order value.
func (a *Adapter) TradingRules(ctx context.Context) ([]domain.TradingRule, error) {
	var resp exchangeInfoResponse
	if err := a.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", nil, false, &resp); err != nil {
		return nil, err
	}

	var rules []domain.TradingRule
	for _, sym := range resp.Symbols {
		inst, ok := a.instrumentFor(sym.Symbol)
		if !ok {
			continue
		}
		rule := domain.DefaultTradingRule(inst)
		rule.SupportsMarketOrders = false
		for _, typ := range sym.OrderTypes {
			switch typ {
			case "LIMIT":
				rule.SupportsLimitOrders = true
			case "MARKET":
				rule.SupportsMarketOrders = true
			}
		}
		for _, f := range sym.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				if tick, err := decimal.NewFromString(f.TickSize); err == nil && tick.IsPositive() {
					rule.MinPriceIncrement = tick
				}
			case "LOT_SIZE":
				if step, err := decimal.NewFromString(f.StepSize); err == nil && step.IsPositive() {
					rule.MinBaseAmountIncrement = step
				}
				if minQty, err := decimal.NewFromString(f.MinQty); err == nil && minQty.IsPositive() {
					rule.MinOrderSize = minQty
				}
				if maxQty, err := decimal.NewFromString(f.MaxQty); err == nil && maxQty.IsPositive() {
					rule.MaxOrderSize = maxQty
				}
			case "NOTIONAL", "MIN_NOTIONAL":
				if minNotional, err := decimal.NewFromString(f.MinNotional); err == nil && minNotional.IsPositive() {
					rule.MinNotionalSize = minNotional
				}
			}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

type placeOrderResponse struct {
	OrderID int64 `json:"orderId"`
}

// PlaceOrder submits via POST /api/v3/order and returns the exchange order
// id. The request carries the caller's client order id so stream events
// resolve back to the tracked order.
func (a *Adapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	q := url.Values{}
	q.Set("symbol", symbolFor(req.Instrument))
	q.Set("side", sideFor(req.Side))
	q.Set("type", typeFor(req.Type))
	q.Set("quantity", req.Amount.String())
	q.Set("newClientOrderId", req.ClientOrderID)
	if req.Type != domain.OrderTypeMarket {
		q.Set("price", req.Price.String())
	}
	if req.Type == domain.OrderTypeLimit {
		q.Set("timeInForce", "GTC")
	}

	var resp placeOrderResponse
	if err := a.doRequest(ctx, http.MethodPost, "/api/v3/order", q, true, &resp); err != nil {
		return "", err
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

// CancelOrder cancels via DELETE /api/v3/order. An unknown-order response is
// surfaced as domain.ErrNotFound per the adapter contract.
func (a *Adapter) CancelOrder(ctx context.Context, inst domain.Instrument, clientOrderID, exchangeOrderID string) error {
	q := url.Values{}
	q.Set("symbol", symbolFor(inst))
	if clientOrderID != "" {
		q.Set("origClientOrderId", clientOrderID)
	} else {
		q.Set("orderId", exchangeOrderID)
	}
	return a.doRequest(ctx, http.MethodDelete, "/api/v3/order", q, true, nil)
}

// OrderStatus fetches one order via GET /api/v3/order, which still reports
// orders the open-orders listing has dropped because they went terminal.
func (a *Adapter) OrderStatus(ctx context.Context, inst domain.Instrument, clientOrderID, exchangeOrderID string) (domain.OrderUpdate, error) {
	q := url.Values{}
	q.Set("symbol", symbolFor(inst))
	if clientOrderID != "" {
		q.Set("origClientOrderId", clientOrderID)
	} else {
		q.Set("orderId", exchangeOrderID)
	}

	var o restOrder
	if err := a.doRequest(ctx, http.MethodGet, "/api/v3/order", q, true, &o); err != nil {
		return domain.OrderUpdate{}, err
	}
	return a.updateFor(o)
}

type restOrder struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	CumQuoteQty   string `json:"cummulativeQuoteQty"`
	UpdateTime    int64  `json:"updateTime"`
}

func (a *Adapter) openOrdersRaw(ctx context.Context) ([]restOrder, error) {
	var orders []restOrder
	if err := a.doRequest(ctx, http.MethodGet, "/api/v3/openOrders", nil, true, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// OpenOrders returns the exchange's current view of the account's orders as
// canonical updates for the polling cycle.
func (a *Adapter) OpenOrders(ctx context.Context) ([]domain.OrderUpdate, error) {
	orders, err := a.openOrdersRaw(ctx)
	if err != nil {
		return nil, err
	}

	updates := make([]domain.OrderUpdate, 0, len(orders))
	for _, o := range orders {
		u, err := a.updateFor(o)
		if err != nil {
			a.logger.Warn("dropping unparseable order record",
				slog.String("client_order_id", o.ClientOrderID),
				slog.String("error", err.Error()))
			continue
		}
		updates = append(updates, u)
	}
	return updates, nil
}

// updateFor converts one REST order record into a canonical update.
func (a *Adapter) updateFor(o restOrder) (domain.OrderUpdate, error) {
	state, err := orderStateFor(o.Status)
	if err != nil {
		return domain.OrderUpdate{}, err
	}
	inst, _ := a.instrumentFor(o.Symbol)
	executed, err := decimal.NewFromString(o.ExecutedQty)
	if err != nil {
		return domain.OrderUpdate{}, fmt.Errorf("binance: executed qty %q: %w", o.ExecutedQty, err)
	}
	quote, err := decimal.NewFromString(o.CumQuoteQty)
	if err != nil {
		return domain.OrderUpdate{}, fmt.Errorf("binance: quote qty %q: %w", o.CumQuoteQty, err)
	}
	return domain.OrderUpdate{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		Instrument:      inst,
		State:           state,
		FilledBase:      executed,
		FilledQuote:     quote,
		Timestamp:       time.UnixMilli(o.UpdateTime),
	}, nil
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

func (a *Adapter) createListenKey(ctx context.Context) (string, error) {
	var resp listenKeyResponse
	if err := a.doRequest(ctx, http.MethodPost, "/api/v3/userDataStream", nil, false, &resp); err != nil {
		return "", err
	}
	return resp.ListenKey, nil
}

func (a *Adapter) renewListenKey(ctx context.Context, key string) error {
	q := url.Values{}
	q.Set("listenKey", key)
	return a.doRequest(ctx, http.MethodPut, "/api/v3/userDataStream", q, false, nil)
}
