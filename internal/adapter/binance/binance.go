// Package binance implements the exchange adapter for Binance spot. It
// normalizes the depth-diff stream, the user-data stream, and the signed
// REST surface into the canonical message shapes consumed by the connector.
package binance

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/mmbot/internal/connector"
	"github.com/alanyoungcy/mmbot/internal/crypto"
	"github.com/alanyoungcy/mmbot/internal/domain"
)

const (
	defaultBaseURL   = "https://api.binance.com"
	defaultWSURL     = "wss://stream.binance.com:9443"
	defaultDepth     = 1000
	httpTimeout      = 15 * time.Second
	listenKeyRenew   = 30 * time.Minute
	codeUnknownOrder = -2011
)

// Config holds the adapter's credentials and endpoints.
type Config struct {
	APIKey      string
	APISecret   string
	BaseURL     string
	WSURL       string
	Instruments []domain.Instrument
}

// Adapter implements connector.ExchangeAdapter against the Binance spot API.
type Adapter struct {
	cfg    Config
	auth   *crypto.HMACAuth
	http   *http.Client
	logger *slog.Logger

	// symbol lookup in both directions; built once at construction
	bySymbol map[string]domain.Instrument
}

// New creates a Binance adapter for the configured instruments.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.WSURL == "" {
		cfg.WSURL = defaultWSURL
	}
	bySymbol := make(map[string]domain.Instrument, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		bySymbol[symbolFor(inst)] = inst
	}
	return &Adapter{
		cfg:      cfg,
		auth:     &crypto.HMACAuth{Key: cfg.APIKey, Secret: cfg.APISecret},
		http:     &http.Client{Timeout: httpTimeout},
		logger:   logger.With(slog.String("component", "binance_adapter")),
		bySymbol: bySymbol,
	}
}

// Name returns the exchange identifier.
func (a *Adapter) Name() string { return "binance" }

// Instruments lists the configured trading pairs.
func (a *Adapter) Instruments() []domain.Instrument {
	return append([]domain.Instrument(nil), a.cfg.Instruments...)
}

// symbolFor maps "ETH-USDT" to the exchange symbol "ETHUSDT".
func symbolFor(inst domain.Instrument) string {
	return strings.ToUpper(inst.Base + inst.Quote)
}

func (a *Adapter) instrumentFor(symbol string) (domain.Instrument, bool) {
	inst, ok := a.bySymbol[strings.ToUpper(symbol)]
	return inst, ok
}

// orderStateFor maps Binance order statuses onto the local vocabulary.
func orderStateFor(status string) (domain.OrderState, error) {
	switch status {
	case "NEW":
		return domain.OrderStateOpen, nil
	case "PARTIALLY_FILLED":
		return domain.OrderStatePartiallyFilled, nil
	case "FILLED":
		return domain.OrderStateFilled, nil
	case "PENDING_CANCEL":
		return domain.OrderStatePendingCancel, nil
	case "CANCELED":
		return domain.OrderStateCancelled, nil
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.OrderStateExpired, nil
	case "REJECTED":
		return domain.OrderStateFailed, nil
	default:
		return "", fmt.Errorf("binance: unknown order status %q", status)
	}
}

func sideFor(side domain.OrderSide) string {
	if side == domain.OrderSideBuy {
		return "BUY"
	}
	return "SELL"
}

func typeFor(typ domain.OrderType) string {
	switch typ {
	case domain.OrderTypeMarket:
		return "MARKET"
	case domain.OrderTypeLimitMaker:
		return "LIMIT_MAKER"
	default:
		return "LIMIT"
	}
}

var _ connector.ExchangeAdapter = (*Adapter)(nil)
