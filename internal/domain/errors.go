package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyTracked    = errors.New("order already tracked")
	ErrRateLimited       = errors.New("rate limited")
	ErrInvalidOrder      = errors.New("invalid order parameters")
	ErrUnsupportedType   = errors.New("order type not supported by instrument")
	ErrAmountBelowMin    = errors.New("quantized amount below minimum order size")
	ErrNotionalBelowMin  = errors.New("order notional below minimum")
	ErrInsufficientDepth = errors.New("insufficient depth in order book")
	ErrBookCrossed       = errors.New("order book crossed")
	ErrNegativeAggregate = errors.New("negative aggregate size at price level")
	ErrBookNotReady      = errors.New("order book not synchronized")
	ErrStaleUpdate       = errors.New("stale book update")
	ErrOrderDone         = errors.New("order already in terminal state")
	ErrWSDisconnect      = errors.New("websocket disconnected")
	ErrConnectorStopped  = errors.New("connector not running")
	ErrLockHeld          = errors.New("lock already held")
)
