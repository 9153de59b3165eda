package domain

import (
	"context"
	"time"
)

// BookCache publishes the synchronized top of book for external monitoring
// readers. It is write-through only from the connector's point of view;
// strategies read the in-process synchronizer, never this cache.
type BookCache interface {
	SetTopOfBook(ctx context.Context, top TopOfBook) error
	GetTopOfBook(ctx context.Context, inst Instrument) (TopOfBook, error)
}

// RateLimiter gates order submissions per key within a rolling window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// EventBus mirrors emitted order lifecycle events to out-of-process
// subscribers (dashboards, alerting).
type EventBus interface {
	PublishOrderEvent(ctx context.Context, ev OrderEvent) error
	SubscribeOrderEvents(ctx context.Context) (<-chan OrderEvent, func(), error)
}
