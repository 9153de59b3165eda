package domain

import (
	"context"
	"encoding/json"
)

// TrackingStateStore persists the serialized in-flight order set so a
// restarted bot can resume reconciling orders it submitted before the
// crash. Keys are client order ids; values are the order's JSON tracking
// state.
type TrackingStateStore interface {
	Save(ctx context.Context, connector string, states map[string]json.RawMessage) error
	Load(ctx context.Context, connector string) (map[string]json.RawMessage, error)
	Delete(ctx context.Context, connector, clientOrderID string) error
}
