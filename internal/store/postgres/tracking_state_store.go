package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/mmbot/internal/domain"
)

// TrackingStateStore implements domain.TrackingStateStore. Each connector's
// in-flight orders are upserted as one row per order; orders that leave the
// active set are deleted in the same batch so the table always mirrors the
// reconciler.
type TrackingStateStore struct {
	pool *pgxpool.Pool
}

// NewTrackingStateStore creates a store backed by the given pool.
func NewTrackingStateStore(pool *pgxpool.Pool) *TrackingStateStore {
	return &TrackingStateStore{pool: pool}
}

// Save replaces the connector's persisted set with the given states.
func (s *TrackingStateStore) Save(ctx context.Context, connector string, states map[string]json.RawMessage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: save tracking states: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	if len(states) == 0 {
		batch.Queue(`DELETE FROM tracking_states WHERE connector = $1`, connector)
	} else {
		ids := make([]string, 0, len(states))
		for id := range states {
			ids = append(ids, id)
		}
		batch.Queue(
			`DELETE FROM tracking_states WHERE connector = $1 AND NOT (client_order_id = ANY($2))`,
			connector, ids,
		)
		for id, state := range states {
			batch.Queue(`
				INSERT INTO tracking_states (connector, client_order_id, state, updated_at)
				VALUES ($1, $2, $3, NOW())
				ON CONFLICT (connector, client_order_id)
				DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`,
				connector, id, []byte(state),
			)
		}
	}

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("postgres: save tracking states %s: %w", connector, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("postgres: save tracking states %s: close batch: %w", connector, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: save tracking states %s: commit: %w", connector, err)
	}
	return nil
}

// Load returns the connector's persisted states keyed by client order id.
func (s *TrackingStateStore) Load(ctx context.Context, connector string) (map[string]json.RawMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT client_order_id, state FROM tracking_states WHERE connector = $1`,
		connector,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: load tracking states %s: %w", connector, err)
	}
	defer rows.Close()

	states := make(map[string]json.RawMessage)
	for rows.Next() {
		var id string
		var state []byte
		if err := rows.Scan(&id, &state); err != nil {
			return nil, fmt.Errorf("postgres: scan tracking state: %w", err)
		}
		states[id] = json.RawMessage(state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load tracking states %s: %w", connector, err)
	}
	return states, nil
}

// Delete removes one order's persisted state.
func (s *TrackingStateStore) Delete(ctx context.Context, connector, clientOrderID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM tracking_states WHERE connector = $1 AND client_order_id = $2`,
		connector, clientOrderID,
	)
	if err != nil {
		return fmt.Errorf("postgres: delete tracking state %s/%s: %w", connector, clientOrderID, err)
	}
	return nil
}

var _ domain.TrackingStateStore = (*TrackingStateStore)(nil)
