package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/mmbot/internal/domain"
)

// BookCache implements domain.BookCache.
//
// Key schema:
//
//	book:{instrument}:bbo - hash with fields bid, ask, update_id, ts
type BookCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewBookCache creates a BookCache. ttl of zero keeps entries forever.
func NewBookCache(c *Client, ttl time.Duration) *BookCache {
	return &BookCache{rdb: c.Underlying(), ttl: ttl}
}

func bboKey(inst domain.Instrument) string {
	return "book:" + inst.String() + ":bbo"
}

// SetTopOfBook writes the synchronized best bid/ask for monitoring readers.
func (bc *BookCache) SetTopOfBook(ctx context.Context, top domain.TopOfBook) error {
	key := bboKey(top.Instrument)
	pipe := bc.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"bid", top.BestBid.String(),
		"ask", top.BestAsk.String(),
		"update_id", top.UpdateID,
		"ts", top.Timestamp.UnixMilli(),
	)
	if bc.ttl > 0 {
		pipe.Expire(ctx, key, bc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set top of book %s: %w", top.Instrument, err)
	}
	return nil
}

// GetTopOfBook reads the cached best bid/ask. Missing instruments report
// domain.ErrNotFound.
func (bc *BookCache) GetTopOfBook(ctx context.Context, inst domain.Instrument) (domain.TopOfBook, error) {
	fields, err := bc.rdb.HGetAll(ctx, bboKey(inst)).Result()
	if err != nil {
		return domain.TopOfBook{}, fmt.Errorf("redis: get top of book %s: %w", inst, err)
	}
	if len(fields) == 0 {
		return domain.TopOfBook{}, fmt.Errorf("redis: top of book %s: %w", inst, domain.ErrNotFound)
	}

	bid, err := decimal.NewFromString(fields["bid"])
	if err != nil {
		return domain.TopOfBook{}, fmt.Errorf("redis: top of book %s bid: %w", inst, err)
	}
	ask, err := decimal.NewFromString(fields["ask"])
	if err != nil {
		return domain.TopOfBook{}, fmt.Errorf("redis: top of book %s ask: %w", inst, err)
	}
	updateID, _ := strconv.ParseInt(fields["update_id"], 10, 64)
	tsMilli, _ := strconv.ParseInt(fields["ts"], 10, 64)

	return domain.TopOfBook{
		Instrument: inst,
		BestBid:    bid,
		BestAsk:    ask,
		UpdateID:   updateID,
		Timestamp:  time.UnixMilli(tsMilli),
	}, nil
}

var _ domain.BookCache = (*BookCache)(nil)
