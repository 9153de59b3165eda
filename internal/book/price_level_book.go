// Package book implements the order book synchronization engine: an ordered
// price-level ladder per instrument, fed by exchange snapshots and
// sequenced incremental diffs.
package book

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/alanyoungcy/mmbot/internal/domain"
)

// aggregateOrderID is the synthetic resting-order key used for level-based
// ingestion modes, where the exchange reports one aggregate size per price.
const aggregateOrderID = ""

// priceLevel is one rung of the ladder. The per-order map carries
// individual resting orders when the exchange exposes them; level-based
// feeds collapse to the single aggregateOrderID entry. total is always the
// sum of the map values.
type priceLevel struct {
	price  decimal.Decimal
	orders map[string]decimal.Decimal
	total  decimal.Decimal
}

func (l *priceLevel) recompute() {
	total := decimal.Zero
	for _, size := range l.orders {
		total = total.Add(size)
	}
	l.total = total
}

// PriceLevelBook is the consistent local ladder for one instrument: bids
// descending, asks ascending, no zero or negative levels, disjoint sides.
// It is not safe for concurrent use; the synchronizer serializes access.
type PriceLevelBook struct {
	instrument domain.Instrument
	bids       *btree.BTreeG[*priceLevel]
	asks       *btree.BTreeG[*priceLevel]

	lastUpdateID   int64
	lastUpdateTime time.Time
}

// NewPriceLevelBook creates an empty book for the instrument.
func NewPriceLevelBook(inst domain.Instrument) *PriceLevelBook {
	return &PriceLevelBook{
		instrument: inst,
		// Best price first on Scan for both sides.
		bids: btree.NewBTreeG(func(a, b *priceLevel) bool { return a.price.GreaterThan(b.price) }),
		asks: btree.NewBTreeG(func(a, b *priceLevel) bool { return a.price.LessThan(b.price) }),
	}
}

// Instrument returns the instrument this book tracks.
func (b *PriceLevelBook) Instrument() domain.Instrument { return b.instrument }

// LastUpdateID returns the update id of the most recently applied snapshot
// or diff.
func (b *PriceLevelBook) LastUpdateID() int64 { return b.lastUpdateID }

// ApplySnapshot replaces both sides wholesale. Nothing from previously
// applied diffs survives.
func (b *PriceLevelBook) ApplySnapshot(msg domain.OrderBookMessage) error {
	bids := btree.NewBTreeG(func(a, c *priceLevel) bool { return a.price.GreaterThan(c.price) })
	asks := btree.NewBTreeG(func(a, c *priceLevel) bool { return a.price.LessThan(c.price) })

	for _, lvl := range msg.Bids {
		if !lvl.Size.IsPositive() {
			continue
		}
		id := lvl.OrderID
		if msg.Mode != domain.DiffModePerOrder {
			id = aggregateOrderID
		}
		insertLevel(bids, lvl.Price, id, lvl.Size)
	}
	for _, lvl := range msg.Asks {
		if !lvl.Size.IsPositive() {
			continue
		}
		id := lvl.OrderID
		if msg.Mode != domain.DiffModePerOrder {
			id = aggregateOrderID
		}
		insertLevel(asks, lvl.Price, id, lvl.Size)
	}

	b.bids = bids
	b.asks = asks
	b.lastUpdateID = msg.UpdateID
	b.lastUpdateTime = msg.Timestamp

	if err := b.checkCrossed(); err != nil {
		return err
	}
	return nil
}

// ApplyDiff mutates the ladder with one incremental message. Messages at or
// below the last applied update id are dropped with ErrStaleUpdate; the
// caller treats that as a silent no-op. A crossed book or a negative
// aggregate after application is a data integrity fault: the returned error
// wraps ErrBookCrossed or ErrNegativeAggregate and the caller must request
// a fresh snapshot rather than keep serving the book.
func (b *PriceLevelBook) ApplyDiff(msg domain.OrderBookMessage) error {
	if msg.UpdateID <= b.lastUpdateID {
		return domain.ErrStaleUpdate
	}

	for _, lvl := range msg.Bids {
		if err := b.applyLevel(b.bids, lvl, msg.Mode); err != nil {
			return fmt.Errorf("book: %s bid level %s: %w", b.instrument, lvl.Price, err)
		}
	}
	for _, lvl := range msg.Asks {
		if err := b.applyLevel(b.asks, lvl, msg.Mode); err != nil {
			return fmt.Errorf("book: %s ask level %s: %w", b.instrument, lvl.Price, err)
		}
	}

	b.lastUpdateID = msg.UpdateID
	b.lastUpdateTime = msg.Timestamp

	return b.checkCrossed()
}

func (b *PriceLevelBook) applyLevel(side *btree.BTreeG[*priceLevel], lvl domain.BookLevel, mode domain.DiffMode) error {
	key := &priceLevel{price: lvl.Price}
	existing, ok := side.Get(key)

	orderID := lvl.OrderID
	if mode != domain.DiffModePerOrder {
		orderID = aggregateOrderID
	}

	if !ok {
		if mode == domain.DiffModeDelta && lvl.Size.IsNegative() {
			return domain.ErrNegativeAggregate
		}
		if lvl.Size.IsPositive() {
			insertLevel(side, lvl.Price, orderID, lvl.Size)
		}
		// Removal of an absent level is a no-op: the snapshot that seeded
		// this book may have been shallower than the diff feed.
		return nil
	}

	switch mode {
	case domain.DiffModeDelta:
		cur := existing.orders[orderID]
		next := cur.Add(lvl.Size)
		if next.IsNegative() {
			return domain.ErrNegativeAggregate
		}
		if next.IsZero() {
			delete(existing.orders, orderID)
		} else {
			existing.orders[orderID] = next
		}
	default: // absolute and per-order both carry the new absolute size
		if lvl.Size.IsPositive() {
			existing.orders[orderID] = lvl.Size
		} else if lvl.Size.IsZero() {
			delete(existing.orders, orderID)
		} else {
			return domain.ErrNegativeAggregate
		}
	}

	existing.recompute()
	if existing.total.IsNegative() {
		return domain.ErrNegativeAggregate
	}
	if existing.total.IsZero() || len(existing.orders) == 0 {
		side.Delete(existing)
	}
	return nil
}

func insertLevel(side *btree.BTreeG[*priceLevel], price decimal.Decimal, orderID string, size decimal.Decimal) {
	lvl, ok := side.Get(&priceLevel{price: price})
	if !ok {
		lvl = &priceLevel{price: price, orders: make(map[string]decimal.Decimal, 1)}
		side.Set(lvl)
	}
	lvl.orders[orderID] = size
	lvl.recompute()
}

func (b *PriceLevelBook) checkCrossed() error {
	bestBid, okBid := b.bids.Min()
	bestAsk, okAsk := b.asks.Min()
	if okBid && okAsk && bestBid.price.GreaterThanOrEqual(bestAsk.price) {
		return fmt.Errorf("book: %s bid %s >= ask %s: %w",
			b.instrument, bestBid.price, bestAsk.price, domain.ErrBookCrossed)
	}
	return nil
}

func (b *PriceLevelBook) side(s domain.BookSide) *btree.BTreeG[*priceLevel] {
	if s == domain.BookSideBid {
		return b.bids
	}
	return b.asks
}

// BestPrice returns the top of the requested side. ok is false when the
// side is empty.
func (b *PriceLevelBook) BestPrice(s domain.BookSide) (decimal.Decimal, bool) {
	lvl, ok := b.side(s).Min()
	if !ok {
		return decimal.Zero, false
	}
	return lvl.price, true
}

// PriceForVolume walks from the best price accumulating size until volume
// is reached and returns the last price touched together with the volume
// actually available. When the ladder cannot satisfy the request the error
// wraps ErrInsufficientDepth and the returned volume is what was found.
func (b *PriceLevelBook) PriceForVolume(s domain.BookSide, volume decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	filled := decimal.Zero
	last := decimal.Zero
	done := false

	b.side(s).Scan(func(lvl *priceLevel) bool {
		last = lvl.price
		filled = filled.Add(lvl.total)
		if filled.GreaterThanOrEqual(volume) {
			done = true
			return false
		}
		return true
	})

	if !done {
		return last, filled, fmt.Errorf("book: %s %s volume %s: %w",
			b.instrument, s, volume, domain.ErrInsufficientDepth)
	}
	return last, volume, nil
}

// VolumeForPrice is the inverse walk: the total size available at prices as
// good as or better than the given limit.
func (b *PriceLevelBook) VolumeForPrice(s domain.BookSide, price decimal.Decimal) decimal.Decimal {
	volume := decimal.Zero
	b.side(s).Scan(func(lvl *priceLevel) bool {
		if s == domain.BookSideBid && lvl.price.LessThan(price) {
			return false
		}
		if s == domain.BookSideAsk && lvl.price.GreaterThan(price) {
			return false
		}
		volume = volume.Add(lvl.total)
		return true
	})
	return volume
}

// Levels returns up to depth levels of the requested side, best first, as
// aggregate price/size pairs. depth <= 0 returns the whole side.
func (b *PriceLevelBook) Levels(s domain.BookSide, depth int) []domain.BookLevel {
	out := make([]domain.BookLevel, 0, depth)
	b.side(s).Scan(func(lvl *priceLevel) bool {
		out = append(out, domain.BookLevel{Price: lvl.price, Size: lvl.total})
		return depth <= 0 || len(out) < depth
	})
	return out
}

// Len returns the number of populated price levels on the side.
func (b *PriceLevelBook) Len(s domain.BookSide) int {
	return b.side(s).Len()
}
