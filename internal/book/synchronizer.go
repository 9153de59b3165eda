package book

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/mmbot/internal/domain"
)

// trackedBook pairs one instrument's ladder with its diff sequencer.
type trackedBook struct {
	book *PriceLevelBook
	seq  *DiffSequencer
}

// Synchronizer owns one PriceLevelBook + DiffSequencer pair per subscribed
// instrument and exposes the query surface strategies read. All mutation
// arrives through ProcessMessage from the connector's stream task; a
// RWMutex makes each apply atomic with respect to concurrent queries.
//
// When applying a message corrupts a book (crossed levels, negative
// aggregate), the synchronizer marks the instrument out of sync and emits a
// resync request; the connector responds by fetching a fresh snapshot.
type Synchronizer struct {
	mu    sync.RWMutex
	books map[domain.Instrument]*trackedBook

	resyncCh      chan domain.Instrument
	resyncPending map[domain.Instrument]bool

	cache  domain.BookCache
	logger *slog.Logger
}

// NewSynchronizer creates an empty synchronizer. cache may be nil; when set
// the top of book is written through to it after every applied message.
func NewSynchronizer(cache domain.BookCache, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		books:         make(map[domain.Instrument]*trackedBook),
		resyncCh:      make(chan domain.Instrument, 32),
		resyncPending: make(map[domain.Instrument]bool),
		cache:         cache,
		logger:        logger.With(slog.String("component", "book_synchronizer")),
	}
}

// Subscribe starts tracking an instrument with an empty, unsynced book.
func (s *Synchronizer) Subscribe(inst domain.Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.books[inst]; ok {
		return
	}
	s.books[inst] = &trackedBook{
		book: NewPriceLevelBook(inst),
		seq:  NewDiffSequencer(),
	}
}

// Unsubscribe stops tracking an instrument and destroys its book.
func (s *Synchronizer) Unsubscribe(inst domain.Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.books, inst)
	delete(s.resyncPending, inst)
}

// Instruments returns the currently subscribed instruments.
func (s *Synchronizer) Instruments() []domain.Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Instrument, 0, len(s.books))
	for inst := range s.books {
		out = append(out, inst)
	}
	return out
}

// ResyncRequests returns the channel on which instruments needing a fresh
// snapshot are announced. The connector's book loop services it.
func (s *Synchronizer) ResyncRequests() <-chan domain.Instrument {
	return s.resyncCh
}

// ProcessMessage routes one canonical book message. Snapshots seed the
// sequencer and replay any diffs buffered while the snapshot was in
// flight; diffs are admitted in update-id order. Stale and duplicate diffs
// are dropped silently. Malformed or corrupting messages never propagate an
// error to the stream loop: the book is flagged for resync instead.
func (s *Synchronizer) ProcessMessage(ctx context.Context, msg domain.OrderBookMessage) {
	s.mu.Lock()

	tb, ok := s.books[msg.Instrument]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("message for unsubscribed instrument dropped",
			slog.String("instrument", msg.Instrument.String()))
		return
	}

	switch msg.Type {
	case domain.BookMessageSnapshot:
		s.applySnapshot(tb, msg)
	case domain.BookMessageDiff:
		s.applyDiff(tb, msg)
	default:
		s.logger.Warn("unknown book message type dropped",
			slog.String("type", string(msg.Type)),
			slog.String("instrument", msg.Instrument.String()))
		s.mu.Unlock()
		return
	}

	top, topOK := s.topOfBookLocked(tb)
	s.mu.Unlock()

	if topOK && s.cache != nil {
		if err := s.cache.SetTopOfBook(ctx, top); err != nil {
			s.logger.Warn("book cache write failed",
				slog.String("instrument", msg.Instrument.String()),
				slog.String("error", err.Error()))
		}
	}
}

func (s *Synchronizer) applySnapshot(tb *trackedBook, msg domain.OrderBookMessage) {
	inst := msg.Instrument
	if err := tb.book.ApplySnapshot(msg); err != nil {
		// A crossed snapshot means the exchange handed us garbage; retry.
		s.logger.Error("snapshot rejected",
			slog.String("instrument", inst.String()),
			slog.Int64("update_id", msg.UpdateID),
			slog.String("error", err.Error()))
		// The pending flag refers to the request this snapshot answered;
		// clear it so the retry is announced rather than suppressed.
		delete(s.resyncPending, inst)
		s.requestResyncLocked(inst, tb)
		return
	}

	delete(s.resyncPending, inst)
	replay := tb.seq.Seed(msg.UpdateID)
	for _, diff := range replay {
		s.applyDiff(tb, diff)
	}

	s.logger.Info("book snapshot applied",
		slog.String("instrument", inst.String()),
		slog.Int64("update_id", msg.UpdateID),
		slog.Int("replayed_diffs", len(replay)))
}

func (s *Synchronizer) applyDiff(tb *trackedBook, msg domain.OrderBookMessage) {
	inst := msg.Instrument
	if !tb.seq.Synced() {
		if evicted := tb.seq.Buffer(msg); evicted > 0 {
			s.logger.Warn("diff buffer overflow before snapshot",
				slog.String("instrument", inst.String()),
				slog.Int("evicted", evicted))
		}
		return
	}

	ok, gap := tb.seq.Admit(msg)
	if !ok {
		// Duplicate or stale: by contract a silent no-op.
		return
	}
	if gap > 0 {
		s.logger.Debug("gap in diff stream",
			slog.String("instrument", inst.String()),
			slog.Int64("gap", gap),
			slog.Int64("update_id", msg.UpdateID))
	}

	if err := tb.book.ApplyDiff(msg); err != nil {
		if errors.Is(err, domain.ErrStaleUpdate) {
			return
		}
		s.logger.Error("data integrity fault, requesting fresh snapshot",
			slog.String("instrument", inst.String()),
			slog.Int64("update_id", msg.UpdateID),
			slog.String("error", err.Error()))
		s.requestResyncLocked(inst, tb)
	}
}

// requestResyncLocked flags the instrument's book as unsynced and announces
// it on the resync channel at most once until the next snapshot lands.
func (s *Synchronizer) requestResyncLocked(inst domain.Instrument, tb *trackedBook) {
	tb.seq.Reset()
	if s.resyncPending[inst] {
		return
	}
	select {
	case s.resyncCh <- inst:
		s.resyncPending[inst] = true
	default:
		s.logger.Warn("resync channel full, request delayed",
			slog.String("instrument", inst.String()))
	}
}

// RequestResync re-announces an instrument on the resync channel, clearing
// the at-most-once suppression first. The connector calls it when a snapshot
// fetch fails, so the request outlives the failed attempt instead of being
// swallowed by the pending flag.
func (s *Synchronizer) RequestResync(inst domain.Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb, ok := s.books[inst]
	if !ok {
		return
	}
	delete(s.resyncPending, inst)
	s.requestResyncLocked(inst, tb)
}

// Synced reports whether the instrument's book has applied a snapshot and
// is serving consistent data.
func (s *Synchronizer) Synced(inst domain.Instrument) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tb, ok := s.books[inst]
	return ok && tb.seq.Synced()
}

// BestPrice returns the top of the requested side. ErrBookNotReady when the
// instrument is unknown or unsynced, ErrInsufficientDepth when the side is
// empty.
func (s *Synchronizer) BestPrice(inst domain.Instrument, side domain.BookSide) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tb, err := s.readyBookLocked(inst)
	if err != nil {
		return decimal.Zero, err
	}
	price, ok := tb.book.BestPrice(side)
	if !ok {
		return decimal.Zero, fmt.Errorf("book: %s %s empty: %w", inst, side, domain.ErrInsufficientDepth)
	}
	return price, nil
}

// PriceForVolume returns the price reached when sweeping the given volume
// from the top of the side, and the volume actually available.
func (s *Synchronizer) PriceForVolume(inst domain.Instrument, side domain.BookSide, volume decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tb, err := s.readyBookLocked(inst)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return tb.book.PriceForVolume(side, volume)
}

// VolumeForPrice returns the size available at prices as good as or better
// than the given limit.
func (s *Synchronizer) VolumeForPrice(inst domain.Instrument, side domain.BookSide, price decimal.Decimal) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tb, err := s.readyBookLocked(inst)
	if err != nil {
		return decimal.Zero, err
	}
	return tb.book.VolumeForPrice(side, price), nil
}

// Levels returns up to depth aggregate levels of one side, best first.
func (s *Synchronizer) Levels(inst domain.Instrument, side domain.BookSide, depth int) ([]domain.BookLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tb, err := s.readyBookLocked(inst)
	if err != nil {
		return nil, err
	}
	return tb.book.Levels(side, depth), nil
}

func (s *Synchronizer) readyBookLocked(inst domain.Instrument) (*trackedBook, error) {
	tb, ok := s.books[inst]
	if !ok || !tb.seq.Synced() {
		return nil, fmt.Errorf("book: %s: %w", inst, domain.ErrBookNotReady)
	}
	return tb, nil
}

func (s *Synchronizer) topOfBookLocked(tb *trackedBook) (domain.TopOfBook, bool) {
	if !tb.seq.Synced() {
		return domain.TopOfBook{}, false
	}
	top := domain.TopOfBook{
		Instrument: tb.book.instrument,
		UpdateID:   tb.book.lastUpdateID,
		Timestamp:  tb.book.lastUpdateTime,
	}
	if bid, ok := tb.book.BestPrice(domain.BookSideBid); ok {
		top.BestBid = bid
	}
	if ask, ok := tb.book.BestPrice(domain.BookSideAsk); ok {
		top.BestAsk = ask
	}
	return top, true
}
