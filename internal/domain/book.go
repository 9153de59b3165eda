package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookSide distinguishes the bid ladder from the ask ladder.
type BookSide string

const (
	BookSideBid BookSide = "bid"
	BookSideAsk BookSide = "ask"
)

// Opposite returns the other side of the book.
func (s BookSide) Opposite() BookSide {
	if s == BookSideBid {
		return BookSideAsk
	}
	return BookSideBid
}

// BookMessageType distinguishes full snapshots from incremental diffs.
type BookMessageType string

const (
	BookMessageSnapshot BookMessageType = "snapshot"
	BookMessageDiff     BookMessageType = "diff"
)

// DiffMode describes how an exchange reports incremental book changes.
// Exchanges disagree: most publish the new absolute aggregate size at a
// price, some publish signed deltas, and a few publish per-resting-order
// add/change/remove events that must be re-aggregated locally.
type DiffMode string

const (
	DiffModeAbsolute DiffMode = "absolute"
	DiffModeDelta    DiffMode = "delta"
	DiffModePerOrder DiffMode = "per_order"
)

// BookLevel is one price level (or one resting order, in per-order mode) in
// a book message. OrderID is empty except in DiffModePerOrder. In
// DiffModeDelta, Size is a signed delta; otherwise it is an absolute size
// and zero means "remove".
type BookLevel struct {
	Price   decimal.Decimal
	Size    decimal.Decimal
	OrderID string
}

// OrderBookMessage is the canonical shape every adapter normalizes raw book
// payloads into before handing them to the synchronizer. UpdateID is the
// exchange's monotonic sequence counter; it orders and deduplicates
// messages for one instrument.
type OrderBookMessage struct {
	Type       BookMessageType
	Instrument Instrument
	Mode       DiffMode
	Bids       []BookLevel
	Asks       []BookLevel
	UpdateID   int64
	Timestamp  time.Time
}

// TopOfBook is the monitoring view published to the book cache.
type TopOfBook struct {
	Instrument Instrument
	BestBid    decimal.Decimal
	BestAsk    decimal.Decimal
	UpdateID   int64
	Timestamp  time.Time
}
