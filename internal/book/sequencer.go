package book

import (
	"github.com/gammazero/deque"

	"github.com/alanyoungcy/mmbot/internal/domain"
)

// maxBufferedDiffs bounds the pre-snapshot buffer. A slow snapshot fetch on
// a busy market should not grow memory without limit; once full, the oldest
// buffered diff is discarded, which at worst forces one more resync.
const maxBufferedDiffs = 4096

// DiffSequencer orders one instrument's diff stream against the last
// applied snapshot. Before the first snapshot lands, diffs are buffered;
// afterwards they are admitted in increasing-update-id order, dropping
// duplicates and stale messages. Gaps are tolerated (most exchanges only
// guarantee monotonic ids, not contiguous ones) but reported so the caller
// can log them.
type DiffSequencer struct {
	buffer      deque.Deque[domain.OrderBookMessage]
	lastApplied int64
	synced      bool
	dropped     int
}

// NewDiffSequencer creates a sequencer in the buffering state.
func NewDiffSequencer() *DiffSequencer {
	return &DiffSequencer{}
}

// Synced reports whether a snapshot has been applied.
func (s *DiffSequencer) Synced() bool { return s.synced }

// LastApplied returns the update id of the last admitted message.
func (s *DiffSequencer) LastApplied() int64 { return s.lastApplied }

// Buffer stores a diff that arrived before the snapshot. Returns the number
// of diffs discarded to make room (zero in the normal case).
func (s *DiffSequencer) Buffer(msg domain.OrderBookMessage) int {
	evicted := 0
	for s.buffer.Len() >= maxBufferedDiffs {
		s.buffer.PopFront()
		evicted++
	}
	s.buffer.PushBack(msg)
	s.dropped += evicted
	return evicted
}

// Seed records the snapshot's update id and returns the buffered diffs that
// are still relevant (update id beyond the snapshot), in arrival order. The
// sequencer is live afterwards.
func (s *DiffSequencer) Seed(snapshotUpdateID int64) []domain.OrderBookMessage {
	s.lastApplied = snapshotUpdateID
	s.synced = true

	var replay []domain.OrderBookMessage
	for s.buffer.Len() > 0 {
		msg := s.buffer.PopFront()
		if msg.UpdateID > snapshotUpdateID {
			replay = append(replay, msg)
		}
	}
	return replay
}

// Admit decides whether a live diff should be applied. It returns ok=false
// for stale or duplicate messages and the gap size (admitted id minus
// expected id) for observability; a gap of zero means the stream is
// contiguous.
func (s *DiffSequencer) Admit(msg domain.OrderBookMessage) (ok bool, gap int64) {
	if !s.synced || msg.UpdateID <= s.lastApplied {
		return false, 0
	}
	gap = msg.UpdateID - s.lastApplied - 1
	s.lastApplied = msg.UpdateID
	return true, gap
}

// Reset returns the sequencer to the buffering state, e.g. after a data
// integrity fault forced a fresh snapshot.
func (s *DiffSequencer) Reset() {
	s.buffer.Clear()
	s.lastApplied = 0
	s.synced = false
}
