package book

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/mmbot/internal/domain"
)

func seqDiff(updateID int64) domain.OrderBookMessage {
	return domain.OrderBookMessage{
		Type:       domain.BookMessageDiff,
		Instrument: btcusdt,
		UpdateID:   updateID,
	}
}

func TestSequencerBufferAndSeed(t *testing.T) {
	s := NewDiffSequencer()
	assert.False(t, s.Synced())

	s.Buffer(seqDiff(8))
	s.Buffer(seqDiff(9))
	s.Buffer(seqDiff(11))
	s.Buffer(seqDiff(12))

	replay := s.Seed(10)
	assert.True(t, s.Synced())
	assert.Len(t, replay, 2)
	assert.Equal(t, int64(11), replay[0].UpdateID)
	assert.Equal(t, int64(12), replay[1].UpdateID)
}

func TestSequencerAdmitStaleAndGaps(t *testing.T) {
	s := NewDiffSequencer()
	s.Seed(10)

	ok, gap := s.Admit(seqDiff(11))
	assert.True(t, ok)
	assert.Equal(t, int64(0), gap)

	// Duplicate and stale ids are rejected.
	ok, _ = s.Admit(seqDiff(11))
	assert.False(t, ok)
	ok, _ = s.Admit(seqDiff(5))
	assert.False(t, ok)

	// Gaps are admitted but reported.
	ok, gap = s.Admit(seqDiff(15))
	assert.True(t, ok)
	assert.Equal(t, int64(3), gap)
	assert.Equal(t, int64(15), s.LastApplied())
}

func TestSequencerRejectsBeforeSeed(t *testing.T) {
	s := NewDiffSequencer()
	ok, _ := s.Admit(seqDiff(1))
	assert.False(t, ok)
}

func TestSequencerBufferBound(t *testing.T) {
	s := NewDiffSequencer()
	for i := 0; i < maxBufferedDiffs; i++ {
		assert.Equal(t, 0, s.Buffer(seqDiff(int64(i))))
	}
	// One past capacity evicts the oldest.
	assert.Equal(t, 1, s.Buffer(seqDiff(int64(maxBufferedDiffs))))

	replay := s.Seed(0)
	assert.Equal(t, int64(1), replay[0].UpdateID)
}

func TestSequencerReset(t *testing.T) {
	s := NewDiffSequencer()
	s.Seed(42)
	s.Reset()
	assert.False(t, s.Synced())
	assert.Equal(t, int64(0), s.LastApplied())
}
