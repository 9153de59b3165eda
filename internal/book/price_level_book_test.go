package book

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mmbot/internal/domain"
)

var btcusdt = domain.Instrument{Base: "BTC", Quote: "USDT"}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func levels(pairs ...string) []domain.BookLevel {
	out := make([]domain.BookLevel, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, domain.BookLevel{Price: d(pairs[i]), Size: d(pairs[i+1])})
	}
	return out
}

func snapshotMsg(updateID int64, bids, asks []domain.BookLevel) domain.OrderBookMessage {
	return domain.OrderBookMessage{
		Type:       domain.BookMessageSnapshot,
		Instrument: btcusdt,
		Mode:       domain.DiffModeAbsolute,
		Bids:       bids,
		Asks:       asks,
		UpdateID:   updateID,
		Timestamp:  time.Now(),
	}
}

func diffMsg(updateID int64, mode domain.DiffMode, bids, asks []domain.BookLevel) domain.OrderBookMessage {
	return domain.OrderBookMessage{
		Type:       domain.BookMessageDiff,
		Instrument: btcusdt,
		Mode:       mode,
		Bids:       bids,
		Asks:       asks,
		UpdateID:   updateID,
		Timestamp:  time.Now(),
	}
}

func TestApplySnapshotThenDiff(t *testing.T) {
	b := NewPriceLevelBook(btcusdt)

	err := b.ApplySnapshot(snapshotMsg(10, levels("100", "2"), levels("101", "3")))
	require.NoError(t, err)

	ask, ok := b.BestPrice(domain.BookSideAsk)
	require.True(t, ok)
	assert.True(t, d("101").Equal(ask))

	// Diff sets ask 101 aggregate to 1.
	err = b.ApplyDiff(diffMsg(11, domain.DiffModeAbsolute, nil, levels("101", "1")))
	require.NoError(t, err)

	ask, ok = b.BestPrice(domain.BookSideAsk)
	require.True(t, ok)
	assert.True(t, d("101").Equal(ask))
	assert.True(t, d("1").Equal(b.VolumeForPrice(domain.BookSideAsk, d("101"))))
}

func TestDuplicateDiffIsNoOp(t *testing.T) {
	b := NewPriceLevelBook(btcusdt)
	require.NoError(t, b.ApplySnapshot(snapshotMsg(10, levels("100", "2"), levels("101", "3"))))

	diff := diffMsg(11, domain.DiffModeAbsolute, nil, levels("101", "1"))
	require.NoError(t, b.ApplyDiff(diff))

	err := b.ApplyDiff(diff)
	assert.ErrorIs(t, err, domain.ErrStaleUpdate)
	assert.True(t, d("1").Equal(b.VolumeForPrice(domain.BookSideAsk, d("101"))))
	assert.Equal(t, int64(11), b.LastUpdateID())
}

func TestStaleDiffImmunity(t *testing.T) {
	b := NewPriceLevelBook(btcusdt)
	require.NoError(t, b.ApplySnapshot(snapshotMsg(10, levels("100", "2"), levels("101", "3"))))

	for _, id := range []int64{1, 9, 10} {
		err := b.ApplyDiff(diffMsg(id, domain.DiffModeAbsolute, levels("100", "99"), nil))
		assert.ErrorIs(t, err, domain.ErrStaleUpdate)
	}
	assert.True(t, d("2").Equal(b.VolumeForPrice(domain.BookSideBid, d("100"))))
}

func TestSnapshotReplaceIsTotal(t *testing.T) {
	b := NewPriceLevelBook(btcusdt)
	require.NoError(t, b.ApplySnapshot(snapshotMsg(10, levels("100", "2", "99", "5"), levels("101", "3"))))
	require.NoError(t, b.ApplyDiff(diffMsg(11, domain.DiffModeAbsolute, levels("98", "7"), nil)))

	// New snapshot: nothing from the diff survives.
	require.NoError(t, b.ApplySnapshot(snapshotMsg(20, levels("100", "1"), levels("102", "4"))))

	assert.Equal(t, 1, b.Len(domain.BookSideBid))
	assert.Equal(t, 1, b.Len(domain.BookSideAsk))
	assert.True(t, b.VolumeForPrice(domain.BookSideBid, d("98")).Equal(d("1")))
	assert.Equal(t, int64(20), b.LastUpdateID())
}

func TestZeroSizeRemovesLevel(t *testing.T) {
	b := NewPriceLevelBook(btcusdt)
	require.NoError(t, b.ApplySnapshot(snapshotMsg(10, levels("100", "2", "99", "5"), levels("101", "3"))))

	require.NoError(t, b.ApplyDiff(diffMsg(11, domain.DiffModeAbsolute, levels("100", "0"), nil)))

	best, ok := b.BestPrice(domain.BookSideBid)
	require.True(t, ok)
	assert.True(t, d("99").Equal(best))
}

func TestDeltaModeAccumulates(t *testing.T) {
	b := NewPriceLevelBook(btcusdt)
	require.NoError(t, b.ApplySnapshot(snapshotMsg(10, levels("100", "2"), levels("101", "3"))))

	require.NoError(t, b.ApplyDiff(diffMsg(11, domain.DiffModeDelta, levels("100", "1.5"), nil)))
	assert.True(t, d("3.5").Equal(b.VolumeForPrice(domain.BookSideBid, d("100"))))

	require.NoError(t, b.ApplyDiff(diffMsg(12, domain.DiffModeDelta, levels("100", "-3.5"), nil)))
	assert.Equal(t, 0, b.Len(domain.BookSideBid))
}

func TestDeltaModeNegativeAggregateIsFault(t *testing.T) {
	b := NewPriceLevelBook(btcusdt)
	require.NoError(t, b.ApplySnapshot(snapshotMsg(10, levels("100", "2"), levels("101", "3"))))

	err := b.ApplyDiff(diffMsg(11, domain.DiffModeDelta, levels("100", "-5"), nil))
	assert.ErrorIs(t, err, domain.ErrNegativeAggregate)
}

func TestPerOrderModeResidualAggregate(t *testing.T) {
	b := NewPriceLevelBook(btcusdt)
	require.NoError(t, b.ApplySnapshot(snapshotMsg(10, nil, levels("101", "1"))))

	// Two resting orders join the 101 ask level.
	require.NoError(t, b.ApplyDiff(diffMsg(11, domain.DiffModePerOrder, nil, []domain.BookLevel{
		{Price: d("101"), Size: d("2"), OrderID: "o-1"},
		{Price: d("101"), Size: d("4"), OrderID: "o-2"},
	})))
	assert.True(t, d("7").Equal(b.VolumeForPrice(domain.BookSideAsk, d("101"))))

	// Removing one specific order leaves the residual aggregate.
	require.NoError(t, b.ApplyDiff(diffMsg(12, domain.DiffModePerOrder, nil, []domain.BookLevel{
		{Price: d("101"), Size: decimal.Zero, OrderID: "o-1"},
	})))
	assert.True(t, d("5").Equal(b.VolumeForPrice(domain.BookSideAsk, d("101"))))
}

func TestCrossedBookIsFault(t *testing.T) {
	b := NewPriceLevelBook(btcusdt)
	require.NoError(t, b.ApplySnapshot(snapshotMsg(10, levels("100", "2"), levels("101", "3"))))

	err := b.ApplyDiff(diffMsg(11, domain.DiffModeAbsolute, levels("102", "1"), nil))
	assert.ErrorIs(t, err, domain.ErrBookCrossed)
}

func TestPriceForVolume(t *testing.T) {
	b := NewPriceLevelBook(btcusdt)
	require.NoError(t, b.ApplySnapshot(snapshotMsg(10,
		levels("100", "2", "99", "5", "98", "10"),
		levels("101", "1", "102", "3"))))

	price, filled, err := b.PriceForVolume(domain.BookSideBid, d("6"))
	require.NoError(t, err)
	assert.True(t, d("99").Equal(price))
	assert.True(t, d("6").Equal(filled))

	// Exactly the whole ask side.
	price, filled, err = b.PriceForVolume(domain.BookSideAsk, d("4"))
	require.NoError(t, err)
	assert.True(t, d("102").Equal(price))
	assert.True(t, d("4").Equal(filled))

	// More than available.
	_, filled, err = b.PriceForVolume(domain.BookSideAsk, d("100"))
	assert.ErrorIs(t, err, domain.ErrInsufficientDepth)
	assert.True(t, d("4").Equal(filled))
}

func TestVolumeForPrice(t *testing.T) {
	b := NewPriceLevelBook(btcusdt)
	require.NoError(t, b.ApplySnapshot(snapshotMsg(10,
		levels("100", "2", "99", "5"),
		levels("101", "1", "102", "3", "103", "2"))))

	assert.True(t, d("4").Equal(b.VolumeForPrice(domain.BookSideAsk, d("102"))))
	assert.True(t, d("2").Equal(b.VolumeForPrice(domain.BookSideBid, d("100"))))
	assert.True(t, d("7").Equal(b.VolumeForPrice(domain.BookSideBid, d("1"))))
}
