package book

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagebot/tradesync/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func diff(updateID uint64, bids, asks []domain.PriceLevelRow) domain.BookDiff {
	return domain.BookDiff{
		Exchange:      "binance",
		TradingPair:   "BTC-USDT",
		UpdateID:      updateID,
		FirstUpdateID: updateID,
		FinalUpdateID: updateID,
		Bids:          bids,
		Asks:          asks,
	}
}

func snapshot(updateID uint64, bids, asks []domain.PriceLevelRow) domain.BookSnapshot {
	return domain.BookSnapshot{
		Exchange:    "binance",
		TradingPair: "BTC-USDT",
		UpdateID:    updateID,
		Bids:        bids,
		Asks:        asks,
	}
}

func TestTrackerBuffersDiffsBeforeSnapshot(t *testing.T) {
	tr := NewTracker("binance", "BTC-USDT", SequenceContiguous, testLogger())
	assert.Equal(t, StateUninitialized, tr.State())

	// Diffs arriving before any snapshot are buffered, not dropped.
	tr.ApplyDiff(diff(11, []domain.PriceLevelRow{row("100", "2", 11)}, nil))
	tr.ApplyDiff(diff(12, []domain.PriceLevelRow{row("99", "1", 12)}, nil))
	assert.False(t, tr.Book().IsReady())

	tr.ApplySnapshot(snapshot(10,
		[]domain.PriceLevelRow{row("100", "1", 10)},
		[]domain.PriceLevelRow{row("101", "1", 10)},
	))

	assert.Equal(t, StateReady, tr.State())
	assert.Equal(t, uint64(12), tr.Book().LastAppliedUpdateID())

	bid, ok := tr.Book().BestBid()
	require.True(t, ok)
	assert.True(t, bid.Amount.Equal(d("2")), "buffered diff 11 must overwrite the snapshot level")
}

func TestTrackerReplayDeterminism(t *testing.T) {
	// Diffs before snapshot vs diffs after snapshot must converge to the
	// same book as long as update ids replay in order.
	early := NewTracker("binance", "BTC-USDT", SequenceContiguous, testLogger())
	late := NewTracker("binance", "BTC-USDT", SequenceContiguous, testLogger())

	d1 := diff(11, []domain.PriceLevelRow{row("100", "3", 11)}, nil)
	d2 := diff(12, nil, []domain.PriceLevelRow{row("101", "0", 12), row("102", "5", 12)})
	snap := snapshot(10,
		[]domain.PriceLevelRow{row("100", "1", 10)},
		[]domain.PriceLevelRow{row("101", "1", 10)},
	)

	early.ApplyDiff(d1)
	early.ApplyDiff(d2)
	early.ApplySnapshot(snap)

	late.ApplySnapshot(snap)
	late.ApplyDiff(d1)
	late.ApplyDiff(d2)

	eb, ea := early.Book().SnapshotLevels(0)
	lb, la := late.Book().SnapshotLevels(0)
	assert.Equal(t, lb, eb)
	assert.Equal(t, la, ea)
	assert.Equal(t, late.Book().LastAppliedUpdateID(), early.Book().LastAppliedUpdateID())
}

func TestTrackerStaleDiffIdempotence(t *testing.T) {
	tr := NewTracker("binance", "BTC-USDT", SequenceContiguous, testLogger())
	tr.ApplySnapshot(snapshot(10, []domain.PriceLevelRow{row("100", "1", 10)}, nil))

	d1 := diff(11, []domain.PriceLevelRow{row("100", "4", 11)}, nil)
	tr.ApplyDiff(d1)
	bids, _ := tr.Book().SnapshotLevels(0)

	// Re-delivering the applied diff leaves the book unchanged and READY.
	tr.ApplyDiff(d1)
	again, _ := tr.Book().SnapshotLevels(0)
	assert.Equal(t, bids, again)
	assert.Equal(t, StateReady, tr.State())
	assert.Equal(t, uint64(11), tr.Book().LastAppliedUpdateID())
}

func TestTrackerGapTriggersResync(t *testing.T) {
	tr := NewTracker("binance", "BTC-USDT", SequenceContiguous, testLogger())

	var states []string
	tr.SetStatusHandler(func(ev domain.BookStatusEvent) {
		states = append(states, ev.State)
	})

	tr.ApplySnapshot(snapshot(100, []domain.PriceLevelRow{row("100", "1", 100)}, nil))
	require.Equal(t, StateReady, tr.State())

	// 105 is not contiguous with 100: the tracker must request a snapshot
	// and start buffering.
	gapDiff := diff(105, []domain.PriceLevelRow{row("99", "1", 105)}, nil)
	tr.ApplyDiff(gapDiff)

	assert.Equal(t, StateSyncing, tr.State())
	select {
	case <-tr.SnapshotRequests():
	default:
		t.Fatal("expected a pending snapshot request")
	}
	assert.Contains(t, states, "DESYNCED")
	assert.Contains(t, states, "SYNCING")

	// The gap diff was not applied; the book is frozen at 100.
	assert.Equal(t, uint64(100), tr.Book().LastAppliedUpdateID())

	// Subsequent diffs buffer and replay once the fresh snapshot lands.
	tr.ApplyDiff(diff(106, []domain.PriceLevelRow{row("98", "1", 106)}, nil))
	tr.ApplySnapshot(snapshot(104, []domain.PriceLevelRow{row("100", "1", 104)}, nil))

	assert.Equal(t, StateReady, tr.State())
	assert.Equal(t, uint64(106), tr.Book().LastAppliedUpdateID())
	bids, _ := tr.Book().SnapshotLevels(0)
	assert.Len(t, bids, 3)
}

func TestTrackerDropsSnapshotBehindReadyBook(t *testing.T) {
	tr := NewTracker("binance", "BTC-USDT", SequenceContiguous, testLogger())
	tr.ApplySnapshot(snapshot(10, []domain.PriceLevelRow{row("100", "1", 10)}, nil))
	tr.ApplyDiff(diff(11, []domain.PriceLevelRow{row("99", "2", 11)}, nil))
	require.Equal(t, uint64(11), tr.Book().LastAppliedUpdateID())

	// A periodic refresh losing the race against the live stream must not
	// rewind the book.
	tr.ApplySnapshot(snapshot(5, []domain.PriceLevelRow{row("90", "1", 5)}, nil))

	assert.Equal(t, StateReady, tr.State())
	assert.Equal(t, uint64(11), tr.Book().LastAppliedUpdateID())
	bids, _ := tr.Book().SnapshotLevels(0)
	require.Len(t, bids, 2)
	assert.True(t, bids[0].Price.Equal(d("100")))
}

func TestTrackerReadyFiresAfterReplay(t *testing.T) {
	tr := NewTracker("binance", "BTC-USDT", SequenceContiguous, testLogger())

	var ready []domain.BookStatusEvent
	tr.SetStatusHandler(func(ev domain.BookStatusEvent) {
		if ev.State == StateReady.String() {
			ready = append(ready, ev)
		}
	})

	tr.ApplyDiff(diff(11, []domain.PriceLevelRow{row("100", "2", 11)}, nil))
	tr.ApplyDiff(diff(12, []domain.PriceLevelRow{row("99", "1", 12)}, nil))
	tr.ApplySnapshot(snapshot(10, []domain.PriceLevelRow{row("100", "1", 10)}, nil))

	// The READY event must observe the book with the buffered diffs already
	// replayed, not the bare snapshot.
	require.Len(t, ready, 1)
	assert.Equal(t, uint64(12), ready[0].UpdateID)
}

func TestTrackerRangeRule(t *testing.T) {
	tr := NewTracker("binance", "BTC-USDT", SequenceRange, testLogger())
	tr.ApplySnapshot(snapshot(100, []domain.PriceLevelRow{row("100", "1", 100)}, nil))

	// Range covers 101: applies.
	tr.ApplyDiff(domain.BookDiff{
		UpdateID: 105, FirstUpdateID: 99, FinalUpdateID: 105,
		Bids: []domain.PriceLevelRow{row("99", "1", 105)},
	})
	assert.Equal(t, StateReady, tr.State())
	assert.Equal(t, uint64(105), tr.Book().LastAppliedUpdateID())

	// Final id at or below last applied: stale, dropped.
	tr.ApplyDiff(domain.BookDiff{
		UpdateID: 105, FirstUpdateID: 99, FinalUpdateID: 105,
		Bids: []domain.PriceLevelRow{row("50", "1", 105)},
	})
	assert.Equal(t, uint64(105), tr.Book().LastAppliedUpdateID())
	bids, _ := tr.Book().SnapshotLevels(0)
	assert.Len(t, bids, 2)

	// Range starting past 106: gap.
	tr.ApplyDiff(domain.BookDiff{
		UpdateID: 120, FirstUpdateID: 110, FinalUpdateID: 120,
		Bids: []domain.PriceLevelRow{row("98", "1", 120)},
	})
	assert.Equal(t, StateSyncing, tr.State())
}

func TestTrackerBufferBounded(t *testing.T) {
	tr := NewTracker("binance", "BTC-USDT", SequenceContiguous, testLogger())
	tr.SetBufferSize(3)

	for i := uint64(1); i <= 10; i++ {
		tr.ApplyDiff(diff(i, []domain.PriceLevelRow{row("100", "1", i)}, nil))
	}

	// Only the newest three survive; a snapshot at 0 replays 8, 9, 10.
	tr.ApplySnapshot(snapshot(7, nil, nil))
	assert.Equal(t, uint64(10), tr.Book().LastAppliedUpdateID())
}
