package book

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vantagebot/tradesync/internal/domain"
)

// SyncState is the tracker's position in the snapshot/diff protocol.
type SyncState int32

const (
	StateUninitialized SyncState = iota
	StateSyncing
	StateReady
	StateDesynced
)

func (s SyncState) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateSyncing:
		return "SYNCING"
	case StateReady:
		return "READY"
	case StateDesynced:
		return "DESYNCED"
	default:
		return "UNKNOWN"
	}
}

// SequenceRule selects the gap-detection check for an exchange's diff
// protocol. Which rule applies is part of the exchange's API contract.
type SequenceRule int

const (
	// SequenceContiguous requires each diff's update id to be exactly one
	// past the previously applied id.
	SequenceContiguous SequenceRule = iota
	// SequenceRange requires the diff's declared first..final update id
	// range to cover the next expected id. Used by feeds that batch several
	// book changes into one message.
	SequenceRange
)

type sequenceVerdict int

const (
	verdictApply sequenceVerdict = iota
	verdictStale
	verdictGap
)

func (r SequenceRule) check(lastApplied uint64, d domain.BookDiff) sequenceVerdict {
	switch r {
	case SequenceRange:
		if d.FinalUpdateID <= lastApplied {
			return verdictStale
		}
		if d.FirstUpdateID > lastApplied+1 {
			return verdictGap
		}
		return verdictApply
	default:
		if d.UpdateID <= lastApplied {
			return verdictStale
		}
		if d.UpdateID > lastApplied+1 {
			return verdictGap
		}
		return verdictApply
	}
}

// defaultDiffBufferSize bounds the pre-snapshot diff buffer. Oldest entries
// are dropped on overflow.
const defaultDiffBufferSize = 1000

// StatusHandler receives sync-state transitions for one book.
type StatusHandler func(domain.BookStatusEvent)

// Tracker owns one OrderBook and enforces read consistency and sequence
// safety over a live diff stream plus snapshots. It is the book's only
// writer; ApplySnapshot and ApplyDiff must be called from a single goroutine.
type Tracker struct {
	book   *OrderBook
	rule   SequenceRule
	logger *slog.Logger

	mu       sync.Mutex
	state    SyncState
	buffer   []domain.BookDiff
	bufCap   int
	onStatus StatusHandler

	// snapshotReq signals the owning feed task that a fresh snapshot is
	// needed. Buffered so a second request while one is pending collapses
	// into it.
	snapshotReq chan struct{}
}

// NewTracker creates a tracker for one (exchange, trading pair) book.
func NewTracker(exchange, tradingPair string, rule SequenceRule, logger *slog.Logger) *Tracker {
	return &Tracker{
		book: NewOrderBook(exchange, tradingPair),
		rule: rule,
		logger: logger.With(
			slog.String("component", "book_tracker"),
			slog.String("exchange", exchange),
			slog.String("trading_pair", tradingPair),
		),
		state:       StateUninitialized,
		bufCap:      defaultDiffBufferSize,
		snapshotReq: make(chan struct{}, 1),
	}
}

// SetStatusHandler registers a callback invoked on every sync-state change.
// Must be called before the diff stream starts.
func (t *Tracker) SetStatusHandler(h StatusHandler) { t.onStatus = h }

// SetBufferSize overrides the pre-snapshot diff buffer bound. Must be called
// before the diff stream starts.
func (t *Tracker) SetBufferSize(n int) {
	if n > 0 {
		t.bufCap = n
	}
}

// Book returns the tracked book for readers. Mutation stays with the tracker.
func (t *Tracker) Book() *OrderBook { return t.book }

// State returns the current sync state.
func (t *Tracker) State() SyncState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SnapshotRequests signals when the tracker needs a fresh snapshot. The
// owning feed task fetches one and calls ApplySnapshot.
func (t *Tracker) SnapshotRequests() <-chan struct{} { return t.snapshotReq }

// ApplySnapshot replaces the book wholesale, replays buffered diffs newer
// than the snapshot in update-id order, and then moves the book to READY.
// Buffered diffs at or before the snapshot's update id are discarded as
// already reflected. A snapshot at or behind a READY book (a slow periodic
// refresh losing the race against the live stream) is dropped so the
// applied update id never regresses.
func (t *Tracker) ApplySnapshot(snap domain.BookSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateReady && snap.UpdateID <= t.book.LastAppliedUpdateID() {
		t.logger.Debug("stale snapshot dropped",
			slog.Uint64("update_id", snap.UpdateID),
			slog.Uint64("last_applied", t.book.LastAppliedUpdateID()),
		)
		return
	}

	t.book.ApplySnapshot(snap.Bids, snap.Asks, snap.UpdateID, snap.Timestamp)

	buffered := t.buffer
	t.buffer = nil
	sort.Slice(buffered, func(i, j int) bool {
		return buffered[i].UpdateID < buffered[j].UpdateID
	})

	replayed := 0
	for i, d := range buffered {
		switch t.rule.check(t.book.LastAppliedUpdateID(), d) {
		case verdictStale:
			continue
		case verdictGap:
			// The buffer skips past the snapshot; keep the tail and
			// resync again.
			t.buffer = append(t.buffer, buffered[i:]...)
			t.setStateLocked(StateSyncing)
			t.requestSnapshotLocked()
			t.logger.Warn("gap inside buffered diffs after snapshot",
				slog.Uint64("snapshot_update_id", snap.UpdateID),
				slog.Uint64("diff_update_id", d.UpdateID),
			)
			return
		}
		t.book.ApplyDiff(d.Bids, d.Asks, d.UpdateID, d.Timestamp)
		replayed++
	}
	t.setStateLocked(StateReady)

	t.logger.Info("snapshot applied",
		slog.Uint64("update_id", snap.UpdateID),
		slog.Int("replayed_diffs", replayed),
	)
}

// ApplyDiff feeds one normalized diff through the sequence check. Stale diffs
// are dropped silently, gaps flip the book to DESYNCED and request a fresh
// snapshot, and anything received before the first snapshot is buffered.
func (t *Tracker) ApplyDiff(d domain.BookDiff) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateReady {
		t.bufferLocked(d)
		return
	}

	switch t.rule.check(t.book.LastAppliedUpdateID(), d) {
	case verdictStale:
		t.logger.Debug("stale diff dropped",
			slog.Uint64("update_id", d.UpdateID),
			slog.Uint64("last_applied", t.book.LastAppliedUpdateID()),
		)
	case verdictGap:
		t.logger.Warn("sequence gap detected, resyncing",
			slog.Uint64("update_id", d.UpdateID),
			slog.Uint64("last_applied", t.book.LastAppliedUpdateID()),
		)
		t.setStateLocked(StateDesynced)
		t.bufferLocked(d)
		t.setStateLocked(StateSyncing)
		t.requestSnapshotLocked()
	default:
		t.book.ApplyDiff(d.Bids, d.Asks, d.UpdateID, d.Timestamp)
	}
}

func (t *Tracker) bufferLocked(d domain.BookDiff) {
	if len(t.buffer) >= t.bufCap {
		t.buffer = t.buffer[1:]
	}
	t.buffer = append(t.buffer, d)
}

func (t *Tracker) requestSnapshotLocked() {
	select {
	case t.snapshotReq <- struct{}{}:
	default:
	}
}

func (t *Tracker) setStateLocked(s SyncState) {
	if t.state == s {
		return
	}
	t.state = s
	if t.onStatus != nil {
		t.onStatus(domain.BookStatusEvent{
			Exchange:    t.book.Exchange(),
			TradingPair: t.book.TradingPair(),
			State:       s.String(),
			UpdateID:    t.book.LastAppliedUpdateID(),
			Timestamp:   time.Now().UTC(),
		})
	}
}
