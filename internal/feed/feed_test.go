package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagebot/tradesync/internal/adapter"
	"github.com/vantagebot/tradesync/internal/book"
	"github.com/vantagebot/tradesync/internal/domain"
	"github.com/vantagebot/tradesync/internal/orders"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeSource records snapshot requests and lets tests push messages.
type fakeSource struct {
	mu       sync.Mutex
	out      chan domain.RawMarketMessage
	requests []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{out: make(chan domain.RawMarketMessage, 16)}
}

func (s *fakeSource) Messages() <-chan domain.RawMarketMessage { return s.out }

func (s *fakeSource) RequestSnapshot(_ context.Context, tradingPair string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, tradingPair)
	return nil
}

func (s *fakeSource) requested() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// fakeTopCache records the last published top per book.
type fakeTopCache struct {
	mu   sync.Mutex
	tops map[string]domain.BookTop
}

func newFakeTopCache() *fakeTopCache {
	return &fakeTopCache{tops: make(map[string]domain.BookTop)}
}

func (c *fakeTopCache) SetTop(_ context.Context, top domain.BookTop) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tops[top.Exchange+":"+top.TradingPair] = top
	return nil
}

func (c *fakeTopCache) GetTop(_ context.Context, exchange, tradingPair string) (domain.BookTop, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	top, ok := c.tops[exchange+":"+tradingPair]
	if !ok {
		return domain.BookTop{}, domain.ErrNotFound
	}
	return top, nil
}

func newBTCFeed(t *testing.T) (*BookFeed, *fakeSource, *fakeTopCache, *book.Tracker) {
	t.Helper()
	src := newFakeSource()
	cache := newFakeTopCache()
	tracker := book.NewTracker("binance", "BTC-USD", book.SequenceRange, testLogger())
	f := NewBookFeed(src, adapter.NewBinanceAdapter(), map[string]*book.Tracker{"BTC-USD": tracker}, cache, nil, testLogger())
	return f, src, cache, tracker
}

func TestBookFeedSnapshotThenDiff(t *testing.T) {
	f, _, cache, tracker := newBTCFeed(t)
	ctx := context.Background()

	f.handleMessage(ctx, domain.RawMarketMessage{
		Exchange:    "binance",
		TradingPair: "BTC-USD",
		Kind:        domain.MessageSnapshot,
		Payload:     []byte(`{"lastUpdateId":100,"bids":[["30000","1.0"]],"asks":[["30010","2.0"]]}`),
	})
	require.Equal(t, book.StateReady, tracker.State())

	f.handleMessage(ctx, domain.RawMarketMessage{
		Exchange:    "binance",
		TradingPair: "BTC-USD",
		Kind:        domain.MessageDiff,
		Payload:     []byte(`{"e":"depthUpdate","s":"BTCUSD","U":101,"u":101,"b":[["30005","0.5"]],"a":[]}`),
	})

	bid, ok := tracker.Book().BestBid()
	require.True(t, ok)
	assert.True(t, bid.Price.Equal(decimal.RequireFromString("30005")))

	top, err := cache.GetTop(ctx, "binance", "BTC-USD")
	require.NoError(t, err)
	assert.True(t, top.BestBid.Equal(decimal.RequireFromString("30005")))
	assert.True(t, top.BestAsk.Equal(decimal.RequireFromString("30010")))
	assert.Equal(t, uint64(101), top.UpdateID)
}

func TestBookFeedMalformedPayloadLeavesBookIntact(t *testing.T) {
	f, _, _, tracker := newBTCFeed(t)
	ctx := context.Background()

	f.handleMessage(ctx, domain.RawMarketMessage{
		Exchange:    "binance",
		TradingPair: "BTC-USD",
		Kind:        domain.MessageSnapshot,
		Payload:     []byte(`{"lastUpdateId":100,"bids":[["30000","1.0"]],"asks":[["30010","2.0"]]}`),
	})
	require.Equal(t, book.StateReady, tracker.State())

	f.handleMessage(ctx, domain.RawMarketMessage{
		Exchange:    "binance",
		TradingPair: "BTC-USD",
		Kind:        domain.MessageDiff,
		Payload:     []byte(`{"e":"depthUpdate","b":[["oops`),
	})

	assert.Equal(t, book.StateReady, tracker.State())
	assert.Equal(t, uint64(100), tracker.Book().LastAppliedUpdateID())
}

func TestBookFeedUnknownPairIgnored(t *testing.T) {
	f, _, cache, _ := newBTCFeed(t)

	f.handleMessage(context.Background(), domain.RawMarketMessage{
		Exchange:    "binance",
		TradingPair: "ETH-USD",
		Kind:        domain.MessageSnapshot,
		Payload:     []byte(`{"lastUpdateId":1,"bids":[],"asks":[]}`),
	})

	_, err := cache.GetTop(context.Background(), "binance", "ETH-USD")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBookFeedServesSnapshotRequests(t *testing.T) {
	f, src, _, tracker := newBTCFeed(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.Run(ctx)
	}()

	// The feed requests the bootstrap snapshot without being asked.
	require.Eventually(t, func() bool {
		return len(src.requested()) == 1
	}, time.Second, 10*time.Millisecond)

	src.out <- domain.RawMarketMessage{
		Exchange:    "binance",
		TradingPair: "BTC-USD",
		Kind:        domain.MessageSnapshot,
		Payload:     []byte(`{"lastUpdateId":100,"bids":[["30000","1.0"]],"asks":[["30010","2.0"]]}`),
	}
	require.Eventually(t, func() bool {
		return tracker.State() == book.StateReady
	}, time.Second, 10*time.Millisecond)

	// A gapped diff desyncs the book; the feed must request a fresh
	// snapshot on the tracker's behalf.
	src.out <- domain.RawMarketMessage{
		Exchange:    "binance",
		TradingPair: "BTC-USD",
		Kind:        domain.MessageDiff,
		Payload:     []byte(`{"e":"depthUpdate","s":"BTCUSD","U":105,"u":105,"b":[["30001","1.0"]],"a":[]}`),
	}
	require.Eventually(t, func() bool {
		return len(src.requested()) == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

// fakeUserSource feeds canned updates to an order feed.
type fakeUserSource struct {
	out chan domain.OrderUpdate
}

func (s *fakeUserSource) Updates() <-chan domain.OrderUpdate { return s.out }

// fakeReconciler returns fixed reconciliation answers, failing the first
// failures OpenOrders calls.
type fakeReconciler struct {
	mu       sync.Mutex
	open     []string
	fills    []domain.OrderUpdate
	failures int
	calls    int
}

func (r *fakeReconciler) OpenOrders(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failures {
		return nil, errors.New("503 service unavailable")
	}
	return r.open, nil
}

func (r *fakeReconciler) FillHistory(context.Context, []string, time.Time) ([]domain.OrderUpdate, error) {
	return r.fills, nil
}

// memStore is an in-memory OrderRecordStore for tests.
type memStore struct {
	mu      sync.Mutex
	records map[string]domain.OrderRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]domain.OrderRecord)}
}

func (s *memStore) Put(_ context.Context, rec domain.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ClientOrderID] = rec
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (domain.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.OrderRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (s *memStore) GetAllOpen(_ context.Context, exchange string) ([]domain.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderRecord
	for _, rec := range s.records {
		if rec.Exchange == exchange && !domain.OrderState(rec.State).IsTerminal() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memStore) ListTerminalBefore(context.Context, time.Time) ([]domain.OrderRecord, error) {
	return nil, nil
}

func TestOrderFeedRestoreAppliesMissedFillsBeforeCancels(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	seed := domain.InFlightOrder{
		ClientOrderID:   "binance-abc",
		ExchangeOrderID: "900",
		Exchange:        "binance",
		TradingPair:     "BTC-USD",
		Side:            domain.SideBuy,
		OrderType:       domain.OrderTypeLimit,
		Price:           decimal.RequireFromString("30000"),
		Amount:          decimal.RequireFromString("1"),
		State:           domain.OrderStateOpen,
		CreatedAt:       time.Now().Add(-time.Hour),
	}
	require.NoError(t, store.Put(ctx, seed.Record()))

	tracker := orders.NewTracker("binance", store, testLogger())
	recon := &fakeReconciler{
		// The order is gone from the open list because it fully filled
		// while the engine was down.
		open: nil,
		fills: []domain.OrderUpdate{{
			ExchangeOrderID:    "900",
			TradeID:            "t1",
			ExecutedDeltaBase:  decimal.RequireFromString("1"),
			ExecutedDeltaQuote: decimal.RequireFromString("30000"),
			Timestamp:          float64(time.Now().Unix()),
		}},
	}
	f := NewOrderFeed(tracker, &fakeUserSource{out: make(chan domain.OrderUpdate)}, recon, []string{"BTC-USD"}, nil, testLogger())

	require.NoError(t, f.restore(ctx))

	rec, err := store.Get(ctx, "binance-abc")
	require.NoError(t, err)
	assert.Equal(t, string(domain.OrderStateFilled), rec.State)
	assert.Empty(t, tracker.ActiveOrders())
}

func TestOrderFeedRetriesStartupReconciliation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newMemStore()

	seed := domain.InFlightOrder{
		ClientOrderID:   "binance-retry",
		ExchangeOrderID: "902",
		Exchange:        "binance",
		TradingPair:     "BTC-USD",
		Side:            domain.SideBuy,
		OrderType:       domain.OrderTypeLimit,
		Price:           decimal.RequireFromString("30000"),
		Amount:          decimal.RequireFromString("1"),
		State:           domain.OrderStateOpen,
		CreatedAt:       time.Now().Add(-time.Hour),
	}
	require.NoError(t, store.Put(ctx, seed.Record()))

	tracker := orders.NewTracker("binance", store, testLogger())
	recon := &fakeReconciler{failures: 2}
	f := NewOrderFeed(tracker, &fakeUserSource{out: make(chan domain.OrderUpdate)}, recon, []string{"BTC-USD"}, nil, testLogger())
	f.retryDelay = time.Millisecond

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	// Two transient failures must not surface; the third attempt completes
	// reconciliation and cancels the order absent from the open list.
	require.Eventually(t, func() bool {
		rec, err := store.Get(ctx, "binance-retry")
		return err == nil && rec.State == string(domain.OrderStateCanceled)
	}, time.Second, 5*time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("run returned during startup retries: %v", err)
	default:
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestOrderFeedAppliesLiveUpdates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := newMemStore()
	tracker := orders.NewTracker("binance", store, testLogger())

	order := domain.InFlightOrder{
		ClientOrderID: "binance-live",
		Exchange:      "binance",
		TradingPair:   "BTC-USD",
		Side:          domain.SideBuy,
		OrderType:     domain.OrderTypeLimit,
		Price:         decimal.RequireFromString("30000"),
		Amount:        decimal.RequireFromString("1"),
		State:         domain.OrderStatePendingCreate,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, tracker.StartTracking(ctx, order))

	src := &fakeUserSource{out: make(chan domain.OrderUpdate, 1)}
	f := NewOrderFeed(tracker, src, nil, []string{"BTC-USD"}, nil, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.Run(ctx)
	}()

	opened := domain.OrderStateOpen
	src.out <- domain.OrderUpdate{
		ClientOrderID:   "binance-live",
		ExchangeOrderID: "901",
		NewState:        &opened,
		Timestamp:       float64(time.Now().Unix()),
	}

	require.Eventually(t, func() bool {
		o, ok := tracker.Get("binance-live")
		return ok && o.State == domain.OrderStateOpen && o.ExchangeOrderID == "901"
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
