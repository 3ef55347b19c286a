package orders

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

	"github.com/vantagebot/tradesync/internal/domain"
)

// memStore is an in-memory OrderRecordStore for tests.
type memStore struct {
	mu      sync.Mutex
	records map[string]domain.OrderRecord
	failPut error
	puts    int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]domain.OrderRecord)}
}

func (s *memStore) Put(ctx context.Context, rec domain.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.failPut != nil {
		return s.failPut
	}
	s.records[rec.ClientOrderID] = rec
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (domain.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.OrderRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (s *memStore) GetAllOpen(ctx context.Context, exchange string) ([]domain.OrderRecord, error) {
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

func (s *memStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderRecord
	for _, rec := range s.records {
		if domain.OrderState(rec.State).IsTerminal() && rec.CreatedAt.Before(before) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func limitBuy(id string, amount string) domain.InFlightOrder {
	return domain.InFlightOrder{
		ClientOrderID: id,
		TradingPair:   "BTC-USDT",
		Side:          domain.SideBuy,
		OrderType:     domain.OrderTypeLimit,
		Price:         d("100"),
		Amount:        d(amount),
	}
}

func stateOf(s domain.OrderState) *domain.OrderState { return &s }

func TestStartTrackingRejectsDuplicateID(t *testing.T) {
	tr := NewTracker("binance", newMemStore(), testLogger())
	ctx := context.Background()

	require.NoError(t, tr.StartTracking(ctx, limitBuy("ord-1", "1")))
	err := tr.StartTracking(ctx, limitBuy("ord-1", "2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicateOrderID)

	got, ok := tr.Get("ord-1")
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatePendingCreate, got.State)
}

func TestOrderLifecycleCumulativeFills(t *testing.T) {
	tr := NewTracker("binance", newMemStore(), testLogger())
	ctx := context.Background()

	var events []domain.OrderEvent
	tr.SetEventHandler(func(_ context.Context, ev domain.OrderEvent) {
		events = append(events, ev)
	})

	require.NoError(t, tr.StartTracking(ctx, limitBuy("ord-1", "1")))

	tr.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID:   "ord-1",
		ExchangeOrderID: "EX-77",
		NewState:        stateOf(domain.OrderStateOpen),
	})
	got, _ := tr.Get("ord-1")
	assert.Equal(t, domain.OrderStateOpen, got.State)
	assert.Equal(t, "EX-77", got.ExchangeOrderID)

	tr.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID:      "ord-1",
		TradeID:            "t1",
		ExecutedDeltaBase:  d("0.3"),
		ExecutedDeltaQuote: d("30"),
		FeeDelta:           d("0.03"),
		FeeAsset:           "USDT",
	})
	tr.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID:      "ord-1",
		TradeID:            "t2",
		ExecutedDeltaBase:  d("0.4"),
		ExecutedDeltaQuote: d("40"),
		FeeDelta:           d("0.04"),
	})

	got, _ = tr.Get("ord-1")
	assert.True(t, got.ExecutedAmountBase.Equal(d("0.7")))
	assert.True(t, got.ExecutedAmountQuote.Equal(d("70")))
	assert.True(t, got.FeePaid.Equal(d("0.07")))
	assert.Equal(t, "USDT", got.FeeAsset)
	assert.Equal(t, domain.OrderStatePartiallyFilled, got.State)
	assert.True(t, got.AverageFillPrice().Equal(d("100")))

	tr.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID: "ord-1",
		NewState:      stateOf(domain.OrderStateFilled),
	})

	// Terminal orders leave the active set.
	_, ok := tr.Get("ord-1")
	assert.False(t, ok)

	// A late OPEN event after FILLED is absorbed, not an error.
	tr.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID: "ord-1",
		NewState:      stateOf(domain.OrderStateOpen),
	})

	types := make([]domain.OrderEventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []domain.OrderEventType{
		domain.EventOrderOpened,
		domain.EventOrderPartiallyFilled,
		domain.EventOrderPartiallyFilled,
		domain.EventOrderFilled,
	}, types)

	// The FILLED event snapshot carries cumulative execution.
	final := events[len(events)-1].Order
	assert.True(t, final.ExecutedAmountBase.Equal(d("0.7")))
	assert.Equal(t, domain.OrderStateFilled, final.State)
}

func TestDuplicateTradeIDIgnored(t *testing.T) {
	tr := NewTracker("binance", nil, testLogger())
	ctx := context.Background()
	require.NoError(t, tr.StartTracking(ctx, limitBuy("ord-1", "1")))

	fill := domain.OrderUpdate{
		ClientOrderID:      "ord-1",
		TradeID:            "t1",
		ExecutedDeltaBase:  d("0.3"),
		ExecutedDeltaQuote: d("30"),
	}
	tr.ProcessOrderUpdate(ctx, fill)
	tr.ProcessOrderUpdate(ctx, fill)

	got, _ := tr.Get("ord-1")
	assert.True(t, got.ExecutedAmountBase.Equal(d("0.3")))
}

func TestUnknownOrderIgnored(t *testing.T) {
	tr := NewTracker("binance", nil, testLogger())
	// Must not panic or error; the order may belong to another tracker.
	tr.ProcessOrderUpdate(context.Background(), domain.OrderUpdate{
		ClientOrderID: "nobody",
		NewState:      stateOf(domain.OrderStateOpen),
	})
	assert.Empty(t, tr.ActiveOrders())
}

func TestLookupByExchangeOrderID(t *testing.T) {
	tr := NewTracker("binance", nil, testLogger())
	ctx := context.Background()
	require.NoError(t, tr.StartTracking(ctx, limitBuy("ord-1", "1")))

	tr.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID:   "ord-1",
		ExchangeOrderID: "EX-9",
		NewState:        stateOf(domain.OrderStateOpen),
	})

	// Fill events identified only by exchange order id still land.
	tr.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		ExchangeOrderID:    "EX-9",
		TradeID:            "t1",
		ExecutedDeltaBase:  d("0.5"),
		ExecutedDeltaQuote: d("50"),
	})
	got, _ := tr.Get("ord-1")
	assert.True(t, got.ExecutedAmountBase.Equal(d("0.5")))
}

func TestPendingCreateToFailed(t *testing.T) {
	tr := NewTracker("binance", nil, testLogger())
	ctx := context.Background()

	var events []domain.OrderEvent
	tr.SetEventHandler(func(_ context.Context, ev domain.OrderEvent) {
		events = append(events, ev)
	})

	require.NoError(t, tr.StartTracking(ctx, limitBuy("ord-1", "1")))
	tr.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID: "ord-1",
		NewState:      stateOf(domain.OrderStateFailed),
	})

	_, ok := tr.Get("ord-1")
	assert.False(t, ok)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventOrderFailed, events[0].Type)

	// FAILED is only reachable from PENDING_CREATE.
	require.NoError(t, tr.StartTracking(ctx, limitBuy("ord-2", "1")))
	tr.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID: "ord-2",
		NewState:      stateOf(domain.OrderStateOpen),
	})
	tr.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID: "ord-2",
		NewState:      stateOf(domain.OrderStateFailed),
	})
	got, ok := tr.Get("ord-2")
	require.True(t, ok)
	assert.Equal(t, domain.OrderStateOpen, got.State)
}

func TestRecordRoundTrip(t *testing.T) {
	order := domain.InFlightOrder{
		ClientOrderID:       "ord-1",
		ExchangeOrderID:     "EX-1",
		Exchange:            "binance",
		TradingPair:         "ETH-USDT",
		Side:                domain.SideSell,
		OrderType:           domain.OrderTypeLimit,
		Price:               d("1850.25"),
		Amount:              d("2.5"),
		ExecutedAmountBase:  d("1.1"),
		ExecutedAmountQuote: d("2035.275"),
		FeeAsset:            "USDT",
		FeePaid:             d("2.04"),
		State:               domain.OrderStatePartiallyFilled,
		CreatedAt:           time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	back, err := domain.OrderFromRecord(order.Record())
	require.NoError(t, err)
	assert.Equal(t, order, back)
}

func TestRestorationMarksMissingOrdersCanceled(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	// First life: track an order, acknowledge it, then "crash".
	first := NewTracker("binance", store, testLogger())
	require.NoError(t, first.StartTracking(ctx, limitBuy("ord-1", "1")))
	first.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID:   "ord-1",
		ExchangeOrderID: "EX-1",
		NewState:        stateOf(domain.OrderStateOpen),
	})

	// Second life: restore and reconcile against an exchange open-order
	// list that no longer contains EX-1.
	second := NewTracker("binance", store, testLogger())
	var events []domain.OrderEvent
	second.SetEventHandler(func(_ context.Context, ev domain.OrderEvent) {
		events = append(events, ev)
	})

	require.NoError(t, second.RestoreFromStore(ctx))
	got, ok := second.Get("ord-1")
	require.True(t, ok)
	assert.Equal(t, domain.OrderStateOpen, got.State)

	second.Reconcile(ctx, []string{"EX-other"}, nil)

	_, ok = second.Get("ord-1")
	assert.False(t, ok, "canceled order must leave the active set")

	rec, err := store.Get(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, string(domain.OrderStateCanceled), rec.State)

	require.Len(t, events, 1)
	assert.Equal(t, domain.EventOrderCanceled, events[0].Type)
}

func TestReconcileAppliesMissedFillsFirst(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	first := NewTracker("binance", store, testLogger())
	require.NoError(t, first.StartTracking(ctx, limitBuy("ord-1", "1")))
	first.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID:   "ord-1",
		ExchangeOrderID: "EX-1",
		NewState:        stateOf(domain.OrderStateOpen),
	})

	second := NewTracker("binance", store, testLogger())
	require.NoError(t, second.RestoreFromStore(ctx))

	// The order fully filled while the engine was down. The fill from
	// exchange history must win over the absence from the open list.
	second.Reconcile(ctx, nil, []domain.OrderUpdate{{
		ClientOrderID:      "ord-1",
		TradeID:            "t9",
		ExecutedDeltaBase:  d("1"),
		ExecutedDeltaQuote: d("100"),
	}})

	rec, err := store.Get(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, string(domain.OrderStateFilled), rec.State)
	assert.Equal(t, "1", rec.ExecutedAmountBase)
}

func TestPersistRetryExhaustionAlertsOperator(t *testing.T) {
	store := newMemStore()
	store.failPut = errors.New("connection refused")

	var alerts []string
	tr := NewTracker("binance", store, testLogger())
	tr.SetAlerter(alertFunc(func(_ context.Context, event, _, _ string) error {
		alerts = append(alerts, event)
		return nil
	}))

	require.NoError(t, tr.StartTracking(context.Background(), limitBuy("ord-1", "1")))

	// All attempts failed, but the in-memory order survives.
	assert.Equal(t, persistAttempts, store.puts)
	_, ok := tr.Get("ord-1")
	assert.True(t, ok)
	assert.Equal(t, []string{"durability_degraded"}, alerts)
}

type alertFunc func(ctx context.Context, event, title, message string) error

func (f alertFunc) Notify(ctx context.Context, event, title, message string) error {
	return f(ctx, event, title, message)
}
