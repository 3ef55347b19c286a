// Package orders tracks the lifecycle of every order the engine has
// submitted to one exchange, from PENDING_CREATE through a terminal state,
// surviving process restarts via the durable record store.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vantagebot/tradesync/internal/domain"
)

// Alerter delivers operator-facing warnings (degraded durability and the
// like). Satisfied by notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// EventHandler receives order lifecycle events at transition time.
type EventHandler func(ctx context.Context, ev domain.OrderEvent)

const (
	persistAttempts = 3
	persistBackoff  = 250 * time.Millisecond
)

// Tracker owns the set of in-flight orders for one exchange. All lifecycle
// mutation flows through it; updates for a single client order id must be
// delivered from a single goroutine (the exchange's user-stream task) so they
// apply in enqueue order.
type Tracker struct {
	exchange string
	store    domain.OrderRecordStore // nil disables persistence
	logger   *slog.Logger

	onEvent EventHandler
	alerter Alerter

	mu         sync.Mutex
	active     map[string]*domain.InFlightOrder
	seenTrades map[string]map[string]struct{} // client order id -> trade ids applied
	byExchID   map[string]string              // exchange order id -> client order id
}

// NewTracker creates a tracker for one exchange. store may be nil when
// durable tracking is disabled (market-data-only runs).
func NewTracker(exchange string, store domain.OrderRecordStore, logger *slog.Logger) *Tracker {
	return &Tracker{
		exchange: exchange,
		store:    store,
		logger: logger.With(
			slog.String("component", "order_tracker"),
			slog.String("exchange", exchange),
		),
		active:     make(map[string]*domain.InFlightOrder),
		seenTrades: make(map[string]map[string]struct{}),
		byExchID:   make(map[string]string),
	}
}

// SetEventHandler registers the lifecycle event sink. Must be called before
// updates start flowing.
func (t *Tracker) SetEventHandler(h EventHandler) { t.onEvent = h }

// SetAlerter registers the operator alert channel.
func (t *Tracker) SetAlerter(a Alerter) { t.alerter = a }

// Exchange returns the exchange this tracker owns orders for.
func (t *Tracker) Exchange() string { return t.exchange }

// StartTracking inserts a new order in PENDING_CREATE. Reusing a client
// order id is an integration error surfaced to the caller.
func (t *Tracker) StartTracking(ctx context.Context, order domain.InFlightOrder) error {
	t.mu.Lock()
	if _, exists := t.active[order.ClientOrderID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("orders: %s: %w", order.ClientOrderID, domain.ErrDuplicateOrderID)
	}
	if order.State == "" {
		order.State = domain.OrderStatePendingCreate
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.Exchange = t.exchange
	t.active[order.ClientOrderID] = &order
	if order.ExchangeOrderID != "" {
		t.byExchID[order.ExchangeOrderID] = order.ClientOrderID
	}
	rec := order.Record()
	t.mu.Unlock()

	t.logger.Info("tracking order",
		slog.String("client_order_id", order.ClientOrderID),
		slog.String("trading_pair", order.TradingPair),
		slog.String("side", string(order.Side)),
	)
	t.persist(ctx, rec)
	return nil
}

// ProcessOrderUpdate applies whichever fields the update carries. Executed
// amounts accumulate and never decrease, regressive state changes are
// ignored, duplicate fills (same trade id) are ignored, and the exchange
// order id binds on first sight. Updates for unknown client order ids are
// logged and dropped; late events for already-removed orders are expected.
func (t *Tracker) ProcessOrderUpdate(ctx context.Context, upd domain.OrderUpdate) {
	t.mu.Lock()
	order, ok := t.lookupLocked(upd)
	if !ok {
		t.mu.Unlock()
		t.logger.Info("update for unknown order ignored",
			slog.String("client_order_id", upd.ClientOrderID),
			slog.String("exchange_order_id", upd.ExchangeOrderID),
		)
		return
	}

	if upd.TradeID != "" {
		seen := t.seenTrades[order.ClientOrderID]
		if _, dup := seen[upd.TradeID]; dup {
			t.mu.Unlock()
			t.logger.Debug("duplicate trade update ignored",
				slog.String("client_order_id", order.ClientOrderID),
				slog.String("trade_id", upd.TradeID),
			)
			return
		}
		if seen == nil {
			seen = make(map[string]struct{})
			t.seenTrades[order.ClientOrderID] = seen
		}
		seen[upd.TradeID] = struct{}{}
	}

	if upd.ExchangeOrderID != "" && order.ExchangeOrderID == "" {
		order.ExchangeOrderID = upd.ExchangeOrderID
		t.byExchID[upd.ExchangeOrderID] = order.ClientOrderID
	}

	filled := false
	if upd.ExecutedDeltaBase.IsPositive() {
		order.ExecutedAmountBase = order.ExecutedAmountBase.Add(upd.ExecutedDeltaBase)
		order.ExecutedAmountQuote = order.ExecutedAmountQuote.Add(upd.ExecutedDeltaQuote)
		filled = true
	}
	if upd.FeeDelta.IsPositive() {
		order.FeePaid = order.FeePaid.Add(upd.FeeDelta)
	}
	if upd.FeeAsset != "" && order.FeeAsset == "" {
		order.FeeAsset = upd.FeeAsset
	}

	next := upd.NewState
	if next == nil && filled {
		// Fill events without an explicit state imply one.
		implied := domain.OrderStatePartiallyFilled
		if order.ExecutedAmountBase.GreaterThanOrEqual(order.Amount) {
			implied = domain.OrderStateFilled
		}
		next = &implied
	}

	var event *domain.OrderEvent
	if next != nil && *next != order.State {
		if !order.State.CanTransitionTo(*next) {
			t.logger.Debug("regressive state event ignored",
				slog.String("client_order_id", order.ClientOrderID),
				slog.String("current", string(order.State)),
				slog.String("ignored", string(*next)),
			)
		} else {
			order.State = *next
			if evType, ok := domain.EventTypeForState(order.State); ok {
				event = &domain.OrderEvent{
					Type:      evType,
					Order:     order.Clone(),
					Timestamp: time.Now().UTC(),
				}
			}
		}
	}

	rec := order.Record()
	if order.IsDone() {
		t.removeLocked(order.ClientOrderID)
	}
	t.mu.Unlock()

	t.persist(ctx, rec)
	if event != nil && t.onEvent != nil {
		t.onEvent(ctx, *event)
	}
}

// StopTracking drops the order from the active set. The durable record is
// retained for audit.
func (t *Tracker) StopTracking(ctx context.Context, clientOrderID string) {
	t.mu.Lock()
	_, ok := t.active[clientOrderID]
	if ok {
		t.removeLocked(clientOrderID)
	}
	t.mu.Unlock()
	if ok {
		t.logger.Info("stopped tracking order", slog.String("client_order_id", clientOrderID))
	}
}

// ActiveOrders returns snapshots of every order still in a non-terminal
// state.
func (t *Tracker) ActiveOrders() []domain.InFlightOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.InFlightOrder, 0, len(t.active))
	for _, o := range t.active {
		out = append(out, o.Clone())
	}
	return out
}

// Get returns a snapshot of one active order.
func (t *Tracker) Get(clientOrderID string) (domain.InFlightOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.active[clientOrderID]
	if !ok {
		return domain.InFlightOrder{}, false
	}
	return o.Clone(), true
}

// RestoreFromStore loads every non-terminal durable record for the exchange
// back into the active set. Call once at startup, before Reconcile.
func (t *Tracker) RestoreFromStore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	recs, err := t.store.GetAllOpen(ctx, t.exchange)
	if err != nil {
		return fmt.Errorf("orders: restore %s: %w", t.exchange, err)
	}

	t.mu.Lock()
	restored := 0
	for _, rec := range recs {
		order, err := domain.OrderFromRecord(rec)
		if err != nil {
			t.logger.Error("durable record unreadable, skipping",
				slog.String("client_order_id", rec.ClientOrderID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if order.State.IsTerminal() {
			continue
		}
		if _, exists := t.active[order.ClientOrderID]; exists {
			continue
		}
		t.active[order.ClientOrderID] = &order
		if order.ExchangeOrderID != "" {
			t.byExchID[order.ExchangeOrderID] = order.ClientOrderID
		}
		restored++
	}
	t.mu.Unlock()

	t.logger.Info("restored in-flight orders", slog.Int("count", restored))
	return nil
}

// Reconcile resolves restored local state against the exchange's account of
// reality: fills the engine missed while down are applied first, then any
// locally-open order absent from the exchange's open-order list is marked
// CANCELED (it was filled or canceled while the engine was not watching).
func (t *Tracker) Reconcile(ctx context.Context, openExchangeOrderIDs []string, missedFills []domain.OrderUpdate) {
	for _, fill := range missedFills {
		t.ProcessOrderUpdate(ctx, fill)
	}

	open := make(map[string]struct{}, len(openExchangeOrderIDs))
	for _, id := range openExchangeOrderIDs {
		open[id] = struct{}{}
	}

	t.mu.Lock()
	var absent []string
	for id, o := range t.active {
		if o.ExchangeOrderID != "" {
			if _, still := open[o.ExchangeOrderID]; still {
				continue
			}
		}
		absent = append(absent, id)
	}
	t.mu.Unlock()

	canceled := domain.OrderStateCanceled
	for _, id := range absent {
		t.logger.Warn("order missing from exchange open list, marking canceled",
			slog.String("client_order_id", id),
		)
		t.ProcessOrderUpdate(ctx, domain.OrderUpdate{
			ClientOrderID: id,
			NewState:      &canceled,
		})
	}
}

func (t *Tracker) lookupLocked(upd domain.OrderUpdate) (*domain.InFlightOrder, bool) {
	if upd.ClientOrderID != "" {
		o, ok := t.active[upd.ClientOrderID]
		return o, ok
	}
	if upd.ExchangeOrderID != "" {
		if cid, ok := t.byExchID[upd.ExchangeOrderID]; ok {
			o, ok := t.active[cid]
			return o, ok
		}
	}
	return nil, false
}

func (t *Tracker) removeLocked(clientOrderID string) {
	if o := t.active[clientOrderID]; o != nil && o.ExchangeOrderID != "" {
		delete(t.byExchID, o.ExchangeOrderID)
	}
	delete(t.active, clientOrderID)
	delete(t.seenTrades, clientOrderID)
}

// persist writes the record with bounded retries. Exhausted retries degrade
// durability but never lose the in-memory state, which stays authoritative;
// the operator is alerted instead.
func (t *Tracker) persist(ctx context.Context, rec domain.OrderRecord) {
	if t.store == nil {
		return
	}

	var err error
	backoff := persistBackoff
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if err = t.store.Put(ctx, rec); err == nil {
			return
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < persistAttempts {
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	t.logger.Error("durable write failed, in-memory state remains authoritative",
		slog.String("client_order_id", rec.ClientOrderID),
		slog.String("error", err.Error()),
	)
	if t.alerter != nil {
		_ = t.alerter.Notify(ctx, "durability_degraded",
			"Order persistence degraded",
			fmt.Sprintf("exchange %s: durable write for %s failed: %v", t.exchange, rec.ClientOrderID, err),
		)
	}
}
