package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vantagebot/tradesync/internal/domain"
	"github.com/vantagebot/tradesync/internal/orders"
)

// UserSource is one exchange's account-event transport.
type UserSource interface {
	Updates() <-chan domain.OrderUpdate
}

// Reconciler answers the two restart questions: which orders the exchange
// still holds open, and which fills happened while we were down. Satisfied
// by the exchange REST clients.
type Reconciler interface {
	OpenOrders(ctx context.Context) ([]string, error)
	FillHistory(ctx context.Context, tradingPairs []string, since time.Time) ([]domain.OrderUpdate, error)
}

// reconcileLookback bounds the fill-history query when no restored order
// carries a usable creation time.
const reconcileLookback = 24 * time.Hour

// OrderFeed drives one exchange's in-flight order tracker: it restores and
// reconciles state on startup, then applies live account events. Lifecycle
// events fan out to the signal bus and the operator channels.
type OrderFeed struct {
	tracker    *orders.Tracker
	source     UserSource
	recon      Reconciler
	pairs      []string
	bus        domain.SignalBus
	alerter    Alerter
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewOrderFeed creates the feed. recon, bus, and alerter may be nil; without
// recon the startup pass restores from the store but skips exchange
// reconciliation.
func NewOrderFeed(
	tracker *orders.Tracker,
	source UserSource,
	recon Reconciler,
	tradingPairs []string,
	bus domain.SignalBus,
	logger *slog.Logger,
) *OrderFeed {
	f := &OrderFeed{
		tracker:    tracker,
		source:     source,
		recon:      recon,
		pairs:      tradingPairs,
		bus:        bus,
		retryDelay: snapshotRetryDelay,
		logger: logger.With(
			slog.String("component", "order_feed"),
			slog.String("exchange", tracker.Exchange()),
		),
	}
	tracker.SetEventHandler(f.handleEvent)
	return f
}

// SetAlerter enables operator notifications on fills and failures.
func (f *OrderFeed) SetAlerter(a Alerter) { f.alerter = a }

// Run restores persisted orders, reconciles against the exchange, and then
// applies live updates until ctx is cancelled. The startup pass retries
// with backoff: a transient store or REST failure degrades this exchange's
// order tracking for a while instead of taking the whole engine down.
func (f *OrderFeed) Run(ctx context.Context) error {
	delay := f.retryDelay
	for {
		err := f.restore(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("startup reconciliation failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxSnapshotRetryDelay)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-f.source.Updates():
			if !ok {
				return nil
			}
			f.tracker.ProcessOrderUpdate(ctx, upd)
		}
	}
}

func (f *OrderFeed) restore(ctx context.Context) error {
	if err := f.tracker.RestoreFromStore(ctx); err != nil {
		return fmt.Errorf("feed: restore orders: %w", err)
	}
	active := f.tracker.ActiveOrders()
	f.logger.Info("orders restored", slog.Int("active", len(active)))
	if f.recon == nil || len(active) == 0 {
		return nil
	}

	// Query fills back to the oldest restored order so no fill between the
	// crash and the restart is missed.
	since := time.Now().Add(-reconcileLookback)
	for _, o := range active {
		if !o.CreatedAt.IsZero() && o.CreatedAt.Before(since) {
			since = o.CreatedAt
		}
	}

	open, err := f.recon.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("feed: open orders: %w", err)
	}
	fills, err := f.recon.FillHistory(ctx, f.pairs, since)
	if err != nil {
		return fmt.Errorf("feed: fill history: %w", err)
	}
	f.tracker.Reconcile(ctx, open, fills)
	f.logger.Info("orders reconciled",
		slog.Int("exchange_open", len(open)),
		slog.Int("missed_fills", len(fills)),
	)
	return nil
}

// handleEvent publishes each lifecycle event and notifies the operator on
// terminal fills and failures. Called by the tracker outside its lock.
func (f *OrderFeed) handleEvent(ctx context.Context, ev domain.OrderEvent) {
	if f.bus != nil {
		if payload, err := json.Marshal(ev); err == nil {
			if err := f.bus.Publish(ctx, domain.OrderEventsChannel, payload); err != nil {
				f.logger.Debug("order event publish failed", slog.String("error", err.Error()))
			}
		}
	}
	if f.alerter == nil {
		return
	}
	switch ev.Type {
	case domain.EventOrderFilled:
		_ = f.alerter.Notify(ctx, "order_filled",
			"Order filled",
			fmt.Sprintf("%s %s %s filled %s @ avg %s",
				ev.Order.Exchange, ev.Order.TradingPair, ev.Order.ClientOrderID,
				ev.Order.ExecutedAmountBase.String(), ev.Order.AverageFillPrice().String()))
	case domain.EventOrderFailed:
		_ = f.alerter.Notify(ctx, "order_failed",
			"Order failed",
			fmt.Sprintf("%s %s %s rejected by the exchange",
				ev.Order.Exchange, ev.Order.TradingPair, ev.Order.ClientOrderID))
	}
}
