// Package feed wires exchange streams to the sync core: market payloads
// flow source -> adapter -> book tracker, account events flow user stream ->
// order tracker. One feed task owns one exchange connection.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vantagebot/tradesync/internal/adapter"
	"github.com/vantagebot/tradesync/internal/book"
	"github.com/vantagebot/tradesync/internal/domain"
)

// MarketSource is one exchange's market-data transport. Messages surfaces
// snapshots and diffs in arrival order; RequestSnapshot arranges for a fresh
// snapshot to appear on the same stream.
type MarketSource interface {
	Messages() <-chan domain.RawMarketMessage
	RequestSnapshot(ctx context.Context, tradingPair string) error
}

// Alerter pushes operator notifications. Satisfied by notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

const (
	// snapshotRetryDelay is the base backoff between snapshot request
	// attempts while a book is out of sync.
	snapshotRetryDelay = 2 * time.Second

	// maxSnapshotRetryDelay caps the snapshot retry backoff.
	maxSnapshotRetryDelay = 30 * time.Second

	// defaultSnapshotRefresh bounds undetected drift on level-granular
	// feeds by periodically re-snapshotting even while READY.
	defaultSnapshotRefresh = time.Hour

	// topPublishInterval throttles per-pair top-of-book bus publishes.
	topPublishInterval = 250 * time.Millisecond
)

// BookFeed drives every tracked book of one exchange: it routes the market
// stream through the exchange adapter into the per-pair trackers, serves
// their snapshot requests, and publishes tops and sync-state changes.
type BookFeed struct {
	source   MarketSource
	adapter  adapter.ActiveOrderTracker
	trackers map[string]*book.Tracker
	topCache domain.BookTopCache
	bus      domain.SignalBus
	alerter  Alerter
	limiter  domain.RateLimiter
	refresh  time.Duration
	statusCh chan domain.BookStatusEvent
	lastPub  map[string]time.Time
	logger   *slog.Logger
}

// NewBookFeed creates the feed. trackers is keyed by trading pair; topCache,
// bus, and alerter may be nil.
func NewBookFeed(
	source MarketSource,
	adp adapter.ActiveOrderTracker,
	trackers map[string]*book.Tracker,
	topCache domain.BookTopCache,
	bus domain.SignalBus,
	logger *slog.Logger,
) *BookFeed {
	f := &BookFeed{
		source:   source,
		adapter:  adp,
		trackers: trackers,
		topCache: topCache,
		bus:      bus,
		refresh:  defaultSnapshotRefresh,
		statusCh: make(chan domain.BookStatusEvent, 16),
		lastPub:  make(map[string]time.Time, len(trackers)),
		logger: logger.With(
			slog.String("component", "book_feed"),
			slog.String("exchange", adp.Exchange()),
		),
	}
	for _, tr := range trackers {
		// The handler runs under the tracker's lock; hand off so the
		// publish never blocks a diff apply.
		tr.SetStatusHandler(func(ev domain.BookStatusEvent) {
			select {
			case f.statusCh <- ev:
			default:
				f.logger.Warn("status event dropped, channel full",
					slog.String("trading_pair", ev.TradingPair))
			}
		})
	}
	return f
}

// SetAlerter enables operator notifications on desync.
func (f *BookFeed) SetAlerter(a Alerter) { f.alerter = a }

// SetRateLimiter throttles snapshot requests. Exchanges weight snapshot
// endpoints heavily, and a desync storm must not burn the request budget.
func (f *BookFeed) SetRateLimiter(l domain.RateLimiter) { f.limiter = l }

// SetSnapshotRefresh overrides the periodic re-snapshot interval. Zero
// disables the refresh.
func (f *BookFeed) SetSnapshotRefresh(d time.Duration) { f.refresh = d }

// Tracker returns the tracker for a pair, if the feed owns one.
func (f *BookFeed) Tracker(tradingPair string) (*book.Tracker, bool) {
	tr, ok := f.trackers[tradingPair]
	return tr, ok
}

// Run processes the market stream until ctx is cancelled.
func (f *BookFeed) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for pair, tr := range f.trackers {
		g.Go(func() error { return f.serveSnapshots(ctx, pair, tr) })
	}
	g.Go(func() error { return f.publishStatus(ctx) })
	g.Go(func() error { return f.consume(ctx) })
	return g.Wait()
}

// serveSnapshots requests the initial snapshot, answers the tracker's
// resync requests, and refreshes periodically.
func (f *BookFeed) serveSnapshots(ctx context.Context, tradingPair string, tr *book.Tracker) error {
	if err := f.requestSnapshot(ctx, tradingPair); err != nil {
		return err
	}

	var refreshC <-chan time.Time
	if f.refresh > 0 {
		ticker := time.NewTicker(f.refresh)
		defer ticker.Stop()
		refreshC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tr.SnapshotRequests():
			if err := f.requestSnapshot(ctx, tradingPair); err != nil {
				return err
			}
		case <-refreshC:
			if err := f.requestSnapshot(ctx, tradingPair); err != nil {
				return err
			}
		}
	}
}

// requestSnapshot retries with backoff until the request is accepted or ctx
// ends. The transport owns delivery; acceptance only means the snapshot is
// on its way.
func (f *BookFeed) requestSnapshot(ctx context.Context, tradingPair string) error {
	delay := snapshotRetryDelay
	for {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, "snapshot:"+f.adapter.Exchange()); err != nil {
				return err
			}
		}
		err := f.source.RequestSnapshot(ctx, tradingPair)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("snapshot request failed, retrying",
			slog.String("trading_pair", tradingPair),
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
}

func (f *BookFeed) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-f.source.Messages():
			if !ok {
				return nil
			}
			f.handleMessage(ctx, msg)
		}
	}
}

func (f *BookFeed) handleMessage(ctx context.Context, msg domain.RawMarketMessage) {
	tr, ok := f.trackers[msg.TradingPair]
	if !ok {
		return
	}

	switch msg.Kind {
	case domain.MessageSnapshot:
		snap, err := f.adapter.ApplySnapshot(msg.TradingPair, msg.Payload)
		if err != nil {
			f.logger.Warn("snapshot rejected",
				slog.String("trading_pair", msg.TradingPair),
				slog.String("error", err.Error()),
			)
			return
		}
		tr.ApplySnapshot(*snap)
	case domain.MessageDiff:
		diff, err := f.adapter.ApplyDiff(msg.TradingPair, msg.Payload)
		if err != nil {
			f.logger.Warn("diff rejected",
				slog.String("trading_pair", msg.TradingPair),
				slog.String("error", err.Error()),
			)
			return
		}
		tr.ApplyDiff(*diff)
	}

	f.publishTop(ctx, msg.TradingPair, tr)
}

func (f *BookFeed) publishTop(ctx context.Context, tradingPair string, tr *book.Tracker) {
	if tr.State() != book.StateReady {
		return
	}
	top, ok := tr.Book().Top()
	if !ok {
		return
	}

	if f.topCache != nil {
		if err := f.topCache.SetTop(ctx, top); err != nil {
			f.logger.Debug("top cache write failed", slog.String("error", err.Error()))
		}
	}
	if f.bus == nil {
		return
	}
	now := time.Now()
	if now.Sub(f.lastPub[tradingPair]) < topPublishInterval {
		return
	}
	f.lastPub[tradingPair] = now
	payload, err := json.Marshal(top)
	if err != nil {
		return
	}
	channel := domain.BookChannel(top.Exchange, tradingPair)
	if err := f.bus.Publish(ctx, channel, payload); err != nil {
		f.logger.Debug("top publish failed", slog.String("error", err.Error()))
	}
}

// publishStatus drains sync-state changes onto the bus and alerts the
// operator on desync.
func (f *BookFeed) publishStatus(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-f.statusCh:
			f.logger.Info("book sync state changed",
				slog.String("trading_pair", ev.TradingPair),
				slog.String("state", ev.State),
				slog.Uint64("update_id", ev.UpdateID),
			)
			if f.bus != nil {
				if payload, err := json.Marshal(ev); err == nil {
					if err := f.bus.Publish(ctx, domain.BookStatusChannel, payload); err != nil {
						f.logger.Debug("status publish failed", slog.String("error", err.Error()))
					}
				}
			}
			if f.alerter != nil && ev.State == book.StateDesynced.String() {
				_ = f.alerter.Notify(ctx, "book_desynced",
					"Order book desynced",
					ev.Exchange+" "+ev.TradingPair+" dropped out of sync, resynchronizing")
			}
		}
	}
}
