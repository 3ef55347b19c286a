package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vantagebot/tradesync/internal/adapter"
	"github.com/vantagebot/tradesync/internal/book"
	"github.com/vantagebot/tradesync/internal/crypto"
	"github.com/vantagebot/tradesync/internal/feed"
	"github.com/vantagebot/tradesync/internal/orders"
	"github.com/vantagebot/tradesync/internal/platform/binance"
	"github.com/vantagebot/tradesync/internal/platform/bitfinex"
	"github.com/vantagebot/tradesync/internal/server"
	"github.com/vantagebot/tradesync/internal/server/handler"
	"github.com/vantagebot/tradesync/internal/server/ws"
)

// bookPipeline bundles one exchange's market-data transport, feed, and
// per-pair trackers so modes can start them and register the trackers with
// the HTTP layer.
type bookPipeline struct {
	exchange string
	trackers map[string]*book.Tracker
	feed     *feed.BookFeed
	run      func(ctx context.Context) error // transport loop
}

// orderPipeline bundles one exchange's user-data transport, in-flight order
// tracker, and feed.
type orderPipeline struct {
	exchange string
	tracker  *orders.Tracker
	feed     *feed.OrderFeed
	run      func(ctx context.Context) error // transport loop
}

// SyncMode runs the market-data side only: one book pipeline per enabled
// exchange plus the HTTP/WS server. No credentials are required.
func (a *App) SyncMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sync mode")

	g, ctx := errgroup.WithContext(ctx)

	books := a.buildBookPipelines(deps)
	if len(books) == 0 {
		return fmt.Errorf("sync mode: no exchanges enabled")
	}
	for _, bp := range books {
		a.startBookPipeline(ctx, g, bp)
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, books, nil)
	}

	return g.Wait()
}

// TradeMode runs everything in SyncMode plus the authenticated user streams,
// in-flight order tracking with restart reconciliation, and the terminal-order
// archiver when configured.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	g, ctx := errgroup.WithContext(ctx)

	books := a.buildBookPipelines(deps)
	if len(books) == 0 {
		return fmt.Errorf("trade mode: no exchanges enabled")
	}
	for _, bp := range books {
		a.startBookPipeline(ctx, g, bp)
	}

	orderPipes := a.buildOrderPipelines(deps)
	for _, op := range orderPipes {
		a.startOrderPipeline(ctx, g, op)
	}

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, books, orderPipes)
	}

	return g.Wait()
}

// buildBookPipelines constructs a book pipeline per enabled exchange.
func (a *App) buildBookPipelines(deps *Dependencies) []*bookPipeline {
	var pipes []*bookPipeline

	if a.cfg.Binance.Enabled {
		rest := binance.NewClient(a.cfg.Binance.RestURL, a.binanceAuth())
		stream := binance.NewMarketStream(a.cfg.Binance.WsURL, rest, a.cfg.Binance.Pairs, a.logger)
		pipes = append(pipes, a.newBookPipeline(
			deps, adapter.NewBinanceAdapter(), book.SequenceRange,
			a.cfg.Binance.Pairs, stream, stream.Run,
		))
	}

	if a.cfg.Bitfinex.Enabled {
		stream := bitfinex.NewMarketStream(a.cfg.Bitfinex.WsURL, a.cfg.Bitfinex.Pairs, a.logger)
		pipes = append(pipes, a.newBookPipeline(
			deps, adapter.NewBitfinexAdapter(), book.SequenceContiguous,
			a.cfg.Bitfinex.Pairs, stream, stream.Run,
		))
	}

	return pipes
}

func (a *App) newBookPipeline(
	deps *Dependencies,
	adp adapter.ActiveOrderTracker,
	rule book.SequenceRule,
	pairs []string,
	source feed.MarketSource,
	run func(ctx context.Context) error,
) *bookPipeline {
	trackers := make(map[string]*book.Tracker, len(pairs))
	for _, pair := range pairs {
		trackers[pair] = book.NewTracker(adp.Exchange(), pair, rule, a.logger)
	}

	bf := feed.NewBookFeed(source, adp, trackers, deps.TopCache, deps.SignalBus, a.logger)
	bf.SetAlerter(deps.Notifier)
	if a.cfg.Book.SnapshotRateLimit > 0 {
		bf.SetRateLimiter(deps.RateLimiter)
	}
	if a.cfg.Book.SnapshotRefresh.Duration > 0 {
		bf.SetSnapshotRefresh(a.cfg.Book.SnapshotRefresh.Duration)
	}

	return &bookPipeline{
		exchange: adp.Exchange(),
		trackers: trackers,
		feed:     bf,
		run:      run,
	}
}

func (a *App) startBookPipeline(ctx context.Context, g *errgroup.Group, bp *bookPipeline) {
	a.logger.InfoContext(ctx, "starting book pipeline",
		slog.String("exchange", bp.exchange),
		slog.Int("pairs", len(bp.trackers)),
	)
	g.Go(func() error {
		return bp.run(ctx)
	})
	g.Go(func() error {
		return bp.feed.Run(ctx)
	})
}

// buildOrderPipelines constructs an order pipeline per enabled exchange with
// credentials. Config validation guarantees credentials in trade mode, so the
// guards here only matter for partial setups.
func (a *App) buildOrderPipelines(deps *Dependencies) []*orderPipeline {
	var pipes []*orderPipeline

	if a.cfg.Binance.Enabled && a.cfg.Binance.ApiKey != "" {
		rest := binance.NewClient(a.cfg.Binance.RestURL, a.binanceAuth())
		stream := binance.NewUserStream(a.cfg.Binance.WsURL, rest, a.logger)
		pipes = append(pipes, a.newOrderPipeline(
			deps, "binance", a.cfg.Binance.Pairs, stream, rest, stream.Run,
		))
	}

	if a.cfg.Bitfinex.Enabled && a.cfg.Bitfinex.ApiKey != "" {
		auth := a.bitfinexAuth()
		rest := bitfinex.NewClient(a.cfg.Bitfinex.RestURL, auth)
		stream := bitfinex.NewUserStream(a.cfg.Bitfinex.WsURL, auth, a.logger)
		pipes = append(pipes, a.newOrderPipeline(
			deps, "bitfinex", a.cfg.Bitfinex.Pairs, stream, rest, stream.Run,
		))
	}

	return pipes
}

func (a *App) newOrderPipeline(
	deps *Dependencies,
	exchange string,
	pairs []string,
	source feed.UserSource,
	recon feed.Reconciler,
	run func(ctx context.Context) error,
) *orderPipeline {
	tracker := orders.NewTracker(exchange, deps.OrderStore, a.logger)
	tracker.SetAlerter(deps.Notifier)

	of := feed.NewOrderFeed(tracker, source, recon, pairs, deps.SignalBus, a.logger)
	of.SetAlerter(deps.Notifier)

	return &orderPipeline{
		exchange: exchange,
		tracker:  tracker,
		feed:     of,
		run:      run,
	}
}

func (a *App) startOrderPipeline(ctx context.Context, g *errgroup.Group, op *orderPipeline) {
	a.logger.InfoContext(ctx, "starting order pipeline",
		slog.String("exchange", op.exchange),
	)
	g.Go(func() error {
		return op.run(ctx)
	})
	g.Go(func() error {
		return op.feed.Run(ctx)
	})
}

// startHTTPServer wires the REST handlers and WebSocket hub and runs the
// server until ctx is cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	books []*bookPipeline,
	orderPipes []*orderPipeline,
) {
	booksH := handler.NewBooksHandler(a.logger)
	for _, bp := range books {
		for pair, tr := range bp.trackers {
			booksH.Register(bp.exchange, pair, tr)
		}
	}

	ordersH := handler.NewOrdersHandler(deps.OrderStore, a.logger)
	for _, op := range orderPipes {
		ordersH.Register(op.tracker)
	}

	hub := ws.NewHub(deps.SignalBus, a.cfg.Mode, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.ApiKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, server.Handlers{
		Health: handler.NewHealthHandler(a.logger),
		Books:  booksH,
		Orders: ordersH,
	}, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down")
		return srv.Shutdown(shutCtx)
	})
}

func (a *App) binanceAuth() *crypto.HMACAuth {
	if a.cfg.Binance.ApiKey == "" {
		return nil
	}
	return &crypto.HMACAuth{
		Key:    strings.TrimSpace(a.cfg.Binance.ApiKey),
		Secret: strings.TrimSpace(a.cfg.Binance.ApiSecret),
	}
}

func (a *App) bitfinexAuth() *crypto.HMACAuth {
	if a.cfg.Bitfinex.ApiKey == "" {
		return nil
	}
	return &crypto.HMACAuth{
		Key:    strings.TrimSpace(a.cfg.Bitfinex.ApiKey),
		Secret: strings.TrimSpace(a.cfg.Bitfinex.ApiSecret),
	}
}
