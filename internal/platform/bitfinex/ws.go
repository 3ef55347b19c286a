package bitfinex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vantagebot/tradesync/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before reconnecting after a drop.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential reconnect backoff.
	maxReconnectDelay = 60 * time.Second

	// bookLen is the per-side depth requested on book subscriptions.
	bookLen = "100"
)

// MarketStream consumes raw (R0) order book channels for a set of pairs.
// Bitfinex delivers the snapshot in-band as the first frame after a
// subscription, so resynchronization is a resubscribe rather than a REST
// fetch. Sequence numbers are connection-wide on this venue, so the stream
// dials one socket per pair: each pair then sees its own contiguous
// sequence, and one pair's reconnects never disturb the others.
type MarketStream struct {
	wsURL  string
	pairs  []string
	out    chan domain.RawMarketMessage
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*pairConn // trading pair -> its dedicated socket
}

// pairConn is one pair's socket plus its subscribed channel id.
type pairConn struct {
	conn   *websocket.Conn
	chanID int64
	subbed bool
}

// NewMarketStream creates a stream for the given canonical pairs.
func NewMarketStream(wsURL string, pairs []string, logger *slog.Logger) *MarketStream {
	return &MarketStream{
		wsURL:  wsURL,
		pairs:  pairs,
		out:    make(chan domain.RawMarketMessage, 256),
		logger: logger.With(slog.String("component", "bitfinex_market_stream")),
		conns:  make(map[string]*pairConn, len(pairs)),
	}
}

// Messages returns the raw snapshot and diff payload stream.
func (s *MarketStream) Messages() <-chan domain.RawMarketMessage { return s.out }

// RequestSnapshot resubscribes the pair's book channel. The exchange answers
// a fresh subscription with a full snapshot frame, which surfaces on
// Messages() in sequence with subsequent diffs.
func (s *MarketStream) RequestSnapshot(ctx context.Context, tradingPair string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.conns[tradingPair]
	if !ok {
		return fmt.Errorf("bitfinex: snapshot request for %s: %w", tradingPair, domain.ErrWSDisconnect)
	}
	if pc.subbed {
		pc.subbed = false
		if err := writeJSON(pc.conn, map[string]any{"event": "unsubscribe", "chanId": pc.chanID}); err != nil {
			return err
		}
	}
	return writeJSON(pc.conn, subscribeRequest(Symbol(tradingPair)))
}

func subscribeRequest(symbol string) map[string]any {
	return map[string]any{
		"event":   "subscribe",
		"channel": "book",
		"symbol":  symbol,
		"prec":    "R0",
		"len":     bookLen,
	}
}

// writeJSON sends one control message. Callers hold s.mu, which serializes
// writers on the shared socket.
func writeJSON(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("bitfinex: write: %w", err)
	}
	return nil
}

// Run connects one socket per pair and consumes until ctx is cancelled,
// reconnecting each pair independently with exponential backoff.
func (s *MarketStream) Run(ctx context.Context) error {
	if len(s.pairs) == 0 {
		s.logger.Info("no pairs configured, market stream idle")
		<-ctx.Done()
		return ctx.Err()
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, pair := range s.pairs {
		g.Go(func() error { return s.runPair(ctx, pair) })
	}
	return g.Wait()
}

func (s *MarketStream) runPair(ctx context.Context, tradingPair string) error {
	delay := reconnectDelay
	for {
		err := s.runConnection(ctx, tradingPair)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("book connection dropped, reconnecting",
			slog.String("trading_pair", tradingPair),
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (s *MarketStream) runConnection(ctx context.Context, tradingPair string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("bitfinex: dial %s: %w", s.wsURL, err)
	}

	pc := &pairConn{conn: conn}
	s.mu.Lock()
	s.conns[tradingPair] = pc
	err = writeJSON(conn, map[string]any{"event": "conf", "flags": seqAllFlag})
	if err == nil {
		err = writeJSON(conn, subscribeRequest(Symbol(tradingPair)))
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.conns[tradingPair] == pc {
			delete(s.conns, tradingPair)
		}
		s.mu.Unlock()
		conn.Close()
	}()
	if err != nil {
		return err
	}
	s.logger.Info("book connection established", slog.String("trading_pair", tradingPair))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Close the connection when ctx ends so the blocked read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				s.mu.Lock()
				err := writeJSON(conn, map[string]any{"event": "ping"})
				s.mu.Unlock()
				if err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("bitfinex: read: %w: %w", domain.ErrWSDisconnect, err)
		}
		if len(payload) == 0 {
			continue
		}

		if payload[0] == '{' {
			if err := s.handleEvent(tradingPair, pc, payload); err != nil {
				return err
			}
			continue
		}
		if err := s.handleFrame(ctx, tradingPair, pc, payload); err != nil {
			return err
		}
	}
}

func (s *MarketStream) handleEvent(tradingPair string, pc *pairConn, payload []byte) error {
	var ev wsEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.logger.Warn("unparseable event frame dropped", slog.String("error", err.Error()))
		return nil
	}
	switch ev.Event {
	case "subscribed":
		if ev.Symbol != Symbol(tradingPair) {
			s.logger.Warn("subscription for unexpected symbol",
				slog.String("trading_pair", tradingPair),
				slog.String("symbol", ev.Symbol),
			)
			return nil
		}
		s.mu.Lock()
		pc.chanID = ev.ChanID
		pc.subbed = true
		s.mu.Unlock()
		s.logger.Debug("book channel subscribed",
			slog.String("trading_pair", tradingPair),
			slog.Int64("chan_id", ev.ChanID),
		)
	case "unsubscribed":
		s.mu.Lock()
		if pc.chanID == ev.ChanID {
			pc.subbed = false
		}
		s.mu.Unlock()
	case "error":
		if ev.Code == 10301 {
			// Duplicate subscribe: the channel is already live and its
			// snapshot already on the way.
			s.logger.Debug("duplicate subscribe ignored", slog.String("trading_pair", tradingPair))
			return nil
		}
		return fmt.Errorf("bitfinex: ws error %d: %s", ev.Code, ev.Msg)
	case "info":
		if ev.Code == 20051 || ev.Code == 20060 {
			// Server asks for a reconnect or entered maintenance.
			return fmt.Errorf("bitfinex: server requested reconnect (code %d)", ev.Code)
		}
	}
	return nil
}

// handleFrame routes a '['-framed data message to the connection's pair. The
// frame body shape distinguishes snapshots (array of orders) from updates
// (single order); heartbeats pass through as diffs and are ignored
// downstream.
func (s *MarketStream) handleFrame(ctx context.Context, tradingPair string, pc *pairConn, payload []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(payload, &parts); err != nil || len(parts) < 2 {
		s.logger.Warn("unparseable data frame dropped")
		return nil
	}
	var chanID int64
	if err := json.Unmarshal(parts[0], &chanID); err != nil {
		return nil
	}

	s.mu.Lock()
	current := pc.subbed && pc.chanID == chanID
	s.mu.Unlock()
	if !current {
		// Frames can race a resubscribe's unsubscribed event.
		return nil
	}

	kind := domain.MessageDiff
	body := parts[1]
	if len(body) > 1 && body[0] == '[' && body[1] == '[' {
		kind = domain.MessageSnapshot
	}

	msg := domain.RawMarketMessage{
		Exchange:    "bitfinex",
		TradingPair: tradingPair,
		Kind:        kind,
		Payload:     payload,
	}
	select {
	case s.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
