package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

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

	// snapshotDepth is the level count requested per depth snapshot.
	snapshotDepth = 1000
)

// MarketStream consumes the combined depth-diff stream for a set of pairs
// and serves snapshot requests over REST. Messages surface on Messages() in
// arrival order; reconnection is handled internally with backoff.
type MarketStream struct {
	wsURL  string
	rest   *Client
	pairs  []string
	byName map[string]string // stream name -> trading pair
	out    chan domain.RawMarketMessage
	logger *slog.Logger
}

// NewMarketStream creates a stream for the given canonical pairs.
func NewMarketStream(wsURL string, rest *Client, pairs []string, logger *slog.Logger) *MarketStream {
	byName := make(map[string]string, len(pairs))
	for _, p := range pairs {
		byName[StreamName(p)] = p
	}
	return &MarketStream{
		wsURL:  wsURL,
		rest:   rest,
		pairs:  pairs,
		byName: byName,
		out:    make(chan domain.RawMarketMessage, 256),
		logger: logger.With(slog.String("component", "binance_market_stream")),
	}
}

// Messages returns the raw diff and snapshot payload stream.
func (s *MarketStream) Messages() <-chan domain.RawMarketMessage { return s.out }

// RequestSnapshot fetches a fresh depth snapshot over REST and injects it
// into the message stream, so the consumer sees snapshots and diffs in one
// ordered sequence.
func (s *MarketStream) RequestSnapshot(ctx context.Context, tradingPair string) error {
	payload, err := s.rest.Depth(ctx, tradingPair, snapshotDepth)
	if err != nil {
		return err
	}
	msg := domain.RawMarketMessage{
		Exchange:    "binance",
		TradingPair: tradingPair,
		Kind:        domain.MessageSnapshot,
		Payload:     payload,
	}
	select {
	case s.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects and consumes until ctx is cancelled, reconnecting with
// exponential backoff on drops.
func (s *MarketStream) Run(ctx context.Context) error {
	if len(s.pairs) == 0 {
		s.logger.Info("no pairs configured, market stream idle")
		<-ctx.Done()
		return ctx.Err()
	}

	delay := reconnectDelay
	for {
		err := s.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("market stream disconnected, reconnecting",
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

func (s *MarketStream) runConnection(ctx context.Context) error {
	streams := make([]string, 0, len(s.pairs))
	for _, p := range s.pairs {
		streams = append(streams, StreamName(p))
	}
	endpoint := s.wsURL + "/stream?streams=" + strings.Join(streams, "/")

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("binance: dial %s: %w", s.wsURL, err)
	}
	defer conn.Close()
	s.logger.Info("market stream connected", slog.Int("streams", len(streams)))

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
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("binance: read: %w: %w", domain.ErrWSDisconnect, err)
		}

		var env streamEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			s.logger.Warn("unparseable stream frame dropped", slog.String("error", err.Error()))
			continue
		}
		pair, ok := s.byName[env.Stream]
		if !ok {
			continue
		}

		msg := domain.RawMarketMessage{
			Exchange:    "binance",
			TradingPair: pair,
			Kind:        domain.MessageDiff,
			Payload:     env.Data,
		}
		select {
		case s.out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
