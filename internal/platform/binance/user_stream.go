package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vantagebot/tradesync/internal/domain"
)

// listenKeyKeepAlive is how often the user-data stream key is refreshed.
// Binance invalidates keys idle for 60 minutes.
const listenKeyKeepAlive = 30 * time.Minute

// UserStream consumes the account's user-data stream and surfaces order
// lifecycle events as canonical updates, in arrival order.
type UserStream struct {
	wsURL  string
	rest   *Client
	out    chan domain.OrderUpdate
	logger *slog.Logger
}

// NewUserStream creates the user-data stream consumer. rest must carry API
// credentials.
func NewUserStream(wsURL string, rest *Client, logger *slog.Logger) *UserStream {
	return &UserStream{
		wsURL:  wsURL,
		rest:   rest,
		out:    make(chan domain.OrderUpdate, 256),
		logger: logger.With(slog.String("component", "binance_user_stream")),
	}
}

// Updates returns the canonical order update stream.
func (s *UserStream) Updates() <-chan domain.OrderUpdate { return s.out }

// Run obtains a listen key, consumes the stream, and keeps the key alive,
// reconnecting with backoff until ctx is cancelled.
func (s *UserStream) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		err := s.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("user stream disconnected, reconnecting",
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

func (s *UserStream) runConnection(ctx context.Context) error {
	key, err := s.rest.CreateListenKey(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL+"/ws/"+key, nil)
	if err != nil {
		return fmt.Errorf("binance: dial user stream: %w", err)
	}
	defer conn.Close()
	s.logger.Info("user stream connected")

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ping := time.NewTicker(pingPeriod)
		keepAlive := time.NewTicker(listenKeyKeepAlive)
		defer ping.Stop()
		defer keepAlive.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			case <-keepAlive.C:
				if err := s.rest.KeepAliveListenKey(ctx, key); err != nil {
					s.logger.Warn("listen key keepalive failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("binance: user stream read: %w: %w", domain.ErrWSDisconnect, err)
		}

		var probe struct {
			EventType string `json:"e"`
		}
		if err := json.Unmarshal(payload, &probe); err != nil || probe.EventType != "executionReport" {
			continue
		}

		var report executionReport
		if err := json.Unmarshal(payload, &report); err != nil {
			s.logger.Warn("unparseable executionReport dropped", slog.String("error", err.Error()))
			continue
		}
		upd, err := report.orderUpdate()
		if err != nil {
			s.logger.Warn("executionReport mapping failed", slog.String("error", err.Error()))
			continue
		}

		select {
		case s.out <- upd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
