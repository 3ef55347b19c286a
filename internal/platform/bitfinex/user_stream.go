package bitfinex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vantagebot/tradesync/internal/crypto"
	"github.com/vantagebot/tradesync/internal/domain"
)

// UserStream consumes the authenticated websocket and surfaces order
// lifecycle ("on"/"ou"/"oc") and trade execution ("tu") events as canonical
// updates, in arrival order.
type UserStream struct {
	wsURL  string
	auth   *crypto.HMACAuth
	out    chan domain.OrderUpdate
	logger *slog.Logger
}

// NewUserStream creates the authenticated stream consumer.
func NewUserStream(wsURL string, auth *crypto.HMACAuth, logger *slog.Logger) *UserStream {
	return &UserStream{
		wsURL:  wsURL,
		auth:   auth,
		out:    make(chan domain.OrderUpdate, 256),
		logger: logger.With(slog.String("component", "bitfinex_user_stream")),
	}
}

// Updates returns the canonical order update stream.
func (s *UserStream) Updates() <-chan domain.OrderUpdate { return s.out }

// Run authenticates and consumes the stream, reconnecting with backoff
// until ctx is cancelled.
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
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("bitfinex: dial user stream: %w", err)
	}
	defer conn.Close()

	nonce := crypto.Nonce()
	authPayload := "AUTH" + nonce
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteJSON(map[string]any{
		"event":       "auth",
		"apiKey":      s.auth.Key,
		"authNonce":   nonce,
		"authPayload": authPayload,
		"authSig":     s.auth.SignSHA384Hex(authPayload),
	})
	if err != nil {
		return fmt.Errorf("bitfinex: auth write: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

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

	authenticated := false
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("bitfinex: user stream read: %w: %w", domain.ErrWSDisconnect, err)
		}
		if len(payload) == 0 {
			continue
		}

		if payload[0] == '{' {
			var ev wsEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				continue
			}
			switch ev.Event {
			case "auth":
				if ev.Status != "OK" {
					return fmt.Errorf("bitfinex: auth rejected: %s (code %d)", ev.Msg, ev.Code)
				}
				authenticated = true
				s.logger.Info("user stream authenticated")
			case "error":
				return fmt.Errorf("bitfinex: ws error %d: %s", ev.Code, ev.Msg)
			case "info":
				if ev.Code == 20051 || ev.Code == 20060 {
					return fmt.Errorf("bitfinex: server requested reconnect (code %d)", ev.Code)
				}
			}
			continue
		}
		if !authenticated {
			continue
		}

		upd, ok, err := parseAccountFrame(payload)
		if err != nil {
			s.logger.Warn("account frame mapping failed", slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}
		select {
		case s.out <- upd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// parseAccountFrame maps an authenticated channel-0 frame to an order
// update. Frames the tracker does not care about (wallets, positions,
// heartbeats, "te" previews superseded by "tu") report ok=false.
func parseAccountFrame(payload []byte) (domain.OrderUpdate, bool, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(payload, &parts); err != nil || len(parts) < 3 {
		return domain.OrderUpdate{}, false, nil
	}
	var msgType string
	if err := json.Unmarshal(parts[1], &msgType); err != nil {
		return domain.OrderUpdate{}, false, nil
	}

	switch msgType {
	case "on", "ou", "oc":
		var fields []json.RawMessage
		if err := json.Unmarshal(parts[2], &fields); err != nil {
			return domain.OrderUpdate{}, false, fmt.Errorf("bitfinex: %s body: %w", msgType, domain.ErrMalformedMessage)
		}
		upd, err := orderUpdateFromOrderArray(fields)
		if err != nil {
			return domain.OrderUpdate{}, false, err
		}
		return upd, true, nil
	case "tu":
		var fields []json.RawMessage
		if err := json.Unmarshal(parts[2], &fields); err != nil {
			return domain.OrderUpdate{}, false, fmt.Errorf("bitfinex: tu body: %w", domain.ErrMalformedMessage)
		}
		upd, err := orderUpdateFromTradeArray(fields)
		if err != nil {
			return domain.OrderUpdate{}, false, err
		}
		return upd, true, nil
	default:
		return domain.OrderUpdate{}, false, nil
	}
}
