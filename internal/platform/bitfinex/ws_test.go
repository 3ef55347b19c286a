package bitfinex

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagebot/tradesync/internal/adapter"
	"github.com/vantagebot/tradesync/internal/book"
	"github.com/vantagebot/tradesync/internal/domain"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// bookServer plays one book channel per accepted connection: subscribed
// event, snapshot, then two updates, every data frame numbered by that
// connection's own sequence counter, the way the venue numbers frames.
func bookServer(t *testing.T, conns *atomic.Int64) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		chanID := conns.Add(1) * 100
		go func() {
			defer c.Close()
			var symbol string
			for symbol == "" {
				var req map[string]any
				if err := c.ReadJSON(&req); err != nil {
					return
				}
				if req["event"] == "subscribe" {
					symbol, _ = req["symbol"].(string)
				}
			}
			send := func(format string, args ...any) {
				c.WriteMessage(websocket.TextMessage, fmt.Appendf(nil, format, args...))
			}
			send(`{"event":"subscribed","channel":"book","chanId":%d,"symbol":%q}`, chanID, symbol)
			send(`[%d,[[1,100,2],[2,101,-1]],1]`, chanID)
			send(`[%d,[3,99,1],2]`, chanID)
			send(`[%d,[1,0,1],3]`, chanID)
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
}

// With two pairs on one venue the frames interleave, but every pair must
// still see its own contiguous sequence: each book reaches READY and stays
// there on a lossless stream.
func TestMarketStreamSequencesStayPerPair(t *testing.T) {
	var conns atomic.Int64
	srv := bookServer(t, &conns)
	defer srv.Close()

	pairs := []string{"BTC-USD", "ETH-USD"}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream := NewMarketStream(wsURL, pairs, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stream.Run(ctx)

	adp := adapter.NewBitfinexAdapter()
	trackers := make(map[string]*book.Tracker, len(pairs))
	for _, p := range pairs {
		trackers[p] = book.NewTracker("bitfinex", p, book.SequenceContiguous, testLogger())
	}

	deadline := time.After(5 * time.Second)
	for received := 0; received < 6; received++ {
		select {
		case msg := <-stream.Messages():
			tr := trackers[msg.TradingPair]
			require.NotNil(t, tr, "frame routed to unknown pair %s", msg.TradingPair)
			switch msg.Kind {
			case domain.MessageSnapshot:
				snap, err := adp.ApplySnapshot(msg.TradingPair, msg.Payload)
				require.NoError(t, err)
				tr.ApplySnapshot(*snap)
			case domain.MessageDiff:
				diff, err := adp.ApplyDiff(msg.TradingPair, msg.Payload)
				require.NoError(t, err)
				tr.ApplyDiff(*diff)
			}
		case <-deadline:
			t.Fatal("timed out waiting for book frames")
		}
	}

	assert.Equal(t, int64(2), conns.Load(), "each pair must ride its own socket")
	for _, p := range pairs {
		assert.Equal(t, book.StateReady, trackers[p].State(), p)
		assert.Equal(t, uint64(3), trackers[p].Book().LastAppliedUpdateID(), p)
	}
}
