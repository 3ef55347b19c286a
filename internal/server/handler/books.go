package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/vantagebot/tradesync/internal/book"
	"github.com/vantagebot/tradesync/internal/domain"
)

// defaultBookDepth is the per-side level count returned when the client does
// not pass ?depth.
const defaultBookDepth = 20

// BooksHandler serves tracked order book state: sync status, tops, depth
// views, and volume quotes.
type BooksHandler struct {
	trackers map[string]map[string]*book.Tracker // exchange -> trading pair
	logger   *slog.Logger
}

// NewBooksHandler creates an empty handler; trackers are attached with
// Register during wiring.
func NewBooksHandler(logger *slog.Logger) *BooksHandler {
	return &BooksHandler{
		trackers: make(map[string]map[string]*book.Tracker),
		logger:   logger,
	}
}

// Register attaches one tracked book. Not safe to call after the server has
// started serving.
func (h *BooksHandler) Register(exchange, tradingPair string, tr *book.Tracker) {
	if h.trackers[exchange] == nil {
		h.trackers[exchange] = make(map[string]*book.Tracker)
	}
	h.trackers[exchange][tradingPair] = tr
}

type bookSummary struct {
	Exchange    string          `json:"exchange"`
	TradingPair string          `json:"trading_pair"`
	State       string          `json:"state"`
	UpdateID    uint64          `json:"update_id"`
	BestBid     decimal.Decimal `json:"best_bid"`
	BestAsk     decimal.Decimal `json:"best_ask"`
	MidPrice    decimal.Decimal `json:"mid_price"`
	Spread      decimal.Decimal `json:"spread"`
}

// ListBooks responds with a summary of every tracked book.
// GET /api/books
func (h *BooksHandler) ListBooks(w http.ResponseWriter, r *http.Request) {
	out := make([]bookSummary, 0)
	for exchange, byPair := range h.trackers {
		for pair, tr := range byPair {
			s := bookSummary{
				Exchange:    exchange,
				TradingPair: pair,
				State:       tr.State().String(),
				UpdateID:    tr.Book().LastAppliedUpdateID(),
			}
			if top, ok := tr.Book().Top(); ok {
				s.BestBid = top.BestBid
				s.BestAsk = top.BestAsk
				s.MidPrice = top.MidPrice
				s.Spread = top.Spread
			}
			out = append(out, s)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetBook responds with a depth view of one book.
// GET /api/books/{exchange}/{pair}?depth=20
func (h *BooksHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	tr, ok := h.lookup(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown book")
		return
	}

	depth := defaultBookDepth
	if v := r.URL.Query().Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "depth must be a positive integer")
			return
		}
		depth = n
	}

	bids, asks := tr.Book().SnapshotLevels(depth)
	writeJSON(w, http.StatusOK, map[string]any{
		"exchange":     tr.Book().Exchange(),
		"trading_pair": tr.Book().TradingPair(),
		"state":        tr.State().String(),
		"update_id":    tr.Book().LastAppliedUpdateID(),
		"bids":         bids,
		"asks":         asks,
	})
}

// QuoteVolume responds with the volume-weighted price for consuming the
// given base volume from one side of a book.
// GET /api/books/{exchange}/{pair}/quote?side=BUY&volume=1.5
func (h *BooksHandler) QuoteVolume(w http.ResponseWriter, r *http.Request) {
	tr, ok := h.lookup(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown book")
		return
	}
	if tr.State() != book.StateReady {
		writeError(w, http.StatusConflict, "book is not synchronized")
		return
	}

	q := r.URL.Query()
	side := domain.Side(q.Get("side"))
	if side != domain.SideBuy && side != domain.SideSell {
		writeError(w, http.StatusBadRequest, "side must be BUY or SELL")
		return
	}
	volume, err := decimal.NewFromString(q.Get("volume"))
	if err != nil || !volume.IsPositive() {
		writeError(w, http.StatusBadRequest, "volume must be a positive decimal")
		return
	}

	writeJSON(w, http.StatusOK, tr.Book().GetPriceForVolume(side, volume))
}

func (h *BooksHandler) lookup(r *http.Request) (*book.Tracker, bool) {
	byPair, ok := h.trackers[pathParam(r, "exchange")]
	if !ok {
		return nil, false
	}
	tr, ok := byPair[pathParam(r, "pair")]
	return tr, ok
}
