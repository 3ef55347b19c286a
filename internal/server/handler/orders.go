package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/vantagebot/tradesync/internal/domain"
	"github.com/vantagebot/tradesync/internal/orders"
)

// OrdersHandler serves in-flight order state. Active orders come from the
// trackers' in-memory state (the authority); terminal orders fall back to
// the durable store.
type OrdersHandler struct {
	trackers map[string]*orders.Tracker // keyed by exchange
	store    domain.OrderRecordStore
	logger   *slog.Logger
}

// NewOrdersHandler creates the handler. store may be nil, in which case
// lookups are limited to active orders.
func NewOrdersHandler(store domain.OrderRecordStore, logger *slog.Logger) *OrdersHandler {
	return &OrdersHandler{
		trackers: make(map[string]*orders.Tracker),
		store:    store,
		logger:   logger,
	}
}

// Register attaches one exchange's order tracker. Not safe to call after the
// server has started serving.
func (h *OrdersHandler) Register(tracker *orders.Tracker) {
	h.trackers[tracker.Exchange()] = tracker
}

// ListOrders responds with every active order, optionally filtered by
// ?exchange=.
// GET /api/orders
func (h *OrdersHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("exchange")

	out := make([]domain.OrderRecord, 0)
	for exchange, tracker := range h.trackers {
		if filter != "" && filter != exchange {
			continue
		}
		for _, o := range tracker.ActiveOrders() {
			out = append(out, o.Record())
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetOrder responds with one order by client order id, live or terminal.
// GET /api/orders/{id}
func (h *OrdersHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	for _, tracker := range h.trackers {
		if o, ok := tracker.Get(id); ok {
			writeJSON(w, http.StatusOK, o.Record())
			return
		}
	}

	if h.store != nil {
		rec, err := h.store.Get(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, rec)
			return
		}
		if !errors.Is(err, domain.ErrNotFound) {
			h.logger.Error("order lookup failed",
				slog.String("client_order_id", id),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "order lookup failed")
			return
		}
	}

	writeError(w, http.StatusNotFound, "unknown order")
}
