package domain

import "time"

// OrderEventType names the lifecycle transitions surfaced to the strategy
// layer and the operator channels.
type OrderEventType string

const (
	EventOrderOpened          OrderEventType = "order_opened"
	EventOrderPartiallyFilled OrderEventType = "order_partially_filled"
	EventOrderFilled          OrderEventType = "order_filled"
	EventOrderCanceled        OrderEventType = "order_canceled"
	EventOrderFailed          OrderEventType = "order_failed"
)

// OrderEvent is emitted by the in-flight order tracker on every state
// transition. Order is a snapshot taken at transition time; consumers may
// hold it indefinitely.
type OrderEvent struct {
	Type      OrderEventType `json:"type"`
	Order     InFlightOrder  `json:"order"`
	Timestamp time.Time      `json:"timestamp"`
}

// BookStatusEvent is published when an order book changes sync state, so
// operators can watch for desync storms.
type BookStatusEvent struct {
	Exchange    string    `json:"exchange"`
	TradingPair string    `json:"trading_pair"`
	State       string    `json:"state"`
	UpdateID    uint64    `json:"update_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// Pub/sub channel names for the signal bus and the websocket hub.
const (
	OrderEventsChannel = "ch:orders"
	BookStatusChannel  = "ch:book:status"
)

// BookChannel names the per-book top-of-book channel.
func BookChannel(exchange, tradingPair string) string {
	return "ch:book:" + exchange + ":" + tradingPair
}

// EventTypeForState maps a post-transition order state to the event emitted
// for it. PENDING_CREATE produces no event.
func EventTypeForState(s OrderState) (OrderEventType, bool) {
	switch s {
	case OrderStateOpen:
		return EventOrderOpened, true
	case OrderStatePartiallyFilled:
		return EventOrderPartiallyFilled, true
	case OrderStateFilled:
		return EventOrderFilled, true
	case OrderStateCanceled:
		return EventOrderCanceled, true
	case OrderStateFailed:
		return EventOrderFailed, true
	default:
		return "", false
	}
}
