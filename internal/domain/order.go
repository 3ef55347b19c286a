package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderType indicates how an order rests on the exchange.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderState tracks the lifecycle of an in-flight order.
type OrderState string

const (
	OrderStatePendingCreate   OrderState = "PENDING_CREATE"
	OrderStateOpen            OrderState = "OPEN"
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderStateFilled          OrderState = "FILLED"
	OrderStateCanceled        OrderState = "CANCELED"
	OrderStateFailed          OrderState = "FAILED"
)

// IsTerminal reports whether no further transition out of the state is
// permitted.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCanceled, OrderStateFailed:
		return true
	default:
		return false
	}
}

// fsmRank orders lifecycle states so that regressive exchange events (e.g. an
// OPEN arriving after a fill) can be detected and ignored.
func (s OrderState) fsmRank() int {
	switch s {
	case OrderStatePendingCreate:
		return 0
	case OrderStateOpen:
		return 1
	case OrderStatePartiallyFilled:
		return 2
	case OrderStateFilled, OrderStateCanceled, OrderStateFailed:
		return 3
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next is a forward move in
// the order lifecycle. Terminal states absorb everything.
func (s OrderState) CanTransitionTo(next OrderState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == OrderStateFailed {
		return s == OrderStatePendingCreate
	}
	return next.fsmRank() > s.fsmRank()
}

// InFlightOrder is the authoritative local record of one order the engine has
// submitted to an exchange. It is created when the order request is sent and
// mutated only by the owning tracker in response to exchange events.
type InFlightOrder struct {
	ClientOrderID       string
	ExchangeOrderID     string // empty until the exchange acknowledges creation
	Exchange            string
	TradingPair         string
	Side                Side
	OrderType           OrderType
	Price               decimal.Decimal
	Amount              decimal.Decimal
	ExecutedAmountBase  decimal.Decimal
	ExecutedAmountQuote decimal.Decimal
	FeeAsset            string
	FeePaid             decimal.Decimal
	State               OrderState
	CreatedAt           time.Time
}

// NewClientOrderID returns a fresh engine-assigned client order id. The
// prefix keeps ids greppable per exchange in logs and storage.
func NewClientOrderID(exchange string) string {
	return exchange + "-" + uuid.NewString()
}

// BaseAsset returns the base component of a "BASE-QUOTE" trading pair.
func (o *InFlightOrder) BaseAsset() string {
	base, _, _ := strings.Cut(o.TradingPair, "-")
	return base
}

// QuoteAsset returns the quote component of a "BASE-QUOTE" trading pair.
func (o *InFlightOrder) QuoteAsset() string {
	_, quote, _ := strings.Cut(o.TradingPair, "-")
	return quote
}

// IsDone reports whether the order has reached a terminal state.
func (o *InFlightOrder) IsDone() bool { return o.State.IsTerminal() }

// AverageFillPrice returns executed quote divided by executed base, or zero
// when nothing has filled yet.
func (o *InFlightOrder) AverageFillPrice() decimal.Decimal {
	if o.ExecutedAmountBase.IsZero() {
		return decimal.Zero
	}
	return o.ExecutedAmountQuote.Div(o.ExecutedAmountBase)
}

// RemainingAmount returns the portion of the order not yet executed.
func (o *InFlightOrder) RemainingAmount() decimal.Decimal {
	return o.Amount.Sub(o.ExecutedAmountBase)
}

// Clone returns a copy safe to hand to readers while the tracker keeps
// mutating the original.
func (o *InFlightOrder) Clone() InFlightOrder {
	return *o
}

// OrderUpdate carries whichever lifecycle fields one exchange event provides.
// Nil/zero fields are "not present in this event": the tracker applies only
// what is set. Executed amounts are deltas and accumulate on the order.
type OrderUpdate struct {
	ClientOrderID      string
	ExchangeOrderID    string
	TradeID            string // dedupe key for fill events; empty for pure state changes
	NewState           *OrderState
	ExecutedDeltaBase  decimal.Decimal
	ExecutedDeltaQuote decimal.Decimal
	FeeDelta           decimal.Decimal
	FeeAsset           string
	Timestamp          float64
}

// OrderRecord is the durable serialization of an InFlightOrder. The
// round-trip InFlightOrder -> OrderRecord -> InFlightOrder is lossless for
// every field.
type OrderRecord struct {
	ClientOrderID       string    `json:"client_order_id"`
	ExchangeOrderID     string    `json:"exchange_order_id"`
	Exchange            string    `json:"exchange"`
	TradingPair         string    `json:"trading_pair"`
	Side                string    `json:"side"`
	OrderType           string    `json:"order_type"`
	Price               string    `json:"price"`
	Amount              string    `json:"amount"`
	ExecutedAmountBase  string    `json:"executed_amount_base"`
	ExecutedAmountQuote string    `json:"executed_amount_quote"`
	FeeAsset            string    `json:"fee_asset"`
	FeePaid             string    `json:"fee_paid"`
	State               string    `json:"state"`
	CreatedAt           time.Time `json:"created_at"`
}

// Record converts the order to its durable form. Decimals serialize as exact
// strings so nothing is lost to binary floating point.
func (o *InFlightOrder) Record() OrderRecord {
	return OrderRecord{
		ClientOrderID:       o.ClientOrderID,
		ExchangeOrderID:     o.ExchangeOrderID,
		Exchange:            o.Exchange,
		TradingPair:         o.TradingPair,
		Side:                string(o.Side),
		OrderType:           string(o.OrderType),
		Price:               o.Price.String(),
		Amount:              o.Amount.String(),
		ExecutedAmountBase:  o.ExecutedAmountBase.String(),
		ExecutedAmountQuote: o.ExecutedAmountQuote.String(),
		FeeAsset:            o.FeeAsset,
		FeePaid:             o.FeePaid.String(),
		State:               string(o.State),
		CreatedAt:           o.CreatedAt,
	}
}

// OrderFromRecord rebuilds an in-memory order from its durable form.
func OrderFromRecord(r OrderRecord) (InFlightOrder, error) {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return InFlightOrder{}, err
	}
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return InFlightOrder{}, err
	}
	execBase, err := decimal.NewFromString(r.ExecutedAmountBase)
	if err != nil {
		return InFlightOrder{}, err
	}
	execQuote, err := decimal.NewFromString(r.ExecutedAmountQuote)
	if err != nil {
		return InFlightOrder{}, err
	}
	feePaid, err := decimal.NewFromString(r.FeePaid)
	if err != nil {
		return InFlightOrder{}, err
	}
	return InFlightOrder{
		ClientOrderID:       r.ClientOrderID,
		ExchangeOrderID:     r.ExchangeOrderID,
		Exchange:            r.Exchange,
		TradingPair:         r.TradingPair,
		Side:                Side(r.Side),
		OrderType:           OrderType(r.OrderType),
		Price:               price,
		Amount:              amount,
		ExecutedAmountBase:  execBase,
		ExecutedAmountQuote: execQuote,
		FeeAsset:            r.FeeAsset,
		FeePaid:             feePaid,
		State:               OrderState(r.State),
		CreatedAt:           r.CreatedAt,
	}, nil
}
