// Package bitfinex implements the Bitfinex market-data and account clients.
// The public feed is the raw (R0) order-granular book with connection-wide
// sequence numbers; payload translation happens in internal/adapter.
package bitfinex

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vantagebot/tradesync/internal/domain"
)

// Symbol converts a canonical "BASE-QUOTE" pair to Bitfinex's trading symbol
// ("BTC-USD" -> "tBTCUSD").
func Symbol(tradingPair string) string {
	return "t" + strings.ToUpper(strings.ReplaceAll(tradingPair, "-", ""))
}

// seqAllFlag enables per-connection sequence numbers on every data frame.
const seqAllFlag = 65536

// wsEvent is any '{'-framed control message on the public or auth socket.
type wsEvent struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	ChanID  int64  `json:"chanId"`
	Symbol  string `json:"symbol"`
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
	Status  string `json:"status"`
	UserID  int64  `json:"userId"`
	Version int    `json:"version"`
}

// orderStateFromStatus maps Bitfinex order STATUS strings ("ACTIVE",
// "EXECUTED @ ...", "PARTIALLY FILLED @ ...", "CANCELED", ...) onto the
// engine FSM.
func orderStateFromStatus(status string) (domain.OrderState, bool) {
	switch {
	case strings.HasPrefix(status, "ACTIVE"):
		return domain.OrderStateOpen, true
	case strings.HasPrefix(status, "PARTIALLY FILLED"):
		return domain.OrderStatePartiallyFilled, true
	case strings.HasPrefix(status, "EXECUTED"):
		return domain.OrderStateFilled, true
	case strings.HasPrefix(status, "CANCELED"), strings.HasPrefix(status, "INSUFFICIENT"):
		return domain.OrderStateCanceled, true
	case strings.HasPrefix(status, "RSN_"):
		return domain.OrderStateFailed, true
	default:
		return "", false
	}
}

// Authenticated order array field offsets (v2 "on"/"ou"/"oc" payloads).
const (
	orderFieldID        = 0
	orderFieldCID       = 2
	orderFieldMTSUpdate = 5
	orderFieldStatus    = 13
)

// orderUpdateFromOrderArray maps an order lifecycle array to a canonical
// update. Fill amounts arrive separately on "tu" trade events; order events
// carry only identity and state.
func orderUpdateFromOrderArray(fields []json.RawMessage) (domain.OrderUpdate, error) {
	if len(fields) <= orderFieldStatus {
		return domain.OrderUpdate{}, fmt.Errorf("bitfinex: short order array: %w", domain.ErrMalformedMessage)
	}

	var id int64
	if err := json.Unmarshal(fields[orderFieldID], &id); err != nil {
		return domain.OrderUpdate{}, fmt.Errorf("bitfinex: order id: %w", domain.ErrMalformedMessage)
	}
	var cid int64
	if err := json.Unmarshal(fields[orderFieldCID], &cid); err != nil {
		return domain.OrderUpdate{}, fmt.Errorf("bitfinex: order cid: %w", domain.ErrMalformedMessage)
	}
	var mts int64
	if err := json.Unmarshal(fields[orderFieldMTSUpdate], &mts); err != nil {
		return domain.OrderUpdate{}, fmt.Errorf("bitfinex: order timestamp: %w", domain.ErrMalformedMessage)
	}
	var status string
	if err := json.Unmarshal(fields[orderFieldStatus], &status); err != nil {
		return domain.OrderUpdate{}, fmt.Errorf("bitfinex: order status: %w", domain.ErrMalformedMessage)
	}

	upd := domain.OrderUpdate{
		ExchangeOrderID: strconv.FormatInt(id, 10),
		Timestamp:       float64(mts) / 1e3,
	}
	if cid != 0 {
		upd.ClientOrderID = strconv.FormatInt(cid, 10)
	}
	if state, ok := orderStateFromStatus(status); ok {
		upd.NewState = &state
	}
	return upd, nil
}

// Trade execution update field offsets (v2 "tu" payloads).
const (
	tradeFieldID      = 0
	tradeFieldMTS     = 2
	tradeFieldOrderID = 3
	tradeFieldAmount  = 4
	tradeFieldPrice   = 5
	tradeFieldFee     = 9
	tradeFieldFeeCur  = 10
)

// orderUpdateFromTradeArray maps a trade execution array to a fill update.
func orderUpdateFromTradeArray(fields []json.RawMessage) (domain.OrderUpdate, error) {
	if len(fields) <= tradeFieldFeeCur {
		return domain.OrderUpdate{}, fmt.Errorf("bitfinex: short trade array: %w", domain.ErrMalformedMessage)
	}

	var tradeID, orderID, mts int64
	if err := json.Unmarshal(fields[tradeFieldID], &tradeID); err != nil {
		return domain.OrderUpdate{}, fmt.Errorf("bitfinex: trade id: %w", domain.ErrMalformedMessage)
	}
	if err := json.Unmarshal(fields[tradeFieldOrderID], &orderID); err != nil {
		return domain.OrderUpdate{}, fmt.Errorf("bitfinex: trade order id: %w", domain.ErrMalformedMessage)
	}
	if err := json.Unmarshal(fields[tradeFieldMTS], &mts); err != nil {
		return domain.OrderUpdate{}, fmt.Errorf("bitfinex: trade timestamp: %w", domain.ErrMalformedMessage)
	}

	amount, err := decimalField(fields[tradeFieldAmount])
	if err != nil {
		return domain.OrderUpdate{}, fmt.Errorf("bitfinex: trade amount: %w", err)
	}
	price, err := decimalField(fields[tradeFieldPrice])
	if err != nil {
		return domain.OrderUpdate{}, fmt.Errorf("bitfinex: trade price: %w", err)
	}
	fee, err := decimalField(fields[tradeFieldFee])
	if err != nil {
		return domain.OrderUpdate{}, fmt.Errorf("bitfinex: trade fee: %w", err)
	}
	var feeCur string
	if err := json.Unmarshal(fields[tradeFieldFeeCur], &feeCur); err != nil {
		return domain.OrderUpdate{}, fmt.Errorf("bitfinex: trade fee currency: %w", domain.ErrMalformedMessage)
	}

	base := amount.Abs()
	return domain.OrderUpdate{
		ExchangeOrderID:    strconv.FormatInt(orderID, 10),
		TradeID:            strconv.FormatInt(tradeID, 10),
		ExecutedDeltaBase:  base,
		ExecutedDeltaQuote: base.Mul(price),
		FeeDelta:           fee.Abs(),
		FeeAsset:           feeCur,
		Timestamp:          float64(mts) / 1e3,
	}, nil
}

func decimalField(raw json.RawMessage) (decimal.Decimal, error) {
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return decimal.Decimal{}, domain.ErrMalformedMessage
	}
	v, err := decimal.NewFromString(num.String())
	if err != nil {
		return decimal.Decimal{}, domain.ErrMalformedMessage
	}
	return v, nil
}
