// Package binance implements the Binance market-data and user-stream
// clients. Payload translation to canonical rows happens in
// internal/adapter; this package only moves wire bytes and maps account
// endpoints.
package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vantagebot/tradesync/internal/domain"
)

// Symbol converts a canonical "BASE-QUOTE" pair to Binance's concatenated
// symbol ("BTC-USDT" -> "BTCUSDT").
func Symbol(tradingPair string) string {
	return strings.ToUpper(strings.ReplaceAll(tradingPair, "-", ""))
}

// StreamName returns the combined-stream name for a pair's depth diff feed.
func StreamName(tradingPair string) string {
	return strings.ToLower(Symbol(tradingPair)) + "@depth@100ms"
}

// streamEnvelope wraps every combined-stream message.
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// executionReport is the user-stream order event.
type executionReport struct {
	EventType        string `json:"e"`
	EventTime        int64  `json:"E"`
	Symbol           string `json:"s"`
	ClientOrderID    string `json:"c"`
	OrigClientID     string `json:"C"` // set on cancels; "c" then holds the cancel id
	Side             string `json:"S"`
	OrderType        string `json:"o"`
	ExecType         string `json:"x"`
	OrderStatus      string `json:"X"`
	OrderID          int64  `json:"i"`
	LastExecutedQty  string `json:"l"`
	LastExecutedPx   string `json:"L"`
	CumulativeQty    string `json:"z"`
	CumulativeQuote  string `json:"Z"`
	LastQuoteQty     string `json:"Y"`
	CommissionAmount string `json:"n"`
	CommissionAsset  string `json:"N"`
	TradeID          int64  `json:"t"`
}

// openOrder is one entry of GET /api/v3/openOrders.
type openOrder struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
}

// accountTrade is one entry of GET /api/v3/myTrades.
type accountTrade struct {
	Symbol          string `json:"symbol"`
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
}

// orderUpdate maps an executionReport onto the canonical update shape.
// Cancels report the original order's id in "C" rather than "c".
func (r executionReport) orderUpdate() (domain.OrderUpdate, error) {
	clientID := r.ClientOrderID
	if r.OrigClientID != "" {
		clientID = r.OrigClientID
	}

	upd := domain.OrderUpdate{
		ClientOrderID:   clientID,
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		FeeAsset:        r.CommissionAsset,
		Timestamp:       float64(r.EventTime) / 1e3,
	}
	if state, ok := orderStateFromStatus(r.OrderStatus); ok {
		upd.NewState = &state
	}

	if r.ExecType == "TRADE" {
		upd.TradeID = strconv.FormatInt(r.TradeID, 10)
		var err error
		if upd.ExecutedDeltaBase, err = decimal.NewFromString(r.LastExecutedQty); err != nil {
			return domain.OrderUpdate{}, fmt.Errorf("binance: executionReport qty %q: %w", r.LastExecutedQty, domain.ErrMalformedMessage)
		}
		if upd.ExecutedDeltaQuote, err = decimal.NewFromString(r.LastQuoteQty); err != nil {
			return domain.OrderUpdate{}, fmt.Errorf("binance: executionReport quote qty %q: %w", r.LastQuoteQty, domain.ErrMalformedMessage)
		}
		if r.CommissionAmount != "" {
			if upd.FeeDelta, err = decimal.NewFromString(r.CommissionAmount); err != nil {
				return domain.OrderUpdate{}, fmt.Errorf("binance: executionReport commission %q: %w", r.CommissionAmount, domain.ErrMalformedMessage)
			}
		}
	}
	return upd, nil
}

// orderStateFromStatus maps Binance order statuses onto the engine FSM.
func orderStateFromStatus(status string) (domain.OrderState, bool) {
	switch status {
	case "NEW":
		return domain.OrderStateOpen, true
	case "PARTIALLY_FILLED":
		return domain.OrderStatePartiallyFilled, true
	case "FILLED":
		return domain.OrderStateFilled, true
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.OrderStateCanceled, true
	case "REJECTED":
		return domain.OrderStateFailed, true
	default:
		return "", false
	}
}
