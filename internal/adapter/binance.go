package adapter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vantagebot/tradesync/internal/domain"
)

// binanceDepthSnapshot is the REST depth payload: level-granular, sides as
// [price, quantity] string pairs.
type binanceDepthSnapshot struct {
	LastUpdateID *uint64    `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// binanceDepthUpdate is the ws depthUpdate event. "U"/"u" declare the range
// of book change ids batched into this message; "b"/"a" are the side
// selectors.
type binanceDepthUpdate struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID *uint64    `json:"U"`
	FinalUpdateID *uint64    `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// BinanceAdapter normalizes Binance's level-granular depth feed. The feed
// already carries level aggregates, so no per-order table is needed; the
// adapter is stateless across messages.
type BinanceAdapter struct{}

// NewBinanceAdapter creates the Binance dialect adapter.
func NewBinanceAdapter() *BinanceAdapter { return &BinanceAdapter{} }

func (a *BinanceAdapter) Exchange() string { return "binance" }

// ApplySnapshot parses the REST depth payload into a canonical snapshot.
func (a *BinanceAdapter) ApplySnapshot(tradingPair string, payload []byte) (*domain.BookSnapshot, error) {
	var raw binanceDepthSnapshot
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("binance snapshot: %w: %w", domain.ErrMalformedMessage, err)
	}
	if raw.LastUpdateID == nil {
		return nil, fmt.Errorf("binance snapshot: missing lastUpdateId: %w", domain.ErrMalformedMessage)
	}

	ts := nowSeconds()
	bids, err := parseBinanceLevels(raw.Bids, *raw.LastUpdateID, ts)
	if err != nil {
		return nil, fmt.Errorf("binance snapshot bids: %w", err)
	}
	asks, err := parseBinanceLevels(raw.Asks, *raw.LastUpdateID, ts)
	if err != nil {
		return nil, fmt.Errorf("binance snapshot asks: %w", err)
	}
	sortRows(bids, asks)

	return &domain.BookSnapshot{
		Exchange:    a.Exchange(),
		TradingPair: tradingPair,
		UpdateID:    *raw.LastUpdateID,
		Timestamp:   ts,
		Bids:        bids,
		Asks:        asks,
	}, nil
}

// ApplyDiff parses a depthUpdate event. Row amounts replace the level
// aggregate at their price; zero removes the level.
func (a *BinanceAdapter) ApplyDiff(tradingPair string, payload []byte) (*domain.BookDiff, error) {
	var raw binanceDepthUpdate
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("binance diff: %w: %w", domain.ErrMalformedMessage, err)
	}
	if raw.FirstUpdateID == nil || raw.FinalUpdateID == nil {
		return nil, fmt.Errorf("binance diff: missing update id range: %w", domain.ErrMalformedMessage)
	}

	ts := float64(raw.EventTime) / 1e3
	bids, err := parseBinanceLevels(raw.Bids, *raw.FinalUpdateID, ts)
	if err != nil {
		return nil, fmt.Errorf("binance diff bids: %w", err)
	}
	asks, err := parseBinanceLevels(raw.Asks, *raw.FinalUpdateID, ts)
	if err != nil {
		return nil, fmt.Errorf("binance diff asks: %w", err)
	}
	sortRows(bids, asks)

	return &domain.BookDiff{
		Exchange:      a.Exchange(),
		TradingPair:   tradingPair,
		UpdateID:      *raw.FinalUpdateID,
		FirstUpdateID: *raw.FirstUpdateID,
		FinalUpdateID: *raw.FinalUpdateID,
		Timestamp:     ts,
		Bids:          bids,
		Asks:          asks,
	}, nil
}

func parseBinanceLevels(levels [][]string, updateID uint64, ts float64) ([]domain.PriceLevelRow, error) {
	rows := make([]domain.PriceLevelRow, 0, len(levels))
	for _, lvl := range levels {
		if len(lvl) < 2 {
			return nil, fmt.Errorf("level needs [price, qty]: %w", domain.ErrMalformedMessage)
		}
		price, err := decimal.NewFromString(lvl[0])
		if err != nil {
			return nil, fmt.Errorf("bad price %q: %w", lvl[0], domain.ErrMalformedMessage)
		}
		amount, err := decimal.NewFromString(lvl[1])
		if err != nil {
			return nil, fmt.Errorf("bad quantity %q: %w", lvl[1], domain.ErrMalformedMessage)
		}
		rows = append(rows, domain.PriceLevelRow{
			Price:     price,
			Amount:    amount,
			UpdateID:  updateID,
			Timestamp: ts,
		})
	}
	return rows, nil
}

func nowSeconds() float64 {
	return float64(time.Now().UnixMilli()) / 1e3
}
