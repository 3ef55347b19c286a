package domain

import "github.com/shopspring/decimal"

// Side indicates which side of the book a row or a taker order belongs to.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PriceLevelRow is the canonical price-level representation emitted by every
// exchange adapter. Amount zero means "remove this level". Prices and amounts
// are exact decimals; float64 must never be used for either.
type PriceLevelRow struct {
	Price     decimal.Decimal
	Amount    decimal.Decimal
	UpdateID  uint64
	Timestamp float64
}

// BookSnapshot is a full replacement of both sides of an order book at a
// given update id, already normalized by an exchange adapter.
type BookSnapshot struct {
	Exchange    string
	TradingPair string
	UpdateID    uint64
	Timestamp   float64
	Bids        []PriceLevelRow
	Asks        []PriceLevelRow
}

// BookDiff is an incremental set of price-level changes since a previous
// update id. FirstUpdateID and FinalUpdateID carry the declared range for
// exchanges whose protocol batches several book changes into one message
// (FinalUpdateID == UpdateID for single-change feeds).
type BookDiff struct {
	Exchange      string
	TradingPair   string
	UpdateID      uint64
	FirstUpdateID uint64
	FinalUpdateID uint64
	Timestamp     float64
	Bids          []PriceLevelRow
	Asks          []PriceLevelRow
}

// BookTop bundles the best prices of one book for cache publication and
// strategy consumption.
type BookTop struct {
	Exchange    string          `json:"exchange"`
	TradingPair string          `json:"trading_pair"`
	BestBid     decimal.Decimal `json:"best_bid"`
	BestAsk     decimal.Decimal `json:"best_ask"`
	MidPrice    decimal.Decimal `json:"mid_price"`
	Spread      decimal.Decimal `json:"spread"`
	UpdateID    uint64          `json:"update_id"`
	Timestamp   float64         `json:"timestamp"`
}
