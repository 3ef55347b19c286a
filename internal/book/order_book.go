// Package book holds the canonical in-memory order book and the tracker that
// keeps it consistent with a live exchange diff stream.
package book

import (
	"sync"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/vantagebot/tradesync/internal/domain"
)

// Level is one aggregated (price, resting amount) entry on a book side.
type Level struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// VolumeQuote is the result of walking one book side for a target volume.
type VolumeQuote struct {
	// AveragePrice is the volume-weighted price over the levels consumed.
	AveragePrice decimal.Decimal `json:"average_price"`
	// LastPrice is the price of the deepest level touched.
	LastPrice decimal.Decimal `json:"last_price"`
	// FilledAmount is the volume actually available, <= the requested volume.
	FilledAmount decimal.Decimal `json:"filled_amount"`
	// FullFill is false when the side held less liquidity than requested.
	FullFill bool `json:"full_fill"`
}

// OrderBook is the mutable book for one trading pair on one exchange. It has
// a single writer (its tracker); readers receive copies and never observe a
// partially-applied update.
type OrderBook struct {
	exchange    string
	tradingPair string

	mu                  sync.RWMutex
	bids                *btree.BTreeG[Level] // ordered best-first (descending price)
	asks                *btree.BTreeG[Level] // ordered best-first (ascending price)
	lastAppliedUpdateID uint64
	lastTimestamp       float64
	ready               bool
}

func bidLess(a, b Level) bool { return a.Price.GreaterThan(b.Price) }
func askLess(a, b Level) bool { return a.Price.LessThan(b.Price) }

// NewOrderBook creates an empty, not-ready book.
func NewOrderBook(exchange, tradingPair string) *OrderBook {
	return &OrderBook{
		exchange:    exchange,
		tradingPair: tradingPair,
		bids:        btree.NewBTreeG(bidLess),
		asks:        btree.NewBTreeG(askLess),
	}
}

// Exchange returns the owning exchange name.
func (b *OrderBook) Exchange() string { return b.exchange }

// TradingPair returns the book's trading pair.
func (b *OrderBook) TradingPair() string { return b.tradingPair }

// ApplySnapshot replaces both sides wholesale. The new sides are built off to
// the side and swapped in under the write lock, so readers see either the old
// book or the new one, never a half-built state.
func (b *OrderBook) ApplySnapshot(bids, asks []domain.PriceLevelRow, updateID uint64, timestamp float64) {
	newBids := btree.NewBTreeG(bidLess)
	for _, row := range bids {
		if row.Amount.IsZero() {
			continue
		}
		newBids.Set(Level{Price: row.Price, Amount: row.Amount})
	}
	newAsks := btree.NewBTreeG(askLess)
	for _, row := range asks {
		if row.Amount.IsZero() {
			continue
		}
		newAsks.Set(Level{Price: row.Price, Amount: row.Amount})
	}

	b.mu.Lock()
	b.bids = newBids
	b.asks = newAsks
	b.lastAppliedUpdateID = updateID
	b.lastTimestamp = timestamp
	b.ready = true
	b.mu.Unlock()
}

// ApplyDiff upserts or removes the given rows. A zero amount removes the
// level. A price moving to the other side of the book evicts its old entry,
// so the later update's side wins.
func (b *OrderBook) ApplyDiff(bids, asks []domain.PriceLevelRow, updateID uint64, timestamp float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, row := range bids {
		b.asks.Delete(Level{Price: row.Price})
		if row.Amount.IsZero() {
			b.bids.Delete(Level{Price: row.Price})
			continue
		}
		b.bids.Set(Level{Price: row.Price, Amount: row.Amount})
	}
	for _, row := range asks {
		b.bids.Delete(Level{Price: row.Price})
		if row.Amount.IsZero() {
			b.asks.Delete(Level{Price: row.Price})
			continue
		}
		b.asks.Set(Level{Price: row.Price, Amount: row.Amount})
	}

	if updateID > b.lastAppliedUpdateID {
		b.lastAppliedUpdateID = updateID
	}
	b.lastTimestamp = timestamp
}

// LastAppliedUpdateID returns the id of the newest applied message.
func (b *OrderBook) LastAppliedUpdateID() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastAppliedUpdateID
}

// IsReady reports whether at least one snapshot has been applied.
func (b *OrderBook) IsReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

// BestBid returns the highest bid level, if any.
func (b *OrderBook) BestBid() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Min()
}

// BestAsk returns the lowest ask level, if any.
func (b *OrderBook) BestAsk() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.asks.Min()
}

// MidPrice returns (bestBid+bestAsk)/2 when both sides have depth.
func (b *OrderBook) MidPrice() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bid, okB := b.bids.Min()
	ask, okA := b.asks.Min()
	if !okB || !okA {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// Spread returns bestAsk-bestBid when both sides have depth. The result is
// negative for a crossed book; crossed books are tolerated here.
func (b *OrderBook) Spread() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bid, okB := b.bids.Min()
	ask, okA := b.asks.Min()
	if !okB || !okA {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

// GetPriceForVolume walks levels from the best price outward until volume is
// accumulated. A SELL consumes bids, a BUY consumes asks. When the side holds
// less than the requested volume the quote covers what is available and
// FullFill is false; this never fails.
func (b *OrderBook) GetPriceForVolume(side domain.Side, volume decimal.Decimal) VolumeQuote {
	b.mu.RLock()
	tree := b.asks
	if side == domain.SideSell {
		tree = b.bids
	}
	// Copy-on-write snapshot of the side; the walk below runs lock-free.
	snap := tree.Copy()
	b.mu.RUnlock()

	quote := VolumeQuote{}
	remaining := volume
	notional := decimal.Zero

	snap.Scan(func(lvl Level) bool {
		take := decimal.Min(remaining, lvl.Amount)
		notional = notional.Add(lvl.Price.Mul(take))
		quote.FilledAmount = quote.FilledAmount.Add(take)
		quote.LastPrice = lvl.Price
		remaining = remaining.Sub(take)
		return remaining.IsPositive()
	})

	if !quote.FilledAmount.IsZero() {
		quote.AveragePrice = notional.Div(quote.FilledAmount)
	}
	quote.FullFill = quote.FilledAmount.Equal(volume)
	return quote
}

// SnapshotLevels returns copies of both sides, best-first, truncated to depth
// levels per side (depth <= 0 means the whole side). The copies are immutable
// snapshots; later writes do not touch them.
func (b *OrderBook) SnapshotLevels(depth int) (bids, asks []Level) {
	b.mu.RLock()
	bidSnap := b.bids.Copy()
	askSnap := b.asks.Copy()
	b.mu.RUnlock()

	collect := func(tree *btree.BTreeG[Level]) []Level {
		out := make([]Level, 0, tree.Len())
		tree.Scan(func(lvl Level) bool {
			out = append(out, lvl)
			return depth <= 0 || len(out) < depth
		})
		return out
	}
	return collect(bidSnap), collect(askSnap)
}

// Top returns the publishable top-of-book view, false when either side is
// still empty.
func (b *OrderBook) Top() (domain.BookTop, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bid, okB := b.bids.Min()
	ask, okA := b.asks.Min()
	if !okB || !okA {
		return domain.BookTop{}, false
	}
	two := decimal.NewFromInt(2)
	return domain.BookTop{
		Exchange:    b.exchange,
		TradingPair: b.tradingPair,
		BestBid:     bid.Price,
		BestAsk:     ask.Price,
		MidPrice:    bid.Price.Add(ask.Price).Div(two),
		Spread:      ask.Price.Sub(bid.Price),
		UpdateID:    b.lastAppliedUpdateID,
		Timestamp:   b.lastTimestamp,
	}, true
}
