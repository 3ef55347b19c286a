// Package adapter translates raw exchange market-data payloads into the
// canonical bid/ask row shape. Each exchange dialect gets its own
// implementation; everything downstream of this package sees only
// domain.BookSnapshot and domain.BookDiff.
package adapter

import (
	"sort"

	"github.com/vantagebot/tradesync/internal/domain"
)

// ActiveOrderTracker converts one exchange's wire payloads into canonical
// rows. Implementations hold no cross-cycle state beyond the minimal
// aggregation table their feed granularity requires (order-granular feeds
// need a per-order table to answer "what is the level aggregate now").
//
// A malformed payload returns an error wrapping domain.ErrMalformedMessage
// and leaves any internal aggregation untouched.
type ActiveOrderTracker interface {
	// Exchange names the dialect, e.g. "binance".
	Exchange() string

	// ApplySnapshot rebuilds the aggregation from scratch and returns the
	// normalized full-book snapshot, bids descending and asks ascending.
	ApplySnapshot(tradingPair string, payload []byte) (*domain.BookSnapshot, error)

	// ApplyDiff normalizes one incremental message. For level-granular
	// feeds the row amounts replace level aggregates; for order-granular
	// feeds the adapter folds the per-order change into its price level
	// and re-emits the new aggregate, zero when the level empties.
	ApplyDiff(tradingPair string, payload []byte) (*domain.BookDiff, error)
}

// sortRows orders bids descending and asks ascending by price, in place.
func sortRows(bids, asks []domain.PriceLevelRow) {
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })
}
