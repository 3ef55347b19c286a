package book

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagebot/tradesync/internal/domain"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func row(price, amount string, updateID uint64) domain.PriceLevelRow {
	return domain.PriceLevelRow{Price: d(price), Amount: d(amount), UpdateID: updateID}
}

func TestOrderBookSnapshotReplacesSides(t *testing.T) {
	b := NewOrderBook("binance", "BTC-USDT")
	assert.False(t, b.IsReady())

	b.ApplySnapshot(
		[]domain.PriceLevelRow{row("100", "1", 10), row("99", "2", 10)},
		[]domain.PriceLevelRow{row("101", "1", 10), row("102", "3", 10)},
		10, 1.0,
	)

	require.True(t, b.IsReady())
	assert.Equal(t, uint64(10), b.LastAppliedUpdateID())

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Price.Equal(d("100")))

	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.True(t, ask.Price.Equal(d("101")))

	// A later snapshot fully replaces both sides.
	b.ApplySnapshot(
		[]domain.PriceLevelRow{row("90", "1", 20)},
		[]domain.PriceLevelRow{row("91", "1", 20)},
		20, 2.0,
	)
	bids, asks := b.SnapshotLevels(0)
	require.Len(t, bids, 1)
	require.Len(t, asks, 1)
	assert.True(t, bids[0].Price.Equal(d("90")))
	assert.True(t, asks[0].Price.Equal(d("91")))
}

func TestOrderBookZeroAmountRemovesLevel(t *testing.T) {
	b := NewOrderBook("binance", "BTC-USDT")
	b.ApplySnapshot(
		[]domain.PriceLevelRow{row("100", "1", 1), row("99", "1", 1)},
		nil, 1, 0,
	)

	b.ApplyDiff([]domain.PriceLevelRow{row("100", "0", 2)}, nil, 2, 0)
	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Price.Equal(d("99")))

	// Removing an already-removed level is a no-op.
	b.ApplyDiff([]domain.PriceLevelRow{row("100", "0", 3)}, nil, 3, 0)
	bids, _ := b.SnapshotLevels(0)
	require.Len(t, bids, 1)
	assert.True(t, bids[0].Price.Equal(d("99")))
}

func TestOrderBookLaterSideWinsOnSharedPrice(t *testing.T) {
	b := NewOrderBook("binance", "BTC-USDT")
	b.ApplySnapshot(
		[]domain.PriceLevelRow{row("100", "1", 1)},
		[]domain.PriceLevelRow{row("101", "1", 1)},
		1, 0,
	)

	// 100 shows up as an ask; the bid entry at 100 must be evicted.
	b.ApplyDiff(nil, []domain.PriceLevelRow{row("100", "2", 2)}, 2, 0)

	bids, asks := b.SnapshotLevels(0)
	assert.Empty(t, bids)
	require.Len(t, asks, 2)
	assert.True(t, asks[0].Price.Equal(d("100")))
}

func TestGetPriceForVolumeWeightedAverage(t *testing.T) {
	b := NewOrderBook("binance", "BTC-USDT")
	b.ApplySnapshot(
		[]domain.PriceLevelRow{row("100", "1", 1), row("99", "1", 1)},
		[]domain.PriceLevelRow{row("101", "1", 1)},
		1, 0,
	)

	q := b.GetPriceForVolume(domain.SideSell, d("1"))
	assert.True(t, q.FullFill)
	assert.True(t, q.AveragePrice.Equal(d("100")), "got %s", q.AveragePrice)
	assert.True(t, q.LastPrice.Equal(d("100")))

	q = b.GetPriceForVolume(domain.SideSell, d("2"))
	assert.True(t, q.FullFill)
	assert.True(t, q.AveragePrice.LessThan(d("100")), "avg %s", q.AveragePrice)
	assert.True(t, q.AveragePrice.GreaterThanOrEqual(d("99")), "avg %s", q.AveragePrice)
	assert.True(t, q.LastPrice.Equal(d("99")))
	assert.True(t, q.AveragePrice.Equal(d("99.5")))
}

func TestGetPriceForVolumeInsufficientLiquidity(t *testing.T) {
	b := NewOrderBook("binance", "BTC-USDT")
	b.ApplySnapshot(
		[]domain.PriceLevelRow{row("100", "0.5", 1)},
		nil, 1, 0,
	)

	q := b.GetPriceForVolume(domain.SideSell, d("2"))
	assert.False(t, q.FullFill)
	assert.True(t, q.FilledAmount.Equal(d("0.5")))
	assert.True(t, q.AveragePrice.Equal(d("100")))

	// An empty side still never fails.
	q = b.GetPriceForVolume(domain.SideBuy, d("1"))
	assert.False(t, q.FullFill)
	assert.True(t, q.FilledAmount.IsZero())
}

func TestOrderBookTopAndMid(t *testing.T) {
	b := NewOrderBook("binance", "ETH-USDT")
	_, ok := b.Top()
	assert.False(t, ok)

	b.ApplySnapshot(
		[]domain.PriceLevelRow{row("99", "1", 5)},
		[]domain.PriceLevelRow{row("101", "1", 5)},
		5, 42.0,
	)

	top, ok := b.Top()
	require.True(t, ok)
	assert.True(t, top.MidPrice.Equal(d("100")))
	assert.True(t, top.Spread.Equal(d("2")))
	assert.Equal(t, uint64(5), top.UpdateID)

	mid, ok := b.MidPrice()
	require.True(t, ok)
	assert.True(t, mid.Equal(d("100")))
}

func TestSnapshotLevelsAreCopies(t *testing.T) {
	b := NewOrderBook("binance", "BTC-USDT")
	b.ApplySnapshot(
		[]domain.PriceLevelRow{row("100", "1", 1)},
		[]domain.PriceLevelRow{row("101", "1", 1)},
		1, 0,
	)

	bids, _ := b.SnapshotLevels(0)
	b.ApplyDiff([]domain.PriceLevelRow{row("100", "0", 2)}, nil, 2, 0)

	// The earlier read is an immutable snapshot.
	require.Len(t, bids, 1)
	assert.True(t, bids[0].Amount.Equal(d("1")))
}
