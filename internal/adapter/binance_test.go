package adapter

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

func TestBinanceSnapshot(t *testing.T) {
	a := NewBinanceAdapter()
	payload := []byte(`{
		"lastUpdateId": 1027024,
		"bids": [["4.00000000", "431.0"], ["4.10000000", "12.0"]],
		"asks": [["4.20000200", "12.0"], ["4.15000000", "3.0"]]
	}`)

	snap, err := a.ApplySnapshot("BTC-USDT", payload)
	require.NoError(t, err)

	assert.Equal(t, "binance", snap.Exchange)
	assert.Equal(t, "BTC-USDT", snap.TradingPair)
	assert.Equal(t, uint64(1027024), snap.UpdateID)

	// Bids descending, asks ascending, regardless of wire order.
	require.Len(t, snap.Bids, 2)
	assert.True(t, snap.Bids[0].Price.Equal(d("4.1")))
	assert.True(t, snap.Bids[1].Price.Equal(d("4")))
	require.Len(t, snap.Asks, 2)
	assert.True(t, snap.Asks[0].Price.Equal(d("4.15")))
	assert.True(t, snap.Asks[1].Price.Equal(d("4.200002")))
}

func TestBinanceDiff(t *testing.T) {
	a := NewBinanceAdapter()
	payload := []byte(`{
		"e": "depthUpdate", "E": 1672515782136, "s": "BTCUSDT",
		"U": 157, "u": 160,
		"b": [["0.0024", "10"]],
		"a": [["0.0026", "0"]]
	}`)

	diff, err := a.ApplyDiff("BTC-USDT", payload)
	require.NoError(t, err)

	assert.Equal(t, uint64(160), diff.UpdateID)
	assert.Equal(t, uint64(157), diff.FirstUpdateID)
	assert.Equal(t, uint64(160), diff.FinalUpdateID)
	assert.InDelta(t, 1672515782.136, diff.Timestamp, 0.001)

	require.Len(t, diff.Bids, 1)
	assert.True(t, diff.Bids[0].Amount.Equal(d("10")))
	require.Len(t, diff.Asks, 1)
	assert.True(t, diff.Asks[0].Amount.IsZero(), "zero quantity must pass through as a removal row")
}

func TestBinanceMalformedPayloads(t *testing.T) {
	a := NewBinanceAdapter()

	cases := map[string][]byte{
		"not json":          []byte(`{`),
		"missing update id": []byte(`{"bids": [], "asks": []}`),
		"short level":       []byte(`{"lastUpdateId": 1, "bids": [["4.0"]], "asks": []}`),
		"bad price":         []byte(`{"lastUpdateId": 1, "bids": [["abc", "1"]], "asks": []}`),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := a.ApplySnapshot("BTC-USDT", payload)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrMalformedMessage)
		})
	}

	_, err := a.ApplyDiff("BTC-USDT", []byte(`{"e": "depthUpdate", "b": [], "a": []}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)
}
