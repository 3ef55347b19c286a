package bitfinex

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagebot/tradesync/internal/domain"
)

func TestSymbol(t *testing.T) {
	assert.Equal(t, "tBTCUSD", Symbol("BTC-USD"))
	assert.Equal(t, "tETHUSDT", Symbol("eth-usdt"))
}

func TestOrderStateFromStatus(t *testing.T) {
	cases := []struct {
		status string
		want   domain.OrderState
		ok     bool
	}{
		{"ACTIVE", domain.OrderStateOpen, true},
		{"PARTIALLY FILLED @ 100.0(0.5)", domain.OrderStatePartiallyFilled, true},
		{"EXECUTED @ 100.0(1.0)", domain.OrderStateFilled, true},
		{"CANCELED", domain.OrderStateCanceled, true},
		{"POSTONLY CANCELED", "", false},
	}
	for _, tc := range cases {
		got, ok := orderStateFromStatus(tc.status)
		assert.Equal(t, tc.ok, ok, tc.status)
		if tc.ok {
			assert.Equal(t, tc.want, got, tc.status)
		}
	}
}

func TestParseAccountFrameOrderClose(t *testing.T) {
	frame := []byte(`[0,"oc",[449411234,null,77,"tBTCUSD",1736700000000,1736700050000,` +
		`0,0.5,"EXCHANGE LIMIT",null,null,null,0,"EXECUTED @ 30000.0(0.5)",null,null,` +
		`30000,30000,0,0,null,null,null,0,0,null,null,null,"API>BFX",null,null,null]]`)

	upd, ok, err := parseAccountFrame(frame)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "449411234", upd.ExchangeOrderID)
	assert.Equal(t, "77", upd.ClientOrderID)
	require.NotNil(t, upd.NewState)
	assert.Equal(t, domain.OrderStateFilled, *upd.NewState)
	assert.True(t, upd.ExecutedDeltaBase.IsZero())
	assert.InDelta(t, 1736700050.0, upd.Timestamp, 0.001)
}

func TestParseAccountFrameTradeExecution(t *testing.T) {
	frame := []byte(`[0,"tu",[401597395,"tBTCUSD",1736700000123,449411234,` +
		`-0.25,30000,"EXCHANGE LIMIT",30000,-1,-1.5,"USD"]]`)

	upd, ok, err := parseAccountFrame(frame)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "449411234", upd.ExchangeOrderID)
	assert.Equal(t, "401597395", upd.TradeID)
	assert.Nil(t, upd.NewState)
	assert.True(t, upd.ExecutedDeltaBase.Equal(decimal.RequireFromString("0.25")))
	assert.True(t, upd.ExecutedDeltaQuote.Equal(decimal.RequireFromString("7500")))
	assert.True(t, upd.FeeDelta.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, "USD", upd.FeeAsset)
}

func TestParseAccountFrameIgnoresOtherChannels(t *testing.T) {
	for _, frame := range []string{
		`[0,"hb"]`,
		`[0,"wu",[ "exchange","USD",100,0,null ]]`,
		`[0,"te",[401597395,"tBTCUSD",1736700000123,449411234,-0.25,30000,null,null,-1,null,null]]`,
	} {
		_, ok, err := parseAccountFrame([]byte(frame))
		assert.NoError(t, err, frame)
		assert.False(t, ok, frame)
	}
}
