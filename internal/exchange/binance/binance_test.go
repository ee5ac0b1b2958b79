package binance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/aggr/internal/types"
)

func TestParseTradeEvent(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","E":1700000000100,"s":"BTCUSDT","t":12345,"p":"50123.45","q":"0.25","T":1700000000095,"m":false}}`)

	trade, kind, err := parseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, kindTrade, kind)
	assert.Equal(t, "BINANCE", trade.Exchange)
	assert.Equal(t, "btcusdt", trade.Pair)
	assert.Equal(t, int64(1700000000095), trade.Timestamp)
	assert.Equal(t, 50123.45, trade.Price)
	assert.Equal(t, 0.25, trade.Size)
	assert.Equal(t, types.Buy, trade.Side)
	assert.False(t, trade.Liquidation)
}

func TestParseTradeBuyerMakerIsSell(t *testing.T) {
	raw := []byte(`{"stream":"ethusdt@trade","data":{"s":"ETHUSDT","p":"3000","q":"1","T":1700000000000,"m":true}}`)

	trade, kind, err := parseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, kindTrade, kind)
	assert.Equal(t, types.Sell, trade.Side)
}

func TestParseForceOrderEvent(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@forceOrder","data":{"e":"forceOrder","o":{"s":"BTCUSDT","S":"SELL","p":"49000","ap":"48950.5","z":"0.014","T":1700000000200}}}`)

	trade, kind, err := parseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, kindLiquidation, kind)
	assert.Equal(t, "btcusdt", trade.Pair)
	assert.Equal(t, 48950.5, trade.Price, "average fill price wins over order price")
	assert.Equal(t, 0.014, trade.Size)
	assert.Equal(t, types.Sell, trade.Side)
	assert.True(t, trade.Liquidation)
	assert.Equal(t, int64(1700000000200), trade.Timestamp)
}

func TestParseSubscriptionAckIsIgnored(t *testing.T) {
	raw := []byte(`{"result":null,"id":1}`)

	_, kind, err := parseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, kindNone, kind)
}

func TestParseUnknownStreamIsIgnored(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@depth","data":{"bids":[],"asks":[]}}`)

	_, kind, err := parseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, kindNone, kind)
}

func TestNormalizePairs(t *testing.T) {
	out := normalizePairs([]string{" BTCUSDT ", "ethusdt", "BTCUSDT", "", "SOLUSDT"})
	assert.Equal(t, []string{"btcusdt", "ethusdt", "solusdt"}, out)
}

func TestStreamNames(t *testing.T) {
	assert.Equal(t, []string{"btcusdt@trade", "btcusdt@forceOrder"}, streamNames("btcusdt"))
}
