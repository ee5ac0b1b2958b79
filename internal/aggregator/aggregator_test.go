package aggregator

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/aggr/internal/types"
)

func trade(pair string, ts int64, side types.Side, price, size float64) types.Trade {
	return types.Trade{
		Exchange:  "X",
		Pair:      pair,
		Timestamp: ts,
		Side:      side,
		Price:     price,
		Size:      size,
	}
}

func TestVolumeWeightedMerge(t *testing.T) {
	a := New(zerolog.Nop())

	// Two fills on the same millisecond and side.
	a.Ingest(trade("BTC", 1000, types.Buy, 100, 2), 1000)
	a.Ingest(trade("BTC", 1000, types.Buy, 110, 3), 1010)
	assert.Equal(t, 1, a.OpenCount())
	assert.Equal(t, 0, a.PendingCount())

	// 60ms later the sweep seals it.
	a.Sweep(1060)
	assert.Equal(t, 0, a.OpenCount())

	out := a.Drain()
	require.Len(t, out, 1)
	assert.Equal(t, 5.0, out[0].Size)
	assert.Equal(t, 106.0, out[0].Price) // (100*2 + 110*3) / 5
	assert.Equal(t, int64(1000), out[0].Timestamp)
	assert.Equal(t, types.Buy, out[0].Side)
}

func TestWeightedPriceGeneral(t *testing.T) {
	a := New(zerolog.Nop())

	fills := []struct{ price, size float64 }{
		{100, 1}, {101, 0.5}, {99.5, 2.25}, {100.75, 4},
	}
	var pv, vol float64
	for _, f := range fills {
		a.Ingest(trade("ETH", 42, types.Sell, f.price, f.size), 42)
		pv += f.price * f.size
		vol += f.size
	}

	a.Sweep(100)
	out := a.Drain()
	require.Len(t, out, 1)
	assert.InDelta(t, pv/vol, out[0].Price, 1e-12)
	assert.InDelta(t, vol, out[0].Size, 1e-12)
}

func TestDisplacementSeals(t *testing.T) {
	a := New(zerolog.Nop())

	a.Ingest(trade("BTC", 1000, types.Buy, 100, 1), 1000)
	a.Ingest(trade("BTC", 1000, types.Sell, 100, 1), 1001)

	// First composite sealed immediately, second still open.
	out := a.Drain()
	require.Len(t, out, 1)
	assert.Equal(t, 100.0, out[0].Price)
	assert.Equal(t, 1.0, out[0].Size)
	assert.Equal(t, types.Buy, out[0].Side)
	assert.Equal(t, 1, a.OpenCount())
}

func TestDisplacementOnTimestampChange(t *testing.T) {
	a := New(zerolog.Nop())

	a.Ingest(trade("BTC", 1000, types.Buy, 100, 1), 1000)
	a.Ingest(trade("BTC", 1001, types.Buy, 200, 1), 1001)

	out := a.Drain()
	require.Len(t, out, 1)
	assert.Equal(t, int64(1000), out[0].Timestamp)
	assert.Equal(t, 1, a.OpenCount())
}

func TestMergeDoesNotRefreshTimeout(t *testing.T) {
	a := New(zerolog.Nop())

	a.Ingest(trade("BTC", 1000, types.Buy, 100, 1), 1000) // deadline 1050
	a.Ingest(trade("BTC", 1000, types.Buy, 100, 1), 1040) // merge, deadline unchanged

	a.Sweep(1049)
	assert.Equal(t, 1, a.OpenCount(), "deadline not reached yet")

	a.Sweep(1051)
	assert.Equal(t, 0, a.OpenCount(), "sealed 50ms after the first trade")
	assert.Equal(t, 1, a.PendingCount())
}

func TestKeysAggregateIndependently(t *testing.T) {
	a := New(zerolog.Nop())

	a.Ingest(trade("BTC", 1000, types.Buy, 100, 1), 1000)
	a.Ingest(trade("ETH", 1000, types.Buy, 10, 1), 1000)
	assert.Equal(t, 2, a.OpenCount())

	a.Sweep(2000)
	out := a.Drain()
	assert.Len(t, out, 2)
	assert.Equal(t, 0, a.PendingCount(), "drain resets the sealed queue")
}

func TestLiquidationFlagSurvivesMerge(t *testing.T) {
	a := New(zerolog.Nop())

	first := trade("BTC", 1000, types.Sell, 100, 2)
	first.Liquidation = true
	a.Ingest(first, 1000)
	a.Ingest(trade("BTC", 1000, types.Sell, 100, 1), 1005)

	a.Sweep(1100)
	out := a.Drain()
	require.Len(t, out, 1)
	assert.True(t, out[0].Liquidation)
	assert.Equal(t, 3.0, out[0].Size)
}
