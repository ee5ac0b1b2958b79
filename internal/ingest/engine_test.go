package ingest

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/aggr/internal/broadcast"
	"github.com/adred-codev/aggr/internal/persistence"
	"github.com/adred-codev/aggr/internal/registry"
	"github.com/adred-codev/aggr/internal/types"
)

func trade(exchange, pair string, ts int64) types.Trade {
	return types.Trade{Exchange: exchange, Pair: pair, Timestamp: ts, Price: 100, Size: 1, Side: types.Buy}
}

func TestOnlyRegisteredFeedsReachTheChunk(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	require.NoError(t, reg.Register("X", "BTC", "api-1", 1000))

	chunk := persistence.NewChunk()
	e := New(zerolog.Nop(), reg, chunk, nil)

	e.OnTrades("X", []types.Trade{
		trade("X", "BTC", 1000),
		trade("X", "ETH", 1001),
	})

	assert.Equal(t, 1, chunk.Len())

	entry, ok := reg.Lookup("X:BTC")
	require.True(t, ok)
	assert.Equal(t, int64(1), entry.Hit)
}

func TestUnregisteredBatchLeavesChunkEmpty(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	chunk := persistence.NewChunk()
	e := New(zerolog.Nop(), reg, chunk, nil)

	e.OnTrades("X", []types.Trade{trade("X", "BTC", 1000)})

	assert.Equal(t, 0, chunk.Len())
}

func TestLiquidationsFollowTheSamePath(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	require.NoError(t, reg.Register("X", "BTC", "api-1", 1000))

	chunk := persistence.NewChunk()
	e := New(zerolog.Nop(), reg, chunk, nil)

	liq := trade("X", "BTC", 1000)
	liq.Liquidation = true
	liq.Side = types.Sell
	e.OnLiquidations("X", []types.Trade{liq})

	assert.Equal(t, 1, chunk.Len())
}

func TestConnectedAndDisconnectedMutateRegistry(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	e := New(zerolog.Nop(), reg, nil, nil)

	e.OnConnected("X", "BTC", "api-1")
	assert.Equal(t, 1, reg.Count())

	e.OnDisconnected("X", "BTC", "api-1")
	assert.Equal(t, 0, reg.Count())
}

func TestOnIndexRecordsProducts(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	e := New(zerolog.Nop(), reg, nil, nil)

	e.OnIndex("X", []string{"BTC", "ETH"})

	products := reg.Products()
	require.Contains(t, products, "X:BTC")
	require.Contains(t, products, "X:ETH")
}

type captureClient struct {
	id    int64
	pairs []string

	mu     sync.Mutex
	frames int
}

func (c *captureClient) ID() int64       { return c.id }
func (c *captureClient) Pairs() []string { return c.pairs }
func (c *captureClient) Kick(string)     {}

func (c *captureClient) TrySend(_ []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames++
	return true
}

func (c *captureClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

func TestImmediateModeHandsBatchToDispatcherSynchronously(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	require.NoError(t, reg.Register("X", "BTC", "api-1", 1000))

	d := broadcast.New(zerolog.Nop(), broadcast.ModeImmediate, 0, nil)
	client := &captureClient{id: 1, pairs: []string{"X:BTC"}}
	d.Register(client)

	e := New(zerolog.Nop(), reg, nil, d)
	e.OnTrades("X", []types.Trade{trade("X", "BTC", 1000)})

	assert.Equal(t, 1, client.count())
}
