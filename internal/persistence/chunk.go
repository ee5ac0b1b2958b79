package persistence

import (
	"sync"

	"github.com/adred-codev/aggr/internal/monitoring"
	"github.com/adred-codev/aggr/internal/types"
)

// Chunk is the in-memory buffer of trades pending the next flush. The
// ingestion router is its only appender and the scheduler its only drainer;
// the drain is a pointer swap, so concurrent ingestion never mixes into a
// batch already handed to the storages.
type Chunk struct {
	mu     sync.Mutex
	trades []types.Trade
}

// NewChunk creates an empty chunk.
func NewChunk() *Chunk {
	return &Chunk{}
}

// Append adds trades in arrival order.
func (c *Chunk) Append(trades ...types.Trade) {
	if len(trades) == 0 {
		return
	}
	c.mu.Lock()
	c.trades = append(c.trades, trades...)
	n := len(c.trades)
	c.mu.Unlock()

	monitoring.ChunkSize.Set(float64(n))
}

// Swap atomically replaces the buffer with an empty one and returns the
// removed contents.
func (c *Chunk) Swap() []types.Trade {
	c.mu.Lock()
	out := c.trades
	c.trades = nil
	c.mu.Unlock()

	monitoring.ChunkSize.Set(0)
	return out
}

// Len reports the number of buffered trades.
func (c *Chunk) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.trades)
}

// Tail returns the buffered trades whose timestamp lies strictly between
// from and to. Used by the historical handler to merge the unflushed tail
// into trade-format responses.
func (c *Chunk) Tail(from, to int64) []types.Trade {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []types.Trade
	for _, t := range c.trades {
		if t.Timestamp <= from || t.Timestamp >= to {
			continue
		}
		out = append(out, t)
	}
	return out
}
