// Package memory is the default storage driver: a fixed-capacity ring
// buffer of trades. Useful for development and as the fetch source when no
// durable backend is configured; oldest trades fall off once capacity is
// reached.
package memory

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/aggr/internal/persistence"
	"github.com/adred-codev/aggr/internal/types"
)

// Storage keeps the most recent trades in insertion order.
type Storage struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	buf   []types.Trade
	head  int // next write index
	count int
}

// New creates a ring buffer holding up to capacity trades.
func New(logger zerolog.Logger, capacity int) *Storage {
	if capacity < 1 {
		capacity = 1
	}
	return &Storage{
		logger: logger.With().Str("component", "storage_memory").Logger(),
		buf:    make([]types.Trade, capacity),
	}
}

// Name implements persistence.Storage.
func (s *Storage) Name() string { return "memory" }

// Format implements persistence.Storage.
func (s *Storage) Format() persistence.Format { return persistence.FormatTrade }

// Connect implements persistence.Storage. Nothing to do for memory.
func (s *Storage) Connect(_ context.Context) error { return nil }

// Save appends the batch, overwriting the oldest trades when full.
func (s *Storage) Save(_ context.Context, batch []types.Trade, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range batch {
		s.buf[s.head] = t
		s.head = (s.head + 1) % len(s.buf)
		if s.count < len(s.buf) {
			s.count++
		}
	}
	return nil
}

// Fetch returns buffered trades with from <= timestamp < to in insertion
// order, optionally filtered by market. The half-open range makes an
// interval with from == to select nothing.
func (s *Storage) Fetch(_ context.Context, q persistence.Query) (*persistence.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var markets map[string]struct{}
	if len(q.Markets) > 0 {
		markets = make(map[string]struct{}, len(q.Markets))
		for _, m := range q.Markets {
			markets[m] = struct{}{}
		}
	}

	var out []types.Trade
	start := s.head - s.count
	if start < 0 {
		start += len(s.buf)
	}
	for i := 0; i < s.count; i++ {
		t := s.buf[(start+i)%len(s.buf)]
		if t.Timestamp < q.From || t.Timestamp >= q.To {
			continue
		}
		if markets != nil {
			if _, ok := markets[t.PairKey()]; !ok {
				continue
			}
		}
		out = append(out, t)
	}

	if len(out) == 0 {
		return nil, nil
	}
	return &persistence.Result{Format: persistence.FormatTrade, Trades: out}, nil
}

// Len reports how many trades are currently buffered.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}
