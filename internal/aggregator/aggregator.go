// Package aggregator collapses micro-bursts of fills sharing the same
// wall-clock millisecond and side into one volume-weighted composite trade.
package aggregator

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/aggr/internal/types"
)

// SweepInterval is both the sweep tick period and the open-composite
// lifetime. A continuous same-(timestamp, side) stream is sealed no later
// than this long after its first trade, because merging does not refresh
// the deadline.
const SweepInterval = 50 * time.Millisecond

var windowMs = SweepInterval.Milliseconds()

// composite is an open aggregation bucket. While open, Price holds the
// price-volume sum and Size the volume sum; sealing divides exactly once.
type composite struct {
	trade   types.Trade
	timeout int64 // wall-clock ms deadline
}

// Aggregator owns the aggregation map and the sealed-composite queue.
// Ingest and Sweep serialize on one mutex, so an expiry sweep and an
// ingest never interleave mid-bucket.
type Aggregator struct {
	logger zerolog.Logger

	mu     sync.Mutex
	open   map[string]*composite
	sealed []types.Trade
}

// New creates an empty aggregator.
func New(logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		logger: logger.With().Str("component", "aggregator").Logger(),
		open:   make(map[string]*composite),
	}
}

// Ingest merges one trade into its pair's open composite, displacing (and
// sealing) a composite whose timestamp or side differs. now is wall-clock ms.
func (a *Aggregator) Ingest(t types.Trade, now int64) {
	key := t.PairKey()

	a.mu.Lock()
	defer a.mu.Unlock()

	if open, ok := a.open[key]; ok {
		if open.trade.Timestamp == t.Timestamp && open.trade.Side == t.Side {
			open.trade.Size += t.Size
			open.trade.Price += t.Price * t.Size
			return
		}
		a.sealLocked(key, open)
	}

	start := t
	start.Price = t.Price * t.Size
	a.open[key] = &composite{
		trade:   start,
		timeout: now + windowMs,
	}
}

// Sweep seals every open composite whose deadline has passed. Called on
// each aggregated broadcast tick.
func (a *Aggregator) Sweep(now int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for key, open := range a.open {
		if open.timeout < now {
			a.sealLocked(key, open)
		}
	}
}

// sealLocked finalizes a composite (price-volume sum divided by volume) and
// moves it to the sealed queue. Caller holds a.mu.
func (a *Aggregator) sealLocked(key string, open *composite) {
	open.trade.Price /= open.trade.Size
	a.sealed = append(a.sealed, open.trade)
	delete(a.open, key)
}

// Drain returns the sealed queue and resets it.
func (a *Aggregator) Drain() []types.Trade {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.sealed
	a.sealed = nil
	return out
}

// OpenCount reports how many composites are currently open.
func (a *Aggregator) OpenCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}

// PendingCount reports how many sealed composites await the next drain.
func (a *Aggregator) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sealed)
}
