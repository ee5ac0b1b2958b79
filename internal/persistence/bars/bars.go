// Package bars rolls incoming trades into fixed-timeframe OHLCV bars held
// in memory. It is the point-format storage driver: historical queries served
// from it return bars instead of raw trades.
package bars

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/aggr/internal/persistence"
	"github.com/adred-codev/aggr/internal/types"
)

// Storage buckets trades into per-market bars keyed by bucket start time.
type Storage struct {
	logger      zerolog.Logger
	timeframeMs int64

	mu   sync.RWMutex
	bars map[string]map[int64]*types.Bar // market -> bucket start -> bar
}

// New creates a bar store with the given bucket width.
func New(logger zerolog.Logger, timeframe time.Duration) *Storage {
	tf := timeframe.Milliseconds()
	if tf < 1 {
		tf = time.Minute.Milliseconds()
	}
	return &Storage{
		logger:      logger.With().Str("component", "storage_bars").Logger(),
		timeframeMs: tf,
		bars:        make(map[string]map[int64]*types.Bar),
	}
}

// Name implements persistence.Storage.
func (s *Storage) Name() string { return "bars" }

// Format implements persistence.Storage.
func (s *Storage) Format() persistence.Format { return persistence.FormatPoint }

// Connect implements persistence.Storage.
func (s *Storage) Connect(_ context.Context) error { return nil }

// Save folds each trade into the bar covering its timestamp. Batches arrive
// in chronological order per market, so the first trade of a bucket sets the
// open and the latest one the close.
func (s *Storage) Save(_ context.Context, batch []types.Trade, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range batch {
		market := t.PairKey()
		bucket := t.Timestamp - t.Timestamp%s.timeframeMs

		byTime, ok := s.bars[market]
		if !ok {
			byTime = make(map[int64]*types.Bar)
			s.bars[market] = byTime
		}

		bar, ok := byTime[bucket]
		if !ok {
			byTime[bucket] = &types.Bar{
				Market: market,
				Time:   bucket,
				Open:   t.Price,
				High:   t.Price,
				Low:    t.Price,
				Close:  t.Price,
				Volume: t.Size,
				Count:  1,
			}
			continue
		}

		if t.Price > bar.High {
			bar.High = t.Price
		}
		if t.Price < bar.Low {
			bar.Low = t.Price
		}
		bar.Close = t.Price
		bar.Volume += t.Size
		bar.Count++
	}
	return nil
}

// Fetch returns bars with from <= time < to sorted by time then market.
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

	var out []types.Bar
	for market, byTime := range s.bars {
		if markets != nil {
			if _, ok := markets[market]; !ok {
				continue
			}
		}
		for bucket, bar := range byTime {
			if bucket < q.From || bucket >= q.To {
				continue
			}
			out = append(out, *bar)
		}
	}

	if len(out) == 0 {
		return nil, nil
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Time != out[j].Time {
			return out[i].Time < out[j].Time
		}
		return out[i].Market < out[j].Market
	})
	return &persistence.Result{Format: persistence.FormatPoint, Points: out}, nil
}

// Timeframe reports the bucket width in milliseconds.
func (s *Storage) Timeframe() int64 { return s.timeframeMs }
