package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/aggr/internal/monitoring"
)

// safetyGapMs keeps a flush just short of the wall-clock boundary so a
// batch never straddles two interval buckets.
const safetyGapMs = 20

// minDelayMs pushes a too-close flush a full interval out instead of firing
// nearly back to back.
const minDelayMs = 1000

// AlignedDelay computes how long to wait so the next flush lands on a
// wall-clock multiple of interval, minus the safety gap. Delays shorter
// than a second are pushed out by one interval.
func AlignedDelay(nowMs, intervalMs int64) time.Duration {
	aligned := (nowMs + intervalMs - 1) / intervalMs * intervalMs
	delay := aligned - nowMs - safetyGapMs
	if delay < minDelayMs {
		delay += intervalMs
	}
	return time.Duration(delay) * time.Millisecond
}

// Scheduler drains the chunk on aligned boundaries and fans each batch out
// to every configured storage. One storage failing never aborts the others;
// its batch is simply lost for that backend.
type Scheduler struct {
	logger   zerolog.Logger
	chunk    *Chunk
	storages []Storage
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler over the given chunk and storages.
func NewScheduler(logger zerolog.Logger, chunk *Chunk, storages []Storage, interval time.Duration) *Scheduler {
	return &Scheduler{
		logger:   logger.With().Str("component", "scheduler").Logger(),
		chunk:    chunk,
		storages: storages,
		interval: interval,
	}
}

// Start launches the flush loop. No-op when no storage is configured.
func (s *Scheduler) Start(ctx context.Context) {
	if len(s.storages) == 0 {
		s.logger.Info().Msg("no storage configured, flush loop disabled")
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(s.logger, "flushLoop", nil)

		intervalMs := s.interval.Milliseconds()
		for {
			delay := AlignedDelay(time.Now().UnixMilli(), intervalMs)
			timer := time.NewTimer(delay)

			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.Flush(ctx, false)
			}
		}
	}()

	s.logger.Info().
		Dur("interval", s.interval).
		Int("storages", len(s.storages)).
		Msg("flush scheduler started")
}

// Flush swaps the chunk and saves the removed batch to every storage,
// waiting for all of them. isExit marks the final teardown flush.
func (s *Scheduler) Flush(ctx context.Context, isExit bool) {
	batch := s.chunk.Swap()
	if len(batch) == 0 {
		return
	}

	start := time.Now()
	monitoring.FlushBatchSize.Observe(float64(len(batch)))

	var wg sync.WaitGroup
	for _, storage := range s.storages {
		wg.Add(1)
		go func(st Storage) {
			defer wg.Done()
			defer monitoring.RecoverPanic(s.logger, "storageSave", map[string]any{"storage": st.Name()})

			if err := st.Save(ctx, batch, isExit); err != nil {
				monitoring.StorageSaveFailures.WithLabelValues(st.Name()).Inc()
				s.logger.Error().
					Err(err).
					Str("storage", st.Name()).
					Int("batch", len(batch)).
					Bool("exit", isExit).
					Msg("storage save failed, batch lost for this backend")
				return
			}
			monitoring.StorageSaves.WithLabelValues(st.Name()).Inc()
		}(storage)
	}
	wg.Wait()

	monitoring.FlushDuration.Observe(time.Since(start).Seconds())
	s.logger.Debug().
		Int("batch", len(batch)).
		Dur("took", time.Since(start)).
		Bool("exit", isExit).
		Msg("flush complete")
}

// Shutdown stops the flush loop, then runs the final exit flush so the
// remaining tail reaches every storage before teardown proceeds.
func (s *Scheduler) Shutdown(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if len(s.storages) > 0 {
		s.Flush(ctx, true)
	}
}
