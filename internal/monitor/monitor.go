// Package monitor watches per-connection feed activity and forces a
// reconnect on upstream connections that have gone quiet for longer than an
// adaptive threshold.
package monitor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/aggr/internal/exchange"
	"github.com/adred-codev/aggr/internal/monitoring"
	"github.com/adred-codev/aggr/internal/registry"
)

// thresholdFloorMs prevents pathological early reconnects for near-idle
// feeds.
const thresholdFloorMs = 10_000

// connectionTableEvery is how many ticks pass between connection table dumps.
const connectionTableEvery = 60

// StallThreshold computes the adaptive stall threshold in milliseconds. A
// high-rate feed gets a tight threshold, a slow one proportionally more
// slack, and nothing below the 10 s floor.
func StallThreshold(baseMs int64, rate float64, feedCount int) int64 {
	t := float64(baseMs) / (0.5 + rate/float64(feedCount)/100)
	if t < thresholdFloorMs {
		return thresholdFloorMs
	}
	return int64(t)
}

// Monitor periodically evaluates registry snapshots and instructs the owning
// adapter to reconnect stalled connections.
type Monitor struct {
	logger   zerolog.Logger
	registry *registry.Registry
	interval time.Duration
	baseMs   int64

	mu          sync.Mutex
	controllers map[string]exchange.Controller
	ticks       int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor. reconnectionThreshold is the base threshold before
// rate adaptation.
func New(logger zerolog.Logger, reg *registry.Registry, interval, reconnectionThreshold time.Duration) *Monitor {
	return &Monitor{
		logger:      logger.With().Str("component", "monitor").Logger(),
		registry:    reg,
		interval:    interval,
		baseMs:      reconnectionThreshold.Milliseconds(),
		controllers: make(map[string]exchange.Controller),
	}
}

// Attach registers the control surface for one exchange.
func (m *Monitor) Attach(ctrl exchange.Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controllers[ctrl.ID()] = ctrl
}

// Start launches the periodic check loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer monitoring.RecoverPanic(m.logger, "activity-monitor", nil)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check(time.Now().UnixMilli())

				m.mu.Lock()
				m.ticks++
				dump := m.ticks%connectionTableEvery == 0
				m.mu.Unlock()
				if dump {
					m.logConnectionTable()
				}
			}
		}
	}()

	m.logger.Info().Dur("interval", m.interval).Msg("Activity monitor started")
}

// Shutdown stops the check loop and waits for it.
func (m *Monitor) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Check evaluates every upstream connection once and reconnects the stalled
// ones. It returns the ids of the connections it reconnected.
func (m *Monitor) Check(now int64) []string {
	var stalled []string

	for _, snap := range m.registry.SnapshotByAPI() {
		feedCount := len(snap.Pairs)
		if feedCount == 0 {
			continue
		}

		var rate float64
		minPing := int64(math.MaxInt64)
		for i := range snap.Pairs {
			if elapsed := now - snap.Starts[i]; elapsed > 0 {
				rate += 60_000 / float64(elapsed) * float64(snap.Hits[i])
			}
			if ping := now - snap.Timestamps[i]; ping < minPing {
				minPing = ping
			}
		}

		threshold := StallThreshold(m.baseMs, rate, feedCount)
		if minPing <= threshold {
			continue
		}

		m.logger.Warn().
			Str("exchange", snap.Exchange).
			Str("api_id", snap.APIID).
			Int64("min_ping_ms", minPing).
			Int64("threshold_ms", threshold).
			Float64("rate_per_min", rate).
			Int("feeds", feedCount).
			Msg("Stalled connection, reconnecting")
		monitoring.APIReconnects.WithLabelValues(snap.Exchange).Inc()

		m.mu.Lock()
		ctrl := m.controllers[snap.Exchange]
		m.mu.Unlock()
		if ctrl != nil {
			if err := ctrl.ReconnectAPI(snap.APIID); err != nil {
				m.logger.Error().Err(err).Str("api_id", snap.APIID).Msg("Reconnect failed")
			}
		}
		stalled = append(stalled, snap.APIID)
	}

	return stalled
}

// logConnectionTable dumps one line per upstream connection.
func (m *Monitor) logConnectionTable() {
	now := time.Now().UnixMilli()
	for _, snap := range m.registry.SnapshotByAPI() {
		var hits int64
		var lastTrade int64
		for i := range snap.Pairs {
			hits += snap.Hits[i]
			if snap.Timestamps[i] > lastTrade {
				lastTrade = snap.Timestamps[i]
			}
		}
		m.logger.Info().
			Str("exchange", snap.Exchange).
			Str("api_id", snap.APIID).
			Strs("pairs", snap.Pairs).
			Int64("hits", hits).
			Int64("idle_ms", now-lastTrade).
			Msg("Connection table")
	}
}
