// Package broadcast fans trades and lifecycle envelopes out to connected
// websocket sessions. Three dispatch modes are supported: immediate (inline
// from ingestion), debounced (queue drained on a fixed tick) and aggregated
// (composite trades drained from the aggregator on its sweep tick).
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/aggr/internal/aggregator"
	"github.com/adred-codev/aggr/internal/monitoring"
	"github.com/adred-codev/aggr/internal/types"
)

// Mode selects how trades travel from ingestion to the sockets.
type Mode int

const (
	// ModeImmediate pushes each batch synchronously as it arrives.
	ModeImmediate Mode = iota
	// ModeDebounced queues batches and drains them on a fixed interval.
	ModeDebounced
	// ModeAggregated drains sealed composites from the aggregator every
	// sweep interval.
	ModeAggregated
)

// slowClientStrikes is how many consecutive full-buffer sends a client gets
// before being disconnected.
const slowClientStrikes = 3

// Client is one attached websocket session.
type Client interface {
	// ID is unique for the lifetime of the process.
	ID() int64
	// Pairs returns the subscribed pair keys in subscription order.
	Pairs() []string
	// TrySend enqueues a frame without blocking. It reports false when the
	// session's send buffer is full.
	TrySend(frame []byte) bool
	// Kick closes the session with a policy-violation close frame.
	Kick(reason string)
}

// Dispatcher owns the set of attached clients and the pending trade queue.
type Dispatcher struct {
	logger   zerolog.Logger
	mode     Mode
	debounce time.Duration
	aggr     *aggregator.Aggregator

	mu      sync.Mutex
	clients map[int64]Client
	strikes map[int64]int

	pendingMu sync.Mutex
	pending   []types.Trade

	dropLogCounter atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher. aggr must be non-nil in ModeAggregated and is
// ignored otherwise. debounce is only used in ModeDebounced.
func New(logger zerolog.Logger, mode Mode, debounce time.Duration, aggr *aggregator.Aggregator) *Dispatcher {
	return &Dispatcher{
		logger:   logger.With().Str("component", "broadcast").Logger(),
		mode:     mode,
		debounce: debounce,
		aggr:     aggr,
		clients:  make(map[int64]Client),
		strikes:  make(map[int64]int),
	}
}

// Mode reports the configured dispatch mode.
func (d *Dispatcher) Mode() Mode { return d.mode }

// Register attaches a session to the fan-out set.
func (d *Dispatcher) Register(c Client) {
	d.mu.Lock()
	d.clients[c.ID()] = c
	d.strikes[c.ID()] = 0
	count := len(d.clients)
	d.mu.Unlock()

	monitoring.ClientsActive.Set(float64(count))
	d.logger.Debug().Int64("client_id", c.ID()).Int("clients", count).Msg("Client registered")
}

// Unregister detaches a session. Safe to call for unknown ids.
func (d *Dispatcher) Unregister(id int64) {
	d.mu.Lock()
	delete(d.clients, id)
	delete(d.strikes, id)
	count := len(d.clients)
	d.mu.Unlock()

	monitoring.ClientsActive.Set(float64(count))
	d.logger.Debug().Int64("client_id", id).Int("clients", count).Msg("Client unregistered")
}

// ClientCount reports how many sessions are attached.
func (d *Dispatcher) ClientCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

// Start launches the tick loop for the configured mode. Immediate mode has
// no loop.
func (d *Dispatcher) Start(ctx context.Context) {
	var interval time.Duration
	switch d.mode {
	case ModeDebounced:
		interval = d.debounce
	case ModeAggregated:
		interval = aggregator.SweepInterval
	default:
		return
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer monitoring.RecoverPanic(d.logger, "broadcast-tick", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.tick()
			}
		}
	}()

	d.logger.Info().Dur("interval", interval).Int("mode", int(d.mode)).Msg("Broadcast tick started")
}

// Shutdown stops the tick loop and waits for it to finish.
func (d *Dispatcher) Shutdown() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) tick() {
	switch d.mode {
	case ModeDebounced:
		d.pendingMu.Lock()
		batch := d.pending
		d.pending = nil
		d.pendingMu.Unlock()
		if len(batch) > 0 {
			d.BroadcastTrades(batch)
		}
	case ModeAggregated:
		now := time.Now().UnixMilli()
		d.aggr.Sweep(now)
		if sealed := d.aggr.Drain(); len(sealed) > 0 {
			d.BroadcastTrades(sealed)
		}
	}
}

// Dispatch routes a batch according to the mode. In aggregated mode each
// trade feeds the aggregator; sealed composites surface on the next tick.
func (d *Dispatcher) Dispatch(batch []types.Trade) {
	if len(batch) == 0 {
		return
	}
	switch d.mode {
	case ModeImmediate:
		d.BroadcastTrades(batch)
	case ModeDebounced:
		// Copy on hand-off: the caller keeps appending to its own slice.
		d.pendingMu.Lock()
		d.pending = append(d.pending, batch...)
		d.pendingMu.Unlock()
	case ModeAggregated:
		now := time.Now().UnixMilli()
		for _, t := range batch {
			d.aggr.Ingest(t, now)
		}
	}
}

// BroadcastJSON serializes the envelope once and sends it to every attached
// session. Used for welcome and exchange lifecycle events.
func (d *Dispatcher) BroadcastJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to serialize broadcast envelope")
		return
	}

	monitoring.BroadcastEnvelopes.Inc()

	d.mu.Lock()
	defer d.mu.Unlock()
	for id, c := range d.clients {
		d.sendLocked(id, c, data)
	}
}

// BroadcastTrades groups the batch by pair key, then walks every session's
// subscription list in order and sends one frame per subscribed pair:
// [pairKey, tradesForThatPair]. Frames are serialized once per pair and
// shared across sessions.
func (d *Dispatcher) BroadcastTrades(batch []types.Trade) {
	if len(batch) == 0 {
		return
	}

	groups := make(map[string][]types.Trade)
	for _, t := range batch {
		key := t.PairKey()
		groups[key] = append(groups[key], t)
	}

	frames := make(map[string][]byte, len(groups))

	d.mu.Lock()
	defer d.mu.Unlock()
	for id, c := range d.clients {
		var sent map[string]struct{}
		for _, key := range c.Pairs() {
			trades, ok := groups[key]
			if !ok {
				continue
			}
			if sent == nil {
				sent = make(map[string]struct{})
			}
			if _, dup := sent[key]; dup {
				continue
			}
			sent[key] = struct{}{}

			frame, ok := frames[key]
			if !ok {
				var err error
				frame, err = json.Marshal([]interface{}{key, trades})
				if err != nil {
					d.logger.Error().Err(err).Str("pair", key).Msg("Failed to serialize trade frame")
					continue
				}
				frames[key] = frame
			}
			d.sendLocked(id, c, frame)
		}
	}
}

// sendLocked attempts one non-blocking send and applies the slow-client
// strike policy. Caller holds d.mu.
func (d *Dispatcher) sendLocked(id int64, c Client, frame []byte) {
	if c.TrySend(frame) {
		d.strikes[id] = 0
		monitoring.BroadcastFrames.Inc()
		return
	}

	d.strikes[id]++
	strikes := d.strikes[id]

	if n := d.dropLogCounter.Add(1); n%100 == 0 {
		d.logger.Warn().
			Int64("client_id", id).
			Int("strikes", strikes).
			Int64("total_drops", n).
			Msg("Broadcast dropped (sampled: every 100th)")
	}

	if strikes >= slowClientStrikes {
		d.logger.Warn().
			Int64("client_id", id).
			Int("consecutive_failures", strikes).
			Msg("Disconnecting slow client")
		monitoring.SlowClientsDisconnected.Inc()

		delete(d.clients, id)
		delete(d.strikes, id)
		monitoring.ClientsActive.Set(float64(len(d.clients)))
		go c.Kick("client too slow to process messages")
	}
}
