// Package ingest routes normalized trade batches from exchange adapters into
// the persistence chunk and the broadcast dispatcher, gated by the connection
// registry.
package ingest

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/aggr/internal/broadcast"
	"github.com/adred-codev/aggr/internal/monitoring"
	"github.com/adred-codev/aggr/internal/persistence"
	"github.com/adred-codev/aggr/internal/registry"
	"github.com/adred-codev/aggr/internal/types"
)

// Engine is the adapter-facing event sink. chunk is nil when no storage is
// configured, dispatcher is nil when broadcast is disabled; either path is
// skipped accordingly.
type Engine struct {
	logger     zerolog.Logger
	registry   *registry.Registry
	chunk      *persistence.Chunk
	dispatcher *broadcast.Dispatcher
}

// New creates the engine.
func New(logger zerolog.Logger, reg *registry.Registry, chunk *persistence.Chunk, dispatcher *broadcast.Dispatcher) *Engine {
	return &Engine{
		logger:     logger.With().Str("component", "ingest").Logger(),
		registry:   reg,
		chunk:      chunk,
		dispatcher: dispatcher,
	}
}

// OnTrades ingests one batch of regular trades.
func (e *Engine) OnTrades(_ string, batch []types.Trade) {
	e.ingest(batch)
}

// OnLiquidations ingests forced-liquidation trades. Same path as OnTrades;
// the liquidation flag on each trade drives the separate counter.
func (e *Engine) OnLiquidations(_ string, batch []types.Trade) {
	e.ingest(batch)
}

// ingest touch-filters the batch against the registry, then appends the
// surviving trades to the chunk and hands them to the dispatcher. A trade
// whose feed has no registry entry never reaches either path.
func (e *Engine) ingest(batch []types.Trade) {
	now := time.Now().UnixMilli()

	kept := make([]types.Trade, 0, len(batch))
	for _, t := range batch {
		if !e.registry.Touch(t.Exchange, t.Pair, now) {
			monitoring.TradesDropped.WithLabelValues(t.Exchange).Inc()
			e.logger.Debug().Str("pair", t.PairKey()).Msg("Dropping trade for unregistered feed")
			continue
		}
		monitoring.TradesIngested.WithLabelValues(t.Exchange).Inc()
		if t.Liquidation {
			monitoring.LiquidationsIngested.WithLabelValues(t.Exchange).Inc()
		}
		kept = append(kept, t)
	}
	if len(kept) == 0 {
		return
	}

	if e.chunk != nil {
		e.chunk.Append(kept...)
	}
	if e.dispatcher != nil {
		e.dispatcher.Dispatch(kept)
	}
}

// OnIndex records the pairs an exchange reported as supported.
func (e *Engine) OnIndex(exchange string, pairs []string) {
	e.registry.RecordIndex(exchange, pairs)
}

// OnOpen announces an established upstream connection to all clients.
func (e *Engine) OnOpen(exchange, apiID string) {
	e.logger.Info().Str("exchange", exchange).Str("api_id", apiID).Msg("Exchange connection open")
	if e.dispatcher != nil {
		e.dispatcher.BroadcastJSON(broadcast.Envelope{Type: broadcast.TypeExchangeConnected, ID: exchange})
	}
}

// OnError relays an upstream error to clients. Never fatal.
func (e *Engine) OnError(exchange string, err error) {
	e.logger.Warn().Str("exchange", exchange).Err(err).Msg("Exchange error")
	if e.dispatcher != nil {
		e.dispatcher.BroadcastJSON(broadcast.Envelope{Type: broadcast.TypeExchangeError, ID: exchange, Message: err.Error()})
	}
}

// OnClose announces a lost upstream connection to all clients.
func (e *Engine) OnClose(exchange, apiID string) {
	e.logger.Info().Str("exchange", exchange).Str("api_id", apiID).Msg("Exchange connection closed")
	if e.dispatcher != nil {
		e.dispatcher.BroadcastJSON(broadcast.Envelope{Type: broadcast.TypeExchangeDisconnected, ID: exchange})
	}
}

// OnConnected registers a confirmed feed.
func (e *Engine) OnConnected(exchange, pair, apiID string) {
	// Registry logs the duplicate-registration case itself.
	_ = e.registry.Register(exchange, pair, apiID, time.Now().UnixMilli())
}

// OnDisconnected removes a lost feed.
func (e *Engine) OnDisconnected(exchange, pair, _ string) {
	_ = e.registry.Deregister(exchange, pair)
}
