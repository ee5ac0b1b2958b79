// Package exchange defines the two-sided contract between upstream exchange
// adapters and the server. Adapters expose a Controller surface the server
// drives (connect, link, reconnect); the server exposes a Sink surface that
// receives adapter events. Wiring both at startup avoids an object cycle.
package exchange

import (
	"context"

	"github.com/adred-codev/aggr/internal/types"
)

// Controller is the server-facing control surface of one exchange adapter.
// An adapter may hold several physical upstream connections (APIs), each
// carrying one or more (exchange, pair) feeds.
type Controller interface {
	// ID is the exchange identifier, e.g. "BINANCE".
	ID() string
	// APIIDs lists the identifiers of the adapter's live upstream
	// connections.
	APIIDs() []string
	// Connect resolves the requested pairs and opens upstream connections
	// for the ones this exchange supports.
	Connect(ctx context.Context, pairs []string) error
	// Link subscribes one more pair on an existing or new connection.
	Link(pair string) error
	// Unlink unsubscribes a pair.
	Unlink(pair string) error
	// ReconnectAPI tears down and re-establishes one upstream connection.
	// Every feed on it ripples a disconnected then connected event.
	ReconnectAPI(apiID string) error
	// Close shuts the adapter down.
	Close() error
}

// Sink receives adapter events. Implementations must not block; event
// handlers run on the adapter's read loop.
type Sink interface {
	// OnTrades delivers a batch of normalized trades in exchange order.
	OnTrades(exchange string, batch []types.Trade)
	// OnLiquidations delivers forced-liquidation trades. They follow the
	// same ingestion path as regular trades.
	OnLiquidations(exchange string, batch []types.Trade)
	// OnIndex reports the pairs the exchange actually supports, discovered
	// during product resolution.
	OnIndex(exchange string, pairs []string)
	// OnOpen fires once an upstream connection is established.
	OnOpen(exchange, apiID string)
	// OnError reports an upstream error. The adapter keeps running.
	OnError(exchange string, err error)
	// OnClose fires when an upstream connection goes away.
	OnClose(exchange, apiID string)
	// OnConnected fires for each pair confirmed subscribed on a connection.
	OnConnected(exchange, pair, apiID string)
	// OnDisconnected fires for each pair lost when a connection drops.
	OnDisconnected(exchange, pair, apiID string)
}
