// Package binance is the upstream adapter for Binance combined streams. It
// splits the requested pairs across physical websocket connections, each
// subscribing the @trade and @forceOrder streams for its share, and keeps
// every connection alive with exponential-backoff redials.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/aggr/internal/exchange"
	"github.com/adred-codev/aggr/internal/monitoring"
	"github.com/adred-codev/aggr/internal/types"
)

// ID is the exchange identifier carried on every trade.
const ID = "BINANCE"

const (
	handshakeTimeout = 10 * time.Second
	readDeadline     = 5 * time.Minute
	maxRedialBackoff = 30 * time.Second
)

// api is one physical upstream connection carrying a slice of pair feeds.
type api struct {
	id    string
	pairs []string

	mu   sync.Mutex
	conn *websocket.Conn
}

func (a *api) setConn(conn *websocket.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
}

// closeConn drops the live connection, which unblocks the read loop and
// triggers a redial.
func (a *api) closeConn() {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (a *api) writeJSON(v interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil // picked up on next dial from a.pairs
	}
	return a.conn.WriteJSON(v)
}

// Binance implements exchange.Controller.
type Binance struct {
	logger zerolog.Logger
	url    string
	perAPI int
	sink   exchange.Sink

	mu    sync.Mutex
	apis  []*api
	subID int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the adapter. url is the stream endpoint base, e.g.
// wss://stream.binance.com:9443. perAPI caps how many pairs share one
// connection.
func New(logger zerolog.Logger, url string, perAPI int, sink exchange.Sink) *Binance {
	if perAPI < 1 {
		perAPI = 100
	}
	return &Binance{
		logger: logger.With().Str("component", "binance").Logger(),
		url:    strings.TrimRight(url, "/"),
		perAPI: perAPI,
		sink:   sink,
	}
}

// ID implements exchange.Controller.
func (b *Binance) ID() string { return ID }

// APIIDs implements exchange.Controller.
func (b *Binance) APIIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, len(b.apis))
	for i, a := range b.apis {
		ids[i] = a.id
	}
	return ids
}

// Connect normalizes the requested pairs, reports them as the supported
// index, and opens one connection per group of perAPI pairs.
func (b *Binance) Connect(ctx context.Context, pairs []string) error {
	normalized := normalizePairs(pairs)
	if len(normalized) == 0 {
		return nil
	}
	b.sink.OnIndex(ID, normalized)

	ctx, b.cancel = context.WithCancel(ctx)

	b.mu.Lock()
	for i := 0; i < len(normalized); i += b.perAPI {
		end := i + b.perAPI
		if end > len(normalized) {
			end = len(normalized)
		}
		group := make([]string, end-i)
		copy(group, normalized[i:end])
		a := &api{
			id:    fmt.Sprintf("binance-%d", len(b.apis)),
			pairs: group,
		}
		b.apis = append(b.apis, a)

		b.wg.Add(1)
		go b.run(ctx, a)
	}
	b.mu.Unlock()

	b.logger.Info().Int("pairs", len(normalized)).Int("connections", (len(normalized)+b.perAPI-1)/b.perAPI).Msg("Binance adapter connecting")
	return nil
}

// Link subscribes one more pair, reusing a connection with spare capacity.
func (b *Binance) Link(pair string) error {
	pair = strings.ToLower(strings.TrimSpace(pair))
	if pair == "" {
		return nil
	}

	b.mu.Lock()
	var target *api
	for _, a := range b.apis {
		for _, p := range a.pairs {
			if p == pair {
				b.mu.Unlock()
				return nil // already linked
			}
		}
		if target == nil && len(a.pairs) < b.perAPI {
			target = a
		}
	}
	if target == nil {
		b.mu.Unlock()
		return fmt.Errorf("no connection with spare capacity for %q", pair)
	}
	target.pairs = append(target.pairs, pair)
	b.subID++
	id := b.subID
	b.mu.Unlock()

	if err := target.writeJSON(streamRequest{
		Method: "SUBSCRIBE",
		Params: streamNames(pair),
		ID:     id,
	}); err != nil {
		return fmt.Errorf("failed to subscribe %q: %w", pair, err)
	}
	b.sink.OnConnected(ID, pair, target.id)
	return nil
}

// Unlink unsubscribes a pair.
func (b *Binance) Unlink(pair string) error {
	pair = strings.ToLower(strings.TrimSpace(pair))

	b.mu.Lock()
	var target *api
	for _, a := range b.apis {
		for i, p := range a.pairs {
			if p == pair {
				a.pairs = append(a.pairs[:i], a.pairs[i+1:]...)
				target = a
				break
			}
		}
		if target != nil {
			break
		}
	}
	if target == nil {
		b.mu.Unlock()
		return fmt.Errorf("pair %q is not linked", pair)
	}
	b.subID++
	id := b.subID
	b.mu.Unlock()

	if err := target.writeJSON(streamRequest{
		Method: "UNSUBSCRIBE",
		Params: streamNames(pair),
		ID:     id,
	}); err != nil {
		return fmt.Errorf("failed to unsubscribe %q: %w", pair, err)
	}
	b.sink.OnDisconnected(ID, pair, target.id)
	return nil
}

// ReconnectAPI drops one connection; its run loop redials and re-announces
// every feed.
func (b *Binance) ReconnectAPI(apiID string) error {
	b.mu.Lock()
	var target *api
	for _, a := range b.apis {
		if a.id == apiID {
			target = a
			break
		}
	}
	b.mu.Unlock()

	if target == nil {
		return fmt.Errorf("unknown api %q", apiID)
	}
	b.logger.Info().Str("api_id", apiID).Msg("Forcing reconnect")
	target.closeConn()
	return nil
}

// Close stops all run loops and closes every connection.
func (b *Binance) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Lock()
	for _, a := range b.apis {
		a.closeConn()
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

// run keeps one connection dialed until the context ends.
func (b *Binance) run(ctx context.Context, a *api) {
	defer b.wg.Done()
	defer monitoring.RecoverPanic(b.logger, "binance-"+a.id, nil)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := b.dial(ctx, a)
		if err != nil {
			b.sink.OnError(ID, err)
			b.logger.Warn().Err(err).Str("api_id", a.id).Dur("backoff", backoff).Msg("Dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxRedialBackoff {
				backoff = maxRedialBackoff
			}
			continue
		}
		backoff = time.Second

		a.setConn(conn)
		b.sink.OnOpen(ID, a.id)
		for _, p := range a.currentPairs() {
			b.sink.OnConnected(ID, p, a.id)
		}

		err = b.readLoop(ctx, conn)

		a.setConn(nil)
		conn.Close()
		for _, p := range a.currentPairs() {
			b.sink.OnDisconnected(ID, p, a.id)
		}
		b.sink.OnClose(ID, a.id)

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.sink.OnError(ID, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (a *api) currentPairs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.pairs))
	copy(out, a.pairs)
	return out
}

func (b *Binance) dial(ctx context.Context, a *api) (*websocket.Conn, error) {
	pairs := a.currentPairs()
	streams := make([]string, 0, len(pairs)*2)
	for _, p := range pairs {
		streams = append(streams, streamNames(p)...)
	}
	url := fmt.Sprintf("%s/stream?streams=%s", b.url, strings.Join(streams, "/"))

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// readLoop decodes messages until the connection errors or the context ends.
func (b *Binance) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	for {
		if ctx.Err() != nil {
			return nil
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("websocket read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		trade, kind, err := parseMessage(message)
		if err != nil {
			b.logger.Debug().Err(err).Msg("Skipping undecodable message")
			continue
		}
		switch kind {
		case kindTrade:
			b.sink.OnTrades(ID, []types.Trade{trade})
		case kindLiquidation:
			b.sink.OnLiquidations(ID, []types.Trade{trade})
		}
	}
}

// streamRequest is the live SUBSCRIBE/UNSUBSCRIBE frame.
type streamRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

func streamNames(pair string) []string {
	return []string{pair + "@trade", pair + "@forceOrder"}
}

func normalizePairs(pairs []string) []string {
	seen := make(map[string]struct{}, len(pairs))
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

type messageKind int

const (
	kindNone messageKind = iota
	kindTrade
	kindLiquidation
)

// combinedMessage is the wrapper used by /stream?streams= endpoints.
type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// tradeEvent is the @trade payload.
type tradeEvent struct {
	Symbol       string      `json:"s"`
	Price        json.Number `json:"p"`
	Quantity     json.Number `json:"q"`
	TradeTime    int64       `json:"T"`
	BuyerIsMaker bool        `json:"m"`
}

// forceOrderEvent is the @forceOrder payload.
type forceOrderEvent struct {
	Order struct {
		Symbol    string      `json:"s"`
		Side      string      `json:"S"`
		Price     json.Number `json:"p"`
		AvgPrice  json.Number `json:"ap"`
		FilledQty json.Number `json:"z"`
		TradeTime int64       `json:"T"`
	} `json:"o"`
}

// parseMessage normalizes one combined-stream message. Messages on other
// streams (subscription acks, unknown events) yield kindNone.
func parseMessage(data []byte) (types.Trade, messageKind, error) {
	var msg combinedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return types.Trade{}, kindNone, fmt.Errorf("decode combined message: %w", err)
	}
	if msg.Stream == "" || len(msg.Data) == 0 {
		return types.Trade{}, kindNone, nil
	}

	switch {
	case strings.HasSuffix(msg.Stream, "@trade"):
		var ev tradeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return types.Trade{}, kindNone, fmt.Errorf("decode trade event: %w", err)
		}
		price, err := ev.Price.Float64()
		if err != nil {
			return types.Trade{}, kindNone, fmt.Errorf("bad trade price: %w", err)
		}
		size, err := ev.Quantity.Float64()
		if err != nil {
			return types.Trade{}, kindNone, fmt.Errorf("bad trade quantity: %w", err)
		}
		side := types.Buy
		if ev.BuyerIsMaker {
			side = types.Sell
		}
		return types.Trade{
			Exchange:  ID,
			Pair:      strings.ToLower(ev.Symbol),
			Timestamp: ev.TradeTime,
			Price:     price,
			Size:      size,
			Side:      side,
		}, kindTrade, nil

	case strings.HasSuffix(msg.Stream, "@forceOrder"):
		var ev forceOrderEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return types.Trade{}, kindNone, fmt.Errorf("decode force order: %w", err)
		}
		priceNum := ev.Order.AvgPrice
		if priceNum == "" {
			priceNum = ev.Order.Price
		}
		price, err := priceNum.Float64()
		if err != nil {
			return types.Trade{}, kindNone, fmt.Errorf("bad liquidation price: %w", err)
		}
		size, err := ev.Order.FilledQty.Float64()
		if err != nil {
			return types.Trade{}, kindNone, fmt.Errorf("bad liquidation quantity: %w", err)
		}
		side := types.Sell
		if strings.EqualFold(ev.Order.Side, "BUY") {
			side = types.Buy
		}
		return types.Trade{
			Exchange:    ID,
			Pair:        strings.ToLower(ev.Order.Symbol),
			Timestamp:   ev.Order.TradeTime,
			Price:       price,
			Size:        size,
			Side:        side,
			Liquidation: true,
		}, kindLiquidation, nil
	}

	return types.Trade{}, kindNone, nil
}
