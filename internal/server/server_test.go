package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/aggr/internal/broadcast"
	"github.com/adred-codev/aggr/internal/limits"
	"github.com/adred-codev/aggr/internal/registry"
	"github.com/adred-codev/aggr/internal/types"
)

func TestRootSaysHi(t *testing.T) {
	srv := newAPIServer(t, nil, nil)
	rec := get(t, srv, "/")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "hi", body["message"])
}

func TestHealthReportsCounts(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	require.NoError(t, reg.Register("BINANCE", "btcusdt", "binance-0", 0))

	srv := New(zerolog.Nop(), Options{
		Addr:           "127.0.0.1:0",
		APIEnabled:     true,
		MaxConnections: 4,
		MaxFetchLength: 1000,
		Registry:       reg,
	})
	rec := get(t, srv, "/health")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["feeds"])
}

func TestPolicyRejectsBannedIP(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "banned.txt")
	require.NoError(t, os.WriteFile(path, []byte("10.0.0.9\n"), 0o644))

	banned := limits.NewBanList(zerolog.Nop(), path)
	require.NoError(t, banned.Reload(true))

	srv := newAPIServer(t, nil, nil)
	srv.banned = banned

	// A canceled request context skips the rejection delay.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodGet, "/historical/0/1000", nil).WithContext(ctx)
	req.Header.Set("X-Forwarded-For", "10.0.0.9")
	rec := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(rec, req)

	// Generic 500, never 403.
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPolicyAllowsCleanIP(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "banned.txt")
	require.NoError(t, os.WriteFile(path, []byte("10.0.0.9\n"), 0o644))

	banned := limits.NewBanList(zerolog.Nop(), path)
	require.NoError(t, banned.Reload(true))

	srv := newAPIServer(t, nil, nil)
	srv.banned = banned

	req := httptest.NewRequest(http.MethodGet, "/historical/0/1000", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.10")
	rec := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(rec, req)

	// Reaches the handler, which has no storage configured.
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestPolicyRejectsDisallowedOrigin(t *testing.T) {
	srv := newAPIServer(t, nil, nil)
	srv.origin = regexp.MustCompile(`^https://allowed\.example$`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodGet, "/historical/0/1000", nil).WithContext(ctx)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	allowed := httptest.NewRequest(http.MethodGet, "/historical/0/1000", nil)
	allowed.Header.Set("Origin", "https://allowed.example")
	rec = httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(rec, allowed)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestRateLimitReturns429(t *testing.T) {
	limiter := limits.NewRateLimiter(zerolog.Nop(), time.Minute, 2)
	defer limiter.Stop()

	srv := newAPIServer(t, nil, nil)
	srv.limiter = limiter

	for i := 0; i < 2; i++ {
		rec := get(t, srv, "/historical/0/1000")
		require.Equal(t, http.StatusNotImplemented, rec.Code)
	}
	rec := get(t, srv, "/historical/0/1000")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestWebSocketCapacityRejection(t *testing.T) {
	srv := New(zerolog.Nop(), Options{
		Addr:           "127.0.0.1:0",
		MaxConnections: 0, // no capacity at all
		MaxFetchLength: 1000,
		Registry:       registry.New(zerolog.Nop()),
		Dispatcher:     broadcast.New(zerolog.Nop(), broadcast.ModeImmediate, 0, nil),
	})
	rec := get(t, srv, "/ws/BINANCE:btcusdt")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebSocketRejectedDuringShutdown(t *testing.T) {
	srv := New(zerolog.Nop(), Options{
		Addr:           "127.0.0.1:0",
		MaxConnections: 4,
		MaxFetchLength: 1000,
		Registry:       registry.New(zerolog.Nop()),
		Dispatcher:     broadcast.New(zerolog.Nop(), broadcast.ModeImmediate, 0, nil),
	})
	srv.shuttingDown.Store(true)

	rec := get(t, srv, "/ws/BINANCE:btcusdt")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// TestWebSocketSessionFlow drives a real client through connect, welcome,
// broadcast, and subscription replacement.
func TestWebSocketSessionFlow(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	require.NoError(t, reg.Register("BINANCE", "btcusdt", "binance-0", 0))
	require.NoError(t, reg.Register("BINANCE", "ethusdt", "binance-0", 0))

	dispatcher := broadcast.New(zerolog.Nop(), broadcast.ModeImmediate, 0, nil)
	srv := New(zerolog.Nop(), Options{
		Addr:           "127.0.0.1:0",
		MaxConnections: 4,
		MaxFetchLength: 1000,
		Registry:       reg,
		Dispatcher:     dispatcher,
	})

	tsrv := httptest.NewServer(srv.httpSrv.Handler)
	defer tsrv.Close()

	url := "ws" + strings.TrimPrefix(tsrv.URL, "http") + "/ws/BINANCE:btcusdt"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// First frame is the welcome envelope.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var welcome struct {
		Type      string   `json:"type"`
		Supported []string `json:"supported"`
		Exchanges []string `json:"exchanges"`
	}
	require.NoError(t, json.Unmarshal(msg, &welcome))
	assert.Equal(t, "welcome", welcome.Type)
	assert.Equal(t, []string{"BINANCE:btcusdt", "BINANCE:ethusdt"}, welcome.Supported)
	assert.Equal(t, []string{"BINANCE"}, welcome.Exchanges)

	require.Eventually(t, func() bool {
		return dispatcher.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	// A broadcast for the subscribed pair arrives as [pairKey, trades].
	dispatcher.BroadcastTrades([]types.Trade{trade("btcusdt", 1000, 50000)})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	var frame []json.RawMessage
	require.NoError(t, json.Unmarshal(msg, &frame))
	require.Len(t, frame, 2)

	var pairKey string
	require.NoError(t, json.Unmarshal(frame[0], &pairKey))
	assert.Equal(t, "BINANCE:btcusdt", pairKey)

	var trades []types.Trade
	require.NoError(t, json.Unmarshal(frame[1], &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, float64(50000), trades[0].Price)

	// Replacing the subscription reroutes future frames.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("BINANCE:ethusdt")))
	require.Eventually(t, func() bool {
		var pairs []string
		srv.sessions.Range(func(_, value any) bool {
			pairs = value.(*Session).Pairs()
			return false
		})
		return len(pairs) == 1 && pairs[0] == "BINANCE:ethusdt"
	}, time.Second, 10*time.Millisecond)

	dispatcher.BroadcastTrades([]types.Trade{trade("ethusdt", 2000, 3000)})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	frame = nil
	require.NoError(t, json.Unmarshal(msg, &frame))
	require.Len(t, frame, 2)
	require.NoError(t, json.Unmarshal(frame[0], &pairKey))
	assert.Equal(t, "BINANCE:ethusdt", pairKey)
}
