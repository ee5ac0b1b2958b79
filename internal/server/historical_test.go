package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/aggr/internal/persistence"
	"github.com/adred-codev/aggr/internal/persistence/bars"
	"github.com/adred-codev/aggr/internal/persistence/memory"
	"github.com/adred-codev/aggr/internal/registry"
	"github.com/adred-codev/aggr/internal/types"
)

func trade(pair string, ts int64, price float64) types.Trade {
	return types.Trade{Exchange: "BINANCE", Pair: pair, Timestamp: ts, Price: price, Size: 1, Side: types.Buy}
}

func newAPIServer(t *testing.T, primary persistence.Storage, chunk *persistence.Chunk) *Server {
	t.Helper()
	return New(zerolog.Nop(), Options{
		Addr:           "127.0.0.1:0",
		APIEnabled:     true,
		MaxConnections: 4,
		MaxFetchLength: 1000,
		Registry:       registry.New(zerolog.Nop()),
		Chunk:          chunk,
		Primary:        primary,
	})
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(rec, req)
	return rec
}

type historicalBody struct {
	Format  string            `json:"format"`
	Results []json.RawMessage `json:"results"`
}

func decodeTrades(t *testing.T, rec *httptest.ResponseRecorder) (string, []types.Trade) {
	t.Helper()
	var body historicalBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	out := make([]types.Trade, 0, len(body.Results))
	for _, raw := range body.Results {
		var tr types.Trade
		require.NoError(t, json.Unmarshal(raw, &tr))
		out = append(out, tr)
	}
	return body.Format, out
}

func TestHistoricalMergesUnflushedTail(t *testing.T) {
	store := memory.New(zerolog.Nop(), 100)
	require.NoError(t, store.Save(context.Background(), []types.Trade{
		trade("btcusdt", 100, 1),
		trade("btcusdt", 200, 2),
	}, false))

	chunk := persistence.NewChunk()
	chunk.Append(trade("btcusdt", 150, 3), trade("btcusdt", 300, 4))

	srv := newAPIServer(t, store, chunk)
	rec := get(t, srv, "/historical/50/250")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	format, trades := decodeTrades(t, rec)
	assert.Equal(t, "trade", format)

	var stamps []int64
	for _, tr := range trades {
		stamps = append(stamps, tr.Timestamp)
	}
	// Storage results first, then the unflushed tail. 300 is out of range.
	assert.Equal(t, []int64{100, 200, 150}, stamps)
}

func TestHistoricalTailBoundsAreStrict(t *testing.T) {
	store := memory.New(zerolog.Nop(), 100)
	require.NoError(t, store.Save(context.Background(),
		[]types.Trade{trade("btcusdt", 100, 1)}, false))

	chunk := persistence.NewChunk()
	chunk.Append(
		trade("btcusdt", 50, 1),
		trade("btcusdt", 51, 1),
		trade("btcusdt", 249, 1),
		trade("btcusdt", 250, 1),
	)

	srv := newAPIServer(t, store, chunk)
	rec := get(t, srv, "/historical/50/250")
	require.Equal(t, http.StatusOK, rec.Code)

	_, trades := decodeTrades(t, rec)
	var stamps []int64
	for _, tr := range trades {
		stamps = append(stamps, tr.Timestamp)
	}
	assert.Equal(t, []int64{100, 51, 249}, stamps)
}

func TestHistoricalSwapsInvertedRange(t *testing.T) {
	store := memory.New(zerolog.Nop(), 100)
	require.NoError(t, store.Save(context.Background(), []types.Trade{
		trade("btcusdt", 100, 1),
		trade("btcusdt", 200, 2),
	}, false))

	srv := newAPIServer(t, store, persistence.NewChunk())

	forward := get(t, srv, "/historical/50/250")
	inverted := get(t, srv, "/historical/250/50")

	require.Equal(t, http.StatusOK, forward.Code)
	require.Equal(t, http.StatusOK, inverted.Code)
	assert.Equal(t, forward.Body.String(), inverted.Body.String())
}

func TestHistoricalEqualBoundsIsEmpty(t *testing.T) {
	store := memory.New(zerolog.Nop(), 100)
	require.NoError(t, store.Save(context.Background(),
		[]types.Trade{trade("btcusdt", 100, 1)}, false))

	srv := newAPIServer(t, store, persistence.NewChunk())
	rec := get(t, srv, "/historical/100/100")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoricalRejectsNonNumericRange(t *testing.T) {
	srv := newAPIServer(t, memory.New(zerolog.Nop(), 10), nil)

	rec := get(t, srv, "/historical/abc/1000")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "missing interval", body["error"])
}

func TestHistoricalDisabled(t *testing.T) {
	srv := New(zerolog.Nop(), Options{
		Addr:           "127.0.0.1:0",
		APIEnabled:     false,
		MaxConnections: 4,
		MaxFetchLength: 1000,
		Registry:       registry.New(zerolog.Nop()),
		Primary:        memory.New(zerolog.Nop(), 10),
	})
	rec := get(t, srv, "/historical/0/1000")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHistoricalWithoutStorage(t *testing.T) {
	srv := newAPIServer(t, nil, nil)
	rec := get(t, srv, "/historical/0/1000")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHistoricalEmptyStorageNotFound(t *testing.T) {
	srv := newAPIServer(t, memory.New(zerolog.Nop(), 10), nil)
	rec := get(t, srv, "/historical/0/1000")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoricalMarketFilter(t *testing.T) {
	store := memory.New(zerolog.Nop(), 100)
	require.NoError(t, store.Save(context.Background(), []types.Trade{
		trade("btcusdt", 100, 1),
		trade("ethusdt", 110, 2),
	}, false))

	srv := newAPIServer(t, store, persistence.NewChunk())
	rec := get(t, srv, "/historical/0/1000/60000/BINANCE:ethusdt")
	require.Equal(t, http.StatusOK, rec.Code)

	_, trades := decodeTrades(t, rec)
	require.Len(t, trades, 1)
	assert.Equal(t, "ethusdt", trades[0].Pair)
}

func TestHistoricalPointRangeRounding(t *testing.T) {
	store := bars.New(zerolog.Nop(), time.Minute)
	require.NoError(t, store.Save(context.Background(),
		[]types.Trade{trade("btcusdt", 61_000, 100)}, false))

	srv := newAPIServer(t, store, nil)
	srv.maxFetchLength = 5

	// 30_000..90_000 rounds out to 0..120_000, which covers the 60_000 bucket.
	rec := get(t, srv, "/historical/30000/90000")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Format  string      `json:"format"`
		Results []types.Bar `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "point", body.Format)
	require.Len(t, body.Results, 1)
	assert.Equal(t, int64(60_000), body.Results[0].Time)
	assert.Equal(t, float64(100), body.Results[0].Open)
}

func TestHistoricalTooManyBars(t *testing.T) {
	store := bars.New(zerolog.Nop(), time.Minute)
	require.NoError(t, store.Save(context.Background(),
		[]types.Trade{trade("btcusdt", 61_000, 100)}, false))

	srv := newAPIServer(t, store, nil)
	srv.maxFetchLength = 5

	// 600_000 / 60_000 = 10 bars > 5.
	rec := get(t, srv, "/historical/0/600000")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "too many bars")
}

func TestHistoricalInvalidTimeframe(t *testing.T) {
	srv := newAPIServer(t, memory.New(zerolog.Nop(), 10), nil)
	rec := get(t, srv, "/historical/0/1000/nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
