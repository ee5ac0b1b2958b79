package server

import (
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/aggr/internal/broadcast"
	"github.com/adred-codev/aggr/internal/registry"
)

func TestResolvePairsExplicitExchange(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	out := resolvePairs(reg, "Binance:BTCUSDT+KRAKEN:EthUsd")
	assert.Equal(t, []string{"BINANCE:btcusdt", "KRAKEN:ethusd"}, out)
}

func TestResolvePairsBareTokenExpands(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	require.NoError(t, reg.Register("BINANCE", "btcusdt", "binance-0", 0))
	require.NoError(t, reg.Register("KRAKEN", "btcusdt", "kraken-0", 0))
	require.NoError(t, reg.Register("BINANCE", "ethusdt", "binance-0", 0))

	out := resolvePairs(reg, "BTCUSDT")
	assert.Equal(t, []string{"BINANCE:btcusdt", "KRAKEN:btcusdt"}, out)
}

func TestResolvePairsKeepsUnknownAsPlaceholder(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	out := resolvePairs(reg, "DOGEUSDT")
	assert.Equal(t, []string{"dogeusdt"}, out)
}

func TestResolvePairsSkipsEmptyTokens(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	out := resolvePairs(reg, "+ +BINANCE:btcusdt+")
	assert.Equal(t, []string{"BINANCE:btcusdt"}, out)
}

func TestSetPairsDedupesPreservingOrder(t *testing.T) {
	s := newSession(1, nil, zerolog.Nop())
	s.setPairs([]string{"BINANCE:ethusdt", "BINANCE:btcusdt", "BINANCE:ethusdt", ""})
	assert.Equal(t, []string{"BINANCE:ethusdt", "BINANCE:btcusdt"}, s.Pairs())
}

func TestTrySendReportsFullBuffer(t *testing.T) {
	s := newSession(1, nil, zerolog.Nop())
	for i := 0; i < sendBuffer; i++ {
		require.True(t, s.TrySend([]byte("x")))
	}
	assert.False(t, s.TrySend([]byte("x")))
}

func TestKickSendsPolicyViolationClose(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := newSession(1, server, zerolog.Nop())
	go s.Kick("too slow")

	client.SetReadDeadline(time.Now().Add(time.Second))
	frame, err := ws.ReadFrame(client)
	require.NoError(t, err)
	assert.Equal(t, ws.OpClose, frame.Header.OpCode)

	code, reason := ws.ParseCloseFrameData(frame.Payload)
	assert.Equal(t, ws.StatusPolicyViolation, code)
	assert.Equal(t, "too slow", reason)

	require.Eventually(t, func() bool {
		select {
		case <-s.done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestWelcomeListsFeedsAndExchanges(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	require.NoError(t, reg.Register("BINANCE", "btcusdt", "binance-0", 0))
	require.NoError(t, reg.Register("KRAKEN", "xbtusd", "kraken-0", 0))

	w := newWelcome(reg)
	assert.Equal(t, broadcast.TypeWelcome, w.Type)
	assert.Equal(t, []string{"BINANCE:btcusdt", "KRAKEN:xbtusd"}, w.Supported)
	assert.Equal(t, []string{"BINANCE", "KRAKEN"}, w.Exchanges)
}
