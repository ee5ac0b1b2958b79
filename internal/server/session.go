package server

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/aggr/internal/broadcast"
	"github.com/adred-codev/aggr/internal/monitoring"
	"github.com/adred-codev/aggr/internal/registry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next message from the peer.
	pongWait = 30 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outgoing frame buffer per session.
	sendBuffer = 256
)

// closeCodeLabels names the unusual close codes worth logging.
var closeCodeLabels = map[ws.StatusCode]string{
	1002: "protocol error",
	1003: "unsupported data",
	1007: "invalid payload data",
	1008: "policy violation",
	1009: "message too big",
	1010: "mandatory extension missing",
	1011: "internal server error",
	1012: "service restart",
	1013: "try again later",
	1014: "bad gateway",
	1015: "TLS handshake failure",
}

// Session is one websocket client. It implements broadcast.Client.
type Session struct {
	id     int64
	conn   net.Conn
	logger zerolog.Logger
	send   chan []byte

	mu    sync.RWMutex
	pairs []string // subscription order preserved

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(id int64, conn net.Conn, logger zerolog.Logger) *Session {
	return &Session{
		id:     id,
		conn:   conn,
		logger: logger.With().Int64("client_id", id).Logger(),
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// ID implements broadcast.Client.
func (s *Session) ID() int64 { return s.id }

// Pairs implements broadcast.Client.
func (s *Session) Pairs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.pairs))
	copy(out, s.pairs)
	return out
}

// TrySend implements broadcast.Client: non-blocking enqueue for the write
// pump.
func (s *Session) TrySend(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Kick implements broadcast.Client: close with a policy-violation frame.
func (s *Session) Kick(reason string) {
	s.closeOnce.Do(func() {
		body := ws.NewCloseFrameBody(ws.StatusPolicyViolation, reason)
		ws.WriteFrame(s.conn, ws.NewCloseFrame(body))
		s.conn.Close()
		close(s.done)
	})
}

// close tears the connection down once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
		close(s.done)
	})
}

// closeGoingAway announces server shutdown before closing, so well-behaved
// clients reconnect elsewhere instead of retrying immediately.
func (s *Session) closeGoingAway() {
	s.closeOnce.Do(func() {
		body := ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutting down")
		ws.WriteFrame(s.conn, ws.NewCloseFrame(body))
		s.conn.Close()
		close(s.done)
	})
}

// setPairs replaces the subscription set, deduplicating while preserving
// first-seen order.
func (s *Session) setPairs(pairs []string) {
	seen := make(map[string]struct{}, len(pairs))
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	s.mu.Lock()
	s.pairs = out
	s.mu.Unlock()
}

// resolvePairs maps raw `+`-delimited tokens to pair keys. A token carrying
// an exchange prefix is taken as-is; a bare pair expands to every registered
// feed for that pair, or stays a lowercase placeholder until the feed comes
// alive.
func resolvePairs(reg *registry.Registry, raw string) []string {
	tokens := strings.Split(raw, "+")
	keys := reg.PairKeys()

	var out []string
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if strings.Contains(token, ":") {
			parts := strings.SplitN(token, ":", 2)
			out = append(out, strings.ToUpper(parts[0])+":"+strings.ToLower(parts[1]))
			continue
		}

		token = strings.ToLower(token)
		matched := false
		for _, key := range keys {
			if _, pair := splitKey(key); pair == token {
				out = append(out, key)
				matched = true
			}
		}
		if !matched {
			out = append(out, token)
		}
	}
	return out
}

func splitKey(key string) (string, string) {
	idx := strings.Index(key, ":")
	if idx < 0 {
		return "", key
	}
	return key[:idx], key[idx+1:]
}

// welcomeEnvelope greets a new session with the live connection table.
type welcomeEnvelope struct {
	Type      string   `json:"type"`
	Supported []string `json:"supported"`
	Exchanges []string `json:"exchanges"`
}

func newWelcome(reg *registry.Registry) welcomeEnvelope {
	return welcomeEnvelope{
		Type:      broadcast.TypeWelcome,
		Supported: reg.PairKeys(),
		Exchanges: reg.Exchanges(),
	}
}

// readPump consumes inbound frames until the connection dies. Text frames
// replace the subscription set.
func (srv *Server) readPump(s *Session) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{"client_id": s.id})
	defer srv.disconnect(s)

	s.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			if closed, ok := err.(wsutil.ClosedError); ok {
				if label, unusual := closeCodeLabels[closed.Code]; unusual {
					s.logger.Warn().
						Int("code", int(closed.Code)).
						Str("label", label).
						Msg("Client closed with unusual code")
				}
			}
			return
		}

		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			pairs := resolvePairs(srv.registry, string(msg))
			s.setPairs(pairs)
			s.logger.Debug().Strs("pairs", pairs).Msg("Subscription replaced")
		case ws.OpClose:
			return
		}
	}
}

// writePump drains the send buffer onto the socket and keeps the connection
// alive with pings.
func (srv *Server) writePump(s *Session) {
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{"client_id": s.id})

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			return

		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(s.conn, ws.OpText, frame); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to write frame")
				return
			}

			// Drain whatever else is queued before the next select.
			n := len(s.send)
			for i := 0; i < n; i++ {
				frame = <-s.send
				if err := wsutil.WriteServerMessage(s.conn, ws.OpText, frame); err != nil {
					s.logger.Debug().Err(err).Msg("Failed to write frame")
					return
				}
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(s.conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to send ping")
				return
			}
		}
	}
}
