// Package server exposes the HTTP surface of the aggregator: the historical
// query API, the websocket trade broadcast, and health plus metrics
// endpoints.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/adred-codev/aggr/internal/broadcast"
	"github.com/adred-codev/aggr/internal/limits"
	"github.com/adred-codev/aggr/internal/monitoring"
	"github.com/adred-codev/aggr/internal/persistence"
	"github.com/adred-codev/aggr/internal/registry"
)

// Options wires the server's collaborators and limits. Nil collaborators
// disable the matching feature.
type Options struct {
	Addr           string
	APIEnabled     bool
	MaxConnections int
	MaxFetchLength int64
	Origin         *regexp.Regexp // nil allows all origins

	Registry   *registry.Registry
	Chunk      *persistence.Chunk    // nil when collection is disabled
	Primary    persistence.Storage   // nil when persistence is disabled
	Dispatcher *broadcast.Dispatcher // nil when broadcast is disabled
	Banned     *limits.BanList
	Limiter    *limits.RateLimiter
	SysMon     *monitoring.SystemMonitor
}

// Server is the HTTP front of the aggregator.
type Server struct {
	logger zerolog.Logger

	addr           string
	apiEnabled     bool
	maxFetchLength int64
	origin         *regexp.Regexp

	registry   *registry.Registry
	chunk      *persistence.Chunk
	primary    persistence.Storage
	dispatcher *broadcast.Dispatcher
	banned     *limits.BanList
	limiter    *limits.RateLimiter
	sysMon     *monitoring.SystemMonitor

	listener net.Listener
	httpSrv  *http.Server
	sessions sync.Map // map[int64]*Session

	clientSeq    atomic.Int64
	slots        chan struct{} // connection capacity semaphore
	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// New builds a server from its options. Start must be called to begin
// accepting connections.
func New(logger zerolog.Logger, opts Options) *Server {
	srv := &Server{
		logger:         logger.With().Str("component", "server").Logger(),
		addr:           opts.Addr,
		apiEnabled:     opts.APIEnabled,
		maxFetchLength: opts.MaxFetchLength,
		origin:         opts.Origin,
		registry:       opts.Registry,
		chunk:          opts.Chunk,
		primary:        opts.Primary,
		dispatcher:     opts.Dispatcher,
		banned:         opts.Banned,
		limiter:        opts.Limiter,
		sysMon:         opts.SysMon,
		slots:          make(chan struct{}, opts.MaxConnections),
	}
	srv.httpSrv = &http.Server{
		Handler:           srv.router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return srv
}

func (srv *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(srv.requestIDMiddleware)
	r.Use(srv.loggingMiddleware)
	r.Use(srv.corsMiddleware)

	r.HandleFunc("/", srv.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/health", srv.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", monitoring.MetricsHandler()).Methods(http.MethodGet)

	api := r.PathPrefix("/historical").Subrouter()
	api.Use(srv.policyMiddleware, srv.rateLimitMiddleware)
	api.HandleFunc("/{from}/{to}", srv.handleHistorical).Methods(http.MethodGet)
	api.HandleFunc("/{from}/{to}/{timeframe}", srv.handleHistorical).Methods(http.MethodGet)
	api.HandleFunc("/{from}/{to}/{timeframe}/{markets}", srv.handleHistorical).Methods(http.MethodGet)

	if srv.dispatcher != nil {
		wsRoutes := r.PathPrefix("/ws").Subrouter()
		wsRoutes.Use(srv.policyMiddleware, srv.rateLimitMiddleware)
		wsRoutes.HandleFunc("", srv.handleWebSocket)
		wsRoutes.HandleFunc("/{pairs}", srv.handleWebSocket)
	}

	return r
}

// Start opens the listener and serves until Shutdown.
func (srv *Server) Start() error {
	listener, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.addr, err)
	}
	srv.listener = listener

	srv.logger.Info().Str("addr", srv.addr).Msg("HTTP server listening")

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		err := srv.httpSrv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			srv.logger.Error().Err(err).Msg("HTTP accept loop error")
		}
	}()
	return nil
}

// Shutdown stops accepting connections, closes every live session, and
// waits for the pumps to drain.
func (srv *Server) Shutdown() {
	srv.logger.Info().Msg("Shutting down HTTP server")
	srv.shuttingDown.Store(true)

	if srv.listener != nil {
		srv.listener.Close()
	}

	srv.sessions.Range(func(_, value any) bool {
		value.(*Session).closeGoingAway()
		return true
	})

	srv.wg.Wait()
	srv.logger.Info().Msg("HTTP server stopped")
}

func (srv *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "hi"})
}

func (srv *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if srv.dispatcher != nil {
		clients = srv.dispatcher.ClientCount()
	}
	pending := 0
	if srv.chunk != nil {
		pending = srv.chunk.Len()
	}
	body := map[string]any{
		"status":  "ok",
		"clients": clients,
		"feeds":   srv.registry.Count(),
		"pending": pending,
	}
	if srv.sysMon != nil {
		m := srv.sysMon.Metrics()
		body["memory_mb"] = m.MemoryMB
		body["goroutines"] = m.Goroutines
	}
	writeJSON(w, http.StatusOK, body)
}

// handleWebSocket upgrades the request and hands the socket to a session.
// Capacity is enforced with a non-blocking semaphore so a full house answers
// immediately instead of queueing.
func (srv *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if srv.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	select {
	case srv.slots <- struct{}{}:
	default:
		monitoring.ClientsRejected.WithLabelValues("capacity").Inc()
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-srv.slots
		monitoring.ClientsRejected.WithLabelValues("upgrade").Inc()
		srv.logger.Debug().Err(err).Str("ip", clientIP(r)).Msg("Websocket upgrade failed")
		return
	}

	id := srv.clientSeq.Add(1)
	s := newSession(id, conn, srv.logger)
	s.setPairs(resolvePairs(srv.registry, mux.Vars(r)["pairs"]))

	if welcome, err := json.Marshal(newWelcome(srv.registry)); err == nil {
		s.TrySend(welcome)
	}

	srv.sessions.Store(id, s)
	srv.dispatcher.Register(s)
	monitoring.ClientsTotal.Inc()

	srv.wg.Add(2)
	go func() { defer srv.wg.Done(); srv.writePump(s) }()
	go func() { defer srv.wg.Done(); srv.readPump(s) }()

	srv.logger.Info().
		Int64("client_id", id).
		Str("ip", clientIP(r)).
		Strs("pairs", s.Pairs()).
		Msg("Client connected")
}

// disconnect tears a session down and frees its capacity slot. Called once,
// from the read pump's defer.
func (srv *Server) disconnect(s *Session) {
	srv.dispatcher.Unregister(s.id)
	srv.sessions.Delete(s.id)
	s.close()

	select {
	case <-srv.slots:
	default:
	}

	srv.logger.Info().Int64("client_id", s.id).Msg("Client disconnected")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
