// Copyright 2026 The Spyglass Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spyglass-dev/spyglass/lib/clock"
	"github.com/spyglass-dev/spyglass/lib/version"
)

// defaultSweepInterval is how often the registry sweep runs. Sweep
// granularity bounds how late a cooldown expiry or purge can fire;
// one second is far below any meaningful TTL.
const defaultSweepInterval = time.Second

// shutdownReconnectAfter is the redial hint in the SHUTDOWN advisory.
const shutdownReconnectAfter = 2 * time.Second

// ServerConfig configures a Server.
type ServerConfig struct {
	// WebSocketAddress is the TCP address for the /ws/app and
	// /ws/dashboard upgrade endpoints. Required.
	WebSocketAddress string

	// HTTPAddress is the TCP address for /healthz, /api/sessions and
	// /api/status. Empty disables the status server.
	HTTPAddress string

	// MaxConnections caps simultaneous WebSocket connections of both
	// roles. Zero means unlimited.
	MaxConnections int

	// MaxMessageBytes is the hard per-frame cap. Defaults to
	// MaxMessageBytes (1 MB) if zero.
	MaxMessageBytes int64

	// Registry and Router are the relay core. Required.
	Registry *Registry
	Router   *Router

	// Clock is the time source. Required.
	Clock clock.Clock

	// Logger is the structured logger. Required.
	Logger *slog.Logger

	// Metrics receives counters. Optional.
	Metrics *Metrics

	// SweepInterval overrides the registry sweep period. Defaults to
	// one second.
	SweepInterval time.Duration
}

// Server is the connection acceptor: it owns the listening sockets,
// upgrades the two endpoint classes to WebSocket, runs a read loop
// per connection, and feeds frames to the Router. It also serves the
// read-only HTTP status surface and runs the periodic registry sweep.
//
// Follows the usual lifecycle: Serve(ctx) blocks until the context is
// cancelled, then performs graceful shutdown (SHUTDOWN advisory to
// producers, listeners closed, connections torn down).
type Server struct {
	config   ServerConfig
	registry *Registry
	router   *Router
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *Metrics

	upgrader websocket.Upgrader

	// ready is closed once both listeners are bound.
	ready chan struct{}

	// wsAddr and httpAddr are the resolved listen addresses,
	// available after ready closes. Useful with port 0 in tests.
	wsAddr   net.Addr
	httpAddr net.Addr

	startedAt time.Time
	active    atomic.Int64
}

// NewServer creates a Server. Panics on missing required fields.
func NewServer(cfg ServerConfig) *Server {
	if cfg.WebSocketAddress == "" {
		panic("relay.Server: WebSocketAddress is required")
	}
	if cfg.Registry == nil || cfg.Router == nil {
		panic("relay.Server: Registry and Router are required")
	}
	if cfg.Clock == nil {
		panic("relay.Server: Clock is required")
	}
	if cfg.Logger == nil {
		panic("relay.Server: Logger is required")
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = MaxMessageBytes
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Server{
		config:   cfg,
		registry: cfg.Registry,
		router:   cfg.Router,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// LAN/localhost trust model: dashboards are local web
			// pages, producers are native apps without Origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ready: make(chan struct{}),
	}
}

// Ready returns a channel closed once the listeners are bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// WebSocketAddr returns the resolved WebSocket listen address. Only
// valid after Ready() is closed.
func (s *Server) WebSocketAddr() net.Addr { return s.wsAddr }

// HTTPAddr returns the resolved status listen address, or nil when
// the status server is disabled. Only valid after Ready() is closed.
func (s *Server) HTTPAddr() net.Addr { return s.httpAddr }

// Serve accepts connections until ctx is cancelled, then shuts down
// gracefully. Returns nil on clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	wsListener, err := net.Listen("tcp", s.config.WebSocketAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.WebSocketAddress, err)
	}
	defer wsListener.Close()
	s.wsAddr = wsListener.Addr()

	var httpListener net.Listener
	if s.config.HTTPAddress != "" {
		httpListener, err = net.Listen("tcp", s.config.HTTPAddress)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", s.config.HTTPAddress, err)
		}
		defer httpListener.Close()
		s.httpAddr = httpListener.Addr()
	}

	s.startedAt = s.clock.Now()
	close(s.ready)

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws/app", s.handleProducer)
	wsMux.HandleFunc("/ws/dashboard", s.handleConsumer)
	wsServer := &http.Server{
		Handler:           wsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErrs := make(chan error, 2)
	go func() {
		if err := wsServer.Serve(wsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrs <- fmt.Errorf("websocket server: %w", err)
			return
		}
		serveErrs <- nil
	}()

	var statusServer *http.Server
	if httpListener != nil {
		statusServer = &http.Server{
			Handler:           s.statusMux(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
		go func() {
			if err := statusServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErrs <- fmt.Errorf("status server: %w", err)
				return
			}
			serveErrs <- nil
		}()
	}

	// Periodic registry sweep: cooldown expiry and TTL purge.
	sweepDone := make(chan struct{})
	go s.runSweepLoop(ctx, sweepDone)

	s.logger.Info("relay listening",
		"websocket", s.wsAddr.String(),
		"http", addrString(s.httpAddr),
		"max_connections", s.config.MaxConnections,
	)

	select {
	case <-ctx.Done():
		s.logger.Info("relay shutting down")
	case err := <-serveErrs:
		if err != nil {
			return err
		}
		return nil
	}

	// Advisory first, while producer connections are still up.
	s.router.Shutdown("relay stopping", shutdownReconnectAfter)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("websocket server shutdown error", "error", err)
	}
	if statusServer != nil {
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("status server shutdown error", "error", err)
		}
	}
	<-sweepDone
	s.logger.Info("relay stopped")
	return nil
}

func (s *Server) runSweepLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := s.clock.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.router.Sweep()
		}
	}
}

// --- WebSocket endpoints ---

// handleProducer upgrades /ws/app connections and runs the producer
// read loop until the socket dies.
func (s *Server) handleProducer(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.upgrade(w, r)
	if !ok {
		return
	}

	conn := newConn(RoleProducer, ws, s.logger)
	go conn.run()
	defer s.release(conn)

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			s.handleProducerReadError(conn, ws, err)
			return
		}
		if !s.router.HandleProducerFrame(conn, frame) {
			// Pre-registration protocol violation: the ERROR frame
			// is queued; give the writer a moment to flush it.
			s.drainAndClose(conn)
			return
		}
	}
}

// handleProducerReadError maps the read failure onto the session
// lifecycle: a clean close frame ends the session explicitly, an
// oversized frame is a PayloadTooLarge rejection, anything else is a
// transient drop that opens the resume window.
func (s *Server) handleProducerReadError(conn *Conn, ws *websocket.Conn, err error) {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		s.router.ProducerClosed(conn, true)
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Warn("producer frame over size cap, closing",
			"limit", s.config.MaxMessageBytes)
		s.metrics.ErrorsSent.Add(1)
		conn.send(encodeFrame(TypeError, s.clock.Now(), "", ErrorPayload{
			Code:    ErrCodePayloadTooLarge,
			Message: fmt.Sprintf("frame exceeds %d byte cap", s.config.MaxMessageBytes),
		}))
		s.drainAndClose(conn)
		s.router.ProducerClosed(conn, false)
	default:
		s.router.ProducerClosed(conn, false)
	}
}

// handleConsumer upgrades /ws/dashboard connections and runs the
// consumer read loop.
func (s *Server) handleConsumer(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.upgrade(w, r)
	if !ok {
		return
	}

	conn := newConn(RoleConsumer, ws, s.logger)
	go conn.run()
	defer s.release(conn)

	s.router.ConsumerConnected(conn)
	defer s.router.ConsumerDisconnected(conn)

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.logger.Warn("consumer frame over size cap, closing",
					"limit", s.config.MaxMessageBytes)
			}
			return
		}
		s.router.HandleConsumerFrame(conn, frame)
	}
}

// upgrade performs the WebSocket upgrade, enforcing the connection
// cap and the read limit.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	if limit := s.config.MaxConnections; limit > 0 && s.active.Load() >= int64(limit) {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return nil, false
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return nil, false
	}
	s.active.Add(1)
	ws.SetReadLimit(s.config.MaxMessageBytes)
	return ws, true
}

// release tears down a connection and returns its slot.
func (s *Server) release(conn *Conn) {
	conn.Close()
	s.active.Add(-1)
}

// drainAndClose gives the write pump a short window to flush queued
// frames (a final ERROR, typically) before closing the socket.
func (s *Server) drainAndClose(conn *Conn) {
	select {
	case <-conn.Closed():
	case <-time.After(250 * time.Millisecond):
	}
	conn.Close()
}

// --- HTTP status surface ---

func (s *Server) statusMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.logger, s.registry.SnapshotAll())
	})
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.logger, statusResponse{
			Service:   "spyglass-relay",
			Version:   version.Short(),
			UptimeSec: int64(s.clock.Now().Sub(s.startedAt).Seconds()),
			Metrics:   s.metrics.Snapshot(),
		})
	})
	return mux
}

type statusResponse struct {
	Service   string          `json:"service"`
	Version   string          `json:"version"`
	UptimeSec int64           `json:"uptime_seconds"`
	Metrics   MetricsSnapshot `json:"metrics"`
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("status response write failed", "error", err)
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return "disabled"
	}
	return addr.String()
}
