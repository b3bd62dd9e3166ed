// Package gateway implements the in-process message fabric: a WebSocket
// server that routes Request frames to the single service owning each
// method, fans Event frames out to subscribers with a global sequence
// number, and tracks in-flight forwards with per-request timeouts.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/chozzz/vargos/pkg/protocol"
)

// Options configures a gateway server.
type Options struct {
	Host           string
	Port           int
	RequestTimeout time.Duration // per forwarded request; default 10s
	PingInterval   time.Duration // liveness probe; default 30s
	RateLimitRPS   float64       // per-connection request rate; 0 disables
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Host == "" {
		out.Host = "127.0.0.1"
	}
	if out.Port == 0 {
		out.Port = 9000
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 10 * time.Second
	}
	if out.PingInterval <= 0 {
		out.PingInterval = 30 * time.Second
	}
	return out
}

// Server accepts service connections and routes frames between them.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	registry *Registry
	pending  *pendingTable
	seq      atomic.Uint64

	mu       sync.RWMutex
	conns    map[string]*Conn
	limiters map[*Conn]*rate.Limiter
	shutdown bool

	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a gateway server. Call Start to begin listening.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:     opts.withDefaults(),
		registry: NewRegistry(),
		pending:  newPendingTable(),
		conns:    make(map[string]*Conn),
		limiters: make(map[*Conn]*rate.Limiter),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return s
}

// Addr returns the bound listen address once Start has been called.
func (s *Server) Addr() string {
	if s.listener == nil {
		return fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	}
	return s.listener.Addr().String()
}

// Start binds the listener and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: mux}

	slog.Info("gateway starting", "addr", ln.Addr().String())

	pingCtx, cancelPing := context.WithCancel(ctx)
	go s.pingLoop(pingCtx)

	go func() {
		<-ctx.Done()
		cancelPing()
		s.Stop()
	}()

	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Stop fails all pending forwards with SHUTTING_DOWN, closes every
// connection with a going-away frame, and shuts the HTTP server down.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.pending.DrainAll(func(id string, caller *Conn) {
		caller.Send(protocol.NewErrorResponse(id, protocol.ErrShuttingDown, "gateway shutting down"))
	})

	for _, c := range conns {
		c.closeWithCode(websocket.CloseGoingAway, "shutting down")
	}

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}
	slog.Info("gateway stopped")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","services":%d}`, len(s.registry.Snapshot().Services))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	conn := newConn(uuid.NewString(), ws)

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		conn.closeWithCode(websocket.CloseGoingAway, "shutting down")
		return
	}
	s.conns[conn.id] = conn
	if s.opts.RateLimitRPS > 0 {
		s.limiters[conn] = rate.NewLimiter(rate.Limit(s.opts.RateLimitRPS), int(s.opts.RateLimitRPS)+1)
	}
	s.mu.Unlock()

	slog.Info("connection opened", "conn", conn.id)

	defer s.dropConn(conn)

	ws.SetPongHandler(func(string) error { return nil })
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(conn, data)
	}
}

// dropConn tears down a connection: unregister its service, remove its
// routes and subscriptions, silently drop its pending calls, and
// publish service.disconnected.
func (s *Server) dropConn(conn *Conn) {
	conn.markClosed()
	conn.ws.Close()

	s.mu.Lock()
	delete(s.conns, conn.id)
	delete(s.limiters, conn)
	s.mu.Unlock()

	service := s.registry.Unregister(conn)
	s.pending.DropCaller(conn)

	slog.Info("connection closed", "conn", conn.id, "service", service)

	if service != "" {
		s.publishEvent(protocol.NewEvent("gateway", protocol.EventServiceDisconnected,
			map[string]string{"service": service}))
	}
}

func (s *Server) handleFrame(conn *Conn, data []byte) {
	frame, err := protocol.ParseFrame(data)
	if err != nil {
		// Best effort: recover the request id so the caller's future
		// resolves instead of timing out.
		var probe struct {
			ID string `json:"id"`
		}
		json.Unmarshal(data, &probe)
		conn.Send(protocol.NewErrorResponse(probe.ID, protocol.ErrParse, err.Error()))
		return
	}

	switch frame.Type {
	case protocol.FrameRequest:
		s.handleRequest(conn, frame, data)
	case protocol.FrameResponse:
		s.handleResponse(frame, data)
	case protocol.FrameEvent:
		s.handleEvent(conn, frame)
	}
}

func (s *Server) handleRequest(conn *Conn, frame *protocol.Frame, raw []byte) {
	switch frame.Method {
	case protocol.MethodRegister:
		s.handleRegister(conn, frame)
		return
	case protocol.MethodStats:
		conn.Send(protocol.NewResponse(frame.ID, s.Stats()))
		return
	}

	s.mu.RLock()
	limiter := s.limiters[conn]
	s.mu.RUnlock()
	if limiter != nil && !limiter.Allow() {
		conn.Send(protocol.NewErrorResponse(frame.ID, protocol.ErrRateLimited, "request rate exceeded"))
		return
	}

	handler := s.registry.Route(frame.Method)
	if handler == nil {
		conn.Send(protocol.NewErrorResponse(frame.ID, protocol.ErrNoHandler, "no handler for "+frame.Method))
		return
	}
	if !handler.Live() {
		conn.Send(protocol.NewErrorResponse(frame.ID, protocol.ErrServiceUnavailable, "handler for "+frame.Method+" is not live"))
		return
	}

	s.pending.Add(frame.ID, conn, s.opts.RequestTimeout, func(id string, caller *Conn) {
		caller.Send(protocol.NewErrorResponse(id, protocol.ErrTimeout, "request timed out"))
	})

	// Forward verbatim; the handler sees the caller's exact frame.
	if err := handler.sendRaw(raw); err != nil {
		if s.pending.Resolve(frame.ID) != nil {
			conn.Send(protocol.NewErrorResponse(frame.ID, protocol.ErrServiceUnavailable, "forward failed: "+err.Error()))
		}
	}
}

func (s *Server) handleRegister(conn *Conn, frame *protocol.Frame) {
	var reg protocol.ServiceRegistration
	if err := json.Unmarshal(frame.Params, &reg); err != nil {
		conn.Send(protocol.NewErrorResponse(frame.ID, protocol.ErrRegisterFailed, "bad registration payload: "+err.Error()))
		return
	}
	if err := reg.Validate(); err != nil {
		conn.Send(protocol.NewErrorResponse(frame.ID, protocol.ErrRegisterFailed, err.Error()))
		return
	}

	displaced, snap := s.registry.Register(conn, reg)
	if displaced != nil {
		slog.Warn("service re-registered, displacing prior connection",
			"service", reg.Service, "prior_conn", displaced.id)
		s.pending.DropCaller(displaced)
		displaced.closeWithCode(websocket.CloseNormalClosure, "replaced by newer registration")
	}

	slog.Info("service registered",
		"service", reg.Service,
		"methods", len(reg.Methods),
		"subscriptions", len(reg.Subscriptions),
	)
	conn.Send(protocol.NewResponse(frame.ID, snap))
}

func (s *Server) handleResponse(frame *protocol.Frame, raw []byte) {
	caller := s.pending.Resolve(frame.ID)
	if caller == nil {
		// Timed out, caller gone, or duplicate response: drop.
		return
	}
	if err := caller.sendRaw(raw); err != nil {
		slog.Debug("response delivery failed", "id", frame.ID, "error", err)
	}
}

func (s *Server) handleEvent(conn *Conn, frame *protocol.Frame) {
	// Prefer the registered service name over the frame-provided source.
	if name := s.registry.ServiceName(conn); name != "" {
		frame.Source = name
	}
	s.publishEvent(frame)
}

// publishEvent assigns the next global seq and delivers a copy to every
// subscriber of the event.
func (s *Server) publishEvent(frame *protocol.Frame) {
	frame.Seq = s.seq.Add(1)

	subs := s.registry.Subscribers(frame.Event)
	if len(subs) == 0 {
		return
	}
	data, err := frame.Encode()
	if err != nil {
		slog.Error("event encode failed", "event", frame.Event, "error", err)
		return
	}
	for _, sub := range subs {
		if !sub.Live() {
			continue
		}
		if err := sub.sendRaw(data); err != nil {
			slog.Debug("event delivery failed", "event", frame.Event, "conn", sub.id, "error", err)
		}
	}
}

func (s *Server) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			conns := make([]*Conn, 0, len(s.conns))
			for _, c := range s.conns {
				conns = append(conns, c)
			}
			s.mu.RUnlock()
			for _, c := range conns {
				if err := c.ping(); err != nil {
					slog.Debug("ping failed", "conn", c.id, "error", err)
				}
			}
		}
	}
}

// Stats is the gateway.stats payload.
type Stats struct {
	Services    []string `json:"services"`
	Methods     int      `json:"methods"`
	Connections int      `json:"connections"`
	Pending     int      `json:"pending"`
	LastSeq     uint64   `json:"lastSeq"`
}

// Stats returns a point-in-time view of the fabric.
func (s *Server) Stats() Stats {
	snap := s.registry.Snapshot()
	s.mu.RLock()
	conns := len(s.conns)
	s.mu.RUnlock()
	return Stats{
		Services:    snap.Services,
		Methods:     len(snap.Methods),
		Connections: conns,
		Pending:     s.pending.Len(),
		LastSeq:     s.seq.Load(),
	}
}
