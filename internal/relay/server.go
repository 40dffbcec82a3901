// Package relay implements the proxy between client connections (CLIs,
// tools) and application plugin connections (creative apps). It routes
// command packets to the registered application, correlates the
// asynchronous responses back to the originating request, and fails
// in-flight requests when their target disconnects.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/appbridge/appbridge-go/internal/correlator"
	"github.com/appbridge/appbridge-go/internal/history"
	"github.com/appbridge/appbridge-go/internal/packet"
	"github.com/appbridge/appbridge-go/internal/registry"
)

// ErrNotConnected is returned when a command targets an application
// that has no registered connection. Commands are never queued for
// offline applications.
var ErrNotConnected = errors.New("application not connected")

// DefaultRequestTimeout bounds how long a routed command waits for its
// response before the caller is rejected.
const DefaultRequestTimeout = 10 * time.Second

const readDeadline = 60 * time.Second

// Server is the relay: one WebSocket endpoint shared by clients and
// applications, plus a small HTTP status surface.
type Server struct {
	port           int
	apiKey         string
	requestTimeout time.Duration

	registry   *registry.Registry
	correlator *correlator.Correlator
	history    *history.Recorder

	conns   map[*wsConn]bool
	connsMu sync.Mutex

	// Load stats
	activeRequests atomic.Int64
	totalRequests  atomic.Int64
	totalLatencyMs atomic.Int64
	startTime      time.Time

	mux *http.ServeMux
	srv *http.Server
}

// ServerConfig configures the relay Server.
type ServerConfig struct {
	Port           int
	APIKey         string
	RequestTimeout time.Duration
	Registry       *registry.Registry
	Correlator     *correlator.Correlator
	History        *history.Recorder
}

// NewServer creates a relay server. Registry and Correlator may be nil,
// in which case each Server constructs its own isolated instances.
func NewServer(cfg ServerConfig) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New(nil)
	}
	if cfg.Correlator == nil {
		cfg.Correlator = correlator.New()
	}

	s := &Server{
		port:           cfg.Port,
		apiKey:         cfg.APIKey,
		requestTimeout: cfg.RequestTimeout,
		registry:       cfg.Registry,
		correlator:     cfg.Correlator,
		history:        cfg.History,
		conns:          make(map[*wsConn]bool),
		startTime:      time.Now(),
		mux:            http.NewServeMux(),
	}

	// Register routes
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/api/status", s.withAuth(s.handleStatus))
	s.mux.HandleFunc("/api/applications", s.withAuth(s.handleApplications))
	s.mux.HandleFunc("/api/history", s.withAuth(s.handleHistory))

	return s
}

// Registry exposes the server's connection registry (status command,
// tests).
func (s *Server) Registry() *registry.Registry { return s.registry }

// Handler exposes the HTTP mux so callers can serve the relay on a
// listener they manage (tests, embedding).
func (s *Server) Handler() http.Handler { return s.mux }

// Start starts the HTTP server and heartbeat loop. Blocks until the
// listener fails or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", s.port),
		Handler: s.mux,
	}

	log.Printf("[Relay] ✅ HTTP API → http://0.0.0.0:%d", s.port)
	log.Printf("[Relay] ✅ WebSocket → ws://0.0.0.0:%d/ws", s.port)

	go s.heartbeatLoop(ctx)

	go func() {
		<-ctx.Done()
		s.closeAllConns()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop stops the server gracefully.
func (s *Server) Stop() {
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(ctx)
	}
	s.closeAllConns()
}

// --- Routing ---

// RouteCommand forwards cmd to the named application and waits for the
// correlated response, bounded by the configured request timeout.
// Exactly one send happens per routed command, and the caller sees
// exactly one outcome: the response packet, ErrNotConnected,
// correlator.ErrTimeout, or correlator.ErrDisconnected.
func (s *Server) RouteCommand(ctx context.Context, application string, cmd packet.Command) (packet.Response, error) {
	app, ok := s.registry.GetApplication(application)
	if !ok {
		return packet.Response{}, fmt.Errorf("%w: %s", ErrNotConnected, application)
	}

	p := s.correlator.Create(application, app.Conn, s.requestTimeout)

	forward := packet.Envelope{
		Type:        packet.TypeCommandPacket,
		Application: application,
		SenderID:    p.ID,
		Command:     &cmd,
	}
	if err := app.Conn.WriteJSON(forward); err != nil {
		// The connection is dying; its read loop will clean up the
		// registry. This request fails now rather than waiting out
		// the timeout.
		s.correlator.Fail(p.ID, correlator.ErrDisconnected)
	}

	return p.Await(ctx)
}

// --- WebSocket session lifecycle ---

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn wraps a websocket.Conn with a write mutex.
// gorilla/websocket does NOT support concurrent writes.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

// WriteJSON serializes writes so the read loop, RouteCommand callers,
// and the heartbeat never interleave frames. Satisfies registry.Conn.
func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteJSON(v)
}

func (c *wsConn) WritePing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsConn) WriteCloseSafe(code int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text))
}

// handleWS is the shared endpoint for clients and applications.
//
// Protocol:
//
//	app    → relay: {"type": "register", "application": "illustrator"}
//	relay  → app:   {"type": "registration_response", "status": "SUCCESS"}
//	client → relay: {"type": "command_packet", "application": "...", "command": {...}}
//	relay  → app:   {"type": "command_packet", "senderId": "...", "command": {...}}
//	app    → relay: {"type": "command_packet_response", "packet": {"senderId", "status", ...}}
//	relay  → client:{"type": "packet_response", "packet": {...}}
//
// A connection is a client session until it sends register, which
// promotes it to an application connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] ⚠️ Upgrade failed: %v", err)
		return
	}

	conn := &wsConn{Conn: raw}
	peer := r.RemoteAddr
	log.Printf("[WS] 🔗 Connected: %s", peer)

	s.connsMu.Lock()
	s.conns[conn] = true
	s.connsMu.Unlock()
	s.registry.AddClient(conn)

	defer func() {
		raw.Close()
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		s.dropConn(conn, peer)
	}()

	raw.SetReadDeadline(time.Now().Add(readDeadline))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] ⚠️ Error: %v", err)
			}
			break
		}

		// Any message received → extend deadline
		raw.SetReadDeadline(time.Now().Add(readDeadline))

		var env packet.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("[WS] ⚠️ Malformed envelope from %s: %v", peer, err)
			continue
		}

		switch env.Type {
		case packet.TypeRegister:
			s.handleRegister(conn, peer, env)

		case packet.TypeCommandPacket:
			// The handler blocks awaiting the response; run it off the
			// read loop so one client can have N commands in flight.
			go s.handleCommandPacket(conn, env)

		case packet.TypeCommandResponse:
			s.handleCommandResponse(env)

		default:
			log.Printf("[WS] ⚠️ Unknown envelope type %q from %s", env.Type, peer)
		}
	}
}

// handleRegister promotes a connection to an application connection.
// Last registration wins: the superseded connection is closed and its
// in-flight requests failed as disconnections, never silently
// reassigned to the new connection.
func (s *Server) handleRegister(conn *wsConn, peer string, env packet.Envelope) {
	name := env.Application
	if name == "" {
		conn.WriteJSON(packet.Envelope{
			Type:    packet.TypeRegistrationResponse,
			Status:  packet.StatusFailure,
			Message: "register requires an application name",
		})
		return
	}

	superseded, err := s.registry.RegisterApplication(name, conn)
	if err != nil {
		log.Printf("[WS] 🚫 Registration rejected for %s: %v", peer, err)
		conn.WriteJSON(packet.Envelope{
			Type:    packet.TypeRegistrationResponse,
			Status:  packet.StatusFailure,
			Message: err.Error(),
		})
		return
	}

	if superseded != nil {
		// The registry already routes to the new connection. Failure is
		// keyed by the old connection, so a command that raced to the
		// new one stays pending.
		superseded.Close()
		s.correlator.FailAllOn(superseded, correlator.ErrDisconnected)
		log.Printf("[WS] 🔄 %s re-registered, previous connection closed", name)
	}

	log.Printf("[WS] ✅ Application registered: %s (%s)", name, peer)
	conn.WriteJSON(packet.Envelope{
		Type:    packet.TypeRegistrationResponse,
		Status:  packet.StatusSuccess,
		Message: fmt.Sprintf("registered as %s", name),
	})
}

// handleCommandPacket routes one client command and writes the
// packet_response back on the same connection. Relay-level failures
// (not connected, timeout, disconnected) are synthesized into FAILURE
// packets; application-level failures pass through verbatim.
func (s *Server) handleCommandPacket(conn *wsConn, env packet.Envelope) {
	s.activeRequests.Add(1)
	start := time.Now()
	defer func() {
		s.activeRequests.Add(-1)
		s.totalRequests.Add(1)
		s.totalLatencyMs.Add(time.Since(start).Milliseconds())
	}()

	var pkt packet.Response
	var cmd packet.Command
	if env.Command != nil {
		cmd = *env.Command
	}

	switch {
	case env.Application == "":
		pkt = packet.Failure("", "command_packet requires an application name")
	case env.Command == nil:
		pkt = packet.Failure("", "command_packet requires a command")
	default:
		resp, err := s.RouteCommand(context.Background(), env.Application, cmd)
		if err != nil {
			pkt = packet.Failure("", err.Error())
		} else {
			pkt = resp
		}
	}

	s.record(env.Application, cmd.Action, pkt.Status, time.Since(start))

	out := packet.Envelope{Type: packet.TypePacketResponse, Packet: &pkt}
	if err := conn.WriteJSON(out); err != nil {
		// Client went away before its response arrived; the packet is
		// discarded, never delivered to a reused handle.
		log.Printf("[Relay] ⚠️ Client gone, discarding response for %s/%s", env.Application, cmd.Action)
	}
}

// handleCommandResponse feeds an application's response into the
// correlator. Unknown sender IDs are dropped there with a warning.
func (s *Server) handleCommandResponse(env packet.Envelope) {
	if env.Packet == nil || env.Packet.SenderID == "" {
		log.Printf("[Relay] ⚠️ command_packet_response without a senderId, dropping")
		return
	}
	s.correlator.Resolve(env.Packet.SenderID, *env.Packet)
}

// dropConn handles the disconnect of either side. Ordering matters for
// applications: the registry entry is removed first (no new command can
// route to the dead connection), then in-flight requests are failed.
func (s *Server) dropConn(conn *wsConn, peer string) {
	if name, ok := s.registry.RemoveByConn(conn); ok {
		n := s.correlator.FailAllOn(conn, correlator.ErrDisconnected)
		log.Printf("[WS] 🔌 Application disconnected: %s (%s), %d request(s) failed", name, peer, n)
		return
	}
	if s.registry.RemoveClient(conn) {
		log.Printf("[WS] 🔌 Client disconnected: %s", peer)
	}
}

// record appends to the command history when a recorder is configured.
func (s *Server) record(application, action, status string, latency time.Duration) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.history.Record(ctx, history.Entry{
		Application: application,
		Action:      action,
		Status:      status,
		LatencyMs:   latency.Milliseconds(),
		Timestamp:   time.Now(),
	})
}

// --- Heartbeat ---

// heartbeatLoop sends ws ping frames every 10 seconds so idle plugin
// connections survive the read deadline.
func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pingAll()
		}
	}
}

func (s *Server) pingAll() {
	s.connsMu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	for _, c := range conns {
		if err := c.WritePing(); err != nil {
			// Dead conn; its read loop will notice and clean up.
			c.Close()
		}
	}
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for c := range s.conns {
		c.WriteCloseSafe(websocket.CloseGoingAway, "relay shutdown")
		c.Close()
		delete(s.conns, c)
	}
}

// --- HTTP surface ---

func (s *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+s.apiKey {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
		}
		handler(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":       "ok",
		"uptime":       int(time.Since(s.startTime).Seconds()),
		"applications": s.registry.Applications(),
		"clients":      s.registry.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	total := s.totalRequests.Load()
	var avgMs int64
	if total > 0 {
		avgMs = s.totalLatencyMs.Load() / total
	}
	writeJSON(w, map[string]any{
		"uptime":          int(time.Since(s.startTime).Seconds()),
		"applications":    s.registry.Applications(),
		"clients":         s.registry.ClientCount(),
		"pendingRequests": s.correlator.Len(),
		"activeRequests":  s.activeRequests.Load(),
		"totalRequests":   total,
		"avgLatencyMs":    avgMs,
	})
}

func (s *Server) handleApplications(w http.ResponseWriter, _ *http.Request) {
	names := s.registry.Applications()
	apps := make([]map[string]any, 0, len(names))
	for _, name := range names {
		entry := map[string]any{"name": name}
		if app, ok := s.registry.GetApplication(name); ok {
			entry["connectedAt"] = app.ConnectedAt.Format(time.RFC3339)
		}
		apps = append(apps, entry)
	}
	writeJSON(w, map[string]any{
		"applications": apps,
		"total":        len(apps),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, map[string]any{"entries": []any{}, "total": 0})
		return
	}
	entries := s.history.Recent(r.Context(), 50)
	writeJSON(w, map[string]any{
		"entries": entries,
		"total":   len(entries),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
