// Package gateway is the HTTP/WebSocket front door: the web client
// connects to /ws for chat and live events, and a small JSON API covers
// auth, costs, and generated files.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/haven/internal/agent"
	"github.com/nextlevelbuilder/haven/internal/bus"
	"github.com/nextlevelbuilder/haven/internal/config"
	"github.com/nextlevelbuilder/haven/internal/store"
)

// TurnRunner executes one agent turn. *agent.Engine implements it.
type TurnRunner interface {
	Run(ctx context.Context, req agent.TurnRequest) (*agent.TurnResult, error)
}

// Server handles WebSocket chat connections and the HTTP API.
type Server struct {
	cfg    *config.Config
	store  *store.Store
	engine TurnRunner
	events bus.EventPublisher

	upgrader websocket.Upgrader
	limiter  *ipLimiter

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
}

// NewServer creates a gateway server.
func NewServer(cfg *config.Config, st *store.Store, engine TurnRunner, events bus.EventPublisher) *Server {
	s := &Server{
		cfg:     cfg,
		store:   st,
		engine:  engine,
		events:  events,
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Cookie auth happens before the upgrade; the origin check stays
		// permissive for CLI and same-host clients.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	s.limiter = newIPLimiter(cfg.Snapshot().Gateway.RateLimitRPM)
	return s
}

// Handler builds the HTTP mux with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/api/auth/setup", s.rateLimited(s.handleAuthSetup))
	mux.HandleFunc("/api/auth/login", s.rateLimited(s.handleAuthLogin))
	mux.HandleFunc("/api/auth/logout", s.rateLimited(s.handleAuthLogout))
	mux.HandleFunc("/api/auth/status", s.handleAuthStatus)

	mux.HandleFunc("/api/costs", s.authenticated(s.handleCosts))
	mux.HandleFunc("/api/files", s.authenticated(s.handleFiles))
	return mux
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	gw := s.cfg.Snapshot().Gateway
	addr := fmt.Sprintf("%s:%d", gw.Host, gw.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}

	slog.Info("gateway starting", "addr", addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleWebSocket authenticates the cookie, upgrades, and runs the
// client until it disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := s.userFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(conn, s, user)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()
	client.Run(r.Context())
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c

	if s.events != nil {
		s.events.Subscribe(c.id, func(event bus.Event) {
			c.sendEvent(agent.Event{Type: event.Name, Payload: toPayload(event.Payload)})
		})
	}
	slog.Info("client connected", "id", c.id, "user", c.user.Username)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	if s.events != nil {
		s.events.Unsubscribe(c.id)
	}
	slog.Info("client disconnected", "id", c.id)
}

func toPayload(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	if v == nil {
		return nil
	}
	return map[string]any{"data": v}
}

// rateLimited wraps a handler with the per-IP token bucket.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// StartTestServer listens on a random local port; integration tests dial
// the returned address.
func StartTestServer(ctx context.Context, s *Server) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	s.httpServer = &http.Server{Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()
	go s.httpServer.Serve(ln)
	addr := ln.Addr().String()
	if strings.HasPrefix(addr, "[::]") {
		addr = "127.0.0.1" + strings.TrimPrefix(addr, "[::]")
	}
	return addr, nil
}
