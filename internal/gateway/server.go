// Package gateway serves the engine over websockets and hosts the attach
// client for driving a remote serve-mode peer.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/whale-sh/whale/internal/bus"
	"github.com/whale-sh/whale/internal/config"
	"github.com/whale-sh/whale/internal/store"
	"github.com/whale-sh/whale/internal/tools"
	"github.com/whale-sh/whale/pkg/protocol"
)

const (
	defaultRateLimitRPM = 20
	defaultIdleTimeout  = 5 * time.Minute
	writeTimeout        = 10 * time.Second
)

// RunFunc executes one prompt within a conversation, publishing events to
// pub until a terminal event. The cmd layer binds this to the turn loop.
type RunFunc func(ctx context.Context, session *store.Session, prompt string, pub bus.Publisher) error

// Server accepts websocket connections, one conversation per connection.
type Server struct {
	cfg      *config.Config
	sessions store.SessionStore
	registry *tools.Registry
	run      RunFunc

	upgrader   websocket.Upgrader
	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg *config.Config, sessions store.SessionStore, registry *tools.Registry, run RunFunc) *Server {
	s := &Server{cfg: cfg, sessions: sessions, registry: registry, run: run}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin enforces the allowed-origins whitelist. No configured origins
// allows everything; an absent Origin header (CLI clients) always passes.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Serve.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("websocket origin rejected", "origin", origin)
	return false
}

// Mux builds (and caches) the route table so additional listeners, such as
// the tsnet one, serve the same endpoints.
func (s *Server) Mux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.Mux()

	host := s.cfg.Serve.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := s.cfg.Serve.Port
	if port == 0 {
		port = 18790
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	tsCleanup := s.startTailscale(ctx, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}

	slog.Info("serve mode listening", "addr", addr, "protocol", protocol.ProtocolVersion)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// StartTestServer listens on a random local port; integration tests drive
// the returned address.
func StartTestServer(ctx context.Context, s *Server) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	s.httpServer = &http.Server{Handler: s.Mux()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()
	go s.httpServer.Serve(ln)
	return ln.Addr().String(), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	c := newConn(conn, s)
	defer c.close()
	c.run(r.Context())
}

func (s *Server) rateLimiter() *rate.Limiter {
	rpm := s.cfg.Serve.RateLimitRPM
	if rpm == 0 {
		rpm = defaultRateLimitRPM
	}
	if rpm < 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rpm)/60, 5)
}

func (s *Server) idleTimeout() time.Duration {
	if s.cfg.Serve.IdleTimeoutSec > 0 {
		return time.Duration(s.cfg.Serve.IdleTimeoutSec) * time.Second
	}
	return defaultIdleTimeout
}
