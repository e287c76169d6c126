// Package serverengine implements C6's server half: the authoritative
// reconciler that accepts websocket connections, authenticates them,
// resolves create/update/delete requests against serverstore with
// optimistic concurrency, and fans out resulting change events to every
// other session belonging to the same user. Modeled on the teacher's
// internal/turso/dashboard.Server (HTTP+websocket lifecycle, broadcast
// loop) generalized from a single global client set to per-user
// sessions via sessionregistry.
package serverengine

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/docsync/docsync/internal/serverstore"
	"github.com/docsync/docsync/internal/sessionregistry"
	"github.com/docsync/docsync/internal/transport"
)

// Config configures a Server.
type Config struct {
	Addr              string
	HeartbeatInterval time.Duration
	PullLimit         int
	Logger            *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:              ":8090",
		HeartbeatInterval: 30 * time.Second,
		PullLimit:         500,
		Logger:            log.New(log.Writer(), "[serverengine] ", log.LstdFlags),
	}
}

// Server is the authoritative sync reconciler.
type Server struct {
	cfg *Config

	listener   net.Listener
	httpServer *http.Server

	docs  *serverstore.DocumentRepo
	users *serverstore.UserRepo
	creds *serverstore.CredentialRepo

	sessions *sessionregistry.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Server backed by db.
func New(db *serverstore.DB, cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = DefaultConfig().Logger
	}
	if cfg.PullLimit <= 0 {
		cfg.PullLimit = 500
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	return &Server{
		cfg:      cfg,
		docs:     serverstore.NewDocumentRepo(db),
		users:    serverstore.NewUserRepo(db),
		creds:    serverstore.NewCredentialRepo(db),
		sessions: sessionregistry.New(),
	}
}

// Start listens on cfg.Addr and begins accepting connections in the
// background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("serverengine: listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{Handler: mux, ReadTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.cfg.Logger.Printf("listening on %s", s.cfg.Addr)
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.cfg.Logger.Printf("serve error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server and waits for in-flight
// connections to drain.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

// Addr returns the server's actual listening address, useful in tests
// that bind to port 0.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// SessionCount returns the number of live sessions across all users.
func (s *Server) SessionCount() int { return s.sessions.Count() }

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.cfg.Logger.Printf("websocket upgrade failed: %v", err)
		return
	}
	conn := transport.NewConn(ws)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.serveConnection(conn); err != nil {
			s.cfg.Logger.Printf("connection ended: %v", err)
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.SessionCount())
}
