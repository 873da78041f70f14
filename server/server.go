// Package server exposes keysmith editing sessions over Connect (HTTP/JSON)
// and, for editors, over the Language Server Protocol.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/keysmith/catalog"
	"github.com/chazu/keysmith/editor"
	"github.com/chazu/keysmith/execute"
	"github.com/chazu/keysmith/gateway"
	"github.com/chazu/keysmith/rpc"
)

var log = commonlog.GetLogger("keysmith.server")

// routeMux is the part of http.ServeMux the services register on.
type routeMux interface {
	Handle(pattern string, handler http.Handler)
}

// Server serves editing sessions, the block catalog and health checks on
// one port.
type Server struct {
	sessions *SessionStore
	health   *HealthService
	mux      *http.ServeMux

	mu          sync.Mutex
	http        *http.Server
	stopSweeper func()
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	executor      execute.Executor
	editorOpts    editor.Options
	serveGateway  bool
	sessionTTL    time.Duration
	sweepInterval time.Duration
}

// WithExecutor sets the executor behind EditorService.Execute. Without one
// Execute reports Unavailable.
func WithExecutor(x execute.Executor) ServerOption {
	return func(c *serverConfig) { c.executor = x }
}

// WithEditorOptions sets the options every new session is created with.
func WithEditorOptions(opts editor.Options) ServerOption {
	return func(c *serverConfig) { c.editorOpts = opts }
}

// WithGatewayService also serves the session gateway as a GatewayService.
func WithGatewayService() ServerOption {
	return func(c *serverConfig) { c.serveGateway = true }
}

// WithSessionTTL sets how long an unused session lives and how often idle
// sessions are swept. A zero ttl disables sweeping.
func WithSessionTTL(ttl, interval time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.sessionTTL = ttl
		c.sweepInterval = interval
	}
}

// New creates a Server. Sessions generate and parse through gw and take
// their vocabulary from cat.
func New(gw gateway.Gateway, cat *catalog.Manager, opts ...ServerOption) *Server {
	cfg := &serverConfig{
		sessionTTL:    30 * time.Minute,
		sweepInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	sessions := NewSessionStore(func() *editor.Engine {
		return editor.New(gw, cat, cfg.editorOpts)
	})

	services := []string{"", EditorServiceName, catalog.ServiceName}
	if cfg.serveGateway {
		services = append(services, gateway.ServiceName)
	}

	s := &Server{
		sessions: sessions,
		health:   NewHealthService(services...),
		mux:      http.NewServeMux(),
	}
	s.health.Probe(catalog.ServiceName, func() bool {
		_, err := cat.Status()
		return err == nil
	})

	codec := rpc.WithJSON()
	NewEditorService(sessions, cfg.executor).register(s.mux, codec)
	NewCatalogService(cat).register(s.mux, codec)
	if cfg.serveGateway {
		NewGatewayService(gw).register(s.mux, codec)
	}
	s.health.register(s.mux)

	if cfg.sessionTTL > 0 && cfg.sweepInterval > 0 {
		s.stopSweeper = sessions.StartSweeper(cfg.sweepInterval, cfg.sessionTTL)
	}

	return s
}

// Handler returns the HTTP handler serving every procedure.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Sessions returns the server's session store.
func (s *Server) Sessions() *SessionStore {
	return s.sessions
}

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
// It returns nil once Shutdown has been called.
func (s *Server) ListenAndServe(addr string) error {
	fmt.Printf("keysmith server listening on %s\n", addr)
	fmt.Printf("  Editor (HTTP/JSON): http://%s%s\n", addr, CreateSessionProcedure)
	fmt.Printf("  Catalog:            http://%s%s\n", addr, catalog.ListProcedure)
	fmt.Printf("  Health:             http://%s%s\n", addr, HealthCheckProcedure)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, waits for in-flight ones and then
// stops every session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.Stop()
	return err
}

// Stop stops the sweeper and every session.
func (s *Server) Stop() {
	s.mu.Lock()
	stop := s.stopSweeper
	s.stopSweeper = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.sessions.DestroyAll()
	log.Info("server stopped")
}
