// Package gateway implements the Gateway (C9, §4.9): the client-facing
// WebSocket/HTTP surface. It admits sessions, proxies the bidirectional
// conversation between client and AgentSession, extracts intent/credentials
// from user turns, intercepts handoff requests and applies memory updates.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/sonic/internal/config"
	"github.com/nextlevelbuilder/sonic/internal/decision"
	"github.com/nextlevelbuilder/sonic/internal/persona"
	"github.com/nextlevelbuilder/sonic/internal/registry"
	"github.com/nextlevelbuilder/sonic/internal/store"
	"github.com/nextlevelbuilder/sonic/internal/toolclient"
	"github.com/nextlevelbuilder/sonic/internal/tracing"
	"github.com/nextlevelbuilder/sonic/pkg/protocol"
)

// Server is the Gateway (C9).
type Server struct {
	cfg      *config.Config
	registry *registry.Registry
	sessions store.SessionStore
	personas *persona.Loader
	tools    *toolclient.Client
	decision *decision.Evaluator
	tracer   *tracing.Tracer

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	clients  map[string]*clientSession

	// handoffGroup collapses concurrent duplicate handoff resolutions for
	// the same session (§4.9 step 2) onto a single in-flight call.
	handoffGroup singleflight.Group

	httpServer *http.Server
	mux        *http.ServeMux
}

// Deps bundles the components the Gateway wires into every admitted
// session.
type Deps struct {
	Registry *registry.Registry
	Sessions store.SessionStore
	Personas *persona.Loader
	Tools    *toolclient.Client
	Decision *decision.Evaluator
	Tracer   *tracing.Tracer
}

// NewServer builds a Gateway bound to cfg and deps.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		registry: deps.Registry,
		sessions: deps.Sessions,
		personas: deps.Personas,
		tools:    deps.Tools,
		decision: deps.Decision,
		tracer:   deps.Tracer,
		clients:  make(map[string]*clientSession),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return s
}

// BuildMux registers every route of §6.1/§6.3 and caches the mux so a
// secondary listener (e.g. tsnet) can reuse it.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/sonic", s.handleClientWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/api/agents", s.handleAgentsList)
	mux.HandleFunc("/api/agents/", s.handleAgentByID)
	mux.HandleFunc("/api/personas", s.handlePersonasList)
	mux.HandleFunc("/api/personas/", func(w http.ResponseWriter, r *http.Request) {
		s.handlePersonaByIDPath(w, r, "/api/personas")
	})
	mux.HandleFunc("/api/sessions", s.handleSessionsList)
	mux.HandleFunc("/api/sessions/", s.handleSessionByID)

	s.mux = mux
	return mux
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway: listen: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "protocol": protocol.ProtocolVersion})
}

func (s *Server) registerClient(cs *clientSession) {
	s.mu.Lock()
	s.clients[cs.id] = cs
	s.mu.Unlock()
}

func (s *Server) unregisterClient(id string) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

// ReloadLivePersonas re-reads the persona/prompt for every connected
// session's current agent and hot-pushes any change into its AgentSession.
// Wired as the config.DirWatcher callback (§4.4): persona files are
// immutable for a session's lifetime except through this explicit path.
func (s *Server) ReloadLivePersonas() {
	s.mu.RLock()
	sessions := make([]*clientSession, 0, len(s.clients))
	for _, cs := range s.clients {
		sessions = append(sessions, cs)
	}
	s.mu.RUnlock()

	for _, cs := range sessions {
		cs.reloadPersonaPrompt()
	}
}

func (s *Server) handleClientWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway: websocket upgrade failed", "error", err)
		return
	}

	cs := newClientSession(s, conn)
	s.registerClient(cs)
	defer s.unregisterClient(cs.id)

	cs.run(r.Context())
}
