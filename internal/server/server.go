package server

import (
	"net/http"

	"github.com/go-logr/logr"

	"github.com/peterje/dbgmcp/internal/api"
	"github.com/peterje/dbgmcp/internal/flavor"
	"github.com/peterje/dbgmcp/internal/history"
	"github.com/peterje/dbgmcp/internal/models"
	"github.com/peterje/dbgmcp/internal/preflight"
	"github.com/peterje/dbgmcp/internal/sessions"
	"github.com/peterje/dbgmcp/internal/ws"
)

type Server struct {
	mux      *http.ServeMux
	log      logr.Logger
	manager  sessions.Manager
	flavors  flavor.Set
	history  *history.Store
	shepherd bool
}

// New builds the HTTP server. store may be nil; shepherd reports whether
// manager is a shepherd client.
func New(log logr.Logger, manager sessions.Manager, flavors flavor.Set, store *history.Store, shepherd bool) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		log:      log,
		manager:  manager,
		flavors:  flavors,
		history:  store,
		shepherd: shepherd,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handler is the server wrapped in request logging and panic recovery.
func (s *Server) Handler() http.Handler {
	return loggingMiddleware(s.log, recoveryMiddleware(s.log, s))
}

func (s *Server) routes() {
	sessionsHandler := api.NewSessionsHandler(s.log.WithName("api"), s.manager, s.flavors, s.history)
	flavors := api.NewFlavorsHandler(s.flavors)
	wsHandler := ws.NewHandler(s.log.WithName("ws"), s.manager)

	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Flavors
	s.mux.HandleFunc("GET /api/flavors", flavors.HandleList)

	// Sessions
	s.mux.HandleFunc("GET /api/sessions", sessionsHandler.HandleList)
	s.mux.HandleFunc("POST /api/sessions", sessionsHandler.HandleCreate)
	s.mux.HandleFunc("POST /api/sessions/{id}/command", sessionsHandler.HandleCommand)
	s.mux.HandleFunc("POST /api/sessions/{id}/wait", sessionsHandler.HandleWait)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", sessionsHandler.HandleDelete)
	s.mux.HandleFunc("GET /api/sessions/{id}/history", sessionsHandler.HandleHistory)

	// WebSocket
	s.mux.Handle("GET /ws/session/{id}", wsHandler)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := models.HealthResponse{
		Status:   "ok",
		Flavors:  preflight.Check(s.flavors),
		Sessions: len(s.manager.List()),
		Shepherd: s.shepherd,
	}
	api.WriteJSON(w, http.StatusOK, resp)
}
