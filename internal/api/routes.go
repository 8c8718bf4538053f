package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/auth"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/tracing"
)

// ServerOptions configures the outer middleware. Nil fields are skipped.
type ServerOptions struct {
	CORSOrigins []string
	Auth        *auth.Middleware
	RateLimiter *auth.PerIPRateLimiter
	Tracing     *tracing.Provider
}

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	handler  http.Handler
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers, opts *ServerOptions) *Server {
	if opts == nil {
		opts = &ServerOptions{}
	}
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes()

	var handler http.Handler = s.router
	if opts.Auth != nil {
		handler = opts.Auth.Handler(handler)
	}
	if opts.RateLimiter != nil {
		handler = opts.RateLimiter.Handler(handler)
	}
	if len(opts.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowCredentials: true,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "Last-Event-ID", "X-Request-ID"},
			ExposedHeaders:   []string{"Content-Type", "X-Request-ID"},
		}).Handler(handler)
	}
	if opts.Tracing != nil {
		handler = opts.Tracing.Handler(handler, "taskgraph.http")
	}
	s.handler = handler
	return s
}

// Router returns the configured handler for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.handler
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Sessions
	api.HandleFunc("/sessions/{contextID}/messages", s.handlers.PostMessage).Methods("POST")
	api.HandleFunc("/sessions/{contextID}", s.handlers.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{contextID}", s.handlers.DeleteSession).Methods("DELETE")

	// Recorded runs
	api.HandleFunc("/runs", s.handlers.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handlers.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/events", s.handlers.StreamEvents).Methods("GET")
	api.HandleFunc("/runs/{id}/archive", s.handlers.ListArchive).Methods("GET")

	// Agent registry
	api.HandleFunc("/agents", s.handlers.ListAgents).Methods("GET")
	api.HandleFunc("/agents", s.handlers.CreateAgent).Methods("POST")
	api.HandleFunc("/agents/{id}", s.handlers.GetAgent).Methods("GET")
	api.HandleFunc("/agents/{id}", s.handlers.UpdateAgent).Methods("PUT")
	api.HandleFunc("/agents/{id}", s.handlers.DeleteAgent).Methods("DELETE")

	// RunStore diagnostics
	api.HandleFunc("/runstore/info", s.handlers.RunStoreInfo).Methods("GET")

	s.router.Use(s.handlers.RecoveryMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
}
