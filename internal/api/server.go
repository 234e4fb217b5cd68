// Package api serves the local read-only HTTP API. It binds to loopback
// only: it exists for on-device tooling and venue technicians, not for the
// central server, which talks over the websocket session.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/neopro/edge-agent/internal/queue"
	"github.com/neopro/edge-agent/internal/store"
	"github.com/neopro/edge-agent/internal/update"
)

// RESTServer represents the local REST API server
type RESTServer struct {
	library *store.Library
	history *store.History
	status  *store.Status
	queue   *queue.Queue
	hotspot *update.Hotspot
	version string

	router chi.Router
	server *http.Server
}

// NewRESTServer creates a new local REST API server
func NewRESTServer(library *store.Library, history *store.History, status *store.Status, q *queue.Queue, hotspot *update.Hotspot, version string) *RESTServer {
	s := &RESTServer{
		library: library,
		history: history,
		status:  status,
		queue:   q,
		hotspot: hotspot,
		version: version,
		router:  chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	// CORS: the venue dashboard runs on a different local port.
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("Starting local API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
