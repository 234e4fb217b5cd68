package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes. Everything here is read-only:
// mutations come from the central server over the session, never from the
// local network.
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	r.Get("/health", s.HandleHealth)

	r.Get("/status", s.HandleStatus)
	r.Get("/config", s.HandleConfig)
	r.Get("/history", s.HandleHistory)
	r.Get("/hotspot", s.HandleHotspot)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", s.HandleQueue)
		r.Get("/dead", s.HandleDeadLetters)
	})
}
