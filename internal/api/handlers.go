package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// HandleHealth handles the liveness probe
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"time":    time.Now().UTC(),
	})
}

// HandleStatus returns the connection status snapshot
func (s *RESTServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"connection": s.status.Get(),
		"queue":      s.queue.Len(),
	})
}

// HandleConfig returns the local content library
func (s *RESTServer) HandleConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.library.Load()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to load library")
		return
	}
	s.respondJSON(w, http.StatusOK, cfg)
}

// HandleHistory returns recent sync records, newest first
func (s *RESTServer) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	s.respondJSON(w, http.StatusOK, s.history.Recent(limit))
}

// HandleHotspot returns the hotspot settings with the secret masked
func (s *RESTServer) HandleHotspot(w http.ResponseWriter, r *http.Request) {
	state, err := s.hotspot.Current()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read hotspot configuration")
		return
	}
	s.respondJSON(w, http.StatusOK, state)
}

// HandleQueue returns the pending offline queue entries
func (s *RESTServer) HandleQueue(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.queue.Snapshot())
}

// HandleDeadLetters returns permanently failed queue entries
func (s *RESTServer) HandleDeadLetters(w http.ResponseWriter, r *http.Request) {
	dead, err := s.queue.DeadLetters()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read dead letters")
		return
	}
	s.respondJSON(w, http.StatusOK, dead)
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
