package store

import (
	"sync"
	"time"

	"github.com/neopro/edge-agent/internal/models"
)

// Status holds the in-memory connection status snapshot maintained by the
// session manager and read by the local API and heartbeats.
type Status struct {
	mu     sync.RWMutex
	status models.ConnectionStatus
}

// NewStatus starts disconnected.
func NewStatus() *Status {
	return &Status{
		status: models.ConnectionStatus{
			State: models.ConnDisconnected,
			Since: time.Now(),
		},
	}
}

// SetState transitions to a new state, resetting the attempt counter on a
// successful connection.
func (s *Status) SetState(state models.ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.State != state {
		s.status.State = state
		s.status.Since = time.Now()
	}
	if state == models.ConnConnected {
		s.status.Attempts = 0
		s.status.LastError = ""
	}
}

// RecordAttempt notes one failed connection attempt.
func (s *Status) RecordAttempt(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Attempts++
	if err != nil {
		s.status.LastError = err.Error()
	}
}

// Get returns the current snapshot.
func (s *Status) Get() models.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}
