package models

import (
	"encoding/json"
	"time"
)

// Priority orders queued commands: high entries are inserted at the head of
// the queue, normal and low at the tail.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// QueueEntry is one durable command awaiting execution. Entries are owned
// exclusively by the offline queue.
type QueueEntry struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data,omitempty"`
	Priority    Priority        `json:"priority"`
	CreatedAt   time.Time       `json:"createdAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	LastError   string          `json:"lastError,omitempty"`
}

// Expired reports whether the entry's TTL has elapsed.
func (e *QueueEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(now)
}

// DeadLetter is a queue entry that exhausted its retry budget. The
// dead-letter store is append-only and never replayed.
type DeadLetter struct {
	Entry    QueueEntry `json:"entry"`
	DeadAt   time.Time  `json:"deadAt"`
	Reason   string     `json:"reason"`
	Attempts int        `json:"attempts"`
}
