package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/neopro/edge-agent/internal/models"
)

// defaultHistorySize bounds the on-disk sync history ring.
const defaultHistorySize = 200

// History records the pre/post state of every destructive operation: a
// bounded, file-backed ring of sync records for operator inspection.
type History struct {
	mu      sync.Mutex
	path    string
	max     int
	records []models.SyncRecord
	now     func() time.Time
}

// OpenHistory loads the history file, tolerating a missing or corrupt one.
func OpenHistory(path string) *History {
	h := &History{path: path, max: defaultHistorySize, now: time.Now}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("sync history unreadable, starting empty")
		}
		return h
	}
	if err := json.Unmarshal(data, &h.records); err != nil {
		log.Warn().Err(err).Msg("sync history corrupt, starting empty")
		h.records = nil
	}
	if len(h.records) > h.max {
		h.records = h.records[len(h.records)-h.max:]
	}
	return h
}

// Record appends one sync record and persists the ring. History is
// best-effort observability: persistence failures are logged, never
// propagated to the operation being recorded.
func (h *History) Record(kind models.SyncKind, detail string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records = append(h.records, models.SyncRecord{
		At:     h.now(),
		Kind:   kind,
		Detail: detail,
		OK:     ok,
	})
	if len(h.records) > h.max {
		h.records = h.records[len(h.records)-h.max:]
	}

	if err := h.persistLocked(); err != nil {
		log.Warn().Err(err).Msg("sync history persist failed")
	}
}

// Recent returns up to n most recent records, newest first.
func (h *History) Recent(n int) []models.SyncRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n <= 0 || n > len(h.records) {
		n = len(h.records)
	}
	out := make([]models.SyncRecord, n)
	for i := 0; i < n; i++ {
		out[i] = h.records[len(h.records)-1-i]
	}
	return out
}

func (h *History) persistLocked() error {
	data, err := json.MarshalIndent(h.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp history: %w", err)
	}
	if err := os.Rename(tmp, h.path); err != nil {
		return fmt.Errorf("replace history: %w", err)
	}
	return nil
}
