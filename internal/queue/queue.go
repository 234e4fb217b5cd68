// Package queue implements the durable offline command queue. Commands that
// cannot be executed immediately are stored here and replayed in order once
// the session is back. Every mutation is written to disk before the
// in-memory state is considered authoritative, so the queue survives power
// cuts and process restarts.
package queue

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/neopro/edge-agent/internal/models"
)

// Options tunes a queue at open time.
type Options struct {
	Capacity    int
	MaxAttempts int
	TTL         time.Duration

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

// EnqueueOptions overrides per-entry defaults.
type EnqueueOptions struct {
	Priority    models.Priority
	TTL         time.Duration
	MaxAttempts int
}

// Stats summarizes one replay pass.
type Stats struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Requeued  int `json:"requeued"`
	Dead      int `json:"dead"`
	Expired   int `json:"expired"`
}

// Executor runs one replayed command. It is the same dispatcher used for
// live commands, so replayed commands get identical validation.
type Executor func(ctx context.Context, cmd models.Command) error

// Queue is the durable FIFO/priority queue plus its dead-letter sink.
type Queue struct {
	mu       sync.Mutex
	path     string
	deadPath string
	entries  []*models.QueueEntry

	capacity    int
	maxAttempts int
	ttl         time.Duration
	now         func() time.Time
}

type queueFile struct {
	Version int                  `json:"version"`
	Entries []*models.QueueEntry `json:"entries"`
}

// Open loads the queue file (an empty queue when it does not exist yet).
// A corrupt file is moved aside rather than deleted, so the damage stays
// inspectable, and the queue starts empty.
func Open(path, deadPath string, opts Options) (*Queue, error) {
	q := &Queue{
		path:        path,
		deadPath:    deadPath,
		capacity:    opts.Capacity,
		maxAttempts: opts.MaxAttempts,
		ttl:         opts.TTL,
		now:         opts.Now,
	}
	if q.capacity <= 0 {
		q.capacity = 100
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = 3
	}
	if q.ttl <= 0 {
		q.ttl = 7 * 24 * time.Hour
	}
	if q.now == nil {
		q.now = time.Now
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}

	var file queueFile
	if err := json.Unmarshal(data, &file); err != nil {
		corrupt := path + ".corrupt"
		log.Error().Err(err).Str("moved_to", corrupt).Msg("queue file corrupt, starting empty")
		if renameErr := os.Rename(path, corrupt); renameErr != nil {
			return nil, fmt.Errorf("move corrupt queue file: %w", renameErr)
		}
		return q, nil
	}
	q.entries = file.Entries
	return q, nil
}

// Enqueue stores a command for later execution. Returns the entry id, or
// ok=false when the command was deduplicated, could not be persisted, or
// carried an already-elapsed TTL.
func (q *Queue) Enqueue(cmdType string, data json.RawMessage, opts EnqueueOptions) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := canonicalJSON(data)
	for _, e := range q.entries {
		if e.Type == cmdType && canonicalJSON(e.Data) == key {
			log.Debug().Str("type", cmdType).Str("dup_of", e.ID).Msg("duplicate command dropped")
			return "", false
		}
	}

	priority := opts.Priority
	if !priority.Valid() {
		priority = models.PriorityNormal
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = q.ttl
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}

	now := q.now()
	entry := &models.QueueEntry{
		ID:          uuid.New().String(),
		Type:        cmdType,
		Data:        data,
		Priority:    priority,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		MaxAttempts: maxAttempts,
	}

	prev := q.snapshotLocked()
	if len(q.entries) >= q.capacity {
		q.evictLocked()
	}
	q.insertLocked(entry)

	if err := q.persistLocked(); err != nil {
		q.entries = prev
		log.Error().Err(err).Str("type", cmdType).Msg("queue persist failed, command dropped")
		return "", false
	}

	log.Info().Str("id", entry.ID).Str("type", cmdType).Str("priority", string(priority)).
		Int("depth", len(q.entries)).Msg("command queued")
	return entry.ID, true
}

// Dequeue removes and returns the head entry, dropping expired entries
// first. Returns nil when the queue is empty.
func (q *Queue) Dequeue() *models.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, _ := q.dequeueLocked()
	return entry
}

func (q *Queue) dequeueLocked() (*models.QueueEntry, int) {
	expired := q.dropExpiredLocked()
	if len(q.entries) == 0 {
		if expired > 0 {
			if err := q.persistLocked(); err != nil {
				log.Error().Err(err).Msg("queue persist failed after expiry sweep")
			}
		}
		return nil, expired
	}

	entry := q.entries[0]
	q.entries = q.entries[1:]
	if err := q.persistLocked(); err != nil {
		// Put it back: an entry must not vanish on a persist failure.
		q.entries = append([]*models.QueueEntry{entry}, q.entries...)
		log.Error().Err(err).Msg("queue persist failed on dequeue")
		return nil, expired
	}
	return entry, expired
}

// Requeue records a failed attempt. The entry is retried later unless its
// retry budget is exhausted, in which case it moves to the dead-letter
// store and Requeue returns false.
func (q *Queue) Requeue(entry *models.QueueEntry, execErr error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry.Attempts++
	if execErr != nil {
		entry.LastError = execErr.Error()
	}

	if entry.Attempts >= entry.MaxAttempts {
		q.deadLetterLocked(entry, "retries exhausted")
		return false
	}

	q.entries = append(q.entries, entry)
	if err := q.persistLocked(); err != nil {
		log.Error().Err(err).Str("id", entry.ID).Msg("queue persist failed on requeue")
	}
	log.Warn().Str("id", entry.ID).Str("type", entry.Type).
		Int("attempts", entry.Attempts).Int("max", entry.MaxAttempts).
		Msg("command requeued after failure")
	return true
}

// Process drains the queue through the executor, strictly in queue order.
// Entries failing with a retryable error go back through Requeue; the rest
// of the queue keeps draining.
func (q *Queue) Process(ctx context.Context, exec Executor) Stats {
	var stats Stats

	q.mu.Lock()
	pending := len(q.entries)
	q.mu.Unlock()

	for i := 0; i < pending; i++ {
		if ctx.Err() != nil {
			break
		}

		q.mu.Lock()
		entry, expired := q.dequeueLocked()
		q.mu.Unlock()
		stats.Expired += expired
		if entry == nil {
			break
		}

		stats.Processed++
		err := exec(ctx, models.Command{ID: entry.ID, Type: entry.Type, Data: entry.Data})
		if err == nil {
			stats.Succeeded++
			continue
		}
		if q.Requeue(entry, err) {
			stats.Requeued++
		} else {
			stats.Dead++
		}
	}

	if stats.Processed > 0 || stats.Expired > 0 {
		log.Info().Int("processed", stats.Processed).Int("succeeded", stats.Succeeded).
			Int("requeued", stats.Requeued).Int("dead", stats.Dead).
			Int("expired", stats.Expired).Msg("offline queue replayed")
	}
	return stats
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of the pending entries, for inspection.
func (q *Queue) Snapshot() []models.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.QueueEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	return out
}

// DeadLetters reads the append-only dead-letter store. It is never
// replayed, only inspected.
func (q *Queue) DeadLetters() ([]models.DeadLetter, error) {
	f, err := os.Open(q.deadPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open dead-letter store: %w", err)
	}
	defer f.Close()

	var out []models.DeadLetter
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var dl models.DeadLetter
		if err := json.Unmarshal(line, &dl); err != nil {
			log.Warn().Err(err).Msg("skipping malformed dead-letter line")
			continue
		}
		out = append(out, dl)
	}
	return out, scanner.Err()
}

// insertLocked places high priority entries ahead of the rest while keeping
// arrival order within each class.
func (q *Queue) insertLocked(entry *models.QueueEntry) {
	if entry.Priority != models.PriorityHigh {
		q.entries = append(q.entries, entry)
		return
	}
	pos := 0
	for pos < len(q.entries) && q.entries[pos].Priority == models.PriorityHigh {
		pos++
	}
	q.entries = append(q.entries, nil)
	copy(q.entries[pos+1:], q.entries[pos:])
	q.entries[pos] = entry
}

// evictLocked makes room: the oldest low-priority entry goes first, else
// the oldest entry overall.
func (q *Queue) evictLocked() {
	victim := -1
	for i, e := range q.entries {
		if e.Priority == models.PriorityLow {
			if victim == -1 || e.CreatedAt.Before(q.entries[victim].CreatedAt) {
				victim = i
			}
		}
	}
	if victim == -1 {
		for i, e := range q.entries {
			if victim == -1 || e.CreatedAt.Before(q.entries[victim].CreatedAt) {
				victim = i
			}
		}
	}
	if victim == -1 {
		return
	}
	evicted := q.entries[victim]
	q.entries = append(q.entries[:victim], q.entries[victim+1:]...)
	log.Warn().Str("id", evicted.ID).Str("type", evicted.Type).
		Str("priority", string(evicted.Priority)).Msg("queue full, entry evicted")
}

func (q *Queue) dropExpiredLocked() int {
	now := q.now()
	kept := q.entries[:0]
	dropped := 0
	for _, e := range q.entries {
		if e.Expired(now) {
			dropped++
			log.Info().Str("id", e.ID).Str("type", e.Type).
				Time("expired_at", e.ExpiresAt).Msg("expired queue entry dropped")
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return dropped
}

func (q *Queue) deadLetterLocked(entry *models.QueueEntry, reason string) {
	dl := models.DeadLetter{
		Entry:    *entry,
		DeadAt:   q.now(),
		Reason:   reason,
		Attempts: entry.Attempts,
	}
	line, err := json.Marshal(dl)
	if err != nil {
		log.Error().Err(err).Str("id", entry.ID).Msg("dead-letter marshal failed")
		return
	}

	f, err := os.OpenFile(q.deadPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Error().Err(err).Str("id", entry.ID).Msg("dead-letter store open failed")
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		log.Error().Err(err).Str("id", entry.ID).Msg("dead-letter append failed")
		return
	}
	if err := f.Sync(); err != nil {
		log.Error().Err(err).Msg("dead-letter sync failed")
	}

	log.Error().Str("id", entry.ID).Str("type", entry.Type).
		Int("attempts", entry.Attempts).Str("last_error", entry.LastError).
		Msg("command moved to dead-letter store")

	if err := q.persistLocked(); err != nil {
		log.Error().Err(err).Msg("queue persist failed after dead-letter")
	}
}

func (q *Queue) snapshotLocked() []*models.QueueEntry {
	out := make([]*models.QueueEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// persistLocked writes the whole queue atomically: temp file, fsync,
// rename.
func (q *Queue) persistLocked() error {
	data, err := json.MarshalIndent(queueFile{Version: 1, Entries: q.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}

	tmp := q.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp queue file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp queue file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp queue file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp queue file: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("replace queue file: %w", err)
	}
	return nil
}

// canonicalJSON renders data with sorted keys so dedup ignores field order.
func canonicalJSON(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(data)
	}
	return string(out)
}
