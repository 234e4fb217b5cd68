// Package store owns the agent's durable state files: the content library,
// its daily backups, the sync history and the connection status snapshot.
// The library file is a single pretty-printed JSON document written
// whole-file and atomically, so a concurrent reader never observes a
// partially merged state.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/neopro/edge-agent/internal/models"
)

// Common errors
var (
	ErrNotFound = errors.New("not found")
)

// Library is the file-backed content library store. All mutations go
// through Update, which serializes read-modify-write cycles.
type Library struct {
	mu         sync.Mutex
	path       string
	backupsDir string

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// NewLibrary creates a library store over the given file.
func NewLibrary(path, backupsDir string) *Library {
	return &Library{
		path:       path,
		backupsDir: backupsDir,
		now:        time.Now,
	}
}

// Load reads the library file. A missing file yields an empty library, not
// an error: a fresh site starts with nothing.
func (l *Library) Load() (*models.Configuration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked()
}

// Update runs a read-modify-write cycle under the store lock: the mutator
// receives the current library and returns the replacement tree, which is
// persisted atomically before Update returns.
func (l *Library) Update(mutate func(cfg *models.Configuration) (*models.Configuration, error)) (*models.Configuration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := l.loadLocked()
	if err != nil {
		return nil, err
	}
	next, err := mutate(cfg)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return cfg, nil
	}
	if err := l.saveLocked(next); err != nil {
		return nil, err
	}
	return next, nil
}

// Save persists the given tree atomically.
func (l *Library) Save(cfg *models.Configuration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked(cfg)
}

// Backup copies the current library file into the backups directory with a
// timestamped name and returns the backup path. Backing up a library that
// does not exist yet is a no-op.
func (l *Library) Backup(tag string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	src, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open library for backup: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(l.backupsDir, 0o755); err != nil {
		return "", fmt.Errorf("create backups dir: %w", err)
	}

	name := fmt.Sprintf("library-%s-%s.json", l.now().Format("20060102-150405"), tag)
	dest := filepath.Join(l.backupsDir, name)
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create backup file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("copy backup: %w", err)
	}
	if err := out.Sync(); err != nil {
		return "", fmt.Errorf("sync backup: %w", err)
	}

	log.Info().Str("backup", dest).Msg("library backed up")
	return dest, nil
}

// PruneBackups removes library backups older than maxAge.
func (l *Library) PruneBackups(maxAge time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := os.ReadDir(l.backupsDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read backups dir: %w", err)
	}

	cutoff := l.now().Add(-maxAge)
	removed := 0
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "library-") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		info, err := os.Stat(filepath.Join(l.backupsDir, name))
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(l.backupsDir, name)); err != nil {
				log.Warn().Err(err).Str("backup", name).Msg("backup prune failed")
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("old library backups pruned")
	}
	return removed, nil
}

func (l *Library) loadLocked() (*models.Configuration, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return models.NewConfiguration(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read library file: %w", err)
	}

	var cfg models.Configuration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse library file: %w", err)
	}
	return &cfg, nil
}

func (l *Library) saveLocked(cfg *models.Configuration) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal library: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create library dir: %w", err)
	}

	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp library file: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("write temp library file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp library file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp library file: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace library file: %w", err)
	}
	return nil
}
