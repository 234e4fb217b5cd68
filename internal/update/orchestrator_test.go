package update

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/neopro/edge-agent/internal/config"
	"github.com/neopro/edge-agent/internal/download"
	"github.com/neopro/edge-agent/internal/store"
)

type fakeSvc struct {
	mu        sync.Mutex
	active    map[string]bool
	unhealthy bool
	failStop  bool
	actions   []string
	scheduled []string
}

func newFakeSvc() *fakeSvc {
	return &fakeSvc{active: map[string]bool{}}
}

func (s *fakeSvc) record(action, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, action+" "+name)
}

func (s *fakeSvc) Start(ctx context.Context, name string) error {
	s.record("start", name)
	s.mu.Lock()
	s.active[name] = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSvc) Stop(ctx context.Context, name string) error {
	s.record("stop", name)
	if s.failStop {
		return errors.New("stop refused")
	}
	s.mu.Lock()
	s.active[name] = false
	s.mu.Unlock()
	return nil
}

func (s *fakeSvc) Restart(ctx context.Context, name string) error {
	if err := s.Stop(ctx, name); err != nil {
		return err
	}
	return s.Start(ctx, name)
}

func (s *fakeSvc) IsActive(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[name] && !s.unhealthy, nil
}

func (s *fakeSvc) ScheduleRestart(name string, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, name)
}

func (s *fakeSvc) Reboot(ctx context.Context) error {
	s.record("reboot", "")
	return nil
}

func (s *fakeSvc) did(action string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.actions {
		if a == action {
			return true
		}
	}
	return false
}

func makeArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testPaths(t *testing.T) config.PathsConfig {
	t.Helper()
	root := t.TempDir()
	paths := config.PathsConfig{
		TmpDir:          filepath.Join(root, "tmp"),
		AppDir:          filepath.Join(root, "opt", "app"),
		AgentDir:        filepath.Join(root, "opt", "agent"),
		UpdateBackupDir: filepath.Join(root, "update-backups"),
	}
	for _, dir := range []string{paths.TmpDir, paths.AppDir, paths.AgentDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(paths.AppDir, "VERSION"), []byte("1.0.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(paths.AppDir, "old.txt"), []byte("previous release"), 0o644); err != nil {
		t.Fatal(err)
	}
	return paths
}

func newTestOrchestrator(t *testing.T, paths config.PathsConfig, svc ServiceController, free uint64) *Orchestrator {
	t.Helper()
	cfg := config.UpdateConfig{
		DiskSpaceFactor: 3,
		GraceDelay:      time.Millisecond,
		HealthTimeout:   40 * time.Millisecond,
		Services:        []string{"neopro-app"},
		AgentService:    "neopro-agent",
		AgentRestartIn:  time.Millisecond,
		KeepBackups:     5,
	}
	history := store.OpenHistory(filepath.Join(t.TempDir(), "history.json"))
	o := NewOrchestrator(cfg, paths, svc, download.New(), history, nil)
	o.diskFree = func(string) (uint64, error) { return free, nil }
	o.sleep = func(context.Context, time.Duration) error { return nil }
	return o
}

func TestOrchestratorRun(t *testing.T) {
	t.Run("installs, health checks, and schedules agent restart", func(t *testing.T) {
		is := is.New(t)
		archive := makeArchive(t, map[string]string{
			"app/VERSION":     "2.0.0\n",
			"app/new.txt":     "fresh release",
			"agent/agent.bin": "binary",
		})
		sum := sha256.Sum256(archive)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(archive)
		}))
		defer srv.Close()

		paths := testPaths(t)
		svc := newFakeSvc()
		o := newTestOrchestrator(t, paths, svc, 1<<40)

		var pcts []int
		report, err := o.Run(context.Background(), Request{
			Version:   "2.0.0",
			URL:       srv.URL,
			Checksum:  hex.EncodeToString(sum[:]),
			SizeBytes: int64(len(archive)),
		}, func(pct int) { pcts = append(pcts, pct) })
		is.NoErr(err)
		is.True(report.Success)
		is.Equal(report.PreviousVersion, "1.0.0")
		is.True(!report.RolledBack)

		data, err := os.ReadFile(filepath.Join(paths.AppDir, "new.txt"))
		is.NoErr(err)
		is.Equal(string(data), "fresh release")
		_, err = os.Stat(filepath.Join(paths.AppDir, "old.txt"))
		is.True(os.IsNotExist(err)) // install replaces the directory wholesale

		data, err = os.ReadFile(filepath.Join(paths.AgentDir, "agent.bin"))
		is.NoErr(err)
		is.Equal(string(data), "binary")

		is.True(len(pcts) > 2)
		is.Equal(pcts[len(pcts)-1], 100)
		for i := 1; i < len(pcts); i++ {
			is.True(pcts[i] > pcts[i-1])
		}

		is.Equal(svc.scheduled, []string{"neopro-agent"})
		is.True(svc.did("stop neopro-app"))
		is.True(svc.did("start neopro-app"))

		backups, err := os.ReadDir(paths.UpdateBackupDir)
		is.NoErr(err)
		is.Equal(len(backups), 1)
	})

	t.Run("insufficient disk aborts before any download", func(t *testing.T) {
		is := is.New(t)
		hits := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
		}))
		defer srv.Close()

		paths := testPaths(t)
		svc := newFakeSvc()
		o := newTestOrchestrator(t, paths, svc, 100)

		report, err := o.Run(context.Background(), Request{
			Version: "2.0.0", URL: srv.URL, SizeBytes: 1000,
		}, nil)
		is.True(errors.Is(err, ErrDiskSpace))
		is.True(!report.Success)
		is.Equal(hits, 0)
		is.True(!svc.did("stop neopro-app")) // nothing was touched
	})

	t.Run("checksum mismatch removes the download and aborts", func(t *testing.T) {
		is := is.New(t)
		archive := makeArchive(t, map[string]string{"app/VERSION": "2.0.0\n"})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(archive)
		}))
		defer srv.Close()

		paths := testPaths(t)
		svc := newFakeSvc()
		o := newTestOrchestrator(t, paths, svc, 1<<40)

		report, err := o.Run(context.Background(), Request{
			Version:   "2.0.0",
			URL:       srv.URL,
			Checksum:  "00000000000000000000000000000000deadbeef000000000000000000000000",
			SizeBytes: int64(len(archive)),
		}, nil)
		is.True(errors.Is(err, ErrChecksum))
		is.True(!report.Success)
		is.True(!svc.did("stop neopro-app"))

		entries, err := os.ReadDir(paths.TmpDir)
		is.NoErr(err)
		is.Equal(len(entries), 0) // corrupted package deleted
	})

	t.Run("failed health check rolls back to the previous release", func(t *testing.T) {
		is := is.New(t)
		archive := makeArchive(t, map[string]string{
			"app/VERSION": "2.0.0\n",
			"app/new.txt": "broken release",
		})
		sum := sha256.Sum256(archive)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(archive)
		}))
		defer srv.Close()

		paths := testPaths(t)
		svc := newFakeSvc()
		svc.unhealthy = true
		o := newTestOrchestrator(t, paths, svc, 1<<40)

		report, err := o.Run(context.Background(), Request{
			Version:   "2.0.0",
			URL:       srv.URL,
			Checksum:  hex.EncodeToString(sum[:]),
			SizeBytes: int64(len(archive)),
		}, nil)
		is.True(errors.Is(err, ErrRollback))
		is.True(report.RolledBack)
		is.True(!report.Success)

		data, err := os.ReadFile(filepath.Join(paths.AppDir, "old.txt"))
		is.NoErr(err)
		is.Equal(string(data), "previous release")
		_, err = os.Stat(filepath.Join(paths.AppDir, "new.txt"))
		is.True(os.IsNotExist(err))

		data, err = os.ReadFile(filepath.Join(paths.AppDir, "VERSION"))
		is.NoErr(err)
		is.Equal(string(data), "1.0.0\n")
	})
}

func TestPruneUpdateBackups(t *testing.T) {
	is := is.New(t)
	root := t.TempDir()
	for i := 0; i < 7; i++ {
		is.NoErr(os.MkdirAll(filepath.Join(root, fmt.Sprintf("2026010%d-120000", i)), 0o755))
	}

	removed, err := PruneBackups(root, 5)
	is.NoErr(err)
	is.Equal(removed, 2)

	entries, err := os.ReadDir(root)
	is.NoErr(err)
	is.Equal(len(entries), 5)

	_, err = os.Stat(filepath.Join(root, "20260100-120000"))
	is.True(os.IsNotExist(err)) // oldest go first
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	is := is.New(t)
	root := t.TempDir()
	src := filepath.Join(root, "app")
	is.NoErr(os.MkdirAll(filepath.Join(src, "nested"), 0o755))
	is.NoErr(os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o644))
	is.NoErr(os.WriteFile(filepath.Join(src, "nested", "b.txt"), []byte("beta"), 0o644))

	ref, err := CreateBackup(filepath.Join(root, "backups"), []string{src}, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	is.NoErr(err)

	is.NoErr(os.RemoveAll(src))
	is.NoErr(os.MkdirAll(src, 0o755))
	is.NoErr(os.WriteFile(filepath.Join(src, "junk.txt"), []byte("corrupted"), 0o644))

	is.NoErr(RestoreBackup(ref))

	data, err := os.ReadFile(filepath.Join(src, "a.txt"))
	is.NoErr(err)
	is.Equal(string(data), "alpha")
	data, err = os.ReadFile(filepath.Join(src, "nested", "b.txt"))
	is.NoErr(err)
	is.Equal(string(data), "beta")
	_, err = os.Stat(filepath.Join(src, "junk.txt"))
	is.True(os.IsNotExist(err))
}

func TestExtractRejectsEscapes(t *testing.T) {
	is := is.New(t)
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.gz")
	is.NoErr(os.WriteFile(archive, makeArchive(t, map[string]string{
		"../escape.txt": "outside",
	}), 0o644))

	err := extractArchive(archive, filepath.Join(dir, "out"))
	is.True(err != nil)
}
