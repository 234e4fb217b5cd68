package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/neopro/edge-agent/internal/models"
)

func newTestLibrary(t *testing.T) (*Library, string) {
	t.Helper()
	dir := t.TempDir()
	return NewLibrary(filepath.Join(dir, "library.json"), filepath.Join(dir, "backups")), dir
}

func TestLibrary(t *testing.T) {
	t.Run("missing file yields empty library", func(t *testing.T) {
		is := is.New(t)
		lib, _ := newTestLibrary(t)

		cfg, err := lib.Load()
		is.NoErr(err)
		is.Equal(len(cfg.Categories), 0)
	})

	t.Run("save and load round trip", func(t *testing.T) {
		is := is.New(t)
		lib, _ := newTestLibrary(t)

		cfg := models.NewConfiguration()
		cfg.Version = "2.1.0"
		cfg.Categories = []*models.Category{
			{ID: "matchs", Name: "Matchs", Owner: models.OwnerClub,
				Videos: []*models.Video{{Name: "Final", Filename: "final.mp4", Path: "/videos/final.mp4"}}},
		}
		is.NoErr(lib.Save(cfg))

		loaded, err := lib.Load()
		is.NoErr(err)
		is.Equal(loaded.Version, "2.1.0")
		is.Equal(loaded.Categories[0].Videos[0].Filename, "final.mp4")
	})

	t.Run("unknown fields survive a round trip", func(t *testing.T) {
		is := is.New(t)
		lib, dir := newTestLibrary(t)
		raw := `{
  "version": "3.0.0",
  "futureFeature": {"enabled": true},
  "categories": [
    {"id": "c1", "name": "C1", "locked": false, "videos": [
      {"name": "v", "filename": "v.mp4", "codec": "h265"}
    ], "theme": "dark"}
  ]
}`
		path := filepath.Join(dir, "library.json")
		is.NoErr(os.WriteFile(path, []byte(raw), 0o644))

		cfg, err := lib.Load()
		is.NoErr(err)
		is.NoErr(lib.Save(cfg))

		data, err := os.ReadFile(path)
		is.NoErr(err)
		out := string(data)
		is.True(strings.Contains(out, "futureFeature"))
		is.True(strings.Contains(out, `"theme"`))
		is.True(strings.Contains(out, `"codec"`))
	})

	t.Run("malformed entries are filtered on load", func(t *testing.T) {
		is := is.New(t)
		lib, dir := newTestLibrary(t)
		raw := `{"categories": [null, {"name": "missing id"}, {"id": "ok", "name": "OK", "videos": [null, {"filename": "good.mp4", "name": "good"}]}]}`
		is.NoErr(os.WriteFile(filepath.Join(dir, "library.json"), []byte(raw), 0o644))

		cfg, err := lib.Load()
		is.NoErr(err)
		is.Equal(len(cfg.Categories), 1)
		is.Equal(len(cfg.Categories[0].Videos), 1)
	})

	t.Run("update persists the mutated tree", func(t *testing.T) {
		is := is.New(t)
		lib, _ := newTestLibrary(t)

		_, err := lib.Update(func(cfg *models.Configuration) (*models.Configuration, error) {
			cfg.Version = "9.9.9"
			return cfg, nil
		})
		is.NoErr(err)

		loaded, err := lib.Load()
		is.NoErr(err)
		is.Equal(loaded.Version, "9.9.9")
	})

	t.Run("update returning nil skips the write", func(t *testing.T) {
		is := is.New(t)
		lib, dir := newTestLibrary(t)

		_, err := lib.Update(func(cfg *models.Configuration) (*models.Configuration, error) {
			return nil, nil
		})
		is.NoErr(err)

		_, statErr := os.Stat(filepath.Join(dir, "library.json"))
		is.True(os.IsNotExist(statErr))
	})
}

func TestBackups(t *testing.T) {
	t.Run("backup copies the library file", func(t *testing.T) {
		is := is.New(t)
		lib, _ := newTestLibrary(t)
		is.NoErr(lib.Save(models.NewConfiguration()))

		path, err := lib.Backup("premerge")
		is.NoErr(err)
		is.True(path != "")

		_, err = os.Stat(path)
		is.NoErr(err)
	})

	t.Run("backup of a missing library is a no-op", func(t *testing.T) {
		is := is.New(t)
		lib, _ := newTestLibrary(t)

		path, err := lib.Backup("daily")
		is.NoErr(err)
		is.Equal(path, "")
	})

	t.Run("prune removes only old backups", func(t *testing.T) {
		is := is.New(t)
		lib, dir := newTestLibrary(t)
		is.NoErr(lib.Save(models.NewConfiguration()))

		old, err := lib.Backup("daily")
		is.NoErr(err)
		past := time.Now().Add(-8 * 24 * time.Hour)
		is.NoErr(os.Chtimes(old, past, past))

		fresh, err := lib.Backup("daily2")
		is.NoErr(err)

		removed, err := lib.PruneBackups(7 * 24 * time.Hour)
		is.NoErr(err)
		is.Equal(removed, 1)

		_, err = os.Stat(fresh)
		is.NoErr(err)
		_ = dir
	})
}

func TestHistory(t *testing.T) {
	t.Run("records survive reopen, newest first", func(t *testing.T) {
		is := is.New(t)
		path := filepath.Join(t.TempDir(), "history.json")

		h := OpenHistory(path)
		h.Record(models.SyncKindMerge, "push v2", true)
		h.Record(models.SyncKindDeploy, "clip.mp4", true)

		reopened := OpenHistory(path)
		recent := reopened.Recent(10)
		is.Equal(len(recent), 2)
		is.Equal(recent[0].Kind, models.SyncKindDeploy)
		is.Equal(recent[1].Kind, models.SyncKindMerge)
	})

	t.Run("ring is bounded", func(t *testing.T) {
		is := is.New(t)
		h := OpenHistory(filepath.Join(t.TempDir(), "history.json"))
		for i := 0; i < defaultHistorySize+50; i++ {
			h.Record(models.SyncKindExpire, "sweep", true)
		}
		is.Equal(len(h.Recent(0)), defaultHistorySize)
	})
}

func TestStatus(t *testing.T) {
	is := is.New(t)
	s := NewStatus()
	is.Equal(s.Get().State, models.ConnDisconnected)

	s.SetState(models.ConnConnecting)
	s.RecordAttempt(os.ErrDeadlineExceeded)
	s.RecordAttempt(os.ErrDeadlineExceeded)
	is.Equal(s.Get().Attempts, 2)

	s.SetState(models.ConnConnected)
	status := s.Get()
	is.Equal(status.State, models.ConnConnected)
	is.Equal(status.Attempts, 0) // reset on connect
	is.Equal(status.LastError, "")
}

func TestMaintenanceExpiration(t *testing.T) {
	is := is.New(t)
	lib, _ := newTestLibrary(t)

	past := time.Now().Add(-time.Hour)
	cfg := models.NewConfiguration()
	cfg.Categories = []*models.Category{
		{ID: "matchs", Owner: models.OwnerClub, Videos: []*models.Video{
			{Name: "old", Filename: "old.mp4", ExpiresAt: &past},
			{Name: "new", Filename: "new.mp4"},
		}},
	}
	is.NoErr(lib.Save(cfg))

	m := &Maintenance{
		Library:  lib,
		History:  OpenHistory(filepath.Join(t.TempDir(), "history.json")),
		Notifier: notifySpy{},
	}
	m.runExpiration()

	loaded, err := lib.Load()
	is.NoErr(err)
	is.Equal(len(loaded.Categories[0].Videos), 1)
	is.Equal(loaded.Categories[0].Videos[0].Filename, "new.mp4")
}

type notifySpy struct{}

func (notifySpy) ConfigUpdated()                                 {}
func (notifySpy) SettingsUpdated(settings map[string]interface{}) {}
