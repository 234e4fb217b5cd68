package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/neopro/edge-agent/internal/models"
	"github.com/neopro/edge-agent/internal/queue"
	"github.com/neopro/edge-agent/internal/store"
	"github.com/neopro/edge-agent/internal/update"
)

func newTestServer(t *testing.T) *RESTServer {
	t.Helper()
	root := t.TempDir()

	library := store.NewLibrary(filepath.Join(root, "library.json"), filepath.Join(root, "backups"))
	_, err := library.Update(func(cfg *models.Configuration) (*models.Configuration, error) {
		cfg.Version = "7"
		cfg.Categories = []*models.Category{{ID: "matchs", Name: "Matchs", Locked: true, Owner: models.OwnerNeopro}}
		return cfg, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	history := store.OpenHistory(filepath.Join(root, "history.json"))
	history.Record(models.SyncKindMerge, "7", true)

	q, err := queue.Open(filepath.Join(root, "queue.json"), filepath.Join(root, "dead.jsonl"), queue.Options{})
	if err != nil {
		t.Fatal(err)
	}
	q.Enqueue("deploy_video", json.RawMessage(`{"filename":"a.mp4"}`), queue.EnqueueOptions{})

	conf := filepath.Join(root, "hostapd.conf")
	if err := os.WriteFile(conf, []byte("ssid=NEOPRO-Arena\nwpa_psk=abc123\nchannel=6\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	hotspot := update.NewHotspot(conf, "hostapd", nil, history, time.Second)

	return NewRESTServer(library, history, store.NewStatus(), q, hotspot, "1.2.0")
}

func get(t *testing.T, s *RESTServer, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestLocalAPI(t *testing.T) {
	t.Run("health reports version", func(t *testing.T) {
		is := is.New(t)
		rec := get(t, newTestServer(t), "/api/v1/health")
		is.Equal(rec.Code, http.StatusOK)

		var body map[string]interface{}
		is.NoErr(json.Unmarshal(rec.Body.Bytes(), &body))
		is.Equal(body["status"], "ok")
		is.Equal(body["version"], "1.2.0")
	})

	t.Run("status includes connection state and queue depth", func(t *testing.T) {
		is := is.New(t)
		rec := get(t, newTestServer(t), "/api/v1/status")
		is.Equal(rec.Code, http.StatusOK)

		var body struct {
			Connection models.ConnectionStatus `json:"connection"`
			Queue      int                     `json:"queue"`
		}
		is.NoErr(json.Unmarshal(rec.Body.Bytes(), &body))
		is.Equal(body.Connection.State, models.ConnDisconnected)
		is.Equal(body.Queue, 1)
	})

	t.Run("config returns the library tree", func(t *testing.T) {
		is := is.New(t)
		rec := get(t, newTestServer(t), "/api/v1/config")
		is.Equal(rec.Code, http.StatusOK)

		var cfg models.Configuration
		is.NoErr(json.Unmarshal(rec.Body.Bytes(), &cfg))
		is.Equal(cfg.Version, "7")
		is.Equal(len(cfg.Categories), 1)
	})

	t.Run("history honors the limit parameter", func(t *testing.T) {
		is := is.New(t)
		rec := get(t, newTestServer(t), "/api/v1/history?limit=10")
		is.Equal(rec.Code, http.StatusOK)

		var records []models.SyncRecord
		is.NoErr(json.Unmarshal(rec.Body.Bytes(), &records))
		is.Equal(len(records), 1)

		rec = get(t, newTestServer(t), "/api/v1/history?limit=bogus")
		is.Equal(rec.Code, http.StatusBadRequest)
	})

	t.Run("hotspot masks the secret", func(t *testing.T) {
		is := is.New(t)
		rec := get(t, newTestServer(t), "/api/v1/hotspot")
		is.Equal(rec.Code, http.StatusOK)

		var state update.HotspotState
		is.NoErr(json.Unmarshal(rec.Body.Bytes(), &state))
		is.Equal(state.SSID, "NEOPRO-Arena")
		is.True(state.PasswordSet)
		is.True(!strings.Contains(rec.Body.String(), "abc123"))
	})

	t.Run("queue endpoints expose pending and dead entries", func(t *testing.T) {
		is := is.New(t)
		s := newTestServer(t)

		rec := get(t, s, "/api/v1/queue")
		is.Equal(rec.Code, http.StatusOK)
		var entries []models.QueueEntry
		is.NoErr(json.Unmarshal(rec.Body.Bytes(), &entries))
		is.Equal(len(entries), 1)
		is.Equal(entries[0].Type, "deploy_video")

		rec = get(t, s, "/api/v1/queue/dead")
		is.Equal(rec.Code, http.StatusOK)
	})
}
