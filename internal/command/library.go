package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/neopro/edge-agent/internal/merge"
	"github.com/neopro/edge-agent/internal/models"
)

type updateSettingsRequest struct {
	Settings map[string]interface{} `json:"settings"`
}

// UpdateConfig reconciles a pushed central library against local state and
// persists the merged tree. The pre-merge state is backed up first so a bad
// push is always recoverable.
func (h *Handlers) UpdateConfig(ctx context.Context, cmd models.Command) (interface{}, error) {
	var central models.Configuration
	if err := json.Unmarshal(cmd.Data, &central); err != nil {
		h.history.Record(models.SyncKindMerge, "unparseable push", false)
		return nil, fmt.Errorf("parse update_config payload: %w", err)
	}

	if _, err := h.library.Backup("pre-merge"); err != nil {
		log.Warn().Err(err).Msg("pre-merge backup failed, merging anyway")
	}

	merged, err := h.library.Update(func(local *models.Configuration) (*models.Configuration, error) {
		return merge.Merge(local, &central, time.Now()), nil
	})
	if err != nil {
		h.history.Record(models.SyncKindMerge, central.Version, false)
		return nil, fmt.Errorf("merge pushed library: %w", err)
	}

	h.notifier.ConfigUpdated()
	h.history.Record(models.SyncKindMerge, merged.Version, true)

	categories, videos := countTree(merged.Categories)
	log.Info().
		Str("version", merged.Version).
		Int("categories", categories).
		Int("videos", videos).
		Msg("library merged")

	return map[string]interface{}{
		"version":    merged.Version,
		"categories": categories,
		"videos":     videos,
	}, nil
}

// GetConfig returns the full local library.
func (h *Handlers) GetConfig(ctx context.Context, cmd models.Command) (interface{}, error) {
	cfg, err := h.library.Load()
	if err != nil {
		return nil, fmt.Errorf("load library: %w", err)
	}
	return cfg, nil
}

// UpdateSettings overlays pushed settings keys onto the local settings map
// and notifies the playback process.
func (h *Handlers) UpdateSettings(ctx context.Context, cmd models.Command) (interface{}, error) {
	var req updateSettingsRequest
	if err := json.Unmarshal(cmd.Data, &req); err != nil {
		return nil, fmt.Errorf("parse update_settings payload: %w", err)
	}
	if len(req.Settings) == 0 {
		return nil, fmt.Errorf("update_settings requires a settings object")
	}

	merged, err := h.library.Update(func(cfg *models.Configuration) (*models.Configuration, error) {
		if cfg.Settings == nil {
			cfg.Settings = map[string]interface{}{}
		}
		for k, v := range req.Settings {
			cfg.Settings[k] = v
		}
		return cfg, nil
	})
	if err != nil {
		h.history.Record(models.SyncKindSettings, "", false)
		return nil, fmt.Errorf("apply settings: %w", err)
	}

	h.notifier.SettingsUpdated(merged.Settings)
	h.history.Record(models.SyncKindSettings, fmt.Sprintf("%d keys", len(req.Settings)), true)
	return map[string]interface{}{"applied": len(req.Settings)}, nil
}

func countTree(cats []*models.Category) (categories, videos int) {
	for _, cat := range cats {
		categories++
		videos += len(cat.Videos)
		subCats, subVideos := countTree(cat.SubCategories)
		categories += subCats
		videos += subVideos
	}
	return categories, videos
}
