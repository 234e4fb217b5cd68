package command

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/neopro/edge-agent/internal/merge"
	"github.com/neopro/edge-agent/internal/models"
	"github.com/neopro/edge-agent/pkg/crypto"
)

type deployVideoRequest struct {
	Name       string     `json:"name"`
	Filename   string     `json:"filename"`
	URL        string     `json:"url"`
	CategoryID string     `json:"categoryId"`
	Checksum   string     `json:"checksum,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Locked     bool       `json:"locked,omitempty"`
}

type deleteVideoRequest struct {
	Filename string `json:"filename"`
}

// DeployVideo downloads one video to local storage, verifies it, and
// registers it in the content library.
func (h *Handlers) DeployVideo(ctx context.Context, cmd models.Command) (interface{}, error) {
	var req deployVideoRequest
	if err := json.Unmarshal(cmd.Data, &req); err != nil {
		return nil, fmt.Errorf("parse deploy_video payload: %w", err)
	}
	if req.Filename == "" || req.URL == "" {
		return nil, fmt.Errorf("deploy_video requires filename and url")
	}
	if req.Filename != filepath.Base(req.Filename) || strings.Contains(req.Filename, "..") {
		return nil, fmt.Errorf("invalid filename: %s", req.Filename)
	}

	if err := os.MkdirAll(h.videosDir, 0o755); err != nil {
		return nil, fmt.Errorf("create videos dir: %w", err)
	}
	dest := filepath.Join(h.videosDir, req.Filename)
	if _, err := os.Stat(dest); err == nil {
		log.Warn().Str("file", req.Filename).Msg("video exists, overwriting")
	}

	size, err := h.dl.Fetch(ctx, req.URL, dest, 0, func(received, total int64) {
		if total > 0 {
			h.sink.DeployProgress(req.Filename, int(100*received/total))
		}
	})
	if err != nil {
		h.history.Record(models.SyncKindDeploy, req.Filename, false)
		return nil, fmt.Errorf("download video: %w", err)
	}

	checksum := req.Checksum
	if checksum != "" {
		if err := crypto.VerifyFileChecksum(dest, checksum); err != nil {
			os.Remove(dest)
			h.history.Record(models.SyncKindDeploy, req.Filename, false)
			return nil, fmt.Errorf("video integrity check: %w", err)
		}
	} else if checksum, err = crypto.ChecksumFile(dest); err != nil {
		return nil, fmt.Errorf("checksum downloaded video: %w", err)
	}

	video := &models.Video{
		Name:      req.Name,
		Filename:  req.Filename,
		Path:      dest,
		Checksum:  checksum,
		ExpiresAt: req.ExpiresAt,
		Locked:    req.Locked,
	}
	if video.Name == "" {
		video.Name = req.Filename
	}

	if _, err := h.library.Update(func(cfg *models.Configuration) (*models.Configuration, error) {
		merge.UpsertVideo(cfg, req.CategoryID, video)
		return cfg, nil
	}); err != nil {
		return nil, fmt.Errorf("register video: %w", err)
	}

	h.sink.DeployProgress(req.Filename, 100)
	h.notifier.ConfigUpdated()
	h.history.Record(models.SyncKindDeploy, req.Filename, true)
	log.Info().Str("file", req.Filename).Int64("bytes", size).Msg("video deployed")

	return map[string]interface{}{
		"filename": req.Filename,
		"size":     size,
		"checksum": checksum,
	}, nil
}

// DeleteVideo removes a video file and its library entry. Deleting a video
// that is already gone succeeds: the desired state is reached either way.
func (h *Handlers) DeleteVideo(ctx context.Context, cmd models.Command) (interface{}, error) {
	var req deleteVideoRequest
	if err := json.Unmarshal(cmd.Data, &req); err != nil {
		return nil, fmt.Errorf("parse delete_video payload: %w", err)
	}
	if req.Filename == "" {
		return nil, fmt.Errorf("delete_video requires filename")
	}
	if req.Filename != filepath.Base(req.Filename) || strings.Contains(req.Filename, "..") {
		return nil, fmt.Errorf("invalid filename: %s", req.Filename)
	}

	path := filepath.Join(h.videosDir, req.Filename)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		h.history.Record(models.SyncKindDelete, req.Filename, false)
		return nil, fmt.Errorf("remove video file: %w", err)
	}

	removed := false
	if _, err := h.library.Update(func(cfg *models.Configuration) (*models.Configuration, error) {
		removed = merge.RemoveVideo(cfg, req.Filename)
		if !removed {
			return nil, nil // nothing referenced it, skip the write
		}
		return cfg, nil
	}); err != nil {
		return nil, fmt.Errorf("deregister video: %w", err)
	}

	if removed {
		h.notifier.ConfigUpdated()
	}
	h.history.Record(models.SyncKindDelete, req.Filename, true)
	log.Info().Str("file", req.Filename).Bool("wasReferenced", removed).Msg("video deleted")

	return map[string]interface{}{"filename": req.Filename, "removed": removed}, nil
}
