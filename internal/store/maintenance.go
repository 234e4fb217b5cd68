package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/neopro/edge-agent/internal/merge"
	"github.com/neopro/edge-agent/internal/models"
	"github.com/neopro/edge-agent/internal/notify"
)

// Backup retention for the daily library backups.
const backupRetention = 7 * 24 * time.Hour

// Maintenance owns the periodic background chores: the daily library
// backup (kept 7 days) and the hourly expiration sweep.
type Maintenance struct {
	Library  *Library
	History  *History
	Notifier notify.Notifier

	BackupInterval time.Duration
	ExpireInterval time.Duration
}

// Run blocks until ctx is done, firing the chores on their intervals. Both
// run once shortly after start so a site that only stays up briefly still
// gets a backup.
func (m *Maintenance) Run(ctx context.Context) {
	backupInterval := m.BackupInterval
	if backupInterval == 0 {
		backupInterval = 24 * time.Hour
	}
	expireInterval := m.ExpireInterval
	if expireInterval == 0 {
		expireInterval = time.Hour
	}

	backupTicker := time.NewTicker(backupInterval)
	defer backupTicker.Stop()
	expireTicker := time.NewTicker(expireInterval)
	defer expireTicker.Stop()

	m.runBackup()
	m.runExpiration()

	for {
		select {
		case <-ctx.Done():
			return
		case <-backupTicker.C:
			m.runBackup()
		case <-expireTicker.C:
			m.runExpiration()
		}
	}
}

func (m *Maintenance) runBackup() {
	path, err := m.Library.Backup("daily")
	if err != nil {
		log.Error().Err(err).Msg("daily library backup failed")
		m.History.Record(models.SyncKindBackup, err.Error(), false)
		return
	}
	if path == "" {
		return // nothing to back up yet
	}
	m.History.Record(models.SyncKindBackup, path, true)
	if _, err := m.Library.PruneBackups(backupRetention); err != nil {
		log.Warn().Err(err).Msg("library backup prune failed")
	}
}

func (m *Maintenance) runExpiration() {
	removed := 0
	_, err := m.Library.Update(func(cfg *models.Configuration) (*models.Configuration, error) {
		removed = merge.PruneExpired(cfg, time.Now())
		if removed == 0 {
			return nil, nil // unchanged, skip the write
		}
		return cfg, nil
	})
	if err != nil {
		log.Error().Err(err).Msg("expiration sweep failed")
		m.History.Record(models.SyncKindExpire, err.Error(), false)
		return
	}
	if removed == 0 {
		return
	}
	log.Info().Int("removed", removed).Msg("expired videos removed from library")
	m.History.Record(models.SyncKindExpire, fmt.Sprintf("%d videos removed", removed), true)
	m.Notifier.ConfigUpdated()
}
