package update

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/neopro/edge-agent/internal/config"
	"github.com/neopro/edge-agent/internal/download"
	"github.com/neopro/edge-agent/internal/models"
	"github.com/neopro/edge-agent/internal/store"
	"github.com/neopro/edge-agent/pkg/crypto"
)

// Update errors by class. Integrity and precondition failures abort before
// any destructive action.
var (
	ErrDiskSpace = errors.New("insufficient disk space")
	ErrChecksum  = errors.New("package checksum mismatch")
	ErrRollback  = errors.New("update failed, previous version restored")
)

// Phase names one step of the update state machine.
type Phase string

const (
	PhasePreChecks     Phase = "pre-checks"
	PhaseDownload      Phase = "download"
	PhaseChecksum      Phase = "checksum-verify"
	PhaseBackup        Phase = "backup"
	PhaseNotify        Phase = "user-notify"
	PhaseStopServices  Phase = "stop-services"
	PhaseInstall       Phase = "extract-install"
	PhaseStartServices Phase = "start-services"
	PhaseReport        Phase = "post-report"
)

// Request is the update_software command payload.
type Request struct {
	Version   string `json:"version"`
	URL       string `json:"url"`
	Checksum  string `json:"checksum,omitempty"`
	SizeBytes int64  `json:"size,omitempty"`
}

// Report is the post-update audit record sent upstream and kept in the
// sync history.
type Report struct {
	ID              string          `json:"id"`
	PreviousVersion string          `json:"previousVersion"`
	TargetVersion   string          `json:"targetVersion"`
	StartedAt       time.Time       `json:"startedAt"`
	FinishedAt      time.Time       `json:"finishedAt"`
	Phase           Phase           `json:"phase"`
	BackupRef       string          `json:"backupRef,omitempty"`
	Services        map[string]bool `json:"services"`
	Success         bool            `json:"success"`
	RolledBack      bool            `json:"rolledBack"`
	Error           string          `json:"error,omitempty"`
}

// UserNotifier warns the venue before services go down. Implemented by the
// local playback loop; both calls are best-effort.
type UserNotifier interface {
	UpdateNotice(version string, in time.Duration)
	PlaybackActive(ctx context.Context) (bool, error)
}

type noopNotifier struct{}

func (noopNotifier) UpdateNotice(string, time.Duration)            {}
func (noopNotifier) PlaybackActive(context.Context) (bool, error) { return false, nil }

// Orchestrator runs software updates. One update at a time; the session
// manager serializes commands, so no internal locking is needed.
type Orchestrator struct {
	cfg     config.UpdateConfig
	paths   config.PathsConfig
	svc     ServiceController
	dl      *download.Downloader
	history *store.History
	notices UserNotifier

	// Injectable for tests.
	diskFree func(path string) (uint64, error)
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

// NewOrchestrator wires an update orchestrator. notices may be nil.
func NewOrchestrator(cfg config.UpdateConfig, paths config.PathsConfig, svc ServiceController, dl *download.Downloader, history *store.History, notices UserNotifier) *Orchestrator {
	if notices == nil {
		notices = noopNotifier{}
	}
	return &Orchestrator{
		cfg:      cfg,
		paths:    paths,
		svc:      svc,
		dl:       dl,
		history:  history,
		notices:  notices,
		diskFree: statfsFree,
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

// Run executes the update state machine. Progress is reported as a
// monotonically increasing percentage; the returned report is always
// non-nil so a failed update still produces its audit record.
func (o *Orchestrator) Run(ctx context.Context, req Request, progress func(pct int)) (*Report, error) {
	report := &Report{
		ID:              uuid.New().String(),
		PreviousVersion: o.installedVersion(),
		TargetVersion:   req.Version,
		StartedAt:       o.now(),
		Services:        map[string]bool{},
	}

	lastPct := -1
	emit := func(pct int) {
		if progress != nil && pct > lastPct {
			lastPct = pct
			progress(pct)
		}
	}

	err := o.run(ctx, req, report, emit)
	report.FinishedAt = o.now()
	report.Success = err == nil
	if err != nil {
		report.Error = err.Error()
	} else {
		report.Phase = PhaseReport
		emit(100)
	}

	o.history.Record(models.SyncKindUpdate,
		fmt.Sprintf("%s -> %s (phase %s)", report.PreviousVersion, report.TargetVersion, report.Phase),
		report.Success)
	return report, err
}

func (o *Orchestrator) run(ctx context.Context, req Request, report *Report, emit func(int)) error {
	if req.Version == "" || req.URL == "" {
		return fmt.Errorf("update request requires version and url")
	}

	// Pre-checks: nothing destructive has happened yet, so any failure
	// here is a clean abort.
	report.Phase = PhasePreChecks
	if err := o.preChecks(ctx, req, report); err != nil {
		return err
	}
	emit(5)

	report.Phase = PhaseDownload
	archive := filepath.Join(o.paths.TmpDir, fmt.Sprintf("neopro-update-%s.tar.gz", req.Version))
	_, err := o.dl.Fetch(ctx, req.URL, archive, o.cfg.MaxDownloadBytes, func(received, total int64) {
		if total > 0 {
			emit(10 + int(30*received/total))
		}
	})
	if err != nil {
		return fmt.Errorf("download package: %w", err)
	}
	defer os.Remove(archive)
	emit(40)

	report.Phase = PhaseChecksum
	if req.Checksum != "" {
		if err := crypto.VerifyFileChecksum(archive, req.Checksum); err != nil {
			os.Remove(archive)
			return fmt.Errorf("%w: %v", ErrChecksum, err)
		}
	}
	emit(45)

	report.Phase = PhaseBackup
	backupRef, err := CreateBackup(o.paths.UpdateBackupDir, []string{o.paths.AppDir, o.paths.AgentDir}, o.now())
	if err != nil {
		return fmt.Errorf("pre-update backup: %w", err)
	}
	report.BackupRef = backupRef
	if _, err := PruneBackups(o.paths.UpdateBackupDir, o.cfg.KeepBackups); err != nil {
		log.Warn().Err(err).Msg("update backup prune failed")
	}
	emit(55)

	// From here on a crash leaves the device recoverable from the backup;
	// the update itself is no longer cancellable.
	report.Phase = PhaseNotify
	o.notices.UpdateNotice(req.Version, o.cfg.GraceDelay)
	if err := o.sleep(ctx, o.cfg.GraceDelay); err != nil {
		return err
	}
	emit(60)

	report.Phase = PhaseStopServices
	for _, name := range o.cfg.Services {
		if err := o.svc.Stop(ctx, name); err != nil {
			return o.rollback(ctx, report, fmt.Errorf("stop %s: %w", name, err))
		}
	}
	emit(65)

	report.Phase = PhaseInstall
	// Random staging name: leftovers from an interrupted run must never mix
	// into this install.
	suffix, err := crypto.GenerateRandomString(6)
	if err != nil {
		suffix = req.Version
	}
	staging := filepath.Join(o.paths.TmpDir, "staged-"+suffix)
	defer os.RemoveAll(staging)
	if err := extractArchive(archive, staging); err != nil {
		return o.rollback(ctx, report, err)
	}
	targets := map[string]string{
		filepath.Base(o.paths.AppDir):   o.paths.AppDir,
		filepath.Base(o.paths.AgentDir): o.paths.AgentDir,
	}
	if err := installStaged(staging, targets); err != nil {
		return o.rollback(ctx, report, err)
	}
	emit(80)

	report.Phase = PhaseStartServices
	if err := o.startAndCheck(ctx, report); err != nil {
		return o.rollback(ctx, report, err)
	}
	emit(90)

	// The agent's own service was deliberately left running: it is the
	// process performing this update. Restart it shortly so its own new
	// code takes effect.
	o.svc.ScheduleRestart(o.cfg.AgentService, o.cfg.AgentRestartIn)

	log.Info().Str("from", report.PreviousVersion).Str("to", req.Version).Msg("software update installed")
	return nil
}

func (o *Orchestrator) preChecks(ctx context.Context, req Request, report *Report) error {
	if req.SizeBytes > 0 {
		free, err := o.diskFree(o.paths.TmpDir)
		if err != nil {
			return fmt.Errorf("probe disk space: %w", err)
		}
		need := uint64(req.SizeBytes * o.cfg.DiskSpaceFactor)
		if free < need {
			return fmt.Errorf("%w: %d bytes free, need %d", ErrDiskSpace, free, need)
		}
	} else {
		log.Warn().Msg("update package declared no size, skipping disk space check")
	}

	for _, name := range o.cfg.Services {
		active, err := o.svc.IsActive(ctx, name)
		if err != nil {
			log.Warn().Err(err).Str("service", name).Msg("pre-update health probe failed")
			continue
		}
		report.Services[name] = active
	}

	// Best-effort: a failing probe must not block the update.
	if active, err := o.notices.PlaybackActive(ctx); err == nil && active {
		log.Warn().Msg("playback session active during update window")
	}
	return nil
}

func (o *Orchestrator) startAndCheck(ctx context.Context, report *Report) error {
	for _, name := range o.cfg.Services {
		if err := o.svc.Start(ctx, name); err != nil {
			report.Services[name] = false
			return fmt.Errorf("start %s: %w", name, err)
		}
	}
	for _, name := range o.cfg.Services {
		if err := waitActive(ctx, o.svc, name, o.cfg.HealthTimeout); err != nil {
			report.Services[name] = false
			return err
		}
		report.Services[name] = true
	}
	return nil
}

// rollback restores the pre-update backup after a failed install or health
// check. A rollback that itself fails is surfaced at the highest severity
// but must not crash the agent: this process is still the best hope of
// eventual recovery.
func (o *Orchestrator) rollback(ctx context.Context, report *Report, cause error) error {
	log.Error().Err(cause).Str("backup", report.BackupRef).Msg("update failed, rolling back")
	report.RolledBack = true

	for _, name := range o.cfg.Services {
		if err := o.svc.Stop(ctx, name); err != nil {
			log.Warn().Err(err).Str("service", name).Msg("stop during rollback failed")
		}
	}

	if err := RestoreBackup(report.BackupRef); err != nil {
		log.WithLevel(zerolog.FatalLevel).Err(err).Str("backup", report.BackupRef).
			Msg("rollback restore failed, device needs manual recovery")
		o.history.Record(models.SyncKindRollback, err.Error(), false)
		return fmt.Errorf("%w: restore also failed: %v (cause: %v)", ErrRollback, err, cause)
	}

	for _, name := range o.cfg.Services {
		if err := o.svc.Start(ctx, name); err != nil {
			log.WithLevel(zerolog.FatalLevel).Err(err).Str("service", name).
				Msg("service restart from backup failed")
			o.history.Record(models.SyncKindRollback, err.Error(), false)
			return fmt.Errorf("%w: restart also failed: %v (cause: %v)", ErrRollback, err, cause)
		}
	}

	o.history.Record(models.SyncKindRollback, cause.Error(), true)
	return fmt.Errorf("%w: %v", ErrRollback, cause)
}

func (o *Orchestrator) installedVersion() string {
	data, err := os.ReadFile(filepath.Join(o.paths.AppDir, "VERSION"))
	if err != nil {
		return "unknown"
	}
	return string(bytes.TrimSpace(data))
}

func statfsFree(path string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
