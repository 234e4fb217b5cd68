package command

import (
	"github.com/neopro/edge-agent/internal/download"
	"github.com/neopro/edge-agent/internal/metrics"
	"github.com/neopro/edge-agent/internal/models"
	"github.com/neopro/edge-agent/internal/notify"
	"github.com/neopro/edge-agent/internal/store"
	"github.com/neopro/edge-agent/internal/update"
)

// ProgressSink receives command progress for forwarding upstream. The
// session implements it; progress is best-effort and must never block a
// running command.
type ProgressSink interface {
	DeployProgress(videoID string, pct int)
	UpdateProgress(version string, pct int)
}

// NoopSink discards progress. Used when commands replay from the offline
// queue with no live session.
type NoopSink struct{}

func (NoopSink) DeployProgress(string, int) {}
func (NoopSink) UpdateProgress(string, int) {}

// Handlers owns the device-side state every command touches.
type Handlers struct {
	library  *store.Library
	history  *store.History
	notifier notify.Notifier
	sampler  metrics.Sampler
	svc      update.ServiceController
	orch     *update.Orchestrator
	hotspot  *update.Hotspot
	dl       *download.Downloader
	sink     ProgressSink

	videosDir string
	logFile   string
	serverURL string

	// services that restart_service may touch
	services map[string]bool
}

// Options wires a handler set.
type Options struct {
	Library   *store.Library
	History   *store.History
	Notifier  notify.Notifier
	Sampler   metrics.Sampler
	Services  update.ServiceController
	Update    *update.Orchestrator
	Hotspot   *update.Hotspot
	Download  *download.Downloader
	Sink      ProgressSink
	VideosDir string
	LogFile   string
	ServerURL string

	// RestartableServices limits restart_service to known units.
	RestartableServices []string
}

// NewHandlers creates the handler set and registers every command type on
// the dispatcher.
func NewHandlers(d *Dispatcher, opts Options) *Handlers {
	h := &Handlers{
		library:   opts.Library,
		history:   opts.History,
		notifier:  opts.Notifier,
		sampler:   opts.Sampler,
		svc:       opts.Services,
		orch:      opts.Update,
		hotspot:   opts.Hotspot,
		dl:        opts.Download,
		sink:      opts.Sink,
		videosDir: opts.VideosDir,
		logFile:   opts.LogFile,
		serverURL: opts.ServerURL,
		services:  make(map[string]bool, len(opts.RestartableServices)),
	}
	if h.notifier == nil {
		h.notifier = notify.Noop{}
	}
	if h.sink == nil {
		h.sink = NoopSink{}
	}
	for _, name := range opts.RestartableServices {
		h.services[name] = true
	}

	d.Register(models.CmdDeployVideo, h.DeployVideo)
	d.Register(models.CmdDeleteVideo, h.DeleteVideo)
	d.Register(models.CmdUpdateConfig, h.UpdateConfig)
	d.Register(models.CmdGetConfig, h.GetConfig)
	d.Register(models.CmdUpdateSettings, h.UpdateSettings)
	d.Register(models.CmdUpdateSoftware, h.UpdateSoftware)
	d.Register(models.CmdUpdateHotspot, h.UpdateHotspot)
	d.Register(models.CmdGetHotspotConfig, h.GetHotspotConfig)
	d.Register(models.CmdReboot, h.Reboot)
	d.Register(models.CmdRestartService, h.RestartService)
	d.Register(models.CmdGetLogs, h.GetLogs)
	d.Register(models.CmdGetSystemInfo, h.GetSystemInfo)
	d.Register(models.CmdNetworkDiagnostics, h.NetworkDiagnostics)
	return h
}
