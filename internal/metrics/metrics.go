// Package metrics samples the device health figures attached to every
// heartbeat and returned by the system info command.
package metrics

import (
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/neopro/edge-agent/internal/models"
)

// Sampler produces a point-in-time device health snapshot.
type Sampler interface {
	Sample() models.Metrics
}

// System samples the real device. Disk figures come from the filesystem
// holding the data directory, which is where videos and state live.
type System struct {
	version string
	dataDir string
	started time.Time

	hostname func() (string, error)
	statfs   func(path string, st *syscall.Statfs_t) error
}

// NewSystem creates a sampler for the running agent.
func NewSystem(version, dataDir string, hostname func() (string, error)) *System {
	return &System{
		version:  version,
		dataDir:  dataDir,
		started:  time.Now(),
		hostname: hostname,
		statfs:   syscall.Statfs,
	}
}

func (s *System) Sample() models.Metrics {
	m := models.Metrics{
		AgentVersion:  s.version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}

	if name, err := s.hostname(); err == nil {
		m.Hostname = name
	} else {
		log.Warn().Err(err).Msg("hostname lookup failed")
	}

	var st syscall.Statfs_t
	if err := s.statfs(s.dataDir, &st); err != nil {
		log.Warn().Err(err).Str("dir", s.dataDir).Msg("disk stat failed")
		return m
	}
	m.DiskFreeBytes = st.Bavail * uint64(st.Bsize)
	m.DiskTotalBytes = st.Blocks * uint64(st.Bsize)
	if m.DiskTotalBytes > 0 {
		used := m.DiskTotalBytes - st.Bfree*uint64(st.Bsize)
		m.DiskUsedRatio = float64(used) / float64(m.DiskTotalBytes)
	}
	return m
}
