// Package notify delivers best-effort local events to the on-device
// playback process over the loopback NATS server, and receives buffered
// playback analytics from it. Delivery failures never fail the command
// that triggered the notification.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Subjects of the local playback loop.
const (
	SubjectConfigUpdated   = "player.config_updated"
	SubjectSettingsUpdated = "player.settings_updated"
	SubjectAnalytics       = "player.analytics"
	SubjectUpdateNotice    = "player.update_notice"
	SubjectStatus          = "player.status"
)

// Notifier is the local notification channel handlers depend on. Both
// methods are fire-and-forget.
type Notifier interface {
	ConfigUpdated()
	SettingsUpdated(settings map[string]interface{})
}

// Noop discards all notifications. Used in tests and when the local loop
// is disabled.
type Noop struct{}

func (Noop) ConfigUpdated()                                 {}
func (Noop) SettingsUpdated(settings map[string]interface{}) {}

// Local is the NATS-backed notifier. It connects lazily and keeps retrying
// in the background, so a playback process that starts later still gets
// events once both sides are up.
type Local struct {
	url string

	mu sync.Mutex
	nc *nats.Conn
}

// NewLocal creates a notifier for the given loopback NATS URL.
func NewLocal(url string) *Local {
	return &Local{url: url}
}

// ConfigUpdated signals the playback process that the library changed.
func (l *Local) ConfigUpdated() {
	l.publish(SubjectConfigUpdated, nil)
}

// SettingsUpdated signals a settings change, carrying the new settings.
func (l *Local) SettingsUpdated(settings map[string]interface{}) {
	payload, err := json.Marshal(map[string]interface{}{"settings": settings})
	if err != nil {
		log.Warn().Err(err).Msg("settings notification marshal failed")
		return
	}
	l.publish(SubjectSettingsUpdated, payload)
}

// UpdateNotice warns the playback process that services will go down for
// an update after the given delay, so it can show an on-screen notice.
func (l *Local) UpdateNotice(version string, in time.Duration) {
	payload, err := json.Marshal(map[string]interface{}{
		"version":   version,
		"inSeconds": int(in.Seconds()),
	})
	if err != nil {
		return
	}
	l.publish(SubjectUpdateNotice, payload)
}

// PlaybackActive asks the playback process whether a session is running.
// No response within the deadline means no playback loop, not an error
// worth surfacing.
func (l *Local) PlaybackActive(ctx context.Context) (bool, error) {
	nc, err := l.conn()
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := nc.RequestWithContext(ctx, SubjectStatus, nil)
	if err != nil {
		return false, nil
	}
	var status struct {
		Playing bool `json:"playing"`
	}
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		return false, nil
	}
	return status.Playing, nil
}

// SubscribeAnalytics delivers playback analytics events to handler. The
// subscription is best-effort like everything else on the local loop.
func (l *Local) SubscribeAnalytics(handler func(event json.RawMessage)) error {
	nc, err := l.conn()
	if err != nil {
		return err
	}
	_, err = nc.Subscribe(SubjectAnalytics, func(msg *nats.Msg) {
		handler(json.RawMessage(msg.Data))
	})
	return err
}

// Close tears down the local connection.
func (l *Local) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nc != nil {
		l.nc.Close()
		l.nc = nil
	}
}

func (l *Local) publish(subject string, payload []byte) {
	nc, err := l.conn()
	if err != nil {
		log.Debug().Err(err).Str("subject", subject).Msg("local notification skipped, no loop connection")
		return
	}
	if err := nc.Publish(subject, payload); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("local notification failed")
		return
	}
	log.Debug().Str("subject", subject).Msg("local notification sent")
}

func (l *Local) conn() (*nats.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nc != nil && l.nc.IsConnected() {
		return l.nc, nil
	}
	nc, err := nats.Connect(l.url,
		nats.Name("neopro-edge-agent"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, err
	}
	l.nc = nc
	return nc, nil
}
