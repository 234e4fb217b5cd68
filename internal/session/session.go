// Package session maintains the persistent websocket session to the central
// server: authentication, heartbeats, serial command execution, analytics
// flushes and reconnection with backoff.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/neopro/edge-agent/internal/auth"
	"github.com/neopro/edge-agent/internal/command"
	"github.com/neopro/edge-agent/internal/config"
	"github.com/neopro/edge-agent/internal/metrics"
	"github.com/neopro/edge-agent/internal/models"
	"github.com/neopro/edge-agent/internal/queue"
	"github.com/neopro/edge-agent/internal/store"
)

// ErrAuthRejected means the server refused our credentials. Retrying with
// the same key cannot succeed, so the session loop exits instead of
// hammering the server.
var ErrAuthRejected = errors.New("authentication rejected")

// Deferrable command types are requeued for replay when their live
// execution fails on a transient error.
var deferrable = map[string]models.Priority{
	models.CmdUpdateConfig:   models.PriorityHigh,
	models.CmdDeployVideo:    models.PriorityNormal,
	models.CmdDeleteVideo:    models.PriorityNormal,
	models.CmdUpdateSettings: models.PriorityNormal,
}

// Manager owns the session lifecycle.
type Manager struct {
	cfg     *config.Config
	tokens  *auth.TokenManager
	disp    *command.Dispatcher
	queue   *queue.Queue
	status  *store.Status
	sampler metrics.Sampler

	dialer *websocket.Dialer

	mu        sync.Mutex
	out       chan models.Envelope
	analytics []json.RawMessage

	rng *rand.Rand
}

// New creates a session manager.
func New(cfg *config.Config, tokens *auth.TokenManager, disp *command.Dispatcher, q *queue.Queue, status *store.Status, sampler metrics.Sampler) *Manager {
	return &Manager{
		cfg:     cfg,
		tokens:  tokens,
		disp:    disp,
		queue:   q,
		status:  status,
		sampler: sampler,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.Server.HandshakeTimeout,
		},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run connects and keeps reconnecting until the context is cancelled, the
// server rejects authentication, or the attempt budget is exhausted.
func (m *Manager) Run(ctx context.Context) error {
	rc := m.cfg.Session.Reconnect
	delay := rc.InitialDelay
	attempts := 0

	for {
		established, err := m.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthRejected) {
			log.Error().Err(err).Msg("authentication rejected, not retrying")
			return err
		}

		if established {
			// A session that got past authentication resets the budget;
			// a server-initiated close is not a failing server.
			attempts = 0
			delay = rc.InitialDelay
			m.status.SetState(models.ConnDisconnected)
			if isServerClose(err) {
				log.Info().Msg("server closed the session, reconnecting immediately")
				continue
			}
		} else {
			attempts++
			m.status.RecordAttempt(err)
			if attempts >= rc.MaxAttempts {
				m.status.SetState(models.ConnDisconnected)
				return fmt.Errorf("giving up after %d connection attempts: %w", attempts, err)
			}
		}

		wait := m.withJitter(delay)
		log.Warn().Err(err).Dur("retry_in", wait).Int("attempt", attempts).Msg("session lost")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		delay = nextDelay(delay, rc.MaxDelay)
	}
}

// AddAnalytics buffers one playback analytics event for the next flush.
// The buffer is bounded; under pressure the oldest events go first.
func (m *Manager) AddAnalytics(event json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.analytics) >= m.cfg.Session.AnalyticsCap {
		m.analytics = m.analytics[1:]
	}
	m.analytics = append(m.analytics, event)
}

// DeployProgress forwards video download progress upstream, best-effort.
func (m *Manager) DeployProgress(videoID string, pct int) {
	m.trySend(models.NewEnvelope(models.EventDeployProgress, models.DeployProgress{
		VideoID:  videoID,
		Progress: pct,
	}))
}

// UpdateProgress forwards software update progress upstream, best-effort.
func (m *Manager) UpdateProgress(version string, pct int) {
	m.trySend(models.NewEnvelope(models.EventUpdateProgress, models.UpdateProgress{
		Version:  version,
		Progress: pct,
	}))
}

// runSession runs one complete connect-authenticate-serve cycle. It reports
// whether the session got past authentication, so the caller can tell a
// failed attempt from a dropped session.
func (m *Manager) runSession(ctx context.Context) (established bool, err error) {
	m.status.SetState(models.ConnConnecting)

	conn, _, err := m.dialer.DialContext(ctx, m.cfg.Server.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", m.cfg.Server.URL, err)
	}
	defer conn.Close()

	if err := m.authenticate(conn); err != nil {
		return false, err
	}

	m.status.SetState(models.ConnConnected)
	log.Info().Str("server", m.cfg.Server.URL).Msg("session established")

	// A quiet-but-healthy server keeps the session alive with pings; each
	// one extends the read deadline like a data frame would.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(m.cfg.Server.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(m.cfg.Server.WriteTimeout))
	})

	out := make(chan models.Envelope, 64)
	m.setOut(out)
	defer m.setOut(nil)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 3)

	// Single writer: the websocket allows one concurrent writer, so every
	// outbound frame funnels through this goroutine.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-sessionCtx.Done():
				return
			case env := <-out:
				conn.SetWriteDeadline(time.Now().Add(m.cfg.Server.WriteTimeout))
				if err := conn.WriteJSON(env); err != nil {
					errc <- fmt.Errorf("write %s frame: %w", env.Event, err)
					cancel()
					return
				}
			}
		}
	}()

	// Serial command worker: queued work replays first, then live commands
	// execute one at a time in arrival order.
	cmds := make(chan models.Command, 16)
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.replayQueue(sessionCtx)
		for {
			select {
			case <-sessionCtx.Done():
				return
			case cmd := <-cmds:
				m.execute(sessionCtx, cmd)
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.tickers(sessionCtx)
	}()

	readErr := m.readLoop(sessionCtx, conn, cmds)
	cancel()
	conn.Close()
	wg.Wait()

	if errors.Is(readErr, ErrAuthRejected) {
		return true, readErr
	}
	select {
	case err := <-errc:
		return true, err
	default:
	}
	return true, readErr
}

// authenticate sends the signed site token and waits for the server's
// verdict as the first frame.
func (m *Manager) authenticate(conn *websocket.Conn) error {
	token, err := m.tokens.SiteToken()
	if err != nil {
		return fmt.Errorf("sign site token: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(m.cfg.Server.WriteTimeout))
	env := models.NewEnvelope(models.EventAuthenticate, models.AuthenticateRequest{
		SiteID: m.cfg.Site.ID,
		Token:  token,
	})
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("send authenticate: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(m.cfg.Server.HandshakeTimeout))
	var reply models.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("read authenticate reply: %w", err)
	}

	switch reply.Event {
	case models.EventAuthenticated:
		return nil
	case models.EventAuthError:
		var authErr models.AuthError
		if err := json.Unmarshal(reply.Data, &authErr); err == nil && authErr.Message != "" {
			return fmt.Errorf("%w: %s", ErrAuthRejected, authErr.Message)
		}
		return ErrAuthRejected
	default:
		return fmt.Errorf("unexpected first frame %q", reply.Event)
	}
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn, cmds chan<- models.Command) error {
	for {
		conn.SetReadDeadline(time.Now().Add(m.cfg.Server.ReadTimeout))
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		switch env.Event {
		case models.EventCommand:
			var cmd models.Command
			if err := json.Unmarshal(env.Data, &cmd); err != nil {
				log.Warn().Err(err).Msg("unparseable command frame")
				continue
			}
			select {
			case cmds <- cmd:
			case <-ctx.Done():
				return ctx.Err()
			}
		case models.EventAuthError:
			var authErr models.AuthError
			json.Unmarshal(env.Data, &authErr)
			return fmt.Errorf("%w: %s", ErrAuthRejected, authErr.Message)
		default:
			log.Debug().Str("event", string(env.Event)).Msg("ignoring unhandled frame")
		}
	}
}

// execute runs one command and reports its result. A failed deferrable
// command is stored for replay on the next session.
func (m *Manager) execute(ctx context.Context, cmd models.Command) {
	result := m.disp.Dispatch(ctx, cmd)
	m.trySend(models.NewEnvelope(models.EventCommandResult, result))

	if result.Status == models.ResultError {
		if prio, ok := deferrable[cmd.Type]; ok {
			if id, stored := m.queue.Enqueue(cmd.Type, cmd.Data, queue.EnqueueOptions{Priority: prio}); stored {
				log.Info().Str("command", cmd.Type).Str("entry", id).Msg("failed command queued for replay")
			}
		}
	}
}

// replayQueue drains the offline queue through the same dispatcher used
// for live commands.
func (m *Manager) replayQueue(ctx context.Context) {
	if m.queue.Len() == 0 {
		return
	}
	stats := m.queue.Process(ctx, func(ctx context.Context, cmd models.Command) error {
		result := m.disp.Dispatch(ctx, cmd)
		m.trySend(models.NewEnvelope(models.EventCommandResult, result))
		if result.Status == models.ResultError {
			return errors.New(result.Error)
		}
		return nil
	})
	log.Info().
		Int("processed", stats.Processed).
		Int("succeeded", stats.Succeeded).
		Int("requeued", stats.Requeued).
		Int("dead", stats.Dead).
		Msg("offline queue replayed")
}

// tickers emits heartbeats and analytics flushes while the session lives.
func (m *Manager) tickers(ctx context.Context) {
	heartbeat := time.NewTicker(m.cfg.Session.HeartbeatInterval)
	defer heartbeat.Stop()
	analytics := time.NewTicker(m.cfg.Session.AnalyticsInterval)
	defer analytics.Stop()

	// First heartbeat goes out right away so the server sees a fresh
	// snapshot on connect.
	m.sendHeartbeat()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			m.sendHeartbeat()
		case <-analytics.C:
			m.flushAnalytics()
		}
	}
}

func (m *Manager) sendHeartbeat() {
	m.trySend(models.NewEnvelope(models.EventHeartbeat, models.Heartbeat{
		SiteID:    m.cfg.Site.ID,
		Timestamp: time.Now().UTC(),
		Metrics:   m.sampler.Sample(),
	}))
}

func (m *Manager) flushAnalytics() {
	m.mu.Lock()
	events := m.analytics
	m.analytics = nil
	m.mu.Unlock()

	if len(events) == 0 {
		return
	}
	sent := m.trySend(models.NewEnvelope(models.EventAnalytics, models.AnalyticsBatch{
		SiteID: m.cfg.Site.ID,
		SentAt: time.Now().UTC(),
		Events: events,
	}))
	if !sent {
		// Put them back for the next flush.
		m.mu.Lock()
		m.analytics = append(events, m.analytics...)
		m.mu.Unlock()
	}
}

// trySend queues a frame for the writer without blocking. Frames sent while
// offline or against a full writer are dropped; everything that matters
// durably goes through the offline queue instead.
func (m *Manager) trySend(env models.Envelope) bool {
	m.mu.Lock()
	out := m.out
	m.mu.Unlock()
	if out == nil {
		return false
	}
	select {
	case out <- env:
		return true
	default:
		log.Warn().Str("event", string(env.Event)).Msg("outbound frame dropped, writer backlogged")
		return false
	}
}

func (m *Manager) setOut(out chan models.Envelope) {
	m.mu.Lock()
	m.out = out
	m.mu.Unlock()
}

// withJitter spreads reconnect attempts so a fleet dropped by one outage
// does not stampede back in lockstep.
func (m *Manager) withJitter(d time.Duration) time.Duration {
	j := m.cfg.Session.Reconnect.Jitter
	if j <= 0 {
		return d
	}
	offset := (m.rng.Float64()*2 - 1) * j * float64(d)
	return d + time.Duration(offset)
}

func nextDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func isServerClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseServiceRestart,
		websocket.ClosePolicyViolation)
}
