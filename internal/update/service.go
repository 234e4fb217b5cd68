// Package update implements the software-update and hotspot-update state
// machines: strictly sequential phases, backup before any mutation, and
// automatic rollback when a post-change health check fails.
package update

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ServiceController abstracts the init system. Handlers and orchestrators
// depend on this interface; production wiring uses Systemctl.
type ServiceController interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	IsActive(ctx context.Context, name string) (bool, error)

	// ScheduleRestart restarts a service after a delay, without blocking.
	// Used for the agent's own service, which cannot restart itself
	// mid-update.
	ScheduleRestart(name string, after time.Duration)

	Reboot(ctx context.Context) error
}

// Systemctl drives services through systemctl.
type Systemctl struct{}

func (Systemctl) Start(ctx context.Context, name string) error {
	return runSystemctl(ctx, "start", name)
}

func (Systemctl) Stop(ctx context.Context, name string) error {
	return runSystemctl(ctx, "stop", name)
}

func (Systemctl) Restart(ctx context.Context, name string) error {
	return runSystemctl(ctx, "restart", name)
}

// IsActive reports whether the unit is in the active state. A nonzero exit
// from is-active means inactive, not an execution failure.
func (Systemctl) IsActive(ctx context.Context, name string) (bool, error) {
	out, err := exec.CommandContext(ctx, "systemctl", "is-active", name).Output()
	state := strings.TrimSpace(string(out))
	if err != nil {
		if state != "" {
			return false, nil
		}
		return false, fmt.Errorf("systemctl is-active %s: %w", name, err)
	}
	return state == "active", nil
}

func (s Systemctl) ScheduleRestart(name string, after time.Duration) {
	log.Info().Str("service", name).Dur("after", after).Msg("service restart scheduled")
	time.AfterFunc(after, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Restart(ctx, name); err != nil {
			log.Error().Err(err).Str("service", name).Msg("scheduled restart failed")
		}
	})
}

func (Systemctl) Reboot(ctx context.Context) error {
	log.Warn().Msg("rebooting device")
	if err := exec.CommandContext(ctx, "systemctl", "reboot").Run(); err != nil {
		return fmt.Errorf("systemctl reboot: %w", err)
	}
	return nil
}

func runSystemctl(ctx context.Context, verb, name string) error {
	if err := exec.CommandContext(ctx, "systemctl", verb, name).Run(); err != nil {
		return fmt.Errorf("systemctl %s %s: %w", verb, name, err)
	}
	log.Info().Str("service", name).Str("action", verb).Msg("service state changed")
	return nil
}

// waitActive polls a service until it reports active or the timeout
// elapses.
func waitActive(ctx context.Context, svc ServiceController, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		active, err := svc.IsActive(ctx, name)
		if err == nil && active {
			return nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return fmt.Errorf("service %s health check: %w", name, err)
			}
			return fmt.Errorf("service %s not active after %s", name, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
