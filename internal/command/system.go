package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/neopro/edge-agent/internal/models"
	"github.com/neopro/edge-agent/internal/update"
)

const (
	defaultLogLines = 200
	maxLogLines     = 1000

	// rebootDelay leaves time for the command result to reach the server
	// before the connection dies.
	rebootDelay = 2 * time.Second
)

type restartServiceRequest struct {
	Service string `json:"service"`
}

type getLogsRequest struct {
	Lines int `json:"lines,omitempty"`
}

type diagnosticsRequest struct {
	Host string `json:"host,omitempty"`
}

// UpdateSoftware runs the update orchestrator, forwarding progress
// upstream.
func (h *Handlers) UpdateSoftware(ctx context.Context, cmd models.Command) (interface{}, error) {
	var req update.Request
	if err := json.Unmarshal(cmd.Data, &req); err != nil {
		return nil, fmt.Errorf("parse update_software payload: %w", err)
	}

	report, err := h.orch.Run(ctx, req, func(pct int) {
		h.sink.UpdateProgress(req.Version, pct)
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// UpdateHotspot applies a WiFi hotspot change.
func (h *Handlers) UpdateHotspot(ctx context.Context, cmd models.Command) (interface{}, error) {
	var req update.HotspotRequest
	if err := json.Unmarshal(cmd.Data, &req); err != nil {
		return nil, fmt.Errorf("parse update_hotspot payload: %w", err)
	}
	if err := h.hotspot.Apply(ctx, req); err != nil {
		return nil, err
	}
	return h.hotspot.Current()
}

// GetHotspotConfig returns the hotspot settings with the secret masked.
func (h *Handlers) GetHotspotConfig(ctx context.Context, cmd models.Command) (interface{}, error) {
	return h.hotspot.Current()
}

// Reboot acknowledges the command, then reboots after a short delay so the
// acknowledgement can leave the device first.
func (h *Handlers) Reboot(ctx context.Context, cmd models.Command) (interface{}, error) {
	log.Warn().Str("id", cmd.ID).Msg("reboot commanded")
	time.AfterFunc(rebootDelay, func() {
		rebootCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.svc.Reboot(rebootCtx); err != nil {
			log.Error().Err(err).Msg("reboot failed")
		}
	})
	return map[string]interface{}{"rebootIn": rebootDelay.String()}, nil
}

// RestartService restarts one of the known service units.
func (h *Handlers) RestartService(ctx context.Context, cmd models.Command) (interface{}, error) {
	var req restartServiceRequest
	if err := json.Unmarshal(cmd.Data, &req); err != nil {
		return nil, fmt.Errorf("parse restart_service payload: %w", err)
	}
	if !h.services[req.Service] {
		return nil, fmt.Errorf("unknown service: %s", req.Service)
	}
	if err := h.svc.Restart(ctx, req.Service); err != nil {
		return nil, err
	}
	return map[string]interface{}{"service": req.Service, "restarted": true}, nil
}

// GetLogs returns the tail of the agent log file.
func (h *Handlers) GetLogs(ctx context.Context, cmd models.Command) (interface{}, error) {
	req := getLogsRequest{Lines: defaultLogLines}
	if len(cmd.Data) > 0 {
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, fmt.Errorf("parse get_logs payload: %w", err)
		}
	}
	if req.Lines <= 0 {
		req.Lines = defaultLogLines
	}
	if req.Lines > maxLogLines {
		req.Lines = maxLogLines
	}

	lines, err := tailFile(h.logFile, req.Lines)
	if err != nil {
		return nil, fmt.Errorf("read log file: %w", err)
	}
	return map[string]interface{}{"file": h.logFile, "lines": lines}, nil
}

// GetSystemInfo returns the device health snapshot plus build facts.
func (h *Handlers) GetSystemInfo(ctx context.Context, cmd models.Command) (interface{}, error) {
	return map[string]interface{}{
		"metrics": h.sampler.Sample(),
		"os":      runtime.GOOS,
		"arch":    runtime.GOARCH,
		"time":    time.Now().UTC(),
	}, nil
}

// NetworkDiagnostics resolves and dials the central server (or a requested
// host) and reports latency. Individual probe failures are findings, not
// command failures.
func (h *Handlers) NetworkDiagnostics(ctx context.Context, cmd models.Command) (interface{}, error) {
	var req diagnosticsRequest
	if len(cmd.Data) > 0 {
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return nil, fmt.Errorf("parse network_diagnostics payload: %w", err)
		}
	}
	host := req.Host
	if host == "" {
		u, err := url.Parse(h.serverURL)
		if err != nil || u.Hostname() == "" {
			return nil, fmt.Errorf("no host to probe")
		}
		host = u.Hostname()
	}

	result := map[string]interface{}{"host": host}

	resolveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(resolveCtx, host)
	if err != nil {
		result["resolve"] = map[string]interface{}{"ok": false, "error": err.Error()}
		return result, nil
	}
	result["resolve"] = map[string]interface{}{
		"ok":        true,
		"addresses": addrs,
		"latencyMs": time.Since(start).Milliseconds(),
	}

	dialer := net.Dialer{Timeout: 5 * time.Second}
	start = time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, "443"))
	if err != nil {
		result["dial"] = map[string]interface{}{"ok": false, "error": err.Error()}
		return result, nil
	}
	conn.Close()
	result["dial"] = map[string]interface{}{
		"ok":        true,
		"latencyMs": time.Since(start).Milliseconds(),
	}
	return result, nil
}

// tailFile reads the last n lines of a file. Log files on these devices
// rotate well under memory size, so a single pass is fine.
func tailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ring, nil
}
