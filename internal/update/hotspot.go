package update

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/neopro/edge-agent/internal/models"
	"github.com/neopro/edge-agent/internal/store"
	"github.com/neopro/edge-agent/pkg/crypto"
)

// HotspotRequest is the update_hotspot command payload. Either field may be
// omitted; at least one must be present.
type HotspotRequest struct {
	SSID     string `json:"ssid,omitempty"`
	Password string `json:"password,omitempty"`
}

// HotspotState is the masked view returned to get_hotspot_config.
type HotspotState struct {
	SSID        string `json:"ssid"`
	PasswordSet bool   `json:"passwordSet"`
	Channel     string `json:"channel,omitempty"`
	Interface   string `json:"interface,omitempty"`
}

// Validate enforces the WPA2 constraints before anything touches disk.
func (r HotspotRequest) Validate() error {
	if r.SSID == "" && r.Password == "" {
		return fmt.Errorf("hotspot update requires ssid or password")
	}
	if r.SSID != "" && len(r.SSID) > 32 {
		return fmt.Errorf("ssid exceeds 32 bytes")
	}
	if r.Password != "" && (len(r.Password) < 8 || len(r.Password) > 63) {
		return fmt.Errorf("password must be 8 to 63 characters")
	}
	return nil
}

// Hotspot applies WiFi hotspot changes to the hostapd configuration, with
// the same backup-then-rollback discipline as software updates.
type Hotspot struct {
	confPath      string
	service       string
	svc           ServiceController
	history       *store.History
	healthTimeout time.Duration
}

// NewHotspot wires a hotspot updater against a hostapd conf file.
func NewHotspot(confPath, service string, svc ServiceController, history *store.History, healthTimeout time.Duration) *Hotspot {
	return &Hotspot{
		confPath:      confPath,
		service:       service,
		svc:           svc,
		history:       history,
		healthTimeout: healthTimeout,
	}
}

// Apply validates the request, rewrites only the requested keys, restarts
// hostapd, and restores the previous configuration if the service does not
// come back healthy.
func (h *Hotspot) Apply(ctx context.Context, req HotspotRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	original, err := os.ReadFile(h.confPath)
	if err != nil {
		return fmt.Errorf("read hostapd conf: %w", err)
	}
	conf := parseHostapd(string(original))

	// A stored wpa_psk is salted by the ssid it was derived against. Renaming
	// the network without the password would leave a key no client can match.
	if req.SSID != "" && req.Password == "" && req.SSID != conf.get("ssid") &&
		conf.get("wpa_psk") != "" && conf.get("wpa_passphrase") == "" {
		return fmt.Errorf("ssid change requires the password: stored key is bound to ssid %q", conf.get("ssid"))
	}

	backupPath := h.confPath + ".bak"
	if err := os.WriteFile(backupPath, original, 0o600); err != nil {
		return fmt.Errorf("back up hostapd conf: %w", err)
	}
	if req.SSID != "" {
		conf.set("ssid", req.SSID)
	}
	if req.Password != "" {
		ssid := req.SSID
		if ssid == "" {
			ssid = conf.get("ssid")
		}
		if ssid == "" {
			return fmt.Errorf("cannot derive psk: no ssid configured")
		}
		// Store the derived PSK rather than the passphrase so the plain
		// password never rests on disk.
		conf.set("wpa_psk", crypto.DeriveWPAPSK(ssid, req.Password))
		conf.unset("wpa_passphrase")
	}

	if err := os.WriteFile(h.confPath, []byte(conf.String()), 0o600); err != nil {
		return fmt.Errorf("write hostapd conf: %w", err)
	}

	if err := h.restartAndCheck(ctx); err != nil {
		log.Error().Err(err).Msg("hotspot reconfiguration failed, restoring previous conf")
		if restoreErr := os.WriteFile(h.confPath, original, 0o600); restoreErr != nil {
			log.Error().Err(restoreErr).Msg("hostapd conf restore failed")
			h.history.Record(models.SyncKindHotspot, restoreErr.Error(), false)
			return fmt.Errorf("hotspot update failed and restore failed: %v (cause: %w)", restoreErr, err)
		}
		if restartErr := h.restartAndCheck(ctx); restartErr != nil {
			log.Error().Err(restartErr).Msg("hostapd restart on restored conf failed")
		}
		h.history.Record(models.SyncKindHotspot, err.Error(), false)
		return fmt.Errorf("hotspot update failed, previous configuration restored: %w", err)
	}

	h.history.Record(models.SyncKindHotspot, changedKeys(req), true)
	log.Info().Str("changed", changedKeys(req)).Msg("hotspot configuration updated")
	return nil
}

// Current returns the active hotspot settings with the secret masked.
func (h *Hotspot) Current() (HotspotState, error) {
	data, err := os.ReadFile(h.confPath)
	if err != nil {
		return HotspotState{}, fmt.Errorf("read hostapd conf: %w", err)
	}
	conf := parseHostapd(string(data))
	return HotspotState{
		SSID:        conf.get("ssid"),
		PasswordSet: conf.get("wpa_psk") != "" || conf.get("wpa_passphrase") != "",
		Channel:     conf.get("channel"),
		Interface:   conf.get("interface"),
	}, nil
}

func (h *Hotspot) restartAndCheck(ctx context.Context) error {
	if err := h.svc.Restart(ctx, h.service); err != nil {
		return err
	}
	return waitActive(ctx, h.svc, h.service, h.healthTimeout)
}

func changedKeys(req HotspotRequest) string {
	var keys []string
	if req.SSID != "" {
		keys = append(keys, "ssid")
	}
	if req.Password != "" {
		keys = append(keys, "password")
	}
	return strings.Join(keys, ",")
}

// hostapdConf preserves the file line by line so comments, blank lines and
// key order survive a partial rewrite.
type hostapdConf struct {
	lines []string
}

func parseHostapd(content string) *hostapdConf {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	return &hostapdConf{lines: lines}
}

func (c *hostapdConf) get(key string) string {
	prefix := key + "="
	for _, line := range c.lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, prefix) {
			return strings.TrimPrefix(trimmed, prefix)
		}
	}
	return ""
}

func (c *hostapdConf) set(key, value string) {
	prefix := key + "="
	for i, line := range c.lines {
		if strings.HasPrefix(strings.TrimSpace(line), prefix) {
			c.lines[i] = key + "=" + value
			return
		}
	}
	c.lines = append(c.lines, key+"="+value)
}

func (c *hostapdConf) unset(key string) {
	prefix := key + "="
	kept := c.lines[:0]
	for _, line := range c.lines {
		if strings.HasPrefix(strings.TrimSpace(line), prefix) {
			continue
		}
		kept = append(kept, line)
	}
	c.lines = kept
}

func (c *hostapdConf) String() string {
	return strings.Join(c.lines, "\n") + "\n"
}
