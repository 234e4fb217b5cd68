package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/neopro/edge-agent/internal/models"
)

// Config represents the agent configuration
type Config struct {
	Site     SiteConfig     `yaml:"site"`
	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	Paths    PathsConfig    `yaml:"paths"`
	Queue    QueueConfig    `yaml:"queue"`
	Commands CommandsConfig `yaml:"commands"`
	Update   UpdateConfig   `yaml:"update"`
	Hotspot  HotspotConfig  `yaml:"hotspot"`
	API      APIConfig      `yaml:"api"`
	Notify   NotifyConfig   `yaml:"notify"`
	Log      LogConfig      `yaml:"log"`
}

// SiteConfig identifies this installation
type SiteConfig struct {
	ID     string `yaml:"id"`
	APIKey string `yaml:"api_key"`
	Name   string `yaml:"name"`
}

// ServerConfig points at the central server
type ServerConfig struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	TokenTTL         time.Duration `yaml:"token_ttl"`
}

// SessionConfig tunes the persistent session
type SessionConfig struct {
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
	AnalyticsInterval time.Duration   `yaml:"analytics_interval"`
	AnalyticsCap      int             `yaml:"analytics_cap"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig tunes the backoff policy
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Jitter       float64       `yaml:"jitter"`
}

// PathsConfig locates all on-disk state
type PathsConfig struct {
	DataDir        string `yaml:"data_dir"`
	LibraryFile    string `yaml:"library_file"`
	QueueFile      string `yaml:"queue_file"`
	DeadLetterFile string `yaml:"dead_letter_file"`
	HistoryFile    string `yaml:"history_file"`
	BackupsDir     string `yaml:"backups_dir"`
	VideosDir      string `yaml:"videos_dir"`
	LogFile        string `yaml:"log_file"`
	TmpDir         string `yaml:"tmp_dir"`

	AppDir          string `yaml:"app_dir"`
	AgentDir        string `yaml:"agent_dir"`
	UpdateBackupDir string `yaml:"update_backup_dir"`
	HostapdConf     string `yaml:"hostapd_conf"`
}

// QueueConfig tunes the offline queue
type QueueConfig struct {
	Capacity    int           `yaml:"capacity"`
	MaxAttempts int           `yaml:"max_attempts"`
	TTL         time.Duration `yaml:"ttl"`
}

// CommandsConfig carries the command allow-list
type CommandsConfig struct {
	Allowed []string `yaml:"allowed"`
}

// UpdateConfig tunes the software update orchestrator
type UpdateConfig struct {
	MaxDownloadBytes int64         `yaml:"max_download_bytes"`
	DiskSpaceFactor  int64         `yaml:"disk_space_factor"`
	GraceDelay       time.Duration `yaml:"grace_delay"`
	HealthTimeout    time.Duration `yaml:"health_timeout"`
	Services         []string      `yaml:"services"`
	AgentService     string        `yaml:"agent_service"`
	AgentRestartIn   time.Duration `yaml:"agent_restart_in"`
	KeepBackups      int           `yaml:"keep_backups"`
}

// HotspotConfig tunes the local WiFi hotspot updater
type HotspotConfig struct {
	Service string `yaml:"service"`
}

// APIConfig tunes the local read-only HTTP API
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// NotifyConfig points at the local playback notification loop
type NotifyConfig struct {
	NATSURL string `yaml:"nats_url"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("NEOPRO_SERVER_URL"); url != "" {
		c.Server.URL = url
	}
	if siteID := os.Getenv("NEOPRO_SITE_ID"); siteID != "" {
		c.Site.ID = siteID
	}
	if apiKey := os.Getenv("NEOPRO_API_KEY"); apiKey != "" {
		c.Site.APIKey = apiKey
	}
	if dataDir := os.Getenv("NEOPRO_DATA_DIR"); dataDir != "" {
		c.Paths.DataDir = dataDir
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.Notify.NATSURL = natsURL
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
}

// setDefaults fills in every unset tunable
func (c *Config) setDefaults() {
	if c.Server.HandshakeTimeout == 0 {
		c.Server.HandshakeTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 90 * time.Second
	}
	if c.Server.TokenTTL == 0 {
		c.Server.TokenTTL = 5 * time.Minute
	}

	if c.Session.HeartbeatInterval == 0 {
		c.Session.HeartbeatInterval = 30 * time.Second
	}
	if c.Session.AnalyticsInterval == 0 {
		c.Session.AnalyticsInterval = 5 * time.Minute
	}
	if c.Session.AnalyticsCap == 0 {
		c.Session.AnalyticsCap = 1000
	}
	if c.Session.Reconnect.InitialDelay == 0 {
		c.Session.Reconnect.InitialDelay = time.Second
	}
	if c.Session.Reconnect.MaxDelay == 0 {
		c.Session.Reconnect.MaxDelay = 60 * time.Second
	}
	if c.Session.Reconnect.MaxAttempts == 0 {
		c.Session.Reconnect.MaxAttempts = 10
	}
	if c.Session.Reconnect.Jitter == 0 {
		c.Session.Reconnect.Jitter = 0.2
	}

	if c.Paths.DataDir == "" {
		c.Paths.DataDir = "/var/lib/neopro"
	}
	if c.Paths.LibraryFile == "" {
		c.Paths.LibraryFile = filepath.Join(c.Paths.DataDir, "library.json")
	}
	if c.Paths.QueueFile == "" {
		c.Paths.QueueFile = filepath.Join(c.Paths.DataDir, "queue.json")
	}
	if c.Paths.DeadLetterFile == "" {
		c.Paths.DeadLetterFile = filepath.Join(c.Paths.DataDir, "dead-letter.jsonl")
	}
	if c.Paths.HistoryFile == "" {
		c.Paths.HistoryFile = filepath.Join(c.Paths.DataDir, "sync-history.json")
	}
	if c.Paths.BackupsDir == "" {
		c.Paths.BackupsDir = filepath.Join(c.Paths.DataDir, "backups")
	}
	if c.Paths.VideosDir == "" {
		c.Paths.VideosDir = filepath.Join(c.Paths.DataDir, "videos")
	}
	if c.Paths.LogFile == "" {
		c.Paths.LogFile = "/var/log/neopro/edge-agent.log"
	}
	if c.Paths.TmpDir == "" {
		c.Paths.TmpDir = filepath.Join(c.Paths.DataDir, "tmp")
	}
	if c.Paths.AppDir == "" {
		c.Paths.AppDir = "/opt/neopro/app"
	}
	if c.Paths.AgentDir == "" {
		c.Paths.AgentDir = "/opt/neopro/agent"
	}
	if c.Paths.UpdateBackupDir == "" {
		c.Paths.UpdateBackupDir = filepath.Join(c.Paths.DataDir, "update-backups")
	}
	if c.Paths.HostapdConf == "" {
		c.Paths.HostapdConf = "/etc/hostapd/hostapd.conf"
	}

	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = 100
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.TTL == 0 {
		c.Queue.TTL = 7 * 24 * time.Hour
	}

	if len(c.Commands.Allowed) == 0 {
		c.Commands.Allowed = models.DefaultAllowedCommands()
	}

	if c.Update.MaxDownloadBytes == 0 {
		c.Update.MaxDownloadBytes = 2 << 30 // 2 GiB
	}
	if c.Update.DiskSpaceFactor == 0 {
		c.Update.DiskSpaceFactor = 3
	}
	if c.Update.GraceDelay == 0 {
		c.Update.GraceDelay = 10 * time.Second
	}
	if c.Update.HealthTimeout == 0 {
		c.Update.HealthTimeout = 30 * time.Second
	}
	if len(c.Update.Services) == 0 {
		c.Update.Services = []string{"neopro-app"}
	}
	if c.Update.AgentService == "" {
		c.Update.AgentService = "neopro-agent"
	}
	if c.Update.AgentRestartIn == 0 {
		c.Update.AgentRestartIn = 5 * time.Second
	}
	if c.Update.KeepBackups == 0 {
		c.Update.KeepBackups = 5
	}

	if c.Hotspot.Service == "" {
		c.Hotspot.Service = "hostapd"
	}

	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 8750
	}

	if c.Notify.NATSURL == "" {
		c.Notify.NATSURL = "nats://127.0.0.1:4222"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks the configuration for fatal omissions
func (c *Config) Validate() error {
	if c.Site.ID == "" {
		return fmt.Errorf("site.id is required")
	}
	if c.Site.APIKey == "" {
		return fmt.Errorf("site.api_key is required")
	}
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Session.Reconnect.Jitter < 0 || c.Session.Reconnect.Jitter > 1 {
		return fmt.Errorf("session.reconnect.jitter must be within [0,1]")
	}
	if c.Queue.Capacity < 1 {
		return fmt.Errorf("queue.capacity must be positive")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	for _, name := range c.Commands.Allowed {
		if name == "" {
			return fmt.Errorf("commands.allowed contains an empty entry")
		}
	}
	return nil
}

// PrintSummary prints a configuration summary
func (c *Config) PrintSummary() {
	fmt.Printf("=== NEOPRO Edge Agent Configuration ===\n")
	fmt.Printf("Site: %s (%s)\n", c.Site.ID, c.Site.Name)
	fmt.Printf("Server: %s\n", c.Server.URL)
	fmt.Printf("Data dir: %s\n", c.Paths.DataDir)
	fmt.Printf("Heartbeat: %s, analytics flush: %s\n",
		c.Session.HeartbeatInterval, c.Session.AnalyticsInterval)
	fmt.Printf("Reconnect: initial %s, max %s, attempts %d\n",
		c.Session.Reconnect.InitialDelay,
		c.Session.Reconnect.MaxDelay,
		c.Session.Reconnect.MaxAttempts)
	fmt.Printf("Queue: capacity %d, retries %d, ttl %s\n",
		c.Queue.Capacity, c.Queue.MaxAttempts, c.Queue.TTL)
	fmt.Printf("Allowed commands: %d\n", len(c.Commands.Allowed))
	fmt.Printf("Local API: %s:%d\n", c.API.Host, c.API.Port)
	fmt.Printf("=======================================\n")
}
