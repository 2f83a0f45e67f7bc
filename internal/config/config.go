package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Account budget bounds in minutes
const (
	MinAccountTimeoutMinutes     = 5
	MaxAccountTimeoutMinutes     = 120
	DefaultAccountTimeoutMinutes = 35
)

// Config holds all application configuration
type Config struct {
	Backend       BackendConfig       `toml:"backend"`
	Stream        StreamConfig        `toml:"stream"`
	Registry      RegistryConfig      `toml:"registry"`
	Queue         QueueConfig         `toml:"queue"`
	Bridge        BridgeConfig        `toml:"bridge"`
	Ledger        LedgerConfig        `toml:"ledger"`
	Notifications NotificationsConfig `toml:"notifications"`
	Schedules     []ScheduleConfig    `toml:"schedule"`
}

// BackendConfig locates the job-control service
type BackendConfig struct {
	BaseURL               string `toml:"base_url"`
	TenantID              string `toml:"tenant_id"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// StreamConfig tunes live streaming and history paging
type StreamConfig struct {
	BackoffBaseMs   int     `toml:"backoff_base_ms"`
	BackoffFactor   float64 `toml:"backoff_factor"`
	BackoffMaxMs    int     `toml:"backoff_max_ms"`
	HistoryPageSize int     `toml:"history_page_size"`
	HistoryCap      int     `toml:"history_cap"`
}

// RegistryConfig tunes the run list poller
type RegistryConfig struct {
	Limit             int `toml:"limit"`
	ActivePollSeconds int `toml:"active_poll_seconds"`
	IdlePollSeconds   int `toml:"idle_poll_seconds"`
}

// QueueConfig holds domain-bot queue settings
type QueueConfig struct {
	AccountTimeoutMinutes int    `toml:"account_timeout_minutes"`
	RequestCapSeconds     int    `toml:"request_cap_seconds"`
	BridgeTimeoutMinutes  int    `toml:"bridge_timeout_minutes"`
	ReadyTimeoutSeconds   int    `toml:"ready_timeout_seconds"`
	Kind                  string `toml:"kind"`
	ItemsFile             string `toml:"items_file"`
}

// BridgeConfig selects how the automation bridge is reached
type BridgeConfig struct {
	// Mode is "websocket" (extension connects to ListenAddr) or "rod"
	Mode         string `toml:"mode"`
	ListenAddr   string `toml:"listen_addr"`
	RemoteURL    string `toml:"remote_url"`
	ExtensionDir string `toml:"extension_dir"`
	PageURL      string `toml:"page_url"`
	Headless     bool   `toml:"headless"`
	Stealth      bool   `toml:"stealth"`
}

// LedgerConfig locates the local SQLite databases
type LedgerConfig struct {
	DatabasePath string `toml:"database_path"`
	CachePath    string `toml:"cache_path"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// ScheduleConfig is one recurring queue run
type ScheduleConfig struct {
	Name      string `toml:"name"`
	Cron      string `toml:"cron"`
	Kind      string `toml:"kind"`
	ItemsFile string `toml:"items_file"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Backend: BackendConfig{
			BaseURL:               "http://127.0.0.1:8787",
			RequestTimeoutSeconds: 30,
		},
		Stream: StreamConfig{
			BackoffBaseMs:   1000,
			BackoffFactor:   1.35,
			BackoffMaxMs:    20000,
			HistoryPageSize: 500,
			HistoryCap:      5000,
		},
		Registry: RegistryConfig{
			Limit:             50,
			ActivePollSeconds: 5,
			IdlePollSeconds:   30,
		},
		Queue: QueueConfig{
			AccountTimeoutMinutes: DefaultAccountTimeoutMinutes,
			RequestCapSeconds:     60,
			BridgeTimeoutMinutes:  25,
			ReadyTimeoutSeconds:   4,
			Kind:                  "website",
		},
		Bridge: BridgeConfig{
			Mode:       "websocket",
			ListenAddr: "127.0.0.1:8790",
			PageURL:    "about:blank",
			Headless:   true,
		},
		Ledger: LedgerConfig{
			DatabasePath: filepath.Join(home, ".provision-runner", "ledger.db"),
			CachePath:    filepath.Join(home, ".provision-runner", "runs.db"),
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.Ledger.DatabasePath = ExpandPath(cfg.Ledger.DatabasePath)
	cfg.Ledger.CachePath = ExpandPath(cfg.Ledger.CachePath)
	cfg.Bridge.ExtensionDir = ExpandPath(cfg.Bridge.ExtensionDir)
	cfg.Queue.ItemsFile = ExpandPath(cfg.Queue.ItemsFile)
	for i := range cfg.Schedules {
		cfg.Schedules[i].ItemsFile = ExpandPath(cfg.Schedules[i].ItemsFile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as TOML
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate fills zero values with defaults, clamps the account budget and
// rejects settings that cannot work
func (c *Config) Validate() error {
	d := Default()
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Backend.RequestTimeoutSeconds <= 0 {
		c.Backend.RequestTimeoutSeconds = d.Backend.RequestTimeoutSeconds
	}

	if c.Stream.BackoffBaseMs <= 0 {
		c.Stream.BackoffBaseMs = d.Stream.BackoffBaseMs
	}
	if c.Stream.BackoffFactor < 1 {
		c.Stream.BackoffFactor = d.Stream.BackoffFactor
	}
	if c.Stream.BackoffMaxMs < c.Stream.BackoffBaseMs {
		c.Stream.BackoffMaxMs = max(c.Stream.BackoffBaseMs, d.Stream.BackoffMaxMs)
	}
	if c.Stream.HistoryPageSize <= 0 {
		c.Stream.HistoryPageSize = d.Stream.HistoryPageSize
	}
	if c.Stream.HistoryCap <= 0 {
		c.Stream.HistoryCap = d.Stream.HistoryCap
	}

	if c.Registry.Limit <= 0 {
		c.Registry.Limit = d.Registry.Limit
	}
	if c.Registry.ActivePollSeconds <= 0 {
		c.Registry.ActivePollSeconds = d.Registry.ActivePollSeconds
	}
	if c.Registry.IdlePollSeconds <= 0 {
		c.Registry.IdlePollSeconds = d.Registry.IdlePollSeconds
	}

	c.Queue.AccountTimeoutMinutes = ClampAccountMinutes(c.Queue.AccountTimeoutMinutes)
	if c.Queue.RequestCapSeconds <= 0 {
		c.Queue.RequestCapSeconds = d.Queue.RequestCapSeconds
	}
	if c.Queue.BridgeTimeoutMinutes <= 0 {
		c.Queue.BridgeTimeoutMinutes = d.Queue.BridgeTimeoutMinutes
	}
	if c.Queue.ReadyTimeoutSeconds <= 0 {
		c.Queue.ReadyTimeoutSeconds = d.Queue.ReadyTimeoutSeconds
	}
	if c.Queue.Kind == "" {
		c.Queue.Kind = d.Queue.Kind
	}

	switch c.Bridge.Mode {
	case "":
		c.Bridge.Mode = d.Bridge.Mode
	case "websocket", "rod":
	default:
		return fmt.Errorf("bridge.mode must be websocket or rod, got %q", c.Bridge.Mode)
	}
	if c.Bridge.ListenAddr == "" {
		c.Bridge.ListenAddr = d.Bridge.ListenAddr
	}

	seen := make(map[string]bool)
	for i, s := range c.Schedules {
		if s.Name == "" || s.Cron == "" {
			return fmt.Errorf("schedule %d: name and cron are required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("schedule %q defined twice", s.Name)
		}
		seen[s.Name] = true
		if s.Kind == "" {
			c.Schedules[i].Kind = c.Queue.Kind
		}
	}
	return nil
}

// ClampAccountMinutes bounds the per-account budget; zero means default
func ClampAccountMinutes(minutes int) int {
	switch {
	case minutes <= 0:
		return DefaultAccountTimeoutMinutes
	case minutes < MinAccountTimeoutMinutes:
		return MinAccountTimeoutMinutes
	case minutes > MaxAccountTimeoutMinutes:
		return MaxAccountTimeoutMinutes
	}
	return minutes
}

// RequestTimeout is the per-call HTTP timeout for the job-control client
func (c BackendConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ActivePoll is the registry cadence while runs are active
func (c RegistryConfig) ActivePoll() time.Duration {
	return time.Duration(c.ActivePollSeconds) * time.Second
}

// IdlePoll is the registry cadence while nothing runs
func (c RegistryConfig) IdlePoll() time.Duration {
	return time.Duration(c.IdlePollSeconds) * time.Second
}

// AccountTimeout is the per-item queue budget
func (c QueueConfig) AccountTimeout() time.Duration {
	return time.Duration(ClampAccountMinutes(c.AccountTimeoutMinutes)) * time.Minute
}

// RequestCap bounds a single backend call inside a queue item
func (c QueueConfig) RequestCap() time.Duration {
	return time.Duration(c.RequestCapSeconds) * time.Second
}

// BridgeTimeout bounds one bot run
func (c QueueConfig) BridgeTimeout() time.Duration {
	return time.Duration(c.BridgeTimeoutMinutes) * time.Minute
}

// ReadyTimeout bounds the bridge ping
func (c QueueConfig) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutSeconds) * time.Second
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// LocalConfigName is the per-project config file searched upward from the
// working directory
const LocalConfigName = ".provision-runner.toml"

// FindLocalConfig walks from the working directory to the filesystem root
// and returns the first LocalConfigName found, or ""
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ResolvePath picks the config file to use: the explicit path, else a local
// project config, else the default location
func ResolvePath(explicit string) string {
	if explicit != "" {
		return ExpandPath(explicit)
	}
	if local := FindLocalConfig(); local != "" {
		return local
	}
	return DefaultConfigPath()
}

// LoadWithLocalFallback loads ResolvePath(explicit)
func LoadWithLocalFallback(explicit string) (*Config, error) {
	return Load(ResolvePath(explicit))
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "provision-runner", "config.toml")
}
