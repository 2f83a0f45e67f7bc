package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Queue.AccountTimeoutMinutes != 35 {
		t.Errorf("AccountTimeoutMinutes = %d, want 35", cfg.Queue.AccountTimeoutMinutes)
	}
	if cfg.Stream.BackoffFactor != 1.35 {
		t.Errorf("BackoffFactor = %v, want 1.35", cfg.Stream.BackoffFactor)
	}
	if cfg.Stream.HistoryCap != 5000 {
		t.Errorf("HistoryCap = %d, want 5000", cfg.Stream.HistoryCap)
	}
	if cfg.Bridge.Mode != "websocket" {
		t.Errorf("Bridge.Mode = %q, want websocket", cfg.Bridge.Mode)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate(Default()) = %v", err)
	}
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Registry.Limit != 50 {
		t.Errorf("Registry.Limit = %d, want 50", cfg.Registry.Limit)
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := writeTempConfig(t, `
[backend]
base_url = "https://jobs.example.com"
tenant_id = "acme"

[queue]
account_timeout_minutes = 45
kind = "landing"

[bridge]
mode = "rod"
extension_dir = "~/ext"

[[schedule]]
name = "nightly"
cron = "0 2 * * *"
items_file = "/srv/items.yaml"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Backend.BaseURL != "https://jobs.example.com" || cfg.Backend.TenantID != "acme" {
		t.Errorf("Backend = %+v", cfg.Backend)
	}
	if cfg.Queue.AccountTimeout() != 45*time.Minute {
		t.Errorf("AccountTimeout = %v, want 45m", cfg.Queue.AccountTimeout())
	}
	if cfg.Bridge.Mode != "rod" {
		t.Errorf("Bridge.Mode = %q, want rod", cfg.Bridge.Mode)
	}
	home, _ := os.UserHomeDir()
	if cfg.Bridge.ExtensionDir != filepath.Join(home, "ext") {
		t.Errorf("ExtensionDir = %q, want expanded", cfg.Bridge.ExtensionDir)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Kind != "landing" {
		t.Errorf("Schedules = %+v, want one inheriting kind landing", cfg.Schedules)
	}
	// untouched sections keep their defaults
	if cfg.Registry.ActivePoll() != 5*time.Second {
		t.Errorf("ActivePoll = %v, want 5s", cfg.Registry.ActivePoll())
	}
}

func TestValidate_ClampsAccountTimeout(t *testing.T) {
	tests := []struct {
		minutes int
		want    int
	}{
		{0, 35},
		{-3, 35},
		{2, 5},
		{5, 5},
		{60, 60},
		{120, 120},
		{500, 120},
	}

	for _, tt := range tests {
		cfg := Default()
		cfg.Queue.AccountTimeoutMinutes = tt.minutes
		if err := cfg.Validate(); err != nil {
			t.Fatal(err)
		}
		if cfg.Queue.AccountTimeoutMinutes != tt.want {
			t.Errorf("minutes %d clamped to %d, want %d", tt.minutes, cfg.Queue.AccountTimeoutMinutes, tt.want)
		}
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad bridge mode", func(c *Config) { c.Bridge.Mode = "telepathy" }, "bridge.mode"},
		{"no base url", func(c *Config) { c.Backend.BaseURL = " " }, "base_url"},
		{"schedule without cron", func(c *Config) { c.Schedules = []ScheduleConfig{{Name: "x"}} }, "cron"},
		{"duplicate schedule", func(c *Config) {
			c.Schedules = []ScheduleConfig{{Name: "x", Cron: "@daily"}, {Name: "x", Cron: "@hourly"}}
		}, "twice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestValidate_FillsStreamDefaults(t *testing.T) {
	cfg := Default()
	cfg.Stream = StreamConfig{BackoffFactor: 0.5}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Stream.BackoffBaseMs != 1000 || cfg.Stream.BackoffMaxMs != 20000 || cfg.Stream.BackoffFactor != 1.35 {
		t.Errorf("Stream = %+v, want defaults", cfg.Stream)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := Default()
	cfg.Backend.TenantID = "acme"
	cfg.Schedules = []ScheduleConfig{{Name: "nightly", Cron: "@daily", Kind: "website"}}

	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Backend.TenantID != "acme" || len(loaded.Schedules) != 1 {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFindLocalConfig(t *testing.T) {
	root := t.TempDir()
	subdir := filepath.Join(root, "sub", "dir")
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatal(err)
	}

	localConfig := filepath.Join(root, LocalConfigName)
	if err := os.WriteFile(localConfig, []byte("[backend]\ntenant_id = \"local\""), 0644); err != nil {
		t.Fatal(err)
	}

	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)

	if err := os.Chdir(subdir); err != nil {
		t.Fatal(err)
	}

	// Should find config in parent
	found := FindLocalConfig()
	resolved, _ := filepath.EvalSymlinks(found)
	want, _ := filepath.EvalSymlinks(localConfig)
	if resolved != want {
		t.Errorf("FindLocalConfig() = %q, want %q", found, localConfig)
	}

	cfg, err := LoadWithLocalFallback("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend.TenantID != "local" {
		t.Errorf("TenantID = %q, want local", cfg.Backend.TenantID)
	}
}

func TestLoadWithLocalFallback_ExplicitPath(t *testing.T) {
	path := writeTempConfig(t, "[backend]\ntenant_id = \"explicit\"\n")

	cfg, err := LoadWithLocalFallback(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend.TenantID != "explicit" {
		t.Errorf("TenantID = %q, want explicit", cfg.Backend.TenantID)
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, "[queue]\naccount_timeout_minutes = 35\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, cfg, func(c *Config) { reloaded <- c }, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.SetDebounce(20 * time.Millisecond)
	w.Start(t.Context())
	defer w.Stop()

	if err := os.WriteFile(path, []byte("[queue]\naccount_timeout_minutes = 90\n"), 0644); err != nil {
		t.Fatal(err)
	}

	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case c := <-reloaded:
			// an intermediate reload may see the truncated file
			done = c.Queue.AccountTimeoutMinutes == 90
		case <-timeout:
			t.Fatal("no reload with the new budget after write")
		}
	}
	if w.Current().Queue.AccountTimeoutMinutes != 90 {
		t.Errorf("Current() minutes = %d, want 90", w.Current().Queue.AccountTimeoutMinutes)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}
