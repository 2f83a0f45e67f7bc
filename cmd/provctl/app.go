package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hochfrequenz/provision-runner/internal/config"
	"github.com/hochfrequenz/provision-runner/internal/domain"
	"github.com/hochfrequenz/provision-runner/internal/jobapi"
	"github.com/hochfrequenz/provision-runner/internal/notify"
	"github.com/hochfrequenz/provision-runner/internal/runcache"
	"github.com/hochfrequenz/provision-runner/internal/runs"
	"github.com/hochfrequenz/provision-runner/internal/stream"
	"github.com/hochfrequenz/provision-runner/internal/supervisor"
	"github.com/mattn/go-isatty"
)

// app is the wired object graph shared by the run commands
type app struct {
	cfg      *config.Config
	api      *jobapi.Client
	registry *runs.Registry
	monitor  *supervisor.Monitor
	sup      *supervisor.Supervisor
	cache    *runcache.Cache
	notifier notify.Notifier
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, err
	}
	if baseURL != "" {
		cfg.Backend.BaseURL = baseURL
	}
	if tenantID != "" {
		cfg.Backend.TenantID = tenantID
	}
	return cfg, nil
}

func newNotifier(cfg *config.Config) notify.Notifier {
	var list []notify.Notifier
	if cfg.Notifications.Desktop {
		list = append(list, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		list = append(list, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if len(list) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(list...)
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, notifier: newNotifier(cfg)}
	a.api = jobapi.New(cfg.Backend.BaseURL, cfg.Backend.TenantID, cfg.Backend.RequestTimeout())
	a.monitor = supervisor.NewMonitor(supervisor.DefaultTail)

	if cfg.Ledger.CachePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Ledger.CachePath), 0755); err == nil {
			if c, err := runcache.New(cfg.Ledger.CachePath); err != nil {
				slog.Warn("run cache unavailable", "path", cfg.Ledger.CachePath, "error", err)
			} else {
				a.cache = c
			}
		}
	}

	a.registry = runs.NewRegistry(a.api, runs.RegistryConfig{
		Limit:      cfg.Registry.Limit,
		ActivePoll: cfg.Registry.ActivePoll(),
		IdlePoll:   cfg.Registry.IdlePoll(),
		OnRefresh:  a.onRefresh,
	})

	sc := stream.NewClient(stream.Config{
		BaseURL:  cfg.Backend.BaseURL,
		TenantID: cfg.Backend.TenantID,
		Backoff: stream.ExponentialBackoff(
			time.Duration(cfg.Stream.BackoffBaseMs)*time.Millisecond,
			cfg.Stream.BackoffFactor,
			time.Duration(cfg.Stream.BackoffMaxMs)*time.Millisecond,
		),
		StillActive: a.registry.IsActive,
	})

	a.sup = supervisor.New(supervisor.Config{
		Backend:  a.api,
		Registry: a.registry,
		Stream:   sc,
		Monitor:  a.monitor,
		Notifier: a.notifier,
	})
	return a, nil
}

func (a *app) onRefresh(list []domain.Run) {
	a.monitor.SyncRuns(list)
	if a.cache != nil {
		if err := a.cache.SaveRuns(list); err != nil {
			slog.Debug("run cache: save failed", "error", err)
		}
	}
}

func (a *app) Close() {
	a.sup.Close()
	if a.cache != nil {
		a.cache.Close()
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func stdoutIsTTY() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// exitCode maps terminal run failures to the run's own exit code
func exitCode(err error) int {
	var terminal *runs.TerminalRunError
	if errors.As(err, &terminal) && terminal.ExitCode != nil && *terminal.ExitCode > 0 {
		return *terminal.ExitCode
	}
	return 1
}
