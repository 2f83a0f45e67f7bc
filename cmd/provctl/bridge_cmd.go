package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hochfrequenz/provision-runner/internal/botqueue"
	"github.com/hochfrequenz/provision-runner/internal/bridge"
	"github.com/hochfrequenz/provision-runner/internal/config"
	"github.com/hochfrequenz/provision-runner/internal/sandbox"
	"github.com/spf13/cobra"
)

var (
	bridgeAddr     string
	checkWait      time.Duration
	sandboxAddr    string
	sandboxDemo    bool
	sandboxUnits   int
	sandboxEvery   time.Duration
	sandboxFailAt  int
	sandboxItems   string
	statusInterval = 30 * time.Second
)

func init() {
	bridgeCmd := &cobra.Command{
		Use:   "bridge",
		Short: "Automation bridge utilities",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept the extension connection and report its status",
		RunE:  runBridgeServe,
	}
	serveCmd.Flags().StringVar(&bridgeAddr, "addr", "", "listen address (default from config)")
	bridgeCmd.AddCommand(serveCmd)

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Ping the configured bridge once",
		RunE:  runBridgeCheck,
	}
	checkCmd.Flags().DurationVar(&checkWait, "wait", 30*time.Second, "how long to wait for the extension to connect")
	bridgeCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(bridgeCmd)

	sandboxCmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Serve an in-memory job-control backend for local testing",
		Long: `Serve an in-memory job-control backend for local testing.

With --demo every started run is simulated: the three pipeline phases are
logged and progress is reported for --units cities.`,
		RunE: runSandbox,
	}
	sandboxCmd.Flags().StringVar(&sandboxAddr, "addr", "127.0.0.1:8787", "listen address")
	sandboxCmd.Flags().BoolVar(&sandboxDemo, "demo", false, "simulate started runs")
	sandboxCmd.Flags().IntVar(&sandboxUnits, "units", 10, "cities per simulated run")
	sandboxCmd.Flags().DurationVar(&sandboxEvery, "interval", time.Second, "delay between simulated cities")
	sandboxCmd.Flags().IntVar(&sandboxFailAt, "fail-at", 0, "fail simulated runs after this many cities")
	sandboxCmd.Flags().StringVar(&sandboxItems, "items", "", "YAML items file to serve as pending locations")
	rootCmd.AddCommand(sandboxCmd)
}

func runBridgeServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := bridgeAddr
	if addr == "" {
		addr = cfg.Bridge.ListenAddr
	}

	ctx, stop := signalContext()
	defer stop()

	hub := bridge.NewHub(bridge.HubConfig{ReadyTimeout: cfg.Queue.ReadyTimeout()})
	go reportBridge(ctx, hub)
	return hub.Serve(ctx, addr)
}

// reportBridge logs connection changes and pings a connected extension
func reportBridge(ctx context.Context, hub *bridge.Hub) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	was := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := hub.Connected()
		if now != was {
			slog.Info("bridge: extension connection changed", "connected", now)
			was = now
		}
		if !now {
			continue
		}
		start := time.Now()
		if err := hub.Ping(ctx); err != nil {
			slog.Warn("bridge: ping failed", "error", err)
			continue
		}
		slog.Debug("bridge: ping ok", "rtt", time.Since(start))
	}
}

func runBridgeCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	br, closeBridge, err := openBridge(ctx, cfg, checkWait)
	if err != nil {
		return err
	}
	defer closeBridge()

	start := time.Now()
	if err := br.Ping(ctx); err != nil {
		return err
	}
	fmt.Printf("Bridge ready (%s, %s)\n", orDash(cfg.Bridge.Mode), time.Since(start).Round(time.Millisecond))
	return nil
}

func runSandbox(cmd *cobra.Command, args []string) error {
	srv := sandbox.New()
	if sandboxDemo {
		srv.AutoRun = &sandbox.Simulation{
			Units:    sandboxUnits,
			Interval: sandboxEvery,
			FailAt:   sandboxFailAt,
		}
	}
	if sandboxItems != "" {
		f, err := botqueue.LoadItemsFile(config.ExpandPath(sandboxItems))
		if err != nil {
			return err
		}
		kind := f.Kind
		if kind == "" {
			kind = config.Default().Queue.Kind
		}
		srv.SetRows(kind, f.Rows)
	}

	ctx, stop := signalContext()
	defer stop()

	server := &http.Server{Addr: sandboxAddr, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	fmt.Printf("Sandbox backend on http://%s (demo=%v)\n", sandboxAddr, sandboxDemo)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
