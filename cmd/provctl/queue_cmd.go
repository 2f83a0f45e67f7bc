package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/hochfrequenz/provision-runner/internal/botqueue"
	"github.com/hochfrequenz/provision-runner/internal/bridge"
	"github.com/hochfrequenz/provision-runner/internal/config"
	"github.com/hochfrequenz/provision-runner/internal/domain"
	"github.com/hochfrequenz/provision-runner/internal/jobapi"
	"github.com/hochfrequenz/provision-runner/internal/ledger"
	"github.com/hochfrequenz/provision-runner/internal/notify"
	"github.com/hochfrequenz/provision-runner/internal/schedule"
	"github.com/hochfrequenz/provision-runner/tui"
	"github.com/hochfrequenz/provision-runner/web/api"
	"github.com/spf13/cobra"
)

var (
	queueKind      string
	queueItems     string
	queueRetry     bool
	queueWait      time.Duration
	serveTick      time.Duration
	statusAddr     string
	failuresStatus string
	failuresKind   string
)

func init() {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Run the domain-setup bot over pending locations",
	}

	queueRunCmd := &cobra.Command{
		Use:   "run",
		Short: "Process pending locations one at a time",
		Long: `Process pending locations one at a time through the automation bridge.

Items come from --items, or from the backend's pending list. With
--retry-failures the open entries of the failure ledger are retried instead.
The first Ctrl-C finishes the current item and stops; the second aborts it.`,
		RunE: runQueue,
	}
	queueRunCmd.Flags().StringVar(&queueKind, "kind", "", "location kind (default from config)")
	queueRunCmd.Flags().StringVar(&queueItems, "items", "", "YAML items file")
	queueRunCmd.Flags().BoolVar(&queueRetry, "retry-failures", false, "retry open ledger failures")
	queueRunCmd.Flags().DurationVar(&queueWait, "wait", 30*time.Second, "how long to wait for the extension to connect")
	queueRunCmd.Flags().BoolVar(&noTUI, "no-tui", false, "plain output even on a terminal")
	queueCmd.AddCommand(queueRunCmd)

	queueServeCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled queue runs and keep the bridge open",
		RunE:  runQueueServe,
	}
	queueServeCmd.Flags().DurationVar(&serveTick, "tick", time.Minute, "how often schedules are checked")
	queueServeCmd.Flags().StringVar(&statusAddr, "status-addr", "127.0.0.1:8790", "status API address (empty disables)")
	queueCmd.AddCommand(queueServeCmd)
	rootCmd.AddCommand(queueCmd)

	failuresCmd := &cobra.Command{
		Use:   "failures",
		Short: "Inspect and triage the failure ledger",
	}
	failuresListCmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded failures",
		RunE:  runFailuresList,
	}
	failuresListCmd.Flags().StringVar(&failuresStatus, "status", "open", "open, resolved, ignored or all")
	failuresListCmd.Flags().StringVar(&failuresKind, "kind", "", "only this location kind")
	failuresCmd.AddCommand(failuresListCmd)

	for _, op := range []struct {
		use, short string
		apply      func(*ledger.Ledger, int64) error
	}{
		{"resolve ID", "Mark a failure resolved", (*ledger.Ledger).Resolve},
		{"ignore ID", "Ignore a failure", (*ledger.Ledger).Ignore},
		{"reopen ID", "Reopen a resolved or ignored failure", (*ledger.Ledger).Reopen},
	} {
		apply := op.apply
		failuresCmd.AddCommand(&cobra.Command{
			Use:   op.use,
			Short: op.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runFailureTransition(args[0], apply)
			},
		})
	}
	rootCmd.AddCommand(failuresCmd)
}

func openLedger(cfg *config.Config) (*ledger.Ledger, error) {
	path := cfg.Ledger.DatabasePath
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	return ledger.New(path)
}

// openBridge connects the automation bridge selected in the config. In
// websocket mode the hub is served in the background and wait bounds how
// long to wait for the extension.
func openBridge(ctx context.Context, cfg *config.Config, wait time.Duration) (bridge.Bridge, func(), error) {
	logger := slog.Default()
	switch cfg.Bridge.Mode {
	case "rod":
		rb, err := bridge.NewRodBridge(ctx, bridge.RodConfig{
			RemoteURL:    cfg.Bridge.RemoteURL,
			ExtensionDir: cfg.Bridge.ExtensionDir,
			PageURL:      cfg.Bridge.PageURL,
			Headless:     cfg.Bridge.Headless,
			Stealth:      cfg.Bridge.Stealth,
			ReadyTimeout: cfg.Queue.ReadyTimeout(),
			Logger:       logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return rb, func() { rb.Close() }, nil
	default:
		hub := bridge.NewHub(bridge.HubConfig{
			ReadyTimeout: cfg.Queue.ReadyTimeout(),
			Logger:       logger,
		})
		hubCtx, cancel := context.WithCancel(ctx)
		go func() {
			if err := hub.Serve(hubCtx, cfg.Bridge.ListenAddr); err != nil {
				logger.Error("bridge: serve failed", "addr", cfg.Bridge.ListenAddr, "error", err)
			}
		}()
		if wait > 0 {
			waitConnected(ctx, hub, wait)
		}
		return hub, cancel, nil
	}
}

func waitConnected(ctx context.Context, hub *bridge.Hub, wait time.Duration) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	if !hub.Connected() {
		fmt.Printf("Waiting up to %s for the extension to connect...\n", wait)
	}
	for !hub.Connected() {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

// collectItems resolves the queue input: retry list, items file, or the
// backend's pending rows, in that order
func collectItems(ctx context.Context, client *jobapi.Client, led *ledger.Ledger, kind, itemsFile string, retry bool) ([]domain.QueueItem, error) {
	if retry {
		records, err := led.List(domain.FailureOpen, kind)
		if err != nil {
			return nil, err
		}
		return botqueue.FromFailures(records), nil
	}

	var rows []domain.LocationRow
	if itemsFile != "" {
		f, err := botqueue.LoadItemsFile(config.ExpandPath(itemsFile))
		if err != nil {
			return nil, err
		}
		if f.Kind != "" && f.Kind != kind {
			return nil, fmt.Errorf("items file is for kind %q, queue kind is %q", f.Kind, kind)
		}
		rows = f.Rows
	} else {
		var err error
		if rows, err = client.PendingLocations(ctx, kind); err != nil {
			return nil, fmt.Errorf("listing pending locations: %w", err)
		}
	}
	return botqueue.Build(rows, kind, led)
}

// newQueue builds a queue that reports item changes to observe, when set,
// and notifies on failures
func newQueue(cfg *config.Config, kind string, budget func() time.Duration, client *jobapi.Client, br bridge.Bridge, led *ledger.Ledger, n notify.Notifier, observe func(domain.QueueItem)) *botqueue.Queue {
	return botqueue.New(botqueue.Config{
		Kind:          kind,
		Budget:        budget,
		RequestCap:    cfg.Queue.RequestCap(),
		BridgeTimeout: cfg.Queue.BridgeTimeout(),
		OnUpdate: func(it domain.QueueItem) {
			if observe != nil {
				observe(it)
			}
			if it.Status == domain.ItemFailed {
				n.Send(itemFailedNotification(kind, it))
			}
		},
	}, client, br, led)
}

func itemFailedNotification(kind string, it domain.QueueItem) notify.Notification {
	return notify.Notification{
		Title:      "Domain setup failed",
		Message:    fmt.Sprintf("%s %s: %s", kind, orDash(it.RowName), it.Error),
		Type:       notify.NotifyError,
		LocID:      it.LocID,
		DomainURL:  it.DomainURL,
		FailedStep: it.FailedStep,
	}
}

func printItem(it domain.QueueItem) {
	switch it.Status {
	case domain.ItemRunning:
		fmt.Printf("→ %s %s\n", it.LocID, it.DomainURL)
	case domain.ItemDone:
		elapsed := ""
		if it.StartedAt != nil && it.FinishedAt != nil {
			elapsed = " in " + it.FinishedAt.Sub(*it.StartedAt).Round(time.Second).String()
		}
		fmt.Printf("✓ %s%s\n", it.LocID, elapsed)
	case domain.ItemFailed:
		fmt.Printf("✗ %s: %s\n", it.LocID, it.Error)
	case domain.ItemStopped:
		fmt.Printf("■ %s stopped\n", it.LocID)
	}
}

func summaryNotification(kind string, sum botqueue.Summary) notify.Notification {
	n := notify.Notification{
		Title:   "Domain queue finished",
		Message: fmt.Sprintf("%s: %d done, %d failed, %d stopped", kind, sum.Done, sum.Failed, sum.Stopped),
		Type:    notify.NotifySuccess,
	}
	switch {
	case sum.Failed > 0:
		n.Type = notify.NotifyError
	case sum.UserStopped || sum.Stopped > 0:
		n.Title = "Domain queue stopped"
		n.Type = notify.NotifyWarning
	}
	return n
}

func runQueue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	kind := queueKind
	if kind == "" {
		kind = cfg.Queue.Kind
	}
	itemsFile := queueItems
	if itemsFile == "" && !queueRetry {
		itemsFile = cfg.Queue.ItemsFile
	}

	led, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer led.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := jobapi.New(cfg.Backend.BaseURL, cfg.Backend.TenantID, cfg.Backend.RequestTimeout())
	items, err := collectItems(ctx, client, led, kind, itemsFile, queueRetry)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("Nothing to do.")
		return nil
	}

	br, closeBridge, err := openBridge(ctx, cfg, queueWait)
	if err != nil {
		return err
	}
	defer closeBridge()

	notifier := newNotifier(cfg)
	useTUI := stdoutIsTTY() && !noTUI
	updates := make(chan string, 64)
	observe := printItem
	if useTUI {
		observe = func(it domain.QueueItem) {
			select {
			case updates <- it.Key:
			default:
			}
		}
	}
	q := newQueue(cfg, kind, cfg.Queue.AccountTimeout, client, br, led, notifier, observe)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		stopped := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				if !stopped {
					stopped = true
					fmt.Println("\nStopping after the current item (Ctrl-C again to abort it)...")
					q.Stop()
					continue
				}
				cancel()
				return
			}
		}
	}()

	fmt.Printf("Processing %d %s location(s), budget %s each\n", len(items), kind, cfg.Queue.AccountTimeout())
	var sum botqueue.Summary
	if useTUI {
		sum, err = runQueueTUI(ctx, q, items, updates)
	} else {
		sum, err = q.Run(ctx, items)
	}
	fmt.Printf("\n%d done, %d failed, %d stopped\n", sum.Done, sum.Failed, sum.Stopped)
	notifier.Send(summaryNotification(kind, sum))
	if err != nil {
		return err
	}
	if sum.Failed > 0 {
		return fmt.Errorf("%d item(s) failed, see 'provctl failures list'", sum.Failed)
	}
	return nil
}

// runQueueTUI shows the queue tab while the queue runs. Quitting the
// dashboard asks the queue to stop after the current item.
func runQueueTUI(ctx context.Context, q *botqueue.Queue, items []domain.QueueItem, updates chan string) (botqueue.Summary, error) {
	model := tui.NewModel(tui.ModelConfig{Queue: q, Updates: updates})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	type result struct {
		sum botqueue.Summary
		err error
	}
	done := make(chan result, 1)
	go func() {
		sum, err := q.Run(ctx, items)
		done <- result{sum, err}
		p.Quit()
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		slog.Warn("queue dashboard failed", "error", err)
	}
	if q.Running() {
		fmt.Println("Stopping after the current item...")
		q.Stop()
	}
	res := <-done
	for _, it := range q.Items() {
		if it.Status == domain.ItemFailed {
			printItem(it)
		}
	}
	return res.sum, res.err
}

func runQueueServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Schedules) == 0 {
		return errors.New("no [[schedule]] entries in config")
	}

	entries := make([]schedule.Entry, 0, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		kind := s.Kind
		if kind == "" {
			kind = cfg.Queue.Kind
		}
		entries = append(entries, schedule.Entry{Name: s.Name, Cron: s.Cron, Kind: kind, ItemsFile: s.ItemsFile})
	}
	sched, err := schedule.New(entries)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	// The budget follows config edits from the next item on
	current := func() *config.Config { return cfg }
	path := config.ResolvePath(configPath)
	if w, err := config.NewWatcher(path, cfg, func(c *config.Config) {
		slog.Info("config reloaded", "account_timeout", c.Queue.AccountTimeout())
	}, nil); err != nil {
		slog.Warn("config reload disabled", "path", path, "error", err)
	} else {
		w.Start(ctx)
		defer w.Stop()
		current = w.Current
	}
	budget := func() time.Duration { return current().Queue.AccountTimeout() }

	led, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer led.Close()

	br, closeBridge, err := openBridge(ctx, cfg, 0)
	if err != nil {
		return err
	}
	defer closeBridge()

	client := jobapi.New(cfg.Backend.BaseURL, cfg.Backend.TenantID, cfg.Backend.RequestTimeout())
	notifier := newNotifier(cfg)
	var status *api.Server
	queues := make(map[string]*botqueue.Queue)
	views := make(map[string]api.Queue)
	for _, e := range entries {
		if _, ok := queues[e.Kind]; ok {
			continue
		}
		kind := e.Kind
		q := newQueue(cfg, kind, budget, client, br, led, notifier, func(it domain.QueueItem) {
			if verbose {
				printItem(it)
			}
			if status != nil {
				status.ItemUpdated(kind, it)
			}
		})
		queues[kind] = q
		views[kind] = q
	}

	if statusAddr != "" {
		sc := api.Config{Addr: statusAddr, Queues: views, Failures: led, Schedules: sched}
		if hub, ok := br.(api.BridgeStatus); ok {
			sc.Bridge = hub
		}
		status = api.NewServer(sc)
		go func() {
			if err := status.Serve(ctx); err != nil {
				slog.Error("status api failed", "addr", statusAddr, "error", err)
			}
		}()
	}

	run := func(ctx context.Context, e schedule.Entry) error {
		items, err := collectItems(ctx, client, led, e.Kind, e.ItemsFile, false)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			slog.Info("schedule: nothing pending", "schedule", e.Name)
			return nil
		}
		sum, err := queues[e.Kind].Run(ctx, items)
		if errors.Is(err, botqueue.ErrAlreadyRunning) {
			slog.Warn("schedule: queue busy, skipping", "schedule", e.Name, "kind", e.Kind)
			return nil
		}
		if sum.Done+sum.Failed+sum.Stopped > 0 {
			notifier.Send(summaryNotification(e.Kind, sum))
		}
		return err
	}

	for _, name := range sched.Names() {
		fmt.Printf("%-20s next %s\n", name, humanize.Time(sched.NextRun(name)))
	}
	err = sched.Start(ctx, serveTick, run)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runFailuresList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	led, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer led.Close()

	status := domain.FailureStatus(failuresStatus)
	if failuresStatus == "all" {
		status = ""
	}
	records, err := led.List(status, failuresKind)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No failures.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tLOCATION\tDOMAIN\tSTEP\tCOUNT\tSTATUS\tLAST SEEN\tERROR")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.Kind, orDash(r.RowName), r.DomainURL, orDash(r.FailedStep),
			r.FailCount, r.Status, humanize.Time(r.LastSeenAt), truncate(r.ErrorMessage, 60))
	}
	return w.Flush()
}

func runFailureTransition(arg string, apply func(*ledger.Ledger, int64) error) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid failure id %q", arg)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	led, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer led.Close()

	if err := apply(led, id); err != nil {
		return err
	}
	rec, err := led.Get(id)
	if err != nil {
		return err
	}
	fmt.Printf("Failure %d (%s) is now %s\n", rec.ID, rec.DomainURL, rec.Status)
	return nil
}
