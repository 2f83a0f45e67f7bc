package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/hochfrequenz/provision-runner/internal/domain"
	"github.com/hochfrequenz/provision-runner/internal/history"
	"github.com/hochfrequenz/provision-runner/internal/progress"
	"github.com/hochfrequenz/provision-runner/internal/runcache"
	"github.com/hochfrequenz/provision-runner/internal/runs"
	"github.com/hochfrequenz/provision-runner/internal/supervisor"
	"github.com/hochfrequenz/provision-runner/tui"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	startMeta            domain.Meta
	startAllowConcurrent bool
	startRerun           bool
	startDetach          bool
	noTUI                bool
	runsActive           bool
	runsOffline          bool
	deleteForce          bool
	historyRaw           bool
	historyOffline       bool
)

func init() {
	// start command
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a run, or attach to the one already doing the same work",
		RunE:  runStart,
	}
	startCmd.Flags().StringVar(&startMeta.Job, "job", "", "job name (createDb, createJson, runDelta)")
	startCmd.Flags().StringVar(&startMeta.State, "state", "", "state to process")
	startCmd.Flags().StringVar(&startMeta.LocID, "loc", "", "single location id")
	startCmd.Flags().StringVar(&startMeta.Kind, "kind", "", "location kind")
	startCmd.Flags().StringVar(&startMeta.Mode, "mode", "", "run mode (sync returns the full log at once)")
	startCmd.Flags().BoolVar(&startMeta.Debug, "debug", false, "ask the backend for debug output")
	startCmd.Flags().BoolVar(&startAllowConcurrent, "allow-concurrent", false, "skip the duplicate check")
	startCmd.Flags().BoolVar(&startRerun, "rerun", false, "release the lock left by a stopped run")
	startCmd.Flags().BoolVar(&startDetach, "detach", false, "print the run id and exit")
	startCmd.Flags().BoolVar(&noTUI, "no-tui", false, "plain line output even on a terminal")
	startCmd.MarkFlagRequired("job")
	rootCmd.AddCommand(startCmd)

	// attach command
	attachCmd := &cobra.Command{
		Use:     "attach RUN",
		Aliases: []string{"watch"},
		Short:   "Follow a run's live output",
		Args:    cobra.ExactArgs(1),
		RunE:    runAttach,
	}
	attachCmd.Flags().BoolVar(&noTUI, "no-tui", false, "plain line output even on a terminal")
	rootCmd.AddCommand(attachCmd)

	// runs command
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		RunE:  runRuns,
	}
	runsCmd.Flags().BoolVar(&runsActive, "active", false, "only runs still executing")
	runsCmd.Flags().BoolVar(&runsOffline, "offline", false, "read the local cache only")
	rootCmd.AddCommand(runsCmd)

	// stop command
	stopCmd := &cobra.Command{
		Use:   "stop RUN",
		Short: "Stop a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runStop,
	}
	rootCmd.AddCommand(stopCmd)

	// delete command
	deleteCmd := &cobra.Command{
		Use:   "delete RUN",
		Short: "Delete a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}
	deleteCmd.Flags().BoolVar(&deleteForce, "force", false, "stop the run first if it is still going")
	rootCmd.AddCommand(deleteCmd)

	// history command
	historyCmd := &cobra.Command{
		Use:   "history RUN",
		Short: "Show a run's milestone timeline",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}
	historyCmd.Flags().BoolVar(&historyRaw, "raw", false, "print log lines instead of milestones")
	historyCmd.Flags().BoolVar(&historyOffline, "offline", false, "read the local cache only")
	rootCmd.AddCommand(historyCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	meta := startMeta
	if meta.TenantID == "" {
		meta.TenantID = a.cfg.Backend.TenantID
	}
	res, err := a.sup.Start(ctx, runs.StartRequest{Meta: meta, AllowConcurrent: startAllowConcurrent, Rerun: startRerun})
	if res.Sync {
		for _, line := range res.Logs {
			fmt.Println(line)
		}
		return err
	}
	if err != nil {
		var locked *runs.StateLockedError
		if errors.As(err, &locked) {
			return fmt.Errorf("%w (pass --rerun to start anyway)", err)
		}
		return err
	}

	if res.Attached {
		fmt.Fprintf(os.Stderr, "attached to existing run %s (%s)\n", res.RunID, res.Reason)
	} else {
		fmt.Fprintf(os.Stderr, "started run %s\n", res.RunID)
	}
	if startDetach {
		a.sup.Detach(res.RunID)
		fmt.Println(res.RunID)
		return nil
	}
	return follow(ctx, a, res.RunID)
}

func runAttach(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.registry.Refresh(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not list runs: %v\n", err)
	}
	if err := a.sup.AttachRun(ctx, args[0]); err != nil {
		return err
	}
	return follow(ctx, a, args[0])
}

// follow renders runID until it ends or the user leaves, polling the run
// list alongside so StillActive stays current
func follow(ctx context.Context, a *app, runID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.registry.Poll(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	var runErr error
	g.Go(func() error {
		defer cancel()
		if stdoutIsTTY() && !noTUI {
			runErr = watchTUI(gctx, a, runID)
		} else {
			runErr = watchPlain(gctx, a, runID)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return runErr
}

func watchTUI(ctx context.Context, a *app, runID string) error {
	updates, unsubscribe := a.monitor.Subscribe()
	defer unsubscribe()

	model := tui.NewModel(tui.ModelConfig{Views: a.monitor, Updates: updates, Focus: runID})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return finish(a, runID)
}

func watchPlain(ctx context.Context, a *app, runID string) error {
	updates, unsubscribe := a.monitor.Subscribe()
	defer unsubscribe()

	p := &plainPrinter{runID: runID}
	for {
		if v, ok := a.monitor.View(runID); ok {
			p.print(v)
			if v.Ended {
				return finish(a, runID)
			}
		}
		select {
		case <-ctx.Done():
			return finish(a, runID)
		case <-updates:
		case <-time.After(time.Second):
		}
	}
}

// finish reports how the follow ended. A run still going is detached and
// keeps running on the backend.
func finish(a *app, runID string) error {
	v, _ := a.monitor.View(runID)
	if !v.Ended {
		a.sup.Detach(runID)
		fmt.Fprintf(os.Stderr, "detached; %s keeps running (provctl attach %s)\n", runID, runID)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := a.sup.Wait(ctx, runID)
	if err != nil {
		return err
	}
	if final.End != nil && final.End.Transient {
		fmt.Fprintf(os.Stderr, "%s: stream closed without a result (%s)\n", runID, final.End.Reason)
		return nil
	}
	fmt.Fprintf(os.Stderr, "%s: %s\n", runID, final.Run.Status)
	return nil
}

type plainPrinter struct {
	runID    string
	printed  int
	lastDone int
	attempt  int
}

func (p *plainPrinter) print(v supervisor.RunView) {
	fresh := max(0, v.LineCount-p.printed)
	if fresh > len(v.Lines) {
		fmt.Printf("… %d lines not shown\n", fresh-len(v.Lines))
		fresh = len(v.Lines)
	}
	for _, line := range v.Lines[len(v.Lines)-fresh:] {
		fmt.Println(line)
	}
	p.printed = v.LineCount

	if v.Attempt != p.attempt {
		if v.Attempt > 0 {
			fmt.Fprintf(os.Stderr, "stream interrupted, reconnecting (attempt %d)\n", v.Attempt)
		}
		p.attempt = v.Attempt
	}

	if v.Progress != nil && v.Progress.Done.All != p.lastDone && v.Progress.Pct != nil {
		p.lastDone = v.Progress.Done.All
		msg := fmt.Sprintf("progress %d/%d (%.0f%%)", v.Progress.Done.All, v.Progress.Total.All, *v.Progress.Pct*100)
		if v.Progress.ETASec != nil {
			msg += " ETA " + (time.Duration(*v.Progress.ETASec) * time.Second).Round(time.Second).String()
		}
		fmt.Fprintln(os.Stderr, msg)
	}
}

func runRuns(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var list []domain.Run
	if runsOffline {
		if a.cache == nil {
			return fmt.Errorf("no run cache configured")
		}
		list, err = a.cache.Runs(a.cfg.Registry.Limit)
		if err != nil {
			return err
		}
	} else {
		if err := a.registry.Refresh(ctx); err != nil {
			return err
		}
		list = a.registry.Runs()
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tJOB\tSTATE\tLOC\tSTATUS\tPROGRESS\tCREATED\tLAST LINE")
	for _, r := range list {
		if runsActive && !r.Active() {
			continue
		}
		pct := "-"
		if r.Progress != nil && progress.HasFraction(*r.Progress) {
			pct = fmt.Sprintf("%.0f%%", progress.Fraction(*r.Progress)*100)
		}
		created := "-"
		if !r.CreatedAt.IsZero() {
			created = humanize.Time(r.CreatedAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Meta.Job, orDash(r.Meta.State), orDash(r.Meta.LocID), r.Status, pct, created, truncate(r.LastLine, 50))
	}
	return w.Flush()
}

func runStop(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.sup.Stop(ctx, args[0])
	if err != nil {
		return err
	}
	if resp.Forced {
		fmt.Printf("stopped %s (forced)\n", args[0])
	} else {
		fmt.Printf("stopped %s\n", args[0])
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.sup.Delete(ctx, args[0], deleteForce); err != nil {
		return err
	}
	if a.cache != nil {
		a.cache.DeleteRun(args[0])
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var src history.Source = a.api
	if a.cache != nil {
		cached := &runcache.Source{Cache: a.cache}
		if !historyOffline {
			cached.Remote = a.api
		}
		src = cached
	} else if historyOffline {
		return fmt.Errorf("no run cache configured")
	}

	runID := args[0]
	buf := history.NewBuffer(a.cfg.Stream.HistoryCap)
	if _, err := history.NewReader(src, a.cfg.Stream.HistoryPageSize).LoadAll(ctx, runID, buf); err != nil {
		return err
	}

	if historyRaw {
		for _, line := range buf.Lines() {
			fmt.Println(line)
		}
		return nil
	}

	sum := history.Summarize(buf.Events())
	fmt.Printf("Run %s  (%d events)\n", runID, buf.Len())
	fmt.Printf("Phases: createDb=%s createJson=%s runDelta=%s\n", sum.Phases.CreateDB, sum.Phases.CreateJSON, sum.Phases.RunDelta)
	if sum.Outcome != "" {
		fmt.Printf("Outcome: %s\n", sum.Outcome)
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, m := range sum.Milestones {
		at := ""
		if !m.At.IsZero() {
			at = m.At.Local().Format("15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", at, m.Kind, m.Text)
	}
	w.Flush()

	c := sum.Counters
	fmt.Printf("\naccounts created: %s  rows updated: %s  skipped: %s  resumed: %s  errors: %s\n",
		humanize.Comma(int64(c.CreatedAccounts)), humanize.Comma(int64(c.UpdatedRows)),
		humanize.Comma(int64(c.SkippedTrue)), humanize.Comma(int64(c.ResumedItems)), humanize.Comma(int64(c.Errors)))
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
