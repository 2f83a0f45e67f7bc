// Package supervisor ties the run starter, live streams and the registry
// together: it starts or attaches runs, folds their events into views and
// refreshes the run list once a run ends.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hochfrequenz/provision-runner/internal/domain"
	"github.com/hochfrequenz/provision-runner/internal/jobapi"
	"github.com/hochfrequenz/provision-runner/internal/notify"
	"github.com/hochfrequenz/provision-runner/internal/runs"
	"github.com/hochfrequenz/provision-runner/internal/stream"
)

// ErrNotAttached is returned by Wait for a run without an attachment
var ErrNotAttached = errors.New("run is not attached")

// Backend is the job-control surface the supervisor drives
type Backend interface {
	runs.Dispatcher
	StopRun(ctx context.Context, runID string) (*jobapi.StopResponse, error)
	DeleteRun(ctx context.Context, runID string, forceStop bool) error
}

// Config configures a Supervisor
type Config struct {
	Backend  Backend
	Registry *runs.Registry
	Stream   *stream.Client
	Monitor  *Monitor
	Notifier notify.Notifier
	Logger   *slog.Logger
}

type attachment struct {
	att  *stream.Attachment
	done chan struct{}
}

// Supervisor owns the live attachments of one CLI session
type Supervisor struct {
	cfg     Config
	starter *runs.Starter
	log     *slog.Logger

	mu       sync.Mutex
	attached map[string]*attachment
	wg       sync.WaitGroup
}

// New creates a supervisor
func New(cfg Config) *Supervisor {
	if cfg.Monitor == nil {
		cfg.Monitor = NewMonitor(DefaultTail)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NoopNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Supervisor{
		cfg:      cfg,
		log:      cfg.Logger,
		attached: make(map[string]*attachment),
	}
	s.starter = runs.NewStarter(cfg.Registry, cfg.Backend, s, cfg.Logger)
	return s
}

// Monitor returns the view store
func (s *Supervisor) Monitor() *Monitor {
	return s.cfg.Monitor
}

// Start starts a run or attaches to the one already doing the same work
func (s *Supervisor) Start(ctx context.Context, req runs.StartRequest) (runs.StartResult, error) {
	return s.starter.Start(ctx, req)
}

// AttachRun begins streaming runID. Attaching an already attached run is a
// no-op. The attachment lives until the run ends, Detach, or ctx is done.
func (s *Supervisor) AttachRun(ctx context.Context, runID string) error {
	if runID == "" {
		return fmt.Errorf("attach: empty run id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attached[runID]; ok {
		return nil
	}

	run, ok := s.cfg.Registry.Get(runID)
	if !ok {
		run = domain.Run{ID: runID, Status: domain.RunRunning}
	}
	s.cfg.Monitor.Track(run)

	var resume int64
	if v, ok := s.cfg.Monitor.View(runID); ok && !v.Ended {
		resume = v.Cursor
	}

	a := &attachment{
		att:  s.cfg.Stream.Attach(ctx, runID, resume),
		done: make(chan struct{}),
	}
	s.attached[runID] = a
	s.wg.Add(1)
	go s.consume(ctx, a)
	s.log.Info("supervisor: attached", "run_id", runID, "resume_from", resume)
	return nil
}

func (s *Supervisor) consume(ctx context.Context, a *attachment) {
	defer s.wg.Done()
	defer close(a.done)
	runID := a.att.RunID()

	var end *stream.End
	for ev := range a.att.Events() {
		s.cfg.Monitor.Apply(runID, ev)
		if ev.Type == stream.EventEnd {
			end = ev.End
		}
	}

	s.mu.Lock()
	if s.attached[runID] == a {
		delete(s.attached, runID)
	}
	s.mu.Unlock()

	if end == nil {
		return
	}
	if err := s.cfg.Registry.Refresh(context.WithoutCancel(ctx)); err != nil {
		s.log.Warn("supervisor: refresh after end failed", "run_id", runID, "error", err)
	}
	s.announce(runID, end)
}

func (s *Supervisor) announce(runID string, end *stream.End) {
	v, _ := s.cfg.Monitor.View(runID)
	scope := v.Run.Meta.Job
	if v.Run.Meta.State != "" {
		scope += " " + v.Run.Meta.State
	}

	n := notify.Notification{
		RunID:    runID,
		Job:      v.Run.Meta.Job,
		State:    v.Run.Meta.State,
		ExitCode: end.ExitCode,
	}
	if v.Progress != nil {
		n.Pct = v.Progress.Pct
	}
	switch {
	case end.Transient:
		n.Title = "Run " + runID + " ended without a result"
		n.Message = fmt.Sprintf("%s: stream closed (%s)", scope, end.Reason)
		n.Type = notify.NotifyWarning
	case v.Run.Status == domain.RunDone:
		n.Title = "Run " + runID + " finished"
		n.Message = scope
		n.Type = notify.NotifySuccess
	case v.Run.Status == domain.RunStopped:
		n.Title = "Run " + runID + " stopped"
		n.Message = scope
		n.Type = notify.NotifyWarning
	default:
		n.Title = "Run " + runID + " failed"
		n.Message = scope
		if v.Run.Error != "" {
			n.Message += ": " + v.Run.Error
		}
		n.Type = notify.NotifyError
	}
	if err := s.cfg.Notifier.Send(n); err != nil {
		s.log.Warn("supervisor: notification failed", "run_id", runID, "error", err)
	}
}

// Wait blocks until the run's attachment has finished and returns its final
// view. A run whose end left it in error yields a TerminalRunError.
func (s *Supervisor) Wait(ctx context.Context, runID string) (RunView, error) {
	s.mu.Lock()
	a, ok := s.attached[runID]
	s.mu.Unlock()
	if ok {
		select {
		case <-a.done:
		case <-ctx.Done():
			return RunView{}, ctx.Err()
		}
	}

	v, seen := s.cfg.Monitor.View(runID)
	if !ok && !seen {
		return RunView{}, ErrNotAttached
	}
	if v.End != nil && !v.End.Transient && v.Run.Status == domain.RunError {
		return v, &runs.TerminalRunError{RunID: runID, ExitCode: v.End.ExitCode, Message: v.Run.Error}
	}
	return v, nil
}

// Detach closes the run's stream without touching the backend run
func (s *Supervisor) Detach(runID string) {
	s.mu.Lock()
	a, ok := s.attached[runID]
	s.mu.Unlock()
	if ok {
		a.att.Close()
		<-a.done
	}
}

// Stop stops the run on the backend and detaches from it
func (s *Supervisor) Stop(ctx context.Context, runID string) (*jobapi.StopResponse, error) {
	resp, err := s.cfg.Backend.StopRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	s.Detach(runID)
	if err := s.cfg.Registry.Refresh(ctx); err != nil {
		s.log.Warn("supervisor: refresh after stop failed", "run_id", runID, "error", err)
	}
	return resp, nil
}

// Delete removes the run on the backend and forgets its view
func (s *Supervisor) Delete(ctx context.Context, runID string, forceStop bool) error {
	if err := s.cfg.Backend.DeleteRun(ctx, runID, forceStop); err != nil {
		return err
	}
	s.Detach(runID)
	s.cfg.Monitor.Forget(runID)
	if err := s.cfg.Registry.Refresh(ctx); err != nil {
		s.log.Warn("supervisor: refresh after delete failed", "run_id", runID, "error", err)
	}
	return nil
}

// Attached lists the runs with an open attachment
func (s *Supervisor) Attached() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.attached))
	for id := range s.attached {
		ids = append(ids, id)
	}
	return ids
}

// Close detaches every run and waits for the consumers to exit
func (s *Supervisor) Close() {
	s.mu.Lock()
	list := make([]*attachment, 0, len(s.attached))
	for _, a := range s.attached {
		list = append(list, a)
	}
	s.mu.Unlock()
	for _, a := range list {
		a.att.Close()
	}
	s.wg.Wait()
}
