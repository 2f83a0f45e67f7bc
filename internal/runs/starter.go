package runs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hochfrequenz/provision-runner/internal/domain"
	"github.com/hochfrequenz/provision-runner/internal/jobapi"
)

// Dispatcher creates runs on the backend
type Dispatcher interface {
	StartRun(ctx context.Context, req jobapi.StartRequest) (*jobapi.StartResponse, error)
}

// Attacher begins streaming a run
type Attacher interface {
	AttachRun(ctx context.Context, runID string) error
}

// AttachReason explains why a start attached instead of creating a run
type AttachReason string

const (
	AttachNone      AttachReason = ""
	AttachDuplicate AttachReason = "duplicate"
	AttachStateBusy AttachReason = "state-running"
	AttachConflict  AttachReason = "conflict"
)

// StartRequest asks for a new run
type StartRequest struct {
	Meta            domain.Meta
	AllowConcurrent bool
	Rerun           bool
}

// StartResult describes what Start did
type StartResult struct {
	RunID    string
	Attached bool
	Reason   AttachReason
	// Sync results carry the full log and never stream.
	Sync     bool
	Logs     []string
	ExitCode *int
}

// Starter enforces the duplicate and per-state lock policy before dispatch
type Starter struct {
	registry   *Registry
	dispatcher Dispatcher
	attacher   Attacher
	log        *slog.Logger
}

// NewStarter creates a starter. logger may be nil.
func NewStarter(registry *Registry, dispatcher Dispatcher, attacher Attacher, logger *slog.Logger) *Starter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Starter{registry: registry, dispatcher: dispatcher, attacher: attacher, log: logger}
}

// Start dispatches a run, or attaches to the run that already does the
// same work. Duplicates and 409 conflicts are not errors.
func (s *Starter) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	if err := s.registry.Refresh(ctx); err != nil {
		// The guard is advisory; the backend's 409 still protects us.
		s.log.Warn("starter: registry refresh failed, using cached runs", "error", err)
	}

	if runID, reason, err := s.check(req); err != nil {
		return StartResult{}, err
	} else if runID != "" {
		return s.attach(ctx, runID, reason)
	}

	resp, err := s.dispatcher.StartRun(ctx, jobapi.StartRequest{
		Job:             req.Meta.Job,
		State:           req.Meta.State,
		Mode:            req.Meta.Mode,
		Debug:           req.Meta.Debug,
		LocID:           req.Meta.LocID,
		Kind:            req.Meta.Kind,
		TenantID:        req.Meta.TenantID,
		AllowConcurrent: req.AllowConcurrent,
		Rerun:           req.Rerun,
	})
	if err != nil {
		return StartResult{}, err
	}

	if resp.Conflict {
		return s.attach(ctx, resp.RunID, AttachConflict)
	}

	if resp.Sync {
		res := StartResult{RunID: resp.RunID, Sync: true, Logs: resp.Logs, ExitCode: resp.ExitCode}
		if resp.OK != nil && !*resp.OK {
			return res, &TerminalRunError{RunID: resp.RunID, ExitCode: resp.ExitCode, Message: resp.Error}
		}
		return res, nil
	}

	s.registry.Track(domain.Run{ID: resp.RunID, Status: domain.RunRunning, Meta: req.Meta})
	s.log.Info("starter: run started", "run_id", resp.RunID, "job", req.Meta.Job, "state", req.Meta.State)
	if err := s.attacher.AttachRun(ctx, resp.RunID); err != nil {
		return StartResult{RunID: resp.RunID}, fmt.Errorf("attach %s: %w", resp.RunID, err)
	}
	return StartResult{RunID: resp.RunID}, nil
}

// check returns the run to attach to instead of starting, or a lock error
func (s *Starter) check(req StartRequest) (string, AttachReason, error) {
	if !req.AllowConcurrent {
		if run, ok := s.registry.FindActive(req.Meta.Key()); ok {
			return run.ID, AttachDuplicate, nil
		}
	}

	if req.Meta.SingleLocation() || req.Meta.State == "" {
		return "", AttachNone, nil
	}

	sameState := s.registry.ByState(req.Meta.State)
	for _, run := range sameState {
		if run.Active() {
			return run.ID, AttachStateBusy, nil
		}
	}
	if req.Rerun {
		return "", AttachNone, nil
	}
	// any stopped run locks the state until it is deleted or rerun
	for _, run := range sameState {
		if run.Stopped || run.Status == domain.RunStopped {
			return "", AttachNone, &StateLockedError{State: req.Meta.State, RunID: run.ID}
		}
	}
	return "", AttachNone, nil
}

func (s *Starter) attach(ctx context.Context, runID string, reason AttachReason) (StartResult, error) {
	s.log.Info("starter: attaching to existing run", "run_id", runID, "reason", reason)
	if err := s.attacher.AttachRun(ctx, runID); err != nil {
		return StartResult{RunID: runID, Attached: true, Reason: reason}, fmt.Errorf("attach %s: %w", runID, err)
	}
	return StartResult{RunID: runID, Attached: true, Reason: reason}, nil
}
