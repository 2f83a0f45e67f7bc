package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/hochfrequenz/provision-runner/internal/domain"
	"github.com/hochfrequenz/provision-runner/internal/history"
)

func TestSimulateSucceeds(t *testing.T) {
	sb := New()
	id := sb.Start(domain.Meta{Job: "runDelta", State: "Ohio"})

	if err := sb.Simulate(context.Background(), id, Simulation{Units: 3, Interval: time.Millisecond}); err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	run, _ := sb.Run(id)
	if run.Status != domain.RunDone {
		t.Fatalf("status = %s, want done", run.Status)
	}
	if run.Progress == nil || run.Progress.Done.All != 3 {
		t.Errorf("progress = %+v, want 3 done", run.Progress)
	}

	sb.mu.Lock()
	events := append([]domain.Event(nil), sb.runs[id].events...)
	sb.mu.Unlock()
	sum := history.Summarize(events)
	if sum.Outcome != history.KindSucceeded {
		t.Errorf("outcome = %q, want succeeded", sum.Outcome)
	}
	if sum.Counters.CreatedAccounts != 3 {
		t.Errorf("created accounts = %d, want 3", sum.Counters.CreatedAccounts)
	}
}

func TestSimulateFailure(t *testing.T) {
	sb := New()
	id := sb.Start(domain.Meta{Job: "runDelta", State: "Ohio"})

	if err := sb.Simulate(context.Background(), id, Simulation{Units: 5, FailAt: 2, Interval: time.Millisecond}); err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	run, _ := sb.Run(id)
	if run.Status != domain.RunError || run.Error != "run-delta failed" {
		t.Errorf("run = %+v, want error", run)
	}
}

func TestSimulateStopsWithRun(t *testing.T) {
	sb := New()
	id := sb.Start(domain.Meta{Job: "runDelta", State: "Ohio"})
	sb.Finish(id, true, "")

	if err := sb.Simulate(context.Background(), id, Simulation{Interval: time.Millisecond}); err == nil {
		t.Error("Simulate on a finished run: want error")
	}
}
