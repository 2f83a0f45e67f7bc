package supervisor

import (
	"context"
	"errors"
	"math"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/provision-runner/internal/domain"
	"github.com/hochfrequenz/provision-runner/internal/jobapi"
	"github.com/hochfrequenz/provision-runner/internal/notify"
	"github.com/hochfrequenz/provision-runner/internal/phase"
	"github.com/hochfrequenz/provision-runner/internal/runs"
	"github.com/hochfrequenz/provision-runner/internal/sandbox"
	"github.com/hochfrequenz/provision-runner/internal/stream"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recorder) Send(n notify.Notification) error {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
	return nil
}

func (r *recorder) All() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.sent...)
}

type harness struct {
	sb    *sandbox.Server
	reg   *runs.Registry
	sup   *Supervisor
	clock *clock
	notes *recorder
	ctx   context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sb := sandbox.New()
	srv := httptest.NewServer(sb.Handler())
	t.Cleanup(srv.Close)

	api := jobapi.New(srv.URL, "t1", 5*time.Second)
	reg := runs.NewRegistry(api, runs.RegistryConfig{})
	sc := stream.NewClient(stream.Config{
		BaseURL:     srv.URL,
		TenantID:    "t1",
		Backoff:     func(int) time.Duration { return time.Millisecond },
		StillActive: reg.IsActive,
	})
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	mon := NewMonitor(50)
	mon.Now = c.Now
	notes := &recorder{}

	sup := New(Config{Backend: api, Registry: reg, Stream: sc, Monitor: mon, Notifier: notes})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		sup.Close()
	})
	return &harness{sb: sb, reg: reg, sup: sup, clock: c, notes: notes, ctx: ctx}
}

func (h *harness) waitView(t *testing.T, runID string, cond func(RunView) bool) RunView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := h.sup.Monitor().View(runID); ok && cond(v) {
			return v
		}
		time.Sleep(5 * time.Millisecond)
	}
	v, _ := h.sup.Monitor().View(runID)
	t.Fatalf("view of %s never matched: %+v", runID, v)
	return v
}

func (h *harness) wait(t *testing.T, runID string) (RunView, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	return h.sup.Wait(ctx, runID)
}

func TestStartStreamProgressAndFinish(t *testing.T) {
	h := newHarness(t)
	florida := domain.Meta{TenantID: "t1", Job: "createDb", State: "Florida"}

	res, err := h.sup.Start(h.ctx, runs.StartRequest{Meta: florida})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.RunID != "r1" || res.Attached {
		t.Fatalf("Start = %+v, want new run r1", res)
	}
	h.waitView(t, "r1", func(v RunView) bool { return v.Connected })

	h.sb.Line("r1", "[create-db] start Florida")
	h.sb.Progress("r1", domain.ProgressPayload{Totals: domain.Counts{All: 10}})
	v := h.waitView(t, "r1", func(v RunView) bool { return v.Progress != nil })
	if v.Progress.ETASec != nil {
		t.Errorf("ETA with nothing done = %v, want nil", *v.Progress.ETASec)
	}
	if v.Phases.CreateDB != phase.Running {
		t.Errorf("createDb = %s, want running", v.Phases.CreateDB)
	}

	h.clock.Advance(60 * time.Second)
	h.sb.Progress("r1", domain.ProgressPayload{Totals: domain.Counts{All: 10}, Done: domain.Counts{All: 3}})
	v = h.waitView(t, "r1", func(v RunView) bool { return v.Progress != nil && v.Progress.Done.All == 3 })
	if v.Progress.Pct == nil || math.Abs(*v.Progress.Pct-0.3) > 1e-9 {
		t.Errorf("pct = %v, want 0.3", v.Progress.Pct)
	}
	if v.Progress.ETASec == nil || math.Abs(*v.Progress.ETASec-140) > 1e-6 {
		t.Errorf("ETA = %v, want 140s", v.Progress.ETASec)
	}

	dup, err := h.sup.Start(h.ctx, runs.StartRequest{Meta: florida})
	if err != nil {
		t.Fatalf("duplicate Start: %v", err)
	}
	if !dup.Attached || dup.RunID != "r1" || dup.Reason != runs.AttachDuplicate {
		t.Errorf("duplicate Start = %+v, want attached to r1", dup)
	}

	h.sb.Line("r1", "[create-db] done in 41s")
	h.sb.Finish("r1", true, "")
	final, err := h.wait(t, "r1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.Run.Status != domain.RunDone {
		t.Errorf("status = %s, want done", final.Run.Status)
	}
	if final.Progress == nil || *final.Progress.Pct != 1 {
		t.Errorf("final progress = %+v, want 100%%", final.Progress)
	}
	if final.Phases.CreateDB != phase.Done {
		t.Errorf("createDb = %s, want done", final.Phases.CreateDB)
	}
	if len(final.Lines) != 2 {
		t.Errorf("lines = %v, want 2", final.Lines)
	}

	notes := h.notes.All()
	if len(notes) != 1 || notes[0].Type != notify.NotifySuccess || notes[0].RunID != "r1" {
		t.Errorf("notifications = %+v, want one success for r1", notes)
	}
	if run, _ := h.reg.Get("r1"); run.Active() {
		t.Errorf("registry still reports r1 active after end")
	}
}

func TestTransientEndReconnectsWithoutGaps(t *testing.T) {
	h := newHarness(t)
	id := h.sb.Start(domain.Meta{TenantID: "t1", Job: "runDelta", State: "Ohio"})
	h.sb.Line(id, "first")
	if err := h.reg.Refresh(h.ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	h.sb.InjectTransientEnd(id, 2)

	if err := h.sup.AttachRun(h.ctx, id); err != nil {
		t.Fatalf("AttachRun: %v", err)
	}
	h.waitView(t, id, func(v RunView) bool { return len(v.Lines) == 1 })
	h.sb.Line(id, "second")
	h.sb.Finish(id, true, "")

	v, err := h.wait(t, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(v.Lines) != 2 || v.Lines[0] != "first" || v.Lines[1] != "second" {
		t.Errorf("lines = %v, want [first second]", v.Lines)
	}
	if v.End == nil || v.End.Transient {
		t.Errorf("end = %+v, want terminal", v.End)
	}
}

func TestFailedRunReturnsTerminalError(t *testing.T) {
	h := newHarness(t)
	res, err := h.sup.Start(h.ctx, runs.StartRequest{Meta: domain.Meta{TenantID: "t1", Job: "createJson", State: "Utah"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitView(t, res.RunID, func(v RunView) bool { return v.Connected })
	h.sb.Line(res.RunID, "Generating state JSON for Utah")
	h.sb.Finish(res.RunID, false, "json writer crashed")

	v, err := h.wait(t, res.RunID)
	var terminal *runs.TerminalRunError
	if !errors.As(err, &terminal) {
		t.Fatalf("Wait err = %v, want TerminalRunError", err)
	}
	if terminal.Message != "json writer crashed" {
		t.Errorf("message = %q", terminal.Message)
	}
	if v.Phases.CreateJSON != phase.Error {
		t.Errorf("createJson = %s, want error", v.Phases.CreateJSON)
	}
	notes := h.notes.All()
	if len(notes) != 1 || notes[0].Type != notify.NotifyError {
		t.Errorf("notifications = %+v, want one error", notes)
	}
}

func TestErrorEndWithoutOKFlag(t *testing.T) {
	h := newHarness(t)
	res, err := h.sup.Start(h.ctx, runs.StartRequest{Meta: domain.Meta{TenantID: "t1", Job: "createDb", State: "Iowa"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitView(t, res.RunID, func(v RunView) bool { return v.Connected })
	h.sb.Line(res.RunID, "[create-db] start Iowa")
	h.sb.FinishRaw(res.RunID, domain.RunError, `{"status":"error","error":"boom"}`)

	v, err := h.wait(t, res.RunID)
	var terminal *runs.TerminalRunError
	if !errors.As(err, &terminal) || terminal.Message != "boom" {
		t.Fatalf("Wait err = %v, want TerminalRunError boom", err)
	}
	if v.Run.Status != domain.RunError || v.Run.Error != "boom" || !v.Run.Finished {
		t.Errorf("run = %s %q finished=%v, want error boom", v.Run.Status, v.Run.Error, v.Run.Finished)
	}
	if v.Phases.CreateDB != phase.Error {
		t.Errorf("createDb = %s, want error", v.Phases.CreateDB)
	}
	notes := h.notes.All()
	if len(notes) != 1 || notes[0].Type != notify.NotifyError || notes[0].State != "Iowa" || notes[0].Job != "createDb" {
		t.Errorf("notifications = %+v, want one error for createDb Iowa", notes)
	}
}

func TestMonitorEndStatuses(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name   string
		end    stream.End
		status domain.RunStatus
		errMsg string
	}{
		{"ok", stream.End{OK: &yes}, domain.RunDone, ""},
		{"failed", stream.End{OK: &no, Error: "exit 2"}, domain.RunError, "exit 2"},
		{"stopped", stream.End{OK: &no, Status: "stopped"}, domain.RunStopped, ""},
		{"error status only", stream.End{Status: "error", Error: "boom"}, domain.RunError, "boom"},
		{"unparsed payload", stream.End{Error: "segfault in worker"}, domain.RunError, "segfault in worker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(10)
			m.Track(domain.Run{ID: "r1", Status: domain.RunRunning})
			end := tt.end
			m.Apply("r1", stream.Event{Type: stream.EventEnd, End: &end})

			v, _ := m.View("r1")
			if v.Run.Status != tt.status || v.Run.Error != tt.errMsg {
				t.Errorf("run = %s %q, want %s %q", v.Run.Status, v.Run.Error, tt.status, tt.errMsg)
			}
			m.SyncRuns([]domain.Run{{ID: "r1", Status: domain.RunRunning}})
			if v, _ := m.View("r1"); v.Run.Status != tt.status {
				t.Errorf("status after sync = %s, want it kept at %s", v.Run.Status, tt.status)
			}
		})
	}
}

func TestMonitorTransientEndFollowsRegistry(t *testing.T) {
	m := NewMonitor(10)
	m.Track(domain.Run{ID: "r1", Status: domain.RunRunning})
	m.Apply("r1", stream.Event{Type: stream.EventEnd, End: &stream.End{Reason: "not_found", Transient: true}})

	m.SyncRuns([]domain.Run{{ID: "r1", Status: domain.RunDone, Finished: true}})
	v, _ := m.View("r1")
	if !v.Ended || v.Run.Status != domain.RunDone {
		t.Errorf("view = ended %v status %s, want registry status done", v.Ended, v.Run.Status)
	}
}

func TestStoppedStateIsLocked(t *testing.T) {
	h := newHarness(t)
	texas := domain.Meta{TenantID: "t1", Job: "runDelta", State: "Texas"}

	res, err := h.sup.Start(h.ctx, runs.StartRequest{Meta: texas})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.sup.Stop(h.ctx, res.RunID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(h.sup.Attached()) != 0 {
		t.Errorf("attached = %v after stop, want none", h.sup.Attached())
	}

	_, err = h.sup.Start(h.ctx, runs.StartRequest{Meta: domain.Meta{TenantID: "t1", Job: "createDb", State: "Texas"}})
	var locked *runs.StateLockedError
	if !errors.As(err, &locked) || locked.RunID != res.RunID {
		t.Fatalf("Start after stop err = %v, want StateLockedError for %s", err, res.RunID)
	}

	rerun, err := h.sup.Start(h.ctx, runs.StartRequest{Meta: texas, Rerun: true})
	if err != nil {
		t.Fatalf("rerun Start: %v", err)
	}
	if rerun.RunID == res.RunID || rerun.Attached {
		t.Errorf("rerun = %+v, want a fresh run", rerun)
	}
}

func TestDeleteForgetsView(t *testing.T) {
	h := newHarness(t)
	res, err := h.sup.Start(h.ctx, runs.StartRequest{Meta: domain.Meta{TenantID: "t1", Job: "createDb", State: "Maine"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.sup.Delete(h.ctx, res.RunID, false); !jobapi.IsStatus(err, 409) {
		t.Fatalf("Delete active without force err = %v, want 409", err)
	}
	if err := h.sup.Delete(h.ctx, res.RunID, true); err != nil {
		t.Fatalf("Delete force: %v", err)
	}
	if _, ok := h.sup.Monitor().View(res.RunID); ok {
		t.Error("view still present after delete")
	}
	if _, ok := h.reg.Get(res.RunID); ok {
		t.Error("registry still lists deleted run")
	}
}
