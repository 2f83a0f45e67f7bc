package supervisor

import (
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/provision-runner/internal/domain"
	"github.com/hochfrequenz/provision-runner/internal/history"
	"github.com/hochfrequenz/provision-runner/internal/phase"
	"github.com/hochfrequenz/provision-runner/internal/progress"
	"github.com/hochfrequenz/provision-runner/internal/stream"
)

// DefaultTail is how many log lines a RunView keeps
const DefaultTail = 200

// RunView is everything the UI shows for one attached run
type RunView struct {
	Run       domain.Run
	Phases    phase.Trace
	Progress  *domain.Progress
	StartedAt time.Time
	Lines     []string
	// LineCount is the number of lines ever appended, including trimmed ones
	LineCount int
	Cursor    int64
	Attempt   int
	Connected bool
	Ended     bool
	End       *stream.End
}

// Monitor folds stream events into per-run views
type Monitor struct {
	mu    sync.RWMutex
	views map[string]*RunView
	tail  int
	subs  map[chan string]struct{}

	Now func() time.Time
}

// NewMonitor creates a monitor keeping tail lines per run
func NewMonitor(tail int) *Monitor {
	if tail <= 0 {
		tail = DefaultTail
	}
	return &Monitor{
		views: make(map[string]*RunView),
		tail:  tail,
		subs:  make(map[chan string]struct{}),
		Now:   time.Now,
	}
}

// Track starts a view for run, or refreshes the cached run of an existing one
func (m *Monitor) Track(run domain.Run) {
	m.mu.Lock()
	v, ok := m.views[run.ID]
	if !ok {
		v = &RunView{Phases: phase.New(), StartedAt: run.CreatedAt}
		if v.StartedAt.IsZero() {
			v.StartedAt = m.Now()
		}
		m.views[run.ID] = v
	}
	if !v.settled() {
		v.Run = run
	}
	m.mu.Unlock()
	m.notify(run.ID)
}

// SyncRuns updates the cached run of every tracked view from a registry
// snapshot
func (m *Monitor) SyncRuns(list []domain.Run) {
	var changed []string
	m.mu.Lock()
	for _, run := range list {
		if v, ok := m.views[run.ID]; ok && !v.settled() {
			v.Run = run
			changed = append(changed, run.ID)
		}
	}
	m.mu.Unlock()
	for _, id := range changed {
		m.notify(id)
	}
}

// Apply folds one stream event into the run's view
func (m *Monitor) Apply(runID string, ev stream.Event) {
	m.mu.Lock()
	v, ok := m.views[runID]
	if !ok {
		v = &RunView{Run: domain.Run{ID: runID, Status: domain.RunRunning}, Phases: phase.New(), StartedAt: m.Now()}
		m.views[runID] = v
	}
	if ev.ID > v.Cursor {
		v.Cursor = ev.ID
	}

	switch ev.Type {
	case stream.EventHello:
		v.Connected = true
		v.Attempt = 0
	case stream.EventReconnect:
		v.Connected = false
		v.Attempt = ev.Attempt
	case stream.EventLine:
		v.Phases = phase.Apply(v.Phases, ev.Data)
		if !history.IsNoise(ev.Data) {
			v.Lines = append(v.Lines, ev.Data)
			v.LineCount++
			if len(v.Lines) > m.tail {
				v.Lines = v.Lines[len(v.Lines)-m.tail:]
			}
		}
		v.Run.LastLine = ev.Data
	case stream.EventProgress:
		if ev.Progress != nil {
			p := progress.Estimate(*ev.Progress, v.StartedAt, m.Now())
			v.Progress = &p
			v.Run.Progress = ev.Progress
		}
	case stream.EventEnd:
		m.endLocked(v, ev.End)
	}
	m.mu.Unlock()
	m.notify(runID)
}

func (m *Monitor) endLocked(v *RunView, end *stream.End) {
	v.Ended = true
	v.Connected = false
	v.End = end
	// a transient end leaves the status to the next registry sync
	if end == nil || end.Transient {
		return
	}
	v.Run.ExitCode = end.ExitCode
	v.Run.Status = end.RunStatus()
	switch v.Run.Status {
	case domain.RunStopped:
		v.Run.Stopped = true
	case domain.RunError:
		v.Run.Finished = true
		v.Run.Error = end.Error
		if v.Run.Error == "" {
			v.Run.Error = end.Reason
		}
		v.Phases = phase.Finish(v.Phases, false)
	case domain.RunDone:
		v.Run.Finished = true
		v.Phases = phase.Finish(v.Phases, true)
		base := domain.Progress{}
		if v.Progress != nil {
			base = *v.Progress
		}
		done := progress.Complete(base, m.Now())
		v.Progress = &done
	}
}

// settled reports whether the view's status came from a genuine end and
// must no longer follow the registry
func (v *RunView) settled() bool {
	return v.Ended && (v.End == nil || !v.End.Transient)
}

// View returns a copy of the run's view
func (m *Monitor) View(runID string) (RunView, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.views[runID]
	if !ok {
		return RunView{}, false
	}
	return v.copy(), true
}

// Views returns copies of all views, newest first
func (m *Monitor) Views() []RunView {
	m.mu.RLock()
	out := make([]RunView, 0, len(m.views))
	for _, v := range m.views {
		out = append(out, v.copy())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Forget drops a run's view
func (m *Monitor) Forget(runID string) {
	m.mu.Lock()
	delete(m.views, runID)
	m.mu.Unlock()
	m.notify(runID)
}

// Subscribe returns a channel receiving the id of every run whose view
// changed. Slow subscribers miss updates rather than block.
func (m *Monitor) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		delete(m.subs, ch)
		m.mu.Unlock()
	}
}

func (m *Monitor) notify(runID string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for ch := range m.subs {
		select {
		case ch <- runID:
		default:
		}
	}
}

func (v *RunView) copy() RunView {
	c := *v
	c.Lines = append([]string(nil), v.Lines...)
	if v.Progress != nil {
		p := *v.Progress
		c.Progress = &p
	}
	return c
}
