// Package schedule triggers recurring domain-bot queue runs from cron
// expressions.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Entry is one scheduled queue run
type Entry struct {
	Name      string
	Cron      string
	Kind      string
	ItemsFile string
}

// RunFunc executes one scheduled run
type RunFunc func(ctx context.Context, e Entry) error

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field cron expression or a descriptor like @daily
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

type job struct {
	entry    Entry
	schedule cron.Schedule
	next     time.Time
	running  bool
	lastRun  time.Time
}

// Scheduler fires entries when their next time has passed. An entry whose
// previous run is still going is skipped, not queued.
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup

	Now    func() time.Time
	Logger *slog.Logger
}

// New validates entries and computes their first fire times
func New(entries []Entry) (*Scheduler, error) {
	s := &Scheduler{jobs: make(map[string]*job), Now: time.Now, Logger: slog.Default()}
	now := s.Now()
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("schedule name is required")
		}
		if _, dup := s.jobs[e.Name]; dup {
			return nil, fmt.Errorf("schedule %q defined twice", e.Name)
		}
		sched, err := ParseCron(e.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: invalid cron expression: %w", e.Name, err)
		}
		s.jobs[e.Name] = &job{entry: e, schedule: sched, next: sched.Next(now)}
	}
	return s, nil
}

// Names returns all entry names, sorted
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NextRun returns the next fire time of an entry
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[name]; ok {
		return j.next
	}
	return time.Time{}
}

// Running reports whether the entry's last run is still going
func (s *Scheduler) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	return ok && j.running
}

// Tick starts every due entry and returns the names it started
func (s *Scheduler) Tick(ctx context.Context, run RunFunc) []string {
	now := s.Now()
	var due []*job

	s.mu.Lock()
	for _, j := range s.jobs {
		if now.Before(j.next) {
			continue
		}
		j.next = j.schedule.Next(now)
		if j.running {
			s.Logger.Warn("schedule: previous run still going, skipping", "schedule", j.entry.Name)
			continue
		}
		j.running = true
		due = append(due, j)
	}
	s.mu.Unlock()

	names := make([]string, 0, len(due))
	for _, j := range due {
		names = append(names, j.entry.Name)
		s.wg.Add(1)
		go func(j *job) {
			defer s.wg.Done()
			s.Logger.Info("schedule: starting", "schedule", j.entry.Name, "kind", j.entry.Kind)
			if err := run(ctx, j.entry); err != nil {
				s.Logger.Error("schedule: run failed", "schedule", j.entry.Name, "error", err)
			}
			s.mu.Lock()
			j.running = false
			j.lastRun = s.Now()
			s.mu.Unlock()
		}(j)
	}
	sort.Strings(names)
	return names
}

// Start ticks every interval until ctx is done, then waits for started runs
func (s *Scheduler) Start(ctx context.Context, interval time.Duration, run RunFunc) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx, run)
		}
	}
}

// Wait blocks until every started run has returned
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
