package schedule

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 22 * * *", false},
		{"0 12 * * 1-5", false},
		{"*/5 * * * *", false},
		{"@daily", false},
		{"invalid", true},
	}

	for _, tt := range tests {
		_, err := ParseCron(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCron(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestNew_Rejects(t *testing.T) {
	if _, err := New([]Entry{{Name: "", Cron: "@daily"}}); err == nil {
		t.Error("empty name should error")
	}
	if _, err := New([]Entry{{Name: "a", Cron: "nope"}}); err == nil {
		t.Error("bad cron should error")
	}
	if _, err := New([]Entry{{Name: "a", Cron: "@daily"}, {Name: "a", Cron: "@hourly"}}); err == nil {
		t.Error("duplicate name should error")
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestScheduler(t *testing.T, clock *fakeClock, entries ...Entry) *Scheduler {
	t.Helper()
	s, err := New(entries)
	if err != nil {
		t.Fatal(err)
	}
	s.Now = clock.Now
	// recompute first fire times against the fake clock
	for _, j := range s.jobs {
		j.next = j.schedule.Next(clock.Now())
	}
	return s
}

func TestTick_FiresWhenDue(t *testing.T) {
	start := time.Date(2026, 3, 1, 21, 30, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	s := newTestScheduler(t, clock, Entry{Name: "nightly", Cron: "0 22 * * *"})

	if got := s.NextRun("nightly"); !got.Equal(time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)) {
		t.Fatalf("NextRun = %v, want 22:00", got)
	}

	var mu sync.Mutex
	var ran []string
	run := func(ctx context.Context, e Entry) error {
		mu.Lock()
		ran = append(ran, e.Name)
		mu.Unlock()
		return nil
	}

	if started := s.Tick(context.Background(), run); len(started) != 0 {
		t.Errorf("Tick before due started %v", started)
	}

	clock.Set(start.Add(31 * time.Minute))
	if started := s.Tick(context.Background(), run); len(started) != 1 {
		t.Fatalf("Tick when due started %v, want nightly", started)
	}
	s.Wait()

	if len(ran) != 1 {
		t.Errorf("ran = %v, want one run", ran)
	}
	if got := s.NextRun("nightly"); !got.Equal(time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)) {
		t.Errorf("NextRun after firing = %v, want next day 22:00", got)
	}
}

func TestTick_SkipsWhileRunning(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	clock := &fakeClock{now: start}
	s := newTestScheduler(t, clock, Entry{Name: "often", Cron: "* * * * *"})

	release := make(chan struct{})
	calls := 0
	var mu sync.Mutex
	run := func(ctx context.Context, e Entry) error {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return nil
	}

	clock.Set(start.Add(time.Minute))
	if started := s.Tick(context.Background(), run); len(started) != 1 {
		t.Fatalf("first Tick started %v", started)
	}
	if !s.Running("often") {
		t.Error("Running = false during run")
	}

	clock.Set(start.Add(2 * time.Minute))
	if started := s.Tick(context.Background(), run); len(started) != 0 {
		t.Errorf("Tick during run started %v, want skip", started)
	}

	close(release)
	s.Wait()
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if s.Running("often") {
		t.Error("Running = true after run returned")
	}
}
