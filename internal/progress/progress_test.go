package progress

import (
	"math"
	"testing"
	"time"

	"github.com/hochfrequenz/provision-runner/internal/domain"
)

func ptr(f float64) *float64 { return &f }

func TestFraction(t *testing.T) {
	tests := []struct {
		name string
		p    domain.ProgressPayload
		want float64
	}{
		{"ratio", domain.ProgressPayload{Totals: domain.Counts{All: 10}, Done: domain.Counts{All: 3}}, 0.3},
		{"zero total", domain.ProgressPayload{Done: domain.Counts{All: 3}}, 0},
		{"done exceeds total", domain.ProgressPayload{Totals: domain.Counts{All: 4}, Done: domain.Counts{All: 9}}, 1},
		{"pct fraction", domain.ProgressPayload{Pct: ptr(0.42), Totals: domain.Counts{All: 10}}, 0.42},
		{"pct percent", domain.ProgressPayload{Pct: ptr(55)}, 0.55},
		{"pct out of range falls back", domain.ProgressPayload{Pct: ptr(250), Totals: domain.Counts{All: 4}, Done: domain.Counts{All: 1}}, 0.25},
		{"negative pct falls back", domain.ProgressPayload{Pct: ptr(-1)}, 0},
		{"nan pct falls back", domain.ProgressPayload{Pct: ptr(math.NaN()), Totals: domain.Counts{All: 2}, Done: domain.Counts{All: 1}}, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Fraction(tt.p)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Fraction() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFraction_AlwaysInUnitInterval(t *testing.T) {
	for total := 0; total <= 50; total++ {
		for done := 0; done <= 60; done++ {
			f := Fraction(domain.ProgressPayload{
				Totals: domain.Counts{All: total},
				Done:   domain.Counts{All: done},
			})
			if f < 0 || f > 1 {
				t.Fatalf("Fraction(done=%d,total=%d) = %v, outside [0,1]", done, total, f)
			}
		}
	}
}

func TestETA(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := start.Add(30 * time.Second)

	p := domain.ProgressPayload{Totals: domain.Counts{All: 10}, Done: domain.Counts{All: 3}}
	eta := ETA(p, start, now)
	if eta == nil {
		t.Fatal("ETA() = nil, want value")
	}
	// 3 units in 30s -> 0.1/s, 7 remaining -> 70s
	if math.Abs(*eta-70) > 1e-6 {
		t.Errorf("ETA() = %v, want 70", *eta)
	}
}

func TestETA_Preconditions(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := start.Add(time.Minute)

	tests := []struct {
		name    string
		p       domain.ProgressPayload
		started time.Time
	}{
		{"nothing done yet", domain.ProgressPayload{Totals: domain.Counts{All: 10}}, start},
		{"no totals", domain.ProgressPayload{Done: domain.Counts{All: 3}}, start},
		{"no start time", domain.ProgressPayload{Totals: domain.Counts{All: 10}, Done: domain.Counts{All: 3}}, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if eta := ETA(tt.p, tt.started, now); eta != nil {
				t.Errorf("ETA() = %v, want nil", *eta)
			}
		})
	}
}

func TestETA_ClampsElapsed(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := domain.ProgressPayload{Totals: domain.Counts{All: 3}, Done: domain.Counts{All: 1}}

	// Zero elapsed must not divide by zero: rate = 1/0.5 = 2/s, 2 remaining -> 1s
	eta := ETA(p, start, start)
	if eta == nil || math.Abs(*eta-1) > 1e-9 {
		t.Errorf("ETA() = %v, want 1", eta)
	}
}

func TestEstimate(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := start.Add(10 * time.Second)

	got := Estimate(domain.ProgressPayload{
		Totals: domain.Counts{All: 10, Counties: 2, Cities: 8},
		Done:   domain.Counts{All: 3, Counties: 1, Cities: 2},
		Last:   "city Miami",
	}, start, now)

	if got.Pct == nil || math.Abs(*got.Pct-0.3) > 1e-9 {
		t.Errorf("Pct = %v, want 0.3", got.Pct)
	}
	if got.ETASec == nil {
		t.Error("ETASec = nil, want value")
	}
	if got.LastMessage != "city Miami" {
		t.Errorf("LastMessage = %q", got.LastMessage)
	}
	if got.Total.Cities != 8 {
		t.Errorf("Total.Cities = %d, want 8", got.Total.Cities)
	}

	empty := Estimate(domain.ProgressPayload{}, start, now)
	if empty.Pct != nil {
		t.Errorf("Pct = %v, want nil without totals", *empty.Pct)
	}

	again := Estimate(domain.ProgressPayload{
		Totals: domain.Counts{All: 10, Counties: 2, Cities: 8},
		Done:   domain.Counts{All: 3, Counties: 1, Cities: 2},
		Last:   "city Miami",
	}, start, now)
	if *again.Pct != *got.Pct || *again.ETASec != *got.ETASec {
		t.Error("Estimate is not idempotent for the same payload")
	}
}

func TestComplete(t *testing.T) {
	now := time.Now()
	p := Complete(domain.Progress{Total: domain.Counts{All: 10}, Done: domain.Counts{All: 7}}, now)
	if p.Pct == nil || *p.Pct != 1 {
		t.Errorf("Pct = %v, want 1", p.Pct)
	}
	if p.Done.All != 10 {
		t.Errorf("Done.All = %d, want 10", p.Done.All)
	}
}
