package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/hochfrequenz/provision-runner/internal/domain"
)

// Simulation scripts a fake provisioning run
type Simulation struct {
	// Units is the number of cities processed during the delta phase
	Units    int
	Interval time.Duration
	// FailAt makes the run fail after that many units (0 = succeed)
	FailAt int
}

// Simulate drives runID through the three pipeline phases, emitting log
// lines and progress, until the run ends or ctx is done
func (s *Server) Simulate(ctx context.Context, runID string, sim Simulation) error {
	if sim.Units <= 0 {
		sim.Units = 10
	}
	if sim.Interval <= 0 {
		sim.Interval = 500 * time.Millisecond
	}
	run, ok := s.Run(runID)
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	state := run.Meta.State

	step := func(lines ...string) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sim.Interval):
		}
		if r, ok := s.Run(runID); !ok || !r.Active() {
			return fmt.Errorf("run %s no longer active", runID)
		}
		for _, line := range lines {
			if err := s.Line(runID, line); err != nil {
				return err
			}
		}
		return nil
	}

	if err := step("[create-db] start "+state, "child pid started 4242"); err != nil {
		return err
	}
	if err := step("[create-db] done in 2s"); err != nil {
		return err
	}
	if err := step("Generating state JSON for " + state); err != nil {
		return err
	}
	if err := step(fmt.Sprintf("build json done (%d cities)", sim.Units)); err != nil {
		return err
	}
	if err := step("run state: " + state); err != nil {
		return err
	}

	totals := domain.Counts{All: sim.Units, Cities: sim.Units}
	for i := 1; i <= sim.Units; i++ {
		if err := step(fmt.Sprintf("processing city: %s-%d", state, i), fmt.Sprintf("created sub-account %s-%d", state, i)); err != nil {
			return err
		}
		if sim.FailAt > 0 && i == sim.FailAt {
			s.Line(runID, "run-delta error: upstream rejected the account")
			return s.Finish(runID, false, "run-delta failed")
		}
		s.Progress(runID, domain.ProgressPayload{
			Totals: totals,
			Done:   domain.Counts{All: i, Cities: i},
			Last:   fmt.Sprintf("%s-%d", state, i),
		})
	}
	return s.Finish(runID, true, "")
}
