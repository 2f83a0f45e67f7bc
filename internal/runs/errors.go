package runs

import (
	"fmt"
)

// TerminalRunError reports a run that ended unsuccessfully
type TerminalRunError struct {
	RunID    string
	ExitCode *int
	Message  string
}

func (e *TerminalRunError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "run failed"
	}
	if e.ExitCode != nil {
		return fmt.Sprintf("run %s: %s (exit code %d)", e.RunID, msg, *e.ExitCode)
	}
	return fmt.Sprintf("run %s: %s", e.RunID, msg)
}

// StateLockedError rejects a start because a stopped run still holds the
// state. Only an explicit rerun releases it.
type StateLockedError struct {
	State string
	RunID string
}

func (e *StateLockedError) Error() string {
	return fmt.Sprintf("state %s is locked by stopped run %s; request a rerun to start again", e.State, e.RunID)
}
