package botqueue

import (
	"errors"
	"fmt"
	"time"
)

// Stage names, in workflow order
const (
	StageBridgeCheck  = "bridge check"
	StageCustomValues = "custom values"
	StageDNSUpsert    = "dns upsert"
	StageLoadHeaders  = "load headers"
	StageBotRun       = "bot run"
	StageMarkComplete = "mark complete"
	StageDNSDelete    = "dns delete"
	StageVerify       = "post verify"
)

// ErrUserStop marks items skipped because the operator stopped the queue
var ErrUserStop = errors.New("stopped by user")

// ErrAlreadyRunning is returned when Run is called on a busy queue
var ErrAlreadyRunning = errors.New("queue is already running")

// AccountTimeoutError reports an item that ran out of its time budget
type AccountTimeoutError struct {
	Stage  string
	Budget time.Duration
}

func (e *AccountTimeoutError) Error() string {
	return fmt.Sprintf("Account timeout after %s at stage: %s", e.Budget, e.Stage)
}

// StageError tags a failure with the workflow stage it happened in
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
