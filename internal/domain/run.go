package domain

import (
	"fmt"
	"time"
)

// Meta is the scope metadata a run was started with
type Meta struct {
	TenantID string `json:"tenantId,omitempty"`
	Job      string `json:"job"`
	State    string `json:"state,omitempty"`
	LocID    string `json:"locId,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Mode     string `json:"mode,omitempty"`
	Debug    bool   `json:"debug,omitempty"`
}

// ScopeKey identifies "the same logical work". Two runs with equal keys are
// duplicates unless a rerun of a finished run was requested explicitly.
type ScopeKey struct {
	TenantID string
	Job      string
	State    string
	LocID    string
	Kind     string
}

// Key returns the scope key of the metadata
func (m Meta) Key() ScopeKey {
	return ScopeKey{
		TenantID: m.TenantID,
		Job:      m.Job,
		State:    m.State,
		LocID:    m.LocID,
		Kind:     m.Kind,
	}
}

// SingleLocation reports whether the job targets one location rather than a
// whole state. Only state-scoped jobs take the per-state lock.
func (m Meta) SingleLocation() bool {
	return m.LocID != ""
}

// String returns the canonical string representation
func (k ScopeKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", k.TenantID, k.Job, k.State, k.LocID, k.Kind)
}

// Counts is a per-granularity unit tally
type Counts struct {
	All      int `json:"all"`
	Counties int `json:"counties"`
	Cities   int `json:"cities"`
}

// ProgressPayload is the raw body of a progress event
type ProgressPayload struct {
	Totals Counts   `json:"totals"`
	Done   Counts   `json:"done"`
	Pct    *float64 `json:"pct,omitempty"`
	Last   string   `json:"last,omitempty"`
}

// Progress is derived from the latest progress payload. It is never
// authoritative and is recomputed from scratch on every payload.
type Progress struct {
	Pct         *float64  `json:"pct"`
	Done        Counts    `json:"done"`
	Total       Counts    `json:"total"`
	LastMessage string    `json:"lastMessage,omitempty"`
	ETASec      *float64  `json:"etaSec"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Run is the client-side cached copy of a backend run
type Run struct {
	ID         string           `json:"id"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
	Status     RunStatus        `json:"status"`
	Meta       Meta             `json:"meta"`
	LinesCount int              `json:"linesCount,omitempty"`
	LastLine   string           `json:"lastLine,omitempty"`
	Finished   bool             `json:"finished"`
	Stopped    bool             `json:"stopped"`
	ExitCode   *int             `json:"exitCode"`
	Error      string           `json:"error,omitempty"`
	Progress   *ProgressPayload `json:"progress,omitempty"`
}

// Active reports whether the run is still executing on the backend
func (r *Run) Active() bool {
	return r.Status == RunRunning && !r.Finished && !r.Stopped
}

// Key returns the run's scope key
func (r *Run) Key() ScopeKey {
	return r.Meta.Key()
}

// Event is one persisted run event as returned by the history endpoint
type Event struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	EventType string    `json:"eventType"`
	Message   string    `json:"message"`
}
