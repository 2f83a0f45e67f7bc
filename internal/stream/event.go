// Package stream attaches to a run's live server-sent event stream and keeps
// it attached across disconnects, resuming from the last durable event id.
package stream

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/hochfrequenz/provision-runner/internal/domain"
)

// EventType names the events delivered to consumers
type EventType string

const (
	EventHello     EventType = "hello"
	EventLine      EventType = "line"
	EventProgress  EventType = "progress"
	EventEnd       EventType = "end"
	EventReconnect EventType = "reconnect"
)

// Sentinels the backend writes into the line channel
const (
	HeartbeatLine      = "__HB__"
	ProgressLinePrefix = "__PROGRESS__"
)

// ErrTransientEnd marks an end event that only means "try again later"
var ErrTransientEnd = errors.New("stream: transient end")

// Event is one delivered stream event
type Event struct {
	Type     EventType
	ID       int64
	Data     string
	Progress *domain.ProgressPayload
	End      *End
	// Attempt is the reconnect attempt number for EventReconnect
	Attempt int
}

// End is the payload of an end event
type End struct {
	OK       *bool  `json:"ok,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Status   string `json:"status,omitempty"`
	Source   string `json:"source,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	// Transient is set when the stream gave up on an end that was still
	// classified transient because the run was no longer considered active.
	Transient bool `json:"-"`
}

// EndKind classifies an end event
type EndKind int

const (
	EndTerminal EndKind = iota
	EndTransient
)

// transientReasons, transientStatuses and transientSources enumerate the
// backend strings that mean the run is still going or its state could not
// be read. They are matched only when the payload has no durable ok flag.
var (
	transientReasons  = map[string]bool{"not_found": true}
	transientStatuses = map[string]bool{"running": true}
	transientSources  = map[string]bool{"db_error": true}
)

// ClassifyEnd decides whether an end event is a genuine completion
func ClassifyEnd(e End) EndKind {
	if e.OK != nil {
		return EndTerminal
	}
	if transientReasons[strings.ToLower(e.Reason)] ||
		transientStatuses[strings.ToLower(e.Status)] ||
		transientSources[strings.ToLower(e.Source)] {
		return EndTransient
	}
	return EndTerminal
}

// Succeeded reports whether a terminal end describes a successful run
func (e End) Succeeded() bool {
	return e.OK != nil && *e.OK
}

// RunStatus maps a terminal end payload onto a run status
func (e End) RunStatus() domain.RunStatus {
	switch {
	case strings.EqualFold(e.Status, string(domain.RunStopped)) || strings.EqualFold(e.Reason, "stopped"):
		return domain.RunStopped
	case e.Succeeded():
		return domain.RunDone
	case e.OK == nil && e.Error == "" && strings.EqualFold(e.Status, string(domain.RunDone)):
		return domain.RunDone
	default:
		return domain.RunError
	}
}

func parseEnd(data string) End {
	var e End
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		e.Error = strings.TrimSpace(data)
	}
	return e
}

func parseProgress(data string) (*domain.ProgressPayload, error) {
	var p domain.ProgressPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, err
	}
	return &p, nil
}
