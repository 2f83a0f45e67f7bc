// Package phase infers the three-stage pipeline status of a provisioning
// run (createDb -> createJson -> runDelta) from its free-text log lines.
//
// The classification is a heuristic over backend output. It lives behind an
// ordered rule table so it can be swapped once the backend emits structured
// phase markers.
package phase

import (
	"regexp"
	"strings"
)

// Status is the state of one pipeline phase
type Status string

const (
	Pending Status = "pending"
	Running Status = "running"
	Done    Status = "done"
	Error   Status = "error"
)

// Name identifies a pipeline phase
type Name int

const (
	CreateDB Name = iota
	CreateJSON
	RunDelta
	numPhases
)

var names = [numPhases]string{"createDb", "createJson", "runDelta"}

func (n Name) String() string {
	if n < 0 || n >= numPhases {
		return "unknown"
	}
	return names[n]
}

// Trace is the status of every phase of one run
type Trace struct {
	CreateDB   Status `json:"createDb"`
	CreateJSON Status `json:"createJson"`
	RunDelta   Status `json:"runDelta"`
}

// New returns a trace with every phase pending
func New() Trace {
	return Trace{CreateDB: Pending, CreateJSON: Pending, RunDelta: Pending}
}

// Get returns the status of phase n
func (t Trace) Get(n Name) Status {
	switch n {
	case CreateDB:
		return t.CreateDB
	case CreateJSON:
		return t.CreateJSON
	case RunDelta:
		return t.RunDelta
	}
	return ""
}

func (t *Trace) set(n Name, s Status) {
	switch n {
	case CreateDB:
		t.CreateDB = s
	case CreateJSON:
		t.CreateJSON = s
	case RunDelta:
		t.RunDelta = s
	}
}

// Current returns the running phase, if any
func (t Trace) Current() (Name, bool) {
	for n := CreateDB; n < numPhases; n++ {
		if t.Get(n) == Running {
			return n, true
		}
	}
	return 0, false
}

var (
	reDBFailed    = regexp.MustCompile(`(?i)create[-_ ]?db\b.*\b(fail(ed|ure)?|error)\b`)
	reJSONFailed  = regexp.MustCompile(`(?i)(build|generat\w*)( state)? json\b.*\b(fail(ed|ure)?|error)\b`)
	reDeltaFailed = regexp.MustCompile(`(?i)(run[-_ ]?delta|delta run)\b.*\b(fail(ed|ure)?|error)\b`)

	reDBStart   = regexp.MustCompile(`(?i)create[-_ ]?db\b.*\b(start(ing|ed)?|begin(ning)?)\b`)
	reDBDone    = regexp.MustCompile(`(?i)create[-_ ]?db\b.*\b(done|complete[d]?|finished)\b`)
	reJSONStart = regexp.MustCompile(`(?i)generating state json`)
	reJSONDone  = regexp.MustCompile(`(?i)build json done`)
	reDeltaRun  = regexp.MustCompile(`(?i)(child pid started|phase:\s*init|run state:)`)

	reFatal = regexp.MustCompile(`(?i)(\bfatal\b|exit(ed)?( with)? code[ :=]+-?[1-9]\d*|child (process )?(close[d]?|exit(ed)?)\b.*code[ :=]+-?[1-9]\d*)`)
)

// rule is one row of the classification table. apply receives the trace and
// a guard that only lets the first matching rule update each phase.
type rule struct {
	name  string
	match *regexp.Regexp
	apply func(t *Trace, u *updater)
}

type updater struct {
	t       *Trace
	touched [numPhases]bool
}

// set updates phase n unless an earlier rule already did so for this line
func (u *updater) set(n Name, s Status) {
	if u.touched[n] {
		return
	}
	u.touched[n] = true
	u.t.set(n, s)
}

// advance moves n to s without ever leaving Done
func (u *updater) advance(n Name, s Status) {
	if u.t.Get(n) == Done {
		u.touched[n] = true
		return
	}
	u.set(n, s)
}

func failRule(name string, re *regexp.Regexp, n Name) rule {
	return rule{name: name, match: re, apply: func(t *Trace, u *updater) {
		u.advance(n, Error)
	}}
}

// rules are evaluated in order against every line. Explicit failure
// markers come first since failure lines usually repeat the phase's start
// wording ("create-db start failed").
var rules = []rule{
	failRule("create-db failed", reDBFailed, CreateDB),
	failRule("build json failed", reJSONFailed, CreateJSON),
	failRule("run delta failed", reDeltaFailed, RunDelta),
	{name: "create-db start", match: reDBStart, apply: func(t *Trace, u *updater) {
		u.advance(CreateDB, Running)
		for _, n := range []Name{CreateJSON, RunDelta} {
			if t.Get(n) == Running {
				u.set(n, Pending)
			}
		}
	}},
	{name: "create-db done", match: reDBDone, apply: func(t *Trace, u *updater) {
		u.set(CreateDB, Done)
	}},
	{name: "generating state json", match: reJSONStart, apply: func(t *Trace, u *updater) {
		u.set(CreateDB, Done)
		u.advance(CreateJSON, Running)
	}},
	{name: "build json done", match: reJSONDone, apply: func(t *Trace, u *updater) {
		u.set(CreateDB, Done)
		u.set(CreateJSON, Done)
	}},
	{name: "delta started", match: reDeltaRun, apply: func(t *Trace, u *updater) {
		u.set(CreateDB, Done)
		u.set(CreateJSON, Done)
		u.advance(RunDelta, Running)
	}},
	{name: "fatal", match: reFatal, apply: func(t *Trace, u *updater) {
		u.advance(failureTarget(*t), Error)
	}},
}

// failureTarget picks the phase a bare fatal signal belongs to
func failureTarget(t Trace) Name {
	if n, ok := t.Current(); ok {
		return n
	}
	if t.CreateDB == Done && t.CreateJSON == Done {
		return RunDelta
	}
	for n := CreateDB; n < numPhases; n++ {
		if t.Get(n) != Done {
			return n
		}
	}
	return RunDelta
}

// Apply returns the trace after observing one log line. It is pure: the
// input trace is not modified.
func Apply(t Trace, line string) Trace {
	line = strings.TrimSpace(line)
	if line == "" {
		return t
	}
	next := t
	u := &updater{t: &next}
	for _, r := range rules {
		if r.match.MatchString(line) {
			r.apply(&next, u)
		}
	}
	return next
}

// Replay folds Apply over lines in arrival order, starting from New()
func Replay(lines []string) Trace {
	t := New()
	for _, l := range lines {
		t = Apply(t, l)
	}
	return t
}

// Finish settles the trace when the run reports a terminal result. On
// success every started phase is done; on failure the running phase (or
// the phase a bare fatal would target) becomes an error.
func Finish(t Trace, ok bool) Trace {
	if !ok {
		if t.CreateDB == Error || t.CreateJSON == Error || t.RunDelta == Error {
			return t
		}
		t.set(failureTarget(t), Error)
		return t
	}
	for n := CreateDB; n < numPhases; n++ {
		if t.Get(n) == Running {
			t.set(n, Done)
		}
	}
	return t
}
