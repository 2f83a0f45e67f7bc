package history

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/hochfrequenz/provision-runner/internal/domain"
	"github.com/hochfrequenz/provision-runner/internal/phase"
)

// noisePrefixes are backend-internal lines that never reach a reader
var noisePrefixes = []string{
	"__HB__",
	"__PROGRESS__",
	"[pid",
	"pid:",
	"child pid",
	"heartbeat",
}

// IsNoise reports whether a line is a heartbeat, pid marker or raw
// progress-channel payload
func IsNoise(line string) bool {
	t := strings.ToLower(strings.TrimSpace(line))
	if t == "" {
		return true
	}
	for _, p := range noisePrefixes {
		if strings.HasPrefix(t, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// MilestoneKind groups milestones for display
type MilestoneKind string

const (
	KindPhase     MilestoneKind = "phase"
	KindLocation  MilestoneKind = "location"
	KindAccount   MilestoneKind = "account"
	KindRowUpdate MilestoneKind = "row-update"
	KindSkipped   MilestoneKind = "skipped"
	KindResumed   MilestoneKind = "resumed"
	KindError     MilestoneKind = "error"
	KindSucceeded MilestoneKind = "succeeded"
	KindFailed    MilestoneKind = "failed"
)

// Milestone is one human-readable step in a run's timeline
type Milestone struct {
	EventID int64
	At      time.Time
	Kind    MilestoneKind
	Text    string
}

// Counters are tallies accumulated independently of milestones
type Counters struct {
	CreatedAccounts int `json:"createdAccounts"`
	UpdatedRows     int `json:"updatedRows"`
	SkippedTrue     int `json:"skippedTrue"`
	ResumedItems    int `json:"resumedItems"`
	Errors          int `json:"errors"`
}

// Summary is the digest of a run's history
type Summary struct {
	Milestones []Milestone
	Counters   Counters
	Phases     phase.Trace
	// Outcome is "succeeded", "failed" or empty while the run has no end event.
	Outcome MilestoneKind
}

var (
	reLocation = regexp.MustCompile(`(?i)\bprocessing\s+(city|county)\b[\s:=-]*(.*)$`)
	reAccount  = regexp.MustCompile(`(?i)\bcreated\s+(sub[- ]?)?account\b[\s:=-]*(.*)$`)
	reRow      = regexp.MustCompile(`(?i)(\bupdated\s+row\b|\brow\s+updated\b)[\s:=-]*(.*)$`)
	reSkipped  = regexp.MustCompile(`(?i)\bskip(ped|ping)?\b.*\balready\s+true\b`)
	reResumed  = regexp.MustCompile(`(?i)\bresum(e|ed|ing)\b`)
	reErrorish = regexp.MustCompile(`(?i)\b(error|failed|fatal)\b`)
)

type lineRule struct {
	match   *regexp.Regexp
	kind    MilestoneKind
	count   func(c *Counters)
	caption func(m []string, line string) string
}

// lineRules are tried in order; the first match decides the milestone
var lineRules = []lineRule{
	{match: reLocation, kind: KindLocation, caption: func(m []string, _ string) string {
		return "Processing " + strings.ToLower(m[1]) + " " + strings.TrimSpace(m[2])
	}},
	{match: reAccount, kind: KindAccount, count: func(c *Counters) { c.CreatedAccounts++ }, caption: func(m []string, _ string) string {
		return strings.TrimSpace("Created account " + strings.TrimSpace(m[2]))
	}},
	{match: reSkipped, kind: KindSkipped, count: func(c *Counters) { c.SkippedTrue++ }},
	{match: reRow, kind: KindRowUpdate, count: func(c *Counters) { c.UpdatedRows++ }, caption: func(m []string, _ string) string {
		return strings.TrimSpace("Updated row " + strings.TrimSpace(m[2]))
	}},
	{match: reResumed, kind: KindResumed, count: func(c *Counters) { c.ResumedItems++ }},
	{match: reErrorish, kind: KindError, count: func(c *Counters) { c.Errors++ }},
}

var phaseCaptions = map[phase.Status]string{
	phase.Running: "started",
	phase.Done:    "finished",
	phase.Error:   "failed",
}

// Summarize replays events into milestones and counters. Phase transitions
// are derived from every line, including noise, so markers like
// "child pid started" still move the pipeline.
func Summarize(events []domain.Event) Summary {
	s := Summary{Phases: phase.New()}
	for _, ev := range events {
		switch ev.EventType {
		case "end":
			s.end(ev)
			continue
		case "progress":
			continue
		}

		next := phase.Apply(s.Phases, ev.Message)
		for n := phase.CreateDB; n <= phase.RunDelta; n++ {
			if st := next.Get(n); st != s.Phases.Get(n) {
				if caption, ok := phaseCaptions[st]; ok {
					s.add(ev, KindPhase, n.String()+" "+caption)
				}
			}
		}
		s.Phases = next

		if IsNoise(ev.Message) {
			continue
		}
		line := strings.TrimSpace(ev.Message)
		for _, r := range lineRules {
			m := r.match.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			if r.count != nil {
				r.count(&s.Counters)
			}
			text := line
			if r.caption != nil {
				text = r.caption(m, line)
			}
			s.add(ev, r.kind, text)
			break
		}
	}
	return s
}

func (s *Summary) end(ev domain.Event) {
	var payload struct {
		OK    *bool  `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(ev.Message), &payload); err != nil || payload.OK == nil {
		// Transient or unreadable end markers are not outcomes.
		return
	}
	if *payload.OK {
		s.Outcome = KindSucceeded
		s.Phases = phase.Finish(s.Phases, true)
		s.add(ev, KindSucceeded, "Run finished successfully")
		return
	}
	s.Outcome = KindFailed
	s.Phases = phase.Finish(s.Phases, false)
	text := "Run failed"
	if payload.Error != "" {
		text += ": " + payload.Error
	}
	s.add(ev, KindFailed, text)
}

func (s *Summary) add(ev domain.Event, kind MilestoneKind, text string) {
	s.Milestones = append(s.Milestones, Milestone{EventID: ev.ID, At: ev.CreatedAt, Kind: kind, Text: text})
}
