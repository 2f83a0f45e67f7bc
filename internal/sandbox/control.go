package sandbox

import (
	"encoding/json"
	"fmt"

	"github.com/hochfrequenz/provision-runner/internal/domain"
)

// Start creates a running run directly, bypassing HTTP
func (s *Server) Start(meta domain.Meta) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(meta).run.ID
}

// Line appends a log line to a run
func (s *Server) Line(runID, text string) error {
	return s.append(runID, "line", text)
}

// Progress appends a progress event
func (s *Server) Progress(runID string, p domain.ProgressPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	st.run.Progress = &p
	s.appendLocked(st, "progress", string(data))
	return nil
}

// Finish ends a run with a terminal end event
func (s *Server) Finish(runID string, ok bool, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, found := s.runs[runID]
	if !found {
		return fmt.Errorf("run %s not found", runID)
	}
	s.finishLocked(st, ok, errMsg)
	return nil
}

// FinishRaw ends a run with status and writes payload verbatim as the end
// event, for backends that report outcomes without an ok flag
func (s *Server) FinishRaw(runID string, status domain.RunStatus, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, found := s.runs[runID]
	if !found {
		return fmt.Errorf("run %s not found", runID)
	}
	st.run.Finished = true
	st.run.Status = status
	s.appendLocked(st, "end", payload)
	return nil
}

// InjectTransientEnd makes the next n stream connections for runID end
// with {"reason":"not_found"} while the run keeps going
func (s *Server) InjectTransientEnd(runID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.runs[runID]; ok {
		st.transientEnds += n
	}
}

// DropConnectionsAfter closes every stream connection after n events
func (s *Server) DropConnectionsAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxPerConn = n
}

// SetRows installs the pending domain-bot rows for kind
func (s *Server) SetRows(kind string, rows []domain.LocationRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[kind] = append([]domain.LocationRow(nil), rows...)
}

// Run returns a copy of a run
func (s *Server) Run(runID string) (domain.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.runs[runID]
	if !ok {
		return domain.Run{}, false
	}
	return st.run, true
}

func (s *Server) append(runID, eventType, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	s.appendLocked(st, eventType, message)
	return nil
}

func (s *Server) appendLocked(st *runState, eventType, message string) {
	s.nextEv++
	now := s.Now()
	st.events = append(st.events, domain.Event{ID: s.nextEv, CreatedAt: now, EventType: eventType, Message: message})
	st.run.UpdatedAt = now
	if eventType == "line" {
		st.run.LinesCount++
		st.run.LastLine = message
	}
	close(st.changed)
	st.changed = make(chan struct{})
}

func (s *Server) finishLocked(st *runState, ok bool, errMsg string) {
	code := 0
	st.run.Finished = true
	if ok {
		st.run.Status = domain.RunDone
	} else {
		code = 1
		st.run.Status = domain.RunError
		st.run.Error = errMsg
	}
	st.run.ExitCode = &code
	end, _ := json.Marshal(map[string]interface{}{"ok": ok, "error": errMsg, "exitCode": code})
	s.appendLocked(st, "end", string(end))
}
