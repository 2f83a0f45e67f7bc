// Package sandbox is an in-memory job-control backend. It serves the same
// HTTP and SSE surface as the real service so the CLI and tests can run
// without one, and it can inject transient stream ends and dropped
// connections.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hochfrequenz/provision-runner/internal/domain"
)

type runState struct {
	run    domain.Run
	events []domain.Event
	// changed is closed and replaced whenever events are appended
	changed chan struct{}
	// transientEnds is how many upcoming stream connections get a
	// not_found end instead of events
	transientEnds int
}

// Server is the sandbox backend
type Server struct {
	mu     sync.Mutex
	runs   map[string]*runState
	nextID int
	nextEv int64
	rows   map[string][]domain.LocationRow
	// maxPerConn closes stream connections after that many events (0 = never)
	maxPerConn int

	// Heartbeat is the interval of __HB__ lines on idle streams
	Heartbeat time.Duration
	// AutoRun, when set, simulates every run started over HTTP
	AutoRun *Simulation
	Now     func() time.Time
	Logger  *slog.Logger
}

// New creates an empty sandbox
func New() *Server {
	return &Server{
		runs:      make(map[string]*runState),
		rows:      make(map[string][]domain.LocationRow),
		Heartbeat: 15 * time.Second,
		Now:       time.Now,
		Logger:    slog.Default(),
	}
}

// Handler returns the HTTP surface
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/run", s.handleStart)
	r.Get("/run", s.handleList)
	r.Delete("/run/{runID}", s.handleDelete)
	r.Get("/run/{runID}/events", s.handleEvents)
	r.Post("/stop/{runID}", s.handleStop)
	r.Get("/stream/{runID}", s.handleStream)

	r.Route("/domain-bot", func(r chi.Router) {
		r.Get("/pending", s.handlePending)
		r.Post("/custom-values", s.handleBotOK)
		r.Post("/dns", s.handleBotOK)
		r.Delete("/dns", s.handleBotOK)
		r.Post("/headers", s.handleHeaders)
		r.Post("/complete", s.handleComplete)
		r.Post("/verify", s.handleVerify)
	})
	return r
}

type startBody struct {
	Job             string `json:"job"`
	State           string `json:"state"`
	Mode            string `json:"mode"`
	Debug           bool   `json:"debug"`
	LocID           string `json:"locId"`
	Kind            string `json:"kind"`
	TenantID        string `json:"tenantId"`
	AllowConcurrent bool   `json:"allowConcurrent"`
	Rerun           bool   `json:"rerun"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body startBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Job == "" {
		writeError(w, http.StatusBadRequest, "job is required")
		return
	}
	meta := domain.Meta{
		TenantID: body.TenantID,
		Job:      body.Job,
		State:    body.State,
		LocID:    body.LocID,
		Kind:     body.Kind,
		Mode:     body.Mode,
		Debug:    body.Debug,
	}

	s.mu.Lock()
	if !body.AllowConcurrent {
		for _, st := range s.runs {
			if st.run.Active() && st.run.Key() == meta.Key() {
				id := st.run.ID
				s.mu.Unlock()
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusConflict)
				json.NewEncoder(w).Encode(map[string]string{"runId": id, "error": "run already active"})
				return
			}
		}
	}
	st := s.createLocked(meta)
	id := st.run.ID
	sync := body.Mode == "sync"
	if sync {
		s.appendLocked(st, "line", "sync run for "+body.State)
		s.finishLocked(st, true, "")
	}
	s.mu.Unlock()

	if sync {
		writeJSON(w, map[string]interface{}{
			"runId": id, "sync": true, "ok": true, "exitCode": 0,
			"logs": []string{"sync run for " + body.State},
		})
		return
	}
	if s.AutoRun != nil {
		go func() {
			if err := s.Simulate(context.Background(), id, *s.AutoRun); err != nil {
				s.logf("sandbox: simulation of %s ended: %v", id, err)
			}
		}()
	}
	writeJSON(w, map[string]string{"runId": id})
}

func (s *Server) createLocked(meta domain.Meta) *runState {
	s.nextID++
	now := s.Now()
	st := &runState{
		run: domain.Run{
			ID:        "r" + strconv.Itoa(s.nextID),
			CreatedAt: now,
			UpdatedAt: now,
			Status:    domain.RunRunning,
			Meta:      meta,
		},
		changed: make(chan struct{}),
	}
	s.runs[st.run.ID] = st
	return st
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenantId")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	s.mu.Lock()
	list := make([]domain.Run, 0, len(s.runs))
	for _, st := range s.runs {
		if tenant == "" || st.run.Meta.TenantID == tenant {
			list = append(list, st.run)
		}
	}
	s.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	writeJSON(w, map[string]interface{}{"runs": list})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	s.mu.Lock()
	st, ok := s.runs[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	wasActive := st.run.Active()
	if wasActive {
		st.run.Stopped = true
		st.run.Status = domain.RunStopped
		s.appendLocked(st, "end", `{"ok":false,"status":"stopped"}`)
	}
	s.mu.Unlock()
	writeJSON(w, map[string]bool{"ok": true, "forced": false})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	force := r.URL.Query().Get("forceStop") == "1"

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.runs[id]
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if st.run.Active() {
		if !force {
			writeError(w, http.StatusConflict, "run is active; pass forceStop=1")
			return
		}
		st.run.Stopped = true
		st.run.Status = domain.RunStopped
		s.appendLocked(st, "end", `{"ok":false,"status":"stopped"}`)
	}
	delete(s.runs, id)
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	after, _ := strconv.ParseInt(r.URL.Query().Get("afterId"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 500
	}

	s.mu.Lock()
	st, ok := s.runs[id]
	var out []domain.Event
	if ok {
		for _, ev := range st.events {
			if ev.ID > after && len(out) < limit {
				out = append(out, ev)
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, map[string]interface{}{"ok": true, "events": out})
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) logf(msg string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Debug(fmt.Sprintf(msg, args...))
	}
}
