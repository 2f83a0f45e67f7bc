// Package runs keeps the client-side view of backend runs and guards new
// starts against duplicate and per-state concurrent work.
package runs

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/provision-runner/internal/domain"
)

// Lister fetches the current run list from the backend
type Lister interface {
	ListRuns(ctx context.Context, limit int) ([]domain.Run, error)
}

// RegistryConfig configures a Registry
type RegistryConfig struct {
	Limit int
	// ActivePoll is the poll cadence while any run is active, IdlePoll otherwise.
	ActivePoll time.Duration
	IdlePoll   time.Duration
	// OnRefresh is called with the deduplicated runs after every successful refresh.
	OnRefresh func([]domain.Run)
	Logger    *slog.Logger
}

// Registry caches the backend run list, deduplicated by scope key
type Registry struct {
	lister Lister
	cfg    RegistryConfig

	mu        sync.RWMutex
	all       map[string]domain.Run
	deduped   []domain.Run
	refreshed time.Time

	kick chan struct{}
}

// NewRegistry creates a registry backed by lister
func NewRegistry(lister Lister, cfg RegistryConfig) *Registry {
	if cfg.Limit <= 0 {
		cfg.Limit = 50
	}
	if cfg.ActivePoll <= 0 {
		cfg.ActivePoll = 5 * time.Second
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		lister: lister,
		cfg:    cfg,
		all:    make(map[string]domain.Run),
		kick:   make(chan struct{}, 1),
	}
}

// Refresh replaces the cache with the backend's current run list
func (r *Registry) Refresh(ctx context.Context) error {
	list, err := r.lister.ListRuns(ctx, r.cfg.Limit)
	if err != nil {
		return err
	}
	r.Replace(list)
	return nil
}

// Replace installs list as the current snapshot
func (r *Registry) Replace(list []domain.Run) {
	all := make(map[string]domain.Run, len(list))
	for _, run := range list {
		all[run.ID] = run
	}

	r.mu.Lock()
	r.all = all
	r.deduped = dedupe(all)
	r.refreshed = time.Now()
	snapshot := append([]domain.Run(nil), r.deduped...)
	r.mu.Unlock()

	if r.cfg.OnRefresh != nil {
		r.cfg.OnRefresh(snapshot)
	}
}

// Track inserts or replaces a single run without a backend round trip, so a
// run started from this process is visible before the next poll.
func (r *Registry) Track(run domain.Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all[run.ID] = run
	r.deduped = dedupe(r.all)
}

// Runs returns the deduplicated runs, newest first
func (r *Registry) Runs() []domain.Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Run(nil), r.deduped...)
}

// Get returns a run by id, including runs hidden by deduplication
func (r *Registry) Get(id string) (domain.Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.all[id]
	return run, ok
}

// IsActive reports whether runID should still be treated as running. Runs
// the registry has never seen count as active.
func (r *Registry) IsActive(runID string) bool {
	run, ok := r.Get(runID)
	return !ok || run.Active()
}

// AnyActive reports whether any known run is still executing
func (r *Registry) AnyActive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, run := range r.all {
		if run.Active() {
			return true
		}
	}
	return false
}

// FindActive returns the active run with the given scope key
func (r *Registry) FindActive(key domain.ScopeKey) (domain.Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best domain.Run
	found := false
	for _, run := range r.all {
		if run.Active() && run.Key() == key && (!found || newer(run, best)) {
			best, found = run, true
		}
	}
	return best, found
}

// ByState returns every known run for a state, newest first
func (r *Registry) ByState(state string) []domain.Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Run
	for _, run := range r.all {
		if run.Meta.State == state {
			out = append(out, run)
		}
	}
	sortNewestFirst(out)
	return out
}

// LastRefresh returns when the cache was last replaced
func (r *Registry) LastRefresh() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refreshed
}

// PollInterval returns the cadence for the next poll: fast while anything
// is active, slow otherwise.
func (r *Registry) PollInterval() time.Duration {
	if r.AnyActive() {
		return r.cfg.ActivePoll
	}
	return r.cfg.IdlePoll
}

// Kick requests an immediate refresh from a running Poll loop
func (r *Registry) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Poll refreshes until ctx is done. Refresh errors are logged and retried
// at the next interval.
func (r *Registry) Poll(ctx context.Context) error {
	for {
		if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
			r.cfg.Logger.Warn("registry: refresh failed", "error", err)
		}

		timer := time.NewTimer(r.PollInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-r.kick:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// dedupe keeps one run per scope key: the active one if any, else the newest
func dedupe(all map[string]domain.Run) []domain.Run {
	byKey := make(map[domain.ScopeKey]domain.Run, len(all))
	for _, run := range all {
		key := run.Key()
		cur, ok := byKey[key]
		if !ok || preferred(run, cur) {
			byKey[key] = run
		}
	}
	out := make([]domain.Run, 0, len(byKey))
	for _, run := range byKey {
		out = append(out, run)
	}
	sortNewestFirst(out)
	return out
}

func preferred(a, b domain.Run) bool {
	if a.Active() != b.Active() {
		return a.Active()
	}
	return newer(a, b)
}

func newer(a, b domain.Run) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func sortNewestFirst(runs []domain.Run) {
	sort.Slice(runs, func(i, j int) bool { return newer(runs[i], runs[j]) })
}
