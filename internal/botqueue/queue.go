// Package botqueue drives the automation bridge over a list of locations,
// strictly one at a time, with a per-item time budget and a stop flag that
// is honored between items.
package botqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hochfrequenz/provision-runner/internal/bridge"
	"github.com/hochfrequenz/provision-runner/internal/domain"
	"github.com/hochfrequenz/provision-runner/internal/jobapi"
)

const (
	DefaultAccountTimeout = 35 * time.Minute
	MinAccountTimeout     = 5 * time.Minute
	MaxAccountTimeout     = 120 * time.Minute
	DefaultRequestCap     = 60 * time.Second
)

// ClampAccountTimeout bounds a budget in minutes to [5,120], mapping
// non-positive values to the default
func ClampAccountTimeout(minutes int) time.Duration {
	if minutes <= 0 {
		return DefaultAccountTimeout
	}
	d := time.Duration(minutes) * time.Minute
	if d < MinAccountTimeout {
		return MinAccountTimeout
	}
	if d > MaxAccountTimeout {
		return MaxAccountTimeout
	}
	return d
}

// Backend is the set of per-location mutation endpoints
type Backend interface {
	ApplyCustomValues(ctx context.Context, req jobapi.LocationRequest) error
	UpsertDNS(ctx context.Context, req jobapi.LocationRequest) error
	LoadHeaders(ctx context.Context, req jobapi.LocationRequest) (*domain.BotPayload, error)
	MarkComplete(ctx context.Context, req jobapi.LocationRequest) error
	DeleteDNS(ctx context.Context, req jobapi.LocationRequest) error
	Verify(ctx context.Context, req jobapi.LocationRequest) (*jobapi.VerifyResult, error)
}

// FailureSink records failures and clears them after a success
type FailureSink interface {
	Upsert(f domain.FailureRecord) (*domain.FailureRecord, error)
	ResolveFor(locID, kind string) (bool, error)
}

// Config configures a Queue
type Config struct {
	Kind string
	// Budget returns the per-item budget. It is read when each item starts,
	// so a reloaded config applies from the next item on.
	Budget        func() time.Duration
	RequestCap    time.Duration
	BridgeTimeout time.Duration
	// OnUpdate is called after every item status change
	OnUpdate func(domain.QueueItem)
	Now      func() time.Time
	Logger   *slog.Logger
}

// Summary counts item outcomes of one Run
type Summary struct {
	Done    int
	Failed  int
	Stopped int
	// UserStopped is set when Stop ended the run early
	UserStopped bool
}

// Queue processes items sequentially
type Queue struct {
	cfg     Config
	backend Backend
	bridge  bridge.Bridge
	ledger  FailureSink

	mu    sync.Mutex
	items []domain.QueueItem

	running atomic.Bool
	stop    atomic.Bool
}

// New creates a queue. ledger may be nil.
func New(cfg Config, backend Backend, br bridge.Bridge, ledger FailureSink) *Queue {
	if cfg.Budget == nil {
		cfg.Budget = func() time.Duration { return DefaultAccountTimeout }
	}
	if cfg.RequestCap <= 0 {
		cfg.RequestCap = DefaultRequestCap
	}
	if cfg.BridgeTimeout <= 0 {
		cfg.BridgeTimeout = bridge.DefaultRunTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{cfg: cfg, backend: backend, bridge: br, ledger: ledger}
}

// Stop asks the queue to finish the in-flight item and stop
func (q *Queue) Stop() {
	q.stop.Store(true)
}

// Running reports whether Run is in progress
func (q *Queue) Running() bool {
	return q.running.Load()
}

// Items returns a snapshot of the current items
func (q *Queue) Items() []domain.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.QueueItem(nil), q.items...)
}

// Run processes items one at a time until all are terminal, Stop is
// called, or ctx is done. Cancelling ctx abandons the in-flight item.
func (q *Queue) Run(ctx context.Context, items []domain.QueueItem) (Summary, error) {
	if !q.running.CompareAndSwap(false, true) {
		return Summary{}, ErrAlreadyRunning
	}
	defer q.running.Store(false)
	// a Stop that lands before Run must still stop this run
	defer q.stop.Store(false)

	q.mu.Lock()
	q.items = append([]domain.QueueItem(nil), items...)
	for i := range q.items {
		q.items[i].Status = domain.ItemPending
		q.items[i].Error = ""
		q.items[i].FailedStep = ""
	}
	q.mu.Unlock()

	var sum Summary
	for i := range items {
		if q.stop.Load() || ctx.Err() != nil {
			sum.UserStopped = q.stop.Load()
			sum.Stopped += q.stopRemaining(i)
			break
		}

		switch q.process(ctx, i) {
		case domain.ItemDone:
			sum.Done++
		case domain.ItemFailed:
			sum.Failed++
		case domain.ItemStopped:
			sum.Stopped++
		}
	}

	q.cfg.Logger.Info("queue: finished", "done", sum.Done, "failed", sum.Failed, "stopped", sum.Stopped)
	if err := ctx.Err(); err != nil && !sum.UserStopped {
		return sum, err
	}
	return sum, nil
}

func (q *Queue) stopRemaining(from int) int {
	q.mu.Lock()
	n := 0
	var changed []domain.QueueItem
	for i := from; i < len(q.items); i++ {
		if q.items[i].Status == domain.ItemPending {
			q.items[i].Status = domain.ItemStopped
			q.items[i].Error = ErrUserStop.Error()
			changed = append(changed, q.items[i])
			n++
		}
	}
	q.mu.Unlock()
	for _, it := range changed {
		q.notify(it)
	}
	return n
}

func (q *Queue) update(i int, fn func(*domain.QueueItem)) domain.QueueItem {
	q.mu.Lock()
	fn(&q.items[i])
	it := q.items[i]
	q.mu.Unlock()
	q.notify(it)
	return it
}

func (q *Queue) notify(it domain.QueueItem) {
	if q.cfg.OnUpdate != nil {
		q.cfg.OnUpdate(it)
	}
}

// process runs one item to a terminal status
func (q *Queue) process(ctx context.Context, i int) domain.ItemStatus {
	start := q.cfg.Now()
	item := q.update(i, func(it *domain.QueueItem) {
		it.Status = domain.ItemRunning
		it.StartedAt = &start
	})
	log := q.cfg.Logger.With("loc_id", item.LocID, "key", item.Key)
	log.Info("queue: item started", "domain", item.DomainURL)

	run := &itemRun{
		q:      q,
		item:   item,
		start:  start,
		budget: q.cfg.Budget(),
		req: jobapi.LocationRequest{
			LocID:     item.LocID,
			Kind:      q.cfg.Kind,
			DomainURL: item.DomainURL,
		},
	}
	err := run.execute(ctx)
	end := q.cfg.Now()

	if err == nil {
		q.update(i, func(it *domain.QueueItem) {
			it.Status = domain.ItemDone
			it.FinishedAt = &end
		})
		if q.ledger != nil {
			if resolved, lerr := q.ledger.ResolveFor(item.LocID, q.cfg.Kind); lerr != nil {
				log.Warn("queue: resolve ledger entry", "error", lerr)
			} else if resolved {
				log.Info("queue: previous failure resolved")
			}
		}
		log.Info("queue: item done", "elapsed", end.Sub(start))
		return domain.ItemDone
	}

	if ctx.Err() != nil {
		q.update(i, func(it *domain.QueueItem) {
			it.Status = domain.ItemStopped
			it.Error = ErrUserStop.Error()
			it.FinishedAt = &end
		})
		log.Info("queue: item abandoned", "error", err)
		return domain.ItemStopped
	}

	step := inferFailedStep(err.Error(), run.logs, run.stage)
	failed := q.update(i, func(it *domain.QueueItem) {
		it.Status = domain.ItemFailed
		it.Error = err.Error()
		it.FailedStep = step
		it.FinishedAt = &end
	})
	log.Warn("queue: item failed", "step", step, "error", err)

	if q.ledger != nil {
		activation := failed.ActivationURL
		if run.payload != nil && run.payload.ActivationURL != "" {
			activation = run.payload.ActivationURL
		}
		_, lerr := q.ledger.Upsert(domain.FailureRecord{
			Kind:          q.cfg.Kind,
			LocID:         failed.LocID,
			RowName:       failed.RowName,
			DomainURL:     failed.DomainURL,
			ActivationURL: activation,
			FailedStep:    step,
			ErrorMessage:  err.Error(),
			Logs:          run.logs,
		})
		if lerr != nil {
			log.Error("queue: record failure", "error", lerr)
		}
	}
	return domain.ItemFailed
}

// itemRun is the budget-tracked workflow of a single item
type itemRun struct {
	q       *Queue
	item    domain.QueueItem
	req     jobapi.LocationRequest
	start   time.Time
	budget  time.Duration
	stage   string
	logs    []string
	payload *domain.BotPayload
}

func (r *itemRun) logf(format string, args ...interface{}) {
	r.logs = append(r.logs, fmt.Sprintf(format, args...))
}

func (r *itemRun) execute(ctx context.Context) error {
	b := r.q.backend

	if err := r.step(ctx, StageBridgeCheck, r.q.cfg.RequestCap, func(ctx context.Context) error {
		return r.q.bridge.Ping(ctx)
	}); err != nil {
		return err
	}

	steps := []struct {
		stage string
		log   string
		fn    func(context.Context) error
	}{
		{StageCustomValues, "apply custom values", func(ctx context.Context) error {
			return b.ApplyCustomValues(ctx, r.req)
		}},
		{StageDNSUpsert, "upsert dns record for " + r.req.DomainURL, func(ctx context.Context) error {
			return b.UpsertDNS(ctx, r.req)
		}},
		{StageLoadHeaders, "load headers", func(ctx context.Context) error {
			p, err := b.LoadHeaders(ctx, r.req)
			if err != nil {
				return err
			}
			if p.ActivationURL == "" {
				p.ActivationURL = r.item.ActivationURL
			}
			if p.DomainToPaste == "" {
				p.DomainToPaste = r.req.DomainURL
			}
			r.payload = p
			return nil
		}},
	}
	for _, s := range steps {
		r.logf("%s", s.log)
		if err := r.step(ctx, s.stage, r.q.cfg.RequestCap, s.fn); err != nil {
			return err
		}
	}

	r.logf("run bot on %s", r.payload.ActivationURL)
	if err := r.step(ctx, StageBotRun, r.q.cfg.BridgeTimeout, func(ctx context.Context) error {
		// ctx already carries the tighter of the two deadlines
		res, err := r.q.bridge.Run(ctx, *r.payload, r.q.cfg.BridgeTimeout)
		if err != nil {
			return err
		}
		r.logs = append(r.logs, res.Logs...)
		if !res.OK {
			if res.Error == "" {
				return errors.New("bot reported failure")
			}
			return errors.New(res.Error)
		}
		return nil
	}); err != nil {
		return err
	}

	tail := []struct {
		stage string
		log   string
		fn    func(context.Context) error
	}{
		{StageMarkComplete, "mark complete", func(ctx context.Context) error {
			return b.MarkComplete(ctx, r.req)
		}},
		{StageDNSDelete, "delete temporary dns record", func(ctx context.Context) error {
			return b.DeleteDNS(ctx, r.req)
		}},
		{StageVerify, "verify " + r.req.DomainURL, func(ctx context.Context) error {
			res, err := b.Verify(ctx, r.req)
			if err != nil {
				return err
			}
			if !res.OK {
				return fmt.Errorf("verification failed: %s", res.Error)
			}
			return nil
		}},
	}
	for _, s := range tail {
		r.logf("%s", s.log)
		if err := r.step(ctx, s.stage, r.q.cfg.RequestCap, s.fn); err != nil {
			return err
		}
	}
	return nil
}

func (r *itemRun) remaining() time.Duration {
	return r.budget - r.q.cfg.Now().Sub(r.start)
}

// step runs fn with a timeout of min(limit, remaining budget) and converts
// a budget expiry into an AccountTimeoutError naming the stage
func (r *itemRun) step(ctx context.Context, stage string, limit time.Duration, fn func(context.Context) error) error {
	r.stage = stage
	remaining := r.remaining()
	if remaining <= 0 {
		return &AccountTimeoutError{Stage: stage, Budget: r.budget}
	}
	timeout := limit
	budgetBound := false
	if remaining <= timeout {
		timeout = remaining
		budgetBound = true
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(stepCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		if budgetBound || r.remaining() <= 0 {
			return &AccountTimeoutError{Stage: stage, Budget: r.budget}
		}
		return &StageError{Stage: stage, Err: fmt.Errorf("request timed out after %s: %w", timeout, err)}
	}
	return &StageError{Stage: stage, Err: err}
}
