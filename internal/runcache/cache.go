// Package runcache keeps a local SQLite copy of the run list and of fetched
// run events, so history can be read offline and paging resumes after the
// newest cached event.
package runcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hochfrequenz/provision-runner/internal/domain"
	"github.com/hochfrequenz/provision-runner/internal/history"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run is not cached
var ErrNotFound = errors.New("run not cached")

// Cache is the SQLite-backed run cache
type Cache struct {
	db  *sql.DB
	Now func() time.Time
}

// New opens (or creates) the cache at dbPath
func New(dbPath string) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Cache{db: db, Now: time.Now}, nil
}

// Close closes the database connection
func (c *Cache) Close() error {
	return c.db.Close()
}

// SaveRuns stores a registry snapshot, replacing cached copies of the same runs
func (c *Cache) SaveRuns(list []domain.Run) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO runs (id, tenant_id, state, status, created_at, data, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data,
			cached_at = excluded.cached_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := c.Now().UTC()
	for _, run := range list {
		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("encode run %s: %w", run.ID, err)
		}
		if _, err := stmt.Exec(run.ID, run.Meta.TenantID, run.Meta.State, string(run.Status), run.CreatedAt.UTC(), string(data), now); err != nil {
			return fmt.Errorf("save run %s: %w", run.ID, err)
		}
	}
	return tx.Commit()
}

// Runs returns up to limit cached runs, newest first
func (c *Cache) Runs(limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.Query(`SELECT data FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Run
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var run domain.Run
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, fmt.Errorf("decode cached run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Run returns one cached run
func (c *Cache) Run(id string) (domain.Run, error) {
	var data string
	err := c.db.QueryRow(`SELECT data FROM runs WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return domain.Run{}, ErrNotFound
	}
	if err != nil {
		return domain.Run{}, err
	}
	var run domain.Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return domain.Run{}, fmt.Errorf("decode cached run %s: %w", id, err)
	}
	return run, nil
}

// DeleteRun drops a run and its events
func (c *Cache) DeleteRun(id string) error {
	if _, err := c.db.Exec(`DELETE FROM run_events WHERE run_id = ?`, id); err != nil {
		return err
	}
	_, err := c.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
	return err
}

// AppendEvents stores events, ignoring ids already cached. It returns the
// number of new rows.
func (c *Cache) AppendEvents(runID string, events []domain.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := c.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO run_events (run_id, id, created_at, event_type, message) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	added := 0
	for _, ev := range events {
		res, err := stmt.Exec(runID, ev.ID, ev.CreatedAt.UTC(), ev.EventType, ev.Message)
		if err != nil {
			return 0, fmt.Errorf("cache event %d of %s: %w", ev.ID, runID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	return added, tx.Commit()
}

// Events returns cached events with id > afterID in ascending order
func (c *Cache) Events(runID string, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = history.DefaultPageSize
	}
	rows, err := c.db.Query(`
		SELECT id, created_at, event_type, message FROM run_events
		WHERE run_id = ? AND id > ?
		ORDER BY id ASC LIMIT ?
	`, runID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		var created sql.NullTime
		if err := rows.Scan(&ev.ID, &created, &ev.EventType, &ev.Message); err != nil {
			return nil, err
		}
		if created.Valid {
			ev.CreatedAt = created.Time
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastEventID returns the highest cached event id of a run, or 0
func (c *Cache) LastEventID(runID string) (int64, error) {
	var id sql.NullInt64
	if err := c.db.QueryRow(`SELECT MAX(id) FROM run_events WHERE run_id = ?`, runID).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// Source serves history pages from the cache and fetches what is missing
// from Remote, caching it on the way. When Remote fails, cached events are
// still returned so history works offline.
type Source struct {
	Cache  *Cache
	Remote history.Source
	Logger *slog.Logger
}

// Events implements history.Source
func (s *Source) Events(ctx context.Context, runID string, afterID int64, limit int) ([]domain.Event, error) {
	cached, err := s.Cache.Events(runID, afterID, limit)
	if err != nil {
		return nil, err
	}
	if len(cached) >= limit || s.Remote == nil {
		return cached, nil
	}

	from := afterID
	if len(cached) > 0 {
		from = cached[len(cached)-1].ID
	}
	fresh, err := s.Remote.Events(ctx, runID, from, limit-len(cached))
	if err != nil {
		if len(cached) > 0 {
			s.logger().Warn("runcache: remote history failed, serving cache", "run_id", runID, "error", err)
			return cached, nil
		}
		return nil, err
	}
	if _, err := s.Cache.AppendEvents(runID, fresh); err != nil {
		s.logger().Warn("runcache: caching events failed", "run_id", runID, "error", err)
	}
	return append(cached, fresh...), nil
}

func (s *Source) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
