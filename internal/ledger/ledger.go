// Package ledger persists domain-bot failures for operator triage. Records
// are keyed by (locId, kind), change status but are never deleted.
package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/provision-runner/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no record has the requested id
var ErrNotFound = errors.New("failure record not found")

// Ledger provides SQLite-backed failure records
type Ledger struct {
	db *sql.DB
	// Now is the clock used for timestamps
	Now func() time.Time
}

// New opens (or creates) the ledger at dbPath
func New(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Ledger{db: db, Now: time.Now}, nil
}

// Close closes the database connection
func (l *Ledger) Close() error {
	return l.db.Close()
}

const columns = `id, kind, loc_id, row_name, domain_url, activation_url, failed_step, error_message, logs, fail_count, status, last_seen_at, updated_at`

// Upsert records a failure. An existing record for the same (locId, kind)
// has its count incremented and is reopened if it was resolved or ignored.
func (l *Ledger) Upsert(f domain.FailureRecord) (*domain.FailureRecord, error) {
	if f.LocID == "" || f.Kind == "" {
		return nil, fmt.Errorf("upsert failure: locId and kind are required")
	}
	logsJSON, err := json.Marshal(f.Logs)
	if err != nil {
		return nil, err
	}
	now := l.Now().UTC()

	_, err = l.db.Exec(`
		INSERT INTO failures (kind, loc_id, row_name, domain_url, activation_url, failed_step, error_message, logs, fail_count, status, last_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, 'open', ?, ?)
		ON CONFLICT(loc_id, kind) DO UPDATE SET
			row_name = excluded.row_name,
			domain_url = excluded.domain_url,
			activation_url = excluded.activation_url,
			failed_step = excluded.failed_step,
			error_message = excluded.error_message,
			logs = excluded.logs,
			fail_count = failures.fail_count + 1,
			status = 'open',
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at
	`,
		f.Kind,
		f.LocID,
		f.RowName,
		f.DomainURL,
		f.ActivationURL,
		f.FailedStep,
		f.ErrorMessage,
		string(logsJSON),
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert failure %s/%s: %w", f.Kind, f.LocID, err)
	}
	return l.find(f.LocID, f.Kind)
}

// Get returns a record by id
func (l *Ledger) Get(id int64) (*domain.FailureRecord, error) {
	row := l.db.QueryRow(`SELECT `+columns+` FROM failures WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return rec, err
}

func (l *Ledger) find(locID, kind string) (*domain.FailureRecord, error) {
	row := l.db.QueryRow(`SELECT `+columns+` FROM failures WHERE loc_id = ? AND kind = ?`, locID, kind)
	return scanRecord(row)
}

// Resolve marks a record resolved
func (l *Ledger) Resolve(id int64) error {
	return l.setStatus(id, domain.FailureResolved)
}

// Ignore marks a record ignored
func (l *Ledger) Ignore(id int64) error {
	return l.setStatus(id, domain.FailureIgnored)
}

// Reopen marks a record open again
func (l *Ledger) Reopen(id int64) error {
	return l.setStatus(id, domain.FailureOpen)
}

func (l *Ledger) setStatus(id int64, status domain.FailureStatus) error {
	res, err := l.db.Exec(`UPDATE failures SET status = ?, updated_at = ? WHERE id = ?`, string(status), l.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// ResolveFor resolves the record for (locId, kind) after a confirmed
// success. It reports whether a record changed.
func (l *Ledger) ResolveFor(locID, kind string) (bool, error) {
	res, err := l.db.Exec(`
		UPDATE failures SET status = 'resolved', updated_at = ?
		WHERE loc_id = ? AND kind = ? AND status != 'resolved'
	`, l.Now().UTC(), locID, kind)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// List returns records filtered by status and kind, most recently updated
// first. Empty filters match everything.
func (l *Ledger) List(status domain.FailureStatus, kind string) ([]*domain.FailureRecord, error) {
	query := `SELECT ` + columns + ` FROM failures WHERE 1=1`
	var args []interface{}

	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY updated_at DESC, id DESC"

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.FailureRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OpenKeys returns the locIds of open records for kind
func (l *Ledger) OpenKeys(kind string) (map[string]bool, error) {
	rows, err := l.db.Query(`SELECT loc_id FROM failures WHERE status = 'open' AND kind = ?`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var locID string
		if err := rows.Scan(&locID); err != nil {
			return nil, err
		}
		keys[locID] = true
	}
	return keys, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*domain.FailureRecord, error) {
	var rec domain.FailureRecord
	var rowName, domainURL, activationURL, failedStep, errMsg, logsJSON sql.NullString
	var status string

	err := s.Scan(&rec.ID, &rec.Kind, &rec.LocID, &rowName, &domainURL, &activationURL, &failedStep, &errMsg, &logsJSON, &rec.FailCount, &status, &rec.LastSeenAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rec.RowName = rowName.String
	rec.DomainURL = domainURL.String
	rec.ActivationURL = activationURL.String
	rec.FailedStep = failedStep.String
	rec.ErrorMessage = errMsg.String
	rec.Status = domain.FailureStatus(status)

	if logsJSON.Valid && logsJSON.String != "" && logsJSON.String != "null" {
		if err := json.Unmarshal([]byte(logsJSON.String), &rec.Logs); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}
