// Package history pages through a run's persisted events and turns them
// into a milestone timeline.
package history

import (
	"context"
	"fmt"
	"sort"

	"github.com/hochfrequenz/provision-runner/internal/domain"
)

const (
	DefaultPageSize = 500
	DefaultCap      = 5000
)

// Source returns persisted events with id > afterID
type Source interface {
	Events(ctx context.Context, runID string, afterID int64, limit int) ([]domain.Event, error)
}

// Reader fetches a run's event history page by page
type Reader struct {
	src      Source
	pageSize int
}

// NewReader creates a reader. pageSize <= 0 uses DefaultPageSize.
func NewReader(src Source, pageSize int) *Reader {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Reader{src: src, pageSize: pageSize}
}

// Fetch returns one page of events after afterID in ascending id order
func (r *Reader) Fetch(ctx context.Context, runID string, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = r.pageSize
	}
	events, err := r.src.Events(ctx, runID, afterID, limit)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

// LoadAll pages from buf's last id until the backend has nothing newer and
// merges every page into buf. It returns the number of events added.
func (r *Reader) LoadAll(ctx context.Context, runID string, buf *Buffer) (int, error) {
	added := 0
	for {
		after := buf.Last()
		page, err := r.Fetch(ctx, runID, after, r.pageSize)
		if err != nil {
			return added, fmt.Errorf("load history for %s after %d: %w", runID, after, err)
		}
		added += buf.Merge(page)

		if len(page) < r.pageSize {
			return added, nil
		}
		// A full page that does not move the cursor would loop forever.
		if buf.Last() <= after {
			return added, nil
		}
	}
}
