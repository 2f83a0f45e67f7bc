package botqueue

import (
	"fmt"
	"os"
	"strings"

	"github.com/hochfrequenz/provision-runner/internal/domain"
	"gopkg.in/yaml.v3"
)

// ItemsFile is the on-disk list of locations for a queue run
type ItemsFile struct {
	Kind string               `yaml:"kind"`
	Rows []domain.LocationRow `yaml:"rows"`
}

// LoadItemsFile reads a YAML items file
func LoadItemsFile(path string) (*ItemsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading items file: %w", err)
	}
	var f ItemsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing items file %s: %w", path, err)
	}
	return &f, nil
}

// OpenKeyer reports which locations have open ledger failures
type OpenKeyer interface {
	OpenKeys(kind string) (map[string]bool, error)
}

// ItemKey identifies a queue item
func ItemKey(kind, locID string) string {
	return kind + ":" + locID
}

// Build turns eligible rows into pending queue items. Rows that are not
// pending, lack a domain, repeat a location, or already have an open
// failure in the ledger are skipped. ledger may be nil.
func Build(rows []domain.LocationRow, kind string, ledger OpenKeyer) ([]domain.QueueItem, error) {
	open := map[string]bool{}
	if ledger != nil {
		keys, err := ledger.OpenKeys(kind)
		if err != nil {
			return nil, fmt.Errorf("reading open failures: %w", err)
		}
		open = keys
	}

	seen := make(map[string]bool, len(rows))
	var items []domain.QueueItem
	for _, row := range rows {
		locID := strings.TrimSpace(row.LocID)
		if locID == "" || !row.Pending() || strings.TrimSpace(row.DomainURL) == "" {
			continue
		}
		if seen[locID] || open[locID] {
			continue
		}
		seen[locID] = true
		items = append(items, domain.QueueItem{
			Key:           ItemKey(kind, locID),
			LocID:         locID,
			RowName:       row.RowName,
			DomainURL:     strings.TrimSpace(row.DomainURL),
			ActivationURL: row.ActivationURL,
			Status:        domain.ItemPending,
		})
	}
	return items, nil
}

// FromFailures builds a retry queue from ledger records
func FromFailures(records []*domain.FailureRecord) []domain.QueueItem {
	items := make([]domain.QueueItem, 0, len(records))
	for _, r := range records {
		items = append(items, domain.QueueItem{
			Key:           ItemKey(r.Kind, r.LocID),
			LocID:         r.LocID,
			RowName:       r.RowName,
			DomainURL:     r.DomainURL,
			ActivationURL: r.ActivationURL,
			Status:        domain.ItemPending,
		})
	}
	return items
}
