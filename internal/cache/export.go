package cache

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExportVersion is the current bulk document format version.
const ExportVersion = 1

// ExportDoc is the bulk export/import format: the full cache as one JSON
// document, suitable for moving analysis state between machines.
type ExportDoc struct {
	ID         string    `json:"id"`
	Version    int       `json:"version"`
	ExportDate time.Time `json:"export_date"`
	Entries    []Entry   `json:"entries"`
}

// Export snapshots every stored entry into a bulk document.
func (s *Store) Export() (ExportDoc, error) {
	entries, err := s.List()
	if err != nil {
		return ExportDoc{}, fmt.Errorf("listing entries: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return ExportDoc{
		ID:         uuid.New().String(),
		Version:    ExportVersion,
		ExportDate: time.Now().UTC(),
		Entries:    entries,
	}, nil
}

// Import merges the document into the store key-by-key using the same
// content-over-placeholder policy as regular saves. Returns the number of
// entries applied.
func (s *Store) Import(doc ExportDoc) (int, error) {
	if doc.Version > ExportVersion {
		return 0, fmt.Errorf("unsupported export version %d (newest known is %d)", doc.Version, ExportVersion)
	}

	applied := 0
	for _, incoming := range doc.Entries {
		if incoming.SourceURL == "" {
			continue
		}
		merged := incoming
		if existing, err := s.Get(incoming.SourceURL); err == nil {
			merged = Merge(existing, incoming)
		}
		if err := s.Put(merged); err != nil {
			return applied, fmt.Errorf("importing %s: %w", incoming.SourceURL, err)
		}
		applied++
	}
	return applied, nil
}
