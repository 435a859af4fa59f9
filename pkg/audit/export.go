package audit

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Siddhant-K-code/agentic-authorization/pkg/canonicalize"
)

var (
	// ErrInvalidTimeRange is returned when the export window is inverted.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrStoreNotConfigured is returned when export is invoked without a
	// backing store (fail closed, never export an empty pack silently).
	ErrStoreNotConfigured = errors.New("audit: store not configured")
)

// ExportRequest defines the slice of the trail to export. A zero field
// matches everything.
type ExportRequest struct {
	TaskID    string    `json:"task_id,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

// Exporter produces evidence packs: a zip bundle of the selected entries
// plus a manifest binding the event count and chain head, checksummed so
// downstream consumers can detect tampering in transit.
type Exporter struct {
	store *Store
}

func NewExporter(s *Store) *Exporter {
	return &Exporter{store: s}
}

// GeneratePack creates the zip bundle and returns it with its SHA-256
// checksum.
func (e *Exporter) GeneratePack(req ExportRequest) ([]byte, string, error) {
	if e.store == nil {
		return nil, "", ErrStoreNotConfigured
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}

	filter := QueryFilter{TaskID: req.TaskID}
	if !req.StartTime.IsZero() {
		filter.StartTime = &req.StartTime
	}
	if !req.EndTime.IsZero() {
		filter.EndTime = &req.EndTime
	}
	entries := e.store.Query(filter)

	entriesJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, "", err
	}

	manifest := map[string]interface{}{
		"task_id":      req.TaskID,
		"generated_at": time.Now().UTC(),
		"event_count":  len(entries),
		"chain_head":   e.store.ChainHead(),
		"period": map[string]interface{}{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("events.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(entriesJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(manifestJSON)

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	return zipBytes, canonicalize.HashBytes(zipBytes), nil
}
