// Package checkpoint persists per-stage progress markers for a pipeline run.
// The log is append-only: records are never mutated after they are written,
// and every write replaces the file atomically via rename, so a crash can
// never leave a partially written log behind.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Record marks one completed pipeline stage.
type Record struct {
	Stage       string         `json:"stage"`
	Summary     map[string]any `json:"summary,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Store is an append-only checkpoint log backed by a single JSON file.
type Store struct {
	path    string
	records []Record
}

// Open loads the checkpoint log at path, creating an empty store if the
// file does not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint log: %w", err)
	}

	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("parse checkpoint log %s: %w", path, err)
	}

	return s, nil
}

// Append adds a record for the given stage and flushes the log to disk.
// The record is only visible in the store after the write succeeded.
func (s *Store) Append(stage string, summary map[string]any) error {
	rec := Record{
		Stage:       stage,
		Summary:     summary,
		CompletedAt: time.Now().UTC(),
	}

	updated := make([]Record, len(s.records), len(s.records)+1)
	copy(updated, s.records)
	updated = append(updated, rec)

	if err := s.flush(updated); err != nil {
		return err
	}

	s.records = updated
	return nil
}

// Has reports whether a checkpoint exists for the given stage.
func (s *Store) Has(stage string) bool {
	for _, rec := range s.records {
		if rec.Stage == stage {
			return true
		}
	}
	return false
}

// Summary returns the summary of the most recent checkpoint for the stage,
// or nil if the stage has no checkpoint.
func (s *Store) Summary(stage string) map[string]any {
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Stage == stage {
			return s.records[i].Summary
		}
	}
	return nil
}

// Records returns a copy of all checkpoint records in append order.
func (s *Store) Records() []Record {
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Len returns the number of checkpoint records.
func (s *Store) Len() int {
	return len(s.records)
}

// Reset removes the checkpoint log, discarding all records.
func (s *Store) Reset() error {
	s.records = nil
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove checkpoint log: %w", err)
	}
	return nil
}

// flush writes the full record list to a temp file and renames it into
// place. Rename on the same filesystem is atomic, so readers either see
// the old log or the new one, never a torn write.
func (s *Store) flush(records []Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint log: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoints-*.json")
	if err != nil {
		return fmt.Errorf("create temp checkpoint file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp checkpoint file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}
