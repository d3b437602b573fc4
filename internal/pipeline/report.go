package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// StageReport records one executed (or resumed) stage in the run report.
type StageReport struct {
	Stage    Stage          `json:"stage"`
	Status   Status         `json:"status"`
	Resumed  bool           `json:"resumed,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Summary  map[string]any `json:"summary,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
}

// FailureReport describes the fatal failure that ended a run, if any.
type FailureReport struct {
	Stage   Stage  `json:"stage"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// RunReport is the single structured artifact describing a whole run.
type RunReport struct {
	RunID         string         `json:"run_id"`
	Subject       string         `json:"subject"`
	CanonicalName string         `json:"canonical_name,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	Stages        []StageReport  `json:"stages"`
	Persisted     int            `json:"persisted"`
	DatasetDir    string         `json:"dataset_dir,omitempty"`
	Failure       *FailureReport `json:"failure,omitempty"`
}

// WriteFile writes the report as indented JSON.
func (r *RunReport) WriteFile(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write run report: %w", err)
	}
	return nil
}
