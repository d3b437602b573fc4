package pipeline

// Status is the tri-state result of a stage.
type Status string

const (
	// StatusSuccess means the stage met its goal in full.
	StatusSuccess Status = "success"
	// StatusPartial means the stage produced usable output below its goal,
	// and the run continues.
	StatusPartial Status = "partial"
	// StatusFatal aborts the run.
	StatusFatal Status = "fatal"
)

// Outcome is what a completed stage reports.
type Outcome struct {
	Status  Status         `json:"status"`
	Reason  string         `json:"reason,omitempty"`
	Summary map[string]any `json:"summary,omitempty"`
}

func success(summary map[string]any) Outcome {
	return Outcome{Status: StatusSuccess, Summary: summary}
}

func partial(reason string, summary map[string]any) Outcome {
	return Outcome{Status: StatusPartial, Reason: reason, Summary: summary}
}
