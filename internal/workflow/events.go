package workflow

import "github.com/jonathan/survey-agent/internal/types"

// ProgressEvent represents a progress update during run execution
type ProgressEvent struct {
	RunID   string            `json:"run_id"`
	Seq     int64             `json:"seq"`
	Step    string            `json:"step"`
	Status  types.TraceStatus `json:"status,omitempty"`
	Run     types.RunStatus   `json:"run_status"`
	Message string            `json:"message"`
}

// ProgressCallback is called after every checkpointed transition
type ProgressCallback func(event ProgressEvent)
