package types

import "time"

// TraceStatus is the outcome recorded for one executed step
type TraceStatus string

const (
	TraceOK      TraceStatus = "ok"
	TraceFailed  TraceStatus = "failed"
	TraceSkipped TraceStatus = "skipped"
)

// TraceEntry is one line of a run's execution trace
type TraceEntry struct {
	Step      string      `json:"step"`
	Status    TraceStatus `json:"status"`
	Error     string      `json:"error,omitempty"`
	Warnings  []string    `json:"warnings,omitempty"`
	Output    string      `json:"output,omitempty"`
	Duration  int64       `json:"duration_ms"`
	Timestamp time.Time   `json:"timestamp"`
}

// Approval decisions written to the approval log
const (
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalModified = "modified"
)

// ApprovalEntry is one reviewer decision on an artifact
type ApprovalEntry struct {
	Step      string       `json:"step"`
	Kind      ArtifactKind `json:"kind"`
	Decision  string       `json:"decision"`
	Comments  string       `json:"comments,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
