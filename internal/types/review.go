package types

import (
	"encoding/json"
	"time"
)

// DecisionKind is the verb of a resume decision
type DecisionKind string

const (
	// DecisionApprove accepts the artifact under review as-is
	DecisionApprove DecisionKind = "approve"
	// DecisionReject discards the artifact and sends comments back to the generator
	DecisionReject DecisionKind = "reject"
	// DecisionModify replaces the artifact with one supplied by the reviewer
	DecisionModify DecisionKind = "modify"
	// DecisionRetry re-runs a step that exhausted its automatic retries
	DecisionRetry DecisionKind = "retry"
	// DecisionAbort fails a run that is waiting on a failed step
	DecisionAbort DecisionKind = "abort"
)

// Decision is the payload accepted when resuming a suspended run
type Decision struct {
	Decision    DecisionKind    `json:"decision" yaml:"decision" validate:"required,oneof=approve reject modify retry abort"`
	Comments    string          `json:"comments,omitempty" yaml:"comments,omitempty"`
	Replacement json.RawMessage `json:"replacement,omitempty" yaml:"-" validate:"required_if=Decision modify"`
}

// FeedbackSource tags where generator feedback came from
type FeedbackSource string

const (
	// FeedbackNone marks a first attempt or a cleared cycle
	FeedbackNone FeedbackSource = ""
	// FeedbackValidation carries validator errors
	FeedbackValidation FeedbackSource = "validation"
	// FeedbackHuman carries reviewer comments
	FeedbackHuman FeedbackSource = "human"
)

// Feedback is handed to the generator on a retry
type Feedback struct {
	Source   FeedbackSource  `json:"source"`
	Errors   []string        `json:"errors,omitempty"`
	Comments string          `json:"comments,omitempty"`
	Previous json.RawMessage `json:"previous,omitempty"`
}

// Attempt records one Generate/Validate round of a GVR cycle
type Attempt struct {
	Iteration       int               `json:"iteration"`
	FeedbackSource  FeedbackSource    `json:"feedback_source,omitempty"`
	Artifact        json.RawMessage   `json:"artifact,omitempty"`
	GenerationError string            `json:"generation_error,omitempty"`
	Validation      *ValidationResult `json:"validation,omitempty"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// ReviewRequest is what a suspended review step asks a human to decide on
type ReviewRequest struct {
	Kind             ArtifactKind      `json:"kind"`
	Artifact         json.RawMessage   `json:"artifact,omitempty"`
	Validation       *ValidationResult `json:"validation,omitempty"`
	Iteration        int               `json:"iteration"`
	MaxIterations    int               `json:"max_iterations"`
	RetryExhausted   bool              `json:"retry_exhausted"`
	History          []Attempt         `json:"history"`
	Report           string            `json:"report"`
	AllowedDecisions []DecisionKind    `json:"allowed_decisions"`
	Message          string            `json:"message"`
}
