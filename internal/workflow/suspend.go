package workflow

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/jonathan/survey-agent/internal/state"
	"github.com/jonathan/survey-agent/internal/types"
)

// SuspensionKind tells the caller what sort of decision is awaited
type SuspensionKind string

const (
	// SuspendReview waits on a human review of a generated artifact
	SuspendReview SuspensionKind = "review"
	// SuspendStepFailure waits on a decision about a step that kept failing
	SuspendStepFailure SuspensionKind = "step_failure"
)

// StepFailure describes a step that exhausted its automatic retries
type StepFailure struct {
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// Suspension is the payload handed to the caller when a run pauses
type Suspension struct {
	Kind             SuspensionKind       `json:"kind"`
	Step             string               `json:"step"`
	Message          string               `json:"message"`
	AllowedDecisions []types.DecisionKind `json:"allowed_decisions"`
	Review           *types.ReviewRequest `json:"review,omitempty"`
	Failure          *StepFailure         `json:"failure,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
}

// Suspend builds a handler result that applies delta and then pauses the run for a human review
func Suspend(delta *state.Delta, req types.ReviewRequest) Result {
	return Result{
		Delta: delta,
		Suspend: &Suspension{
			Kind:             SuspendReview,
			Message:          req.Message,
			AllowedDecisions: slices.Clone(req.AllowedDecisions),
			Review:           &req,
		},
	}
}

// Allows reports whether d is one of the allowed decisions
func (s *Suspension) Allows(d types.DecisionKind) bool {
	return slices.Contains(s.AllowedDecisions, d)
}

func decodeSuspension(raw json.RawMessage) (*Suspension, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("checkpoint has no pending suspension")
	}
	var s Suspension
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode suspension: %w", err)
	}
	return &s, nil
}
