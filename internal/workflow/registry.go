// Package workflow provides the step registry, conditional router and driver loop
// that execute a run one step at a time with a checkpoint after every transition.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/jonathan/survey-agent/internal/state"
	"github.com/jonathan/survey-agent/internal/types"
)

// Handler executes one step against a snapshot of the run's Record
type Handler func(ctx context.Context, rec state.Record) (Result, error)

// ResumeHandler consumes a human decision for a step that suspended
type ResumeHandler func(ctx context.Context, rec state.Record, decision types.Decision) (Result, error)

// Step is a registered unit of work
type Step struct {
	ID string
	// Owns lists the Record sections the step may write
	Owns    []state.Section
	Handler Handler
	// Resume is required for steps that can return a review suspension
	Resume  ResumeHandler
	Timeout time.Duration
}

// Result is what a handler hands back to the driver
type Result struct {
	Delta *state.Delta
	// Status defaults to ok. Handlers that catch a collaborator failure report failed here
	// and still return a nil error so the router decides what happens next.
	Status   types.TraceStatus
	Error    string
	Warnings []string
	Output   string
	Suspend  *Suspension
}

func (r Result) traceStatus() types.TraceStatus {
	if r.Status == "" {
		return types.TraceOK
	}
	return r.Status
}

// Skip builds a result recorded as skipped
func Skip(reason string) Result {
	return Result{Status: types.TraceSkipped, Warnings: []string{reason}}
}

// Registry maps step IDs to handlers and records their section ownership
type Registry struct {
	steps  map[string]Step
	order  []string
	owners *state.Store
}

// NewRegistry returns an empty Registry
func NewRegistry() *Registry {
	return &Registry{
		steps:  map[string]Step{},
		owners: state.NewStore(),
	}
}

// Register adds a step. IDs must be unique and every step must own at least one section.
func (r *Registry) Register(step Step) error {
	if step.ID == "" || step.ID == End {
		return fmt.Errorf("invalid step id %q", step.ID)
	}
	if step.Handler == nil {
		return fmt.Errorf("step %s has no handler", step.ID)
	}
	if _, exists := r.steps[step.ID]; exists {
		return fmt.Errorf("step %s already registered", step.ID)
	}
	if len(step.Owns) == 0 {
		return fmt.Errorf("step %s declares no owned sections", step.ID)
	}
	if err := r.owners.Declare(step.ID, step.Owns...); err != nil {
		return err
	}
	r.steps[step.ID] = step
	r.order = append(r.order, step.ID)
	return nil
}

// Get returns the step registered under id
func (r *Registry) Get(id string) (Step, bool) {
	step, ok := r.steps[id]
	return step, ok
}

// IDs returns step IDs in registration order
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

// Ownership exposes the section ownership table used when applying deltas
func (r *Registry) Ownership() *state.Store {
	return r.owners
}
