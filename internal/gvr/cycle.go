// Package gvr implements the generate -> validate -> review cycle once, generically over artifact kind.
//
// Each cycle registers three steps against a workflow.Registry and wires their edges on a
// workflow.Router. The cycle's working set lives in a single State Record field so it is
// checkpointed with the rest of the run.
package gvr

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonathan/survey-agent/internal/state"
	"github.com/jonathan/survey-agent/internal/types"
	"github.com/jonathan/survey-agent/internal/workflow"
)

// FieldCycle is the State Record field holding a cycle's CycleState
const FieldCycle = "cycle"

// GenerateStep returns the step ID of the Generate node for kind
func GenerateStep(kind types.ArtifactKind) string { return "generate_" + string(kind) }

// ValidateStep returns the step ID of the Validate node for kind
func ValidateStep(kind types.ArtifactKind) string { return "validate_" + string(kind) }

// ReviewStep returns the step ID of the Review node for kind
func ReviewStep(kind types.ArtifactKind) string { return "review_" + string(kind) }

// CycleState is the working set of one GVR instance
type CycleState struct {
	Kind       types.ArtifactKind      `json:"kind"`
	Artifact   json.RawMessage         `json:"artifact,omitempty"`
	Iteration  int                     `json:"iteration"`
	Validation *types.ValidationResult `json:"validation,omitempty"`
	// Feedback is consumed by the next Generate and cleared once approved
	Feedback       *types.Feedback      `json:"feedback,omitempty"`
	FeedbackSource types.FeedbackSource `json:"feedback_source,omitempty"`
	Approved       bool                 `json:"approved"`
	// RetryExhausted is set by Validate when the automatic retry budget is spent
	RetryExhausted bool            `json:"retry_exhausted"`
	History        []types.Attempt `json:"history,omitempty"`
}

// Load reads the cycle stored in sec
func Load(rec state.Record, sec state.Section) (CycleState, error) {
	return state.MustGet[CycleState](rec, sec, FieldCycle)
}

// ApprovedArtifact decodes the approved artifact of the cycle stored in sec into T
func ApprovedArtifact[T any](rec state.Record, sec state.Section) (T, error) {
	var out T
	cycle, err := Load(rec, sec)
	if err != nil {
		return out, err
	}
	if !cycle.Approved {
		return out, workflow.Fatal("", fmt.Sprintf("%s artifact has not been approved", cycle.Kind), nil)
	}
	if err := json.Unmarshal(cycle.Artifact, &out); err != nil {
		return out, &state.DecodeError{Section: sec, Field: FieldCycle, Cause: err}
	}
	return out, nil
}

// GenerateRequest is what a Generator is asked to produce
type GenerateRequest struct {
	Kind      types.ArtifactKind
	Reference types.ReferenceData
	// Feedback is nil on a first attempt
	Feedback  *types.Feedback
	Iteration int
}

// Generator produces a candidate artifact. Errors are treated as a failed attempt, not a run failure.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (json.RawMessage, error)
}

// GeneratorFunc adapts a function to Generator
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (json.RawMessage, error)

// Generate calls f
func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// Validator checks an artifact against reference data. It must be pure; any error it returns is fatal.
type Validator interface {
	Validate(kind types.ArtifactKind, artifact json.RawMessage, ref types.ReferenceData) (types.ValidationResult, error)
}

// ValidatorFunc adapts a function to Validator
type ValidatorFunc func(kind types.ArtifactKind, artifact json.RawMessage, ref types.ReferenceData) (types.ValidationResult, error)

// Validate calls f
func (f ValidatorFunc) Validate(kind types.ArtifactKind, artifact json.RawMessage, ref types.ReferenceData) (types.ValidationResult, error) {
	return f(kind, artifact, ref)
}

// Spec configures one GVR instance
type Spec struct {
	Kind    types.ArtifactKind
	Section state.Section
	// Next is the step that runs once the artifact is approved
	Next      string
	Generator Generator
	Validator Validator
	// Reference builds the data the artifact is generated and checked against
	Reference func(rec state.Record) (types.ReferenceData, error)
	// Timeout applies to the Generate step; zero uses the run default
	Timeout time.Duration
	Clock   func() time.Time
}

type controller struct {
	spec Spec
}

// Register adds the Generate, Validate and Review steps for spec and wires their edges
func Register(reg *workflow.Registry, router *workflow.Router, spec Spec) error {
	if spec.Kind == "" || spec.Section == "" || spec.Next == "" {
		return fmt.Errorf("gvr: kind, section and next step are required")
	}
	if spec.Generator == nil || spec.Validator == nil || spec.Reference == nil {
		return fmt.Errorf("gvr %s: generator, validator and reference are required", spec.Kind)
	}
	if spec.Clock == nil {
		spec.Clock = time.Now
	}
	c := &controller{spec: spec}
	gen, val, rev := GenerateStep(spec.Kind), ValidateStep(spec.Kind), ReviewStep(spec.Kind)

	steps := []workflow.Step{
		{ID: gen, Owns: []state.Section{spec.Section}, Handler: c.generate, Timeout: spec.Timeout},
		{ID: val, Owns: []state.Section{spec.Section}, Handler: c.validate},
		{ID: rev, Owns: []state.Section{spec.Section, state.SectionApprovals}, Handler: c.review, Resume: c.resume},
	}
	for _, s := range steps {
		if err := reg.Register(s); err != nil {
			return fmt.Errorf("gvr %s: %w", spec.Kind, err)
		}
	}
	if err := router.Connect(gen, val); err != nil {
		return err
	}
	if err := router.Branch(val, c.afterValidate, rev, gen); err != nil {
		return err
	}
	return router.Branch(rev, c.afterReview, spec.Next, gen)
}

func (c *controller) now() time.Time {
	return c.spec.Clock().UTC().Round(0)
}

func (c *controller) save(cycle CycleState) *state.Delta {
	return state.NewDelta().Set(c.spec.Section, FieldCycle, cycle)
}

func (c *controller) generate(ctx context.Context, rec state.Record) (workflow.Result, error) {
	cycle, _, err := state.Get[CycleState](rec, c.spec.Section, FieldCycle)
	if err != nil {
		return workflow.Result{}, err
	}
	ref, err := c.spec.Reference(rec)
	if err != nil {
		return workflow.Result{}, err
	}

	cycle.Kind = c.spec.Kind
	cycle.Iteration = len(cycle.History) + 1
	attempt := types.Attempt{
		Iteration:      cycle.Iteration,
		FeedbackSource: cycle.FeedbackSource,
		GeneratedAt:    c.now(),
	}
	artifact, genErr := c.spec.Generator.Generate(ctx, GenerateRequest{
		Kind:      c.spec.Kind,
		Reference: ref,
		Feedback:  cycle.Feedback,
		Iteration: cycle.Iteration,
	})
	if genErr == nil && !json.Valid(artifact) {
		genErr = fmt.Errorf("generator output is not valid JSON")
	}

	res := workflow.Result{Output: fmt.Sprintf("generated %s (iteration %d)", c.spec.Kind, cycle.Iteration)}
	if genErr != nil {
		attempt.GenerationError = genErr.Error()
		cycle.Artifact = nil
		res.Status = types.TraceFailed
		res.Error = genErr.Error()
		res.Output = ""
	} else {
		attempt.Artifact = artifact
		cycle.Artifact = artifact
	}
	cycle.History = append(cycle.History, attempt)
	cycle.Validation = nil
	cycle.Approved = false
	cycle.RetryExhausted = false
	cycle.Feedback = nil
	cycle.FeedbackSource = types.FeedbackNone

	res.Delta = c.save(cycle)
	return res, nil
}

func (c *controller) validate(_ context.Context, rec state.Record) (workflow.Result, error) {
	cycle, err := Load(rec, c.spec.Section)
	if err != nil {
		return workflow.Result{}, err
	}
	cfg, err := rec.RunConfig()
	if err != nil {
		return workflow.Result{}, err
	}

	var result types.ValidationResult
	if cycle.Artifact == nil {
		msg := fmt.Sprintf("no %s generated", c.spec.Kind)
		if n := len(cycle.History); n > 0 && cycle.History[n-1].GenerationError != "" {
			msg = fmt.Sprintf("%s: %s", msg, cycle.History[n-1].GenerationError)
		}
		result = types.NewValidationResult([]string{msg}, nil, nil)
	} else {
		ref, err := c.spec.Reference(rec)
		if err != nil {
			return workflow.Result{}, err
		}
		result, err = c.spec.Validator.Validate(c.spec.Kind, cycle.Artifact, ref)
		if err != nil {
			return workflow.Result{}, workflow.Fatal(ValidateStep(c.spec.Kind), "validator failed", err)
		}
	}

	cycle.Validation = &result
	if n := len(cycle.History); n > 0 {
		cycle.History[n-1].Validation = &result
	}
	limit := cfg.EffectiveMaxIterations()
	cycle.RetryExhausted = !result.IsValid && attemptsSinceHuman(cycle.History) >= limit

	res := workflow.Result{
		Output:   fmt.Sprintf("%d errors, %d warnings", len(result.Errors), len(result.Warnings)),
		Warnings: append([]string(nil), result.Warnings...),
	}
	switch {
	case result.IsValid:
	case cycle.RetryExhausted:
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"max iterations (%d) reached for %s with %d validation errors; sending to review",
			limit, c.spec.Kind, len(result.Errors)))
	default:
		cycle.FeedbackSource = types.FeedbackValidation
		cycle.Feedback = &types.Feedback{
			Source:   types.FeedbackValidation,
			Errors:   append([]string(nil), result.Errors...),
			Previous: cycle.Artifact,
		}
	}
	res.Delta = c.save(cycle)
	return res, nil
}

func (c *controller) afterValidate(rec state.Record) (string, error) {
	cycle, err := Load(rec, c.spec.Section)
	if err != nil {
		return "", err
	}
	if cycle.Validation == nil {
		return "", fmt.Errorf("%s cycle has no validation result", c.spec.Kind)
	}
	if cycle.Validation.IsValid || cycle.RetryExhausted {
		return ReviewStep(c.spec.Kind), nil
	}
	return GenerateStep(c.spec.Kind), nil
}

func (c *controller) afterReview(rec state.Record) (string, error) {
	cycle, err := Load(rec, c.spec.Section)
	if err != nil {
		return "", err
	}
	if cycle.Approved {
		return c.spec.Next, nil
	}
	return GenerateStep(c.spec.Kind), nil
}

// attemptsSinceHuman counts the attempts generated since the last human rejection, inclusive
func attemptsSinceHuman(history []types.Attempt) int {
	n := 0
	for i := len(history) - 1; i >= 0; i-- {
		n++
		if history[i].FeedbackSource == types.FeedbackHuman {
			break
		}
	}
	return n
}
