package gvr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jonathan/survey-agent/internal/state"
	"github.com/jonathan/survey-agent/internal/types"
	"github.com/jonathan/survey-agent/internal/workflow"
)

// AutoApprovedComment is written to the approval log when review is not required
const AutoApprovedComment = "auto-approved"

var reviewDecisions = []types.DecisionKind{types.DecisionApprove, types.DecisionReject, types.DecisionModify}

func (c *controller) review(_ context.Context, rec state.Record) (workflow.Result, error) {
	cycle, err := Load(rec, c.spec.Section)
	if err != nil {
		return workflow.Result{}, err
	}
	cfg, err := rec.RunConfig()
	if err != nil {
		return workflow.Result{}, err
	}

	if !cfg.ReviewRequired(c.spec.Kind) {
		approve(&cycle)
		delta := c.save(cycle).AppendApproval(c.approval(types.ApprovalApproved, AutoApprovedComment))
		res := workflow.Result{Delta: delta, Output: AutoApprovedComment}
		if cycle.Validation != nil && !cycle.Validation.IsValid {
			res.Warnings = []string{fmt.Sprintf("%s auto-approved with %d validation errors", c.spec.Kind, len(cycle.Validation.Errors))}
		}
		return res, nil
	}

	req := c.request(cycle, cfg, "")
	return workflow.Suspend(state.NewDelta(), req), nil
}

func (c *controller) resume(_ context.Context, rec state.Record, d types.Decision) (workflow.Result, error) {
	cycle, err := Load(rec, c.spec.Section)
	if err != nil {
		return workflow.Result{}, err
	}
	cfg, err := rec.RunConfig()
	if err != nil {
		return workflow.Result{}, err
	}

	switch d.Decision {
	case types.DecisionApprove:
		approve(&cycle)
		delta := c.save(cycle).AppendApproval(c.approval(types.ApprovalApproved, d.Comments))
		return workflow.Result{Delta: delta, Output: "approved"}, nil

	case types.DecisionReject:
		cycle.Approved = false
		cycle.FeedbackSource = types.FeedbackHuman
		cycle.Feedback = &types.Feedback{
			Source:   types.FeedbackHuman,
			Comments: d.Comments,
			Previous: cycle.Artifact,
		}
		delta := c.save(cycle).AppendApproval(c.approval(types.ApprovalRejected, d.Comments))
		return workflow.Result{Delta: delta, Output: "rejected"}, nil

	case types.DecisionModify:
		replacement, err := compact(d.Replacement)
		if err != nil {
			return workflow.Result{}, fmt.Errorf("%w: %v", workflow.ErrInvalidDecision, err)
		}
		cycle.Artifact = replacement
		if cfg.ModifyPolicy == types.ModifyRevalidate {
			ref, err := c.spec.Reference(rec)
			if err != nil {
				return workflow.Result{}, err
			}
			result, err := c.spec.Validator.Validate(c.spec.Kind, replacement, ref)
			if err != nil {
				return workflow.Result{}, workflow.Fatal(ReviewStep(c.spec.Kind), "validator failed", err)
			}
			cycle.Validation = &result
			if !result.IsValid {
				msg := fmt.Sprintf("The replacement %s failed validation with %d errors. Approve it anyway, reject it, or supply another replacement.",
					c.spec.Kind, len(result.Errors))
				res := workflow.Suspend(c.save(cycle), c.request(cycle, cfg, msg))
				res.Warnings = append([]string(nil), result.Errors...)
				return res, nil
			}
		}
		approve(&cycle)
		delta := c.save(cycle).AppendApproval(c.approval(types.ApprovalModified, d.Comments))
		return workflow.Result{Delta: delta, Output: "modified"}, nil
	}
	return workflow.Result{}, fmt.Errorf("%w: %s cannot be applied to a review", workflow.ErrInvalidDecision, d.Decision)
}

func (c *controller) request(cycle CycleState, cfg types.RunConfig, message string) types.ReviewRequest {
	limit := cfg.EffectiveMaxIterations()
	if message == "" {
		message = fmt.Sprintf("Please review the %s and provide your decision", strings.ReplaceAll(string(c.spec.Kind), "_", " "))
		if cycle.RetryExhausted {
			message = fmt.Sprintf("Validation still fails after %d iterations. %s", limit, message)
		}
	}
	return types.ReviewRequest{
		Kind:             c.spec.Kind,
		Artifact:         cycle.Artifact,
		Validation:       cycle.Validation,
		Iteration:        cycle.Iteration,
		MaxIterations:    limit,
		RetryExhausted:   cycle.RetryExhausted,
		History:          cycle.History,
		Report:           Report(c.spec.Kind, cycle),
		AllowedDecisions: append([]types.DecisionKind(nil), reviewDecisions...),
		Message:          message,
	}
}

func (c *controller) approval(decision, comments string) types.ApprovalEntry {
	return types.ApprovalEntry{
		Step:      ReviewStep(c.spec.Kind),
		Kind:      c.spec.Kind,
		Decision:  decision,
		Comments:  comments,
		Timestamp: c.now(),
	}
}

func approve(cycle *CycleState) {
	cycle.Approved = true
	cycle.Feedback = nil
	cycle.FeedbackSource = types.FeedbackNone
}

func compact(raw json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("replacement artifact is not valid JSON: %w", err)
	}
	return buf.Bytes(), nil
}
