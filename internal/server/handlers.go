package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/survey-agent/internal/checkpoint"
	"github.com/jonathan/survey-agent/internal/pipeline"
	"github.com/jonathan/survey-agent/internal/types"
	"github.com/jonathan/survey-agent/internal/workflow"
	"go.uber.org/zap"
)

// maxBodyBytes bounds request bodies; a modify decision carries a whole artifact
const maxBodyBytes = 4 << 20

// StartRunRequest is the body of POST /runs. Unset options fall back to the server configuration.
type StartRunRequest struct {
	RunID             string   `json:"run_id,omitempty" validate:"omitempty,max=128,excludesall=/\\"`
	SourcePath        string   `json:"source_path" validate:"required"`
	MaxIterations     *int     `json:"max_iterations,omitempty" validate:"omitempty,gte=1"`
	EnableHumanReview *bool    `json:"enable_human_review,omitempty"`
	AutoApprove       []string `json:"auto_approve,omitempty"`
}

// RunAccepted is returned when a drive was scheduled
type RunAccepted struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// RunSummary is one entry of GET /runs
type RunSummary struct {
	RunID     string          `json:"run_id"`
	Status    types.RunStatus `json:"status"`
	Step      string          `json:"step"`
	Seq       int64           `json:"seq"`
	Error     string          `json:"error,omitempty"`
	Active    bool            `json:"active"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CheckpointSummary is one entry of GET /runs/{run_id}/checkpoints; the state snapshot is omitted
type CheckpointSummary struct {
	Seq       int64           `json:"seq"`
	Step      string          `json:"step"`
	Status    types.RunStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &ErrValidation{Field: "body", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return nil
}

// handleStartRun creates a run and drives it in the background
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, r, &ErrValidation{Field: "body", Message: err.Error()})
		return
	}

	rc := s.defaults.RunConfig(req.SourcePath)
	if req.MaxIterations != nil {
		rc.MaxIterations = *req.MaxIterations
	}
	if req.EnableHumanReview != nil {
		rc.EnableHumanReview = *req.EnableHumanReview
	}
	if req.AutoApprove != nil {
		rc.AutoApprove = make([]types.ArtifactKind, 0, len(req.AutoApprove))
		for _, k := range req.AutoApprove {
			kind, err := types.ParseArtifactKind(k)
			if err != nil {
				s.writeError(w, r, &ErrValidation{Field: "auto_approve", Message: err.Error()})
				return
			}
			rc.AutoApprove = append(rc.AutoApprove, kind)
		}
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	// concurrent runs must not share generated files
	outDir, err := runOutputDir(rc.OutputDir, runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.RunID != "" {
		if _, err := s.engine.Status(r.Context(), runID); err == nil {
			s.writeError(w, r, fmt.Errorf("%w: %s", workflow.ErrRunExists, runID))
			return
		}
	}
	rc.OutputDir = outDir
	start := workflow.StartRequest{RunID: runID, SourcePath: req.SourcePath, Config: rc, StartStep: pipeline.StartStep}
	err = s.launch(runID, func(ctx context.Context) (*workflow.Run, error) {
		return s.engine.Start(ctx, start)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("run accepted", zap.String("run_id", runID), zap.String("source", req.SourcePath))
	s.jsonResponse(w, http.StatusAccepted, RunAccepted{RunID: runID, Status: string(types.RunRunning)})
}

// runOutputDir joins a run ID below base. The ID must be a single path element.
func runOutputDir(base, runID string) (string, error) {
	if runID == "." || strings.ContainsAny(runID, `/\`) || !filepath.IsLocal(runID) {
		return "", &ErrValidation{Field: "run_id", Message: fmt.Sprintf("%q is not a valid run ID", runID)}
	}
	dir := filepath.Join(base, runID)
	if rel, err := filepath.Rel(base, dir); err != nil || rel != runID {
		return "", &ErrValidation{Field: "run_id", Message: fmt.Sprintf("%q escapes the output directory", runID)}
	}
	return dir, nil
}

// handleListRuns lists the latest state of every run, newest first
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.engine.Runs(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, RunSummary{
			RunID:     run.ID,
			Status:    run.Status,
			Step:      run.Step,
			Seq:       run.Seq,
			Error:     run.Error,
			Active:    s.isActive(run.ID),
			UpdatedAt: run.UpdatedAt,
		})
	}
	s.jsonResponse(w, http.StatusOK, out)
}

// handleGetRun returns the full latest state of a run
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Status(r.Context(), r.PathValue("run_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, run)
}

// handleListCheckpoints returns a run's checkpoint lineage
func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := s.engine.History(r.Context(), r.PathValue("run_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]CheckpointSummary, 0, len(cps))
	for _, cp := range cps {
		out = append(out, CheckpointSummary{Seq: cp.Seq, Step: cp.Step, Status: cp.Status, Error: cp.Error, CreatedAt: cp.CreatedAt})
	}
	s.jsonResponse(w, http.StatusOK, out)
}

// handleGetReview returns what a suspended run is waiting for
func (s *Server) handleGetReview(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	run, err := s.engine.Status(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if run.Suspension == nil {
		s.writeError(w, r, fmt.Errorf("%w: run %s is %s", workflow.ErrNotSuspended, runID, run.Status))
		return
	}
	s.jsonResponse(w, http.StatusOK, run.Suspension)
}

// handleResumeRun checks a decision against the pending suspension, then applies it in the background
func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	var decision types.Decision
	if err := decodeBody(r, &decision); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.validate.Struct(decision); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", workflow.ErrInvalidDecision, err))
		return
	}

	run, err := s.engine.Status(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if run.Suspension == nil {
		s.writeError(w, r, fmt.Errorf("%w: run %s is %s", workflow.ErrNotSuspended, runID, run.Status))
		return
	}
	if !run.Suspension.Allows(decision.Decision) {
		s.writeError(w, r, fmt.Errorf("%w: %s is not one of %v", workflow.ErrInvalidDecision, decision.Decision, run.Suspension.AllowedDecisions))
		return
	}

	err = s.launch(runID, func(ctx context.Context) (*workflow.Run, error) {
		return s.engine.Resume(ctx, runID, decision)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("decision accepted", zap.String("run_id", runID), zap.String("decision", string(decision.Decision)))
	s.jsonResponse(w, http.StatusAccepted, RunAccepted{RunID: runID, Status: string(types.RunRunning)})
}

// handleContinueRun restarts an interrupted or cancelled run
func (s *Server) handleContinueRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	run, err := s.engine.Status(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if run.Status != types.RunRunning && run.Status != types.RunCancelled {
		s.writeError(w, r, fmt.Errorf("%w: run %s is %s", workflow.ErrNotResumable, runID, run.Status))
		return
	}
	err = s.launch(runID, func(ctx context.Context) (*workflow.Run, error) {
		return s.engine.Continue(ctx, runID)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, RunAccepted{RunID: runID, Status: string(types.RunRunning)})
}

// handleCancelRun cancels a run between steps. Only runs driven by this server can be cancelled.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if s.cancel(runID) {
		s.logger.Info("run cancellation requested", zap.String("run_id", runID))
		s.jsonResponse(w, http.StatusAccepted, RunAccepted{RunID: runID, Status: "cancelling"})
		return
	}
	run, err := s.engine.Status(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeError(w, r, fmt.Errorf("%w: %s is %s", errNotActive, runID, run.Status))
}

// handleRunEvents streams progress events of a run until it stops being driven
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.errorResponse(w, http.StatusNotImplemented, "event streaming is not enabled")
		return
	}
	runID := r.PathValue("run_id")
	events, unsubscribe := s.events.Subscribe(runID)
	defer unsubscribe()

	run, err := s.engine.Status(r.Context(), runID)
	if err != nil && !(errors.Is(err, checkpoint.ErrNotFound) && s.isActive(runID)) {
		s.writeError(w, r, err)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run != nil {
		if err := sse.WriteEvent("status", RunSummary{
			RunID: run.ID, Status: run.Status, Step: run.Step, Seq: run.Seq, Error: run.Error,
			Active: s.isActive(runID), UpdatedAt: run.UpdatedAt,
		}); err != nil {
			return
		}
		if run.Status != types.RunRunning && !s.isActive(runID) {
			sse.WriteComplete(runID, run.Status)
			return
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			if err := sse.WriteEvent("progress", ev); err != nil {
				return
			}
			if ev.Run != types.RunRunning {
				sse.WriteComplete(runID, ev.Run)
				return
			}
		}
	}
}
