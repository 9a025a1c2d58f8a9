package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/survey-agent/internal/checkpoint"
	"github.com/jonathan/survey-agent/internal/state"
	"github.com/jonathan/survey-agent/internal/types"
)

// DefaultStepTimeout bounds a handler when neither the step nor the run configures a timeout
const DefaultStepTimeout = 10 * time.Minute

const abandonGrace = time.Second

// Engine drives runs through the registered steps and checkpoints every transition
type Engine struct {
	registry    *Registry
	router      *Router
	store       checkpoint.Store
	clock       func() time.Time
	logger      *zap.Logger
	metrics     *Metrics
	progress    ProgressCallback
	stepTimeout time.Duration
	validate    *validator.Validate

	mu     sync.Mutex
	active map[string]struct{}
}

// Option customizes the engine instance
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests)
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records step and run counters
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithProgress registers a callback invoked after every checkpoint
func WithProgress(cb ProgressCallback) Option {
	return func(e *Engine) {
		e.progress = cb
	}
}

// WithStepTimeout overrides DefaultStepTimeout
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stepTimeout = d
		}
	}
}

// NewEngine wires a registry, router and checkpoint store into a driver
func NewEngine(registry *Registry, router *Router, store checkpoint.Store, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("workflow engine: step registry is required")
	}
	if router == nil {
		return nil, fmt.Errorf("workflow engine: router is required")
	}
	if store == nil {
		return nil, fmt.Errorf("workflow engine: checkpoint store is required")
	}
	if err := router.Validate(registry); err != nil {
		return nil, fmt.Errorf("workflow engine: %w", err)
	}
	e := &Engine{
		registry:    registry,
		router:      router,
		store:       store,
		clock:       time.Now,
		logger:      zap.NewNop(),
		stepTimeout: DefaultStepTimeout,
		validate:    validator.New(),
		active:      map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run is the caller-facing view of a run after the driver halts
type Run struct {
	ID         string          `json:"run_id"`
	Status     types.RunStatus `json:"status"`
	Step       string          `json:"step"`
	Seq        int64           `json:"seq"`
	Record     state.Record    `json:"state"`
	Suspension *Suspension     `json:"suspension,omitempty"`
	Error      string          `json:"error,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// StartRequest creates a new run
type StartRequest struct {
	// RunID defaults to a random UUID
	RunID      string
	SourcePath string
	Config     types.RunConfig
	StartStep  string
}

// cursor is the driver's working position inside one run
type cursor struct {
	id   string
	seq  int64
	step string
	rec  state.Record
	cfg  types.RunConfig
}

// Start creates a run, writes its first checkpoint and drives it until it halts
func (e *Engine) Start(ctx context.Context, req StartRequest) (*Run, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if _, ok := e.registry.Get(req.StartStep); !ok {
		return nil, fmt.Errorf("workflow engine: start step %q is not registered", req.StartStep)
	}
	release, err := e.acquire(req.RunID)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := e.store.Latest(ctx, req.RunID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunExists, req.RunID)
	} else if !errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up run %s: %w", req.RunID, err)
	}

	rec, err := state.New(req.SourcePath, req.Config)
	if err != nil {
		return nil, err
	}
	cur := &cursor{id: req.RunID, step: req.StartStep, rec: rec, cfg: req.Config}
	if err := e.checkpoint(ctx, cur, types.RunRunning, cur.step, nil, ""); err != nil {
		return nil, err
	}
	e.logger.Info("run started",
		zap.String("run_id", cur.id),
		zap.String("step", cur.step),
		zap.String("source", req.SourcePath))
	return e.drive(ctx, cur)
}

// Resume applies a decision to a suspended run and drives it until it halts again
func (e *Engine) Resume(ctx context.Context, runID string, decision types.Decision) (*Run, error) {
	if err := e.validate.Struct(decision); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}
	release, err := e.acquire(runID)
	if err != nil {
		return nil, err
	}
	defer release()

	cp, err := e.store.Latest(ctx, runID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, Fatal("", fmt.Sprintf("no checkpoint for run %s", runID), err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	if cp.Status != types.RunSuspended {
		return nil, fmt.Errorf("%w: run %s is %s", ErrNotSuspended, runID, cp.Status)
	}
	susp, err := decodeSuspension(cp.Pending)
	if err != nil {
		return nil, Fatal(cp.Step, "corrupt suspension checkpoint", err)
	}
	if !susp.Allows(decision.Decision) {
		return nil, fmt.Errorf("%w: %s is not one of %v", ErrInvalidDecision, decision.Decision, susp.AllowedDecisions)
	}
	cur, err := e.restore(cp)
	if err != nil {
		return nil, err
	}
	e.logger.Info("run resumed",
		zap.String("run_id", runID),
		zap.String("step", susp.Step),
		zap.String("decision", string(decision.Decision)))

	if susp.Kind == SuspendStepFailure {
		switch decision.Decision {
		case types.DecisionRetry:
			cur.step = susp.Step
			return e.drive(ctx, cur)
		default:
			msg := fmt.Sprintf("aborted after step %s failed: %s", susp.Step, decision.Comments)
			return e.halt(ctx, cur, types.RunFailed, susp.Step, msg)
		}
	}

	step, ok := e.registry.Get(susp.Step)
	if !ok || step.Resume == nil {
		return e.fail(ctx, cur, Fatal(susp.Step, "suspended step cannot consume a decision", nil))
	}
	started := e.now()
	res, err := e.invoke(ctx, step, cur, func(stepCtx context.Context, rec state.Record) (Result, error) {
		return step.Resume(stepCtx, rec, decision)
	})
	elapsed := e.now().Sub(started)
	if err != nil {
		if ctx.Err() != nil {
			// nothing was written; the run is still waiting on the same checkpoint
			return runFromCheckpoint(*cp)
		}
		cur.rec = cur.rec.WithTrace(e.failedEntry(step.ID, err, elapsed))
		e.metrics.observeStep(step.ID, types.TraceFailed, elapsed)
		if IsFatal(err) {
			return e.fail(ctx, cur, err)
		}
		// the decision is lost; the caller decides again on the same request
		run, suspErr := e.suspend(ctx, cur, susp)
		if suspErr != nil {
			return nil, suspErr
		}
		return run, fmt.Errorf("failed to apply decision to step %s: %w", step.ID, err)
	}
	run, halted, err := e.commit(ctx, cur, step, res, elapsed)
	if halted || err != nil {
		return run, err
	}
	return e.drive(ctx, cur)
}

// Continue restarts a run that was interrupted while running or cancelled between steps
func (e *Engine) Continue(ctx context.Context, runID string) (*Run, error) {
	release, err := e.acquire(runID)
	if err != nil {
		return nil, err
	}
	defer release()

	cp, err := e.store.Latest(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	if cp.Status != types.RunRunning && cp.Status != types.RunCancelled {
		return nil, fmt.Errorf("%w: run %s is %s", ErrNotResumable, runID, cp.Status)
	}
	cur, err := e.restore(cp)
	if err != nil {
		return nil, err
	}
	if cp.Status == types.RunCancelled {
		if err := e.checkpoint(ctx, cur, types.RunRunning, cur.step, nil, ""); err != nil {
			return nil, err
		}
	}
	e.logger.Info("run continued", zap.String("run_id", runID), zap.String("step", cur.step))
	return e.drive(ctx, cur)
}

// Status returns the latest state of a run
func (e *Engine) Status(ctx context.Context, runID string) (*Run, error) {
	cp, err := e.store.Latest(ctx, runID)
	if err != nil {
		return nil, err
	}
	return runFromCheckpoint(*cp)
}

// History returns the checkpoint lineage of a run in sequence order
func (e *Engine) History(ctx context.Context, runID string) ([]checkpoint.Checkpoint, error) {
	return e.store.History(ctx, runID)
}

// Runs returns the latest state of every known run, newest first
func (e *Engine) Runs(ctx context.Context) ([]*Run, error) {
	latest, err := e.store.Runs(ctx)
	if err != nil {
		return nil, err
	}
	runs := make([]*Run, 0, len(latest))
	for _, cp := range latest {
		run, err := runFromCheckpoint(cp)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (e *Engine) drive(ctx context.Context, cur *cursor) (*Run, error) {
	for {
		if ctx.Err() != nil {
			return e.halt(ctx, cur, types.RunCancelled, cur.step, "")
		}
		step, ok := e.registry.Get(cur.step)
		if !ok {
			return e.fail(ctx, cur, &RoutingError{From: cur.step, Message: "step is not registered"})
		}

		e.logger.Debug("step started", zap.String("run_id", cur.id), zap.String("step", step.ID), zap.Int64("seq", cur.seq))
		started := e.now()
		res, err := e.invoke(ctx, step, cur, step.Handler)
		elapsed := e.now().Sub(started)

		if err != nil {
			if ctx.Err() != nil {
				return e.halt(ctx, cur, types.RunCancelled, cur.step, "")
			}
			cur.rec = cur.rec.WithTrace(e.failedEntry(step.ID, err, elapsed))
			e.metrics.observeStep(step.ID, types.TraceFailed, elapsed)
			if IsFatal(err) {
				return e.fail(ctx, cur, err)
			}
			failures := cur.rec.ConsecutiveFailures(step.ID)
			limit := cur.cfg.EffectiveMaxIterations()
			e.logger.Warn("step failed",
				zap.String("run_id", cur.id),
				zap.String("step", step.ID),
				zap.Int("consecutive_failures", failures),
				zap.Error(err))
			if failures%limit == 0 {
				return e.suspend(ctx, cur, &Suspension{
					Kind:             SuspendStepFailure,
					Step:             step.ID,
					Message:          fmt.Sprintf("step %s failed %d times in a row", step.ID, failures),
					AllowedDecisions: []types.DecisionKind{types.DecisionRetry, types.DecisionAbort},
					Failure:          &StepFailure{Error: err.Error(), Attempts: failures},
					CreatedAt:        e.now(),
				})
			}
			if err := e.checkpoint(ctx, cur, types.RunRunning, cur.step, nil, ""); err != nil {
				return nil, err
			}
			continue
		}

		run, halted, err := e.commit(ctx, cur, step, res, elapsed)
		if halted || err != nil {
			return run, err
		}
	}
}

// commit merges a handler result, records it and routes to the next step.
// halted is true when the run stopped at a suspension, completion or failure.
func (e *Engine) commit(ctx context.Context, cur *cursor, step Step, res Result, elapsed time.Duration) (*Run, bool, error) {
	next, err := e.registry.Ownership().Apply(cur.rec, step.ID, res.Delta)
	if err != nil {
		cur.rec = cur.rec.WithTrace(e.failedEntry(step.ID, err, elapsed))
		run, failErr := e.fail(ctx, cur, err)
		return run, true, failErr
	}
	entry := types.TraceEntry{
		Step:      step.ID,
		Status:    res.traceStatus(),
		Error:     res.Error,
		Output:    res.Output,
		Duration:  elapsed.Milliseconds(),
		Timestamp: e.now(),
	}
	if len(res.Warnings) > 0 {
		entry.Warnings = append([]string(nil), res.Warnings...)
	}
	cur.rec = next.WithTrace(entry)
	e.metrics.observeStep(step.ID, entry.Status, elapsed)
	e.logger.Debug("step finished",
		zap.String("run_id", cur.id),
		zap.String("step", step.ID),
		zap.String("status", string(entry.Status)),
		zap.Duration("duration", elapsed))

	if res.Suspend != nil {
		susp := *res.Suspend
		susp.Step = step.ID
		susp.CreatedAt = e.now()
		if susp.Review != nil {
			e.metrics.observeReview(susp.Review.Kind, susp.Review.Iteration)
		}
		run, err := e.suspend(ctx, cur, &susp)
		return run, true, err
	}

	target, err := e.router.Next(step.ID, cur.rec)
	if err != nil {
		run, failErr := e.fail(ctx, cur, err)
		return run, true, failErr
	}
	if target == End {
		run, err := e.halt(ctx, cur, types.RunCompleted, step.ID, "")
		return run, true, err
	}
	cur.step = target
	if err := e.checkpoint(ctx, cur, types.RunRunning, cur.step, nil, ""); err != nil {
		return nil, true, err
	}
	return nil, false, nil
}

type outcome struct {
	res Result
	err error
}

// invoke runs fn under the step timeout. A handler that ignores its context is abandoned when the deadline passes.
func (e *Engine) invoke(ctx context.Context, step Step, cur *cursor, fn Handler) (Result, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = cur.cfg.StepTimeout
	}
	if timeout <= 0 {
		timeout = e.stepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	snapshot := cur.rec.Clone()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: Fatal(step.ID, "handler panicked", fmt.Errorf("%v", r))}
			}
		}()
		res, err := fn(stepCtx, snapshot)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return Result{}, fmt.Errorf("step %s timed out after %s: %w", step.ID, timeout, out.err)
		}
		return out.res, out.err
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		// handlers that catch their own deadline get a moment to report it
		select {
		case out := <-done:
			if out.err != nil {
				return Result{}, fmt.Errorf("step %s timed out after %s: %w", step.ID, timeout, out.err)
			}
			return out.res, nil
		case <-time.After(abandonGrace):
			return Result{}, fmt.Errorf("step %s timed out after %s", step.ID, timeout)
		}
	}
}

func (e *Engine) suspend(ctx context.Context, cur *cursor, susp *Suspension) (*Run, error) {
	pending, err := json.Marshal(susp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode suspension: %w", err)
	}
	if err := e.checkpoint(ctx, cur, types.RunSuspended, susp.Step, pending, ""); err != nil {
		return nil, err
	}
	e.metrics.observeRun(types.RunSuspended)
	e.logger.Info("run suspended",
		zap.String("run_id", cur.id),
		zap.String("step", susp.Step),
		zap.String("kind", string(susp.Kind)),
		zap.Int64("seq", cur.seq))
	return &Run{
		ID:         cur.id,
		Status:     types.RunSuspended,
		Step:       susp.Step,
		Seq:        cur.seq,
		Record:     cur.rec,
		Suspension: susp,
		UpdatedAt:  e.now(),
	}, nil
}

// fail stops the run on a fatal error. The error is returned to the caller after it is checkpointed.
func (e *Engine) fail(ctx context.Context, cur *cursor, cause error) (*Run, error) {
	run, err := e.halt(ctx, cur, types.RunFailed, cur.step, cause.Error())
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	return run, cause
}

// halt writes a checkpoint for a status that returns control to the caller
func (e *Engine) halt(ctx context.Context, cur *cursor, status types.RunStatus, step, message string) (*Run, error) {
	if err := e.checkpoint(ctx, cur, status, step, nil, message); err != nil {
		return nil, err
	}
	e.metrics.observeRun(status)
	fields := []zap.Field{zap.String("run_id", cur.id), zap.String("step", step), zap.Int64("seq", cur.seq)}
	switch status {
	case types.RunFailed:
		e.logger.Warn("run failed", append(fields, zap.String("error", message))...)
	case types.RunCancelled:
		e.logger.Info("run cancelled", fields...)
	default:
		e.logger.Info("run "+string(status), fields...)
	}
	return &Run{
		ID:        cur.id,
		Status:    status,
		Step:      step,
		Seq:       cur.seq,
		Record:    cur.rec,
		Error:     message,
		UpdatedAt: e.now(),
	}, nil
}

func (e *Engine) checkpoint(ctx context.Context, cur *cursor, status types.RunStatus, step string, pending json.RawMessage, message string) error {
	data, err := state.Snapshot(cur.rec)
	if err != nil {
		return err
	}
	cp := checkpoint.Checkpoint{
		RunID:     cur.id,
		Seq:       cur.seq + 1,
		Step:      step,
		Status:    status,
		State:     data,
		Pending:   pending,
		Error:     message,
		CreatedAt: e.now(),
	}
	// cancellation must not prevent the final checkpoint
	if err := e.store.Append(context.WithoutCancel(ctx), cp); err != nil {
		return fmt.Errorf("failed to write checkpoint %d for run %s: %w", cp.Seq, cur.id, err)
	}
	cur.seq = cp.Seq
	if e.progress != nil {
		var traceStatus types.TraceStatus
		if n := len(cur.rec.Trace); n > 0 {
			traceStatus = cur.rec.Trace[n-1].Status
		}
		e.progress(ProgressEvent{
			RunID:   cur.id,
			Seq:     cp.Seq,
			Step:    step,
			Status:  traceStatus,
			Run:     status,
			Message: message,
		})
	}
	return nil
}

func (e *Engine) restore(cp *checkpoint.Checkpoint) (*cursor, error) {
	rec, err := state.Restore(cp.State)
	if err != nil {
		return nil, Fatal(cp.Step, "corrupt checkpoint", err)
	}
	cfg, err := rec.RunConfig()
	if err != nil {
		return nil, Fatal(cp.Step, "checkpoint has no run configuration", err)
	}
	return &cursor{id: cp.RunID, seq: cp.Seq, step: cp.Step, rec: rec, cfg: cfg}, nil
}

// logCarrier is implemented by errors that captured process output
type logCarrier interface {
	Log() string
}

func (e *Engine) failedEntry(step string, err error, elapsed time.Duration) types.TraceEntry {
	entry := types.TraceEntry{
		Step:      step,
		Status:    types.TraceFailed,
		Error:     err.Error(),
		Duration:  elapsed.Milliseconds(),
		Timestamp: e.now(),
	}
	var lc logCarrier
	if errors.As(err, &lc) {
		entry.Output = lc.Log()
	}
	return entry
}

func (e *Engine) acquire(runID string) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.active[runID]; busy {
		return nil, fmt.Errorf("%w: %s", ErrRunBusy, runID)
	}
	e.active[runID] = struct{}{}
	return func() {
		e.mu.Lock()
		delete(e.active, runID)
		e.mu.Unlock()
	}, nil
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC().Round(0)
	}
	return e.clock().UTC().Round(0)
}

func runFromCheckpoint(cp checkpoint.Checkpoint) (*Run, error) {
	rec, err := state.Restore(cp.State)
	if err != nil {
		return nil, err
	}
	run := &Run{
		ID:        cp.RunID,
		Status:    cp.Status,
		Step:      cp.Step,
		Seq:       cp.Seq,
		Record:    rec,
		Error:     cp.Error,
		UpdatedAt: cp.CreatedAt,
	}
	if cp.Status == types.RunSuspended {
		susp, err := decodeSuspension(cp.Pending)
		if err != nil {
			return nil, err
		}
		run.Suspension = susp
	}
	return run, nil
}
