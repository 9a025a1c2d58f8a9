package workflow

import (
	"errors"
	"fmt"

	"github.com/jonathan/survey-agent/internal/state"
)

var (
	// ErrNotSuspended is returned when resuming a run that is not waiting on a decision
	ErrNotSuspended = errors.New("run is not suspended")
	// ErrInvalidDecision is returned when a decision is malformed or not allowed at this suspension
	ErrInvalidDecision = errors.New("invalid decision")
	// ErrRunExists is returned when starting a run ID that already has checkpoints
	ErrRunExists = errors.New("run already exists")
	// ErrNotResumable is returned by Continue for runs that are suspended or finished
	ErrNotResumable = errors.New("run cannot be continued")
	// ErrRunBusy is returned when another call is already driving the run in this process
	ErrRunBusy = errors.New("run is busy")
)

// Error represents a general workflow error
type Error struct {
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("workflow error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("workflow error: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// FatalError marks a structural failure. The driver stops the run with status failed and never retries.
type FatalError struct {
	Step    string
	Message string
	Cause   error
}

func (e *FatalError) Error() string {
	prefix := "fatal"
	if e.Step != "" {
		prefix = fmt.Sprintf("fatal in step %s", e.Step)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *FatalError) Unwrap() error {
	return e.Cause
}

// Fatal wraps err so the driver treats it as structural
func Fatal(step, message string, err error) error {
	return &FatalError{Step: step, Message: message, Cause: err}
}

// RoutingError reports a router that cannot pick a valid successor
type RoutingError struct {
	From    string
	Target  string
	Message string
}

func (e *RoutingError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("routing error from %s to %s: %s", e.From, e.Target, e.Message)
	}
	return fmt.Sprintf("routing error from %s: %s", e.From, e.Message)
}

// IsFatal reports whether err must abort the run
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalError
	var routing *RoutingError
	var ownership *state.OwnershipError
	var missing *state.MissingFieldError
	var decode *state.DecodeError
	return errors.As(err, &fatal) || errors.As(err, &routing) || errors.As(err, &ownership) ||
		errors.As(err, &missing) || errors.As(err, &decode)
}

// IsTransient reports whether err is a retryable collaborator failure
func IsTransient(err error) bool {
	return err != nil && !IsFatal(err)
}
