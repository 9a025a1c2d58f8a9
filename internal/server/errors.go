package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/survey-agent/internal/checkpoint"
	"github.com/jonathan/survey-agent/internal/workflow"
)

// errNotActive is returned when cancelling a run this process is not driving
var errNotActive = errors.New("run is not active on this server")

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var verr *ErrValidation
	switch {
	case errors.As(err, &verr), errors.Is(err, workflow.ErrInvalidDecision):
		return http.StatusBadRequest
	case errors.Is(err, checkpoint.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrRunExists),
		errors.Is(err, workflow.ErrRunBusy),
		errors.Is(err, workflow.ErrNotSuspended),
		errors.Is(err, workflow.ErrNotResumable),
		errors.Is(err, errNotActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
