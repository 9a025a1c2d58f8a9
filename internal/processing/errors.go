// Package processing runs the external statistics tools that transform survey data files.
package processing

import (
	"errors"
	"fmt"
)

// ErrNotConfigured is returned when a tool has no program configured
var ErrNotConfigured = errors.New("tool program not configured")

// ToolError represents a failed tool invocation
type ToolError struct {
	Tool      string
	Message   string
	LogOutput string
	Cause     error
}

func (e *ToolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s tool error: %s: %v", e.Tool, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s tool error: %s", e.Tool, e.Message)
}

// Log returns the captured stdout and stderr of the failed process
func (e *ToolError) Log() string {
	return e.LogOutput
}

func (e *ToolError) Unwrap() error {
	return e.Cause
}
