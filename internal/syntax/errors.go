// Package syntax renders statistics-tool command syntax from approved artifacts.
package syntax

import "fmt"

// RenderError represents a failure turning an artifact into syntax
type RenderError struct {
	Message string
	Cause   error
}

func (e *RenderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("syntax render error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("syntax render error: %s", e.Message)
}

func (e *RenderError) Unwrap() error {
	return e.Cause
}

// WriteError represents a failure persisting rendered syntax
type WriteError struct {
	Path  string
	Cause error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write syntax file %s: %v", e.Path, e.Cause)
}

func (e *WriteError) Unwrap() error {
	return e.Cause
}
