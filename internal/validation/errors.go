// Package validation runs the deterministic checks applied to generated artifacts.
package validation

import "fmt"

// Error represents a validator logic error. It is never produced for an invalid artifact.
type Error struct {
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}
