package state

import "fmt"

// Error represents a general state error
type Error struct {
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("state error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("state error: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// OwnershipError reports a step writing outside the sections it declared
type OwnershipError struct {
	Step    string
	Section Section
	Message string
}

func (e *OwnershipError) Error() string {
	if e.Section != "" {
		return fmt.Sprintf("ownership violation: step %s cannot write section %s: %s", e.Step, e.Section, e.Message)
	}
	return fmt.Sprintf("ownership violation: step %s: %s", e.Step, e.Message)
}

// MissingFieldError reports a read of a field no earlier step produced
type MissingFieldError struct {
	Section Section
	Field   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("state field %s.%s has not been set", e.Section, e.Field)
}

// DecodeError reports a field that does not decode into the requested type
type DecodeError struct {
	Section Section
	Field   string
	Cause   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode state field %s.%s: %v", e.Section, e.Field, e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}
