package llm

import (
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"github.com/jonathan/survey-agent/internal/types"
)

// GenerationError represents a failed artifact generation
type GenerationError struct {
	Kind    types.ArtifactKind
	Message string
	Cause   error
}

func (e *GenerationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s generation error: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s generation error: %s", e.Kind, e.Message)
}

func (e *GenerationError) Unwrap() error {
	return e.Cause
}

// ResponseError is a model response that carries no usable text
type ResponseError struct {
	FinishReason genai.FinishReason
	Message      string
	Cause        error
}

func (e *ResponseError) Error() string {
	msg := e.Message
	if e.FinishReason != genai.FinishReasonUnspecified {
		msg = fmt.Sprintf("%s (finish reason %s)", msg, e.FinishReason)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ResponseError) Unwrap() error {
	return e.Cause
}
