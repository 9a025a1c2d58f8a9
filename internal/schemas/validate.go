// Package schemas provides JSON Schema validation for the generated artifacts.
package schemas

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/jonathan/survey-agent/internal/types"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed artifacts/*.schema.json
var artifactSchemas embed.FS

// ValidationError represents a schema validation error with field paths
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation error at a specific field
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// SchemaLoadError represents errors loading or parsing the schema itself
type SchemaLoadError struct {
	Path    string
	Message string
	Cause   error
}

func (e *SchemaLoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to load schema %s: %s: %v", e.Path, e.Message, e.Cause)
	}
	return fmt.Sprintf("failed to load schema %s: %s", e.Path, e.Message)
}

func (e *SchemaLoadError) Unwrap() error {
	return e.Cause
}

func (ve *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("validation failed:\n")
	for i, err := range ve.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	return sb.String()
}

var (
	compileOnce sync.Once
	compiled    map[types.ArtifactKind]*gojsonschema.Schema
	compileErr  error
)

func schemaPath(kind types.ArtifactKind) string {
	return "artifacts/" + string(kind) + ".schema.json"
}

func load() (map[types.ArtifactKind]*gojsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled = make(map[types.ArtifactKind]*gojsonschema.Schema, len(types.ArtifactKinds))
		for _, kind := range types.ArtifactKinds {
			path := schemaPath(kind)
			data, err := artifactSchemas.ReadFile(path)
			if err != nil {
				compileErr = &SchemaLoadError{Path: path, Message: "schema not embedded", Cause: err}
				return
			}
			schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
			if err != nil {
				compileErr = &SchemaLoadError{Path: path, Message: "invalid schema", Cause: err}
				return
			}
			compiled[kind] = schema
		}
	})
	return compiled, compileErr
}

// Schema returns the raw JSON Schema for kind
func Schema(kind types.ArtifactKind) ([]byte, error) {
	data, err := artifactSchemas.ReadFile(schemaPath(kind))
	if err != nil {
		return nil, &SchemaLoadError{Path: schemaPath(kind), Message: "unknown artifact kind", Cause: err}
	}
	return data, nil
}

// ValidateArtifact checks the structure of an artifact against the schema of its kind.
// It returns a *ValidationError when the document does not conform.
func ValidateArtifact(kind types.ArtifactKind, artifact []byte) error {
	all, err := load()
	if err != nil {
		return err
	}
	schema, ok := all[kind]
	if !ok {
		return &SchemaLoadError{Path: schemaPath(kind), Message: "unknown artifact kind"}
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(artifact))
	if err != nil {
		return &ValidationError{Errors: []FieldError{{Field: "(root)", Message: err.Error()}}}
	}
	return toValidationError(result)
}

// ValidateJSONString validates JSON string content against schema string content
func ValidateJSONString(schemaContent, jsonContent string) error {
	schemaLoader := gojsonschema.NewStringLoader(schemaContent)
	documentLoader := gojsonschema.NewStringLoader(jsonContent)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return &SchemaLoadError{
			Path:    "(string schema)",
			Message: "schema validation failed during load",
			Cause:   err,
		}
	}
	return toValidationError(result)
}

func toValidationError(result *gojsonschema.Result) error {
	if result.Valid() {
		return nil
	}
	validationErr := &ValidationError{
		Errors: make([]FieldError, 0, len(result.Errors())),
	}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		validationErr.Errors = append(validationErr.Errors, FieldError{
			Field:   field,
			Message: desc.Description(),
		})
	}
	return validationErr
}
