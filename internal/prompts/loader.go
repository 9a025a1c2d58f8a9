// Package prompts provides the generation prompt templates for each artifact kind.
// Templates are stored as JSON files and embedded at compile time.
package prompts

import (
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jonathan/survey-agent/internal/types"
)

//go:embed *.json
var promptFiles embed.FS

// SystemFile holds the system instructions shared by every generator
const SystemFile = "system.json"

// Variant selects which template of an artifact file is used
type Variant string

const (
	// VariantInitial is used on a first attempt
	VariantInitial Variant = "initial"
	// VariantValidationRetry carries validator errors from the previous attempt
	VariantValidationRetry Variant = "validation-retry"
	// VariantHumanFeedback carries reviewer comments from a rejection
	VariantHumanFeedback Variant = "human-feedback"
)

// Variants lists every template an artifact file must define
var Variants = []Variant{VariantInitial, VariantValidationRetry, VariantHumanFeedback}

// VariantFor picks the template matching the feedback the generator received
func VariantFor(source types.FeedbackSource) Variant {
	switch source {
	case types.FeedbackValidation:
		return VariantValidationRetry
	case types.FeedbackHuman:
		return VariantHumanFeedback
	default:
		return VariantInitial
	}
}

// cache stores parsed prompt files to avoid repeated JSON parsing
var (
	cache   = make(map[string]map[string]string)
	cacheMu sync.RWMutex
)

// ForArtifact returns the template for kind and variant
func ForArtifact(kind types.ArtifactKind, v Variant) (string, error) {
	return Get(string(kind)+".json", string(v))
}

// Get retrieves a prompt by filename and key.
func Get(filename, key string) (string, error) {
	prompts, err := loadFile(filename)
	if err != nil {
		return "", err
	}

	prompt, exists := prompts[key]
	if !exists {
		return "", fmt.Errorf("prompt key %q not found in %s", key, filename)
	}
	return prompt, nil
}

// MustGet retrieves a prompt by filename and key, panicking if not found.
func MustGet(filename, key string) string {
	prompt, err := Get(filename, key)
	if err != nil {
		panic(fmt.Sprintf("failed to load prompt: %v", err))
	}
	return prompt
}

// Format replaces placeholders in the form {{.Key}} with values from data.
// Substitution is a single pass; placeholders inside values are left alone.
func Format(template string, data map[string]string) string {
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(keys))
	for _, key := range keys {
		pairs = append(pairs, fmt.Sprintf("{{.%s}}", key), data[key])
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

func loadFile(filename string) (map[string]string, error) {
	cacheMu.RLock()
	if prompts, exists := cache[filename]; exists {
		cacheMu.RUnlock()
		return prompts, nil
	}
	cacheMu.RUnlock()

	data, err := promptFiles.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file %s: %w", filename, err)
	}

	var prompts map[string]string
	if err := json.Unmarshal(data, &prompts); err != nil {
		return nil, fmt.Errorf("failed to parse prompt file %s: %w", filename, err)
	}

	cacheMu.Lock()
	cache[filename] = prompts
	cacheMu.Unlock()

	return prompts, nil
}

// ClearCache clears the prompt cache. Useful for testing.
func ClearCache() {
	cacheMu.Lock()
	cache = make(map[string]map[string]string)
	cacheMu.Unlock()
}
