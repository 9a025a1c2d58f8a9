package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonathan/survey-agent/internal/gvr"
	"github.com/jonathan/survey-agent/internal/prompts"
	"github.com/jonathan/survey-agent/internal/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ArtifactGenerator produces GVR artifacts by prompting an LLM
type ArtifactGenerator struct {
	client  Client
	tier    ModelTier
	logger  *zap.Logger
	limiter *rate.Limiter
}

// NewArtifactGenerator creates a generator that uses client at tier
func NewArtifactGenerator(client Client, tier ModelTier, logger *zap.Logger) *ArtifactGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArtifactGenerator{client: client, tier: tier, logger: logger}
}

// WithRequestsPerMinute throttles model calls shared by every run using g. Zero or less removes the limit.
func (g *ArtifactGenerator) WithRequestsPerMinute(n int) *ArtifactGenerator {
	if n <= 0 {
		g.limiter = nil
		return g
	}
	g.limiter = rate.NewLimiter(rate.Limit(float64(n)/60), 1)
	return g
}

// Generate builds the prompt for req, calls the model and returns the compacted JSON artifact
func (g *ArtifactGenerator) Generate(ctx context.Context, req gvr.GenerateRequest) (json.RawMessage, error) {
	prompt, err := BuildPrompt(req)
	if err != nil {
		return nil, &GenerationError{Kind: req.Kind, Message: "failed to build prompt", Cause: err}
	}
	system, err := prompts.Get(prompts.SystemFile, "artifact-generator")
	if err != nil {
		return nil, &GenerationError{Kind: req.Kind, Message: "failed to load system prompt", Cause: err}
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}
	}

	start := time.Now()
	text, err := g.client.GenerateJSON(ctx, system, prompt, g.tier)
	if err != nil {
		return nil, &GenerationError{Kind: req.Kind, Message: "model call failed", Cause: err}
	}
	g.logger.Debug("artifact generated",
		zap.String("kind", string(req.Kind)),
		zap.Int("iteration", req.Iteration),
		zap.Int("prompt_bytes", len(prompt)),
		zap.Int("response_bytes", len(text)),
		zap.Duration("duration", time.Since(start)),
	)

	artifact, err := DecodeJSONObject(text)
	if err != nil {
		return nil, &GenerationError{Kind: req.Kind, Message: "unusable response", Cause: err}
	}
	return artifact, nil
}

// BuildPrompt renders the template matching req's feedback
func BuildPrompt(req gvr.GenerateRequest) (string, error) {
	var source types.FeedbackSource
	if req.Feedback != nil {
		source = req.Feedback.Source
	}
	template, err := prompts.ForArtifact(req.Kind, prompts.VariantFor(source))
	if err != nil {
		return "", err
	}

	data := map[string]string{
		"Metadata":   formatMetadataTable(req.Reference.Variables),
		"Indicators": formatIndicators(req.Reference.Indicators),
		"Context":    contextSection(req.Kind, req.Reference),
		"Iteration":  strconv.Itoa(req.Iteration),
	}
	if fb := req.Feedback; fb != nil {
		data["Errors"] = formatErrors(fb.Errors)
		data["Feedback"] = strings.TrimSpace(fb.Comments)
		data["Previous"] = formatPrevious(fb.Previous)
	}
	return prompts.Format(template, data), nil
}

func formatMetadataTable(vars []types.VariableMetadata) string {
	var b strings.Builder
	b.WriteString("| Variable | Type | Label | Range/Values | Missing |\n")
	b.WriteString("|----------|------|-------|--------------|---------|\n")
	for _, v := range vars {
		label := v.Label
		if label == "" {
			label = "N/A"
		}
		rangeStr := "N/A"
		switch {
		case v.VariableType == types.VariableNumeric && v.MinValue != nil && v.MaxValue != nil:
			rangeStr = fmt.Sprintf("%s - %s", formatFloat(*v.MinValue), formatFloat(*v.MaxValue))
		case len(v.ValueLabels) > 0:
			rangeStr = fmt.Sprintf("%d values", len(v.ValueLabels))
		}
		missing := "None"
		if len(v.MissingValues) > 0 {
			missing = fmt.Sprintf("%d values", len(v.MissingValues))
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n", v.Name, v.VariableType, escapeCell(label), rangeStr, missing)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatIndicators(indicators []types.Indicator) string {
	if len(indicators) == 0 {
		return "No indicators available."
	}
	var b strings.Builder
	for _, i := range indicators {
		fmt.Fprintf(&b, "- **%s** (%s): %s [%s]\n", i.ID, i.Metric, i.Description, strings.Join(i.UnderlyingVariables, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func contextSection(kind types.ArtifactKind, ref types.ReferenceData) string {
	if kind != types.KindTableSpecs {
		return ""
	}
	var candidates []string
	for _, v := range ref.Variables {
		if strings.Contains(strings.ToLower(v.Name), "weight") || strings.Contains(strings.ToLower(v.Label), "weight") {
			candidates = append(candidates, v.Name)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Strings(candidates)
	return fmt.Sprintf("\n## Weighting Variables\n\nThe following variables appear to be weighting variables: %s\n",
		strings.Join(candidates, ", "))
}

func formatErrors(errs []string) string {
	if len(errs) == 0 {
		return "No validation errors found."
	}
	var b strings.Builder
	b.WriteString("**Critical Errors:**\n")
	for i, e := range errs {
		fmt.Fprintf(&b, "%d. %s\n", i+1, e)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatPrevious(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func escapeCell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", "/"), "\n", " ")
}
