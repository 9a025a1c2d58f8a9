package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jonathan/survey-agent/internal/processing"
	"github.com/jonathan/survey-agent/internal/state"
	"github.com/jonathan/survey-agent/internal/types"
	"github.com/jonathan/survey-agent/internal/workflow"
	"go.uber.org/zap"
)

func (p *Pipeline) extract(ctx context.Context, rec state.Record) (workflow.Result, error) {
	src, err := rec.SourcePath()
	if err != nil {
		return workflow.Result{}, err
	}
	cfg, err := rec.RunConfig()
	if err != nil {
		return workflow.Result{}, err
	}

	metadataPath := filepath.Join(cfg.OutputDir, fileMetadata)
	tool := p.tools[ToolExtract]
	switch {
	case tool.Configured():
		if _, err := p.runner.Run(ctx, tool, processing.Invocation{
			Name:   ToolExtract,
			Input:  src,
			Output: metadataPath,
			Env:    processing.ThresholdEnv(cfg.Thresholds),
		}); err != nil {
			return workflow.Result{}, err
		}
	case strings.EqualFold(filepath.Ext(src), ".json"):
		// the source is already a metadata document
		metadataPath = src
	default:
		return workflow.Result{}, workflow.Fatal(StepExtract,
			fmt.Sprintf("no %s tool configured and %s is not a metadata JSON file", ToolExtract, src), nil)
	}

	vars, err := LoadMetadata(metadataPath)
	if err != nil {
		return workflow.Result{}, err
	}
	delta := state.NewDelta().
		Set(SectionExtraction, FieldMetadataPath, metadataPath).
		Set(SectionExtraction, FieldRawVariables, vars)
	return workflow.Result{Delta: delta, Output: fmt.Sprintf("extracted %d variables", len(vars))}, nil
}

func (p *Pipeline) transform(_ context.Context, rec state.Record) (workflow.Result, error) {
	raw, err := state.MustGet[[]types.VariableMetadata](rec, SectionExtraction, FieldRawVariables)
	if err != nil {
		return workflow.Result{}, err
	}
	vars := NormalizeVariables(raw)
	delta := state.NewDelta().Set(SectionExtraction, FieldVariables, vars)
	return workflow.Result{Delta: delta, Output: fmt.Sprintf("normalized %d variables", len(vars))}, nil
}

func (p *Pipeline) filter(_ context.Context, rec state.Record) (workflow.Result, error) {
	vars, err := state.MustGet[[]types.VariableMetadata](rec, SectionExtraction, FieldVariables)
	if err != nil {
		return workflow.Result{}, err
	}
	cfg, err := rec.RunConfig()
	if err != nil {
		return workflow.Result{}, err
	}

	kept, dropped := FilterVariables(vars, cfg.Filter)
	for _, d := range dropped {
		p.logger.Debug("variable filtered", zap.String("variable", d.Name), zap.String("reason", d.Reason))
	}
	res := workflow.Result{
		Delta: state.NewDelta().
			Set(SectionExtraction, FieldFilteredVariables, kept).
			Set(SectionExtraction, FieldDroppedVariables, dropped),
		Output: fmt.Sprintf("kept %d of %d variables", len(kept), len(vars)),
	}
	if len(kept) == 0 {
		res.Warnings = []string{"every variable was filtered out; recoding has nothing to work with"}
	}
	return res, nil
}

// LoadMetadata reads variable metadata written by the extraction tool.
// Both a bare array and an object with a "variables" array are accepted.
func LoadMetadata(path string) ([]types.VariableMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata %s: %w", path, err)
	}
	var vars []types.VariableMetadata
	if err := json.Unmarshal(data, &vars); err == nil {
		return vars, nil
	}
	var doc struct {
		Variables []types.VariableMetadata `json:"variables"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse metadata %s: %w", path, err)
	}
	if doc.Variables == nil {
		return nil, fmt.Errorf("metadata %s has no variables", path)
	}
	return doc.Variables, nil
}

var typeAliases = map[string]string{
	"numeric":  types.VariableNumeric,
	"number":   types.VariableNumeric,
	"float":    types.VariableNumeric,
	"double":   types.VariableNumeric,
	"int":      types.VariableNumeric,
	"integer":  types.VariableNumeric,
	"f":        types.VariableNumeric,
	"string":   types.VariableString,
	"str":      types.VariableString,
	"text":     types.VariableString,
	"a":        types.VariableString,
	"date":     types.VariableDate,
	"datetime": types.VariableDate,
}

// NormalizeVariables canonicalises variable types and derives cardinality from value labels.
// Variables are returned sorted by name.
func NormalizeVariables(raw []types.VariableMetadata) []types.VariableMetadata {
	out := make([]types.VariableMetadata, 0, len(raw))
	for _, v := range raw {
		v.Name = strings.TrimSpace(v.Name)
		if v.Name == "" {
			continue
		}
		if canonical, ok := typeAliases[strings.ToLower(strings.TrimSpace(v.VariableType))]; ok {
			v.VariableType = canonical
		} else if v.VariableType == "" {
			v.VariableType = types.VariableNumeric
		}
		v.MeasurementLevel = strings.ToLower(v.MeasurementLevel)
		if v.Cardinality == 0 {
			v.Cardinality = len(v.ValueLabels)
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FilterVariables drops variables that are unsuitable for recoding and records why
func FilterVariables(vars []types.VariableMetadata, cfg types.FilterConfig) ([]types.VariableMetadata, []types.FilteredVariable) {
	kept := make([]types.VariableMetadata, 0, len(vars))
	var dropped []types.FilteredVariable
	for _, v := range vars {
		if reason := dropReason(v, cfg); reason != "" {
			dropped = append(dropped, types.FilteredVariable{Name: v.Name, Reason: reason})
			continue
		}
		kept = append(kept, v)
	}
	return kept, dropped
}

func dropReason(v types.VariableMetadata, cfg types.FilterConfig) string {
	if cfg.CardinalityThreshold > 0 && v.Cardinality > cfg.CardinalityThreshold {
		return fmt.Sprintf("cardinality %d exceeds threshold %d", v.Cardinality, cfg.CardinalityThreshold)
	}
	if cfg.Binary && v.Cardinality == 2 {
		return "binary variable needs no recoding"
	}
	if cfg.OtherText && v.VariableType == types.VariableString && isOtherText(v) {
		return "free-text \"other\" response"
	}
	return ""
}

func isOtherText(v types.VariableMetadata) bool {
	name := strings.ToLower(v.Name)
	label := strings.ToLower(v.Label)
	return strings.Contains(name, "other") || strings.HasSuffix(name, "_oth") ||
		strings.Contains(label, "other") || strings.Contains(label, "please specify")
}
