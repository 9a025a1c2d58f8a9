package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jonathan/survey-agent/internal/gvr"
	"github.com/jonathan/survey-agent/internal/processing"
	"github.com/jonathan/survey-agent/internal/state"
	"github.com/jonathan/survey-agent/internal/types"
	"github.com/jonathan/survey-agent/internal/validation"
	"github.com/jonathan/survey-agent/internal/workflow"
	"go.uber.org/zap"
)

// Options configures the collaborators of a pipeline
type Options struct {
	// Generator produces every artifact kind. Required.
	Generator gvr.Generator
	// Validator defaults to the deterministic checks in package validation
	Validator gvr.Validator
	// Tools maps tool names to external programs. Missing tools make their step a no-op.
	Tools map[string]processing.Tool
	// Runner defaults to a runner that logs through Logger
	Runner *processing.Runner
	// GenerateTimeout bounds each LLM call; zero uses the run default
	GenerateTimeout time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Pipeline holds the collaborators shared by the non-GVR step handlers
type Pipeline struct {
	tools  map[string]processing.Tool
	runner *processing.Runner
	logger *zap.Logger
}

// Build registers every survey pipeline step and wires the edges between them
func Build(opts Options) (*workflow.Registry, *workflow.Router, error) {
	if opts.Generator == nil {
		return nil, nil, fmt.Errorf("pipeline: generator is required")
	}
	if opts.Validator == nil {
		opts.Validator = gvr.ValidatorFunc(validation.Validate)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Runner == nil {
		opts.Runner = processing.NewRunner(opts.Logger)
	}
	p := &Pipeline{tools: opts.Tools, runner: opts.Runner, logger: opts.Logger}

	reg := workflow.NewRegistry()
	router := workflow.NewRouter()

	steps := []workflow.Step{
		{ID: StepExtract, Owns: []state.Section{SectionExtraction}, Handler: p.extract},
		{ID: StepTransform, Owns: []state.Section{SectionExtraction}, Handler: p.transform},
		{ID: StepFilter, Owns: []state.Section{SectionExtraction}, Handler: p.filter},
		{ID: StepRecodingSyntax, Owns: []state.Section{SectionTransformation}, Handler: p.recodingSyntax},
		{ID: StepExecuteRecoding, Owns: []state.Section{SectionTransformation}, Handler: p.executeRecoding},
		{ID: StepTableSyntax, Owns: []state.Section{SectionCrossTables}, Handler: p.tableSyntax},
		{ID: StepExecuteTables, Owns: []state.Section{SectionCrossTables}, Handler: p.executeTables},
		{ID: StepStatistics, Owns: []state.Section{SectionStatistics}, Handler: p.statistics},
		{ID: StepFilterSignificant, Owns: []state.Section{SectionFiltering}, Handler: p.filterSignificant},
		{ID: StepPresentation, Owns: []state.Section{SectionPresentation}, Handler: p.presentation},
	}
	for _, s := range steps {
		if err := reg.Register(s); err != nil {
			return nil, nil, err
		}
	}

	cycles := []gvr.Spec{
		{Kind: types.KindRecodingRules, Section: SectionRecoding, Next: StepRecodingSyntax, Reference: recodingReference},
		{Kind: types.KindIndicators, Section: SectionIndicators, Next: gvr.GenerateStep(types.KindTableSpecs), Reference: indicatorsReference},
		{Kind: types.KindTableSpecs, Section: SectionTableSpecs, Next: StepTableSyntax, Reference: tableSpecsReference},
	}
	for _, spec := range cycles {
		spec.Generator = opts.Generator
		spec.Validator = opts.Validator
		spec.Timeout = opts.GenerateTimeout
		spec.Clock = opts.Clock
		if err := gvr.Register(reg, router, spec); err != nil {
			return nil, nil, err
		}
	}

	edges := [][2]string{
		{StepExtract, StepTransform},
		{StepTransform, StepFilter},
		{StepFilter, gvr.GenerateStep(types.KindRecodingRules)},
		{StepRecodingSyntax, StepExecuteRecoding},
		{StepExecuteRecoding, gvr.GenerateStep(types.KindIndicators)},
		{StepTableSyntax, StepExecuteTables},
		{StepExecuteTables, StepStatistics},
		{StepStatistics, StepFilterSignificant},
		{StepFilterSignificant, StepPresentation},
		{StepPresentation, workflow.End},
	}
	for _, e := range edges {
		if err := router.Connect(e[0], e[1]); err != nil {
			return nil, nil, err
		}
	}
	if err := router.Validate(reg); err != nil {
		return nil, nil, err
	}
	return reg, router, nil
}

// recodingReference is the filtered metadata the recoding rules are written against
func recodingReference(rec state.Record) (types.ReferenceData, error) {
	vars, err := state.MustGet[[]types.VariableMetadata](rec, SectionExtraction, FieldFilteredVariables)
	if err != nil {
		return types.ReferenceData{}, err
	}
	return types.ReferenceData{Variables: vars}, nil
}

// indicatorsReference adds the variables created by the approved recoding rules
func indicatorsReference(rec state.Record) (types.ReferenceData, error) {
	vars, err := state.MustGet[[]types.VariableMetadata](rec, SectionExtraction, FieldFilteredVariables)
	if err != nil {
		return types.ReferenceData{}, err
	}
	rules, err := gvr.ApprovedArtifact[types.RecodingRules](rec, SectionRecoding)
	if err != nil {
		return types.ReferenceData{}, err
	}
	return types.ReferenceData{Variables: WithTargets(vars, &rules)}, nil
}

// tableSpecsReference uses the unfiltered metadata so weighting variables stay visible
func tableSpecsReference(rec state.Record) (types.ReferenceData, error) {
	vars, err := state.MustGet[[]types.VariableMetadata](rec, SectionExtraction, FieldVariables)
	if err != nil {
		return types.ReferenceData{}, err
	}
	rules, err := gvr.ApprovedArtifact[types.RecodingRules](rec, SectionRecoding)
	if err != nil {
		return types.ReferenceData{}, err
	}
	indicators, err := gvr.ApprovedArtifact[types.Indicators](rec, SectionIndicators)
	if err != nil {
		return types.ReferenceData{}, err
	}
	return types.ReferenceData{
		Variables:  WithTargets(vars, &rules),
		Indicators: indicators.Indicators,
	}, nil
}

// WithTargets appends metadata for recoding targets not already present in vars
func WithTargets(vars []types.VariableMetadata, rules *types.RecodingRules) []types.VariableMetadata {
	seen := make(map[string]bool, len(vars))
	out := append([]types.VariableMetadata(nil), vars...)
	for _, v := range vars {
		seen[v.Name] = true
	}
	for _, rule := range rules.Rules {
		if seen[rule.TargetVariable] {
			continue
		}
		seen[rule.TargetVariable] = true
		out = append(out, targetMetadata(rule))
	}
	return out
}

func targetMetadata(rule types.RecodingRule) types.VariableMetadata {
	labels := make(map[string]string, len(rule.Transformations))
	values := make([]float64, 0, len(rule.Transformations))
	for _, t := range rule.Transformations {
		key := strconv.FormatFloat(t.Target, 'f', -1, 64)
		if _, dup := labels[key]; !dup {
			values = append(values, t.Target)
		}
		labels[key] = t.Label
	}
	v := types.VariableMetadata{
		Name:             rule.TargetVariable,
		Label:            rule.Rationale,
		VariableType:     types.VariableNumeric,
		MeasurementLevel: "ordinal",
		ValueLabels:      labels,
		Cardinality:      len(labels),
	}
	if len(values) > 0 {
		sort.Float64s(values)
		lo, hi := values[0], values[len(values)-1]
		v.MinValue, v.MaxValue = &lo, &hi
	}
	return v
}
