package validation

import (
	"encoding/json"
	"testing"

	"github.com/jonathan/survey-agent/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReference() types.ReferenceData {
	return types.ReferenceData{
		Variables: []types.VariableMetadata{
			{Name: "age", VariableType: types.VariableNumeric},
			{Name: "q1", VariableType: types.VariableNumeric},
			{Name: "q2", VariableType: types.VariableNumeric},
			{Name: "region", VariableType: types.VariableString},
			{Name: "weight", VariableType: types.VariableNumeric},
		},
		Indicators: []types.Indicator{
			{ID: "ind_age", Metric: types.MetricDistribution, UnderlyingVariables: []string{"age"}},
			{ID: "ind_trust", Metric: types.MetricAverage, UnderlyingVariables: []string{"q1", "q2"}},
			{ID: "ind_region", Metric: types.MetricDistribution, UnderlyingVariables: []string{"region"}},
		},
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestValidateEmptyArtifact(t *testing.T) {
	result, err := Validate(types.KindIndicators, nil, testReference())
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, []string{CheckStructure}, result.ChecksPerformed)
}

func TestValidateSchemaFailureSkipsSemanticChecks(t *testing.T) {
	result, err := Validate(types.KindIndicators, json.RawMessage(`{"indicators":[{"id":"x"}]}`), testReference())
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, []string{CheckStructure}, result.ChecksPerformed)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "Schema: ")
}

func TestValidateUnknownKindIsLogicError(t *testing.T) {
	_, err := Validate("slides", json.RawMessage(`{}`), testReference())
	var vErr *Error
	assert.ErrorAs(t, err, &vErr)
}

func TestValidateRecodingRules(t *testing.T) {
	ageGroups := types.RecodingRule{
		SourceVariable: "age",
		TargetVariable: "age_group",
		RuleType:       types.RuleTypeRange,
		Transformations: []types.Transformation{
			{Source: []float64{18, 24}, Target: 1, Label: "18-24"},
			{Source: []float64{25, 34}, Target: 2, Label: "25-34"},
		},
	}

	tests := []struct {
		name         string
		rules        []types.RecodingRule
		wantErrors   []string
		wantWarnings []string
	}{
		{
			name:  "valid",
			rules: []types.RecodingRule{ageGroups},
		},
		{
			name: "unknown source",
			rules: []types.RecodingRule{{SourceVariable: "income", TargetVariable: "income_band", RuleType: types.RuleTypeMapping,
				Transformations: []types.Transformation{{Source: []float64{1}, Target: 1}}}},
			wantErrors: []string{"Source variable 'income' not found in metadata. Rule target: income_band"},
		},
		{
			name: "target shadows existing variable",
			rules: []types.RecodingRule{{SourceVariable: "q1", TargetVariable: "q2", RuleType: types.RuleTypeMapping,
				Transformations: []types.Transformation{{Source: []float64{1}, Target: 1}}}},
			wantWarnings: []string{"Target variable 'q2' already exists in metadata. It will be overwritten by the recoding."},
		},
		{
			name: "range with wrong arity",
			rules: []types.RecodingRule{{SourceVariable: "age", TargetVariable: "age_group", RuleType: types.RuleTypeRange,
				Transformations: []types.Transformation{{Source: []float64{18, 24, 30}, Target: 1}}}},
			wantErrors: []string{"Invalid range in rule age_group: Range must have exactly 2 values, got 3"},
		},
		{
			name: "inverted range",
			rules: []types.RecodingRule{{SourceVariable: "age", TargetVariable: "age_group", RuleType: types.RuleTypeRange,
				Transformations: []types.Transformation{{Source: []float64{30, 18}, Target: 1}}}},
			wantErrors: []string{"Invalid range in rule age_group: Range start (30) > end (18)"},
		},
		{
			name:       "duplicate target",
			rules:      []types.RecodingRule{ageGroups, ageGroups},
			wantErrors: []string{"Duplicate target variables found: ['age_group']. Each target variable should only be created once."},
		},
		{
			name: "no source values",
			rules: []types.RecodingRule{{SourceVariable: "q1", TargetVariable: "q1_bin", RuleType: types.RuleTypeMapping,
				Transformations: []types.Transformation{{Source: []float64{}, Target: 1}}}},
			wantErrors: []string{"Rule q1_bin has no source values defined"},
		},
		{
			name: "duplicate target values",
			rules: []types.RecodingRule{{SourceVariable: "q1", TargetVariable: "q1_bin", RuleType: types.RuleTypeMapping,
				Transformations: []types.Transformation{{Source: []float64{1}, Target: 1}, {Source: []float64{2}, Target: 1}}}},
			wantErrors: []string{"Rule q1_bin has duplicate target values. Each transformation should map to a unique target value."},
		},
		{
			name: "shared endpoint",
			rules: []types.RecodingRule{{SourceVariable: "age", TargetVariable: "age_group", RuleType: types.RuleTypeRange,
				Transformations: []types.Transformation{{Source: []float64{18, 24}, Target: 1}, {Source: []float64{24, 34}, Target: 2}}}},
			wantErrors: []string{"Rule age_group has overlapping source values. Each source value should only appear once."},
		},
		{
			name: "range overlap",
			rules: []types.RecodingRule{{SourceVariable: "age", TargetVariable: "age_group", RuleType: types.RuleTypeRange,
				Transformations: []types.Transformation{{Source: []float64{18, 30}, Target: 1}, {Source: []float64{25, 40}, Target: 2}}}},
			wantErrors: []string{"Rule age_group has overlapping ranges 18-30 and 25-40"},
		},
		{
			name: "derived rules skip value checks",
			rules: []types.RecodingRule{{SourceVariable: "q1", TargetVariable: "q1_copy", RuleType: types.RuleTypeDerived,
				Transformations: []types.Transformation{{Source: []float64{1}, Target: 1}, {Source: []float64{1}, Target: 2}}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			artifact := mustJSON(t, types.RecodingRules{Rules: tt.rules})
			result, err := Validate(types.KindRecodingRules, artifact, testReference())
			require.NoError(t, err)

			assert.Equal(t, len(tt.wantErrors) == 0, result.IsValid, "errors: %v", result.Errors)
			for _, want := range tt.wantErrors {
				assert.Contains(t, result.Errors, want)
			}
			for _, want := range tt.wantWarnings {
				assert.Contains(t, result.Warnings, want)
			}
			assert.Equal(t, []string{
				CheckStructure, CheckSourceVariables, CheckTargetConflicts, CheckValueRanges, CheckDuplicateTargets,
				CheckCompleteness, CheckTargetValueUnique, CheckSourceValueOverlap, CheckRangeIntervalsApart,
			}, result.ChecksPerformed)
		})
	}
}

func TestValidateIndicators(t *testing.T) {
	tests := []struct {
		name         string
		indicators   []types.Indicator
		wantErrors   []string
		wantWarnings []string
	}{
		{
			name: "valid",
			indicators: []types.Indicator{
				{ID: "ind_1", Description: "Trust", Metric: types.MetricAverage, UnderlyingVariables: []string{"q1", "q2"}},
				{ID: "ind_2", Description: "Region", Metric: types.MetricDistribution, UnderlyingVariables: []string{"region"}},
			},
		},
		{
			name:       "unknown variable",
			indicators: []types.Indicator{{ID: "ind_1", Metric: types.MetricAverage, UnderlyingVariables: []string{"q9"}}},
			wantErrors: []string{"Indicator 'ind_1' references non-existent variable 'q9'"},
		},
		{
			name:       "invalid metric",
			indicators: []types.Indicator{{ID: "ind_1", Metric: "median", UnderlyingVariables: []string{"q1"}}},
			wantErrors: []string{"Indicator 'ind_1' has invalid metric 'median'. Valid metrics: average, distribution, percentage"},
		},
		{
			name: "duplicate ids",
			indicators: []types.Indicator{
				{ID: "ind_1", Metric: types.MetricAverage, UnderlyingVariables: []string{"q1"}},
				{ID: "ind_1", Metric: types.MetricAverage, UnderlyingVariables: []string{"q2"}},
			},
			wantErrors: []string{"Duplicate indicator IDs found: ['ind_1']. Each indicator ID must be unique."},
		},
		{
			name:       "no variables",
			indicators: []types.Indicator{{ID: "ind_1", Metric: types.MetricDistribution, UnderlyingVariables: []string{}}},
			wantErrors: []string{"Indicator 'ind_1' has no underlying variables. Each indicator must have at least one variable."},
		},
		{
			name:       "average over text",
			indicators: []types.Indicator{{ID: "ind_1", Metric: types.MetricAverage, UnderlyingVariables: []string{"region"}}},
			wantErrors: []string{"Indicator 'ind_1' uses metric 'average' with non-numeric variable 'region' (type: string)"},
		},
		{
			name:       "percentage over text warns",
			indicators: []types.Indicator{{ID: "ind_1", Metric: types.MetricPercentage, UnderlyingVariables: []string{"region"}}},
			wantWarnings: []string{
				"Indicator 'ind_1' uses metric 'percentage' with variable 'region' (type: string). Percentage typically uses binary (0/1) variables.",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			artifact := mustJSON(t, types.Indicators{Indicators: tt.indicators})
			result, err := Validate(types.KindIndicators, artifact, testReference())
			require.NoError(t, err)

			assert.Equal(t, len(tt.wantErrors) == 0, result.IsValid, "errors: %v", result.Errors)
			for _, want := range tt.wantErrors {
				assert.Contains(t, result.Errors, want)
			}
			for _, want := range tt.wantWarnings {
				assert.Contains(t, result.Warnings, want)
			}
			assert.Len(t, result.ChecksPerformed, 6)
		})
	}
}

func TestValidateTableSpecs(t *testing.T) {
	ptrFloat := func(v float64) *float64 { return &v }
	ptrInt := func(v int) *int { return &v }

	tests := []struct {
		name       string
		specs      types.TableSpecs
		wantErrors []string
	}{
		{
			name: "valid",
			specs: types.TableSpecs{
				Tables: []types.TableSpec{{
					ID: "t1", RowIndicators: []string{"ind_trust"}, ColumnIndicators: []string{"ind_age"},
					SortRows: types.SortDesc, CramersVThreshold: ptrFloat(0.1), MinCount: ptrInt(30),
				}},
				WeightingVariable: "weight",
			},
		},
		{
			name: "unknown indicator",
			specs: types.TableSpecs{Tables: []types.TableSpec{{
				ID: "t1", RowIndicators: []string{"ind_x"}, ColumnIndicators: []string{"ind_age"},
			}}},
			wantErrors: []string{"Table 't1' references non-existent indicator 'ind_x'"},
		},
		{
			name: "row and column overlap",
			specs: types.TableSpecs{Tables: []types.TableSpec{{
				ID: "t1", RowIndicators: []string{"ind_age", "ind_trust"}, ColumnIndicators: []string{"ind_age"},
			}}},
			wantErrors: []string{"Table 't1' has overlapping indicators in rows and columns: ['ind_age']"},
		},
		{
			name: "missing weighting variable",
			specs: types.TableSpecs{
				Tables:            []types.TableSpec{{ID: "t1", RowIndicators: []string{"ind_trust"}, ColumnIndicators: []string{"ind_age"}}},
				WeightingVariable: "wt_final",
			},
			wantErrors: []string{"Weighting variable 'wt_final' not found in metadata"},
		},
		{
			name: "invalid sort",
			specs: types.TableSpecs{Tables: []types.TableSpec{{
				ID: "t1", RowIndicators: []string{"ind_trust"}, ColumnIndicators: []string{"ind_age"}, SortColumns: "random",
			}}},
			wantErrors: []string{"Table 't1' has invalid sort_columns value 'random'. Valid options: asc, desc, none"},
		},
		{
			name: "cramers v out of range",
			specs: types.TableSpecs{Tables: []types.TableSpec{{
				ID: "t1", RowIndicators: []string{"ind_trust"}, ColumnIndicators: []string{"ind_age"}, CramersVThreshold: ptrFloat(1.5),
			}}},
			wantErrors: []string{"Table 't1' has Cramer's V threshold 1.5 which is outside valid range [0, 1]"},
		},
		{
			name: "non-positive min count",
			specs: types.TableSpecs{Tables: []types.TableSpec{{
				ID: "t1", RowIndicators: []string{"ind_trust"}, ColumnIndicators: []string{"ind_age"}, MinCount: ptrInt(0),
			}}},
			wantErrors: []string{"Table 't1' has min_count 0 which must be greater than 0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			artifact := mustJSON(t, tt.specs)
			result, err := Validate(types.KindTableSpecs, artifact, testReference())
			require.NoError(t, err)

			assert.Equal(t, len(tt.wantErrors) == 0, result.IsValid, "errors: %v", result.Errors)
			for _, want := range tt.wantErrors {
				assert.Contains(t, result.Errors, want)
			}
			assert.Equal(t, []string{
				CheckStructure, CheckIndicatorIDs, CheckRowColumnOverlap, CheckWeighting, CheckSorting, CheckCramersV, CheckMinCount,
			}, result.ChecksPerformed)
		})
	}
}

func TestValidateIsDeterministic(t *testing.T) {
	artifact := mustJSON(t, types.Indicators{Indicators: []types.Indicator{
		{ID: "b", Metric: "bad", UnderlyingVariables: []string{"nope"}},
		{ID: "b", Metric: types.MetricAverage, UnderlyingVariables: []string{"region"}},
	}})
	first, err := Validate(types.KindIndicators, artifact, testReference())
	require.NoError(t, err)
	second, err := Validate(types.KindIndicators, artifact, testReference())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
