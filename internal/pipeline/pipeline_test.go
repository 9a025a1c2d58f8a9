package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonathan/survey-agent/internal/checkpoint"
	"github.com/jonathan/survey-agent/internal/gvr"
	"github.com/jonathan/survey-agent/internal/processing"
	"github.com/jonathan/survey-agent/internal/state"
	"github.com/jonathan/survey-agent/internal/types"
	"github.com/jonathan/survey-agent/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

const surveyMetadata = `{"variables": [
  {"name": "age", "label": "Age of respondent", "variable_type": "numeric", "min_value": 18, "max_value": 90},
  {"name": "q1", "label": "Trust in institutions", "variable_type": "F",
   "value_labels": {"1": "None", "2": "Little", "3": "Some", "4": "Much", "5": "Complete"}},
  {"name": "gender", "label": "Gender", "variable_type": "numeric", "value_labels": {"1": "Male", "2": "Female"}},
  {"name": "region", "label": "Region", "variable_type": "numeric",
   "value_labels": {"1": "North", "2": "South", "3": "East", "4": "West"}},
  {"name": "wt", "label": "Design weight", "variable_type": "numeric", "cardinality": 500},
  {"name": "q9_other", "label": "Other, please specify", "variable_type": "A"}
]}`

var testArtifacts = map[types.ArtifactKind]string{
	types.KindRecodingRules: `{"recoding_rules": [{"source_variable": "age", "target_variable": "age_group", "rule_type": "range",
		"transformations": [{"source": [18, 34], "target": 1, "label": "18-34"}, {"source": [35, 90], "target": 2, "label": "35+"}],
		"rationale": "Age cohorts"}]}`,
	types.KindIndicators: `{"indicators": [
		{"id": "IND_AGE", "description": "Age cohort", "metric": "distribution", "underlying_variables": ["age_group"]},
		{"id": "IND_TRUST", "description": "Mean trust", "metric": "average", "underlying_variables": ["q1"]},
		{"id": "IND_REGION", "description": "Region", "metric": "distribution", "underlying_variables": ["region"]}]}`,
	types.KindTableSpecs: `{"tables": [
		{"id": "T1", "description": "Trust by age", "row_indicators": ["IND_TRUST"], "column_indicators": ["IND_AGE"]},
		{"id": "T2", "description": "Region by age", "row_indicators": ["IND_REGION"], "column_indicators": ["IND_AGE"], "sort_rows": "desc"}],
		"weighting_variable": "wt"}`,
}

// fixedGenerator returns the same artifact for a kind on every attempt
type fixedGenerator struct {
	mu   sync.Mutex
	refs map[types.ArtifactKind]types.ReferenceData
}

func (g *fixedGenerator) Generate(_ context.Context, req gvr.GenerateRequest) (json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refs == nil {
		g.refs = map[types.ArtifactKind]types.ReferenceData{}
	}
	g.refs[req.Kind] = req.Reference
	raw, ok := testArtifacts[req.Kind]
	if !ok {
		return nil, fmt.Errorf("no artifact for %s", req.Kind)
	}
	return json.RawMessage(raw), nil
}

func (g *fixedGenerator) reference(kind types.ArtifactKind) types.ReferenceData {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refs[kind]
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available, skipping tool test")
	}
}

func shellTool(script string) processing.Tool {
	return processing.Tool{Program: "sh", Args: []string{"-c", script, "{input}", "{output}"}}
}

func writeSource(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "survey.json")
	require.NoError(t, os.WriteFile(src, []byte(surveyMetadata), 0644))
	return src, filepath.Join(dir, "out")
}

func testConfig(src, out string) types.RunConfig {
	return types.RunConfig{
		SourcePath:    src,
		OutputDir:     out,
		MaxIterations: 3,
		ModifyPolicy:  types.ModifyAccept,
		Thresholds:    map[string]float64{"p_value": 0.05},
		Filter:        types.FilterConfig{CardinalityThreshold: 50, Binary: true, OtherText: true},
	}
}

func newEngine(t *testing.T, gen gvr.Generator, tools map[string]processing.Tool) *workflow.Engine {
	t.Helper()
	reg, router, err := Build(Options{
		Generator: gen,
		Tools:     tools,
		Clock:     func() time.Time { return testNow },
	})
	require.NoError(t, err)
	eng, err := workflow.NewEngine(reg, router, checkpoint.NewMemoryStore(), workflow.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	return eng
}

func start(t *testing.T, eng *workflow.Engine, cfg types.RunConfig) *workflow.Run {
	t.Helper()
	run, err := eng.Start(context.Background(), workflow.StartRequest{
		RunID:      "survey-1",
		SourcePath: cfg.SourcePath,
		Config:     cfg,
		StartStep:  StartStep,
	})
	require.NoError(t, err)
	return run
}

func traceStatus(run *workflow.Run) map[string]types.TraceStatus {
	out := map[string]types.TraceStatus{}
	for _, e := range run.Record.Trace {
		out[e.Step] = e.Status
	}
	return out
}

func TestBuildRequiresGenerator(t *testing.T) {
	_, _, err := Build(Options{})
	assert.Error(t, err)
}

func TestBuildRegistersEveryStep(t *testing.T) {
	reg, router, err := Build(Options{Generator: &fixedGenerator{}})
	require.NoError(t, err)

	ids := reg.IDs()
	for _, id := range []string{
		StepExtract, StepTransform, StepFilter,
		gvr.GenerateStep(types.KindRecodingRules), gvr.ReviewStep(types.KindRecodingRules),
		StepRecodingSyntax, StepExecuteRecoding,
		gvr.GenerateStep(types.KindIndicators), gvr.ValidateStep(types.KindIndicators),
		gvr.GenerateStep(types.KindTableSpecs), gvr.ReviewStep(types.KindTableSpecs),
		StepTableSyntax, StepExecuteTables, StepStatistics, StepFilterSignificant, StepPresentation,
	} {
		assert.Contains(t, ids, id)
	}
	assert.Equal(t, []string{StepRecodingSyntax, gvr.GenerateStep(types.KindRecodingRules)},
		router.Successors(gvr.ReviewStep(types.KindRecodingRules)))
	assert.Equal(t, []string{gvr.GenerateStep(types.KindTableSpecs), gvr.GenerateStep(types.KindIndicators)},
		router.Successors(gvr.ReviewStep(types.KindIndicators)))
	assert.Equal(t, []string{workflow.End}, router.Successors(StepPresentation))
}

func TestRunWithoutToolsCompletes(t *testing.T) {
	src, out := writeSource(t)
	gen := &fixedGenerator{}
	run := start(t, newEngine(t, gen, nil), testConfig(src, out))

	require.Equal(t, types.RunCompleted, run.Status, run.Error)
	assert.Equal(t, StepPresentation, run.Step)

	statuses := traceStatus(run)
	assert.Equal(t, types.TraceOK, statuses[StepExtract])
	assert.Equal(t, types.TraceOK, statuses[StepRecodingSyntax])
	assert.Equal(t, types.TraceOK, statuses[StepTableSyntax])
	for _, step := range []string{StepExecuteRecoding, StepExecuteTables, StepStatistics, StepFilterSignificant, StepPresentation} {
		assert.Equal(t, types.TraceSkipped, statuses[step], step)
	}

	// every review is auto-approved
	require.Len(t, run.Record.Approvals, 3)
	for _, a := range run.Record.Approvals {
		assert.Equal(t, types.ApprovalApproved, a.Decision)
		assert.Equal(t, gvr.AutoApprovedComment, a.Comments)
	}

	recode, err := os.ReadFile(filepath.Join(out, fileRecodeSyntax))
	require.NoError(t, err)
	assert.Contains(t, string(recode), "RECODE age (18 THRU 34=1) (35 THRU 90=2) INTO age_group.")

	tables, err := os.ReadFile(filepath.Join(out, fileTableSyntax))
	require.NoError(t, err)
	assert.Contains(t, string(tables), "WEIGHT BY wt.")
	assert.Contains(t, string(tables), "MEANS TABLES=q1 BY age_group")
	assert.Contains(t, string(tables), "/TABLES=region BY age_group")

	syntaxPath, err := state.MustGet[string](run.Record, SectionTransformation, FieldSyntaxPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, fileRecodeSyntax), syntaxPath)
}

func TestReferencesFollowPipelineProgress(t *testing.T) {
	src, out := writeSource(t)
	gen := &fixedGenerator{}
	run := start(t, newEngine(t, gen, nil), testConfig(src, out))
	require.Equal(t, types.RunCompleted, run.Status, run.Error)

	names := func(ref types.ReferenceData) []string {
		var out []string
		for _, v := range ref.Variables {
			out = append(out, v.Name)
		}
		return out
	}
	assert.Equal(t, []string{"age", "q1", "region"}, names(gen.reference(types.KindRecodingRules)))
	assert.Equal(t, []string{"age", "q1", "region", "age_group"}, names(gen.reference(types.KindIndicators)))

	tableRef := gen.reference(types.KindTableSpecs)
	assert.Contains(t, names(tableRef), "wt")
	assert.Contains(t, names(tableRef), "age_group")
	assert.Len(t, tableRef.Indicators, 3)

	dropped, err := state.MustGet[[]types.FilteredVariable](run.Record, SectionExtraction, FieldDroppedVariables)
	require.NoError(t, err)
	var droppedNames []string
	for _, d := range dropped {
		droppedNames = append(droppedNames, d.Name)
	}
	assert.ElementsMatch(t, []string{"gender", "q9_other", "wt"}, droppedNames)
}

func TestRunWithReviewSuspendsAtEachCycle(t *testing.T) {
	src, out := writeSource(t)
	eng := newEngine(t, &fixedGenerator{}, nil)
	cfg := testConfig(src, out)
	cfg.EnableHumanReview = true
	cfg.AutoApprove = []types.ArtifactKind{types.KindIndicators}

	run := start(t, eng, cfg)
	require.Equal(t, types.RunSuspended, run.Status, run.Error)
	assert.Equal(t, gvr.ReviewStep(types.KindRecodingRules), run.Step)
	require.NotNil(t, run.Suspension.Review)
	assert.True(t, run.Suspension.Review.Validation.IsValid)

	run, err := eng.Resume(context.Background(), "survey-1", types.Decision{Decision: types.DecisionApprove, Comments: "fine"})
	require.NoError(t, err)
	require.Equal(t, types.RunSuspended, run.Status, run.Error)
	assert.Equal(t, gvr.ReviewStep(types.KindTableSpecs), run.Step)

	run, err = eng.Resume(context.Background(), "survey-1", types.Decision{Decision: types.DecisionApprove})
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status, run.Error)

	require.Len(t, run.Record.Approvals, 3)
	assert.Equal(t, "fine", run.Record.Approvals[0].Comments)
	assert.Equal(t, gvr.AutoApprovedComment, run.Record.Approvals[1].Comments)
	assert.Equal(t, types.KindTableSpecs, run.Record.Approvals[2].Kind)
}

func TestRunExecutesConfiguredTools(t *testing.T) {
	requireShell(t)
	src, out := writeSource(t)
	tools := map[string]processing.Tool{
		ToolRecode:       shellTool(`echo "recoded 3 cases"; echo "warning: empty value labels" >&2; cp "$0" "$1"`),
		ToolTables:       shellTool(`echo '[{"id":"T1"},{"id":"T2"}]' > "$1"`),
		ToolStatistics:   shellTool(`echo "{\"p_value\": $SURVEY_AGENT_THRESHOLD_P_VALUE}" > "$1"`),
		ToolFilter:       shellTool(`echo '{"tables":[{"id":"T2"}]}' > "$1"`),
		ToolPresentation: shellTool(`cp "$0" "$1"`),
	}
	run := start(t, newEngine(t, &fixedGenerator{}, tools), testConfig(src, out))
	require.Equal(t, types.RunCompleted, run.Status, run.Error)

	statuses := traceStatus(run)
	for _, step := range []string{StepExecuteRecoding, StepExecuteTables, StepStatistics, StepFilterSignificant, StepPresentation} {
		assert.Equal(t, types.TraceOK, statuses[step], step)
	}

	count, err := state.MustGet[int](run.Record, SectionFiltering, FieldSignificantCount)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stats, err := os.ReadFile(filepath.Join(out, fileStatistics))
	require.NoError(t, err)
	assert.JSONEq(t, `{"p_value": 0.05}`, string(stats))

	presentation, err := state.MustGet[string](run.Record, SectionPresentation, FieldOutputPath)
	require.NoError(t, err)
	assert.FileExists(t, presentation)
	assert.NoFileExists(t, presentation+processing.PartialSuffix)

	recode := traceEntry(t, run, StepExecuteRecoding)
	assert.Contains(t, recode.Output, filepath.Join(out, fileRecoded))
	assert.Contains(t, recode.Output, "recoded 3 cases")
	assert.Contains(t, recode.Output, "warning: empty value labels")
}

func TestFailingToolOutputIsTraced(t *testing.T) {
	requireShell(t)
	src, out := writeSource(t)
	tools := map[string]processing.Tool{
		ToolTables: shellTool(`echo "CROSSTABS: unknown variable age_group" >&2; exit 3`),
	}
	run := start(t, newEngine(t, &fixedGenerator{}, tools), testConfig(src, out))
	require.Equal(t, types.RunSuspended, run.Status)
	require.NotNil(t, run.Suspension)
	assert.Equal(t, workflow.SuspendStepFailure, run.Suspension.Kind)

	failed := 0
	for _, e := range run.Record.Trace {
		if e.Step != StepExecuteTables {
			continue
		}
		failed++
		assert.Equal(t, types.TraceFailed, e.Status)
		assert.Contains(t, e.Error, "exit status 3")
		assert.Contains(t, e.Output, "CROSSTABS: unknown variable age_group")
	}
	assert.Equal(t, 3, failed)
}

func traceEntry(t *testing.T, run *workflow.Run, step string) types.TraceEntry {
	t.Helper()
	for _, e := range run.Record.Trace {
		if e.Step == step {
			return e
		}
	}
	t.Fatalf("no trace entry for %s", step)
	return types.TraceEntry{}
}

func TestPresentationSkippedWithoutSignificantTables(t *testing.T) {
	requireShell(t)
	src, out := writeSource(t)
	tools := map[string]processing.Tool{
		ToolTables:       shellTool(`echo '[]' > "$1"`),
		ToolStatistics:   shellTool(`cp "$0" "$1"`),
		ToolFilter:       shellTool(`echo '[]' > "$1"`),
		ToolPresentation: shellTool(`cp "$0" "$1"`),
	}
	run := start(t, newEngine(t, &fixedGenerator{}, tools), testConfig(src, out))
	require.Equal(t, types.RunCompleted, run.Status, run.Error)

	statuses := traceStatus(run)
	assert.Equal(t, types.TraceSkipped, statuses[StepExecuteRecoding])
	assert.Equal(t, types.TraceOK, statuses[StepExecuteTables])
	assert.Equal(t, types.TraceSkipped, statuses[StepPresentation])
	assert.NoFileExists(t, filepath.Join(out, filePresentation))
}

func TestExtractRejectsUnknownSourceWithoutTool(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "survey.sav")
	require.NoError(t, os.WriteFile(src, []byte("binary"), 0644))

	cfg := testConfig(src, filepath.Join(dir, "out"))
	run, err := newEngine(t, &fixedGenerator{}, nil).Start(context.Background(), workflow.StartRequest{
		RunID: "survey-1", SourcePath: src, Config: cfg, StartStep: StartStep,
	})
	require.True(t, workflow.IsFatal(err))
	require.NotNil(t, run)
	assert.Equal(t, types.RunFailed, run.Status)
	assert.Contains(t, run.Error, "not a metadata JSON file")
}

func TestLoadMetadataFormats(t *testing.T) {
	dir := t.TempDir()
	array := filepath.Join(dir, "array.json")
	require.NoError(t, os.WriteFile(array, []byte(`[{"name": "q1", "variable_type": "numeric"}]`), 0644))
	vars, err := LoadMetadata(array)
	require.NoError(t, err)
	require.Len(t, vars, 1)
	assert.Equal(t, "q1", vars[0].Name)

	missing := filepath.Join(dir, "missing.json")
	require.NoError(t, os.WriteFile(missing, []byte(`{"rows": 10}`), 0644))
	_, err = LoadMetadata(missing)
	assert.ErrorContains(t, err, "has no variables")

	_, err = LoadMetadata(filepath.Join(dir, "nope.json"))
	assert.Error(t, err)
}

func TestNormalizeVariables(t *testing.T) {
	vars := NormalizeVariables([]types.VariableMetadata{
		{Name: " region ", VariableType: "Integer", MeasurementLevel: "NOMINAL", ValueLabels: map[string]string{"1": "N", "2": "S", "3": "E"}},
		{Name: "", VariableType: "numeric"},
		{Name: "comment", VariableType: "A"},
		{Name: "age"},
	})
	require.Len(t, vars, 3)
	assert.Equal(t, "age", vars[0].Name)
	assert.Equal(t, types.VariableNumeric, vars[0].VariableType)
	assert.Equal(t, types.VariableString, vars[1].VariableType)
	assert.Equal(t, "region", vars[2].Name)
	assert.Equal(t, "nominal", vars[2].MeasurementLevel)
	assert.Equal(t, 3, vars[2].Cardinality)
}

func TestFilterVariables(t *testing.T) {
	vars := []types.VariableMetadata{
		{Name: "q1", VariableType: types.VariableNumeric, Cardinality: 5},
		{Name: "zip", VariableType: types.VariableNumeric, Cardinality: 900},
		{Name: "smoker", VariableType: types.VariableNumeric, Cardinality: 2},
		{Name: "q4_oth", VariableType: types.VariableString},
		{Name: "notes", VariableType: types.VariableString, Label: "Please specify"},
	}

	tests := []struct {
		name    string
		cfg     types.FilterConfig
		kept    []string
		dropped []string
	}{
		{name: "no filtering", kept: []string{"q1", "zip", "smoker", "q4_oth", "notes"}},
		{name: "cardinality", cfg: types.FilterConfig{CardinalityThreshold: 100}, kept: []string{"q1", "smoker", "q4_oth", "notes"}, dropped: []string{"zip"}},
		{name: "binary", cfg: types.FilterConfig{Binary: true}, kept: []string{"q1", "zip", "q4_oth", "notes"}, dropped: []string{"smoker"}},
		{name: "other text", cfg: types.FilterConfig{OtherText: true}, kept: []string{"q1", "zip", "smoker"}, dropped: []string{"q4_oth", "notes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kept, dropped := FilterVariables(vars, tt.cfg)
			var keptNames, droppedNames []string
			for _, v := range kept {
				keptNames = append(keptNames, v.Name)
			}
			for _, d := range dropped {
				droppedNames = append(droppedNames, d.Name)
				assert.NotEmpty(t, d.Reason)
			}
			assert.Equal(t, tt.kept, keptNames)
			assert.Equal(t, tt.dropped, droppedNames)
		})
	}
}

func TestWithTargets(t *testing.T) {
	rules := &types.RecodingRules{Rules: []types.RecodingRule{
		{TargetVariable: "q1", Transformations: []types.Transformation{{Source: []float64{1}, Target: 1}}},
		{TargetVariable: "q1_top2", Rationale: "Top two box", Transformations: []types.Transformation{
			{Source: []float64{4, 5}, Target: 1, Label: "Top 2"},
			{Source: []float64{1, 2, 3}, Target: 0, Label: "Other"},
		}},
	}}
	vars := WithTargets([]types.VariableMetadata{{Name: "q1"}}, rules)
	require.Len(t, vars, 2)

	target := vars[1]
	assert.Equal(t, "q1_top2", target.Name)
	assert.Equal(t, "Top two box", target.Label)
	assert.Equal(t, 2, target.Cardinality)
	assert.Equal(t, map[string]string{"0": "Other", "1": "Top 2"}, target.ValueLabels)
	require.NotNil(t, target.MinValue)
	assert.Equal(t, 0.0, *target.MinValue)
	assert.Equal(t, 1.0, *target.MaxValue)
}

func TestCountTables(t *testing.T) {
	dir := t.TempDir()
	for name, tt := range map[string]struct {
		content string
		want    int
		wantErr bool
	}{
		"array":   {content: `[{}, {}, {}]`, want: 3},
		"object":  {content: `{"tables": [{}]}`, want: 1},
		"empty":   {content: `{}`, want: 0},
		"garbage": {content: `not json`, wantErr: true},
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))
			got, err := countTables(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStepOwnershipMatchesWrites(t *testing.T) {
	reg, _, err := Build(Options{Generator: &fixedGenerator{}})
	require.NoError(t, err)
	owners := reg.Ownership()
	src, out := writeSource(t)
	rec, err := state.New(src, testConfig(src, out))
	require.NoError(t, err)

	sections := []state.Section{
		state.SectionInput, state.SectionApprovals,
		SectionExtraction, SectionRecoding, SectionTransformation, SectionIndicators, SectionTableSpecs,
		SectionCrossTables, SectionStatistics, SectionFiltering, SectionPresentation,
	}
	written := map[state.Section]bool{}

	for _, step := range reg.IDs() {
		owned := map[state.Section]bool{}
		for _, sec := range owners.Owned(step) {
			owned[sec] = true
			written[sec] = true
		}
		assert.NotEmpty(t, owned, "step %s owns no section", step)
		assert.False(t, owned[state.SectionInput], "step %s owns the input section", step)

		for _, sec := range sections {
			d := state.NewDelta()
			if sec == state.SectionApprovals {
				d.AppendApproval(types.ApprovalEntry{Step: step, Decision: types.ApprovalApproved})
			} else {
				d.Set(sec, "value", 1)
			}
			_, err := owners.Apply(rec, step, d)
			if owned[sec] {
				assert.NoError(t, err, "step %s should write %s", step, sec)
				continue
			}
			var ownErr *state.OwnershipError
			if assert.ErrorAs(t, err, &ownErr, "step %s must not write %s", step, sec) {
				assert.Equal(t, sec, ownErr.Section)
			}
		}
	}

	for _, sec := range sections[1:] {
		assert.True(t, written[sec], "no step writes %s", sec)
	}
}
