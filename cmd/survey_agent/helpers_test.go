package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonathan/survey-agent/internal/config"
	"github.com/jonathan/survey-agent/internal/gvr"
	"github.com/jonathan/survey-agent/internal/types"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const surveyMetadata = `{"variables": [
  {"name": "age", "label": "Age of respondent", "variable_type": "numeric", "min_value": 18, "max_value": 90},
  {"name": "q1", "label": "Trust in institutions", "variable_type": "numeric",
   "value_labels": {"1": "None", "2": "Little", "3": "Some", "4": "Much", "5": "Complete"}},
  {"name": "region", "label": "Region", "variable_type": "numeric",
   "value_labels": {"1": "North", "2": "South", "3": "East", "4": "West"}}
]}`

var testArtifacts = map[types.ArtifactKind]string{
	types.KindRecodingRules: `{"recoding_rules": [{"source_variable": "age", "target_variable": "age_group", "rule_type": "range",
		"transformations": [{"source": [18, 34], "target": 1, "label": "18-34"}, {"source": [35, 90], "target": 2, "label": "35+"}],
		"rationale": "Age cohorts"}]}`,
	types.KindIndicators: `{"indicators": [
		{"id": "IND_AGE", "description": "Age cohort", "metric": "distribution", "underlying_variables": ["age_group"]},
		{"id": "IND_REGION", "description": "Region", "metric": "distribution", "underlying_variables": ["region"]}]}`,
	types.KindTableSpecs: `{"tables": [
		{"id": "T1", "description": "Region by age", "row_indicators": ["IND_REGION"], "column_indicators": ["IND_AGE"]}]}`,
}

type stubGenerator struct{}

func (stubGenerator) Generate(_ context.Context, req gvr.GenerateRequest) (json.RawMessage, error) {
	raw, ok := testArtifacts[req.Kind]
	if !ok {
		return nil, fmt.Errorf("no artifact for %s", req.Kind)
	}
	return json.RawMessage(raw), nil
}

// testEnv points the CLI at a temporary sqlite store and output directory and stubs the LLM
type testEnv struct {
	dir    string
	source string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	source := writeFile(t, dir, "survey.json", surveyMetadata)

	t.Setenv("SURVEY_AGENT_CHECKPOINT__BACKEND", config.BackendSQLite)
	t.Setenv("SURVEY_AGENT_CHECKPOINT__DSN", filepath.Join(dir, "checkpoints.db"))
	t.Setenv("SURVEY_AGENT_OUTPUT_DIR", filepath.Join(dir, "out"))
	t.Setenv("SURVEY_AGENT_FILTER__CARDINALITY_THRESHOLD", "50")
	t.Setenv("SURVEY_AGENT_LOG__LEVEL", "error")

	orig := newGenerator
	newGenerator = func(context.Context, *config.Config, *zap.Logger) (gvr.Generator, func(), error) {
		return stubGenerator{}, nil, nil
	}
	t.Cleanup(func() { newGenerator = orig })
	return &testEnv{dir: dir, source: source}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// execute runs the root command in-process and returns everything it printed
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// resetFlags restores every flag to its default; package-level flag variables outlive a single execution
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}
