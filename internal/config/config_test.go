package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonathan/survey-agent/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.MaxIterations)
	assert.True(t, cfg.EnableHumanReview)
	assert.Equal(t, BackendSQLite, cfg.Checkpoint.Backend)
	assert.Equal(t, DefaultSQLitePath, cfg.Checkpoint.SQLitePath())
	assert.Equal(t, 0.05, cfg.Thresholds["p_value"])
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
max_iterations: 5
enable_human_review: false
auto_approve: [indicators]
modify_policy: revalidate
step_timeout: 90s
thresholds:
  p_value: 0.01
filter:
  cardinality_threshold: 12
tools:
  recode:
    program: pspp
    args: ["{script}"]
checkpoint:
  backend: memory
server:
  rate_limit:
    default_limit: 5
    allowlist: [127.0.0.1]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.MaxIterations)
	assert.False(t, cfg.EnableHumanReview)
	assert.Equal(t, []string{"indicators"}, cfg.AutoApprove)
	assert.Equal(t, 90*time.Second, cfg.StepTimeout)
	assert.Equal(t, 0.01, cfg.Thresholds["p_value"])
	// keys absent from the file keep their defaults
	assert.Equal(t, 0.1, cfg.Thresholds["cramers_v"])
	assert.Equal(t, 12, cfg.Filter.CardinalityThreshold)
	assert.True(t, cfg.Filter.Binary)
	assert.Equal(t, "pspp", cfg.Tools["recode"].Program)
	assert.Equal(t, []string{"{script}"}, cfg.Tools["recode"].Args)
	assert.Equal(t, []string{"recode"}, cfg.ConfiguredTools())
	assert.Equal(t, "output", cfg.OutputDir)
	assert.Equal(t, 5, cfg.Server.RateLimit.DefaultLimit)
	assert.Equal(t, []string{"127.0.0.1"}, cfg.Server.RateLimit.Allowlist)
	assert.True(t, cfg.Server.RateLimit.Enabled)
	assert.NotEmpty(t, cfg.Server.RateLimit.Endpoints)
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{"max_iterations": 2, "log": {"level": "debug", "format": "json"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxIterations)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "config.yaml", "max_iterations: 5\n")
	t.Setenv("SURVEY_AGENT_MAX_ITERATIONS", "7")
	t.Setenv("SURVEY_AGENT_CHECKPOINT__BACKEND", "postgres")
	t.Setenv("SURVEY_AGENT_SERVER__PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/survey")
	t.Setenv("GEMINI_API_KEY", "test-key")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 7, cfg.MaxIterations)
	assert.Equal(t, BackendPostgres, cfg.Checkpoint.Backend)
	assert.Equal(t, "postgres://localhost/survey", cfg.Checkpoint.DSN)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "test-key", cfg.LLM.APIKey)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().MaxIterations, cfg.MaxIterations)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.ErrorContains(t, err, "failed to read config file")

	path := writeConfig(t, "bad.yaml", "max_iterations: [unclosed\n")
	_, err = Load(path)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "zero iterations", mutate: func(c *Config) { c.MaxIterations = 0 }, wantErr: "MaxIterations"},
		{name: "bad modify policy", mutate: func(c *Config) { c.ModifyPolicy = "ignore" }, wantErr: "ModifyPolicy"},
		{name: "bad backend", mutate: func(c *Config) { c.Checkpoint.Backend = "redis" }, wantErr: "Backend"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "Format"},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "Port"},
		{name: "unknown auto approve kind", mutate: func(c *Config) { c.AutoApprove = []string{"charts"} }, wantErr: "auto_approve"},
		{name: "unknown tool", mutate: func(c *Config) { c.Tools["render"] = c.Tools["recode"] }, wantErr: "unknown tool"},
		{name: "negative cardinality", mutate: func(c *Config) { c.Filter.CardinalityThreshold = -1 }, wantErr: "cardinality_threshold"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Checkpoint.Backend = BackendPostgres }, wantErr: "checkpoint.dsn"},
		{name: "minio without bucket", mutate: func(c *Config) {
			c.Checkpoint.Backend = BackendMinIO
			c.Checkpoint.MinIO.Endpoint = "localhost:9000"
		}, wantErr: "bucket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRunConfig(t *testing.T) {
	cfg := Default()
	cfg.AutoApprove = []string{"recoding_rules"}
	cfg.ModifyPolicy = "revalidate"

	rc := cfg.RunConfig("survey.sav")
	assert.Equal(t, "survey.sav", rc.SourcePath)
	assert.Equal(t, []types.ArtifactKind{types.KindRecodingRules}, rc.AutoApprove)
	assert.Equal(t, types.ModifyRevalidate, rc.ModifyPolicy)
	assert.Equal(t, 10*time.Minute, rc.StepTimeout)
	assert.Equal(t, cfg.Filter, rc.Filter)

	// thresholds are copied so a run never shares the map with the config
	rc.Thresholds["p_value"] = 1
	assert.Equal(t, 0.05, cfg.Thresholds["p_value"])
}
