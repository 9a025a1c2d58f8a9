package processing

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available, skipping tool test")
	}
}

func shellTool(script string) Tool {
	return Tool{Program: "sh", Args: []string{"-c", script, "{input}", "{output}"}}
}

func TestRunCopiesOutputIntoPlace(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	input := filepath.Join(dir, "in.csv")
	output := filepath.Join(dir, "out", "result.csv")
	require.NoError(t, os.WriteFile(input, []byte("a,b\n1,2\n"), 0644))

	res, err := NewRunner(nil).Run(context.Background(), shellTool(`echo copying; cp "$0" "$1"`), Invocation{
		Name: "recode", Input: input, Output: output,
	})
	require.NoError(t, err)
	assert.Equal(t, output, res.Output)
	assert.Contains(t, res.Log, "copying")

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))
	assert.NoFileExists(t, output+PartialSuffix)
}

func TestRunFailureLeavesNoOutput(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	output := filepath.Join(dir, "result.csv")

	_, err := NewRunner(nil).Run(context.Background(), shellTool(`echo partial > "$1"; echo boom >&2; exit 3`), Invocation{
		Name: "tables", Input: "unused", Output: output,
	})
	require.Error(t, err)

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "tables", toolErr.Tool)
	assert.Contains(t, toolErr.LogOutput, "boom")
	assert.Equal(t, toolErr.LogOutput, toolErr.Log())
	assert.NoFileExists(t, output)
	assert.NoFileExists(t, output+PartialSuffix)
}

func TestRunKeepsTailOfLongLog(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()

	res, err := NewRunner(nil).Run(context.Background(),
		shellTool(`i=0; while [ $i -lt 2000 ]; do echo "line $i"; i=$((i+1)); done; echo last-line; touch "$1"`),
		Invocation{Name: "tables", Input: "unused", Output: filepath.Join(dir, "out.json")})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Log), maxLogBytes+4)
	assert.True(t, strings.HasPrefix(res.Log, "...\n"))
	assert.Contains(t, res.Log, "last-line")
	assert.NotContains(t, res.Log, "line 0\n")
}

func TestRunRequiresOutput(t *testing.T) {
	requireShell(t)
	output := filepath.Join(t.TempDir(), "result.csv")

	_, err := NewRunner(nil).Run(context.Background(), shellTool(`true`), Invocation{Name: "filter", Output: output})
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Contains(t, toolErr.Message, "no output")
}

func TestRunPassesThresholdsAsEnv(t *testing.T) {
	requireShell(t)
	output := filepath.Join(t.TempDir(), "env.txt")

	_, err := NewRunner(nil).Run(context.Background(), shellTool(`printf %s "$SURVEY_AGENT_THRESHOLD_P_VALUE" > "$1"`), Invocation{
		Name:   "statistics",
		Output: output,
		Env:    ThresholdEnv(map[string]float64{"p_value": 0.05}),
	})
	require.NoError(t, err)
	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "0.05", string(data))
}

func TestRunCancelled(t *testing.T) {
	requireShell(t)
	output := filepath.Join(t.TempDir(), "slow.txt")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewRunner(nil).Run(ctx, shellTool(`sleep 5; touch "$1"`), Invocation{Name: "statistics", Output: output})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.NoFileExists(t, output)
}

func TestRunNotConfigured(t *testing.T) {
	_, err := NewRunner(nil).Run(context.Background(), Tool{}, Invocation{Name: "presentation", Output: "x"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestRunProgramMissing(t *testing.T) {
	_, err := NewRunner(nil).Run(context.Background(), Tool{Program: "definitely-not-a-real-tool-xyz"}, Invocation{Name: "extract", Output: "x"})
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Contains(t, toolErr.Message, "not found in PATH")
}

func TestExpandArgs(t *testing.T) {
	tests := []struct {
		name string
		tool Tool
		want []string
	}{
		{
			name: "default template",
			tool: Tool{Program: "pspp", Script: "recode.sps"},
			want: []string{"recode.sps", "in.sav", "out.sav"},
		},
		{
			name: "default template without script",
			tool: Tool{Program: "python3"},
			want: []string{"in.sav", "out.sav"},
		},
		{
			name: "custom template",
			tool: Tool{Program: "pspp", Script: "s.sps", Args: []string{"--syntax={script}", "-o", "{output}", "{input}"}},
			want: []string{"--syntax=s.sps", "-o", "out.sav", "in.sav"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expandArgs(tt.tool, "in.sav", "out.sav"))
		})
	}
}

func TestThresholdEnv(t *testing.T) {
	env := ThresholdEnv(map[string]float64{"p_value": 0.05, "cramers-v": 0.1, "min_count": 30})
	assert.Equal(t, map[string]string{
		"SURVEY_AGENT_THRESHOLD_P_VALUE":   "0.05",
		"SURVEY_AGENT_THRESHOLD_CRAMERS_V": "0.1",
		"SURVEY_AGENT_THRESHOLD_MIN_COUNT": "30",
	}, env)
}
