package processing

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// PartialSuffix is appended to the output path while a tool is still writing it
const PartialSuffix = ".partial"

const waitDelay = 2 * time.Second

// maxLogBytes bounds the captured tool output kept in the trace
const maxLogBytes = 4096

// ThresholdEnvPrefix prefixes the environment variables carrying run thresholds
const ThresholdEnvPrefix = "SURVEY_AGENT_THRESHOLD_"

// DefaultArgs is used when a tool does not configure its own argument template
var DefaultArgs = []string{"{script}", "{input}", "{output}"}

// Tool describes how to invoke one external program
type Tool struct {
	Program string   `json:"program" koanf:"program"`
	Script  string   `json:"script,omitempty" koanf:"script"`
	Args    []string `json:"args,omitempty" koanf:"args"`
}

// Configured reports whether the tool has a program to run
func (t Tool) Configured() bool { return strings.TrimSpace(t.Program) != "" }

// Invocation is one call of a tool
type Invocation struct {
	Name   string
	Input  string
	Output string
	Env    map[string]string
}

// Result is what a successful invocation produced
type Result struct {
	Output   string
	Log      string
	Duration time.Duration
}

// Runner executes tools as subprocesses
type Runner struct {
	logger *zap.Logger
}

// NewRunner creates a Runner. A nil logger discards output.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger}
}

// Run invokes tool and moves its output into place only if the process exits cleanly.
// The tool writes to Output+PartialSuffix; a failed or cancelled run never leaves a file at Output.
func (r *Runner) Run(ctx context.Context, tool Tool, inv Invocation) (Result, error) {
	if !tool.Configured() {
		return Result{}, ErrNotConfigured
	}
	if _, err := exec.LookPath(tool.Program); err != nil {
		return Result{}, &ToolError{
			Tool:    inv.Name,
			Message: fmt.Sprintf("%s not found in PATH", tool.Program),
			Cause:   err,
		}
	}
	if inv.Output == "" {
		return Result{}, &ToolError{Tool: inv.Name, Message: "output path is empty"}
	}
	if err := os.MkdirAll(filepath.Dir(inv.Output), 0755); err != nil {
		return Result{}, &ToolError{
			Tool:    inv.Name,
			Message: fmt.Sprintf("failed to create output directory for %s", inv.Output),
			Cause:   err,
		}
	}

	staging := inv.Output + PartialSuffix
	_ = os.RemoveAll(staging)

	cmd := exec.CommandContext(ctx, tool.Program, expandArgs(tool, inv.Input, staging)...)
	cmd.Env = append(os.Environ(), envList(inv.Env)...)
	// children of a killed tool may keep the output pipes open
	cmd.WaitDelay = waitDelay

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("running tool",
		zap.String("tool", inv.Name),
		zap.String("program", tool.Program),
		zap.Strings("args", cmd.Args[1:]),
	)
	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)
	logOutput := tailLog(stdout.String() + stderr.String())

	if runErr != nil {
		_ = os.RemoveAll(staging)
		cause := runErr
		if ctxErr := ctx.Err(); ctxErr != nil {
			cause = ctxErr
		}
		return Result{}, &ToolError{
			Tool:      inv.Name,
			Message:   "process failed",
			LogOutput: logOutput,
			Cause:     cause,
		}
	}

	if _, err := os.Stat(staging); err != nil {
		return Result{}, &ToolError{
			Tool:      inv.Name,
			Message:   "process exited cleanly but produced no output",
			LogOutput: logOutput,
			Cause:     err,
		}
	}
	if err := os.RemoveAll(inv.Output); err != nil {
		return Result{}, &ToolError{Tool: inv.Name, Message: "failed to replace previous output", Cause: err}
	}
	if err := os.Rename(staging, inv.Output); err != nil {
		return Result{}, &ToolError{Tool: inv.Name, Message: "failed to move output into place", Cause: err}
	}

	r.logger.Debug("tool finished", zap.String("tool", inv.Name), zap.Duration("duration", elapsed))
	return Result{Output: inv.Output, Log: logOutput, Duration: elapsed}, nil
}

// tailLog keeps the last maxLogBytes of a tool's output; it ends up in every later checkpoint
func tailLog(s string) string {
	if len(s) <= maxLogBytes {
		return s
	}
	return "...\n" + s[len(s)-maxLogBytes:]
}

// ThresholdEnv turns run thresholds into environment variables, e.g. p_value -> SURVEY_AGENT_THRESHOLD_P_VALUE
func ThresholdEnv(thresholds map[string]float64) map[string]string {
	env := make(map[string]string, len(thresholds))
	for name, v := range thresholds {
		key := ThresholdEnvPrefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
		env[key] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return env
}

func expandArgs(tool Tool, input, output string) []string {
	template := tool.Args
	if len(template) == 0 {
		template = DefaultArgs
	}
	replacer := strings.NewReplacer("{script}", tool.Script, "{input}", input, "{output}", output)
	args := make([]string, 0, len(template))
	for _, a := range template {
		// an unset script leaves no empty positional argument behind
		if a == "{script}" && tool.Script == "" {
			continue
		}
		args = append(args, replacer.Replace(a))
	}
	return args
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}
