package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonathan/survey-agent/internal/gvr"
	"github.com/jonathan/survey-agent/internal/processing"
	"github.com/jonathan/survey-agent/internal/state"
	"github.com/jonathan/survey-agent/internal/syntax"
	"github.com/jonathan/survey-agent/internal/types"
	"github.com/jonathan/survey-agent/internal/workflow"
)

func (p *Pipeline) recodingSyntax(_ context.Context, rec state.Record) (workflow.Result, error) {
	rules, err := gvr.ApprovedArtifact[types.RecodingRules](rec, SectionRecoding)
	if err != nil {
		return workflow.Result{}, err
	}
	cfg, err := rec.RunConfig()
	if err != nil {
		return workflow.Result{}, err
	}
	if len(rules.Rules) == 0 {
		return workflow.Skip("no recoding rules were approved"), nil
	}

	content, err := syntax.Recode(&rules)
	if err != nil {
		return workflow.Result{}, workflow.Fatal(StepRecodingSyntax, "approved rules cannot be rendered", err)
	}
	path := filepath.Join(cfg.OutputDir, fileRecodeSyntax)
	if err := syntax.WriteFile(path, content); err != nil {
		return workflow.Result{}, err
	}
	return workflow.Result{
		Delta:  state.NewDelta().Set(SectionTransformation, FieldSyntaxPath, path),
		Output: fmt.Sprintf("wrote %d recoding rules to %s", len(rules.Rules), path),
	}, nil
}

func (p *Pipeline) executeRecoding(ctx context.Context, rec state.Record) (workflow.Result, error) {
	syntaxPath, ok, err := state.Get[string](rec, SectionTransformation, FieldSyntaxPath)
	if err != nil {
		return workflow.Result{}, err
	}
	if !ok {
		return workflow.Skip("no recoding syntax to execute"), nil
	}
	src, err := rec.SourcePath()
	if err != nil {
		return workflow.Result{}, err
	}
	return p.runTool(ctx, rec, ToolRecode, syntaxPath, src, fileRecoded, SectionTransformation)
}

func (p *Pipeline) tableSyntax(_ context.Context, rec state.Record) (workflow.Result, error) {
	specs, err := gvr.ApprovedArtifact[types.TableSpecs](rec, SectionTableSpecs)
	if err != nil {
		return workflow.Result{}, err
	}
	indicators, err := gvr.ApprovedArtifact[types.Indicators](rec, SectionIndicators)
	if err != nil {
		return workflow.Result{}, err
	}
	cfg, err := rec.RunConfig()
	if err != nil {
		return workflow.Result{}, err
	}
	if len(specs.Tables) == 0 {
		return workflow.Skip("no table specifications were approved"), nil
	}

	content, err := syntax.Crosstabs(&specs, &indicators)
	if err != nil {
		return workflow.Result{}, workflow.Fatal(StepTableSyntax, "approved table specifications cannot be rendered", err)
	}
	path := filepath.Join(cfg.OutputDir, fileTableSyntax)
	if err := syntax.WriteFile(path, content); err != nil {
		return workflow.Result{}, err
	}
	return workflow.Result{
		Delta:  state.NewDelta().Set(SectionCrossTables, FieldSyntaxPath, path),
		Output: fmt.Sprintf("wrote %d tables to %s", len(specs.Tables), path),
	}, nil
}

func (p *Pipeline) executeTables(ctx context.Context, rec state.Record) (workflow.Result, error) {
	syntaxPath, ok, err := state.Get[string](rec, SectionCrossTables, FieldSyntaxPath)
	if err != nil {
		return workflow.Result{}, err
	}
	if !ok {
		return workflow.Skip("no table syntax to execute"), nil
	}
	// tables run on the recoded data when recoding produced it
	input, ok, err := state.Get[string](rec, SectionTransformation, FieldOutputPath)
	if err != nil {
		return workflow.Result{}, err
	}
	if !ok {
		if input, err = rec.SourcePath(); err != nil {
			return workflow.Result{}, err
		}
	}
	return p.runTool(ctx, rec, ToolTables, syntaxPath, input, fileCrossTables, SectionCrossTables)
}

func (p *Pipeline) statistics(ctx context.Context, rec state.Record) (workflow.Result, error) {
	input, ok, err := state.Get[string](rec, SectionCrossTables, FieldOutputPath)
	if err != nil {
		return workflow.Result{}, err
	}
	if !ok {
		return workflow.Skip("no cross tables to analyse"), nil
	}
	return p.runTool(ctx, rec, ToolStatistics, "", input, fileStatistics, SectionStatistics)
}

func (p *Pipeline) filterSignificant(ctx context.Context, rec state.Record) (workflow.Result, error) {
	input, ok, err := state.Get[string](rec, SectionStatistics, FieldOutputPath)
	if err != nil {
		return workflow.Result{}, err
	}
	if !ok {
		return workflow.Skip("no statistics to filter"), nil
	}
	res, err := p.runTool(ctx, rec, ToolFilter, "", input, fileSignificant, SectionFiltering)
	if err != nil || res.Delta == nil {
		return res, err
	}
	cfg, err := rec.RunConfig()
	if err != nil {
		return workflow.Result{}, err
	}
	count, err := countTables(filepath.Join(cfg.OutputDir, fileSignificant))
	if err != nil {
		return workflow.Result{}, err
	}
	res.Delta.Set(SectionFiltering, FieldSignificantCount, count)
	res.Output = fmt.Sprintf("%d significant tables\n%s", count, res.Output)
	return res, nil
}

func (p *Pipeline) presentation(ctx context.Context, rec state.Record) (workflow.Result, error) {
	input, ok, err := state.Get[string](rec, SectionFiltering, FieldOutputPath)
	if err != nil {
		return workflow.Result{}, err
	}
	count, _, err := state.Get[int](rec, SectionFiltering, FieldSignificantCount)
	if err != nil {
		return workflow.Result{}, err
	}
	if !ok || count == 0 {
		return workflow.Skip("no significant tables to present"), nil
	}
	return p.runTool(ctx, rec, ToolPresentation, "", input, filePresentation, SectionPresentation)
}

// runTool invokes a configured tool and records its output path in sec.
// An unconfigured tool yields a skipped result. On success Result.Output holds the output path
// followed by the tool's captured stdout and stderr.
func (p *Pipeline) runTool(ctx context.Context, rec state.Record, name, script, input, file string, sec state.Section) (workflow.Result, error) {
	tool := p.tools[name]
	if !tool.Configured() {
		return workflow.Skip(fmt.Sprintf("%s tool not configured", name)), nil
	}
	cfg, err := rec.RunConfig()
	if err != nil {
		return workflow.Result{}, err
	}
	if tool.Script == "" {
		tool.Script = script
	}

	out := filepath.Join(cfg.OutputDir, file)
	res, err := p.runner.Run(ctx, tool, processing.Invocation{
		Name:   name,
		Input:  input,
		Output: out,
		Env:    processing.ThresholdEnv(cfg.Thresholds),
	})
	if err != nil {
		return workflow.Result{}, err
	}
	output := out
	if log := strings.TrimRight(res.Log, "\n"); log != "" {
		output += "\n" + log
	}
	return workflow.Result{
		Delta:  state.NewDelta().Set(sec, FieldOutputPath, out),
		Output: output,
	}, nil
}

// countTables reads the filter tool output: a JSON array, or an object with a "tables" array
func countTables(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read significant tables: %w", err)
	}
	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err == nil {
		return len(list), nil
	}
	var doc struct {
		Tables []json.RawMessage `json:"tables"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("failed to parse significant tables %s: %w", path, err)
	}
	return len(doc.Tables), nil
}
