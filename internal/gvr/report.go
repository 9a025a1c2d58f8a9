package gvr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jonathan/survey-agent/internal/types"
)

var reportTitles = map[types.ArtifactKind]string{
	types.KindRecodingRules: "Recoding Rules",
	types.KindIndicators:    "Indicators",
	types.KindTableSpecs:    "Table Specifications",
}

// Report renders a markdown summary of the artifact under review, its validation and its attempt history
func Report(kind types.ArtifactKind, cycle CycleState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s Review Report\n\n", reportTitles[kind])
	fmt.Fprintf(&b, "- Iteration: %d\n", cycle.Iteration)
	if v := cycle.Validation; v != nil {
		fmt.Fprintf(&b, "- Valid: %t\n- Errors: %d\n- Warnings: %d\n", v.IsValid, len(v.Errors), len(v.Warnings))
	}
	b.WriteString("\n")

	if len(cycle.Artifact) == 0 {
		b.WriteString("No artifact was generated.\n\n")
	} else if artifact, err := types.DecodeArtifact(kind, cycle.Artifact); err != nil {
		fmt.Fprintf(&b, "The artifact could not be decoded: %v\n\n```json\n%s\n```\n\n", err, cycle.Artifact)
	} else {
		switch a := artifact.(type) {
		case *types.RecodingRules:
			writeRecodingRules(&b, a)
		case *types.Indicators:
			writeIndicators(&b, a)
		case *types.TableSpecs:
			writeTableSpecs(&b, a)
		}
	}

	if v := cycle.Validation; v != nil {
		writeList(&b, "Validation Errors", v.Errors)
		writeList(&b, "Validation Warnings", v.Warnings)
	}
	writeHistory(&b, cycle.History)
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func writeRecodingRules(b *strings.Builder, r *types.RecodingRules) {
	fmt.Fprintf(b, "## Rules for Review (%d)\n\n", len(r.Rules))
	for i, rule := range r.Rules {
		fmt.Fprintf(b, "### Rule %d: %s\n", i+1, rule.TargetVariable)
		fmt.Fprintf(b, "- **Source**: %s\n- **Type**: %s\n", rule.SourceVariable, rule.RuleType)
		if rule.Rationale != "" {
			fmt.Fprintf(b, "- **Rationale**: %s\n", rule.Rationale)
		}
		b.WriteString("\n| Source | Target | Label |\n|--------|--------|-------|\n")
		for _, t := range rule.Transformations {
			fmt.Fprintf(b, "| %s | %s | %s |\n", formatSource(t.Source, rule.RuleType), formatNumber(t.Target), t.Label)
		}
		b.WriteString("\n")
	}
}

func writeIndicators(b *strings.Builder, ind *types.Indicators) {
	single := 0
	for _, i := range ind.Indicators {
		if len(i.UnderlyingVariables) == 1 {
			single++
		}
	}
	fmt.Fprintf(b, "## Summary\n- Total Indicators: %d\n- Single-variable: %d\n- Multi-variable: %d\n\n",
		len(ind.Indicators), single, len(ind.Indicators)-single)
	b.WriteString("## Indicators for Review\n\n")
	for _, i := range ind.Indicators {
		fmt.Fprintf(b, "### %s: %s\n- **Metric**: %s\n- **Variables**: %s\n\n",
			i.ID, i.Description, i.Metric, strings.Join(i.UnderlyingVariables, ", "))
	}
}

func writeTableSpecs(b *strings.Builder, ts *types.TableSpecs) {
	weighting := ts.WeightingVariable
	if weighting == "" {
		weighting = "None"
	}
	fmt.Fprintf(b, "## Summary\n- Total Tables: %d\n- Weighting Variable: %s\n\n", len(ts.Tables), weighting)
	b.WriteString("## Tables for Review\n\n")
	for _, t := range ts.Tables {
		fmt.Fprintf(b, "### %s: %s\n", t.ID, t.Description)
		fmt.Fprintf(b, "- **Row Indicators**: %s\n", strings.Join(t.RowIndicators, ", "))
		fmt.Fprintf(b, "- **Column Indicators**: %s\n", strings.Join(t.ColumnIndicators, ", "))
		fmt.Fprintf(b, "- **Sort Rows**: %s\n- **Sort Columns**: %s\n", orNone(t.SortRows), orNone(t.SortColumns))
		if t.MinCount != nil {
			fmt.Fprintf(b, "- **Min Count**: %d\n", *t.MinCount)
		}
		if t.CramersVThreshold != nil {
			fmt.Fprintf(b, "- **Cramér's V Threshold**: %s\n", formatNumber(*t.CramersVThreshold))
		}
		b.WriteString("\n")
	}
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
	b.WriteString("\n")
}

func writeHistory(b *strings.Builder, history []types.Attempt) {
	if len(history) == 0 {
		return
	}
	b.WriteString("## Attempt History\n\n| Iteration | Feedback | Outcome |\n|-----------|----------|---------|\n")
	for _, a := range history {
		feedback := string(a.FeedbackSource)
		if feedback == "" {
			feedback = "initial"
		}
		var outcome string
		switch {
		case a.GenerationError != "":
			outcome = "generation failed: " + a.GenerationError
		case a.Validation == nil:
			outcome = "not validated"
		case a.Validation.IsValid:
			outcome = "valid"
		default:
			outcome = fmt.Sprintf("%d errors", len(a.Validation.Errors))
		}
		fmt.Fprintf(b, "| %d | %s | %s |\n", a.Iteration, feedback, strings.ReplaceAll(outcome, "|", "/"))
	}
	b.WriteString("\n")
}

func formatSource(source []float64, ruleType string) string {
	if ruleType == types.RuleTypeRange && len(source) == 2 {
		return formatNumber(source[0]) + "-" + formatNumber(source[1])
	}
	parts := make([]string, len(source))
	for i, v := range source {
		parts[i] = formatNumber(v)
	}
	return strings.Join(parts, ", ")
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func orNone(s string) string {
	if s == "" {
		return types.SortNone
	}
	return s
}
