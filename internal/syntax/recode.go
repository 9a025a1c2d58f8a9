package syntax

import (
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/jonathan/survey-agent/internal/types"
)

var recodeTemplate = template.Must(template.New("recode").Funcs(template.FuncMap{
	"quote": quote,
}).Parse(`* Recoding syntax: {{len .}} rules.
{{range .}}
* {{.Rule.SourceVariable}} -> {{.Rule.TargetVariable}} ({{.Rule.RuleType}}).
RECODE {{.Rule.SourceVariable}}{{range .Clauses}} ({{.}}){{end}} INTO {{.Rule.TargetVariable}}.
{{- if .Label}}
VARIABLE LABELS {{.Rule.TargetVariable}} {{quote .Label}}.
{{- end}}
{{- if .ValueLabels}}
VALUE LABELS {{.Rule.TargetVariable}}{{range .ValueLabels}} {{.}}{{end}}.
{{- end}}
{{end}}
EXECUTE.
`))

type recodeBlock struct {
	Rule        types.RecodingRule
	Clauses     []string
	Label       string
	ValueLabels []string
}

// Recode renders RECODE ... INTO commands for rules.
// Range rules (and two-value derived rules) use THRU; other rule types list discrete values.
func Recode(rules *types.RecodingRules) (string, error) {
	if rules == nil || len(rules.Rules) == 0 {
		return "", &RenderError{Message: "no recoding rules to render"}
	}

	blocks := make([]recodeBlock, 0, len(rules.Rules))
	for _, rule := range rules.Rules {
		if len(rule.Transformations) == 0 {
			return "", &RenderError{Message: fmt.Sprintf("rule %s has no transformations", rule.TargetVariable)}
		}
		block := recodeBlock{Rule: rule, Label: rule.Rationale}
		for _, t := range rule.Transformations {
			source, err := sourceSpec(rule.RuleType, t.Source)
			if err != nil {
				return "", &RenderError{Message: fmt.Sprintf("rule %s", rule.TargetVariable), Cause: err}
			}
			block.Clauses = append(block.Clauses, source+"="+number(t.Target))
			if t.Label != "" {
				block.ValueLabels = append(block.ValueLabels, number(t.Target)+" "+quote(t.Label))
			}
		}
		blocks = append(blocks, block)
	}

	var b strings.Builder
	if err := recodeTemplate.Execute(&b, blocks); err != nil {
		return "", &RenderError{Message: "failed to execute recode template", Cause: err}
	}
	return b.String(), nil
}

func sourceSpec(ruleType string, source []float64) (string, error) {
	if len(source) == 0 {
		return "", fmt.Errorf("transformation has no source values")
	}
	ranged := ruleType == types.RuleTypeRange || (ruleType == types.RuleTypeDerived && len(source) == 2)
	if ranged {
		if len(source) != 2 {
			return "", fmt.Errorf("range needs 2 values, got %d", len(source))
		}
		return number(source[0]) + " THRU " + number(source[1]), nil
	}
	parts := make([]string, len(source))
	for i, v := range source {
		parts[i] = number(v)
	}
	return strings.Join(parts, ","), nil
}

func number(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// quote renders s as a single-quoted string literal
func quote(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
