package syntax

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/jonathan/survey-agent/internal/types"
)

var tablesTemplate = template.Must(template.New("tables").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(`* Cross-table syntax: {{len .Tables}} tables.
{{- if .Weight}}
WEIGHT BY {{.Weight}}.
{{- end}}
{{range .Tables}}
* Table {{.ID}}: {{.Description}}
{{- if .Thresholds}} [{{.Thresholds}}]{{end}}.
{{- if .Means}}
MEANS TABLES={{join .Rows " "}} BY {{join .Columns " "}}
  /CELLS=MEAN COUNT STDDEV.
{{- else}}
CROSSTABS
  /TABLES={{join .Rows " "}} BY {{join .Columns " "}}
{{- if .Format}}
  /FORMAT={{.Format}}
{{- end}}
  /CELLS=COUNT ROW COLUMN
  /STATISTICS=CHISQ PHI.
{{- end}}
{{end}}
{{- if .Weight}}
WEIGHT OFF.
{{end -}}
`))

type tablesData struct {
	Weight string
	Tables []tableBlock
}

type tableBlock struct {
	ID          string
	Description string
	Thresholds  string
	Rows        []string
	Columns     []string
	Means       bool
	Format      string
}

// Crosstabs renders one CROSSTABS (or MEANS, for tables whose rows are all averages) command per table.
// Indicators are expanded to their underlying variables. A weighting variable wraps the tables in WEIGHT BY.
func Crosstabs(specs *types.TableSpecs, indicators *types.Indicators) (string, error) {
	if specs == nil || len(specs.Tables) == 0 {
		return "", &RenderError{Message: "no table specifications to render"}
	}
	if indicators == nil {
		return "", &RenderError{Message: "indicators are required to expand table specifications"}
	}

	data := tablesData{Weight: specs.WeightingVariable}
	for _, t := range specs.Tables {
		rows, rowsAverage, err := expand(indicators, t.RowIndicators)
		if err != nil {
			return "", &RenderError{Message: fmt.Sprintf("table %s rows", t.ID), Cause: err}
		}
		cols, _, err := expand(indicators, t.ColumnIndicators)
		if err != nil {
			return "", &RenderError{Message: fmt.Sprintf("table %s columns", t.ID), Cause: err}
		}
		if len(rows) == 0 || len(cols) == 0 {
			return "", &RenderError{Message: fmt.Sprintf("table %s needs at least one row and one column variable", t.ID)}
		}
		data.Tables = append(data.Tables, tableBlock{
			ID:          t.ID,
			Description: strings.TrimSuffix(strings.ReplaceAll(t.Description, "\n", " "), "."),
			Thresholds:  thresholds(t),
			Rows:        rows,
			Columns:     cols,
			Means:       rowsAverage,
			Format:      sortFormat(t.SortRows),
		})
	}

	var b strings.Builder
	if err := tablesTemplate.Execute(&b, data); err != nil {
		return "", &RenderError{Message: "failed to execute tables template", Cause: err}
	}
	return b.String(), nil
}

// expand returns the variables behind ids, de-duplicated in order, and whether every indicator is an average
func expand(indicators *types.Indicators, ids []string) ([]string, bool, error) {
	var vars []string
	seen := map[string]bool{}
	allAverage := len(ids) > 0
	for _, id := range ids {
		ind, ok := indicators.Lookup(id)
		if !ok {
			return nil, false, fmt.Errorf("unknown indicator %s", id)
		}
		if ind.Metric != types.MetricAverage {
			allAverage = false
		}
		for _, v := range ind.UnderlyingVariables {
			if !seen[v] {
				seen[v] = true
				vars = append(vars, v)
			}
		}
	}
	return vars, allAverage, nil
}

func sortFormat(order string) string {
	switch order {
	case types.SortAsc:
		return "AVALUE"
	case types.SortDesc:
		return "DVALUE"
	default:
		return ""
	}
}

func thresholds(t types.TableSpec) string {
	var parts []string
	if t.MinCount != nil {
		parts = append(parts, fmt.Sprintf("min_count=%d", *t.MinCount))
	}
	if t.CramersVThreshold != nil {
		parts = append(parts, "cramers_v="+number(*t.CramersVThreshold))
	}
	return strings.Join(parts, " ")
}
