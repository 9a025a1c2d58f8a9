package validation

import (
	"sort"
	"strings"

	"github.com/jonathan/survey-agent/internal/types"
)

// Table specification checks
const (
	CheckIndicatorIDs     = "Indicator IDs exist"
	CheckRowColumnOverlap = "No overlap between rows and columns"
	CheckWeighting        = "Weighting variable exists"
	CheckSorting          = "Sorting valid"
	CheckCramersV         = "Cramer's V in range"
	CheckMinCount         = "Count min > 0"
)

// SortOptions lists the accepted sort orders, sorted
var SortOptions = []string{types.SortAsc, types.SortDesc, types.SortNone}

func checkTableSpecs(r *report, specs *types.TableSpecs, ref types.ReferenceData) {
	indicators := make(map[string]bool, len(ref.Indicators))
	for _, i := range ref.Indicators {
		indicators[i.ID] = true
	}

	r.check(CheckIndicatorIDs)
	for _, t := range specs.Tables {
		for _, id := range append(append([]string(nil), t.RowIndicators...), t.ColumnIndicators...) {
			if !indicators[id] {
				r.errorf("Table '%s' references non-existent indicator '%s'", t.ID, id)
			}
		}
	}

	r.check(CheckRowColumnOverlap)
	for _, t := range specs.Tables {
		rows := make(map[string]bool, len(t.RowIndicators))
		for _, id := range t.RowIndicators {
			rows[id] = true
		}
		overlap := map[string]bool{}
		for _, id := range t.ColumnIndicators {
			if rows[id] {
				overlap[id] = true
			}
		}
		if len(overlap) > 0 {
			ids := make([]string, 0, len(overlap))
			for id := range overlap {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			r.errorf("Table '%s' has overlapping indicators in rows and columns: %s", t.ID, quoteAll(ids))
		}
	}

	r.check(CheckWeighting)
	if w := specs.WeightingVariable; w != "" {
		if _, ok := ref.VariableIndex()[w]; !ok {
			r.errorf("Weighting variable '%s' not found in metadata", w)
		}
	}

	r.check(CheckSorting)
	for _, t := range specs.Tables {
		if t.SortRows != "" && !contains(SortOptions, t.SortRows) {
			r.errorf("Table '%s' has invalid sort_rows value '%s'. Valid options: %s", t.ID, t.SortRows, strings.Join(SortOptions, ", "))
		}
		if t.SortColumns != "" && !contains(SortOptions, t.SortColumns) {
			r.errorf("Table '%s' has invalid sort_columns value '%s'. Valid options: %s", t.ID, t.SortColumns, strings.Join(SortOptions, ", "))
		}
	}

	r.check(CheckCramersV)
	for _, t := range specs.Tables {
		if v := t.CramersVThreshold; v != nil && (*v < 0 || *v > 1) {
			r.errorf("Table '%s' has Cramer's V threshold %s which is outside valid range [0, 1]", t.ID, formatNumber(*v))
		}
	}

	r.check(CheckMinCount)
	for _, t := range specs.Tables {
		if t.MinCount != nil && *t.MinCount <= 0 {
			r.errorf("Table '%s' has min_count %d which must be greater than 0", t.ID, *t.MinCount)
		}
	}
}
