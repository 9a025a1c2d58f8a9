package validation

import (
	"strings"

	"github.com/jonathan/survey-agent/internal/types"
)

// Indicator checks
const (
	CheckVariablesExist    = "Variables exist"
	CheckMetricValid       = "Metric valid"
	CheckUniqueIDs         = "No duplicate IDs"
	CheckVariablesNotEmpty = "Variables not empty"
	CheckMetricType        = "Variable type matches metric"
)

// ValidMetrics lists the accepted indicator metrics, sorted
var ValidMetrics = []string{types.MetricAverage, types.MetricDistribution, types.MetricPercentage}

func checkIndicators(r *report, ind *types.Indicators, ref types.ReferenceData) {
	vars := ref.VariableIndex()

	r.check(CheckVariablesExist)
	for _, i := range ind.Indicators {
		for _, v := range i.UnderlyingVariables {
			if _, ok := vars[v]; !ok {
				r.errorf("Indicator '%s' references non-existent variable '%s'", i.ID, v)
			}
		}
	}

	r.check(CheckMetricValid)
	for _, i := range ind.Indicators {
		if !contains(ValidMetrics, i.Metric) {
			r.errorf("Indicator '%s' has invalid metric '%s'. Valid metrics: %s", i.ID, i.Metric, strings.Join(ValidMetrics, ", "))
		}
	}

	r.check(CheckUniqueIDs)
	ids := make([]string, 0, len(ind.Indicators))
	for _, i := range ind.Indicators {
		ids = append(ids, i.ID)
	}
	if dups := duplicates(ids); len(dups) > 0 {
		r.errorf("Duplicate indicator IDs found: %s. Each indicator ID must be unique.", quoteAll(dups))
	}

	r.check(CheckVariablesNotEmpty)
	for _, i := range ind.Indicators {
		if len(i.UnderlyingVariables) == 0 {
			r.errorf("Indicator '%s' has no underlying variables. Each indicator must have at least one variable.", i.ID)
		}
	}

	r.check(CheckMetricType)
	for _, i := range ind.Indicators {
		for _, name := range i.UnderlyingVariables {
			v, ok := vars[name]
			if !ok || v.VariableType == types.VariableNumeric {
				continue
			}
			switch i.Metric {
			case types.MetricAverage:
				r.errorf("Indicator '%s' uses metric 'average' with non-numeric variable '%s' (type: %s)", i.ID, name, v.VariableType)
			case types.MetricPercentage:
				r.warnf("Indicator '%s' uses metric 'percentage' with variable '%s' (type: %s). Percentage typically uses binary (0/1) variables.",
					i.ID, name, v.VariableType)
			}
		}
	}
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}
