package validation

import (
	"sort"

	"github.com/jonathan/survey-agent/internal/types"
)

// Recoding rule checks
const (
	CheckSourceVariables     = "Source variables exist"
	CheckTargetConflicts     = "Target variable conflicts"
	CheckValueRanges         = "Value ranges validity"
	CheckDuplicateTargets    = "Duplicate target variables"
	CheckCompleteness        = "Transformation completeness"
	CheckTargetValueUnique   = "Target value uniqueness"
	CheckSourceValueOverlap  = "Source value overlap"
	CheckRangeIntervalsApart = "Range overlap"
)

func checkRecodingRules(r *report, rules *types.RecodingRules, ref types.ReferenceData) {
	vars := ref.VariableIndex()

	r.check(CheckSourceVariables)
	for _, rule := range rules.Rules {
		if _, ok := vars[rule.SourceVariable]; !ok {
			r.errorf("Source variable '%s' not found in metadata. Rule target: %s", rule.SourceVariable, rule.TargetVariable)
		}
	}

	r.check(CheckTargetConflicts)
	for _, rule := range rules.Rules {
		if _, ok := vars[rule.TargetVariable]; ok {
			r.warnf("Target variable '%s' already exists in metadata. It will be overwritten by the recoding.", rule.TargetVariable)
		}
	}

	r.check(CheckValueRanges)
	for _, rule := range rules.Rules {
		if rule.RuleType != types.RuleTypeRange {
			continue
		}
		for _, t := range rule.Transformations {
			switch {
			case len(t.Source) != 2:
				r.errorf("Invalid range in rule %s: Range must have exactly 2 values, got %d", rule.TargetVariable, len(t.Source))
			case t.Source[0] > t.Source[1]:
				r.errorf("Invalid range in rule %s: Range start (%s) > end (%s)",
					rule.TargetVariable, formatNumber(t.Source[0]), formatNumber(t.Source[1]))
			}
		}
	}

	r.check(CheckDuplicateTargets)
	if dups := duplicates(rules.TargetVariables()); len(dups) > 0 {
		r.errorf("Duplicate target variables found: %s. Each target variable should only be created once.", quoteAll(dups))
	}

	r.check(CheckCompleteness)
	for _, rule := range rules.Rules {
		if !valueMapped(rule.RuleType) {
			continue
		}
		if v, ok := vars[rule.SourceVariable]; ok && v.VariableType == types.VariableNumeric && countSources(rule) == 0 {
			r.errorf("Rule %s has no source values defined", rule.TargetVariable)
		}
	}

	r.check(CheckTargetValueUnique)
	for _, rule := range rules.Rules {
		seen := make(map[float64]bool, len(rule.Transformations))
		for _, t := range rule.Transformations {
			if seen[t.Target] {
				r.errorf("Rule %s has duplicate target values. Each transformation should map to a unique target value.", rule.TargetVariable)
				break
			}
			seen[t.Target] = true
		}
	}

	r.check(CheckSourceValueOverlap)
	for _, rule := range rules.Rules {
		if !valueMapped(rule.RuleType) {
			continue
		}
		seen := make(map[float64]bool)
		overlap := false
		for _, t := range rule.Transformations {
			for _, v := range t.Source {
				if seen[v] {
					overlap = true
				}
				seen[v] = true
			}
		}
		if overlap {
			r.errorf("Rule %s has overlapping source values. Each source value should only appear once.", rule.TargetVariable)
		}
	}

	// Endpoint equality is caught above; this catches ranges that nest or interleave.
	r.check(CheckRangeIntervalsApart)
	for _, rule := range rules.Rules {
		if rule.RuleType != types.RuleTypeRange {
			continue
		}
		var spans [][2]float64
		for _, t := range rule.Transformations {
			if len(t.Source) == 2 && t.Source[0] <= t.Source[1] {
				spans = append(spans, [2]float64{t.Source[0], t.Source[1]})
			}
		}
		sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })
		for i := 1; i < len(spans); i++ {
			prev, cur := spans[i-1], spans[i]
			if cur[0] < prev[1] {
				r.errorf("Rule %s has overlapping ranges %s-%s and %s-%s",
					rule.TargetVariable, formatNumber(prev[0]), formatNumber(prev[1]), formatNumber(cur[0]), formatNumber(cur[1]))
			}
		}
	}
}

func valueMapped(ruleType string) bool {
	return ruleType == types.RuleTypeRange || ruleType == types.RuleTypeMapping
}

func countSources(rule types.RecodingRule) int {
	n := 0
	for _, t := range rule.Transformations {
		n += len(t.Source)
	}
	return n
}
