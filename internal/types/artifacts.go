// Package types provides type definitions for structured data used throughout the survey agent.
//
//nolint:revive // types is a standard Go package name pattern
package types

import (
	"encoding/json"
	"fmt"
)

// ArtifactKind tags the three artifact shapes produced by a GVR cycle
type ArtifactKind string

const (
	// KindRecodingRules is the recoding rules artifact
	KindRecodingRules ArtifactKind = "recoding_rules"
	// KindIndicators is the indicator groupings artifact
	KindIndicators ArtifactKind = "indicators"
	// KindTableSpecs is the table specifications artifact
	KindTableSpecs ArtifactKind = "table_specs"
)

// ArtifactKinds lists every kind in pipeline order
var ArtifactKinds = []ArtifactKind{KindRecodingRules, KindIndicators, KindTableSpecs}

// ParseArtifactKind converts a string into a known ArtifactKind
func ParseArtifactKind(s string) (ArtifactKind, error) {
	for _, k := range ArtifactKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown artifact kind %q", s)
}

// Rule types for recoding rules
const (
	RuleTypeRange    = "range"
	RuleTypeMapping  = "mapping"
	RuleTypeDerived  = "derived"
	RuleTypeCategory = "category"
)

// Transformation maps source values of a variable onto one target value
type Transformation struct {
	Source []float64 `json:"source"`
	Target float64   `json:"target"`
	Label  string    `json:"label"`
}

// RecodingRule creates a target variable from a source variable
type RecodingRule struct {
	SourceVariable  string           `json:"source_variable"`
	TargetVariable  string           `json:"target_variable"`
	RuleType        string           `json:"rule_type"`
	Transformations []Transformation `json:"transformations"`
	Rationale       string           `json:"rationale,omitempty"`
}

// RecodingRules is the recoding_rules artifact
type RecodingRules struct {
	Rules []RecodingRule `json:"recoding_rules"`
	Notes string         `json:"generation_notes,omitempty"`
}

// TargetVariables returns the variables created by the rules, in rule order
func (r *RecodingRules) TargetVariables() []string {
	targets := make([]string, 0, len(r.Rules))
	for _, rule := range r.Rules {
		targets = append(targets, rule.TargetVariable)
	}
	return targets
}

// Indicator metrics
const (
	MetricAverage      = "average"
	MetricPercentage   = "percentage"
	MetricDistribution = "distribution"
)

// Indicator groups one or more variables under a reporting metric
type Indicator struct {
	ID                  string   `json:"id"`
	Description         string   `json:"description"`
	Metric              string   `json:"metric"`
	UnderlyingVariables []string `json:"underlying_variables"`
}

// Indicators is the indicators artifact
type Indicators struct {
	Indicators []Indicator `json:"indicators"`
}

// Lookup returns the indicator with the given ID
func (i *Indicators) Lookup(id string) (Indicator, bool) {
	for _, ind := range i.Indicators {
		if ind.ID == id {
			return ind, true
		}
	}
	return Indicator{}, false
}

// Sort orders for table rows and columns
const (
	SortNone = "none"
	SortAsc  = "asc"
	SortDesc = "desc"
)

// TableSpec describes one cross table built from indicators
type TableSpec struct {
	ID                string   `json:"id"`
	Description       string   `json:"description"`
	RowIndicators     []string `json:"row_indicators"`
	ColumnIndicators  []string `json:"column_indicators"`
	SortRows          string   `json:"sort_rows,omitempty"`
	SortColumns       string   `json:"sort_columns,omitempty"`
	CramersVThreshold *float64 `json:"cramers_v_threshold,omitempty"`
	MinCount          *int     `json:"min_count,omitempty"`
}

// TableSpecs is the table_specs artifact
type TableSpecs struct {
	Tables            []TableSpec `json:"tables"`
	WeightingVariable string      `json:"weighting_variable,omitempty"`
}

// DecodeArtifact unmarshals raw artifact bytes into the Go type registered for kind
func DecodeArtifact(kind ArtifactKind, raw json.RawMessage) (any, error) {
	var target any
	switch kind {
	case KindRecodingRules:
		target = &RecodingRules{}
	case KindIndicators:
		target = &Indicators{}
	case KindTableSpecs:
		target = &TableSpecs{}
	default:
		return nil, fmt.Errorf("unknown artifact kind %q", kind)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("failed to decode %s artifact: %w", kind, err)
	}
	return target, nil
}
