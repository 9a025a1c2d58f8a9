package types

import (
	"slices"
	"time"
)

// RunStatus is the lifecycle state of a run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSuspended RunStatus = "suspended"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further steps will execute without intervention
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// ModifyPolicy controls how a reviewer-supplied replacement artifact is treated
type ModifyPolicy string

const (
	// ModifyAccept takes the replacement as approved without validation
	ModifyAccept ModifyPolicy = "accept"
	// ModifyRevalidate validates the replacement and re-suspends when it fails
	ModifyRevalidate ModifyPolicy = "revalidate"
)

// FilterConfig controls metadata filtering before the recoding cycle
type FilterConfig struct {
	CardinalityThreshold int  `json:"cardinality_threshold" koanf:"cardinality_threshold" yaml:"cardinality_threshold"`
	Binary               bool `json:"binary" koanf:"binary" yaml:"binary"`
	OtherText            bool `json:"other_text" koanf:"other_text" yaml:"other_text"`
}

// RunConfig is the configuration captured into a run at start
type RunConfig struct {
	SourcePath        string             `json:"source_path"`
	OutputDir         string             `json:"output_dir"`
	MaxIterations     int                `json:"max_iterations"`
	EnableHumanReview bool               `json:"enable_human_review"`
	AutoApprove       []ArtifactKind     `json:"auto_approve,omitempty"`
	ModifyPolicy      ModifyPolicy       `json:"modify_policy"`
	StepTimeout       time.Duration      `json:"step_timeout"`
	Thresholds        map[string]float64 `json:"thresholds,omitempty"`
	Filter            FilterConfig       `json:"filter"`
}

// ReviewRequired reports whether kind must be approved by a human
func (c RunConfig) ReviewRequired(kind ArtifactKind) bool {
	if !c.EnableHumanReview {
		return false
	}
	return !slices.Contains(c.AutoApprove, kind)
}

// EffectiveMaxIterations falls back to the default cap of 3
func (c RunConfig) EffectiveMaxIterations() int {
	if c.MaxIterations <= 0 {
		return 3
	}
	return c.MaxIterations
}
