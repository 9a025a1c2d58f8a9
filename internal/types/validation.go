package types

// ValidationResult is the outcome of a deterministic validator run
type ValidationResult struct {
	IsValid         bool     `json:"is_valid"`
	Errors          []string `json:"errors"`
	Warnings        []string `json:"warnings"`
	ChecksPerformed []string `json:"checks_performed"`
}

// NewValidationResult builds a result whose validity follows from errs
func NewValidationResult(errs, warnings, checks []string) ValidationResult {
	if errs == nil {
		errs = []string{}
	}
	if warnings == nil {
		warnings = []string{}
	}
	if checks == nil {
		checks = []string{}
	}
	return ValidationResult{
		IsValid:         len(errs) == 0,
		Errors:          errs,
		Warnings:        warnings,
		ChecksPerformed: checks,
	}
}
