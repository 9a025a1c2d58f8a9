package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jonathan/survey-agent/internal/schemas"
	"github.com/jonathan/survey-agent/internal/types"
)

// CheckStructure is the name of the schema check every artifact kind runs first
const CheckStructure = "Structural completeness"

// Validate runs the check battery for kind against ref.
// An artifact that fails the schema check is reported invalid without running the semantic checks.
// The returned error is non-nil only for logic errors such as an unknown kind or an unloadable schema.
func Validate(kind types.ArtifactKind, artifact json.RawMessage, ref types.ReferenceData) (types.ValidationResult, error) {
	if len(artifact) == 0 {
		return types.NewValidationResult([]string{fmt.Sprintf("no %s artifact to validate", kind)}, nil, []string{CheckStructure}), nil
	}

	if err := schemas.ValidateArtifact(kind, artifact); err != nil {
		var schemaErr *schemas.ValidationError
		if !errors.As(err, &schemaErr) {
			return types.ValidationResult{}, &Error{Message: fmt.Sprintf("failed to check %s structure", kind), Cause: err}
		}
		errs := make([]string, 0, len(schemaErr.Errors))
		for _, fe := range schemaErr.Errors {
			errs = append(errs, "Schema: "+fe.String())
		}
		return types.NewValidationResult(errs, nil, []string{CheckStructure}), nil
	}

	decoded, err := types.DecodeArtifact(kind, artifact)
	if err != nil {
		return types.NewValidationResult([]string{err.Error()}, nil, []string{CheckStructure}), nil
	}

	var r report
	r.check(CheckStructure)
	switch a := decoded.(type) {
	case *types.RecodingRules:
		checkRecodingRules(&r, a, ref)
	case *types.Indicators:
		checkIndicators(&r, a, ref)
	case *types.TableSpecs:
		checkTableSpecs(&r, a, ref)
	default:
		return types.ValidationResult{}, &Error{Message: fmt.Sprintf("no checks registered for %s", kind)}
	}
	return types.NewValidationResult(r.errors, r.warnings, r.checks), nil
}

// report accumulates the outcome of one check battery
type report struct {
	errors   []string
	warnings []string
	checks   []string
}

func (r *report) check(name string) { r.checks = append(r.checks, name) }

func (r *report) errorf(format string, args ...any) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func (r *report) warnf(format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

// duplicates returns the values occurring more than once, sorted
func duplicates(values []string) []string {
	counts := make(map[string]int, len(values))
	for _, v := range values {
		counts[v]++
	}
	var dups []string
	for v, n := range counts {
		if n > 1 {
			dups = append(dups, v)
		}
	}
	sort.Strings(dups)
	return dups
}

func quoteAll(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + v + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
