// Package state provides the State Record threaded through every step of a run.
//
// A Record is partitioned into named sections, one per pipeline phase, each holding
// JSON-encoded fields. Records are copy-on-write: Apply returns a new Record and never
// touches the one it was given.
package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/jonathan/survey-agent/internal/types"
)

// Section names one sub-record of the State Record
type Section string

// Sections written by the engine itself rather than a registered step
const (
	// SectionInput holds the source path and run configuration. It is written once at run creation.
	SectionInput Section = "input"
	// SectionApprovals grants a step the right to append to the approval log.
	SectionApprovals Section = "approvals"
)

// Input field names
const (
	FieldSourcePath = "source_path"
	FieldRunConfig  = "config"
)

// Record is the accumulating payload of a run
type Record struct {
	Version   int                                    `json:"version"`
	Sections  map[Section]map[string]json.RawMessage `json:"sections"`
	Approvals []types.ApprovalEntry                  `json:"approvals,omitempty"`
	Trace     []types.TraceEntry                     `json:"trace,omitempty"`
}

// New creates a Record holding only the two initial input fields
func New(sourcePath string, cfg types.RunConfig) (Record, error) {
	rec := Record{Sections: map[Section]map[string]json.RawMessage{}}
	input := map[string]json.RawMessage{}
	for field, value := range map[string]any{FieldSourcePath: sourcePath, FieldRunConfig: cfg} {
		raw, err := json.Marshal(value)
		if err != nil {
			return Record{}, fmt.Errorf("failed to encode input field %s: %w", field, err)
		}
		input[field] = raw
	}
	rec.Sections[SectionInput] = input
	return rec, nil
}

// Clone returns a deep copy that shares no mutable memory with r
func (r Record) Clone() Record {
	out := Record{
		Version:  r.Version,
		Sections: make(map[Section]map[string]json.RawMessage, len(r.Sections)),
	}
	for sec, fields := range r.Sections {
		copied := make(map[string]json.RawMessage, len(fields))
		for k, v := range fields {
			copied[k] = bytes.Clone(v)
		}
		out.Sections[sec] = copied
	}
	if r.Approvals != nil {
		out.Approvals = slices.Clone(r.Approvals)
	}
	if r.Trace != nil {
		out.Trace = make([]types.TraceEntry, len(r.Trace))
		for i, e := range r.Trace {
			e.Warnings = slices.Clone(e.Warnings)
			out.Trace[i] = e
		}
	}
	return out
}

// Has reports whether field has been set in sec
func (r Record) Has(sec Section, field string) bool {
	_, ok := r.Sections[sec][field]
	return ok
}

// Fields returns the sorted field names set in sec
func (r Record) Fields(sec Section) []string {
	return slices.Sorted(maps.Keys(r.Sections[sec]))
}

// Raw returns the encoded value of a field
func (r Record) Raw(sec Section, field string) (json.RawMessage, bool) {
	raw, ok := r.Sections[sec][field]
	return raw, ok
}

// Get decodes a field into T. The boolean is false when the field has never been set.
func Get[T any](r Record, sec Section, field string) (T, bool, error) {
	var out T
	raw, ok := r.Sections[sec][field]
	if !ok {
		return out, false, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, true, &DecodeError{Section: sec, Field: field, Cause: err}
	}
	return out, true, nil
}

// MustGet decodes a field that a prior step is required to have written
func MustGet[T any](r Record, sec Section, field string) (T, error) {
	v, ok, err := Get[T](r, sec, field)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, &MissingFieldError{Section: sec, Field: field}
	}
	return v, nil
}

// RunConfig returns the configuration captured when the run was created
func (r Record) RunConfig() (types.RunConfig, error) {
	return MustGet[types.RunConfig](r, SectionInput, FieldRunConfig)
}

// SourcePath returns the survey file the run was created for
func (r Record) SourcePath() (string, error) {
	return MustGet[string](r, SectionInput, FieldSourcePath)
}

// WithTrace returns a copy of r with entry appended to the execution trace
func (r Record) WithTrace(entry types.TraceEntry) Record {
	out := r.Clone()
	out.Trace = append(out.Trace, entry)
	return out
}

// ConsecutiveFailures counts trailing failed trace entries for step
func (r Record) ConsecutiveFailures(step string) int {
	n := 0
	for i := len(r.Trace) - 1; i >= 0; i-- {
		e := r.Trace[i]
		if e.Step != step || e.Status != types.TraceFailed {
			break
		}
		n++
	}
	return n
}

// Snapshot serializes r deterministically. Map keys are emitted in sorted order.
func Snapshot(r Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot state: %w", err)
	}
	return data, nil
}

// Restore rebuilds a Record from Snapshot output
func Restore(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("failed to restore state: %w", err)
	}
	if r.Sections == nil {
		r.Sections = map[Section]map[string]json.RawMessage{}
	}
	return r, nil
}
