package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/jonathan/survey-agent/internal/types"
)

// Delta collects the writes a step handler wants merged into the Record
type Delta struct {
	fields    map[Section]map[string]json.RawMessage
	approvals []types.ApprovalEntry
	errs      []error
}

// NewDelta returns an empty Delta
func NewDelta() *Delta {
	return &Delta{fields: map[Section]map[string]json.RawMessage{}}
}

// Set encodes value into sec.field. Encoding errors surface from Apply.
func (d *Delta) Set(sec Section, field string, value any) *Delta {
	raw, err := json.Marshal(value)
	if err != nil {
		d.errs = append(d.errs, fmt.Errorf("failed to encode %s.%s: %w", sec, field, err))
		return d
	}
	if d.fields[sec] == nil {
		d.fields[sec] = map[string]json.RawMessage{}
	}
	d.fields[sec][field] = raw
	return d
}

// AppendApproval queues an approval log entry
func (d *Delta) AppendApproval(entry types.ApprovalEntry) *Delta {
	d.approvals = append(d.approvals, entry)
	return d
}

// Sections returns the sections the delta writes, sorted
func (d *Delta) Sections() []Section {
	if d == nil {
		return nil
	}
	secs := slices.Sorted(maps.Keys(d.fields))
	if len(d.approvals) > 0 {
		secs = append(secs, SectionApprovals)
	}
	return secs
}

// Empty reports whether applying d would change nothing
func (d *Delta) Empty() bool {
	return d == nil || (len(d.fields) == 0 && len(d.approvals) == 0 && len(d.errs) == 0)
}

func (d *Delta) err() error {
	if d == nil {
		return nil
	}
	return errors.Join(d.errs...)
}
