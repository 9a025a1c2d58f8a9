package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Store merges step deltas into Records and enforces section ownership
type Store struct {
	mu     sync.RWMutex
	owners map[string]map[Section]bool
}

// NewStore returns a Store with no declared owners
func NewStore() *Store {
	return &Store{owners: map[string]map[Section]bool{}}
}

// Declare grants step write access to sections
func (s *Store) Declare(step string, sections ...Section) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sec := range sections {
		if sec == SectionInput {
			return &OwnershipError{Step: step, Section: sec, Message: "input section is written only at run creation"}
		}
	}
	owned := s.owners[step]
	if owned == nil {
		owned = map[Section]bool{}
		s.owners[step] = owned
	}
	for _, sec := range sections {
		owned[sec] = true
	}
	return nil
}

// Owned returns the sections step may write, sorted
func (s *Store) Owned(step string) []Section {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.owners[step]))
}

// Steps returns every step with declared ownership, sorted
func (s *Store) Steps() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.owners))
}

// Apply merges d into rec on behalf of step and returns the new Record.
// Keys absent from rec are added and keys present are overwritten. A write to any
// section step does not own is rejected with an OwnershipError and rec is left untouched.
func (s *Store) Apply(rec Record, step string, d *Delta) (Record, error) {
	if err := d.err(); err != nil {
		return rec, &Error{Message: fmt.Sprintf("invalid delta from step %s", step), Cause: err}
	}

	s.mu.RLock()
	owned, known := s.owners[step]
	s.mu.RUnlock()
	if !known {
		return rec, &OwnershipError{Step: step, Message: "step has no declared sections"}
	}
	for _, sec := range d.Sections() {
		if !owned[sec] {
			return rec, &OwnershipError{Step: step, Section: sec, Message: "write outside owned sections"}
		}
	}

	out := rec.Clone()
	if d.Empty() {
		return out, nil
	}
	for sec, fields := range d.fields {
		target := out.Sections[sec]
		if target == nil {
			target = make(map[string]json.RawMessage, len(fields))
			out.Sections[sec] = target
		}
		for k, v := range fields {
			target[k] = bytes.Clone(v)
		}
	}
	out.Approvals = append(out.Approvals, d.approvals...)
	out.Version++
	return out, nil
}
