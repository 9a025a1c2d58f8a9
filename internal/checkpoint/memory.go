package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps checkpoints in process memory
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string][]Checkpoint
}

// NewMemoryStore returns an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: map[string][]Checkpoint{}}
}

// Append implements Store
func (m *MemoryStore) Append(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lineage := m.runs[cp.RunID]
	if n := len(lineage); n > 0 && lineage[n-1].Seq >= cp.Seq {
		return fmt.Errorf("run %s seq %d: %w", cp.RunID, cp.Seq, ErrSequenceConflict)
	}
	m.runs[cp.RunID] = append(lineage, copyCheckpoint(cp))
	return nil
}

// Latest implements Store
func (m *MemoryStore) Latest(_ context.Context, runID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lineage := m.runs[runID]
	if len(lineage) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	cp := copyCheckpoint(lineage[len(lineage)-1])
	return &cp, nil
}

// History implements Store
func (m *MemoryStore) History(_ context.Context, runID string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lineage := m.runs[runID]
	if len(lineage) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	out := make([]Checkpoint, len(lineage))
	for i, cp := range lineage {
		out[i] = copyCheckpoint(cp)
	}
	return out, nil
}

// Runs implements Store
func (m *MemoryStore) Runs(_ context.Context) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Checkpoint, 0, len(m.runs))
	for _, lineage := range m.runs {
		out = append(out, copyCheckpoint(lineage[len(lineage)-1]))
	}
	sortNewestFirst(out)
	return out, nil
}

// Close implements Store
func (m *MemoryStore) Close() error { return nil }

func copyCheckpoint(cp Checkpoint) Checkpoint {
	cp.State = bytes.Clone(cp.State)
	cp.Pending = bytes.Clone(cp.Pending)
	return cp
}

func sortNewestFirst(cps []Checkpoint) {
	sort.SliceStable(cps, func(i, j int) bool {
		if cps[i].CreatedAt.Equal(cps[j].CreatedAt) {
			return cps[i].RunID < cps[j].RunID
		}
		return cps[i].CreatedAt.After(cps[j].CreatedAt)
	})
}
