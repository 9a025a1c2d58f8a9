// Package checkpoint persists immutable snapshots of a run, keyed by run ID and sequence number.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jonathan/survey-agent/internal/types"
)

var (
	// ErrNotFound is returned when a run has no checkpoints
	ErrNotFound = errors.New("checkpoint not found")
	// ErrSequenceConflict is returned when appending a sequence number that is not newer than the latest
	ErrSequenceConflict = errors.New("checkpoint sequence conflict")
)

// Checkpoint is one immutable snapshot in a run's lineage
type Checkpoint struct {
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	Step      string          `json:"step"`
	Status    types.RunStatus `json:"status"`
	State     json.RawMessage `json:"state"`
	Pending   json.RawMessage `json:"pending,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is an append-only checkpoint backing store
type Store interface {
	// Append stores cp. It fails with ErrSequenceConflict unless cp.Seq is greater than the latest for the run.
	Append(ctx context.Context, cp Checkpoint) error
	// Latest returns the newest checkpoint of a run, or ErrNotFound
	Latest(ctx context.Context, runID string) (*Checkpoint, error)
	// History returns every checkpoint of a run in sequence order
	History(ctx context.Context, runID string) ([]Checkpoint, error)
	// Runs returns the latest checkpoint of every run, newest first
	Runs(ctx context.Context) ([]Checkpoint, error)
	Close() error
}
