package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonathan/survey-agent/internal/checkpoint"
	"github.com/jonathan/survey-agent/internal/types"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a duplicate key
const uniqueViolation = "23505"

// -----------------------------------------------------------------------------
// Run Checkpoint Methods
// -----------------------------------------------------------------------------

// Append stores a checkpoint and moves the run's summary row forward
func (db *DB) Append(ctx context.Context, cp checkpoint.Checkpoint) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Row lock on the run serializes appends for the same run ID
	tag, err := tx.Exec(ctx,
		`INSERT INTO pipeline_runs (id, status, current_step, latest_seq, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status, current_step = EXCLUDED.current_step,
		     latest_seq = EXCLUDED.latest_seq, updated_at = EXCLUDED.updated_at
		 WHERE pipeline_runs.latest_seq < EXCLUDED.latest_seq`,
		cp.RunID, string(cp.Status), cp.Step, cp.Seq, cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s seq %d: %w", cp.RunID, cp.Seq, checkpoint.ErrSequenceConflict)
	}

	var pending []byte
	if len(cp.Pending) > 0 {
		pending = cp.Pending
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO run_checkpoints (run_id, seq, step, status, state, pending, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cp.RunID, cp.Seq, cp.Step, string(cp.Status), []byte(cp.State), pending, cp.Error, cp.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("run %s seq %d: %w", cp.RunID, cp.Seq, checkpoint.ErrSequenceConflict)
		}
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

const checkpointColumns = `run_id, seq, step, status, state, pending, error_message, created_at`

// Latest retrieves the newest checkpoint for a run
func (db *DB) Latest(ctx context.Context, runID string) (*checkpoint.Checkpoint, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+checkpointColumns+`
		 FROM run_checkpoints
		 WHERE run_id = $1
		 ORDER BY seq DESC
		 LIMIT 1`,
		runID,
	)
	cp, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, checkpoint.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cp, nil
}

// History retrieves every checkpoint for a run in sequence order
func (db *DB) History(ctx context.Context, runID string) ([]checkpoint.Checkpoint, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+checkpointColumns+` FROM run_checkpoints WHERE run_id = $1 ORDER BY seq ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	out, err := collectCheckpoints(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, checkpoint.ErrNotFound)
	}
	return out, nil
}

// Runs retrieves the latest checkpoint of every run, most recently updated first
func (db *DB) Runs(ctx context.Context) ([]checkpoint.Checkpoint, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT c.run_id, c.seq, c.step, c.status, c.state, c.pending, c.error_message, c.created_at
		 FROM pipeline_runs r
		 JOIN run_checkpoints c ON c.run_id = r.id AND c.seq = r.latest_seq
		 ORDER BY r.updated_at DESC, r.id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return collectCheckpoints(rows)
}

func scanCheckpoint(row pgx.Row) (*checkpoint.Checkpoint, error) {
	var (
		cp      checkpoint.Checkpoint
		status  string
		state   []byte
		pending []byte
	)
	if err := row.Scan(&cp.RunID, &cp.Seq, &cp.Step, &status, &state, &pending, &cp.Error, &cp.CreatedAt); err != nil {
		return nil, err
	}
	cp.Status = types.RunStatus(status)
	cp.State = state
	if len(pending) > 0 {
		cp.Pending = pending
	}
	cp.CreatedAt = cp.CreatedAt.UTC()
	return &cp, nil
}

func collectCheckpoints(rows pgx.Rows) ([]checkpoint.Checkpoint, error) {
	defer rows.Close()
	var out []checkpoint.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, *cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

var _ checkpoint.Store = (*DB)(nil)
