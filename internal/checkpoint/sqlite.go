package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jonathan/survey-agent/internal/types"
	"github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps checkpoints in a local SQLite database file
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and initializes its schema
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single writer keeps sequence checks and inserts serialized
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS run_checkpoints (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			step TEXT NOT NULL,
			status TEXT NOT NULL,
			state BLOB NOT NULL,
			pending BLOB,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_checkpoints_created_at ON run_checkpoints(created_at DESC)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

// Append implements Store
func (s *SQLiteStore) Append(ctx context.Context, cp Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM run_checkpoints WHERE run_id = ?`, cp.RunID,
	).Scan(&latest); err != nil {
		return fmt.Errorf("failed to read latest sequence: %w", err)
	}
	if latest.Valid && latest.Int64 >= cp.Seq {
		return fmt.Errorf("run %s seq %d: %w", cp.RunID, cp.Seq, ErrSequenceConflict)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_checkpoints (run_id, seq, step, status, state, pending, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.RunID, cp.Seq, cp.Step, string(cp.Status), []byte(cp.State), nullableBytes(cp.Pending),
		cp.Error, cp.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("run %s seq %d: %w", cp.RunID, cp.Seq, ErrSequenceConflict)
		}
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

const sqliteColumns = `run_id, seq, step, status, state, pending, error_message, created_at`

// Latest implements Store
func (s *SQLiteStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM run_checkpoints WHERE run_id = ? ORDER BY seq DESC LIMIT 1`, runID)
	cp, err := scanSQLite(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	return cp, nil
}

// History implements Store
func (s *SQLiteStore) History(ctx context.Context, runID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM run_checkpoints WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	out, err := collectSQLite(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return out, nil
}

// Runs implements Store
func (s *SQLiteStore) Runs(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM run_checkpoints c
		 WHERE seq = (SELECT MAX(seq) FROM run_checkpoints WHERE run_id = c.run_id)`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	out, err := collectSQLite(rows)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return out, nil
}

// Close implements Store
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (*Checkpoint, error) {
	var (
		cp        Checkpoint
		status    string
		state     []byte
		pending   []byte
		createdAt string
	)
	if err := row.Scan(&cp.RunID, &cp.Seq, &cp.Step, &status, &state, &pending, &cp.Error, &createdAt); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint timestamp: %w", err)
	}
	cp.Status = types.RunStatus(status)
	cp.State = state
	if len(pending) > 0 {
		cp.Pending = pending
	}
	cp.CreatedAt = ts
	return &cp, nil
}

func collectSQLite(rows *sql.Rows) ([]Checkpoint, error) {
	defer func() { _ = rows.Close() }()
	var out []Checkpoint
	for rows.Next() {
		cp, err := scanSQLite(rows)
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

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
