// Package checkpoint persists training snapshots in SQLite.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("checkpoint not found")

var schema = []string{`
CREATE TABLE IF NOT EXISTS checkpoints (
	run_id     TEXT    NOT NULL,
	iteration  INTEGER NOT NULL,
	state_json BLOB    NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (run_id, iteration)
)`, `
CREATE TABLE IF NOT EXISTS checkpoint_blobs (
	run_id    TEXT    NOT NULL,
	iteration INTEGER NOT NULL,
	component TEXT    NOT NULL,
	data      BLOB    NOT NULL,
	PRIMARY KEY (run_id, iteration, component),
	FOREIGN KEY (run_id, iteration) REFERENCES checkpoints (run_id, iteration) ON DELETE CASCADE
)`}

// Checkpoint is one saved training state. Blobs are opaque parameter sets
// keyed by component; State carries trainer-owned metadata.
type Checkpoint struct {
	RunID     string
	Iteration int
	Blobs     map[string][]byte
	State     []byte
	CreatedAt time.Time
}

// Store provides SQLite-backed checkpoint persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the database at path, creating the schema when needed.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	for _, stmt := range schema {
		if _, err := sqlDB.Exec(stmt); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Save writes a checkpoint atomically, replacing one with the same run and
// iteration.
func (s *Store) Save(ctx context.Context, cp Checkpoint) error {
	if strings.TrimSpace(cp.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	state := cp.State
	if state == nil {
		state = []byte("{}")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE run_id = ? AND iteration = ?`,
		cp.RunID, cp.Iteration,
	); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, iteration, state_json, created_at) VALUES (?, ?, ?, ?)`,
		cp.RunID, cp.Iteration, state, cp.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	for component, data := range cp.Blobs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoint_blobs (run_id, iteration, component, data) VALUES (?, ?, ?, ?)`,
			cp.RunID, cp.Iteration, component, data,
		); err != nil {
			return fmt.Errorf("insert %s blob: %w", component, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Latest loads the highest-iteration checkpoint of a run.
func (s *Store) Latest(ctx context.Context, runID string) (Checkpoint, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT iteration, state_json, created_at FROM checkpoints
		 WHERE run_id = ? ORDER BY iteration DESC LIMIT 1`,
		runID,
	)
	cp := Checkpoint{RunID: runID, Blobs: map[string][]byte{}}
	var createdAt int64
	if err := row.Scan(&cp.Iteration, &cp.State, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	cp.CreatedAt = time.UnixMilli(createdAt)

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT component, data FROM checkpoint_blobs WHERE run_id = ? AND iteration = ?`,
		runID, cp.Iteration,
	)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("list blobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var component string
		var data []byte
		if err := rows.Scan(&component, &data); err != nil {
			return Checkpoint{}, fmt.Errorf("scan blob: %w", err)
		}
		cp.Blobs[component] = data
	}
	if err := rows.Err(); err != nil {
		return Checkpoint{}, fmt.Errorf("list blobs: %w", err)
	}
	return cp, nil
}

// Prune deletes all but the newest keep checkpoints of a run.
func (s *Store) Prune(ctx context.Context, runID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE run_id = ? AND iteration NOT IN (
			SELECT iteration FROM checkpoints WHERE run_id = ? ORDER BY iteration DESC LIMIT ?
		)`,
		runID, runID, keep,
	); err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}
	return nil
}
