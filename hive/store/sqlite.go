package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed QueryableStore.
//
// A single-file database with zero setup, suited to development, testing,
// and single-process deployments that need durable checkpoints. Uses WAL
// mode so readers do not block the writer.
//
// Schema: one table, thread_checkpoints, holding the binary checkpoint
// record per row plus the indexed header fields needed for queries.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
	path   string
}

// NewSQLiteStore opens (or creates) the database at path and migrates the
// schema. Use ":memory:" for an in-memory database in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time; a single pooled connection
	// keeps the driver from fighting itself.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS thread_checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL UNIQUE,
			step_index INTEGER NOT NULL,
			graph_version TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			record BLOB NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create thread_checkpoints table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON thread_checkpoints(thread_id, id)"); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_thread: %w", err)
	}
	return nil
}

// Save persists the checkpoint as a binary record.
func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := cp.EncodeBinary()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO thread_checkpoints
			(thread_id, run_id, checkpoint_id, step_index, graph_version, created_at, record)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.ThreadID, cp.RunID, cp.ID, cp.StepIndex, cp.GraphVersion,
		cp.CreatedAt.UnixNano(), data)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadLatest returns the most recently inserted checkpoint for the thread.
func (s *SQLiteStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT record FROM thread_checkpoints
		WHERE thread_id = ? ORDER BY id DESC LIMIT 1`, threadID).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return DecodeBinary(record)
}

// ListCheckpoints returns summaries newest first.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]Summary, error) {
	query := `
		SELECT checkpoint_id, run_id, step_index, graph_version, created_at, LENGTH(record)
		FROM thread_checkpoints WHERE thread_id = ? ORDER BY id DESC`
	args := []any{threadID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []Summary
	for rows.Next() {
		var sm Summary
		var createdAt int64
		if err := rows.Scan(&sm.ID, &sm.RunID, &sm.StepIndex, &sm.GraphVersion, &createdAt, &sm.SizeBytes); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint summary: %w", err)
		}
		sm.CreatedAt = time.Unix(0, createdAt).UTC()
		summaries = append(summaries, sm)
	}
	return summaries, rows.Err()
}

// LoadCheckpoint returns a specific checkpoint by ID.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT record FROM thread_checkpoints
		WHERE thread_id = ? AND checkpoint_id = ?`, threadID, checkpointID).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return DecodeBinary(record)
}

// Close releases the database connection. Safe to call once.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
