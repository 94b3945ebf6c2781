package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB-backed QueryableStore.
//
// Suited to production deployments: connection pooling, durable storage,
// multiple engine processes sharing one checkpoint history (one run per
// thread at a time is still the caller's responsibility).
//
// Never hardcode credentials; pass a DSN from the environment:
//
//	store, err := store.NewMySQLStore(os.Getenv("MYSQL_DSN"))
type MySQLStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewMySQLStore opens a pooled connection for the given DSN
// (e.g. "user:pass@tcp(localhost:3306)/swarm") and migrates the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m := &MySQLStore{db: db}
	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return m, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS thread_checkpoints (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			thread_id VARCHAR(255) NOT NULL,
			run_id VARCHAR(255) NOT NULL,
			checkpoint_id VARCHAR(255) NOT NULL,
			step_index INT NOT NULL,
			graph_version VARCHAR(255) NOT NULL,
			created_at BIGINT NOT NULL,
			record LONGBLOB NOT NULL,
			INDEX idx_thread (thread_id, id),
			UNIQUE KEY unique_checkpoint (checkpoint_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create thread_checkpoints table: %w", err)
	}
	return nil
}

// Save persists the checkpoint as a binary record.
func (m *MySQLStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := cp.EncodeBinary()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}

	_, err = m.db.ExecContext(ctx, `
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
func (m *MySQLStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	var record []byte
	err := m.db.QueryRowContext(ctx, `
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
func (m *MySQLStore) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]Summary, error) {
	query := `
		SELECT checkpoint_id, run_id, step_index, graph_version, created_at, LENGTH(record)
		FROM thread_checkpoints WHERE thread_id = ? ORDER BY id DESC`
	args := []any{threadID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
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
func (m *MySQLStore) LoadCheckpoint(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	var record []byte
	err := m.db.QueryRowContext(ctx, `
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

// Close releases the connection pool. Safe to call once.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}
