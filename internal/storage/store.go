package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// ── Local bookkeeping store ────────────────────────────────
// SQLite file holding export run logs and per-collection change
// stream checkpoints. Separate from the sink: the sink may live in a
// remote warehouse, the bookkeeping always stays local.

// Store wraps the local SQLite database.
type Store struct {
	conn *sql.DB
}

// RunLog is a historical record of one export run.
type RunLog struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"` // "backfill" | "stream" | "resync"
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	Status      string    `json:"status"` // "success" | "error"
	DocsRead    int       `json:"docsRead"`
	RowsWritten int       `json:"rowsWritten"`
	Error       string    `json:"error,omitempty"`
}

// Open creates a Store, opening (or creating) the SQLite file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite only supports one writer — limit to single connection.
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS run_logs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			status TEXT NOT NULL,
			docs_read INTEGER NOT NULL DEFAULT 0,
			rows_written INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			collection TEXT PRIMARY KEY,
			resume_token BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.conn.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// ── Run logs ───────────────────────────────────────────────

// CreateRunLog persists a finished run.
func (s *Store) CreateRunLog(rl *RunLog) error {
	rl.ID = uuid.New().String()
	_, err := s.conn.Exec(
		`INSERT INTO run_logs (id, kind, started_at, finished_at, status, docs_read, rows_written, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rl.ID, rl.Kind, rl.StartedAt, rl.FinishedAt, rl.Status,
		rl.DocsRead, rl.RowsWritten, rl.Error,
	)
	return err
}

// ListRunLogs returns the most recent run logs, newest first.
func (s *Store) ListRunLogs(limit int) ([]RunLog, error) {
	rows, err := s.conn.Query(
		`SELECT id, kind, started_at, finished_at, status, docs_read, rows_written, error
		 FROM run_logs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []RunLog
	for rows.Next() {
		var rl RunLog
		if err := rows.Scan(&rl.ID, &rl.Kind, &rl.StartedAt, &rl.FinishedAt,
			&rl.Status, &rl.DocsRead, &rl.RowsWritten, &rl.Error); err != nil {
			return nil, err
		}
		logs = append(logs, rl)
	}
	return logs, rows.Err()
}

// ── Checkpoints ────────────────────────────────────────────

// SaveResumeToken upserts the change stream resume token for a collection.
func (s *Store) SaveResumeToken(collection string, token []byte) error {
	_, err := s.conn.Exec(
		`INSERT INTO checkpoints (collection, resume_token, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(collection) DO UPDATE SET resume_token=excluded.resume_token, updated_at=excluded.updated_at`,
		collection, token, time.Now(),
	)
	return err
}

// ResumeToken returns the saved token for a collection, or nil if none.
func (s *Store) ResumeToken(collection string) ([]byte, error) {
	var token []byte
	err := s.conn.QueryRow(
		`SELECT resume_token FROM checkpoints WHERE collection = ?`, collection,
	).Scan(&token)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return token, nil
}

// ClearResumeToken drops the checkpoint, forcing the next run to start fresh.
func (s *Store) ClearResumeToken(collection string) error {
	_, err := s.conn.Exec(`DELETE FROM checkpoints WHERE collection = ?`, collection)
	return err
}
