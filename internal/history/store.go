// Package history persists an append-only record of task executions to a
// local SQLite database, written by the executor core after each terminal
// report. Neither the executor core nor any CLI subcommand reads it back; it
// is a local audit trail only — the orchestrator remains the source of truth
// for task state.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	v1 "github.com/zephyrfeng/kandev-executor/pkg/api/v1"
)

// Record is one completed or failed task execution.
type Record struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	AgentName     string    `json:"agent_name"`
	ExecutionMode string    `json:"execution_mode"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	ExecutionTime float64   `json:"execution_time_seconds"`
	TotalTokens   int       `json:"total_tokens,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Store is a SQLite-backed append-only execution history.
type Store struct {
	db *sql.DB
}

// Open creates or opens the history database at dbPath and ensures its
// schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		execution_mode TEXT NOT NULL,
		success INTEGER NOT NULL,
		error TEXT DEFAULT '',
		execution_time_seconds REAL DEFAULT 0,
		total_tokens INTEGER DEFAULT 0,
		recorded_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_executions_task_id ON executions(task_id);
	CREATE INDEX IF NOT EXISTS idx_executions_recorded_at ON executions(recorded_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends one execution outcome. It never updates or deletes rows —
// the table is an audit trail, not a cache of current task state.
func (s *Store) Record(ctx context.Context, agentName string, task *v1.Task, result *v1.ExecutionResult) error {
	totalTokens := 0
	if result.Usage != nil {
		totalTokens = result.Usage.TotalTokens
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, task_id, agent_name, execution_mode, success, error, execution_time_seconds, total_tokens, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), task.ID, agentName, string(result.ExecutionMode), result.Success, result.Error, result.ExecutionTimeSeconds, totalTokens, time.Now().UTC())

	return err
}

// Recent returns the most recently recorded executions, newest first,
// bounded by limit.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, agent_name, execution_mode, success, error, execution_time_seconds, total_tokens, recorded_at
		FROM executions ORDER BY recorded_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r := &Record{}
		var success int
		if err := rows.Scan(&r.ID, &r.TaskID, &r.AgentName, &r.ExecutionMode, &success, &r.Error, &r.ExecutionTime, &r.TotalTokens, &r.RecordedAt); err != nil {
			return nil, err
		}
		r.Success = success != 0
		records = append(records, r)
	}
	return records, rows.Err()
}

// Summary aggregates counts across all recorded executions.
type Summary struct {
	Total       int `json:"total"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	TotalTokens int `json:"total_tokens"`
}

// Summarize returns aggregate counters over the entire history table.
func (s *Store) Summarize(ctx context.Context) (*Summary, error) {
	sum := &Summary{}
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0),
		       COALESCE(SUM(total_tokens), 0)
		FROM executions
	`)
	if err := row.Scan(&sum.Total, &sum.Completed, &sum.Failed, &sum.TotalTokens); err != nil {
		return nil, err
	}
	return sum, nil
}
