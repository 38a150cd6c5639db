// Package ledger records token usage and cost of capability calls in sqlite.
// It stores accounting only; quiz sessions themselves are never persisted.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/manash/lingolens/pkg/models"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_log (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    operation TEXT NOT NULL,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost REAL NOT NULL DEFAULT 0,
    timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_usage_log_timestamp ON usage_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_usage_log_provider ON usage_log(provider);
CREATE INDEX IF NOT EXISTS idx_usage_log_session_id ON usage_log(session_id);
`

var ErrNilUsage = errors.New("usage is required")

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore() (*Store, error) {
	dbPath, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return NewStoreWithPath(dbPath)
}

func NewStoreWithPath(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Pipelines record from many goroutines; sqlite takes one writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// DefaultPath is ~/.lingolens/usage.db.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".lingolens", "usage.db"), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type Entry struct {
	ID           string
	SessionID    string
	Operation    string
	Provider     models.ProviderType
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
	Timestamp    time.Time
}

type Summary struct {
	TotalCost    float64
	InputTokens  int
	OutputTokens int
	EntryCount   int
}

type GroupSummary struct {
	Key string
	Summary
}

// Record logs one capability call. It satisfies pipeline.Recorder.
func (s *Store) Record(ctx context.Context, sessionID, operation string, usage *models.Usage) error {
	if usage == nil {
		return ErrNilUsage
	}
	return s.Log(ctx, &Entry{
		SessionID:    sessionID,
		Operation:    operation,
		Provider:     usage.Provider,
		Model:        usage.Model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Cost:         usage.TotalCost(),
	})
}

func (s *Store) Log(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	e.Timestamp = e.Timestamp.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_log (id, session_id, operation, provider, model, input_tokens, output_tokens, cost, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Operation, string(e.Provider), e.Model,
		e.InputTokens, e.OutputTokens, e.Cost, e.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}
	return nil
}

const summaryColumns = `COALESCE(SUM(cost), 0), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COUNT(*)`

func (s *Store) summary(ctx context.Context, where string, args ...any) (*Summary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+summaryColumns+` FROM usage_log `+where, args...)

	var sum Summary
	if err := row.Scan(&sum.TotalCost, &sum.InputTokens, &sum.OutputTokens, &sum.EntryCount); err != nil {
		return nil, err
	}
	return &sum, nil
}

func (s *Store) GetTotalCost(ctx context.Context) (*Summary, error) {
	return s.summary(ctx, "")
}

func (s *Store) GetSessionCost(ctx context.Context, sessionID string) (*Summary, error) {
	return s.summary(ctx, "WHERE session_id = ?", sessionID)
}

// GetCostByDateRange sums entries in [start, end).
func (s *Store) GetCostByDateRange(ctx context.Context, start, end time.Time) (*Summary, error) {
	return s.summary(ctx, "WHERE timestamp >= ? AND timestamp < ?", start.UTC(), end.UTC())
}

func (s *Store) GetCostByProvider(ctx context.Context) ([]GroupSummary, error) {
	return s.groupBy(ctx, "provider")
}

func (s *Store) GetCostByOperation(ctx context.Context) ([]GroupSummary, error) {
	return s.groupBy(ctx, "operation")
}

// column is one of the fixed names above, never user input.
func (s *Store) groupBy(ctx context.Context, column string) ([]GroupSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+`, `+summaryColumns+` FROM usage_log GROUP BY `+column+` ORDER BY `+column)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []GroupSummary
	for rows.Next() {
		var g GroupSummary
		if err := rows.Scan(&g.Key, &g.TotalCost, &g.InputTokens, &g.OutputTokens, &g.EntryCount); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// Recent returns the latest entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, operation, provider, model, input_tokens, output_tokens, cost, timestamp
		 FROM usage_log ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var provider string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Operation, &provider, &e.Model,
			&e.InputTokens, &e.OutputTokens, &e.Cost, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Provider = models.ProviderType(provider)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
