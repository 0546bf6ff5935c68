// ABOUTME: SQLite implementation of the Ledger interface using modernc.org/sqlite
// ABOUTME: Provides command history persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Ledger interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serializes writers, and keeps ":memory:" a single
	// database rather than one per pooled connection.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS commands (
			request_id   TEXT PRIMARY KEY,
			agent_id     TEXT NOT NULL,
			shell        TEXT NOT NULL,
			script       TEXT NOT NULL,
			outcome      TEXT NOT NULL DEFAULT 'pending',
			output       TEXT,
			error        TEXT,
			submitted_at TEXT NOT NULL,
			completed_at TEXT,

			CHECK (outcome IN ('pending', 'resolved', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_commands_agent_submitted
			ON commands(agent_id, submitted_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// RecordCommand inserts a newly submitted command.
// Returns ErrDuplicateCommand if the request id is already present.
func (s *SQLiteStore) RecordCommand(ctx context.Context, rec *CommandRecord) error {
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = time.Now().UTC()
	}
	if rec.Outcome == "" {
		rec.Outcome = OutcomePending
	}

	query := `
		INSERT INTO commands (request_id, agent_id, shell, script, outcome, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.RequestID,
		rec.AgentID,
		rec.Shell,
		rec.Script,
		rec.Outcome,
		rec.SubmittedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateCommand
		}
		return fmt.Errorf("inserting command: %w", err)
	}

	s.logger.Debug("recorded command", "request_id", rec.RequestID, "agent_id", rec.AgentID)
	return nil
}

// CompleteCommand stores the terminal outcome of a pending command.
// Returns ErrNotFound if no pending command has that request id.
func (s *SQLiteStore) CompleteCommand(ctx context.Context, requestID, outcome, output, errMsg string, at time.Time) error {
	query := `
		UPDATE commands
		SET outcome = ?, output = ?, error = ?, completed_at = ?
		WHERE request_id = ? AND outcome = 'pending'
	`

	result, err := s.db.ExecContext(ctx, query,
		outcome,
		nullString(output),
		nullString(errMsg),
		at.UTC().Format(timeLayout),
		requestID,
	)
	if err != nil {
		return fmt.Errorf("updating command: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCommand retrieves one command by request id.
// Returns ErrNotFound if it does not exist.
func (s *SQLiteStore) GetCommand(ctx context.Context, requestID string) (*CommandRecord, error) {
	query := `
		SELECT request_id, agent_id, shell, script, outcome, output, error, submitted_at, completed_at
		FROM commands
		WHERE request_id = ?
	`

	rec, err := scanCommand(s.db.QueryRowContext(ctx, query, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying command: %w", err)
	}
	return rec, nil
}

// ListCommands returns an agent's most recent commands, newest first.
// An empty agentID lists across all agents. A non-positive limit defaults to 50.
func (s *SQLiteStore) ListCommands(ctx context.Context, agentID string, limit int) ([]*CommandRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT request_id, agent_id, shell, script, outcome, output, error, submitted_at, completed_at
		FROM commands
	`
	args := []any{}
	if agentID != "" {
		query += " WHERE agent_id = ?"
		args = append(args, agentID)
	}
	query += " ORDER BY submitted_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var out []*CommandRecord
	for rows.Next() {
		rec, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*CommandRecord, error) {
	var rec CommandRecord
	var output, errMsg, completedAt sql.NullString
	var submittedAt string

	if err := row.Scan(
		&rec.RequestID,
		&rec.AgentID,
		&rec.Shell,
		&rec.Script,
		&rec.Outcome,
		&output,
		&errMsg,
		&submittedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	rec.Output = output.String
	rec.Error = errMsg.String

	t, err := time.Parse(timeLayout, submittedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing submitted_at: %w", err)
	}
	rec.SubmittedAt = t

	if completedAt.Valid {
		t, err := time.Parse(timeLayout, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
		rec.CompletedAt = &t
	}
	return &rec, nil
}

// isConstraintViolation checks if an error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}

// nullString converts empty strings to nil for nullable columns
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
