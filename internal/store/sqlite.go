package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/quantchat/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sandboxes (
		sandbox_id TEXT PRIMARY KEY,
		template TEXT NOT NULL,
		state TEXT NOT NULL,
		idle_timeout_secs INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sandboxes_last_active ON sandboxes(last_active_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sandboxColumns = `sandbox_id, template, state, idle_timeout_secs, last_active_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSandbox(row rowScanner) (*domain.Sandbox, error) {
	var sb domain.Sandbox
	var state string
	var idleSecs, lastActive, createdAt, updatedAt int64

	if err := row.Scan(&sb.SandboxID, &sb.Template, &state, &idleSecs, &lastActive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	sb.State = domain.SandboxState(state)
	sb.IdleTimeout = time.Duration(idleSecs) * time.Second
	sb.LastActiveAt = time.Unix(lastActive, 0)
	sb.CreatedAt = time.Unix(createdAt, 0)
	sb.UpdatedAt = time.Unix(updatedAt, 0)
	return &sb, nil
}

// GetSandbox retrieves a sandbox by id.
func (s *SQLiteStore) GetSandbox(ctx context.Context, sandboxID string) (*domain.Sandbox, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sandboxColumns+` FROM sandboxes WHERE sandbox_id = ?`, sandboxID)

	sb, err := scanSandbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan sandbox row: %w", err)
	}
	return sb, nil
}

// UpsertSandbox creates or replaces a sandbox record. created_at is kept from
// the first insert.
func (s *SQLiteStore) UpsertSandbox(ctx context.Context, sb *domain.Sandbox) error {
	query := `
	INSERT INTO sandboxes (` + sandboxColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(sandbox_id) DO UPDATE SET
		template = excluded.template,
		state = excluded.state,
		idle_timeout_secs = excluded.idle_timeout_secs,
		last_active_at = excluded.last_active_at,
		updated_at = excluded.updated_at`

	now := time.Now()
	createdAt := sb.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	lastActive := sb.LastActiveAt
	if lastActive.IsZero() {
		lastActive = now
	}

	_, err := s.db.ExecContext(ctx, query,
		sb.SandboxID, sb.Template, string(sb.State),
		int64(sb.IdleTimeout/time.Second), lastActive.Unix(),
		createdAt.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert sandbox: %w", err)
	}
	return nil
}

// TouchSandbox updates last_active_at for a sandbox.
func (s *SQLiteStore) TouchSandbox(ctx context.Context, sandboxID string, at time.Time) error {
	query := `UPDATE sandboxes SET last_active_at = ?, updated_at = ? WHERE sandbox_id = ?`
	result, err := s.db.ExecContext(ctx, query, at.Unix(), time.Now().Unix(), sandboxID)
	if err != nil {
		return fmt.Errorf("touch sandbox: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("TouchSandbox affected 0 rows", "sandbox_id", sandboxID)
	}
	return nil
}

// UpdateSandboxState changes the lifecycle state of a sandbox and counts the
// transition as activity.
func (s *SQLiteStore) UpdateSandboxState(ctx context.Context, sandboxID string, state domain.SandboxState) error {
	now := time.Now().Unix()
	query := `UPDATE sandboxes SET state = ?, last_active_at = ?, updated_at = ? WHERE sandbox_id = ?`
	result, err := s.db.ExecContext(ctx, query, string(state), now, now, sandboxID)
	if err != nil {
		return fmt.Errorf("update sandbox state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("sandbox %s not found", sandboxID)
	}
	return nil
}

// DeleteSandbox removes a sandbox record.
func (s *SQLiteStore) DeleteSandbox(ctx context.Context, sandboxID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE sandbox_id = ?`, sandboxID); err != nil {
		return fmt.Errorf("delete sandbox: %w", err)
	}
	return nil
}

// ListSandboxes returns all sandboxes, most recently active first.
func (s *SQLiteStore) ListSandboxes(ctx context.Context) ([]*domain.Sandbox, error) {
	return s.querySandboxes(ctx, `SELECT `+sandboxColumns+` FROM sandboxes ORDER BY last_active_at DESC`)
}

// GetExpiredSandboxes returns sandboxes eligible for reaping at now.
func (s *SQLiteStore) GetExpiredSandboxes(ctx context.Context, now time.Time, pausedRetention time.Duration) ([]*domain.Sandbox, error) {
	query := `SELECT ` + sandboxColumns + ` FROM sandboxes
		WHERE (state = ? AND last_active_at + idle_timeout_secs < ?)
		   OR (state = ? AND last_active_at < ?)
		ORDER BY last_active_at`

	return s.querySandboxes(ctx, query,
		string(domain.SandboxRunning), now.Unix(),
		string(domain.SandboxPaused), now.Add(-pausedRetention).Unix(),
	)
}

func (s *SQLiteStore) querySandboxes(ctx context.Context, query string, args ...any) ([]*domain.Sandbox, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sandboxes: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close sandbox rows", "error", closeErr)
		}
	}()

	var out []*domain.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sandbox row: %w", err)
		}
		out = append(out, sb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sandboxes: %w", err)
	}
	return out, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
