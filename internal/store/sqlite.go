// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session persistence with automatic schema creation

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

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
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
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			config_id TEXT NOT NULL,
			session_key TEXT NOT NULL UNIQUE,
			backend_session_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			last_used_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_config_last_used
			ON sessions(config_id, last_used_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// GetSessionByKey retrieves a session by its routing key.
func (s *SQLiteStore) GetSessionByKey(ctx context.Context, sessionKey string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, config_id, session_key, backend_session_id, created_at, last_used_at
		FROM sessions WHERE session_key = ?`, sessionKey)

	return scanSession(row)
}

// UpsertSession inserts or updates the session row for its routing key.
// On conflict the incoming backend session id and last-used time win.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, config_id, session_key, backend_session_id, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			backend_session_id = excluded.backend_session_id,
			last_used_at = excluded.last_used_at`,
		session.ID, session.ConfigID, session.SessionKey, session.BackendSessionID,
		session.CreatedAt.UTC(), session.LastUsedAt.UTC())
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// TouchSession updates the last-used time of the session with the given key.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionKey string, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_used_at = ? WHERE session_key = ?`,
		usedAt.UTC(), sessionKey)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes the session with the given key, if present.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, sessionKey)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// LatestSessionByConfig returns the most recently used session for a config.
func (s *SQLiteStore) LatestSessionByConfig(ctx context.Context, configID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, config_id, session_key, backend_session_id, created_at, last_used_at
		FROM sessions WHERE config_id = ?
		ORDER BY last_used_at DESC LIMIT 1`, configID)

	return scanSession(row)
}

// scanSession scans one session row, mapping sql.ErrNoRows to ErrNotFound.
func scanSession(row *sql.Row) (*Session, error) {
	var session Session
	err := row.Scan(&session.ID, &session.ConfigID, &session.SessionKey,
		&session.BackendSessionID, &session.CreatedAt, &session.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return &session, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
