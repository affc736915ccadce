package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/formchat/internal/domain"
	"github.com/ashureev/formchat/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db         *sql.DB
	snapshotMu sync.Mutex // serializes snapshot writes to avoid SQLITE_BUSY
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newSQLiteStore(db)
}

// newSQLiteStore takes ownership of db and closes it if setup fails.
func newSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_snapshots (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		form_json TEXT NOT NULL,
		completed_form_json TEXT,
		messages_json TEXT NOT NULL,
		agents_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_session_snapshots_updated ON session_snapshots(updated_at);
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

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, user.LastSeenAt.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// GetSessionSnapshot retrieves the persisted state of one session.
func (s *SQLiteStore) GetSessionSnapshot(ctx context.Context, userID, sessionID string) (*domain.SessionSnapshot, error) {
	query := `
		SELECT user_id, session_id, form_json, completed_form_json,
		       messages_json, agents_json, created_at, updated_at
		FROM session_snapshots WHERE user_id = ? AND session_id = ?`

	var snap domain.SessionSnapshot
	var completed sql.NullString
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID, sessionID).Scan(
		&snap.UserID, &snap.SessionID, &snap.FormJSON, &completed,
		&snap.MessagesJSON, &snap.AgentsJSON, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session snapshot: %w", err)
	}

	if completed.Valid {
		snap.CompletedFormJSON = &completed.String
	}
	snap.CreatedAt = time.Unix(createdAt, 0)
	snap.UpdatedAt = time.Unix(updatedAt, 0)
	return &snap, nil
}

// UpsertSessionSnapshot creates or replaces the persisted state of a session.
func (s *SQLiteStore) UpsertSessionSnapshot(ctx context.Context, snap *domain.SessionSnapshot) error {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()

	query := `
		INSERT INTO session_snapshots (
			user_id, session_id, form_json, completed_form_json,
			messages_json, agents_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, session_id) DO UPDATE SET
			form_json = excluded.form_json,
			completed_form_json = excluded.completed_form_json,
			messages_json = excluded.messages_json,
			agents_json = excluded.agents_json,
			updated_at = excluded.updated_at`

	var completed any
	if snap.CompletedFormJSON != nil {
		completed = *snap.CompletedFormJSON
	}
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		snap.UserID, snap.SessionID, snap.FormJSON, completed,
		snap.MessagesJSON, snap.AgentsJSON,
		createdAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert session snapshot: %w", err)
	}
	return nil
}

// DeleteSessionSnapshot removes the persisted state of a session.
// SQLite lock conflicts are retried with exponential backoff.
func (s *SQLiteStore) DeleteSessionSnapshot(ctx context.Context, userID, sessionID string) error {
	err := shared.RetryOnConflict(ctx, 3, 100*time.Millisecond, "delete session snapshot", func() error {
		return s.deleteSnapshotOnce(ctx, userID, sessionID)
	})
	if err != nil {
		return fmt.Errorf("failed to delete session snapshot for %s/%s: %w", userID, sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) deleteSnapshotOnce(ctx context.Context, userID, sessionID string) error {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()

	query := `DELETE FROM session_snapshots WHERE user_id = ? AND session_id = ?`
	if _, err := s.db.ExecContext(ctx, query, userID, sessionID); err != nil {
		return fmt.Errorf("delete session snapshot: %w", err)
	}
	return nil
}

// CleanupExpiredSessions removes snapshots older than TTL.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()

	threshold := time.Now().Add(-ttl).Unix()
	query := `DELETE FROM session_snapshots WHERE updated_at < ?`
	result, err := s.db.ExecContext(ctx, query, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
