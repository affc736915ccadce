package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashureev/formchat/internal/domain"
)

// PostgresStore implements Repository using PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

var _ Repository = (*PostgresStore)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	user_id TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	last_seen_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS session_snapshots (
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	form_json JSONB NOT NULL,
	completed_form_json JSONB,
	messages_json JSONB NOT NULL,
	agents_json JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, session_id)
);
CREATE INDEX IF NOT EXISTS idx_session_snapshots_updated ON session_snapshots(updated_at);
`

// NewPostgres connects to databaseURL and ensures the schema exists.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = $1`

	user := &domain.User{}
	err := s.db.QueryRow(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &user.LastSeenAt, &user.CreatedAt, &user.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return user, nil
}

// UpsertUser creates or updates a user record.
func (s *PostgresStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			username = EXCLUDED.username,
			last_seen_at = EXCLUDED.last_seen_at,
			updated_at = EXCLUDED.updated_at`

	_, err := s.db.Exec(ctx, query,
		user.UserID, user.Username, user.LastSeenAt, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		logPgError("UpsertUser", err)
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *PostgresStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE users SET last_seen_at = $1, updated_at = NOW() WHERE user_id = $2`,
		lastSeen, userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}
	if tag.RowsAffected() == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// GetSessionSnapshot retrieves the persisted state of one session.
func (s *PostgresStore) GetSessionSnapshot(ctx context.Context, userID, sessionID string) (*domain.SessionSnapshot, error) {
	query := `
		SELECT user_id, session_id, form_json::text, completed_form_json::text,
		       messages_json::text, agents_json::text, created_at, updated_at
		FROM session_snapshots WHERE user_id = $1 AND session_id = $2`

	snap := &domain.SessionSnapshot{}
	err := s.db.QueryRow(ctx, query, userID, sessionID).Scan(
		&snap.UserID, &snap.SessionID, &snap.FormJSON, &snap.CompletedFormJSON,
		&snap.MessagesJSON, &snap.AgentsJSON, &snap.CreatedAt, &snap.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session snapshot: %w", err)
	}
	return snap, nil
}

// UpsertSessionSnapshot creates or replaces the persisted state of a session.
func (s *PostgresStore) UpsertSessionSnapshot(ctx context.Context, snap *domain.SessionSnapshot) error {
	query := `
		INSERT INTO session_snapshots (
			user_id, session_id, form_json, completed_form_json,
			messages_json, agents_json, created_at, updated_at
		) VALUES ($1, $2, $3::jsonb, $4::jsonb, $5::jsonb, $6::jsonb, $7, NOW())
		ON CONFLICT (user_id, session_id) DO UPDATE SET
			form_json = EXCLUDED.form_json,
			completed_form_json = EXCLUDED.completed_form_json,
			messages_json = EXCLUDED.messages_json,
			agents_json = EXCLUDED.agents_json,
			updated_at = NOW()`

	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(ctx, query,
		snap.UserID, snap.SessionID, snap.FormJSON, snap.CompletedFormJSON,
		snap.MessagesJSON, snap.AgentsJSON, createdAt,
	)
	if err != nil {
		logPgError("UpsertSessionSnapshot", err)
		return fmt.Errorf("upsert session snapshot: %w", err)
	}
	return nil
}

// DeleteSessionSnapshot removes the persisted state of a session.
func (s *PostgresStore) DeleteSessionSnapshot(ctx context.Context, userID, sessionID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM session_snapshots WHERE user_id = $1 AND session_id = $2`,
		userID, sessionID)
	if err != nil {
		return fmt.Errorf("delete session snapshot: %w", err)
	}
	return nil
}

// CleanupExpiredSessions removes snapshots older than TTL.
func (s *PostgresStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM session_snapshots WHERE updated_at < $1`,
		time.Now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func logPgError(op string, err error) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		slog.Error("PostgreSQL error", "op", op, "code", pgErr.Code, "message", pgErr.Message, "detail", pgErr.Detail)
	}
}
