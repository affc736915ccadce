// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ashureev/formchat/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Repository defines the interface for persisting users and session snapshots.
type Repository interface {
	// GetUser retrieves a user by their user ID. It returns nil, nil when
	// the user does not exist.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetSessionSnapshot retrieves the persisted state of one session.
	// It returns ErrNotFound when nothing was persisted.
	GetSessionSnapshot(ctx context.Context, userID, sessionID string) (*domain.SessionSnapshot, error)

	// UpsertSessionSnapshot creates or replaces the persisted state of a session.
	UpsertSessionSnapshot(ctx context.Context, snap *domain.SessionSnapshot) error

	// DeleteSessionSnapshot removes the persisted state of a session.
	DeleteSessionSnapshot(ctx context.Context, userID, sessionID string) error

	// CleanupExpiredSessions removes snapshots not updated within ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Open returns a Postgres repository when databaseURL is set and a SQLite
// repository at sqlitePath otherwise.
func Open(ctx context.Context, databaseURL, sqlitePath string) (Repository, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		pg, err := NewPostgres(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	lite, err := NewSQLite(sqlitePath)
	if err != nil {
		return nil, err
	}
	return lite, nil
}
