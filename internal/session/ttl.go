package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/formchat/internal/shared"
)

// SnapshotCleaner deletes persisted sessions that were not updated within ttl.
type SnapshotCleaner interface {
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)
}

// DefaultSweepInterval is used when StartTTLWorker gets a non-positive interval.
const DefaultSweepInterval = 5 * time.Minute

// StartTTLWorker runs a background goroutine that periodically closes idle
// sessions and removes their stale snapshots. It stops when ctx is done.
func StartTTLWorker(ctx context.Context, mgr *Manager, cleaner SnapshotCleaner, interval, ttl time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, mgr, cleaner, ttl)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, mgr *Manager, cleaner SnapshotCleaner, ttl time.Duration) {
	if n := mgr.SweepIdle(ctx, ttl); n > 0 {
		slog.Info("TTL worker closed idle sessions", "count", n)
	}
	if cleaner == nil {
		return
	}
	deleted, err := cleanupWithRetry(ctx, cleaner, ttl)
	if err != nil {
		slog.Error("TTL worker failed to cleanup expired snapshots", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("TTL worker cleaned up expired snapshots", "count", deleted)
	}
}

// cleanupWithRetry retries on SQLite lock conflicts with exponential backoff.
func cleanupWithRetry(ctx context.Context, cleaner SnapshotCleaner, ttl time.Duration) (int64, error) {
	var deleted int64
	err := shared.RetryOnConflict(ctx, 3, 100*time.Millisecond, "cleanup expired snapshots", func() error {
		var err error
		deleted, err = cleaner.CleanupExpiredSessions(ctx, ttl)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup expired snapshots: %w", err)
	}
	return deleted, nil
}
