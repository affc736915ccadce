package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/formchat/internal/domain"
)

// Runs against a real server only when FORMCHAT_TEST_DATABASE_URL is set.
func TestPostgresSessionSnapshots(t *testing.T) {
	url := os.Getenv("FORMCHAT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FORMCHAT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	s, err := NewPostgres(ctx, url)
	if err != nil {
		t.Fatalf("NewPostgres failed: %v", err)
	}
	defer func() { _ = s.Close() }()

	userID := "anon_" + uuid.NewString()
	now := time.Now()
	if err := s.UpsertUser(ctx, &domain.User{UserID: userID, Username: "anon", LastSeenAt: now, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	if u, err := s.GetUser(ctx, userID); err != nil || u == nil {
		t.Fatalf("GetUser failed: %v %v", u, err)
	}

	snap := &domain.SessionSnapshot{UserID: userID, SessionID: "tab-1", FormJSON: `{}`, MessagesJSON: `[]`, AgentsJSON: `{}`}
	if err := s.UpsertSessionSnapshot(ctx, snap); err != nil {
		t.Fatalf("UpsertSessionSnapshot failed: %v", err)
	}
	got, err := s.GetSessionSnapshot(ctx, userID, "tab-1")
	if err != nil {
		t.Fatalf("GetSessionSnapshot failed: %v", err)
	}
	if got.CompletedFormJSON != nil {
		t.Fatalf("expected no completed form, got %v", *got.CompletedFormJSON)
	}

	if err := s.DeleteSessionSnapshot(ctx, userID, "tab-1"); err != nil {
		t.Fatalf("DeleteSessionSnapshot failed: %v", err)
	}
	if _, err := s.GetSessionSnapshot(ctx, userID, "tab-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
