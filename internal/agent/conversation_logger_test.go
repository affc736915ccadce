package agent

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConversationLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	event := ConversationLogEvent{
		UserID:     "user-1",
		SessionID:  "sess-1",
		Channel:    "chat_http",
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: "echo hi",
	}
	logger.Log(event)

	path := filepath.Join(dir, "user-1", "sess-1.ndjson")
	line := waitForLogLine(t, path)
	var got ConversationLogEvent
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.ContentRaw != "echo hi" {
		t.Fatalf("unexpected ContentRaw: %q", got.ContentRaw)
	}
	if got.Content == "" {
		t.Fatal("expected cleaned content to be populated")
	}
}

func TestCleanForReadabilityStripsANSI(t *testing.T) {
	t.Parallel()

	raw := "\x1b[31merror\x1b[0m plain"
	clean := cleanForReadability(raw)
	if strings.Contains(clean, "\x1b[31m") {
		t.Fatalf("expected ANSI sequence to be stripped: %q", clean)
	}
	if !strings.Contains(clean, "error plain") {
		t.Fatalf("expected readable text to remain: %q", clean)
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}

func TestConversationLoggerGlobalFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	global := filepath.Join(dir, "all", "all.ndjson")
	logger, err := NewConversationLogger(ConversationLogConfig{
		Enabled:       true,
		Dir:           dir,
		GlobalEnabled: true,
		GlobalPath:    global,
		QueueSize:     4,
	}, nil)
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}

	logger.Log(ConversationLogEvent{UserID: "../evil", SessionID: "s", EventType: "chat_user_message", ContentRaw: "x"})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, ".._evil", "s.ndjson")); err != nil {
		t.Fatalf("expected sanitized session log path: %v", err)
	}
	data, err := os.ReadFile(global)
	if err != nil {
		t.Fatalf("expected global log: %v", err)
	}
	if !strings.Contains(string(data), `"event_type":"chat_user_message"`) {
		t.Fatalf("unexpected global log content: %s", data)
	}

	// Logging after Close must not panic.
	logger.Log(ConversationLogEvent{UserID: "u", SessionID: "s"})
}

func TestConversationLoggerDisabled(t *testing.T) {
	t.Parallel()

	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	if _, ok := logger.(noopConversationLogger); !ok {
		t.Fatalf("expected noop logger, got %T", logger)
	}
}
