package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FRONTEND_URL", "")
	t.Setenv("SESSION_SECRET", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" || cfg.Agent.Backend != BackendOllama {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Session.Secret == "" {
		t.Fatal("expected development secret")
	}
	if cfg.RateLimit.RequestsPerWindow != 10 || cfg.SSE.KeepaliveInterval != 10*time.Second {
		t.Fatalf("unexpected rate limit/SSE defaults: %+v %+v", cfg.RateLimit, cfg.SSE)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FRONTEND_URL", "https://formchat.example, https://admin.example")
	t.Setenv("SESSION_SECRET", "s3cret")
	t.Setenv("AGENT_BACKEND", "GRPC")
	t.Setenv("SESSION_TTL", "2h")
	t.Setenv("RATE_LIMIT_REQUESTS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Agent.Backend != BackendGRPC {
		t.Fatalf("expected grpc backend, got %q", cfg.Agent.Backend)
	}
	if cfg.Session.TTL != 2*time.Hour {
		t.Fatalf("expected 2h TTL, got %v", cfg.Session.TTL)
	}
	if cfg.RateLimit.RequestsPerWindow != 10 {
		t.Fatalf("expected fallback for invalid int, got %d", cfg.RateLimit.RequestsPerWindow)
	}
	if origins := cfg.AllowedOrigins(); len(origins) != 2 || origins[1] != "https://admin.example" {
		t.Fatalf("unexpected origins %v", origins)
	}
}

func TestLoadRequiresSecretInProduction(t *testing.T) {
	t.Setenv("FRONTEND_URL", "https://formchat.example")
	t.Setenv("SESSION_SECRET", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "SESSION_SECRET") {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestValidateBackend(t *testing.T) {
	t.Setenv("AGENT_BACKEND", "openai")
	if _, err := Load(); err == nil {
		t.Fatal("expected unknown backend to be rejected")
	}
}
