package agent

import (
	"context"
	"errors"
	"testing"
)

func mustTools(t *testing.T, ids ...string) []ToolSpec {
	t.Helper()
	specs, err := resolveTools(ids)
	if err != nil {
		t.Fatalf("resolveTools(%v): %v", ids, err)
	}
	return specs
}

func TestConfigValidateTools(t *testing.T) {
	cfg := DefaultConfig(RoleChat, "llama3")
	cfg.Tools = []string{ToolWebSearch, ToolJiraCreateIssue}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid tools rejected: %v", err)
	}

	for _, tools := range [][]string{{"shell"}, {ToolWebSearch, ToolWebSearch}} {
		cfg.Tools = tools
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("tools %v: expected ErrInvalidConfig, got %v", tools, err)
		}
	}
}

func TestConfigEqual(t *testing.T) {
	a := DefaultConfig(RoleChat, "llama3")
	b := a
	b.Tools = []string{ToolJiraSearch}
	if a.Equal(b) {
		t.Fatal("configs with different tools compare equal")
	}
	a.Tools = []string{ToolJiraSearch}
	if !a.Equal(b) {
		t.Fatal("identical configs compare unequal")
	}
}

func TestHandleAdvertisesConfiguredTools(t *testing.T) {
	b := &fakeBackend{fragments: []Fragment{{Text: "ok"}}}
	cfg := DefaultConfig(RoleChat, "llama3")
	cfg.Tools = []string{ToolJiraSearch, ToolWebSearch}
	h, err := NewHandle(b, cfg)
	if err != nil {
		t.Fatalf("NewHandle failed: %v", err)
	}
	if _, err := h.Run(context.Background(), "hallo"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := b.requests[0].Tools
	if len(got) != 2 || got[0].ID != ToolJiraSearch || got[1].ID != ToolWebSearch {
		t.Fatalf("unexpected advertised tools: %+v", got)
	}
	if got[0].Description == "" || got[0].Label != "Jira Search" {
		t.Fatalf("tool spec incomplete: %+v", got[0])
	}
}

func TestAvailableToolsIsACopy(t *testing.T) {
	tools := AvailableTools()
	if len(tools) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(tools))
	}
	tools[0].ID = "changed"
	if _, ok := LookupTool(ToolWebSearch); !ok {
		t.Fatal("catalog was modified through AvailableTools")
	}
}
