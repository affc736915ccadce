package api

import (
	"strings"
	"testing"

	"github.com/ashureev/formchat/internal/domain"
)

func TestRenderMarkdown(t *testing.T) {
	brief := &domain.FormData{Title: "Webshop"}
	user := domain.NewMessage(domain.RoleUser, "hallo")
	reply := domain.NewMessage(domain.RoleAssistant, "Guten Tag")
	tools := map[string][]domain.ToolCall{reply.ID: {{Name: "web_search"}}}

	md := RenderMarkdown(brief, []domain.Message{user, reply}, tools, "Dieter")

	for _, want := range []string{
		"**Titel des Projekts:** Webshop",
		"### Du\n\nhallo",
		"### Dieter\n\nGuten Tag",
		"- Werkzeug: `web_search()`",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown misses %q:\n%s", want, md)
		}
	}
}

func TestRenderHTML(t *testing.T) {
	page, err := RenderHTML("# Titel\n\n**fett**")
	if err != nil {
		t.Fatalf("RenderHTML failed: %v", err)
	}
	if !strings.Contains(page, "<h1>Titel</h1>") || !strings.Contains(page, "<strong>fett</strong>") {
		t.Fatalf("unexpected html %s", page)
	}
}
