package api

import (
	"bytes"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/ashureev/formchat/internal/agent"
	"github.com/ashureev/formchat/internal/domain"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// speaker returns the display name of a transcript message.
func speaker(role domain.Role, assistant string) string {
	if role == domain.RoleUser {
		return "Du"
	}
	if assistant == "" {
		return "Assistent"
	}
	return assistant
}

// RenderMarkdown formats the brief and the transcript as a markdown document.
func RenderMarkdown(brief *domain.FormData, msgs []domain.Message, tools map[string][]domain.ToolCall, assistant string) string {
	var b strings.Builder
	b.WriteString("# Projektgespräch\n\n")
	if brief != nil {
		b.WriteString("## Projektbeschreibung\n\n")
		for _, ff := range domain.FormFields {
			v, _ := brief.Get(ff.Key)
			fmt.Fprintf(&b, "**%s:** %s\n\n", ff.Label, v)
		}
	}
	b.WriteString("## Verlauf\n\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "### %s\n\n%s\n\n", speaker(m.Role, assistant), m.Content)
		for _, call := range tools[m.ID] {
			fmt.Fprintf(&b, "- Werkzeug: `%s`\n", call.Describe())
		}
		if len(tools[m.ID]) > 0 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// RenderHTML converts the markdown transcript into a standalone HTML page.
func RenderHTML(md string) (string, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(md), &body); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return "<!DOCTYPE html>\n<html lang=\"de\"><head><meta charset=\"utf-8\"><title>" +
		html.EscapeString("Projektgespräch") + "</title></head><body>\n" +
		body.String() + "</body></html>\n", nil
}

// ExportTranscript returns the transcript as markdown (default) or HTML.
func (h *Handler) ExportTranscript(w http.ResponseWriter, r *http.Request) {
	st, ok := h.state(w, r)
	if !ok {
		return
	}
	history, err := h.svc.History(st)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	cfg, err := h.svc.AgentConfig(st, agent.RoleChat)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var brief *domain.FormData
	if fd, ok := h.svc.CompletedForm(st); ok {
		brief = &fd
	}
	md := RenderMarkdown(brief, history.Messages(), history.AllTools(), cfg.Name)

	switch format := r.URL.Query().Get("format"); format {
	case "", "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="transcript.md"`)
		_, _ = w.Write([]byte(md))
	case "html":
		page, err := RenderHTML(md)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	default:
		Error(w, http.StatusBadRequest, "unsupported format: "+format)
	}
}
