package form

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/formchat/internal/agent"
	"github.com/ashureev/formchat/internal/chat"
	"github.com/ashureev/formchat/internal/domain"
)

var (
	// ErrNoFields is returned when an agent reply contains none of the brief fields.
	ErrNoFields = errors.New("agent reply contains no form fields")
	// ErrUnreadableReply is returned when an agent reply is neither JSON nor YAML.
	ErrUnreadableReply = errors.New("agent reply is not a structured form")
)

// Runner is the non-streaming part of an agent handle.
type Runner interface {
	Run(ctx context.Context, prompt string) (agent.Result, error)
}

var _ Runner = (*agent.Handle)(nil)

// Instructions is prepended to the uploaded text so the reply names every field.
func Instructions() string {
	var b strings.Builder
	b.WriteString("Antworte ausschließlich mit einem JSON-Objekt mit den Schlüsseln ")
	for i, ff := range domain.FormFields {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q (%s)", ff.Key, ff.Label)
	}
	b.WriteString(". Lass Felder leer, wenn der Text nichts dazu enthält.\n\nText:\n")
	return b.String()
}

// Extract asks r to structure content into a brief. A failed agent call is
// reported as a *chat.AgentInvocationError.
func Extract(ctx context.Context, r Runner, content string) (domain.FormData, error) {
	res, err := r.Run(ctx, Instructions()+content)
	if err != nil {
		return domain.FormData{}, fmt.Errorf("extract form: %w", &chat.AgentInvocationError{Cause: err})
	}
	return ParseReply(res.Text)
}

// ParseReply reads a brief from an agent reply. The reply may be JSON or
// YAML, optionally wrapped in a code fence; keys are matched by field name
// or label, case-insensitively.
func ParseReply(reply string) (domain.FormData, error) {
	body := stripFence(reply)

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(body), &raw); err != nil {
		return domain.FormData{}, fmt.Errorf("%w: %w", ErrUnreadableReply, err)
	}

	var fd domain.FormData
	found := 0
	for k, v := range raw {
		key, ok := fieldKey(k)
		if !ok {
			continue
		}
		if err := fd.Set(key, stringify(v)); err != nil {
			return domain.FormData{}, err
		}
		found++
	}
	if found == 0 {
		return domain.FormData{}, ErrNoFields
	}
	return fd, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func normalizeKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	return s
}

func fieldKey(k string) (string, bool) {
	n := normalizeKey(k)
	for _, ff := range domain.FormFields {
		if n == ff.Key || n == normalizeKey(ff.Label) {
			return ff.Key, true
		}
	}
	switch n {
	case "additionalinfo", "additional_information":
		return "additional_info", true
	}
	return "", false
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []any:
		lines := make([]string, 0, len(t))
		for _, item := range t {
			lines = append(lines, "- "+stringify(item))
		}
		return strings.Join(lines, "\n")
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
