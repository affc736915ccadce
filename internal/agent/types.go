// Package agent talks to the language-model agents behind the form and chat steps.
package agent

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ashureev/formchat/internal/domain"
)

// Role names the job an agent does within a session.
type Role string

const (
	// RoleForm extracts a project brief from free text.
	RoleForm Role = "form"
	// RoleChat holds the conversation in step two.
	RoleChat Role = "chat"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleForm || r == RoleChat
}

// FormatJSON asks the backend for a JSON object instead of free text.
const FormatJSON = "json"

const (
	// DefaultFormPrompt instructs the form agent.
	DefaultFormPrompt = "Du bist ein KI-Assistent der dabei hilft,\n" +
		"Informationen zu strukturieren und zu analysieren.\n" +
		"Extrahiere die relevanten Informationen aus dem Text\n" +
		"und strukturiere sie entsprechend der Vorgaben.\n"

	// DefaultChatPrompt instructs the chat agent.
	DefaultChatPrompt = "Du bist ein KI-Assistent der dabei hilft,\n" +
		"Informationen zu strukturieren und zu analysieren.\n" +
		"Gib deine Antworten auf Deutsch.\n"
)

// ErrInvalidConfig is returned for agent configs that cannot create a handle.
var ErrInvalidConfig = errors.New("invalid agent config")

// Config parameterizes an agent instance.
type Config struct {
	Name         string `json:"name"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
	Format       string `json:"format,omitempty"`
	// Tools lists the tool ids offered to the model, in selection order.
	Tools []string `json:"tools,omitempty"`
}

// Equal reports whether c and o configure the same agent.
func (c Config) Equal(o Config) bool {
	return c.Name == o.Name &&
		c.Model == o.Model &&
		c.SystemPrompt == o.SystemPrompt &&
		c.Format == o.Format &&
		slices.Equal(c.Tools, o.Tools)
}

// Validate checks that the config can be used to create a handle.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: model cannot be empty", ErrInvalidConfig)
	}
	if c.Format != "" && c.Format != FormatJSON {
		return fmt.Errorf("%w: unsupported format %q", ErrInvalidConfig, c.Format)
	}
	seen := make(map[string]bool, len(c.Tools))
	for _, id := range c.Tools {
		if _, ok := LookupTool(id); !ok {
			return fmt.Errorf("%w: unknown tool %q", ErrInvalidConfig, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate tool %q", ErrInvalidConfig, id)
		}
		seen[id] = true
	}
	return nil
}

// DefaultConfig returns the default config of role using model.
func DefaultConfig(role Role, model string) Config {
	switch role {
	case RoleForm:
		return Config{Name: "Uschi", Model: model, SystemPrompt: DefaultFormPrompt, Format: FormatJSON}
	default:
		return Config{Name: "Dieter", Model: model, SystemPrompt: DefaultChatPrompt}
	}
}

// Request is one model invocation.
type Request struct {
	Model   string
	System  string
	History []domain.Message
	Prompt  string
	Format  string
	Tools   []ToolSpec
}

// Fragment is one piece of a streamed reply.
type Fragment struct {
	Text      string
	ToolCalls []domain.ToolCall
}

// Result is a complete reply.
type Result struct {
	Text      string
	ToolCalls []domain.ToolCall
}
