package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ToolCall describes a single tool invocation reported by an agent backend.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	At        time.Time      `json:"at"`
}

// Describe returns a human-readable one-line description, e.g.
// `web_search(query="eu ai act")`. Arguments are sorted by name.
func (c ToolCall) Describe() string {
	if len(c.Arguments) == 0 {
		return c.Name + "()"
	}
	keys := make([]string, 0, len(c.Arguments))
	for k := range c.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		switch v := c.Arguments[k].(type) {
		case string:
			parts = append(parts, fmt.Sprintf("%s=%q", k, v))
		default:
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return c.Name + "(" + strings.Join(parts, ", ") + ")"
}
