package agent

import (
	"fmt"
	"slices"
)

// Tool ids an agent can be given.
const (
	ToolWebSearch       = "web_search"
	ToolJiraSearch      = "jira_search"
	ToolJiraCreateIssue = "jira_create_issue"
)

// ToolSpec describes a tool advertised to the model. Parameters is a JSON
// schema object.
type ToolSpec struct {
	ID          string         `json:"id"`
	Label       string         `json:"label"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func stringParam(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

var toolCatalog = []ToolSpec{
	{
		ID:          ToolWebSearch,
		Label:       "Web Search",
		Description: "Search the web for information",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": stringParam("search terms")},
			"required":   []any{"query"},
		},
	},
	{
		ID:          ToolJiraSearch,
		Label:       "Jira Search",
		Description: "Search for issues in Jira",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"jql": stringParam("JQL query")},
			"required":   []any{"jql"},
		},
	},
	{
		ID:          ToolJiraCreateIssue,
		Label:       "Jira Create Issue",
		Description: "Create a new issue in Jira",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary":     stringParam("issue title"),
				"description": stringParam("issue body"),
			},
			"required": []any{"summary"},
		},
	},
}

// AvailableTools returns the tools an agent can be configured with.
func AvailableTools() []ToolSpec {
	return slices.Clone(toolCatalog)
}

// LookupTool returns the spec of the tool with id.
func LookupTool(id string) (ToolSpec, bool) {
	for _, t := range toolCatalog {
		if t.ID == id {
			return t, true
		}
	}
	return ToolSpec{}, false
}

func resolveTools(ids []string) ([]ToolSpec, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	specs := make([]ToolSpec, 0, len(ids))
	for _, id := range ids {
		spec, ok := LookupTool(id)
		if !ok {
			return nil, fmt.Errorf("%w: unknown tool %q", ErrInvalidConfig, id)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
