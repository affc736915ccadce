package chat

import (
	"context"
	"strings"

	"github.com/ashureev/formchat/internal/domain"
)

// DefaultQuestionLabel introduces the user's prompt after the seeded context.
const DefaultQuestionLabel = "Frage"

// WithContext returns a first-message preprocessor that prefixes the prompt
// with brief, as "<brief>\n\n<label>: <prompt>". A blank brief leaves the
// prompt unchanged.
func WithContext(brief, label string) func(string) string {
	if label == "" {
		label = DefaultQuestionLabel
	}
	return func(prompt string) string {
		if strings.TrimSpace(brief) == "" {
			return prompt
		}
		return brief + "\n\n" + label + ": " + prompt
	}
}

// Exchange is the outcome of a turn, as committed to the history.
type Exchange struct {
	User      domain.Message    `json:"user"`
	Assistant domain.Message    `json:"assistant"`
	Tools     []domain.ToolCall `json:"tools,omitempty"`
	Fragments int               `json:"-"`
}

// Conversation runs turns against a history, one at a time.
type Conversation struct {
	History *History
	// PreprocessFirst, if set, rewrites the prompt sent to the agent when the
	// history is empty. The stored user message keeps the raw prompt.
	PreprocessFirst func(prompt string) string
	// OnStart, if set, is called with the raw prompt once the turn holds the
	// conversation. Rejected prompts never reach it.
	OnStart func(prompt string)
}

// Submit runs one turn. On success the user prompt and the assistant reply
// are appended to the history; on failure the history is left unchanged.
func (c *Conversation) Submit(ctx context.Context, h Streamer, prompt string, sink Sink, opts ...Option) (*Exchange, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if !c.History.turn.TryLock() {
		return nil, ErrTurnInProgress
	}
	defer c.History.turn.Unlock()
	if c.OnStart != nil {
		c.OnStart(prompt)
	}

	sent := prompt
	if c.History.Len() == 0 && c.PreprocessFirst != nil {
		sent = c.PreprocessFirst(prompt)
	}

	res, err := Send(ctx, h, sent, sink, opts...)
	if err != nil {
		return nil, err
	}

	ex := &Exchange{
		User:      domain.NewMessage(domain.RoleUser, prompt),
		Assistant: domain.NewMessage(domain.RoleAssistant, res.Text),
		Tools:     res.Tools,
		Fragments: res.Fragments,
	}
	c.History.commit(ex.User, ex.Assistant, ex.Tools)
	return ex, nil
}
