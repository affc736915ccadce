package chat

import (
	"sync"

	"github.com/ashureev/formchat/internal/domain"
)

// History is the transcript of one session. Messages are appended in pairs
// by Conversation and never modified afterwards.
type History struct {
	mu       sync.Mutex
	messages []domain.Message
	tools    map[string][]domain.ToolCall // assistant message ID -> calls

	turn sync.Mutex
}

// NewHistory creates a history holding msgs.
func NewHistory(msgs ...domain.Message) *History {
	h := &History{tools: make(map[string][]domain.ToolCall)}
	h.messages = append(h.messages, msgs...)
	return h
}

// Messages returns a copy of the transcript.
func (h *History) Messages() []domain.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// Tools returns the tool invocations recorded for an assistant message.
func (h *History) Tools(messageID string) []domain.ToolCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tools[messageID]
}

// AllTools returns every recorded tool invocation keyed by assistant message ID.
func (h *History) AllTools() map[string][]domain.ToolCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][]domain.ToolCall, len(h.tools))
	for id, calls := range h.tools {
		out[id] = calls
	}
	return out
}

// Clear empties the transcript.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
	h.tools = make(map[string][]domain.ToolCall)
}

func (h *History) commit(user, assistant domain.Message, tools []domain.ToolCall) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, user, assistant)
	if len(tools) > 0 {
		h.tools[assistant.ID] = tools
	}
}
