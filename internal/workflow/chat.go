package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ashureev/formchat/internal/agent"
	"github.com/ashureev/formchat/internal/chat"
	"github.com/ashureev/formchat/internal/domain"
	"github.com/ashureev/formchat/internal/session"
)

// ChatRequest is one user prompt for the chat step.
type ChatRequest struct {
	Prompt    string
	Channel   string // e.g. "chat_http", "chat_ws"; recorded in the conversation log
	RequestID string
}

// trackingSink remembers the last rendered text so a failed turn can still be
// logged with its partial output.
type trackingSink struct {
	next chat.Sink

	mu   sync.Mutex
	text string
}

func (t *trackingSink) Render(u chat.Update) {
	t.mu.Lock()
	t.text = u.Text
	t.mu.Unlock()
	if t.next != nil {
		t.next.Render(u)
	}
}

func (t *trackingSink) OnToolUsed(call domain.ToolCall) {
	if obs, ok := t.next.(agent.ToolObserver); ok {
		obs.OnToolUsed(call)
	}
}

func (t *trackingSink) last() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text
}

// Chat runs one chat turn. The first prompt of a transcript is sent with the
// completed form as context. It fails with ErrFormIncomplete until step one
// was completed.
func (s *Service) Chat(ctx context.Context, st *session.State, req ChatRequest, sink chat.Sink) (*chat.Exchange, error) {
	completed, ok := s.CompletedForm(st)
	if !ok {
		return nil, ErrFormIncomplete
	}
	history, err := s.History(st)
	if err != nil {
		return nil, err
	}
	h, err := s.Agent(st, agent.RoleChat)
	if err != nil {
		return nil, err
	}

	conv := &chat.Conversation{
		History:         history,
		PreprocessFirst: s.withContext(completed),
		OnStart: func(prompt string) {
			s.logMessage(st, req, "outbound", "chat_user_message", prompt, nil)
		},
	}

	track := &trackingSink{next: sink}
	started := time.Now()
	ex, err := conv.Submit(ctx, h, req.Prompt, track)
	if err != nil {
		if errors.Is(err, chat.ErrTurnInProgress) || errors.Is(err, chat.ErrEmptyPrompt) {
			return nil, err
		}
		s.logger.Error("Chat turn failed",
			"user_id", st.UserID(),
			"session_id", st.SessionID(),
			"error", err)
		s.logMessage(st, req, "inbound", "chat_assistant_message", track.last(), map[string]any{
			"partial":      true,
			"stream_error": err.Error(),
		})
		return nil, err
	}

	tools := make([]string, 0, len(ex.Tools))
	for _, t := range ex.Tools {
		tools = append(tools, t.Describe())
	}
	s.logMessage(st, req, "inbound", "chat_assistant_message", ex.Assistant.Content, map[string]any{
		"partial":     false,
		"tools_used":  tools,
		"fragments":   ex.Fragments,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	s.persistQuietly(ctx, st)
	return ex, nil
}

func (s *Service) withContext(completed domain.FormData) func(string) string {
	return chat.WithContext(completed.FormatContext(), s.label)
}

func (s *Service) logMessage(st *session.State, req ChatRequest, direction, eventType, content string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	if req.RequestID != "" {
		meta["request_id"] = req.RequestID
	}
	channel := req.Channel
	if channel == "" {
		channel = "chat_http"
	}
	s.log.Log(agent.ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     st.UserID(),
		SessionID:  st.SessionID(),
		Channel:    channel,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}
