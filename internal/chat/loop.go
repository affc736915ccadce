// Package chat runs streamed chat turns against an agent and keeps the transcript.
package chat

import (
	"context"
	"iter"
	"strings"
	"sync"

	"github.com/ashureev/formchat/internal/agent"
	"github.com/ashureev/formchat/internal/domain"
)

// Update is what a sink sees after each fragment. Text is the reply so far,
// Delta the fragment that was just added.
type Update struct {
	Delta string
	Text  string
}

// Sink displays the reply in progress. A sink that also implements
// agent.ToolObserver is told about tool invocations during the turn.
type Sink interface {
	Render(u Update)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(u Update)

// Render calls f(u).
func (f SinkFunc) Render(u Update) { f(u) }

// Streamer is the part of an agent handle a turn needs.
type Streamer interface {
	RunStream(ctx context.Context, prompt string) iter.Seq2[agent.Fragment, error]
	Tools() *agent.Notifier
}

var _ Streamer = (*agent.Handle)(nil)

// Result is the outcome of a successful turn.
type Result struct {
	Text      string            `json:"text"`
	Tools     []domain.ToolCall `json:"tools,omitempty"`
	Fragments int               `json:"fragments"`
}

// Option configures a single Send.
type Option func(*sendOptions)

type sendOptions struct {
	observe func(from, to TurnState)
}

// WithStateObserver reports every turn state transition to fn.
func WithStateObserver(fn func(from, to TurnState)) Option {
	return func(o *sendOptions) { o.observe = fn }
}

type toolRecorder struct {
	mu    sync.Mutex
	calls []domain.ToolCall
}

func (r *toolRecorder) OnToolUsed(call domain.ToolCall) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *toolRecorder) list() []domain.ToolCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ToolCall, len(r.calls))
	copy(out, r.calls)
	return out
}

// Send streams the reply to prompt from h, rendering the running text to sink
// after every fragment, and returns the full reply. Tool invocations made
// during the turn are returned with it. Any stream failure discards the
// partial reply and returns an *AgentInvocationError. Send never touches a
// transcript.
func Send(ctx context.Context, h Streamer, prompt string, sink Sink, opts ...Option) (*Result, error) {
	if h == nil {
		return nil, ErrNoAgent
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	turn := NewTurn(o.observe)

	rec := &toolRecorder{}
	unsubscribe := h.Tools().Subscribe(rec)
	defer unsubscribe()
	if obs, ok := sink.(agent.ToolObserver); ok {
		unsubscribeSink := h.Tools().Subscribe(obs)
		defer unsubscribeSink()
	}

	if err := turn.advance(TurnAwaitingFirstFragment); err != nil {
		return nil, err
	}

	var text strings.Builder
	for frag, err := range h.RunStream(ctx, prompt) {
		if err != nil {
			_ = turn.advance(TurnFailed)
			return nil, &AgentInvocationError{Cause: err}
		}
		if err := turn.advance(TurnStreaming); err != nil {
			return nil, err
		}
		if frag.Text == "" {
			continue
		}
		text.WriteString(frag.Text)
		if sink != nil {
			sink.Render(Update{Delta: frag.Text, Text: text.String()})
		}
	}

	if err := turn.advance(TurnCompleted); err != nil {
		return nil, err
	}
	return &Result{Text: text.String(), Tools: rec.list(), Fragments: turn.Fragments()}, nil
}
