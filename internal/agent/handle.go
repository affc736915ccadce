package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/formchat/internal/domain"
)

var (
	// ErrEmptyPrompt is returned when a run is started without a prompt.
	ErrEmptyPrompt = errors.New("prompt cannot be empty")
	// ErrHandleClosed is returned when a closed handle is used.
	ErrHandleClosed = errors.New("agent handle closed")
)

// Handle is a live agent instance: a backend bound to one config, with its
// own conversation memory and tool notifier.
type Handle struct {
	id      string
	cfg     Config
	backend Backend
	tools   *Notifier
	specs   []ToolSpec

	mu     sync.Mutex
	memory []domain.Message
	closed bool
}

// NewHandle creates a handle for cfg on backend.
func NewHandle(backend Backend, cfg Config) (*Handle, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is nil", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	specs, err := resolveTools(cfg.Tools)
	if err != nil {
		return nil, err
	}
	cfg.Tools = slices.Clone(cfg.Tools)
	return &Handle{
		id:      uuid.NewString(),
		cfg:     cfg,
		backend: backend,
		tools:   NewNotifier(),
		specs:   specs,
	}, nil
}

// ID identifies this instance. A re-created handle gets a new ID.
func (h *Handle) ID() string { return h.id }

// Config returns the config the handle was created with.
func (h *Handle) Config() Config { return h.cfg }

// Tools returns the notifier that reports tool invocations.
func (h *Handle) Tools() *Notifier { return h.tools }

// Memory returns a copy of the conversation remembered by the handle.
func (h *Handle) Memory() []domain.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.Message, len(h.memory))
	copy(out, h.memory)
	return out
}

// Seed preloads the memory of a fresh handle, e.g. with a restored transcript.
// It is a no-op once the handle remembers anything.
func (h *Handle) Seed(msgs []domain.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.memory) > 0 {
		return
	}
	h.memory = append(h.memory, msgs...)
}

// Close marks the handle unusable and drops its memory.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.memory = nil
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) request(prompt string) (Request, error) {
	if strings.TrimSpace(prompt) == "" {
		return Request{}, ErrEmptyPrompt
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return Request{}, ErrHandleClosed
	}
	history := make([]domain.Message, len(h.memory))
	copy(history, h.memory)
	return Request{
		Model:   h.cfg.Model,
		System:  h.cfg.SystemPrompt,
		History: history,
		Prompt:  prompt,
		Format:  h.cfg.Format,
		Tools:   h.specs,
	}, nil
}

func (h *Handle) remember(prompt, reply string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.memory = append(h.memory,
		domain.NewMessage(domain.RoleUser, prompt),
		domain.NewMessage(domain.RoleAssistant, reply),
	)
}

func (h *Handle) publish(calls []domain.ToolCall) {
	for _, call := range calls {
		if call.At.IsZero() {
			call.At = time.Now().UTC()
		}
		h.tools.Publish(call)
	}
}

// Run sends prompt and waits for the whole reply.
func (h *Handle) Run(ctx context.Context, prompt string) (Result, error) {
	req, err := h.request(prompt)
	if err != nil {
		return Result{}, err
	}
	res, err := h.backend.Complete(ctx, req)
	if err != nil {
		return Result{}, err
	}
	h.publish(res.ToolCalls)
	h.remember(prompt, res.Text)
	return res, nil
}

// RunStream sends prompt and yields the reply fragments in arrival order.
// The exchange is remembered only when the stream is consumed to the end
// without error.
func (h *Handle) RunStream(ctx context.Context, prompt string) iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		req, err := h.request(prompt)
		if err != nil {
			yield(Fragment{}, err)
			return
		}

		var reply strings.Builder
		for frag, err := range h.backend.Stream(ctx, req) {
			if err != nil {
				yield(Fragment{}, err)
				return
			}
			h.publish(frag.ToolCalls)
			reply.WriteString(frag.Text)
			if !yield(frag, nil) {
				return
			}
		}
		if err := ctx.Err(); err != nil {
			yield(Fragment{}, err)
			return
		}
		h.remember(prompt, reply.String())
	}
}
