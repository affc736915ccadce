package agent

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/ashureev/formchat/internal/domain"
)

type fakeBackend struct {
	fragments []Fragment
	err       error
	requests  []Request
}

func (f *fakeBackend) Complete(_ context.Context, req Request) (Result, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return Result{}, f.err
	}
	var res Result
	for _, frag := range f.fragments {
		res.Text += frag.Text
		res.ToolCalls = append(res.ToolCalls, frag.ToolCalls...)
	}
	return res, nil
}

func (f *fakeBackend) Stream(_ context.Context, req Request) iter.Seq2[Fragment, error] {
	f.requests = append(f.requests, req)
	return func(yield func(Fragment, error) bool) {
		for _, frag := range f.fragments {
			if !yield(frag, nil) {
				return
			}
		}
		if f.err != nil {
			yield(Fragment{}, f.err)
		}
	}
}

func (f *fakeBackend) ListModels(context.Context) ([]string, error) { return []string{"m"}, nil }
func (f *fakeBackend) Close() error                                 { return nil }

func newTestHandle(t *testing.T, b Backend) *Handle {
	t.Helper()
	h, err := NewHandle(b, DefaultConfig(RoleChat, "llama3"))
	if err != nil {
		t.Fatalf("NewHandle failed: %v", err)
	}
	return h
}

func TestNewHandleValidatesConfig(t *testing.T) {
	if _, err := NewHandle(&fakeBackend{}, Config{}); err == nil {
		t.Fatal("expected empty model to be rejected")
	}
	if _, err := NewHandle(nil, DefaultConfig(RoleChat, "m")); err == nil {
		t.Fatal("expected nil backend to be rejected")
	}
}

func TestHandleRunStreamRemembersOnSuccess(t *testing.T) {
	b := &fakeBackend{fragments: []Fragment{{Text: "Hi"}, {Text: " there"}}}
	h := newTestHandle(t, b)

	var got string
	for frag, err := range h.RunStream(context.Background(), "hello") {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got += frag.Text
	}
	if got != "Hi there" {
		t.Fatalf("unexpected text %q", got)
	}

	mem := h.Memory()
	if len(mem) != 2 || mem[0].Content != "hello" || mem[1].Content != "Hi there" {
		t.Fatalf("unexpected memory: %+v", mem)
	}

	for range h.RunStream(context.Background(), "again") {
	}
	if len(b.requests[1].History) != 2 {
		t.Fatalf("expected previous exchange in history, got %d messages", len(b.requests[1].History))
	}
	if b.requests[1].System != DefaultChatPrompt {
		t.Fatalf("expected system prompt to be sent")
	}
}

func TestHandleRunStreamFailureKeepsMemory(t *testing.T) {
	boom := errors.New("boom")
	h := newTestHandle(t, &fakeBackend{fragments: []Fragment{{Text: "partial"}}, err: boom})

	var gotErr error
	for _, err := range h.RunStream(context.Background(), "hello") {
		if err != nil {
			gotErr = err
		}
	}
	if !errors.Is(gotErr, boom) {
		t.Fatalf("expected boom, got %v", gotErr)
	}
	if len(h.Memory()) != 0 {
		t.Fatalf("expected memory to stay empty, got %+v", h.Memory())
	}
}

func TestHandleRunStreamEmptyPrompt(t *testing.T) {
	h := newTestHandle(t, &fakeBackend{})
	for _, err := range h.RunStream(context.Background(), "  ") {
		if !errors.Is(err, ErrEmptyPrompt) {
			t.Fatalf("expected ErrEmptyPrompt, got %v", err)
		}
	}
}

func TestHandleClosed(t *testing.T) {
	h := newTestHandle(t, &fakeBackend{fragments: []Fragment{{Text: "x"}}})
	h.Close()
	if _, err := h.Run(context.Background(), "hi"); !errors.Is(err, ErrHandleClosed) {
		t.Fatalf("expected ErrHandleClosed, got %v", err)
	}
}

func TestHandlePublishesToolCalls(t *testing.T) {
	call := domain.ToolCall{Name: "web_search", Arguments: map[string]any{"query": "go"}}
	h := newTestHandle(t, &fakeBackend{fragments: []Fragment{{ToolCalls: []domain.ToolCall{call}}, {Text: "done"}}})

	var seen []domain.ToolCall
	unsubscribe := h.Tools().Subscribe(ToolObserverFunc(func(c domain.ToolCall) { seen = append(seen, c) }))
	defer unsubscribe()

	res, err := h.Run(context.Background(), "search")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Text != "done" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if len(seen) != 1 || seen[0].Name != "web_search" || seen[0].At.IsZero() {
		t.Fatalf("unexpected tool calls: %+v", seen)
	}
}

func TestHandleSeed(t *testing.T) {
	b := &fakeBackend{fragments: []Fragment{{Text: "ok"}}}
	h := newTestHandle(t, b)
	prior := []domain.Message{domain.NewMessage(domain.RoleUser, "q"), domain.NewMessage(domain.RoleAssistant, "a")}

	h.Seed(prior)
	h.Seed(prior[:1])
	if len(h.Memory()) != 2 {
		t.Fatalf("expected seeded memory of 2, got %d", len(h.Memory()))
	}

	if _, err := h.Run(context.Background(), "next"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(b.requests[0].History) != 2 {
		t.Fatalf("expected seeded history to be sent, got %d", len(b.requests[0].History))
	}
}
