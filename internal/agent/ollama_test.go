package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/formchat/internal/domain"
)

func newOllamaServer(t *testing.T, handler http.HandlerFunc) *OllamaBackend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOllamaBackend(srv.URL, 5*time.Second, nil)
}

func collect(t *testing.T, b Backend, req Request) (string, []domain.ToolCall, error) {
	t.Helper()
	var text string
	var tools []domain.ToolCall
	for frag, err := range b.Stream(context.Background(), req) {
		if err != nil {
			return text, tools, err
		}
		text += frag.Text
		tools = append(tools, frag.ToolCalls...)
	}
	return text, tools, nil
}

func TestOllamaStream(t *testing.T) {
	var got ollamaChatRequest
	b := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hi"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"web_search","arguments":{"query":"go"}}}]},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":" there"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	})

	text, tools, err := collect(t, b, Request{
		Model:   "llama3",
		System:  "be brief",
		History: []domain.Message{{Role: domain.RoleUser, Content: "earlier"}},
		Prompt:  "hello",
		Tools:   mustTools(t, ToolWebSearch),
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if text != "Hi there" {
		t.Fatalf("unexpected text %q", text)
	}
	if len(tools) != 1 || tools[0].Name != "web_search" || tools[0].Arguments["query"] != "go" {
		t.Fatalf("unexpected tool calls: %+v", tools)
	}

	if !got.Stream || got.Model != "llama3" {
		t.Fatalf("unexpected request: %+v", got)
	}
	if len(got.Messages) != 3 || got.Messages[0].Role != "system" || got.Messages[2].Content != "hello" {
		t.Fatalf("unexpected messages: %+v", got.Messages)
	}
	if len(got.Tools) != 1 || got.Tools[0].Type != "function" || got.Tools[0].Function.Name != ToolWebSearch {
		t.Fatalf("unexpected tools: %+v", got.Tools)
	}
	if got.Tools[0].Function.Parameters["type"] != "object" {
		t.Fatalf("tool parameters not sent: %+v", got.Tools[0].Function.Parameters)
	}
}

func TestBuildOllamaRequestWithoutTools(t *testing.T) {
	data, err := json.Marshal(buildOllamaRequest(Request{Model: "m", Prompt: "p"}, true))
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["tools"]; ok {
		t.Fatalf("tools field sent without tools: %s", data)
	}
}

func TestOllamaStreamErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "error chunk", body: `{"message":{"content":"a"}}` + "\n" + `{"error":"model not found"}` + "\n", code: http.StatusOK},
		{name: "malformed line", body: `{"message":{"content":"a"}}` + "\nnot json\n", code: http.StatusOK},
		{name: "truncated", body: `{"message":{"content":"a"},"done":false}` + "\n", code: http.StatusOK},
		{name: "status", body: "boom", code: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newOllamaServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.code)
				fmt.Fprint(w, tt.body)
			})
			if _, _, err := collect(t, b, Request{Model: "m", Prompt: "p"}); err == nil {
				t.Fatal("expected stream error")
			}
		})
	}
}

func TestOllamaStreamTruncatedError(t *testing.T) {
	b := newOllamaServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"a"},"done":false}`)
	})
	_, _, err := collect(t, b, Request{Model: "m", Prompt: "p"})
	if !errors.Is(err, errStreamTruncated) {
		t.Fatalf("expected errStreamTruncated, got %v", err)
	}
}

func TestOllamaComplete(t *testing.T) {
	b := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Stream || req.Format != FormatJSON {
			t.Errorf("unexpected request: %+v", req)
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"{\"title\":\"x\"}"},"done":true}`)
	})

	res, err := b.Complete(context.Background(), Request{Model: "m", Prompt: "p", Format: FormatJSON})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if res.Text != `{"title":"x"}` {
		t.Fatalf("unexpected text %q", res.Text)
	}
}

func TestOllamaListModels(t *testing.T) {
	b := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"models":[{"name":"llama3:latest"},{"name":"mistral:7b"}]}`)
	})

	models, err := b.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(models) != 2 || models[0] != "llama3:latest" {
		t.Fatalf("unexpected models: %v", models)
	}
}
