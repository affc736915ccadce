package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/formchat/internal/domain"
)

var (
	errOllamaStatus    = errors.New("ollama returned non-200 status")
	errStreamTruncated = errors.New("stream ended before done")
)

// OllamaBackend talks to an Ollama-compatible /api/chat endpoint.
type OllamaBackend struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaBackend creates a backend for the server at baseURL. The timeout
// bounds a whole request, including a streamed reply.
func NewOllamaBackend(baseURL string, timeout time.Duration, logger *slog.Logger) *OllamaBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type ollamaChatChunk struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

func buildOllamaRequest(req Request, stream bool) ollamaChatRequest {
	msgs := make([]ollamaMessage, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, ollamaMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.History {
		msgs = append(msgs, ollamaMessage{Role: string(m.Role), Content: m.Content})
	}
	msgs = append(msgs, ollamaMessage{Role: "user", Content: req.Prompt})

	var tools []ollamaTool
	for _, spec := range req.Tools {
		t := ollamaTool{Type: "function"}
		t.Function.Name = spec.ID
		t.Function.Description = spec.Description
		t.Function.Parameters = spec.Parameters
		tools = append(tools, t)
	}
	return ollamaChatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   stream,
		Format:   req.Format,
		Tools:    tools,
	}
}

func (m ollamaMessage) toolCalls() []domain.ToolCall {
	if len(m.ToolCalls) == 0 {
		return nil
	}
	calls := make([]domain.ToolCall, 0, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		calls = append(calls, domain.ToolCall{
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
			At:        time.Now().UTC(),
		})
	}
	return calls
}

func (b *OllamaBackend) post(ctx context.Context, body ollamaChatRequest) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("%w: %d: %s", errOllamaStatus, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// Complete sends a non-streaming chat request.
func (b *OllamaBackend) Complete(ctx context.Context, req Request) (Result, error) {
	resp, err := b.post(ctx, buildOllamaRequest(req, false))
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	var chunk ollamaChatChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return Result{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if chunk.Error != "" {
		return Result{}, fmt.Errorf("ollama error: %s", chunk.Error)
	}
	return Result{Text: chunk.Message.Content, ToolCalls: chunk.Message.toolCalls()}, nil
}

// Stream sends a streaming chat request and yields one fragment per NDJSON line.
func (b *OllamaBackend) Stream(ctx context.Context, req Request) iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		resp, err := b.post(ctx, buildOllamaRequest(req, true))
		if err != nil {
			yield(Fragment{}, err)
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var chunk ollamaChatChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				yield(Fragment{}, fmt.Errorf("malformed stream chunk: %w", err))
				return
			}
			if chunk.Error != "" {
				yield(Fragment{}, fmt.Errorf("ollama error: %s", chunk.Error))
				return
			}

			frag := Fragment{Text: chunk.Message.Content, ToolCalls: chunk.Message.toolCalls()}
			if frag.Text != "" || len(frag.ToolCalls) > 0 {
				if !yield(frag, nil) {
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(Fragment{}, fmt.Errorf("read stream: %w", err))
			return
		}
		b.logger.Warn("Ollama stream ended without done marker", "model", req.Model)
		yield(Fragment{}, errStreamTruncated)
	}
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels returns the locally available models from /api/tags.
func (b *OllamaBackend) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama is unreachable at %s: %w", b.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", errOllamaStatus, resp.StatusCode)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to parse model list: %w", err)
	}
	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, m.Name)
	}
	return models, nil
}

// Close releases idle connections.
func (b *OllamaBackend) Close() error {
	b.httpClient.CloseIdleConnections()
	return nil
}
