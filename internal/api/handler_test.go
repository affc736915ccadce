//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/formchat/internal/agent"
	"github.com/ashureev/formchat/internal/domain"
	"github.com/ashureev/formchat/internal/identity"
	"github.com/ashureev/formchat/internal/session"
	"github.com/ashureev/formchat/internal/store"
	"github.com/ashureev/formchat/internal/workflow"
	"github.com/go-chi/chi/v5"
)

type stubBackend struct {
	reply     string
	fragments []agent.Fragment
	err       error

	mu   sync.Mutex
	seen []agent.Request
}

func (b *stubBackend) record(req agent.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen = append(b.seen, req)
}

func (b *stubBackend) requests() []agent.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]agent.Request(nil), b.seen...)
}

func (b *stubBackend) Complete(_ context.Context, req agent.Request) (agent.Result, error) {
	b.record(req)
	if b.err != nil {
		return agent.Result{}, b.err
	}
	return agent.Result{Text: b.reply}, nil
}

func (b *stubBackend) Stream(_ context.Context, req agent.Request) iter.Seq2[agent.Fragment, error] {
	b.record(req)
	return func(yield func(agent.Fragment, error) bool) {
		for _, f := range b.fragments {
			if !yield(f, nil) {
				return
			}
		}
		if b.err != nil {
			yield(agent.Fragment{}, b.err)
		}
	}
}

func (b *stubBackend) ListModels(context.Context) ([]string, error) { return []string{"llama3"}, nil }
func (b *stubBackend) Close() error                                 { return nil }

type testServer struct {
	*httptest.Server
	repo store.Repository
}

func newTestServer(t *testing.T, backend agent.Backend, limiter *RateLimiter) *testServer {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	svc := workflow.New(workflow.Options{Backend: backend, Repo: repo, DefaultModel: "llama3"})
	mgr := session.NewManager(session.WithHydrator(svc.Hydrate), session.WithTeardown(svc.Teardown))
	h := NewHandler(Options{Service: svc, Sessions: mgr, Repo: repo, Limiter: limiter})
	t.Cleanup(h.Close)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			userID := req.Header.Get("X-Test-User")
			if userID == "" {
				next.ServeHTTP(w, req)
				return
			}
			_ = repo.UpsertUser(req.Context(), &domain.User{UserID: userID, Username: userID, LastSeenAt: time.Now()})
			ctx := identity.WithIdentity(req.Context(), userID, req.Header.Get(identity.SessionHeaderName))
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Use(session.Middleware(mgr))
	h.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, repo: repo}
}

func (s *testServer) do(t *testing.T, method, path, sessionID string, body []byte, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("X-Test-User", "anon_test")
	req.Header.Set(identity.SessionHeaderName, sessionID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return v
}

var fullForm = []byte(`{"title":"Webshop","description":"Ein Shop","requirements":"Zahlung","constraints":"Budget","additional_info":"keine"}`)

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		cur    sseEvent
	)
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.name != "":
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	return events
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestRequestsWithoutSessionAreRejected(t *testing.T) {
	srv := newTestServer(t, &stubBackend{}, nil)

	resp, err := http.Get(srv.URL + "/api/form")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestFormFlow(t *testing.T) {
	srv := newTestServer(t, &stubBackend{}, nil)

	resp := srv.do(t, http.MethodPut, "/api/form", "tab1", []byte(`{"title":"Webshop"}`), "application/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got := decode[formResponse](t, resp)
	if got.Form.Title != "Webshop" || len(got.Missing) != 4 {
		t.Fatalf("unexpected form %+v", got)
	}

	resp = srv.do(t, http.MethodPost, "/api/form/complete", "tab1", nil, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["error"] != "form_incomplete" {
		t.Fatalf("unexpected error body %v", body)
	}

	resp = srv.do(t, http.MethodPut, "/api/form", "tab1", []byte(`{"colour":"blau"}`), "application/json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", resp.StatusCode)
	}

	srv.do(t, http.MethodPut, "/api/form", "tab1", fullForm, "application/json")
	resp = srv.do(t, http.MethodPost, "/api/form/complete", "tab1", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp = srv.do(t, http.MethodGet, "/api/form", "tab2", nil, "")
	other := decode[formResponse](t, resp)
	if other.Form.Title != "" || other.Completed {
		t.Fatalf("sessions must be isolated, got %+v", other)
	}
}

func TestUploadForm(t *testing.T) {
	srv := newTestServer(t, &stubBackend{reply: `{"title": "Webshop", "description": "Ein Shop"}`}, nil)

	upload := func(name string, content []byte) *http.Response {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", name)
		if err != nil {
			t.Fatalf("CreateFormFile failed: %v", err)
		}
		_, _ = fw.Write(content)
		_ = mw.Close()
		return srv.do(t, http.MethodPost, "/api/form/upload", "tab1", buf.Bytes(), mw.FormDataContentType())
	}

	resp := upload("brief.txt", []byte("Wir bauen einen Webshop."))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got := decode[formResponse](t, resp)
	if got.Form.Title != "Webshop" || got.Form.Description != "Ein Shop" {
		t.Fatalf("unexpected extraction %+v", got.Form)
	}

	if resp := upload("brief.txt", []byte{0xff, 0xfe}); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for invalid UTF-8, got %d", resp.StatusCode)
	}
	if resp := upload("brief.pdf", []byte("x")); resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415 for pdf, got %d", resp.StatusCode)
	}
}

func TestChatRequiresCompletedForm(t *testing.T) {
	srv := newTestServer(t, &stubBackend{}, nil)

	resp := srv.do(t, http.MethodPost, "/api/chat", "tab1", []byte(`{"message":"hallo"}`), "application/json")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestChatRejectsBlankMessage(t *testing.T) {
	srv := newTestServer(t, &stubBackend{}, nil)
	srv.do(t, http.MethodPut, "/api/form", "tab1", fullForm, "application/json")
	srv.do(t, http.MethodPost, "/api/form/complete", "tab1", nil, "")

	resp := srv.do(t, http.MethodPost, "/api/chat", "tab1", []byte(`{"message":"  \n\t "}`), "application/json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 before the stream opens, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("blank message opened an event stream")
	}
}

func TestChatStreamsEvents(t *testing.T) {
	backend := &stubBackend{fragments: []agent.Fragment{
		{Text: "Hi"},
		{Text: " there", ToolCalls: []domain.ToolCall{{Name: "web_search", Arguments: map[string]any{"query": "shop"}}}},
	}}
	srv := newTestServer(t, backend, nil)
	srv.do(t, http.MethodPut, "/api/form", "tab1", fullForm, "application/json")
	srv.do(t, http.MethodPost, "/api/form/complete", "tab1", nil, "")

	resp := srv.do(t, http.MethodPost, "/api/chat", "tab1", []byte(`{"message":"hello"}`), "application/json")
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	var names []string
	var done map[string]any
	for _, ev := range readEvents(t, resp) {
		if ev.name == "ping" {
			continue
		}
		names = append(names, ev.name)
		if ev.name == "done" {
			if err := json.Unmarshal([]byte(ev.data), &done); err != nil {
				t.Fatalf("invalid done payload: %v", err)
			}
		}
	}
	if got := strings.Join(names, ","); got != "delta,tool,delta,done" {
		t.Fatalf("unexpected event sequence %q", got)
	}
	msg, _ := done["message"].(map[string]any)
	if msg["content"] != "Hi there" {
		t.Fatalf("unexpected done message %v", done)
	}

	resp = srv.do(t, http.MethodGet, "/api/chat/messages", "tab1", nil, "")
	msgs := decode[map[string][]domain.Message](t, resp)["messages"]
	if len(msgs) != 2 || msgs[0].Content != "hello" || msgs[1].Content != "Hi there" {
		t.Fatalf("unexpected transcript %+v", msgs)
	}

	resp = srv.do(t, http.MethodGet, "/api/chat/tools", "tab1", nil, "")
	tools := decode[map[string]map[string][]toolView](t, resp)["tools"]
	if calls := tools[msgs[1].ID]; len(calls) != 1 || calls[0].Description != `web_search(query="shop")` {
		t.Fatalf("unexpected tools %+v", tools)
	}

	resp = srv.do(t, http.MethodGet, "/api/chat/export?format=html", "tab1", nil, "")
	var page bytes.Buffer
	_, _ = page.ReadFrom(resp.Body)
	if !strings.Contains(page.String(), "<h3>Dieter</h3>") {
		t.Fatalf("export misses assistant heading: %s", page.String())
	}

	resp = srv.do(t, http.MethodDelete, "/api/chat/messages", "tab1", nil, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp = srv.do(t, http.MethodGet, "/api/chat/messages", "tab1", nil, "")
	if msgs := decode[map[string][]domain.Message](t, resp)["messages"]; len(msgs) != 0 {
		t.Fatalf("expected empty transcript, got %d", len(msgs))
	}
}

func TestChatStreamFailureSendsErrorEvent(t *testing.T) {
	srv := newTestServer(t, &stubBackend{fragments: []agent.Fragment{{Text: "Teil"}}, err: errors.New("boom")}, nil)
	srv.do(t, http.MethodPut, "/api/form", "tab1", fullForm, "application/json")
	srv.do(t, http.MethodPost, "/api/form/complete", "tab1", nil, "")

	resp := srv.do(t, http.MethodPost, "/api/chat", "tab1", []byte(`{"message":"hello"}`), "application/json")
	events := readEvents(t, resp)
	if len(events) == 0 || events[len(events)-1].name != "error" {
		t.Fatalf("expected trailing error event, got %+v", events)
	}

	resp = srv.do(t, http.MethodGet, "/api/chat/messages", "tab1", nil, "")
	if msgs := decode[map[string][]domain.Message](t, resp)["messages"]; len(msgs) != 0 {
		t.Fatalf("failed turn must not be committed, got %d messages", len(msgs))
	}
}

func TestChatRateLimited(t *testing.T) {
	srv := newTestServer(t, &stubBackend{}, NewRateLimiter(1, time.Minute))

	srv.do(t, http.MethodPost, "/api/chat", "tab1", []byte(`{"message":"eins"}`), "application/json")
	resp := srv.do(t, http.MethodPost, "/api/chat", "tab2", []byte(`{"message":"zwei"}`), "application/json")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 across sessions of one user, got %d", resp.StatusCode)
	}
}

func TestAgentConfigEndpoints(t *testing.T) {
	srv := newTestServer(t, &stubBackend{}, nil)

	resp := srv.do(t, http.MethodGet, "/api/agent/chat", "tab1", nil, "")
	cfg := decode[agent.Config](t, resp)
	if cfg.Name != "Dieter" || cfg.Model != "llama3" {
		t.Fatalf("unexpected default config %+v", cfg)
	}

	resp = srv.do(t, http.MethodPut, "/api/agent/chat", "tab1", []byte(`{"model":"mistral","system_prompt":"Kurz."}`), "application/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if cfg := decode[agent.Config](t, resp); cfg.Model != "mistral" || cfg.Name != "Dieter" {
		t.Fatalf("unexpected updated config %+v", cfg)
	}

	resp = srv.do(t, http.MethodPut, "/api/agent/chat", "tab1", []byte(`{"model":""}`), "application/json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty model, got %d", resp.StatusCode)
	}

	resp = srv.do(t, http.MethodGet, "/api/agent/boss", "tab1", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown role, got %d", resp.StatusCode)
	}

	resp = srv.do(t, http.MethodPost, "/api/agent/form/reset", "tab1", nil, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	resp = srv.do(t, http.MethodGet, "/api/agent/models", "tab1", nil, "")
	listing := decode[map[string]any](t, resp)
	models := listing["models"].([]any)
	if len(models) != 1 || models[0] != "llama3" {
		t.Fatalf("unexpected models %v", models)
	}
	if tools, _ := listing["tools"].([]any); len(tools) != 3 {
		t.Fatalf("expected the tool catalog in the listing, got %v", listing["tools"])
	}
}

func TestAgentToolSelection(t *testing.T) {
	backend := &stubBackend{fragments: []agent.Fragment{{Text: "ok"}}}
	srv := newTestServer(t, backend, nil)

	resp := srv.do(t, http.MethodPut, "/api/agent/chat", "tab1", []byte(`{"model":"llama3","tools":["shell"]}`), "application/json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown tool, got %d", resp.StatusCode)
	}

	resp = srv.do(t, http.MethodPut, "/api/agent/chat", "tab1", []byte(`{"model":"llama3","tools":["web_search","jira_search"]}`), "application/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if cfg := decode[agent.Config](t, resp); len(cfg.Tools) != 2 {
		t.Fatalf("tools not stored: %+v", cfg)
	}

	srv.do(t, http.MethodPut, "/api/form", "tab1", fullForm, "application/json")
	srv.do(t, http.MethodPost, "/api/form/complete", "tab1", nil, "")
	resp = srv.do(t, http.MethodPost, "/api/chat", "tab1", []byte(`{"message":"Hallo"}`), "application/json")
	readEvents(t, resp)

	reqs := backend.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one agent request, got %d", len(reqs))
	}
	if tools := reqs[0].Tools; len(tools) != 2 || tools[0].ID != agent.ToolWebSearch || tools[1].ID != agent.ToolJiraSearch {
		t.Fatalf("chat request advertised %+v", tools)
	}
}

func TestGetMe(t *testing.T) {
	srv := newTestServer(t, &stubBackend{}, nil)

	resp := srv.do(t, http.MethodGet, "/api/me", "tab1", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	me := decode[map[string]any](t, resp)
	if me["user_id"] != "anon_test" || me["session_id"] != "tab1" || me["form_completed"] != false {
		t.Fatalf("unexpected /me %v", me)
	}
}

func uploadFile(t *testing.T, srv *testServer, name string, content []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	_, _ = fw.Write(content)
	_ = mw.Close()
	return srv.do(t, http.MethodPost, "/api/form/upload", "tab1", buf.Bytes(), mw.FormDataContentType())
}

func TestUploadFormAgentFailures(t *testing.T) {
	tests := []struct {
		name    string
		backend *stubBackend
		status  int
	}{
		{"agent unreachable", &stubBackend{err: errors.New("dial tcp: connection refused")}, http.StatusBadGateway},
		{"prose reply", &stubBackend{reply: "Leider kann ich das nicht."}, http.StatusUnprocessableEntity},
		{"reply without fields", &stubBackend{reply: `{"budget": 3}`}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.backend, nil)
			srv.do(t, http.MethodPut, "/api/form", "tab1", []byte(`{"title":"Entwurf"}`), "application/json")

			resp := uploadFile(t, srv, "brief.txt", []byte("Wir bauen einen Webshop."))
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.StatusCode)
			}
			if body := decode[map[string]any](t, resp); body["error"] == "internal error" {
				t.Fatalf("agent failure reported as internal error")
			}

			got := decode[formResponse](t, srv.do(t, http.MethodGet, "/api/form", "tab1", nil, ""))
			if got.Form.Title != "Entwurf" {
				t.Fatalf("failed upload changed the draft: %+v", got.Form)
			}
		})
	}
}
