package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/formchat/internal/chat"
	"github.com/ashureev/formchat/internal/domain"
)

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// sseStream serializes event writes from the chat turn and the keepalive ticker.
type sseStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	err     error
}

func newSSEStream(w http.ResponseWriter, retry time.Duration) (*sseStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s := &sseStream{w: w, flusher: flusher}
	s.mu.Lock()
	_, s.err = fmt.Fprintf(w, "retry: %d\n\n", retry.Milliseconds())
	s.flusher.Flush()
	s.mu.Unlock()
	return s, true
}

// send writes one event. After the first write error every later send is a no-op.
func (s *sseStream) send(event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(`{"error":"failed to serialize event"}`)
		event = "error"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	if s.err = writeSSE(s.w, event, string(data)); s.err != nil {
		return
	}
	s.flusher.Flush()
}

// keepalive sends ping events until done is closed.
func (s *sseStream) keepalive(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.send("ping", map[string]string{"status": "alive"})
		}
	}
}

// Render implements chat.Sink.
func (s *sseStream) Render(u chat.Update) {
	s.send("delta", map[string]string{"delta": u.Delta, "text": u.Text})
}

// OnToolUsed implements agent.ToolObserver.
func (s *sseStream) OnToolUsed(call domain.ToolCall) {
	s.send("tool", toolView{ToolCall: call, Description: call.Describe()})
}

type toolView struct {
	domain.ToolCall
	Description string `json:"description"`
}

func toolViews(calls []domain.ToolCall) []toolView {
	out := make([]toolView, 0, len(calls))
	for _, c := range calls {
		out = append(out, toolView{ToolCall: c, Description: c.Describe()})
	}
	return out
}
