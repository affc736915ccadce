package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ashureev/formchat/internal/domain"
	"github.com/ashureev/formchat/internal/workflow"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// HandleChat runs one chat turn and streams it as server-sent events:
// "delta" per fragment, "tool" per tool invocation, then "done" or "error".
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	st, ok := h.state(w, r)
	if !ok {
		return
	}
	if !h.allow(w, st) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.stream.MaxRequestBodySize)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}
	if _, ok := h.svc.CompletedForm(st); !ok {
		h.fail(w, r, workflow.ErrFormIncomplete)
		return
	}

	stream, ok := newSSEStream(w, h.stream.RetryDelay)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	done := make(chan struct{})
	go stream.keepalive(h.stream.KeepaliveInterval, done)
	defer close(done)

	ex, err := h.svc.Chat(r.Context(), st, workflow.ChatRequest{
		Prompt:    req.Message,
		Channel:   "chat_http",
		RequestID: chiMiddleware.GetReqID(r.Context()),
	}, stream)
	if err != nil {
		_, msg := statusFor(err)
		stream.send("error", map[string]string{"error": msg})
		return
	}
	stream.send("done", map[string]any{
		"user":    ex.User,
		"message": ex.Assistant,
		"tools":   toolViews(ex.Tools),
	})
}

// GetMessages returns the chat transcript.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	st, ok := h.state(w, r)
	if !ok {
		return
	}
	history, err := h.svc.History(st)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	msgs := history.Messages()
	if msgs == nil {
		msgs = []domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// ClearMessages empties the chat transcript.
func (h *Handler) ClearMessages(w http.ResponseWriter, r *http.Request) {
	st, ok := h.state(w, r)
	if !ok {
		return
	}
	if err := h.svc.ClearHistory(r.Context(), st); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTools returns the tool invocations per assistant message.
func (h *Handler) GetTools(w http.ResponseWriter, r *http.Request) {
	st, ok := h.state(w, r)
	if !ok {
		return
	}
	history, err := h.svc.History(st)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make(map[string][]toolView)
	for id, calls := range history.AllTools() {
		out[id] = toolViews(calls)
	}
	JSON(w, http.StatusOK, map[string]any{"tools": out})
}
