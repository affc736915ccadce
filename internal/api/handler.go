// Package api provides HTTP handlers for the formchat API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/formchat/internal/agent"
	"github.com/ashureev/formchat/internal/chat"
	"github.com/ashureev/formchat/internal/domain"
	"github.com/ashureev/formchat/internal/form"
	"github.com/ashureev/formchat/internal/identity"
	"github.com/ashureev/formchat/internal/session"
	"github.com/ashureev/formchat/internal/store"
	"github.com/ashureev/formchat/internal/workflow"
)

// Defaults used when no explicit stream settings are given.
const (
	defaultMaxRequestBodySize = 1 << 20
	defaultKeepaliveInterval  = 10 * time.Second
	defaultRetryDelay         = 5 * time.Second
)

// StreamSettings controls SSE chat responses.
type StreamSettings struct {
	MaxRequestBodySize int64
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
}

func (s StreamSettings) withDefaults() StreamSettings {
	if s.MaxRequestBodySize <= 0 {
		s.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if s.KeepaliveInterval <= 0 {
		s.KeepaliveInterval = defaultKeepaliveInterval
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = defaultRetryDelay
	}
	return s
}

// Handler serves the form, chat and agent endpoints.
type Handler struct {
	svc     *workflow.Service
	mgr     *session.Manager
	repo    store.Repository
	limiter *RateLimiter
	conns   *ConnRegistry
	stream  StreamSettings
	origins []string
	logger  *slog.Logger
}

// Options configures a Handler.
type Options struct {
	Service        *workflow.Service
	Sessions       *session.Manager
	Repo           store.Repository
	Limiter        *RateLimiter
	Stream         StreamSettings
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Limiter == nil {
		opts.Limiter = NewRateLimiter(10, time.Minute)
	}
	return &Handler{
		svc:     opts.Service,
		mgr:     opts.Sessions,
		repo:    opts.Repo,
		limiter: opts.Limiter,
		conns:   NewConnRegistry(),
		stream:  opts.Stream.withDefaults(),
		origins: opts.AllowedOrigins,
		logger:  opts.Logger,
	}
}

// Close terminates open WebSocket connections and stops the rate limiter.
func (h *Handler) Close() {
	h.conns.CloseAll()
	h.limiter.Stop()
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// state returns the session of the request, writing a 401 when there is none.
func (h *Handler) state(w http.ResponseWriter, r *http.Request) (*session.State, bool) {
	st, err := session.FromContext(r.Context())
	if err != nil {
		Error(w, http.StatusUnauthorized, "no session")
		return nil, false
	}
	st.Touch()
	return st, true
}

func (h *Handler) allow(w http.ResponseWriter, st *session.State) bool {
	if h.limiter.Allow(st.UserID()) {
		return true
	}
	Error(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// statusFor maps a service error to an HTTP status and client message.
func statusFor(err error) (int, string) {
	var (
		noCtx   *session.NoContextError
		decode  *form.DecodeError
		invoke  *chat.AgentInvocationError
		missing *workflow.FormIncompleteError
	)
	switch {
	case errors.As(err, &noCtx):
		return http.StatusUnauthorized, "no session"
	case errors.As(err, &missing), errors.Is(err, workflow.ErrFormIncomplete):
		return http.StatusConflict, workflow.ErrFormIncomplete.Error()
	case errors.As(err, &decode):
		return http.StatusUnprocessableEntity, decode.Error()
	case errors.Is(err, form.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType, err.Error()
	case errors.Is(err, form.ErrEmptyUpload), errors.Is(err, chat.ErrEmptyPrompt),
		errors.Is(err, domain.ErrUnknownField), errors.Is(err, agent.ErrInvalidConfig):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, form.ErrNoFields):
		return http.StatusUnprocessableEntity, form.ErrNoFields.Error()
	case errors.Is(err, form.ErrUnreadableReply):
		return http.StatusUnprocessableEntity, form.ErrUnreadableReply.Error()
	case errors.Is(err, workflow.ErrUnknownRole):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, chat.ErrTurnInProgress):
		return http.StatusConflict, "turn_in_progress"
	case errors.As(err, &invoke):
		return http.StatusBadGateway, "agent unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// fail writes err as a JSON error and logs unexpected failures.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	switch {
	case status == http.StatusBadGateway:
		h.logger.Warn("Agent call failed",
			"path", r.URL.Path,
			"user_id", identity.UserIDFromContext(r.Context()),
			"error", err)
	case status >= http.StatusInternalServerError:
		h.logger.Error("Request failed",
			"path", r.URL.Path,
			"user_id", identity.UserIDFromContext(r.Context()),
			"error", err)
	}
	var missing *workflow.FormIncompleteError
	if errors.As(err, &missing) {
		JSON(w, status, map[string]any{"error": msg, "missing": missing.Missing})
		return
	}
	Error(w, status, msg)
}

// GetMe returns the current user's information.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	st, ok := h.state(w, r)
	if !ok {
		return
	}
	_, completed := h.svc.CompletedForm(st)
	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":        user.UserID,
		"username":       user.Username,
		"session_id":     st.SessionID(),
		"form_completed": completed,
	})
}

// DeleteSession closes the session and drops its snapshot.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	st, ok := h.state(w, r)
	if !ok {
		return
	}
	h.conns.Close(st.UserID(), st.SessionID())
	if err := h.svc.Discard(r.Context(), h.mgr, st); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
