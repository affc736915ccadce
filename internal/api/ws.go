package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/formchat/internal/chat"
	"github.com/ashureev/formchat/internal/domain"
	"github.com/ashureev/formchat/internal/session"
	"github.com/ashureev/formchat/internal/workflow"
	"github.com/coder/websocket"
)

const wsWriteTimeout = 10 * time.Second

// ConnRegistry tracks the open chat WebSocket per user and page key.
type ConnRegistry struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewConnRegistry creates an empty registry.
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{active: make(map[string]map[string]*websocket.Conn)}
}

// Register adds conn under key. A previous connection for key is closed
// after the registry lock is released.
func (m *ConnRegistry) Register(userID, key string, conn *websocket.Conn) {
	m.mu.Lock()
	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*websocket.Conn)
	}
	replaced := m.active[userID][key]
	m.active[userID][key] = conn
	m.mu.Unlock()

	if replaced != nil && replaced != conn {
		_ = replaced.Close(websocket.StatusNormalClosure, "connection replaced")
	}
	slog.Info("Chat connection registered", "user_id", userID, "key", key)
}

// Unregister removes conn if it is still the one registered under key.
func (m *ConnRegistry) Unregister(userID, key string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.active[userID]
	if !ok {
		return
	}
	if current, exists := conns[key]; exists && current == conn {
		delete(conns, key)
		if len(conns) == 0 {
			delete(m.active, userID)
		}
		slog.Info("Chat connection unregistered", "user_id", userID, "key", key)
	}
}

// Close terminates every connection of one session.
func (m *ConnRegistry) Close(userID, sessionID string) {
	m.mu.Lock()
	var closing []*websocket.Conn
	if conns, ok := m.active[userID]; ok {
		prefix := userID + ":" + sessionID + ":"
		for key, conn := range conns {
			if strings.HasPrefix(key, prefix) {
				closing = append(closing, conn)
				delete(conns, key)
			}
		}
		if len(conns) == 0 {
			delete(m.active, userID)
		}
	}
	m.mu.Unlock()

	for _, conn := range closing {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}
}

// CloseAll terminates every connection.
func (m *ConnRegistry) CloseAll() {
	m.mu.Lock()
	var closing []*websocket.Conn
	for userID, conns := range m.active {
		for _, conn := range conns {
			closing = append(closing, conn)
		}
		delete(m.active, userID)
	}
	m.mu.Unlock()

	for _, conn := range closing {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// Len returns the number of open connections.
func (m *ConnRegistry) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, conns := range m.active {
		n += len(conns)
	}
	return n
}

// wsMessage is a chat WebSocket frame in either direction.
type wsMessage struct {
	Type    string          `json:"type"`
	Content string          `json:"content,omitempty"`
	Delta   string          `json:"delta,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message *domain.Message `json:"message,omitempty"`
	Tool    *toolView       `json:"tool,omitempty"`
	Tools   []toolView      `json:"tools,omitempty"`
}

// wsSink streams a turn to a WebSocket connection.
type wsSink struct {
	ctx  context.Context
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSink) write(msg wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(s.ctx, wsWriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSink) Render(u chat.Update) {
	if err := s.write(wsMessage{Type: "text", Delta: u.Delta, Content: u.Text}); err != nil {
		slog.Debug("WebSocket write error", "error", err)
	}
}

func (s *wsSink) OnToolUsed(call domain.ToolCall) {
	v := toolView{ToolCall: call, Description: call.Describe()}
	if err := s.write(wsMessage{Type: "tool", Tool: &v}); err != nil {
		slog.Debug("WebSocket write error", "error", err)
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 || slices.Contains(h.origins, "*") {
		return true
	}
	if slices.Contains(h.origins, origin) {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.origins)
	return false
}

// ServeChatWS runs chat turns over a WebSocket. Clients send
// {"type":"prompt","content":"..."} and receive "text", "tool", "done" and
// "error" frames.
func (h *Handler) ServeChatWS(w http.ResponseWriter, r *http.Request) {
	st, ok := h.state(w, r)
	if !ok {
		return
	}
	key, err := session.PageKey(r.Context(), "chat", "ws")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", st.UserID())
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", st.UserID())
		}
	}()

	h.conns.Register(st.UserID(), key, ws)
	defer h.conns.Unregister(st.UserID(), key, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	h.readLoop(ctx, ws, st)
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, st *session.State) {
	sink := &wsSink{ctx: ctx, conn: ws}
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "user_id", st.UserID())
			} else if ctx.Err() == nil {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", st.UserID())
			}
			return
		}
		st.Touch()

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = sink.write(wsMessage{Type: "error", Error: "invalid message"})
			continue
		}

		switch msg.Type {
		case "ping":
			_ = sink.write(wsMessage{Type: "pong"})
		case "prompt":
			if !h.limiter.Allow(st.UserID()) {
				_ = sink.write(wsMessage{Type: "error", Error: "rate limit exceeded"})
				continue
			}
			ex, err := h.svc.Chat(ctx, st, workflow.ChatRequest{Prompt: msg.Content, Channel: "chat_ws"}, sink)
			if err != nil {
				_, text := statusFor(err)
				_ = sink.write(wsMessage{Type: "error", Error: text})
				continue
			}
			_ = sink.write(wsMessage{Type: "done", Message: &ex.Assistant, Tools: toolViews(ex.Tools)})
		default:
			_ = sink.write(wsMessage{Type: "error", Error: "unknown message type"})
		}
	}
}
