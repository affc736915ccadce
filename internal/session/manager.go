package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Hydrator fills a freshly created state, e.g. from a persisted snapshot.
type Hydrator func(ctx context.Context, st *State) error

// Teardown runs before a state is closed, e.g. to persist it.
type Teardown func(ctx context.Context, st *State)

// Option configures a Manager.
type Option func(*Manager)

// WithHydrator sets the function run once when a session is first opened.
func WithHydrator(h Hydrator) Option {
	return func(m *Manager) { m.hydrate = h }
}

// WithTeardown sets the function run when a session is closed.
func WithTeardown(t Teardown) Option {
	return func(m *Manager) { m.teardown = t }
}

// WithLogger sets the logger used by the manager.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// Manager owns the live session states, keyed by user and session ID.
type Manager struct {
	mu     sync.RWMutex
	active map[string]map[string]*State

	hydrate  Hydrator
	teardown Teardown
	logger   *slog.Logger
}

// NewManager creates a new session manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		active: make(map[string]map[string]*State),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open returns the state for userID/sessionID, creating and hydrating it on
// first use. Concurrent callers for the same session share one state and
// wait for its hydration.
func (m *Manager) Open(ctx context.Context, userID, sessionID string) (*State, error) {
	if userID == "" || sessionID == "" {
		return nil, &NoContextError{Op: "open session"}
	}

	m.mu.Lock()
	if sessions, ok := m.active[userID]; ok {
		if st, ok := sessions[sessionID]; ok {
			m.mu.Unlock()
			return m.await(ctx, st)
		}
	}
	st := newState(userID, sessionID)
	if _, ok := m.active[userID]; !ok {
		m.active[userID] = make(map[string]*State)
	}
	m.active[userID][sessionID] = st
	m.mu.Unlock()

	var err error
	if m.hydrate != nil {
		err = m.hydrate(ctx, st)
	}
	if err != nil {
		st.hydrateErr = fmt.Errorf("hydrate session: %w", err)
		m.remove(st)
		close(st.ready)
		st.close()
		return nil, st.hydrateErr
	}
	close(st.ready)

	st.Touch()
	m.logger.Info("Session opened", "user_id", userID, "session_id", sessionID)
	return st, nil
}

func (m *Manager) await(ctx context.Context, st *State) (*State, error) {
	select {
	case <-st.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if st.hydrateErr != nil {
		return nil, st.hydrateErr
	}
	if st.Closed() {
		return nil, ErrClosed
	}
	st.Touch()
	return st, nil
}

// Get returns the live state for userID/sessionID without creating it.
func (m *Manager) Get(userID, sessionID string) (*State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[userID]; ok {
		st, ok := sessions[sessionID]
		return st, ok
	}
	return nil, false
}

// Close tears down one session. It is a no-op for unknown sessions.
func (m *Manager) Close(ctx context.Context, userID, sessionID string) {
	st, ok := m.Get(userID, sessionID)
	if !ok {
		return
	}
	m.remove(st)
	m.shutdown(ctx, st)
}

// CloseUser tears down every session of a user.
func (m *Manager) CloseUser(ctx context.Context, userID string) {
	m.mu.Lock()
	sessions := m.active[userID]
	delete(m.active, userID)
	m.mu.Unlock()

	for _, st := range sessions {
		m.shutdown(ctx, st)
	}
}

// CloseAll tears down every live session.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	all := m.active
	m.active = make(map[string]map[string]*State)
	m.mu.Unlock()

	for _, sessions := range all {
		for _, st := range sessions {
			m.shutdown(ctx, st)
		}
	}
}

// SweepIdle closes sessions that saw no activity for longer than ttl and
// returns how many were closed.
func (m *Manager) SweepIdle(ctx context.Context, ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	var expired []*State
	m.mu.Lock()
	for userID, sessions := range m.active {
		for sid, st := range sessions {
			if st.LastSeen().Before(cutoff) {
				expired = append(expired, st)
				delete(sessions, sid)
			}
		}
		if len(sessions) == 0 {
			delete(m.active, userID)
		}
	}
	m.mu.Unlock()

	for _, st := range expired {
		m.shutdown(ctx, st)
	}
	return len(expired)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}

func (m *Manager) remove(st *State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessions, ok := m.active[st.userID]; ok {
		if current, exists := sessions[st.sessionID]; exists && current == st {
			delete(sessions, st.sessionID)
			if len(sessions) == 0 {
				delete(m.active, st.userID)
			}
		}
	}
}

func (m *Manager) shutdown(ctx context.Context, st *State) {
	<-st.ready
	if m.teardown != nil && st.hydrateErr == nil && !st.Closed() {
		m.teardown(ctx, st)
	}
	st.close()
	m.logger.Info("Session closed", "user_id", st.userID, "session_id", st.sessionID)
}
