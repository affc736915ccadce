// Package session keeps the per-browser-session state of the application.
//
// A State is created once per (user, session) pair by a Manager, carried to
// handlers through context.Context and torn down explicitly.
package session

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"
)

type entry struct {
	once  sync.Once
	value any
	ready bool
}

// State is the key/value record of one session. Values keep the type they
// were first stored with for the life of the session.
type State struct {
	userID    string
	sessionID string

	mu       sync.Mutex
	values   map[string]*entry
	lastSeen time.Time
	onClose  []func()
	closed   bool

	// ready is closed once the manager finished hydrating the state.
	ready      chan struct{}
	hydrateErr error
}

// NewState creates an empty, ready-to-use state.
func NewState(userID, sessionID string) *State {
	s := newState(userID, sessionID)
	close(s.ready)
	return s
}

func newState(userID, sessionID string) *State {
	return &State{
		userID:    userID,
		sessionID: sessionID,
		values:    make(map[string]*entry),
		lastSeen:  time.Now(),
		ready:     make(chan struct{}),
	}
}

// UserID returns the owning user.
func (s *State) UserID() string { return s.userID }

// SessionID returns the tab/session identifier.
func (s *State) SessionID() string { return s.sessionID }

// GetOrInit returns the value stored under key. When the key is unset the
// factory is invoked once and its result stored; later calls return the stored
// value without calling their factory.
func (s *State) GetOrInit(key string, factory func() any) any {
	s.mu.Lock()
	e, ok := s.values[key]
	if !ok {
		e = &entry{}
		s.values[key] = e
	}
	s.mu.Unlock()

	// The factory runs outside the state lock so it may read other keys.
	e.once.Do(func() {
		v := factory()
		s.mu.Lock()
		e.value = v
		e.ready = true
		s.mu.Unlock()
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	return e.value
}

// Get returns the value stored under key, if any.
func (s *State) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.values[key]
	if !ok || !e.ready {
		return nil, false
	}
	return e.value, true
}

// Set overwrites the value stored under key.
func (s *State) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.values[key]; ok && e.ready && !sameType(e.value, value) {
		return fmt.Errorf("%w: key %q holds %T, got %T", ErrTypeMismatch, key, e.value, value)
	}

	ne := &entry{value: value, ready: true}
	ne.once.Do(func() {})
	s.values[key] = ne
	return nil
}

// Clear removes key. A later GetOrInit runs its factory again.
func (s *State) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Touch records activity on the session.
func (s *State) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns the time of the last recorded activity.
func (s *State) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// OnClose registers fn to run when the session is torn down. Hooks run in
// reverse registration order. Registering on a closed state runs fn at once.
func (s *State) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Closed reports whether the state was torn down.
func (s *State) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *State) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	hooks := s.onClose
	s.onClose = nil
	s.values = make(map[string]*entry)
	s.mu.Unlock()

	for _, fn := range slices.Backward(hooks) {
		fn()
	}
}

func sameType(a, b any) bool {
	if a == nil || b == nil {
		return true
	}
	return reflect.TypeOf(a) == reflect.TypeOf(b)
}

// Value returns the typed value stored under key, initializing it with
// factory when unset.
func Value[T any](s *State, key string, factory func() T) (T, error) {
	v := s.GetOrInit(key, func() any { return factory() })
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: key %q holds %T", ErrTypeMismatch, key, v)
	}
	return t, nil
}

// Lookup returns the typed value stored under key without initializing it.
func Lookup[T any](s *State, key string) (T, bool) {
	var zero T
	v, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}
