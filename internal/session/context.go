package session

import (
	"context"
	"strings"
)

type contextKey struct{}

// WithState returns a copy of ctx carrying st.
func WithState(ctx context.Context, st *State) context.Context {
	return context.WithValue(ctx, contextKey{}, st)
}

// FromContext returns the session state carried by ctx.
func FromContext(ctx context.Context) (*State, error) {
	st, ok := ctx.Value(contextKey{}).(*State)
	if !ok || st == nil {
		return nil, &NoContextError{Op: "session lookup"}
	}
	return st, nil
}

// PageKey derives an identifier scoped to the current session and page, e.g.
// for widgets or connections that must not collide across sessions.
func PageKey(ctx context.Context, page, key string) (string, error) {
	st, err := FromContext(ctx)
	if err != nil {
		return "", &NoContextError{Op: "page key " + page + "/" + key}
	}
	return strings.Join([]string{st.userID, st.sessionID, page, key}, ":"), nil
}
