package session

import (
	"errors"
	"fmt"
)

// ErrNoContext is matched by NoContextError through errors.Is.
var ErrNoContext = errors.New("no session context")

// ErrTypeMismatch is returned when a key is overwritten with a value of a
// different type than the one it was initialized with.
var ErrTypeMismatch = errors.New("session value type mismatch")

// ErrClosed is returned by Manager operations on a session that was torn down
// while the caller was waiting for it.
var ErrClosed = errors.New("session closed")

// NoContextError reports an operation that needs a session but ran outside of one.
type NoContextError struct {
	Op string
}

func (e *NoContextError) Error() string {
	if e.Op == "" {
		return ErrNoContext.Error()
	}
	return fmt.Sprintf("%s: %s", e.Op, ErrNoContext)
}

// Is lets errors.Is(err, ErrNoContext) match.
func (e *NoContextError) Is(target error) bool {
	return target == ErrNoContext
}
