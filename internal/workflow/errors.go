package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrFormIncomplete is matched by FormIncompleteError and returned when
	// the chat step is used before a complete form was submitted.
	ErrFormIncomplete = errors.New("form_incomplete")
	// ErrUnknownRole is returned for agent roles other than form and chat.
	ErrUnknownRole = errors.New("unknown agent role")
)

// FormIncompleteError lists the fields that still need a value.
type FormIncompleteError struct {
	Missing []string
}

func (e *FormIncompleteError) Error() string {
	return fmt.Sprintf("form incomplete: missing %s", strings.Join(e.Missing, ", "))
}

// Is lets errors.Is(err, ErrFormIncomplete) match.
func (e *FormIncompleteError) Is(target error) bool {
	return target == ErrFormIncomplete
}
