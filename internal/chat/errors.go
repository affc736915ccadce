package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyPrompt is returned when Send is called without a prompt.
	ErrEmptyPrompt = errors.New("prompt cannot be empty")
	// ErrNoAgent is returned when Send is called without an agent handle.
	ErrNoAgent = errors.New("no agent handle")
	// ErrTurnInProgress is returned when a conversation already runs a turn.
	ErrTurnInProgress = errors.New("a chat turn is already in progress")
	// ErrInvalidTransition is returned for a turn state change the machine does not allow.
	ErrInvalidTransition = errors.New("invalid turn state transition")
)

// AgentInvocationError reports a failed agent stream. Partial output is discarded.
type AgentInvocationError struct {
	Cause error
}

func (e *AgentInvocationError) Error() string {
	return fmt.Sprintf("agent invocation failed: %v", e.Cause)
}

func (e *AgentInvocationError) Unwrap() error { return e.Cause }
