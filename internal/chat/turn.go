package chat

import (
	"fmt"
	"sync"
)

// TurnState is the phase of one chat turn.
type TurnState int

const (
	// TurnIdle is the state before a prompt is submitted.
	TurnIdle TurnState = iota
	// TurnAwaitingFirstFragment waits for the agent's first fragment.
	TurnAwaitingFirstFragment
	// TurnStreaming receives fragments.
	TurnStreaming
	// TurnCompleted ends a turn whose stream was exhausted.
	TurnCompleted
	// TurnFailed ends a turn whose stream raised an error.
	TurnFailed
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnAwaitingFirstFragment:
		return "awaiting_first_fragment"
	case TurnStreaming:
		return "streaming"
	case TurnCompleted:
		return "completed"
	case TurnFailed:
		return "failed"
	}
	return fmt.Sprintf("TurnState(%d)", int(s))
}

// Terminal reports whether s ends the turn.
func (s TurnState) Terminal() bool {
	return s == TurnCompleted || s == TurnFailed
}

var transitions = map[TurnState][]TurnState{
	TurnIdle:                  {TurnAwaitingFirstFragment},
	TurnAwaitingFirstFragment: {TurnStreaming, TurnCompleted, TurnFailed},
	TurnStreaming:             {TurnStreaming, TurnCompleted, TurnFailed},
}

// Turn tracks the state of a single turn. Every turn starts fresh in TurnIdle.
type Turn struct {
	mu        sync.Mutex
	state     TurnState
	fragments int
	observe   func(from, to TurnState)
}

// NewTurn creates a turn in TurnIdle. observe, if non-nil, sees every transition.
func NewTurn(observe func(from, to TurnState)) *Turn {
	return &Turn{observe: observe}
}

// State returns the current state.
func (t *Turn) State() TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Fragments returns the number of fragments received.
func (t *Turn) Fragments() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fragments
}

func (t *Turn) advance(to TurnState) error {
	t.mu.Lock()
	from := t.state
	allowed := false
	for _, s := range transitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	t.state = to
	if to == TurnStreaming {
		t.fragments++
	}
	observe := t.observe
	t.mu.Unlock()

	if observe != nil {
		observe(from, to)
	}
	return nil
}
