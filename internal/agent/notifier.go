package agent

import (
	"slices"
	"sync"

	"github.com/ashureev/formchat/internal/domain"
)

// ToolObserver is told about every tool invocation of an agent.
type ToolObserver interface {
	OnToolUsed(call domain.ToolCall)
}

// ToolObserverFunc adapts a function to ToolObserver.
type ToolObserverFunc func(call domain.ToolCall)

// OnToolUsed calls f(call).
func (f ToolObserverFunc) OnToolUsed(call domain.ToolCall) { f(call) }

// Notifier fans tool invocations out to subscribed observers.
type Notifier struct {
	mu        sync.Mutex
	nextID    int
	observers map[int]ToolObserver
}

// NewNotifier creates a notifier without subscribers.
func NewNotifier() *Notifier {
	return &Notifier{observers: make(map[int]ToolObserver)}
}

// Subscribe registers o and returns a function that removes it again.
// The returned function is safe to call more than once.
func (n *Notifier) Subscribe(o ToolObserver) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.observers[id] = o
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.observers, id)
			n.mu.Unlock()
		})
	}
}

// Len returns the number of current subscribers.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.observers)
}

// Publish delivers call to every subscriber in subscription order.
func (n *Notifier) Publish(call domain.ToolCall) {
	n.mu.Lock()
	ids := make([]int, 0, len(n.observers))
	for id := range n.observers {
		ids = append(ids, id)
	}
	observers := make([]ToolObserver, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		observers = append(observers, n.observers[id])
	}
	n.mu.Unlock()

	for _, o := range observers {
		o.OnToolUsed(call)
	}
}
