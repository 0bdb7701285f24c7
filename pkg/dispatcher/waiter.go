package dispatcher

import (
	"sync"

	"github.com/sentinelops/scp/pkg/types"
)

// Outcome is the terminal state of one awaited command
type Outcome struct {
	Status  types.CommandStatus
	Message string
	Payload []byte
}

// waiters correlates agent-submitted results back to the goroutine awaiting
// the command. A waiter is registered before the command is enqueued so a
// result arriving between enqueue and wait is never lost.
type waiters struct {
	mu sync.Mutex
	m  map[string]chan Outcome
}

func newWaiters() *waiters {
	return &waiters{m: make(map[string]chan Outcome)}
}

// register creates the buffered outcome channel for a command id
func (w *waiters) register(commandID string) chan Outcome {
	ch := make(chan Outcome, 1)
	w.mu.Lock()
	w.m[commandID] = ch
	w.mu.Unlock()
	return ch
}

// resolve delivers an outcome to the waiter, if one is still registered
func (w *waiters) resolve(commandID string, out Outcome) bool {
	w.mu.Lock()
	ch, ok := w.m[commandID]
	if ok {
		delete(w.m, commandID)
	}
	w.mu.Unlock()
	if ok {
		ch <- out
	}
	return ok
}

// drop removes a waiter that timed out
func (w *waiters) drop(commandID string) {
	w.mu.Lock()
	delete(w.m, commandID)
	w.mu.Unlock()
}
