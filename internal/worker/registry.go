// Package worker implements the task supervisor: a polling loop that claims
// tasks from the queue, runs each one in a freshly spawned child process, and
// translates how that process died into a terminal task transition.
//
// The same package also carries the child side: ExecuteTask resolves the
// task's handler from a Registry and reports the outcome back to the queue.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/simon-downes/spl/internal/queue"
)

// Handler executes the work for one task. It may stream diagnostics through
// q.Output while running. A non-nil return (or a panic) marks the task
// failed with the error recorded in its output.
type Handler func(ctx context.Context, t *queue.Task, q *queue.Queue) error

// Registry maps task types to handlers. Populate it at startup, before any
// worker or task process starts; lookups for unregistered types fail fast.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates h with the given task type, replacing any previous
// registration.
func (r *Registry) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// Resolve returns the handler for taskType, or an error if none is registered.
func (r *Registry) Resolve(taskType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for task type %q", taskType)
	}
	return h, nil
}
