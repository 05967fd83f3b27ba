// Package worker resolves a job's klass to a registered handler and runs
// it. The class registry proper (reflection-based handler discovery) is an
// external collaborator per the system's scope; Registry is the minimal
// stand-in the middleware chain's dispatch entry needs.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kilnqueue/kiln/internal/job"
)

// HandlerFunc executes a job's business logic. It receives the job's
// arguments already decoded with encoding/json into generic values
// (float64, string, bool, nil, []interface{}, map[string]interface{}).
type HandlerFunc func(ctx context.Context, args []interface{}) error

// HandlerNotFoundError is treated as a retryable HandlerException per the
// error taxonomy: an unregistered klass still goes through the retry
// middleware like any other handler failure.
type HandlerNotFoundError struct {
	Klass string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("worker: no handler registered for klass %q", e.Klass)
}

// Registry maps job klass names to handlers. It implements
// middleware.Dispatcher so it can sit as the terminal entry of the default
// chain.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry builds an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a klass name to a handler, overwriting any prior binding.
func (r *Registry) Register(klass string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[klass] = h
}

// Dispatch decodes the job's args and invokes its registered handler.
func (r *Registry) Dispatch(ctx context.Context, j *job.Job) error {
	r.mu.RLock()
	h, ok := r.handlers[j.Klass]
	r.mu.RUnlock()
	if !ok {
		return &HandlerNotFoundError{Klass: j.Klass}
	}

	args := make([]interface{}, len(j.Args))
	for i, raw := range j.Args {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("worker: decode arg %d: %w", i, err)
		}
		args[i] = v
	}

	return h(ctx, args)
}
