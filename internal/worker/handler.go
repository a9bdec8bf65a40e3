// Package worker runs the consumer side of the task pipeline: a pool of
// goroutines that lease jobs from the broker, execute the registered handler
// and write the outcome back to the result store.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/edgeline/edgeline/pkg/domain"
)

// Handler executes one job attempt. The returned bytes are stored as the job
// result on success; a non-nil error marks the attempt failed.
type Handler func(ctx context.Context, job *domain.Job) ([]byte, error)

// Registry maps queue names to handlers. Registration happens at startup,
// before the pool runs.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a queue. Registering a queue twice is a
// programming error.
func (r *Registry) Register(queue string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[queue]; exists {
		return fmt.Errorf("handler for queue %q already registered", queue)
	}
	r.handlers[queue] = h
	return nil
}

// Lookup returns the handler for a queue.
func (r *Registry) Lookup(queue string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[queue]
	return h, ok
}

// Echo returns the job payload unchanged. It is the default handler for
// queues with no application handler, useful for smoke testing the pipeline.
func Echo(_ context.Context, job *domain.Job) ([]byte, error) {
	return job.Payload, nil
}
