package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler executes jobs of one type. Execute must honor ctx cancellation and
// report its result through the returned Outcome rather than by panicking;
// handlers should be idempotent because a crash-reclaimed job runs again.
type Handler interface {
	// Name returns the job type this handler serves.
	Name() string

	// Execute runs one job. The ctx carries the execution timeout.
	Execute(ctx context.Context, job *Job) Outcome
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	name string
	fn   func(ctx context.Context, job *Job) Outcome
}

// NewHandlerFunc wraps fn as a Handler for the given job type.
func NewHandlerFunc(name string, fn func(ctx context.Context, job *Job) Outcome) *HandlerFunc {
	return &HandlerFunc{name: name, fn: fn}
}

func (h *HandlerFunc) Name() string { return h.name }

func (h *HandlerFunc) Execute(ctx context.Context, job *Job) Outcome {
	return h.fn(ctx, job)
}

// Registry maps job types to handlers. Registration happens at startup;
// lookups happen on every claim.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering two handlers for the same job type is
// a programming error and panics.
func (r *Registry) Register(h Handler) {
	if h == nil {
		panic("engine: cannot register nil handler")
	}
	name := h.Name()
	if name == "" {
		panic("engine: cannot register handler with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("engine: handler already registered for job type %q", name))
	}
	r.handlers[name] = h
}

// Get returns the handler for a job type, or false when none is registered.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Has reports whether a handler is registered for the job type.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered job types, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
