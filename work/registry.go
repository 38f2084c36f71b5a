package work

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HandlerFunc is a type-erased handler that accepts a raw JSON payload.
// Typed definitions are converted to HandlerFunc at registration time by
// closing over JSON unmarshal + the typed handler.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Registration pairs a type-erased handler with the options it was
// registered under. Workers consult the options for the item timeout
// and the breaker dependency.
type Registration struct {
	Handler HandlerFunc
	Opts    Options
}

// Registry maps work type tags to handler registrations.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Registration),
	}
}

// RegisterDefinition registers a typed definition. The generic handler
// is wrapped in a closure that JSON-unmarshals the payload into T before
// calling the typed handler.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx context.Context, payload []byte) error {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				return fmt.Errorf("unmarshal payload for work type %q: %w", def.WorkType, err)
			}
		}
		return def.Handler(ctx, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.WorkType] = Registration{Handler: handler, Opts: def.Opts}
}

// RegisterFunc registers a pre-erased handler under the given work type.
func (r *Registry) RegisterFunc(workType string, h HandlerFunc, opts ...Option) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[workType] = Registration{Handler: h, Opts: o}
}

// Get returns the registration for the given work type.
// Returns false if nothing is registered.
func (r *Registry) Get(workType string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[workType]
	return reg, ok
}

// WorkTypes returns all registered work type tags.
func (r *Registry) WorkTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for wt := range r.entries {
		types = append(types, wt)
	}
	return types
}
