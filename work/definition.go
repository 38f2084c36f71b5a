package work

import "context"

// Definition is a typed handler definition for one work type.
// T is the payload type (must be JSON-serializable).
type Definition[T any] struct {
	// WorkType is the catalog tag this definition handles.
	WorkType string

	// Handler processes a decoded payload.
	Handler func(ctx context.Context, payload T) error

	// Opts configures retries, timeout, and dependency.
	Opts Options
}

// NewDefinition creates a typed definition for a work type.
func NewDefinition[T any](workType string, handler func(ctx context.Context, payload T) error, opts ...Option) *Definition[T] {
	def := &Definition[T]{
		WorkType: workType,
		Handler:  handler,
		Opts:     DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}
