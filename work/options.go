package work

import "time"

// Options configures per-item behavior such as retries and scheduling.
type Options struct {
	// MaxRetries bounds the total number of attempts: an item whose
	// handler has failed MaxRetries times is terminally failed, never
	// invoked again.
	MaxRetries int

	// Timeout is the maximum duration a handler may run. Zero means
	// unlimited.
	Timeout time.Duration

	// RunAt schedules the item for future execution. Zero means
	// immediate.
	RunAt time.Time

	// Dependency names the external host this work type calls out to.
	// Items with a dependency execute under that host's circuit
	// breaker. Empty means no breaker.
	Dependency string
}

// DefaultOptions returns Options with the engine defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries: 3,
		Timeout:    5 * time.Minute,
	}
}

// Option is a functional option for configuring a definition or item.
type Option func(*Options)

// WithMaxRetries sets the retry budget.
func WithMaxRetries(n int) Option {
	return func(o *Options) {
		o.MaxRetries = n
	}
}

// WithTimeout sets the maximum execution duration.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithRunAt schedules execution at a specific time.
func WithRunAt(t time.Time) Option {
	return func(o *Options) {
		o.RunAt = t
	}
}

// WithDependency names the external host the handler depends on,
// enrolling the work type in that host's circuit breaker.
func WithDependency(host string) Option {
	return func(o *Options) {
		o.Dependency = host
	}
}
