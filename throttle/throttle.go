// Package throttle provides per-work-type rate limiting and concurrency
// caps for the worker pool. Expensive work types (a full market repric-
// ing, say) can be held to a trickle without slowing the rest of the
// queue.
package throttle

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines the limits for one work type.
type Config struct {
	// WorkType is the catalog tag the limits apply to.
	WorkType string

	// MaxConcurrency limits how many items of this type may run
	// simultaneously in the local pool. Zero means no type-specific
	// limit (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained claims per second for this
	// type. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// typeState tracks runtime state for a single work type.
type typeState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Limiter controls per-work-type rate limiting and concurrency.
// It is safe for concurrent use.
type Limiter struct {
	mu    sync.Mutex
	types map[string]*typeState
}

// NewLimiter creates a Limiter with the given configurations. Work
// types not listed have no limits.
func NewLimiter(configs ...Config) *Limiter {
	l := &Limiter{
		types: make(map[string]*typeState, len(configs)),
	}
	for _, cfg := range configs {
		l.types[cfg.WorkType] = newTypeState(cfg)
	}
	return l
}

func newTypeState(cfg Config) *typeState {
	ts := &typeState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ts.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ts
}

// Acquire checks the limits for the given work type. If the item may
// proceed it increments the active counter and returns true. The
// caller MUST call Release when the item finishes.
func (l *Limiter) Acquire(workType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.types[workType]
	if ts == nil {
		return true
	}
	// Cap first: a claim rejected on concurrency must not burn a rate
	// token, or a saturated type starves itself once slots free up.
	if ts.config.MaxConcurrency > 0 && ts.active >= ts.config.MaxConcurrency {
		return false
	}
	if ts.limiter != nil && !ts.limiter.Allow() {
		return false
	}
	ts.active++
	return true
}

// Release decrements the active count for the work type.
func (l *Limiter) Release(workType string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ts := l.types[workType]; ts != nil && ts.active > 0 {
		ts.active--
	}
}

// SetConfig dynamically updates (or creates) a work type configuration.
// The current active count survives reconfiguration.
func (l *Limiter) SetConfig(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing := l.types[cfg.WorkType]
	ts := newTypeState(cfg)
	if existing != nil {
		ts.active = existing.active
	}
	l.types[cfg.WorkType] = ts
}

// ActiveCount returns the current number of active items for a work type.
func (l *Limiter) ActiveCount(workType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ts := l.types[workType]; ts != nil {
		return ts.active
	}
	return 0
}
