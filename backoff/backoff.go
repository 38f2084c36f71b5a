// Package backoff provides pluggable retry delay strategies for failed
// work items. All strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// Func adapts a plain function to a Strategy.
type Func func(attempt int) time.Duration

// Delay calls f.
func (f Func) Delay(attempt int) time.Duration { return f(attempt) }

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Base * 2^(attempt-1), Cap).
type Exponential struct {
	Base time.Duration
	Cap  time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(base, limit time.Duration) *Exponential {
	return &Exponential{Base: base, Cap: limit}
}

// Delay returns Base * 2^(attempt-1), capped at Cap.
func (e *Exponential) Delay(attempt int) time.Duration {
	return expDelay(e.Base, e.Cap, attempt)
}

// ──────────────────────────────────────────────────
// FullJitter
// ──────────────────────────────────────────────────

// FullJitter spreads an exponential base over a uniform random range.
// Delay = random value in [0, min(Base * 2^(attempt-1), Cap)].
// This keeps a batch of items that failed together from retrying
// together.
type FullJitter struct {
	Base time.Duration
	Cap  time.Duration
}

// NewFullJitter creates an exponential backoff with full jitter.
func NewFullJitter(base, limit time.Duration) *FullJitter {
	return &FullJitter{Base: base, Cap: limit}
}

// Delay returns a random duration in [0, min(Base * 2^(attempt-1), Cap)].
func (f *FullJitter) Delay(attempt int) time.Duration {
	ceiling := expDelay(f.Base, f.Cap, attempt)
	return time.Duration(rand.Float64() * float64(ceiling)) //nolint:gosec // jitter intentionally uses non-crypto rand
}

func expDelay(base, limit time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d < 0 || (limit > 0 && d > limit) {
		return limit
	}
	return d
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the backoff used by the engine when none is
// configured: full jitter over an exponential base of 2s, capped at 2m.
func DefaultStrategy() Strategy {
	return NewFullJitter(2*time.Second, 2*time.Minute)
}
