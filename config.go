package worldqueue

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds configuration for the worker pool and its maintenance loops.
type Config struct {
	// Concurrency is the number of claim loops processing items in parallel.
	Concurrency int `env:"WORLDQUEUE_CONCURRENCY" envDefault:"4"`

	// WorkTypes restricts which work-type tags this process claims.
	// Empty means all registered types.
	WorkTypes []string `env:"WORLDQUEUE_WORK_TYPES" envSeparator:","`

	// PollInterval is how long a claim loop sleeps when nothing is claimable.
	PollInterval time.Duration `env:"WORLDQUEUE_POLL_INTERVAL" envDefault:"1s"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	// before in-flight handlers are cancelled.
	ShutdownTimeout time.Duration `env:"WORLDQUEUE_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// ClaimTimeout is how long an item may sit in running before the
	// stuck sweep assumes its worker crashed and returns it to pending.
	ClaimTimeout time.Duration `env:"WORLDQUEUE_CLAIM_TIMEOUT" envDefault:"5m"`

	// SweepInterval is how often the stuck sweep runs.
	SweepInterval time.Duration `env:"WORLDQUEUE_SWEEP_INTERVAL" envDefault:"1m"`
}

// DefaultConfig returns a Config with the documented defaults:
// 4 claim loops, 1s poll, 30s shutdown, 5m claim timeout, 1m sweep.
func DefaultConfig() Config {
	return Config{
		Concurrency:     4,
		PollInterval:    1 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		ClaimTimeout:    5 * time.Minute,
		SweepInterval:   1 * time.Minute,
	}
}

// ConfigFromEnv loads Config from WORLDQUEUE_* environment variables,
// falling back to the documented defaults.
func ConfigFromEnv() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("worldqueue: parse config from env: %w", err)
	}
	return c, nil
}
