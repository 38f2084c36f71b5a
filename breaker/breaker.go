// Package breaker implements a per-host circuit breaker guarding calls
// to external dependencies.
//
// Each host tracks its own state machine:
//
//	closed → open       (failure threshold reached within the window)
//	open → half-open    (cooldown elapsed, one probe allowed through)
//	half-open → closed  (probe succeeded)
//	half-open → open    (probe failed, cooldown restarts)
//
// Hosts are independent: a storm of failures against one dependency
// never blocks work bound for another.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emberhollow/worldqueue/event"
)

// State is the condition of one host's breaker.
type State string

const (
	// StateClosed means calls flow through normally.
	StateClosed State = "closed"
	// StateOpen means calls are rejected without reaching the host.
	StateOpen State = "open"
	// StateHalfOpen means one probe call is allowed to test recovery.
	StateHalfOpen State = "half-open"
)

// Config tunes the breaker thresholds shared by all hosts.
type Config struct {
	// FailureThreshold is the number of failures within Window that
	// trips the breaker.
	FailureThreshold int
	// Window is the rolling interval failures are counted over.
	Window time.Duration
	// Cooldown is how long an open breaker waits before allowing a
	// probe.
	Cooldown time.Duration
}

// DefaultConfig returns the breaker defaults: trip after 5 failures in
// 30 seconds, probe after a 15 second cooldown.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           30 * time.Second,
		Cooldown:         15 * time.Second,
	}
}

// OpenError is returned by Do when the host's breaker rejects the call.
type OpenError struct {
	Host       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for host %q, retry after %s", e.Host, e.RetryAfter)
}

// Publisher receives breaker transition events. *event.Bus satisfies it.
type Publisher interface {
	Publish(evt event.Event)
}

// hostState is the per-host breaker bookkeeping.
type hostState struct {
	state    State
	failures []time.Time
	openedAt time.Time
	probing  bool
}

// Breaker tracks one state machine per dependency host. It is safe for
// concurrent use.
type Breaker struct {
	cfg    Config
	logger *slog.Logger
	pub    Publisher

	mu    sync.Mutex
	hosts map[string]*hostState

	// now is swapped in tests.
	now func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger for transition logging.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithPublisher sets the event publisher for transition events.
func WithPublisher(pub Publisher) Option {
	return func(b *Breaker) {
		b.pub = pub
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a breaker with the given config. Zero-valued config
// fields fall back to the defaults.
func New(cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}

	b := &Breaker{
		cfg:    cfg,
		logger: slog.Default(),
		hosts:  make(map[string]*hostState),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Do runs fn under the breaker for host. When the breaker is open the
// call is rejected with *OpenError without invoking fn. An empty host
// runs fn directly with no breaker involvement.
func (b *Breaker) Do(ctx context.Context, host string, fn func(ctx context.Context) error) error {
	if host == "" {
		return fn(ctx)
	}

	probe, err := b.allow(host)
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	b.record(host, probe, callErr)
	return callErr
}

// HostState returns the current state for host. Hosts never seen are
// closed.
func (b *Breaker) HostState(host string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs, ok := b.hosts[host]
	if !ok {
		return StateClosed
	}
	b.maybeHalfOpen(host, hs)
	return hs.state
}

// allow decides whether a call may proceed. It returns probe=true when
// the caller holds the single half-open probe slot.
func (b *Breaker) allow(host string) (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hs := b.host(host)
	b.maybeHalfOpen(host, hs)

	switch hs.state {
	case StateClosed:
		return false, nil
	case StateHalfOpen:
		if hs.probing {
			return false, &OpenError{Host: host, RetryAfter: b.cfg.Cooldown}
		}
		hs.probing = true
		return true, nil
	default:
		remaining := b.cfg.Cooldown - b.now().Sub(hs.openedAt)
		if remaining < 0 {
			remaining = 0
		}
		return false, &OpenError{Host: host, RetryAfter: remaining}
	}
}

// record applies a call outcome to the host's state machine.
func (b *Breaker) record(host string, probe bool, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hs := b.host(host)
	now := b.now()

	if probe {
		hs.probing = false
		if callErr == nil {
			hs.failures = nil
			b.transition(host, hs, StateClosed, nil)
		} else {
			hs.openedAt = now
			b.transition(host, hs, StateOpen, callErr)
		}
		return
	}

	if hs.state != StateClosed {
		return
	}
	if callErr == nil {
		hs.failures = nil
		return
	}

	hs.failures = append(hs.failures, now)
	b.pruneFailures(hs, now)
	if len(hs.failures) >= b.cfg.FailureThreshold {
		hs.openedAt = now
		hs.failures = nil
		b.transition(host, hs, StateOpen, callErr)
	}
}

// host returns the state for host, creating it closed if unseen.
// Caller holds b.mu.
func (b *Breaker) host(host string) *hostState {
	hs, ok := b.hosts[host]
	if !ok {
		hs = &hostState{state: StateClosed}
		b.hosts[host] = hs
	}
	return hs
}

// maybeHalfOpen moves an open host to half-open once the cooldown has
// elapsed. Caller holds b.mu.
func (b *Breaker) maybeHalfOpen(host string, hs *hostState) {
	if hs.state == StateOpen && b.now().Sub(hs.openedAt) >= b.cfg.Cooldown {
		b.transition(host, hs, StateHalfOpen, nil)
	}
}

// pruneFailures drops failures older than the rolling window.
// Caller holds b.mu.
func (b *Breaker) pruneFailures(hs *hostState, now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := hs.failures[:0]
	for _, t := range hs.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	hs.failures = kept
}

// transition changes the host state and publishes the change, carrying
// the triggering error when a failure caused it. Only actual
// transitions are announced. Caller holds b.mu.
func (b *Breaker) transition(host string, hs *hostState, to State, cause error) {
	if hs.state == to {
		return
	}
	from := hs.state
	hs.state = to

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	b.logger.Info("circuit breaker state changed",
		"host", host,
		"from", string(from),
		"to", string(to),
		"error", errMsg,
	)
	if b.pub != nil {
		b.pub.Publish(event.BreakerStateChanged{
			Base:  event.Now(),
			Host:  host,
			From:  string(from),
			To:    string(to),
			Error: errMsg,
		})
	}
}
