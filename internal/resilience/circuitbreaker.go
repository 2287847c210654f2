// Package resilience guards calls to optional dependencies, such as the
// prediction history database, so that their failures never reach the
// prediction path.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open).
// Cancelled or expired contexts are returned to the caller without being
// counted as dependency failures.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the cool-down elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through. One failed
	// probe re-opens the breaker; Probes successful probes close it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the tuning knobs of a [Breaker].
type Config struct {
	// Name labels log lines.
	Name string

	// Threshold is the number of consecutive failures that opens the
	// breaker. Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open. Default: 30s.
	Cooldown time.Duration

	// Probes is the number of calls admitted while half-open. Default: 1.
	Probes int

	// IsFailure classifies errors returned by the guarded call. Nil counts
	// every non-context error.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition with the
	// breaker's lock released.
	OnStateChange func(from, to State)

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Breaker implements the circuit breaker pattern. It is safe for
// concurrent use.
type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int // half-open probes admitted
	succeeded int // half-open probes that succeeded
}

// New returns a closed [Breaker]. Zero config fields take their defaults.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn when the breaker admits the call and returns its error. While
// open it returns [ErrOpen] without calling fn.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := b.admit()
	if err != nil {
		return err
	}

	callErr := fn(ctx)

	b.settle(probe, b.failed(ctx, callErr))
	return callErr
}

// State reports the current state. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen]; the transition itself happens on the
// next [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cooled() {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.toLocked(StateClosed)
	b.mu.Unlock()
	b.notify(from, StateClosed)
}

func (b *Breaker) cooled() bool {
	return b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown
}

func (b *Breaker) failed(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return false
	}
	if b.cfg.IsFailure != nil {
		return b.cfg.IsFailure(err)
	}
	return true
}

// admit decides whether a call may proceed and whether it is a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateOpen:
		if !b.cooled() {
			b.mu.Unlock()
			return false, ErrOpen
		}
		b.toLocked(StateHalfOpen)
	case StateHalfOpen:
		if b.inFlight >= b.cfg.Probes {
			b.mu.Unlock()
			return false, ErrOpen
		}
	}
	probe = b.state == StateHalfOpen
	if probe {
		b.inFlight++
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return probe, nil
}

func (b *Breaker) settle(probe, failed bool) {
	b.mu.Lock()
	from := b.state
	switch {
	case probe && b.state != StateHalfOpen:
		// Another probe already decided the outcome.
	case probe && failed:
		b.toLocked(StateOpen)
	case probe:
		b.succeeded++
		if b.succeeded >= b.cfg.Probes {
			b.toLocked(StateClosed)
		}
	case failed:
		b.failures++
		if b.state == StateClosed && b.failures >= b.cfg.Threshold {
			b.toLocked(StateOpen)
		}
	default:
		b.failures = 0
	}
	to, failures := b.state, b.failures
	b.mu.Unlock()

	if from != to {
		attrs := []any{"name", b.cfg.Name, "from", from.String(), "to", to.String()}
		if to == StateOpen {
			slog.Warn("circuit breaker opened", append(attrs, "consecutive_failures", failures)...)
		} else {
			slog.Info("circuit breaker state changed", attrs...)
		}
	}
	b.notify(from, to)
}

// toLocked moves to state s and resets the counters. b.mu must be held.
func (b *Breaker) toLocked(s State) {
	b.state = s
	b.inFlight, b.succeeded = 0, 0
	switch s {
	case StateOpen:
		b.openedAt = b.cfg.Now()
	case StateClosed:
		b.failures = 0
	}
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
