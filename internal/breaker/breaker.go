// Package breaker implements a circuit breaker guarding calls to
// external dependencies such as the embedding service and the vector
// index.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State of a breaker
type State string

const (
	StateClosed   State = "closed"    // normal operation
	StateOpen     State = "open"      // failing, reject requests
	StateHalfOpen State = "half_open" // testing if recovered
)

// ErrOpen is returned when a call is rejected by an open circuit
var ErrOpen = errors.New("circuit breaker is open")

// Options tunes a breaker
type Options struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit (default 5)
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a call
	// is let through to probe (default 60s)
	RecoveryTimeout time.Duration

	// IsFailure reports whether an error counts against the breaker.
	// Errors it rejects propagate to the caller without touching
	// breaker state. nil counts every error.
	IsFailure func(error) bool

	// Fallback, if set, runs instead of returning ErrOpen while the
	// circuit is open
	Fallback func(ctx context.Context) error

	// OnFailure, if set, is called each time a failure is recorded
	// (error counters, alerting)
	OnFailure func()

	// Now is the clock, injectable for tests
	Now func() time.Time
}

// Breaker wraps fallible calls and short-circuits them after repeated
// failures
type Breaker struct {
	name      string
	threshold int
	recovery  time.Duration
	isFailure func(error) bool
	fallback  func(ctx context.Context) error
	onFail    func()
	now       func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
}

// New creates a breaker in the closed state
func New(name string, opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{
		name:      name,
		threshold: opts.FailureThreshold,
		recovery:  opts.RecoveryTimeout,
		isFailure: opts.IsFailure,
		fallback:  opts.Fallback,
		onFail:    opts.OnFailure,
		now:       opts.Now,
		state:     StateClosed,
	}
}

// Execute runs fn under the breaker. While the circuit is open, fn is
// not called: the fallback runs if configured, otherwise ErrOpen is
// returned. fn's error is returned as-is.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.allow() {
		if b.fallback != nil {
			slog.Debug("circuit breaker using fallback", "name", b.name)
			return b.fallback(ctx)
		}
		return fmt.Errorf("circuit breaker %q: %w", b.name, ErrOpen)
	}

	err := fn(ctx)
	b.record(err)
	return err
}

// Do runs a value-returning call through the breaker
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// allow reports whether a call may proceed, moving an open circuit to
// half-open once the recovery timeout has elapsed
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return true
	}
	if b.now().Sub(b.lastFailure) >= b.recovery {
		slog.Info("circuit breaker half-open", "name", b.name)
		b.state = StateHalfOpen
		return true
	}
	return false
}

func (b *Breaker) record(err error) {
	if err == nil {
		b.onSuccess()
		return
	}
	if b.isFailure != nil && !b.isFailure(err) {
		return
	}
	b.onFailure()
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		slog.Info("circuit breaker closed", "name", b.name)
		b.state = StateClosed
	}
	b.failures = 0
	b.lastFailure = time.Time{}
}

func (b *Breaker) onFailure() {
	if b.onFail != nil {
		b.onFail()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	if b.failures >= b.threshold && b.state != StateOpen {
		slog.Warn("circuit breaker opened", "name", b.name, "failures", b.failures)
		b.state = StateOpen
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the circuit and clears the failure count
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.lastFailure = time.Time{}
}

// Snapshot is a point-in-time view of a breaker for stats reporting
type Snapshot struct {
	Name             string     `json:"name"`
	State            State      `json:"state"`
	FailureCount     int        `json:"failure_count"`
	FailureThreshold int        `json:"failure_threshold"`
	LastFailureTime  *time.Time `json:"last_failure_time,omitempty"`
}

// Snapshot returns the breaker's current state for reporting
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Name:             b.name,
		State:            b.state,
		FailureCount:     b.failures,
		FailureThreshold: b.threshold,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		snap.LastFailureTime = &t
	}
	return snap
}

// Registry tracks named breakers so their states can be reported together
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// GetOrCreate returns the breaker registered under name, creating it
// with opts on first use
func (r *Registry) GetOrCreate(name string, opts Options) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, opts)
	r.breakers[name] = b
	return b
}

// Snapshots returns the state of every registered breaker
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Snapshot, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot()
	}
	return out
}

// ResetAll closes every registered breaker
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.breakers {
		b.Reset()
	}
}
