// Package resilience implements the gateway's fault-tolerance fabric
// (spec.md §4.8): a per-dependency circuit breaker, a scoped token
// bucket rate limiter, and a graceful shutdown coordinator. No example
// repo in the pack imports a circuit-breaker library with real source
// present, so the breaker is a hand-rolled state machine; the rate
// limiter reuses golang.org/x/time/rate the way the teacher's load
// scheduler does.
package resilience

import (
	"sync"
	"time"

	"github.com/fauxdb/mongopg-gateway/internal/gatewayerr"
)

// State is one of the three circuit breaker states (spec.md §4.8).
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// BreakerConfig mirrors config.CircuitBreakerConfig's fields, kept
// separate so this package has no import back to internal/config.
type BreakerConfig struct {
	VolumeThreshold  int64
	FailureThreshold int64
	SuccessThreshold int64
	SleepWindow      time.Duration
	Timeout          time.Duration
}

// Breaker guards calls to one logical dependency (spec.md §4.8: "one
// per logical dependency, e.g. database, dispatch").
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu           sync.Mutex
	state        State
	requestCount int64
	failureCount int64
	successCount int64 // half-open probe streak
	openedAt     time.Time
}

// NewBreaker builds a Breaker starting Closed.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{name: name, cfg: cfg, state: StateClosed}
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, primarily for tests/serverStatus.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed, transitioning Open→HalfOpen
// once sleep_window has elapsed. Call RecordSuccess/RecordFailure with
// the outcome of whatever call Allow admitted.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.SleepWindow {
			b.state = StateHalfOpen
			b.successCount = 0
			return nil
		}
		retryMs := (b.cfg.SleepWindow - time.Since(b.openedAt)).Milliseconds()
		return &gatewayerr.Error{Kind: gatewayerr.KindCircuitOpen, Message: b.name + " circuit is open", RetryAfterMs: retryMs}
	default:
		return nil
	}
}

// RecordSuccess reports a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.reset()
		}
	case StateClosed:
		b.requestCount++
	}
}

// RecordFailure reports a failed call outcome, tripping the breaker
// open if thresholds are met (or immediately from HalfOpen).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.trip()
	case StateClosed:
		b.requestCount++
		b.failureCount++
		if b.requestCount >= b.cfg.VolumeThreshold && b.failureCount >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.requestCount, b.failureCount, b.successCount = 0, 0, 0
}

func (b *Breaker) reset() {
	b.state = StateClosed
	b.requestCount, b.failureCount, b.successCount = 0, 0, 0
}

// Call runs fn under the breaker, classifying its error via Allow's
// CircuitOpen short-circuit and recording the outcome either way.
func (b *Breaker) Call(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// Registry owns one Breaker per dependency name.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
}

// NewRegistry builds a breaker registry sharing one config across
// dependencies, matching spec.md §6's single circuit_breaker config block.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), cfg: cfg}
}

// Get returns (creating if absent) the breaker for name.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.cfg)
		r.breakers[name] = b
	}
	return b
}
