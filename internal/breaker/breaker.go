// Package breaker implements a per-route circuit breaker: a thin,
// standard collaborator the Proxy Engine consults around each downstream
// dispatch, not a specified component in its own right.
package breaker

import (
	"sync"
	"time"
)

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config tunes a single CircuitBreaker.
type Config struct {
	Enabled             bool
	FailureThreshold    int           // consecutive failures to open
	OpenDuration        time.Duration // how long to stay open
	HalfOpenMaxInFlight int           // how many trial requests in half-open
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 10 * time.Second
	}
	if c.HalfOpenMaxInFlight <= 0 {
		c.HalfOpenMaxInFlight = 1
	}
	return c
}

// CircuitBreaker is a per-route-path state machine guarding downstream
// dispatch: closed (normal), open (rejecting), half-open (trial requests).
type CircuitBreaker struct {
	cfg Config

	mu    sync.Mutex
	state State
	fails int

	opensAt      time.Time
	halfInFlight int
}

func New(cfg Config) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), state: Closed}
}

type Stats struct {
	State         State
	Failures      int
	RetryAfterSec int
	HalfInFlight  int
}

func (b *CircuitBreaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	retry := 0
	if b.state == Open {
		if rem := b.cfg.OpenDuration - time.Since(b.opensAt); rem > 0 {
			retry = int((rem + 999*time.Millisecond) / time.Second)
		}
	}
	return Stats{State: b.state, Failures: b.fails, RetryAfterSec: retry, HalfInFlight: b.halfInFlight}
}

// Allow reports whether a request may proceed to dispatch, and if not the
// suggested Retry-After duration.
func (b *CircuitBreaker) Allow() (allowed bool, retryAfter time.Duration) {
	if !b.cfg.Enabled {
		return true, 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked(time.Now())
}

func (b *CircuitBreaker) allowLocked(now time.Time) (bool, time.Duration) {
	switch b.state {
	case Closed:
		return true, 0

	case Open:
		if now.Sub(b.opensAt) >= b.cfg.OpenDuration {
			b.state = HalfOpen
			b.fails = 0
			b.halfInFlight = 0
			return b.allowLocked(now)
		}
		rem := b.cfg.OpenDuration - now.Sub(b.opensAt)
		if rem < 0 {
			rem = 0
		}
		return false, rem

	case HalfOpen:
		if b.halfInFlight >= b.cfg.HalfOpenMaxInFlight {
			return false, time.Second
		}
		b.halfInFlight++
		return true, 0

	default:
		return true, 0
	}
}

// Done records the outcome of a dispatch previously allowed by Allow.
// success is true for any non-5xx downstream status.
func (b *CircuitBreaker) Done(success bool) {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		if success {
			b.fails = 0
			return
		}
		b.fails++
		if b.fails >= b.cfg.FailureThreshold {
			b.state = Open
			b.opensAt = time.Now()
		}

	case HalfOpen:
		if b.halfInFlight > 0 {
			b.halfInFlight--
		}
		if success {
			b.state = Closed
			b.fails = 0
			return
		}
		b.state = Open
		b.opensAt = time.Now()
		b.fails = b.cfg.FailureThreshold

	case Open:
		// nothing to do
	}
}

// Registry lazily creates one CircuitBreaker per route path, all sharing
// the same Config.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg.withDefaults(), breakers: make(map[string]*CircuitBreaker)}
}

// For returns the CircuitBreaker for routePath, creating it on first use.
func (r *Registry) For(routePath string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[routePath]
	if !ok {
		b = New(r.cfg)
		r.breakers[routePath] = b
	}
	return b
}
