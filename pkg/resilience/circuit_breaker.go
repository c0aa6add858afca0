// Package resilience guards calls to the analysis backend.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit open")

// RateLimitError represents a backend rate limit response.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Provider + ": rate limited: " + e.Message
	}
	return e.Provider + ": rate limited"
}

// IsRateLimit returns true when the error is a RateLimitError.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// BreakerState is the position of a CircuitBreaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker stops analysis calls after threshold consecutive rate
// limits. Other failures do not count. Once the cooldown passes a single
// probe is let through: success closes the breaker, another rate limit
// reopens it for a full cooldown, any other failure frees the slot for the
// next caller, and a probe that never reports back frees it after one more
// cooldown.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	failures  int
	openUntil time.Time
	probeAt   time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a call may proceed. In the half-open state the
// first caller takes the probe slot.
func (c *CircuitBreaker) Allow() bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.stateLocked() {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		now := c.now()
		if c.probeAt.IsZero() || now.Sub(c.probeAt) >= c.cooldown {
			c.probeAt = now
			return true
		}
	}
	return false
}

func (c *CircuitBreaker) State() BreakerState {
	if c == nil {
		return BreakerClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Open reports whether calls are currently rejected without a probe.
func (c *CircuitBreaker) Open() bool { return c.State() == BreakerOpen }

func (c *CircuitBreaker) OnSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.probeAt = time.Time{}
	c.mu.Unlock()
}

func (c *CircuitBreaker) OnError(err error) {
	if c == nil || err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !IsRateLimit(err) {
		if c.stateLocked() == BreakerHalfOpen {
			c.probeAt = time.Time{}
		}
		return
	}
	if c.stateLocked() == BreakerHalfOpen {
		c.trip()
		return
	}
	c.failures++
	if c.failures >= c.threshold {
		c.trip()
	}
}

func (c *CircuitBreaker) trip() {
	c.openUntil = c.now().Add(c.cooldown)
	c.failures = 0
	c.probeAt = time.Time{}
}

func (c *CircuitBreaker) stateLocked() BreakerState {
	switch {
	case c.openUntil.IsZero():
		return BreakerClosed
	case c.now().Before(c.openUntil):
		return BreakerOpen
	default:
		return BreakerHalfOpen
	}
}
