// Package retry computes retry delays for the outbox publisher and the
// projector runtime: exponential backoff with full jitter, capped.
package retry

import (
	"math/rand/v2"
	"time"
)

// Policy bounds retry behavior for a worker.
type Policy struct {
	// Base is the first-attempt backoff unit.
	Base time.Duration
	// Cap bounds the exponential growth.
	Cap time.Duration
	// MaxAttempts routes to the dead/poison path once reached.
	MaxAttempts int
}

// DefaultPolicy matches the documented configuration defaults.
func DefaultPolicy() Policy {
	return Policy{Base: 200 * time.Millisecond, Cap: 30 * time.Second, MaxAttempts: 10}
}

// Backoff returns the delay before the given retry attempt (0-based):
// a uniform sample from [0, min(cap, base*2^attempt)].
func (p Policy) Backoff(attempt int) time.Duration {
	return p.backoff(attempt, rand.Int64N)
}

// backoff takes the sampler as a parameter so tests can pin it.
func (p Policy) backoff(attempt int, intn func(int64) int64) time.Duration {
	ceil := p.ceiling(attempt)
	if ceil <= 0 {
		return 0
	}
	return time.Duration(intn(int64(ceil)))
}

// ceiling is min(cap, base*2^attempt) with overflow protection.
func (p Policy) ceiling(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := p.Base << uint(attempt)
	if d <= 0 || d > p.Cap {
		return p.Cap
	}
	return d
}

// Exhausted reports whether the attempt counter has reached the policy's
// maximum.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
