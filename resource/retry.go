package resource

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy governs how often and for how long a handler keeps calling
// its factory during an acquisition sequence. The zero value is usable;
// missing fields fall back to the defaults below.
type RetryPolicy struct {
	// MaxAttempts caps the number of factory invocations per sequence.
	// Zero or negative means unbounded.
	MaxAttempts int

	// MinDelay is the wait after the first failed attempt.
	MinDelay time.Duration

	// MaxDelay caps the backoff. Zero means no cap.
	MaxDelay time.Duration

	// BackoffFactor multiplies the delay after every failed attempt.
	BackoffFactor float64

	// Jitter spreads each delay by ±15% so that many handlers recovering
	// from the same outage do not reconnect in lockstep.
	Jitter bool
}

// DefaultRetryPolicy returns the stock policy: 10 attempts, 5s initial
// delay, doubling, uncapped, no jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   10,
		MinDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MinDelay <= 0 {
		p.MinDelay = 5 * time.Second
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = 2.0
	}
	return p
}

// NextDelay returns the backoff delay after the given failed attempt.
// Attempts are counted from 1.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.MinDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - 0.15*delay
	}

	return time.Duration(delay)
}

// Exhausted reports whether the attempt budget is spent after the given
// number of failed attempts.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// RetriesLeft returns the remaining attempt budget after the given number
// of failed attempts, or -1 when the policy is unbounded.
func (p RetryPolicy) RetriesLeft(attempts int) int {
	if p.MaxAttempts <= 0 {
		return -1
	}
	left := p.MaxAttempts - attempts
	if left < 0 {
		left = 0
	}
	return left
}
