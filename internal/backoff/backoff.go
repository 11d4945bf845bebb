// Package backoff computes retry delays for failed job attempts.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry.
type Strategy interface {
	// Delay returns how long to wait after failed attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// Exponential doubles the delay after every failed attempt:
// Delay(n) = min(Base * 2^(n-1), Max).
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// NewExponential creates an exponential strategy capped at maxDelay.
// A zero maxDelay disables the cap.
func NewExponential(base, maxDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Max: maxDelay}
}

// Delay returns Base * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Base) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Jittered spreads another strategy's delay uniformly over
// [(1-Fraction)*d, d], so retries of jobs that failed together do not
// hit the upstream provider in lockstep.
type Jittered struct {
	Strategy Strategy
	Fraction float64
}

// Delay returns the jittered delay of the wrapped strategy.
func (j *Jittered) Delay(attempt int) time.Duration {
	d := j.Strategy.Delay(attempt)
	f := min(max(j.Fraction, 0), 1)
	if f == 0 || d <= 0 {
		return d
	}
	spread := float64(d) * f
	return time.Duration(float64(d) - spread*rand.Float64()) //nolint:gosec // jitter does not need crypto rand
}

// New returns the exponential strategy, wrapped with jitter when
// jitterFraction is positive.
func New(base, maxDelay time.Duration, jitterFraction float64) Strategy {
	exp := NewExponential(base, maxDelay)
	if jitterFraction <= 0 {
		return exp
	}
	return &Jittered{Strategy: exp, Fraction: jitterFraction}
}
