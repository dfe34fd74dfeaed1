// Package backoff provides pluggable retry delay strategies for job execution.
// All strategies are safe for concurrent use (they are stateless).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// ExponentialJitter (proportional jitter)
// ──────────────────────────────────────────────────

// ExponentialJitter doubles the delay each attempt and perturbs it by a
// symmetric random factor, so simultaneous retries of many jobs spread
// out instead of landing on the same tick.
//
// Delay = Base * 2^(attempt-1) * (1 ± Jitter), capped at Max if set and
// never below one second.
type ExponentialJitter struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// NewExponentialJitter creates an exponential strategy with ±20% jitter.
func NewExponentialJitter(base time.Duration) *ExponentialJitter {
	return &ExponentialJitter{Base: base, Jitter: 0.2}
}

// Delay returns the jittered exponential delay for the attempt.
func (e *ExponentialJitter) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	raw := float64(e.Base) * math.Pow(2, float64(attempt-1))

	factor := 1 + (rand.Float64()*2-1)*e.Jitter //nolint:gosec // jitter intentionally uses non-crypto rand
	d := time.Duration(raw * factor)

	if e.Max > 0 && d > e.Max {
		d = e.Max
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the default backoff used by the engine:
// exponential from a 60s base with ±20% jitter (60s, 120s, 240s, ...).
func DefaultStrategy() Strategy {
	return NewExponentialJitter(60 * time.Second)
}
