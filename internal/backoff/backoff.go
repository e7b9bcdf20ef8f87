// Package backoff provides the retry delay calculation shared by the
// blocking and asynchronous executors.
package backoff

import (
	"math/rand"
	"time"
)

// Pow computes base^exponent for small non-negative integer exponents.
func Pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}

// Exponential returns base * multiplier^attempt, capped at max, with an
// optional uniform jitter fraction in [0, 1]. attempt is zero-based: the
// delay before the first retry uses attempt 0.
func Exponential(attempt int, base, max time.Duration, multiplier, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Clamp to avoid float overflow on absurd attempt counts.
	if attempt > 30 {
		attempt = 30
	}
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := time.Duration(float64(base) * Pow(multiplier, attempt))
	if max > 0 && (delay < 0 || delay > max) {
		delay = max
	}

	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	if jitter > 0 {
		amount := time.Duration(float64(delay) * jitter * rand.Float64())
		if max > 0 && delay+amount > max {
			delay = max
		} else {
			delay += amount
		}
	}
	return delay
}
