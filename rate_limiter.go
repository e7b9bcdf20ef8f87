package spyhunt

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimiter is a token bucket shared across all requests issued through one
// client instance. Tokens refill continuously at the configured rate up to
// the bucket capacity; Acquire blocks the calling goroutine until enough
// tokens are available. Safe for concurrent use; the mutex is held only for
// bookkeeping, never across a wait.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	rps        float64
	lastRefill time.Time
	windowSize time.Duration
	admissions []time.Time
}

// RateLimiterStats is an observability snapshot; none of it is used for
// enforcement.
type RateLimiterStats struct {
	RequestsPerSecond float64
	CurrentRate       float64
	AvailableTokens   float64
	WindowSize        time.Duration
	RequestsInWindow  int
}

// NewRateLimiter creates a limiter admitting requestsPerSecond in steady
// state. windowSize bounds the sliding window used for throughput reporting
// and defaults to one minute.
func NewRateLimiter(requestsPerSecond float64, windowSize time.Duration) (*RateLimiter, error) {
	if requestsPerSecond <= 0 {
		return nil, fmt.Errorf("rate limiter: requestsPerSecond must be positive, got %v", requestsPerSecond)
	}
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	return &RateLimiter{
		tokens:     requestsPerSecond,
		maxTokens:  requestsPerSecond,
		rps:        requestsPerSecond,
		lastRefill: time.Now(),
		windowSize: windowSize,
	}, nil
}

// Acquire blocks until cost tokens are available, then deducts them
// atomically. A cancelled context aborts the wait without deducting
// anything. Woken callers re-enter the refill/check loop because concurrent
// waiters race for the same refilled tokens.
func (rl *RateLimiter) Acquire(ctx context.Context, cost float64) error {
	if cost <= 0 {
		cost = 1
	}
	if cost > rl.maxTokens {
		return fmt.Errorf("rate limiter: cost %v exceeds bucket capacity %v", cost, rl.maxTokens)
	}

	for {
		now := time.Now()
		rl.mu.Lock()
		rl.refillLocked(now)
		if rl.tokens >= cost {
			rl.tokens -= cost
			rl.recordAdmissionLocked(now)
			rl.mu.Unlock()
			return nil
		}
		wait := time.Duration((cost - rl.tokens) / rl.rps * float64(time.Second))
		rl.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// refillLocked tops up the bucket for the wall time elapsed since the last
// refill, clamped at capacity. Callers must hold rl.mu.
func (rl *RateLimiter) refillLocked(now time.Time) {
	elapsed := now.Sub(rl.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	rl.tokens += elapsed * rl.rps
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = now
}

func (rl *RateLimiter) recordAdmissionLocked(now time.Time) {
	rl.admissions = append(rl.admissions, now)
	rl.trimWindowLocked(now)
}

func (rl *RateLimiter) trimWindowLocked(now time.Time) {
	cutoff := now.Add(-rl.windowSize)
	i := 0
	for i < len(rl.admissions) && rl.admissions[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		rl.admissions = append(rl.admissions[:0], rl.admissions[i:]...)
	}
}

// CurrentRate reports admissions per second over the trailing window. It is
// observability only and plays no part in enforcement.
func (rl *RateLimiter) CurrentRate() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.trimWindowLocked(time.Now())
	return float64(len(rl.admissions)) / rl.windowSize.Seconds()
}

// Tokens returns the currently available token count after refill.
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refillLocked(time.Now())
	return rl.tokens
}

// Stats returns a point-in-time snapshot of the limiter.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	rl.refillLocked(now)
	rl.trimWindowLocked(now)
	return RateLimiterStats{
		RequestsPerSecond: rl.rps,
		CurrentRate:       float64(len(rl.admissions)) / rl.windowSize.Seconds(),
		AvailableTokens:   rl.tokens,
		WindowSize:        rl.windowSize,
		RequestsInWindow:  len(rl.admissions),
	}
}
