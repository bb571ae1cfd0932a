package security

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Rate limiting errors
var (
	ErrRateLimited = errors.New("security: rate limit exceeded")
)

// RateLimiter implements a token bucket rate limiter.
type RateLimiter struct {
	mu           sync.Mutex
	rate         float64 // tokens per second
	burst        int     // maximum burst size
	tokens       float64
	lastRefill   time.Time
	blockedUntil time.Time
}

// NewRateLimiter creates a new rate limiter.
// rate is the sustained rate (operations per second)
// burst is the maximum allowed burst (operations)
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastRefill: time.Now(),
	}
}

// Allow checks if an operation is allowed under the rate limit.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Before(r.blockedUntil) {
		return false
	}

	elapsed := now.Sub(r.lastRefill).Seconds()
	r.tokens += elapsed * r.rate
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}
	r.lastRefill = now

	if r.tokens >= 1.0 {
		r.tokens--
		return true
	}

	return false
}

// Wait blocks until the operation is allowed or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		if r.Allow() {
			return nil
		}

		wait := 100 * time.Millisecond
		if r.rate > 0 {
			wait = time.Duration(float64(time.Second) / r.rate)
		}
		wait = max(wait, time.Millisecond)
		wait = min(wait, 100*time.Millisecond)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrRateLimited
			}
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Block temporarily blocks all operations for the specified duration.
func (r *RateLimiter) Block(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.blockedUntil = time.Now().Add(duration)
}

// Reset resets the rate limiter to full capacity.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tokens = float64(r.burst)
	r.lastRefill = time.Now()
	r.blockedUntil = time.Time{}
}
