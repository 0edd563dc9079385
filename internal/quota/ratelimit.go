package quota

import (
	"sync"
	"time"
)

// bucket holds token-bucket state for one account.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// RateLimiter enforces per-account request rates with token buckets.
// rpm 0 means unlimited.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimiter creates an empty rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*bucket)}
}

func (rl *RateLimiter) refill(b *bucket, rpm int, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * float64(rpm) / 60.0
	if b.tokens > float64(rpm) {
		b.tokens = float64(rpm)
	}
	b.lastRefill = now
}

// Allow reports whether one more request fits the account's budget.
func (rl *RateLimiter) Allow(accountID string, rpm int) bool {
	if rpm <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[accountID]
	if !ok {
		b = &bucket{tokens: float64(rpm), lastRefill: now}
		rl.buckets[accountID] = b
	} else {
		rl.refill(b, rpm, now)
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RetryAfter returns the number of seconds until the next token, at
// least 1.
func (rl *RateLimiter) RetryAfter(accountID string, rpm int) int {
	if rpm <= 0 {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[accountID]
	if !ok {
		return 1
	}
	rl.refill(b, rpm, time.Now())
	if b.tokens >= 1 {
		return 1
	}
	secs := (1 - b.tokens) * 60.0 / float64(rpm)
	if secs < 1 {
		return 1
	}
	return int(secs + 0.5)
}

// Cleanup drops buckets idle for longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	for id, b := range rl.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(rl.buckets, id)
		}
	}
}
