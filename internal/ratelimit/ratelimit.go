// Package ratelimit provides the per-connection message rate limiter used
// by the signaling WebSocket surface.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time so limiter behavior is testable.
type Clock interface {
	Now() time.Time
}

// RealClock is the Clock used outside tests.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket refills at an integer rate (tokens/sec) up to a fixed
// capacity. Safe for concurrent use.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity float64
	rate     float64 // tokens/sec

	tokens float64
	last   time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:    clock,
		capacity: float64(capacity),
		rate:     float64(rate),
		tokens:   float64(capacity),
		last:     clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int) bool {
	if n <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if now.After(b.last) {
		b.tokens += now.Sub(b.last).Seconds() * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	// If time went backwards, skip the refill but move the reference point
	// so a later refill doesn't double-count the jump.
	b.last = now

	cost := float64(n)
	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}
