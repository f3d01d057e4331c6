// Package ratelimit provides the deterministic token bucket used to bound
// per-connection signaling message rates.
package ratelimit

import (
	"sync"
	"time"
)

// One token is 1e9 nano-tokens, so a rate of X tokens/sec refills exactly X
// nano-tokens per elapsed nanosecond. Fixed point avoids float rounding drift.
const nanosPerToken int64 = int64(time.Second)

// TokenBucket refills at an integer rate (tokens/sec) using the provided
// Clock.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacity, tokensPerSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if tokensPerSecond < 0 {
		tokensPerSecond = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      tokensPerSecond,
		available: capacity * nanosPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	cost := n * nanosPerToken
	if n > b.capacity || b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if elapsed <= 0 || b.rate <= 0 || b.capacity <= 0 {
		return
	}

	max := b.capacity * nanosPerToken
	need := max - b.available
	if need <= 0 {
		b.available = max
		return
	}

	// rate tokens/sec equals rate nano-tokens per nanosecond. Clamp before
	// multiplying so elapsed*rate cannot overflow.
	if elapsed >= need/b.rate {
		b.available = max
		return
	}
	b.available += elapsed * b.rate
}
