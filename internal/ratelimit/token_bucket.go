// Package ratelimit provides the token buckets that throttle inbound
// websocket messages and meeting creation.
package ratelimit

import (
	"sync"
	"time"
)

// One token is stored as 1e9 nano-tokens, so a refill rate of R tokens/sec
// adds exactly R nano-tokens per elapsed nanosecond.
const nanoPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket allows bursts up to its capacity and refills at an integer
// number of tokens per second. It is safe for concurrent use.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity  int64 // nano-tokens
	perSecond int64

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, burst, perSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if burst < 0 {
		burst = 0
	}
	if perSecond < 0 {
		perSecond = 0
	}
	capacity := toNano(burst)
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		perSecond: perSecond,
		available: capacity,
		last:      clock.Now(),
	}
}

// Allow takes n tokens if they are available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.clock.Now())
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

// Full reports whether the bucket has refilled to capacity, meaning it
// carries no state worth keeping.
func (b *TokenBucket) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.clock.Now())
	return b.available >= b.capacity
}

func (b *TokenBucket) refillLocked(now time.Time) {
	if !now.After(b.last) {
		// Clock stepped backwards or did not move; rebase without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if b.perSecond == 0 || b.available >= b.capacity {
		b.available = min(b.available, b.capacity)
		return
	}

	// Clamp before multiplying so elapsed*perSecond cannot overflow.
	missing := b.capacity - b.available
	if elapsed >= missing/b.perSecond+1 {
		b.available = b.capacity
		return
	}
	b.available = min(b.available+elapsed*b.perSecond, b.capacity)
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
