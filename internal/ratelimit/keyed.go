package ratelimit

import (
	"sync"
	"time"
)

// KeyedLimiter keeps one TokenBucket per key (typically a client IP). Buckets
// that have refilled completely and sat unused for IdleTTL are dropped.
type KeyedLimiter struct {
	clock     Clock
	burst     int64
	perSecond int64
	idleTTL   time.Duration

	mu        sync.Mutex
	buckets   map[string]*keyedBucket
	lastPrune time.Time
}

type keyedBucket struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

const defaultIdleTTL = 10 * time.Minute

func NewKeyedLimiter(clock Clock, burst, perSecond int64, idleTTL time.Duration) *KeyedLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	return &KeyedLimiter{
		clock:     clock,
		burst:     burst,
		perSecond: perSecond,
		idleTTL:   idleTTL,
		buckets:   make(map[string]*keyedBucket),
		lastPrune: clock.Now(),
	}
}

// Allow takes one token from key's bucket.
func (l *KeyedLimiter) Allow(key string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	if now.Sub(l.lastPrune) >= l.idleTTL {
		l.pruneLocked(now)
	}
	kb, ok := l.buckets[key]
	if !ok {
		kb = &keyedBucket{bucket: NewTokenBucket(l.clock, l.burst, l.perSecond)}
		l.buckets[key] = kb
	}
	kb.lastSeen = now
	l.mu.Unlock()

	return kb.bucket.Allow(1)
}

// Len reports how many keys are currently tracked.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *KeyedLimiter) pruneLocked(now time.Time) {
	l.lastPrune = now
	for key, kb := range l.buckets {
		if now.Sub(kb.lastSeen) >= l.idleTTL && kb.bucket.Full() {
			delete(l.buckets, key)
		}
	}
}
