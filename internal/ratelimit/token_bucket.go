// Package ratelimit provides deterministic token buckets for per-connection
// message limits and per-client connection limits.
package ratelimit

import (
	"sync"
	"time"
)

const nanoTokensPerToken int64 = int64(time.Second) // 1e9

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec) using a Clock.
//
// Tokens are tracked as fixed-point nano-tokens (1 token = 1e9) so a rate of X
// tokens/sec adds exactly X nano-tokens per elapsed nanosecond.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacityNano int64
	fillRate     int64 // tokens/sec

	availableNano int64
	last          time.Time
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if fillRate < 0 {
		fillRate = 0
	}
	capacityNano := tokensToNano(capacityTokens)
	return &TokenBucket{
		clock:         clock,
		capacityNano:  capacityNano,
		fillRate:      fillRate,
		availableNano: capacityNano,
		last:          clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := tokensToNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.clock.Now())
	if b.availableNano < cost {
		return false
	}
	b.availableNano -= cost
	return true
}

// full reports whether the bucket has refilled to capacity, i.e. it holds no
// state worth keeping.
func (b *TokenBucket) full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.clock.Now())
	return b.availableNano >= b.capacityNano
}

func (b *TokenBucket) refillLocked(now time.Time) {
	if now.Before(b.last) {
		// Clock went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.fillRate <= 0 || b.availableNano >= b.capacityNano {
		if b.availableNano > b.capacityNano {
			b.availableNano = b.capacityNano
		}
		return
	}

	// Clamp before multiplying so elapsed*rate cannot overflow.
	need := b.capacityNano - b.availableNano
	if elapsed >= need/b.fillRate {
		b.availableNano = b.capacityNano
		return
	}
	b.availableNano += elapsed * b.fillRate
	if b.availableNano > b.capacityNano {
		b.availableNano = b.capacityNano
	}
}

func tokensToNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
