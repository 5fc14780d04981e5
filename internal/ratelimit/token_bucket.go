package ratelimit

import (
	"sync"
	"time"
)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket is a deterministic token bucket that refills refillTokens every
// period using a provided Clock.
//
// The implementation uses fixed-point units to avoid float rounding: one
// token is represented as period.Nanoseconds() units, so a refill of X tokens
// per period adds X units per nanosecond elapsed. With period = 1s this is the
// familiar "nano-token" representation.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	unitsPerToken  int64
	capacityTokens int64
	refillTokens   int64 // tokens per period

	availableUnits int64
	last           time.Time
}

// NewTokenBucket returns a full bucket holding capacityTokens that refills
// refillTokens per period. A period <= 0 means one second.
func NewTokenBucket(clock Clock, capacityTokens, refillTokens int64, period time.Duration) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if period <= 0 {
		period = time.Second
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if refillTokens < 0 {
		refillTokens = 0
	}

	b := &TokenBucket{
		clock:          clock,
		unitsPerToken:  period.Nanoseconds(),
		capacityTokens: capacityTokens,
		refillTokens:   refillTokens,
		last:           clock.Now(),
	}
	b.availableUnits = b.tokensToUnits(capacityTokens)
	return b
}

// Allow consumes the provided number of tokens if available.
//
// tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}

	cost := b.tokensToUnits(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.availableUnits < cost {
		return false
	}

	b.availableUnits -= cost
	return true
}

// Full reports whether the bucket has refilled to capacity. Keyed limiters use
// it to tell idle buckets apart from ones still carrying debt.
func (b *TokenBucket) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.availableUnits >= b.tokensToUnits(b.capacityTokens)
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards. Avoid refilling and move the reference point.
		b.last = now
		return
	}

	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.refillTokens <= 0 || b.capacityTokens <= 0 {
		return
	}

	capacityUnits := b.tokensToUnits(b.capacityTokens)
	if b.availableUnits >= capacityUnits {
		b.availableUnits = capacityUnits
		return
	}

	need := capacityUnits - b.availableUnits
	elapsedNanos := elapsed.Nanoseconds()

	// Avoid overflow in elapsedNanos*rate: if we have enough time to fill the
	// bucket, just clamp to capacity.
	rate := b.refillTokens
	maxElapsedToFill := need / rate
	if maxElapsedToFill <= 0 || elapsedNanos >= maxElapsedToFill {
		b.availableUnits = capacityUnits
		return
	}

	b.availableUnits += elapsedNanos * rate
	if b.availableUnits > capacityUnits {
		b.availableUnits = capacityUnits
	}
}

func (b *TokenBucket) tokensToUnits(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/b.unitsPerToken {
		return maxInt64
	}
	return tokens * b.unitsPerToken
}
