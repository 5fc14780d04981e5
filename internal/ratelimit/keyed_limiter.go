package ratelimit

import (
	"container/list"
	"sync"
	"time"
)

const defaultMaxKeys = 10_000

// KeyedConfig configures a KeyedLimiter.
type KeyedConfig struct {
	// Limit is the number of events each key may spend per Period. <= 0
	// disables limiting entirely.
	Limit  int
	Period time.Duration

	// MaxKeys bounds the number of tracked keys. The least recently used key
	// is evicted once the bound is reached. <= 0 selects a default.
	MaxKeys int

	// OnEvicted is invoked once per evicted key, outside the limiter's mutex.
	OnEvicted func()
}

// KeyedLimiter keeps one token bucket per key (typically a client IP) in a
// bounded LRU.
type KeyedLimiter struct {
	clock  Clock
	limit  int64
	period time.Duration

	maxKeys   int
	onEvicted func()

	mu      sync.Mutex
	buckets map[string]*keyedEntry
	lru     *list.List
}

type keyedEntry struct {
	bucket *TokenBucket
	elem   *list.Element
}

func NewKeyedLimiter(clock Clock, cfg KeyedConfig) *KeyedLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	return &KeyedLimiter{
		clock:     clock,
		limit:     int64(cfg.Limit),
		period:    cfg.Period,
		maxKeys:   maxKeys,
		onEvicted: cfg.OnEvicted,
		buckets:   make(map[string]*keyedEntry),
		lru:       list.New(),
	}
}

// Enabled is false when the limiter was configured with a non-positive limit.
func (l *KeyedLimiter) Enabled() bool {
	return l != nil && l.limit > 0
}

// Allow consumes one event for key. The token is spent under the limiter's
// mutex so a concurrent Prune cannot swap in a fresh bucket mid-request.
func (l *KeyedLimiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	l.mu.Lock()
	bucket, evicted := l.bucketLocked(key)
	ok := bucket.Allow(1)
	l.mu.Unlock()

	if evicted && l.onEvicted != nil {
		l.onEvicted()
	}
	return ok
}

// Len returns the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// bucketLocked returns the bucket for key, creating it and evicting the least
// recently used key when full. evicted reports whether a key was dropped.
func (l *KeyedLimiter) bucketLocked(key string) (bucket *TokenBucket, evicted bool) {
	if entry, ok := l.buckets[key]; ok {
		l.lru.MoveToFront(entry.elem)
		return entry.bucket, false
	}

	if len(l.buckets) >= l.maxKeys {
		// Oldest entry is at the back.
		if elem := l.lru.Back(); elem != nil {
			l.lru.Remove(elem)
			delete(l.buckets, elem.Value.(string))
			evicted = true
		}
	}

	bucket = NewTokenBucket(l.clock, l.limit, l.limit, l.period)
	l.buckets[key] = &keyedEntry{bucket: bucket, elem: l.lru.PushFront(key)}
	return bucket, evicted
}

// Prune drops keys whose buckets have fully refilled; forgetting them is
// indistinguishable from keeping them. It returns the number removed.
func (l *KeyedLimiter) Prune() int {
	if !l.Enabled() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, entry := range l.buckets {
		if entry.bucket.Full() {
			l.lru.Remove(entry.elem)
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}
