package ratelimit

import (
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxLocalKeys bounds the per-limiter key store. Cold keys are evicted LRU;
// an evicted key restarts with a full bucket, which only ever errs towards
// allowing, never towards unbounded denial.
const maxLocalKeys = 100_000

// TokenBucket is the local rate limiter: one lazily-refilled bucket per key.
type TokenBucket struct {
	requests int
	capacity int
	rate     float64 // tokens per second
	window   time.Duration
	buckets  *lru.Cache[string, *bucket]
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket creates a local token bucket limiter. Capacity defaults to
// requests when burst is zero.
func NewTokenBucket(requests int, window time.Duration, burst int) *TokenBucket {
	if burst <= 0 {
		burst = requests
	}
	cache, _ := lru.New[string, *bucket](maxLocalKeys)
	return &TokenBucket{
		requests: requests,
		capacity: burst,
		rate:     float64(requests) / window.Seconds(),
		window:   window,
		buckets:  cache,
	}
}

// Allow consumes one token for key if available.
func (tb *TokenBucket) Allow(key string) Decision {
	now := time.Now()

	b := tb.bucketFor(key, now)
	b.mu.Lock()
	defer b.mu.Unlock()

	// Lazy refill based on elapsed time; time.Time subtraction uses the
	// monotonic clock reading, so wall-clock jumps cannot drain or
	// overfill the bucket.
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * tb.rate
		if b.tokens > float64(tb.capacity) {
			b.tokens = float64(tb.capacity)
		}
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return Decision{
			Allowed:    true,
			Limit:      tb.requests,
			Remaining:  int(b.tokens),
			ResetAfter: tb.secondsUntilFull(b.tokens),
		}
	}

	retry := int(math.Ceil((1 - b.tokens) / tb.rate))
	if retry < 1 {
		retry = 1
	}
	return Decision{
		Allowed:    false,
		Limit:      tb.requests,
		Remaining:  0,
		ResetAfter: retry,
		RetryAfter: retry,
	}
}

func (tb *TokenBucket) bucketFor(key string, now time.Time) *bucket {
	if b, ok := tb.buckets.Get(key); ok {
		return b
	}
	fresh := &bucket{tokens: float64(tb.capacity), lastRefill: now}
	if prev, ok, _ := tb.buckets.PeekOrAdd(key, fresh); ok {
		return prev
	}
	return fresh
}

func (tb *TokenBucket) secondsUntilFull(tokens float64) int {
	missing := float64(tb.capacity) - tokens
	if missing <= 0 {
		return 0
	}
	return int(math.Ceil(missing / tb.rate))
}

// Len returns the number of tracked keys (test hook).
func (tb *TokenBucket) Len() int {
	return tb.buckets.Len()
}
