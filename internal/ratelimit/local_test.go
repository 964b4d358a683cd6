package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestTokenBucketAllowsUpToBurst(t *testing.T) {
	tb := NewTokenBucket(3, time.Minute, 3)

	for i := 0; i < 3; i++ {
		d := tb.Allow("ip:1.2.3.4")
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if d.Remaining != 2-i {
			t.Errorf("request %d: expected remaining %d, got %d", i+1, 2-i, d.Remaining)
		}
	}

	d := tb.Allow("ip:1.2.3.4")
	if d.Allowed {
		t.Fatal("4th request within the window should be denied")
	}
	if d.Remaining != 0 {
		t.Errorf("denied decision should report remaining 0, got %d", d.Remaining)
	}
	// rate = 3/60 = 0.05 tokens/sec; one token needs 20s.
	if d.RetryAfter < 20 || d.RetryAfter > 21 {
		t.Errorf("expected retry_after ~20s, got %d", d.RetryAfter)
	}
}

func TestTokenBucketBurstDefaultsToRequests(t *testing.T) {
	tb := NewTokenBucket(5, time.Minute, 0)
	if tb.capacity != 5 {
		t.Errorf("expected capacity 5, got %d", tb.capacity)
	}
}

func TestTokenBucketRefill(t *testing.T) {
	// 10 requests/sec: one token every 100ms.
	tb := NewTokenBucket(10, time.Second, 1)

	if d := tb.Allow("k"); !d.Allowed {
		t.Fatal("first request should be allowed")
	}
	if d := tb.Allow("k"); d.Allowed {
		t.Fatal("bucket of capacity 1 should be empty")
	}

	time.Sleep(150 * time.Millisecond)
	if d := tb.Allow("k"); !d.Allowed {
		t.Fatal("bucket should have refilled after 150ms")
	}
}

func TestTokenBucketKeysIndependent(t *testing.T) {
	tb := NewTokenBucket(1, time.Minute, 1)

	if d := tb.Allow("a"); !d.Allowed {
		t.Fatal("key a should be allowed")
	}
	if d := tb.Allow("b"); !d.Allowed {
		t.Fatal("key b must not be affected by key a")
	}
	if d := tb.Allow("a"); d.Allowed {
		t.Fatal("key a should now be exhausted")
	}
}

func TestTokenBucketConcurrentSameKey(t *testing.T) {
	const capacity = 50
	tb := NewTokenBucket(capacity, time.Hour, capacity)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d := tb.Allow("shared"); d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Window is an hour, so refill during the test is negligible.
	if allowed != capacity {
		t.Errorf("expected exactly %d allowed, got %d", capacity, allowed)
	}
}

func TestTokenBucketRemainingMonotonic(t *testing.T) {
	tb := NewTokenBucket(10, time.Hour, 10)

	prev := tb.Allow("k").Remaining
	for i := 0; i < 5; i++ {
		d := tb.Allow("k")
		if d.Remaining > prev-1 {
			t.Fatalf("remaining must decrease: prev %d, got %d", prev, d.Remaining)
		}
		prev = d.Remaining
	}
}

func TestTokenBucketManyKeysBounded(t *testing.T) {
	tb := NewTokenBucket(1, time.Minute, 1)
	for i := 0; i < 2000; i++ {
		tb.Allow(fmt.Sprintf("key-%d", i))
	}
	if tb.Len() > maxLocalKeys {
		t.Errorf("key store exceeded bound: %d", tb.Len())
	}
}
