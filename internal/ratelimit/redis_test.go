package ratelimit

import (
	"context"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/therealutkarshpriyadarshi/gateway/internal/config"
)

func TestScriptsKeepLogicServerSide(t *testing.T) {
	// The multi-step logic must stay inside a single script; a regression to
	// client-side round-trips would break atomicity.
	checks := []struct {
		name  string
		body  string
		needs []string
	}{
		{"token_bucket", tokenBucketLua, []string{"HMGET", "HMSET", "EXPIRE"}},
		{"sliding_window", slidingWindowLua, []string{"ZREMRANGEBYSCORE", "ZCARD", "ZADD", "EXPIRE"}},
		{"fixed_window", fixedWindowLua, []string{"INCR", "EXPIRE", "TTL"}},
	}
	for _, c := range checks {
		for _, needle := range c.needs {
			if !strings.Contains(c.body, needle) {
				t.Errorf("%s script missing %s", c.name, needle)
			}
		}
	}

	// Distributed entries expire at twice the window.
	for _, body := range []string{tokenBucketLua, slidingWindowLua} {
		if !strings.Contains(body, "window * 2") {
			t.Error("distributed state must carry a TTL of 2x window")
		}
	}
}

func TestServiceFallsBackToLocalOnStoreFailure(t *testing.T) {
	// Nothing listens on this port; every script call fails immediately.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()

	s := NewService(config.RateLimitingConfig{
		Enabled:   true,
		Algorithm: "sliding_window",
		Global: []config.RateLimitRuleConfig{
			{Dimension: "ip", Requests: 2, WindowSecs: 60},
		},
		Redis: &config.RedisConfig{URL: "redis://127.0.0.1:1"},
	}, client)

	info := RequestInfo{ClientIP: "5.5.5.5"}

	// The local fallback keeps the key bounded: 2 allowed, then denied.
	for i := 0; i < 2; i++ {
		d, applied := s.Check(context.Background(), info, nil)
		if !applied || !d.Allowed {
			t.Fatalf("request %d should be allowed via fallback, got %+v", i+1, d)
		}
	}
	d, _ := s.Check(context.Background(), info, nil)
	if d.Allowed {
		t.Fatal("fallback must still enforce the bound")
	}
}
