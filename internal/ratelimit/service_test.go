package ratelimit

import (
	"context"
	"testing"

	"github.com/therealutkarshpriyadarshi/gateway/internal/config"
)

func TestKeyFor(t *testing.T) {
	info := RequestInfo{
		ClientIP:     "1.2.3.4",
		Principal:    "user-1",
		APIKey:       "k1",
		RoutePattern: "/api/users",
	}

	cases := []struct {
		dim Dimension
		key string
	}{
		{DimensionIP, "gateway:ratelimit:ip:1.2.3.4"},
		{DimensionUser, "gateway:ratelimit:user:user-1"},
		{DimensionAPIKey, "gateway:ratelimit:api_key:k1"},
		{DimensionRoute, "gateway:ratelimit:route:/api/users"},
	}
	for _, tc := range cases {
		key, ok := KeyFor(tc.dim, info)
		if !ok || key != tc.key {
			t.Errorf("%s: expected %q, got %q (ok=%v)", tc.dim, tc.key, key, ok)
		}
	}
}

func TestKeyForSkipsUnresolvedDimensions(t *testing.T) {
	info := RequestInfo{ClientIP: "1.2.3.4"}

	if _, ok := KeyFor(DimensionUser, info); ok {
		t.Error("user dimension must be skipped without a principal")
	}
	if _, ok := KeyFor(DimensionAPIKey, info); ok {
		t.Error("api_key dimension must be skipped without a key")
	}
}

func TestMoreRestrictive(t *testing.T) {
	a := Decision{Allowed: true, Limit: 10, Remaining: 5, ResetAfter: 30}
	b := Decision{Allowed: true, Limit: 100, Remaining: 2, ResetAfter: 10}

	if got := MoreRestrictive(a, b); got.Remaining != 2 {
		t.Errorf("smaller remaining should win, got %+v", got)
	}
	if got := MoreRestrictive(b, a); got.Remaining != 2 {
		t.Errorf("merge must be symmetric, got %+v", got)
	}

	denied := Decision{Allowed: false, Limit: 10, Remaining: 0, RetryAfter: 7}
	if got := MoreRestrictive(a, denied); got.Allowed {
		t.Error("a denial always wins")
	}
}

func TestServiceDisabled(t *testing.T) {
	s := NewService(config.RateLimitingConfig{Enabled: false}, nil)

	d, applied := s.Check(context.Background(), RequestInfo{ClientIP: "1.1.1.1"}, nil)
	if !d.Allowed || applied {
		t.Errorf("disabled service must allow without applying, got %+v applied=%v", d, applied)
	}
}

func TestServiceGlobalRule(t *testing.T) {
	s := NewService(config.RateLimitingConfig{
		Enabled:   true,
		Algorithm: "token_bucket",
		Global: []config.RateLimitRuleConfig{
			{Dimension: "ip", Requests: 2, WindowSecs: 60},
		},
	}, nil)

	info := RequestInfo{ClientIP: "9.9.9.9"}
	for i := 0; i < 2; i++ {
		d, applied := s.Check(context.Background(), info, nil)
		if !applied || !d.Allowed {
			t.Fatalf("request %d should be allowed, got %+v", i+1, d)
		}
	}
	d, _ := s.Check(context.Background(), info, nil)
	if d.Allowed {
		t.Fatal("3rd request should be denied")
	}
	if d.Limit != 2 {
		t.Errorf("expected limit 2, got %d", d.Limit)
	}
}

func TestServiceMultipleRulesMostRestrictive(t *testing.T) {
	s := NewService(config.RateLimitingConfig{
		Enabled:   true,
		Algorithm: "token_bucket",
		Global: []config.RateLimitRuleConfig{
			{Dimension: "ip", Requests: 100, WindowSecs: 60},
			{Dimension: "user", Requests: 2, WindowSecs: 60},
		},
	}, nil)

	info := RequestInfo{ClientIP: "1.1.1.1", Principal: "u1"}
	d, applied := s.Check(context.Background(), info, nil)
	if !applied || !d.Allowed {
		t.Fatalf("expected allowed, got %+v", d)
	}
	// The tighter user rule dictates the reported headers.
	if d.Limit != 2 || d.Remaining != 1 {
		t.Errorf("expected most restrictive rule in headers, got %+v", d)
	}
}

func TestServiceRouteRulesApply(t *testing.T) {
	s := NewService(config.RateLimitingConfig{
		Enabled:   true,
		Algorithm: "token_bucket",
	}, nil)

	routeRules := []config.RateLimitRuleConfig{
		{Dimension: "ip", Requests: 1, WindowSecs: 60},
	}
	info := RequestInfo{ClientIP: "2.2.2.2", RoutePattern: "/r"}

	if d, _ := s.Check(context.Background(), info, routeRules); !d.Allowed {
		t.Fatal("first request should pass")
	}
	if d, _ := s.Check(context.Background(), info, routeRules); d.Allowed {
		t.Fatal("second request should be denied by the route rule")
	}
}

func TestServiceRouteRuleIsolatedFromGlobal(t *testing.T) {
	// Same dimension and tunables in a global and a per-route rule: the two
	// must keep independent buckets.
	rule := config.RateLimitRuleConfig{Dimension: "ip", Requests: 2, WindowSecs: 60}
	s := NewService(config.RateLimitingConfig{
		Enabled:   true,
		Algorithm: "token_bucket",
		Global:    []config.RateLimitRuleConfig{rule},
	}, nil)

	info := RequestInfo{ClientIP: "3.3.3.3", RoutePattern: "/r"}
	d, _ := s.Check(context.Background(), info, []config.RateLimitRuleConfig{rule})
	if !d.Allowed {
		t.Fatal("expected allowed")
	}
	// Both rules consumed one token each from separate buckets.
	if d.Remaining != 1 {
		t.Errorf("expected remaining 1, got %d", d.Remaining)
	}
}

func TestServiceUnresolvedDimensionSkipped(t *testing.T) {
	s := NewService(config.RateLimitingConfig{
		Enabled:   true,
		Algorithm: "token_bucket",
		Global: []config.RateLimitRuleConfig{
			{Dimension: "user", Requests: 1, WindowSecs: 60},
		},
	}, nil)

	// Anonymous request: the user rule does not apply at all.
	info := RequestInfo{ClientIP: "4.4.4.4"}
	for i := 0; i < 5; i++ {
		d, applied := s.Check(context.Background(), info, nil)
		if !d.Allowed || applied {
			t.Fatalf("anonymous requests must not be limited by the user rule: %+v applied=%v", d, applied)
		}
	}
}

func TestDecisionHeaders(t *testing.T) {
	d := Decision{Allowed: true, Limit: 3, Remaining: 1, ResetAfter: 40}
	h := d.Headers()
	if h["X-RateLimit-Limit"] != "3" || h["X-RateLimit-Remaining"] != "1" || h["X-RateLimit-Reset"] != "40" {
		t.Errorf("unexpected headers: %v", h)
	}
	if _, ok := h["Retry-After"]; ok {
		t.Error("allowed decision must not set Retry-After")
	}

	denied := Decision{Allowed: false, Limit: 3, Remaining: 0, ResetAfter: 20, RetryAfter: 20}
	h = denied.Headers()
	if h["Retry-After"] != "20" {
		t.Errorf("expected Retry-After 20, got %v", h)
	}
}
