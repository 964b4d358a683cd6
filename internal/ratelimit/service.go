package ratelimit

import (
	"context"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/therealutkarshpriyadarshi/gateway/internal/config"
	"github.com/therealutkarshpriyadarshi/gateway/internal/logging"
)

// Service evaluates the global and per-route rate limit rules for each
// request. Distributed evaluation falls back per-key to a local token
// bucket when the store is unreachable.
type Service struct {
	enabled     bool
	algorithm   string
	globalRules []config.RateLimitRuleConfig
	client      redis.UniversalClient

	mu       sync.Mutex
	local    map[ruleScope]*TokenBucket
	dist     map[ruleScope]*RedisLimiter
	fallback map[ruleScope]*TokenBucket
}

// NewService creates the rate limit service. client may be nil for
// local-only operation.
func NewService(cfg config.RateLimitingConfig, client redis.UniversalClient) *Service {
	return &Service{
		enabled:     cfg.Enabled,
		algorithm:   cfg.Algorithm,
		globalRules: cfg.Global,
		client:      client,
		local:       make(map[ruleScope]*TokenBucket),
		dist:        make(map[ruleScope]*RedisLimiter),
		fallback:    make(map[ruleScope]*TokenBucket),
	}
}

// Enabled reports whether rate limiting is active.
func (s *Service) Enabled() bool {
	return s.enabled
}

// Check evaluates every applicable rule in declaration order (global rules
// first, then the route's own). The request is allowed iff all rules allow;
// the returned decision reflects the most restrictive rule for headers.
// applied is false when no rule matched this request.
func (s *Service) Check(ctx context.Context, info RequestInfo, routeRules []config.RateLimitRuleConfig) (Decision, bool) {
	if !s.enabled {
		return Decision{Allowed: true}, false
	}

	applied := false
	var combined Decision

	evaluate := func(rule config.RateLimitRuleConfig, scope string) {
		key, ok := KeyFor(Dimension(rule.Dimension), info)
		if !ok {
			return
		}

		d := s.checkRule(ctx, rule, scope, key)
		if !applied {
			combined = d
			applied = true
		} else {
			combined = MoreRestrictive(combined, d)
		}
	}

	for _, rule := range s.globalRules {
		evaluate(rule, "")
	}
	for _, rule := range routeRules {
		evaluate(rule, info.RoutePattern)
	}

	if !applied {
		return Decision{Allowed: true}, false
	}
	return combined, true
}

// checkRule evaluates one rule, preferring the distributed store.
func (s *Service) checkRule(ctx context.Context, rule config.RateLimitRuleConfig, scope, key string) Decision {
	if s.client == nil {
		return s.localLimiter(rule, scope).Allow(key)
	}

	d, err := s.distLimiter(rule, scope).Allow(ctx, key)
	if err != nil {
		// Best-effort bound: the local bucket keeps the key limited while
		// the store is down. Requests are never waved through unchecked.
		logging.Warn("distributed rate limit unavailable, falling back to local",
			zap.String("key", key),
			zap.Error(err),
		)
		return s.fallbackLimiter(rule, scope).Allow(key)
	}
	return d
}

func (s *Service) localLimiter(rule config.RateLimitRuleConfig, scope string) *TokenBucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	sk := ruleScope{rule: rule, scope: scope}
	tb, ok := s.local[sk]
	if !ok {
		tb = NewTokenBucket(rule.Requests, rule.Window(), rule.Burst)
		s.local[sk] = tb
	}
	return tb
}

func (s *Service) distLimiter(rule config.RateLimitRuleConfig, scope string) *RedisLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	sk := ruleScope{rule: rule, scope: scope}
	rl, ok := s.dist[sk]
	if !ok {
		rl = NewRedisLimiter(s.client, s.algorithm, rule)
		s.dist[sk] = rl
	}
	return rl
}

func (s *Service) fallbackLimiter(rule config.RateLimitRuleConfig, scope string) *TokenBucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	sk := ruleScope{rule: rule, scope: scope}
	tb, ok := s.fallback[sk]
	if !ok {
		tb = NewTokenBucket(rule.Requests, rule.Window(), rule.Burst)
		s.fallback[sk] = tb
	}
	return tb
}

// SetHeaders writes the rate limit headers for a decision onto a response.
func SetHeaders(h http.Header, d Decision) {
	for name, value := range d.Headers() {
		h.Set(name, value)
	}
}
