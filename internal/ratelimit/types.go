package ratelimit

import (
	"strconv"

	"github.com/therealutkarshpriyadarshi/gateway/internal/config"
)

// Dimension is the axis a rate limit rule is keyed on.
type Dimension string

const (
	DimensionIP     Dimension = "ip"
	DimensionUser   Dimension = "user"
	DimensionAPIKey Dimension = "api_key"
	DimensionRoute  Dimension = "route"
)

const keyPrefix = "gateway:ratelimit:"

// RequestInfo carries the request attributes the key derivation needs.
type RequestInfo struct {
	ClientIP     string
	Principal    string // empty when unauthenticated
	APIKey       string // raw key when api_key auth succeeded
	RoutePattern string // canonical pattern of the matched route
}

// KeyFor derives the rate limit key for a dimension. Returns false when the
// dimension does not apply to this request (e.g. user without a principal),
// in which case the rule is skipped.
func KeyFor(dim Dimension, info RequestInfo) (string, bool) {
	var value string
	switch dim {
	case DimensionIP:
		value = info.ClientIP
	case DimensionUser:
		value = info.Principal
	case DimensionAPIKey:
		value = info.APIKey
	case DimensionRoute:
		value = info.RoutePattern
	}
	if value == "" {
		return "", false
	}
	return keyPrefix + string(dim) + ":" + value, true
}

// Decision is the outcome of evaluating one or more rules for a request.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter int // seconds until window reset / bucket full
	RetryAfter int // seconds; meaningful when denied
}

// MoreRestrictive merges two decisions for header reporting: the smaller
// remaining wins, ties broken by the larger retry-after.
func MoreRestrictive(a, b Decision) Decision {
	if !b.Allowed && a.Allowed {
		return b
	}
	if !a.Allowed && b.Allowed {
		return a
	}
	if b.Remaining < a.Remaining {
		return b
	}
	if b.Remaining == a.Remaining && b.RetryAfter > a.RetryAfter {
		return b
	}
	return a
}

// Headers returns the standard header values for this decision.
func (d Decision) Headers() map[string]string {
	h := map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(d.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(d.Remaining),
		"X-RateLimit-Reset":     strconv.Itoa(d.ResetAfter),
	}
	if !d.Allowed {
		retry := d.RetryAfter
		if retry < 1 {
			retry = 1
		}
		h["Retry-After"] = strconv.Itoa(retry)
	}
	return h
}

// ruleScope identifies a limiter instance: the rule plus whether it is a
// per-route rule (per-route instances must not share buckets with global
// ones carrying the same dimension).
type ruleScope struct {
	rule  config.RateLimitRuleConfig
	scope string // "" for global, route pattern for per-route
}
