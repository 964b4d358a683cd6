package config

import (
	"time"
)

// Config represents the complete gateway configuration
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Routes         []RouteConfig        `yaml:"routes"`
	Auth           *AuthConfig          `yaml:"auth"`
	RateLimiting   RateLimitingConfig   `yaml:"rate_limiting"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	Upstreams      []UpstreamConfig     `yaml:"upstreams"`
	Logging        LoggingConfig        `yaml:"logging"`
	Admin          AdminConfig          `yaml:"admin"`
}

// ServerConfig defines the listener settings
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// Timeout returns the overall per-request deadline.
func (s ServerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

// RouteConfig defines a single route
type RouteConfig struct {
	Path           string                `yaml:"path"`
	Backend        string                `yaml:"backend"`
	Upstream       string                `yaml:"upstream"`
	Methods        []string              `yaml:"methods"`
	StripPrefix    bool                  `yaml:"strip_prefix"`
	Description    string                `yaml:"description"`
	Auth           *RouteAuthConfig      `yaml:"auth"`
	RateLimit      []RateLimitRuleConfig `yaml:"rate_limit"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RouteAuthConfig defines per-route authentication policy
type RouteAuthConfig struct {
	Required bool     `yaml:"required"`
	Methods  []string `yaml:"methods"` // subset of {jwt, api_key}; empty = all configured
}

// AuthConfig defines authentication settings
type AuthConfig struct {
	JWT    *JWTConfig    `yaml:"jwt"`
	APIKey *APIKeyConfig `yaml:"api_key"`
}

// JWTConfig defines JWT validation settings. Exactly one of Secret or
// PublicKey must be set, matching the configured algorithm family.
type JWTConfig struct {
	Secret        string `yaml:"secret"`
	PublicKey     string `yaml:"public_key"`
	Algorithm     string `yaml:"algorithm"`
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
	ClockSkewSecs int    `yaml:"clock_skew_secs"`
}

// APIKeyConfig defines API key validation settings
type APIKeyConfig struct {
	Header string            `yaml:"header"`
	Keys   map[string]string `yaml:"keys"` // key -> description
	Redis  *RedisKeysConfig  `yaml:"redis"`
}

// RedisKeysConfig defines the distributed API key store
type RedisKeysConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// RateLimitingConfig defines global rate limiting settings
type RateLimitingConfig struct {
	Enabled   bool                  `yaml:"enabled"`
	Algorithm string                `yaml:"algorithm"` // token_bucket, fixed_window, sliding_window
	Global    []RateLimitRuleConfig `yaml:"global"`
	Redis     *RedisConfig          `yaml:"redis"`
}

// RedisConfig defines a Redis connection
type RedisConfig struct {
	URL string `yaml:"url"`
}

// RateLimitRuleConfig defines a single rate limit rule
type RateLimitRuleConfig struct {
	Dimension  string `yaml:"dimension"` // ip, user, api_key, route
	Requests   int    `yaml:"requests"`
	WindowSecs int    `yaml:"window_secs"`
	Burst      int    `yaml:"burst"`
}

// Window returns the rule window as a Duration.
func (r RateLimitRuleConfig) Window() time.Duration {
	return time.Duration(r.WindowSecs) * time.Second
}

// BurstSize returns the token bucket capacity (defaults to Requests).
func (r RateLimitRuleConfig) BurstSize() int {
	if r.Burst > 0 {
		return r.Burst
	}
	return r.Requests
}

// CircuitBreakerConfig defines circuit breaker tunables
type CircuitBreakerConfig struct {
	FailureThreshold   int `yaml:"failure_threshold"`
	SuccessThreshold   int `yaml:"success_threshold"`
	TimeoutSecs        int `yaml:"timeout_secs"`
	HalfOpenRequests   int `yaml:"half_open_requests"`
	RequestTimeoutSecs int `yaml:"request_timeout_secs"`
}

// Timeout returns the open-state cooldown duration.
func (c CircuitBreakerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// RequestTimeout returns the per-attempt upstream deadline.
func (c CircuitBreakerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

// WithDefaults fills zero fields with the documented defaults.
func (c CircuitBreakerConfig) WithDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.TimeoutSecs <= 0 {
		c.TimeoutSecs = 60
	}
	if c.HalfOpenRequests <= 0 {
		c.HalfOpenRequests = 3
	}
	if c.RequestTimeoutSecs <= 0 {
		c.RequestTimeoutSecs = 30
	}
	return c
}

// RetryConfig defines retry executor tunables
type RetryConfig struct {
	MaxRetries        int     `yaml:"max_retries"`
	InitialBackoffMs  int     `yaml:"initial_backoff_ms"`
	MaxBackoffMs      int     `yaml:"max_backoff_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// InitialBackoff returns the first backoff interval.
func (r RetryConfig) InitialBackoff() time.Duration {
	return time.Duration(r.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff returns the backoff ceiling.
func (r RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMs) * time.Millisecond
}

// WithDefaults fills zero fields with the documented defaults.
func (r RetryConfig) WithDefaults() RetryConfig {
	if r.InitialBackoffMs <= 0 {
		r.InitialBackoffMs = 100
	}
	if r.MaxBackoffMs <= 0 {
		r.MaxBackoffMs = 10000
	}
	if r.BackoffMultiplier <= 0 {
		r.BackoffMultiplier = 2.0
	}
	return r
}

// UpstreamConfig defines a named backend pool
type UpstreamConfig struct {
	Name        string             `yaml:"name"`
	Strategy    string             `yaml:"strategy"` // round_robin, weighted, least_connections, ip_hash, random
	Backends    []BackendConfig    `yaml:"backends"`
	HealthCheck *HealthCheckConfig `yaml:"health_check"`
}

// BackendConfig defines a backend server in a pool
type BackendConfig struct {
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
}

// HealthCheckConfig defines active health checking for an upstream
type HealthCheckConfig struct {
	Path               string `yaml:"path"`
	IntervalSecs       int    `yaml:"interval_secs"`
	TimeoutSecs        int    `yaml:"timeout_secs"`
	UnhealthyThreshold int    `yaml:"unhealthy_threshold"`
	HealthyThreshold   int    `yaml:"healthy_threshold"`
}

// Interval returns the probe interval.
func (h HealthCheckConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSecs) * time.Second
}

// Timeout returns the probe timeout.
func (h HealthCheckConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSecs) * time.Second
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// AdminConfig defines the optional admin/metrics listener
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. ":9090"
}
