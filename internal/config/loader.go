package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

// validAuthMethods are the authentication methods routes may request.
var validAuthMethods = map[string]bool{
	"jwt": true, "api_key": true,
}

// validDimensions are the rate limit key dimensions.
var validDimensions = map[string]bool{
	"ip": true, "user": true, "api_key": true, "route": true,
}

// validAlgorithms are the rate limit algorithms.
var validAlgorithms = map[string]bool{
	"token_bucket": true, "fixed_window": true, "sliding_window": true,
}

// validStrategies are the load balancing strategies.
var validStrategies = map[string]bool{
	"round_robin": true, "weighted": true, "least_connections": true,
	"ip_hash": true, "random": true,
}

// validJWTAlgorithms are the supported JWT signing algorithms.
var validJWTAlgorithms = map[string]bool{
	"HS256": true, "HS384": true, "HS512": true,
	"RS256": true, "RS384": true, "RS512": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes. Unknown keys are rejected.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	var cfg Config
	if err := yaml.UnmarshalWithOptions([]byte(expanded), &cfg, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandEnvVars substitutes ${VAR} references with environment values.
func (l *Loader) expandEnvVars(s string) string {
	return l.envPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.TimeoutSecs == 0 {
		cfg.Server.TimeoutSecs = 30
	}
	if cfg.RateLimiting.Algorithm == "" {
		cfg.RateLimiting.Algorithm = "token_bucket"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	cfg.CircuitBreaker = cfg.CircuitBreaker.WithDefaults()
	cfg.Retry = cfg.Retry.WithDefaults()

	if cfg.Auth != nil && cfg.Auth.APIKey != nil {
		if cfg.Auth.APIKey.Header == "" {
			cfg.Auth.APIKey.Header = "X-API-Key"
		}
		if cfg.Auth.APIKey.Redis != nil && cfg.Auth.APIKey.Redis.Prefix == "" {
			cfg.Auth.APIKey.Redis.Prefix = "gateway:apikey:"
		}
	}
	if cfg.Auth != nil && cfg.Auth.JWT != nil && cfg.Auth.JWT.Algorithm == "" {
		cfg.Auth.JWT.Algorithm = "HS256"
	}

	for i := range cfg.Upstreams {
		up := &cfg.Upstreams[i]
		for j := range up.Backends {
			if up.Backends[j].Weight == 0 {
				up.Backends[j].Weight = 1
			}
		}
		if up.Strategy == "" {
			up.Strategy = "round_robin"
		}
		if hc := up.HealthCheck; hc != nil {
			if hc.Path == "" {
				hc.Path = "/health"
			}
			if hc.IntervalSecs == 0 {
				hc.IntervalSecs = 10
			}
			if hc.TimeoutSecs == 0 {
				hc.TimeoutSecs = 5
			}
			if hc.HealthyThreshold == 0 {
				hc.HealthyThreshold = 2
			}
			if hc.UnhealthyThreshold == 0 {
				hc.UnhealthyThreshold = 3
			}
		}
	}
}

// Validate checks the configuration for semantic errors.
func Validate(cfg *Config) error {
	upstreamNames := make(map[string]bool, len(cfg.Upstreams))
	for i, up := range cfg.Upstreams {
		if up.Name == "" {
			return fmt.Errorf("upstream %d: name is required", i)
		}
		if upstreamNames[up.Name] {
			return fmt.Errorf("upstream %q: duplicate name", up.Name)
		}
		upstreamNames[up.Name] = true

		if !validStrategies[up.Strategy] {
			return fmt.Errorf("upstream %q: unknown strategy %q", up.Name, up.Strategy)
		}
		if len(up.Backends) == 0 {
			return fmt.Errorf("upstream %q: at least one backend is required", up.Name)
		}
		for _, b := range up.Backends {
			if err := validateBackendURL(b.URL); err != nil {
				return fmt.Errorf("upstream %q: %w", up.Name, err)
			}
			if b.Weight < 1 {
				return fmt.Errorf("upstream %q: backend %s: weight must be >= 1", up.Name, b.URL)
			}
		}
	}

	if len(cfg.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}

	for i, route := range cfg.Routes {
		if route.Path == "" {
			return fmt.Errorf("route %d: path is required", i)
		}
		if !strings.HasPrefix(route.Path, "/") {
			return fmt.Errorf("route %q: path must start with /", route.Path)
		}

		switch {
		case route.Backend != "" && route.Upstream != "":
			return fmt.Errorf("route %q: backend and upstream are mutually exclusive", route.Path)
		case route.Backend != "":
			if err := validateBackendURL(route.Backend); err != nil {
				return fmt.Errorf("route %q: %w", route.Path, err)
			}
		case route.Upstream != "":
			if !upstreamNames[route.Upstream] {
				return fmt.Errorf("route %q: unknown upstream %q", route.Path, route.Upstream)
			}
		default:
			return fmt.Errorf("route %q: backend or upstream is required", route.Path)
		}

		for _, m := range route.Methods {
			if !validHTTPMethods[strings.ToUpper(m)] {
				return fmt.Errorf("route %q: invalid HTTP method %q", route.Path, m)
			}
		}

		if route.Auth != nil {
			for _, m := range route.Auth.Methods {
				if !validAuthMethods[m] {
					return fmt.Errorf("route %q: invalid auth method %q", route.Path, m)
				}
			}
		}

		for _, rule := range route.RateLimit {
			if err := validateRule(rule); err != nil {
				return fmt.Errorf("route %q: %w", route.Path, err)
			}
		}
	}

	if !validAlgorithms[cfg.RateLimiting.Algorithm] {
		return fmt.Errorf("rate_limiting: unknown algorithm %q", cfg.RateLimiting.Algorithm)
	}
	for _, rule := range cfg.RateLimiting.Global {
		if err := validateRule(rule); err != nil {
			return fmt.Errorf("rate_limiting: %w", err)
		}
	}

	if cfg.Auth != nil && cfg.Auth.JWT != nil {
		jwt := cfg.Auth.JWT
		if !validJWTAlgorithms[jwt.Algorithm] {
			return fmt.Errorf("auth.jwt: unknown algorithm %q", jwt.Algorithm)
		}
		hasSecret := jwt.Secret != ""
		hasKey := jwt.PublicKey != ""
		if hasSecret == hasKey {
			return fmt.Errorf("auth.jwt: exactly one of secret or public_key must be set")
		}
		if hasSecret && !strings.HasPrefix(jwt.Algorithm, "HS") {
			return fmt.Errorf("auth.jwt: secret requires an HS* algorithm, got %q", jwt.Algorithm)
		}
		if hasKey && !strings.HasPrefix(jwt.Algorithm, "RS") {
			return fmt.Errorf("auth.jwt: public_key requires an RS* algorithm, got %q", jwt.Algorithm)
		}
	}

	return nil
}

func validateRule(rule RateLimitRuleConfig) error {
	if !validDimensions[rule.Dimension] {
		return fmt.Errorf("invalid rate limit dimension %q", rule.Dimension)
	}
	if rule.Requests <= 0 {
		return fmt.Errorf("rate limit requests must be > 0")
	}
	if rule.WindowSecs <= 0 {
		return fmt.Errorf("rate limit window_secs must be > 0")
	}
	return nil
}

func validateBackendURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("backend URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid backend URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("backend URL %q: host is required", raw)
	}
	return nil
}
