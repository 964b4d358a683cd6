package auth

import (
	"context"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/therealutkarshpriyadarshi/gateway/internal/config"
	"github.com/therealutkarshpriyadarshi/gateway/internal/errors"
	"github.com/therealutkarshpriyadarshi/gateway/internal/variables"
)

// Authentication method names as they appear in route policies.
const (
	MethodJWT    = "jwt"
	MethodAPIKey = "api_key"
)

// bypassPaths always skip authentication and rate limiting. Matched after
// routing: an unrouted /health is still a 404.
var bypassPaths = map[string]bool{
	"/health":    true,
	"/healthz":   true,
	"/ready":     true,
	"/readiness": true,
	"/ping":      true,
}

// IsBypassPath reports whether a path skips auth and rate limiting.
func IsBypassPath(path string) bool {
	return bypassPaths[path]
}

// Service orchestrates the configured validators according to per-route
// policy. A nil *Service means no authentication is configured.
type Service struct {
	jwt    *JWTValidator
	apiKey *APIKeyValidator
}

// NewService builds the auth service from configuration. Returns nil when
// cfg is nil (no auth section).
func NewService(cfg *config.AuthConfig, kv redis.UniversalClient) (*Service, error) {
	if cfg == nil {
		return nil, nil
	}

	s := &Service{}
	if cfg.JWT != nil {
		v, err := NewJWTValidator(*cfg.JWT)
		if err != nil {
			return nil, err
		}
		s.jwt = v
	}
	if cfg.APIKey != nil {
		s.apiKey = NewAPIKeyValidator(*cfg.APIKey, kv)
	}
	return s, nil
}

// JWTValidator returns the configured JWT validator (may be nil).
func (s *Service) JWTValidator() *JWTValidator {
	return s.jwt
}

// Authenticate tries the allowed methods in fixed order (JWT, then API key)
// and returns the first success. When every attempted method fails, the most
// specific failure observed wins.
func (s *Service) Authenticate(ctx context.Context, r *http.Request, policy *config.RouteAuthConfig) (*variables.Identity, *errors.GatewayError) {
	allowed := map[string]bool{}
	if policy != nil {
		for _, m := range policy.Methods {
			allowed[m] = true
		}
	}
	// Empty method list means every configured method is eligible.
	anyMethod := len(allowed) == 0

	var worst *errors.GatewayError

	if s.jwt != nil && (anyMethod || allowed[MethodJWT]) {
		identity, gerr := s.jwt.Validate(r)
		if gerr == nil {
			return identity, nil
		}
		worst = moreSpecific(worst, gerr)
	}

	if s.apiKey != nil && (anyMethod || allowed[MethodAPIKey]) {
		identity, gerr := s.apiKey.Validate(ctx, r)
		if gerr == nil {
			return identity, nil
		}
		worst = moreSpecific(worst, gerr)
	}

	if worst == nil {
		// No configured method was eligible for this route.
		worst = errors.MissingCredentials()
	}
	return nil, worst
}

// specificity orders failure kinds so the most informative one is reported:
// InvalidToken > InvalidApiKey > Unauthorized > MissingCredentials.
func specificity(kind errors.Kind) int {
	switch kind {
	case errors.KindInvalidToken:
		return 3
	case errors.KindInvalidAPIKey:
		return 2
	case errors.KindUnauthorized:
		return 1
	default:
		return 0
	}
}

func moreSpecific(a, b *errors.GatewayError) *errors.GatewayError {
	if a == nil {
		return b
	}
	if specificity(b.Kind) > specificity(a.Kind) {
		return b
	}
	return a
}
