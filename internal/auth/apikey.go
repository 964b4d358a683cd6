package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/therealutkarshpriyadarshi/gateway/internal/config"
	"github.com/therealutkarshpriyadarshi/gateway/internal/errors"
	"github.com/therealutkarshpriyadarshi/gateway/internal/logging"
	"github.com/therealutkarshpriyadarshi/gateway/internal/variables"
)

const kvLookupTimeout = 200 * time.Millisecond

// APIKeyValidator validates API keys against an in-memory map and an
// optional distributed key store.
type APIKeyValidator struct {
	header string
	keys   map[string]string // key -> description
	kv     redis.UniversalClient
	prefix string
}

// NewAPIKeyValidator creates an API key validator. kv may be nil when no
// distributed store is configured.
func NewAPIKeyValidator(cfg config.APIKeyConfig, kv redis.UniversalClient) *APIKeyValidator {
	header := cfg.Header
	if header == "" {
		header = "X-API-Key"
	}
	prefix := ""
	if cfg.Redis != nil {
		prefix = cfg.Redis.Prefix
	}

	keys := make(map[string]string, len(cfg.Keys))
	for k, desc := range cfg.Keys {
		keys[k] = desc
	}

	return &APIKeyValidator{
		header: header,
		keys:   keys,
		kv:     kv,
		prefix: prefix,
	}
}

// Validate checks the request's API key. Lookup order: in-memory map first,
// then the distributed store. A store failure never grants access.
func (v *APIKeyValidator) Validate(ctx context.Context, r *http.Request) (*variables.Identity, *errors.GatewayError) {
	apiKey := r.Header.Get(v.header)
	if apiKey == "" {
		return nil, errors.MissingCredentials()
	}

	if desc, ok := v.keys[apiKey]; ok {
		return identityForKey(apiKey, desc), nil
	}

	if v.kv != nil {
		lookupCtx, cancel := context.WithTimeout(ctx, kvLookupTimeout)
		defer cancel()

		val, err := v.kv.Get(lookupCtx, v.prefix+apiKey).Result()
		switch {
		case err == redis.Nil:
			return nil, errors.InvalidAPIKey()
		case err != nil:
			logging.Warn("API key store unavailable", zap.Error(err))
			return nil, errors.Unauthorized("API key store unavailable")
		default:
			// Any stored value means the key exists.
			return identityForKey(apiKey, val), nil
		}
	}

	return nil, errors.InvalidAPIKey()
}

func identityForKey(apiKey, desc string) *variables.Identity {
	claims := map[string]any{}
	if desc != "" {
		claims["description"] = desc
	}
	return &variables.Identity{
		Principal: apiKey,
		AuthType:  MethodAPIKey,
		APIKey:    apiKey,
		Claims:    claims,
	}
}
