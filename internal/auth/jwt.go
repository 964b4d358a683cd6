package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/therealutkarshpriyadarshi/gateway/internal/config"
	"github.com/therealutkarshpriyadarshi/gateway/internal/errors"
	"github.com/therealutkarshpriyadarshi/gateway/internal/variables"
)

// JWTValidator validates bearer tokens against a single configured
// algorithm and key.
type JWTValidator struct {
	algorithm string
	secret    []byte
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
	keyFunc   jwt.Keyfunc
}

// NewJWTValidator creates a JWT validator. The configuration must carry
// exactly one of a shared secret (HS*) or a PEM public key (RS*).
func NewJWTValidator(cfg config.JWTConfig) (*JWTValidator, error) {
	algorithm := cfg.Algorithm
	if algorithm == "" {
		algorithm = "HS256"
	}

	hasSecret := cfg.Secret != ""
	hasKey := cfg.PublicKey != ""
	if hasSecret == hasKey {
		return nil, fmt.Errorf("jwt: exactly one of secret or public_key must be configured")
	}

	v := &JWTValidator{algorithm: algorithm}

	switch {
	case strings.HasPrefix(algorithm, "HS"):
		if !hasSecret {
			return nil, fmt.Errorf("jwt: algorithm %s requires a secret", algorithm)
		}
		v.secret = []byte(cfg.Secret)
		v.keyFunc = func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secret, nil
		}

	case strings.HasPrefix(algorithm, "RS"):
		if !hasKey {
			return nil, fmt.Errorf("jwt: algorithm %s requires a public_key", algorithm)
		}
		block, _ := pem.Decode([]byte(cfg.PublicKey))
		if block == nil {
			return nil, fmt.Errorf("jwt: failed to parse PEM block containing public key")
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt: failed to parse public key: %w", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("jwt: public key is not an RSA key")
		}
		v.publicKey = rsaPub
		v.keyFunc = func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.publicKey, nil
		}

	default:
		return nil, fmt.Errorf("jwt: unsupported algorithm %q", algorithm)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{algorithm}),
		jwt.WithExpirationRequired(),
	}
	if cfg.ClockSkewSecs > 0 {
		opts = append(opts, jwt.WithLeeway(time.Duration(cfg.ClockSkewSecs)*time.Second))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	v.parser = jwt.NewParser(opts...)

	return v, nil
}

// Validate verifies the bearer token and returns the caller identity.
func (v *JWTValidator) Validate(r *http.Request) (*variables.Identity, *errors.GatewayError) {
	tokenString := extractBearer(r)
	if tokenString == "" {
		return nil, errors.MissingCredentials()
	}

	token, err := v.parser.Parse(tokenString, v.keyFunc)
	if err != nil {
		return nil, errors.InvalidToken(err.Error())
	}
	if !token.Valid {
		return nil, errors.InvalidToken("token is not valid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.InvalidToken("invalid token claims")
	}

	principal := ""
	if sub, _ := claims.GetSubject(); sub != "" {
		principal = sub
	}

	metadata := make(map[string]any, len(claims))
	for k, val := range claims {
		metadata[k] = val
	}

	return &variables.Identity{
		Principal: principal,
		AuthType:  MethodJWT,
		Claims:    metadata,
	}, nil
}

// extractBearer extracts the token from the Authorization header.
func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	if strings.HasPrefix(auth, "Bearer ") || strings.HasPrefix(auth, "bearer ") {
		return auth[7:]
	}
	return ""
}

// GenerateToken signs a token with the validator's HMAC secret (test helper).
func (v *JWTValidator) GenerateToken(claims map[string]any) (string, error) {
	mapClaims := jwt.MapClaims{}
	for k, val := range claims {
		mapClaims[k] = val
	}

	var method jwt.SigningMethod
	switch v.algorithm {
	case "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return "", fmt.Errorf("unsupported algorithm for token generation: %s", v.algorithm)
	}

	token := jwt.NewWithClaims(method, mapClaims)
	return token.SignedString(v.secret)
}
