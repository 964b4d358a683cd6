package errors

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
)

// Kind discriminates gateway failure classes. Every error surfaced to a
// client carries exactly one Kind, which fixes its HTTP status.
type Kind int

const (
	KindRouteNotFound Kind = iota
	KindMethodNotAllowed
	KindUnauthorized
	KindMissingCredentials
	KindInvalidToken
	KindInvalidAPIKey
	KindRateLimited
	KindCircuitOpen
	KindUpstreamUnavailable
	KindBadGateway
	KindGatewayTimeout
	KindInvalidConfig
	KindInternal
)

// Status returns the HTTP status code for this kind.
func (k Kind) Status() int {
	switch k {
	case KindRouteNotFound:
		return http.StatusNotFound
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindUnauthorized, KindMissingCredentials, KindInvalidToken, KindInvalidAPIKey:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindCircuitOpen, KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindBadGateway:
		return http.StatusBadGateway
	case KindGatewayTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) String() string {
	switch k {
	case KindRouteNotFound:
		return "route_not_found"
	case KindMethodNotAllowed:
		return "method_not_allowed"
	case KindUnauthorized:
		return "unauthorized"
	case KindMissingCredentials:
		return "missing_credentials"
	case KindInvalidToken:
		return "invalid_token"
	case KindInvalidAPIKey:
		return "invalid_api_key"
	case KindRateLimited:
		return "rate_limited"
	case KindCircuitOpen:
		return "circuit_open"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindBadGateway:
		return "bad_gateway"
	case KindGatewayTimeout:
		return "gateway_timeout"
	case KindInvalidConfig:
		return "invalid_config"
	default:
		return "internal"
	}
}

// RateLimitInfo carries the extra body fields for 429 responses.
type RateLimitInfo struct {
	Limit      int
	Remaining  int
	ResetAfter int
	RetryAfter int
}

// GatewayError is the single error type returned to clients.
type GatewayError struct {
	Kind       Kind
	Message    string
	RateLimit  *RateLimitInfo
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// Status returns the HTTP status code for this error.
func (e *GatewayError) Status() int {
	return e.Kind.Status()
}

type errorBody struct {
	Error      string `json:"error"`
	Status     int    `json:"status"`
	Limit      *int   `json:"limit,omitempty"`
	Remaining  *int   `json:"remaining,omitempty"`
	ResetAfter *int   `json:"reset_after,omitempty"`
	RetryAfter *int   `json:"retry_after,omitempty"`
}

// WriteJSON writes the error as a JSON response body.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	status := e.Status()
	body := errorBody{
		Error:  e.Message,
		Status: status,
	}
	if rl := e.RateLimit; rl != nil {
		body.Limit = &rl.Limit
		body.Remaining = &rl.Remaining
		body.ResetAfter = &rl.ResetAfter
		body.RetryAfter = &rl.RetryAfter
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// New creates a GatewayError with the given kind and message.
func New(kind Kind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

// Wrap attaches an underlying cause to a new GatewayError.
func Wrap(err error, kind Kind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, underlying: err}
}

// RouteNotFound reports that no route pattern matched the path.
func RouteNotFound(path string) *GatewayError {
	return New(KindRouteNotFound, fmt.Sprintf("Route not found: %s", path))
}

// MethodNotAllowed reports a path match whose method set excludes the method.
func MethodNotAllowed(method string) *GatewayError {
	return New(KindMethodNotAllowed, fmt.Sprintf("Method %s not allowed for this route", method))
}

// Unauthorized reports an authentication failure with detail.
func Unauthorized(detail string) *GatewayError {
	return New(KindUnauthorized, fmt.Sprintf("Authentication failed: %s", detail))
}

// MissingCredentials reports that no credentials were presented.
func MissingCredentials() *GatewayError {
	return New(KindMissingCredentials, "Missing authentication credentials")
}

// InvalidToken reports a JWT that failed validation.
func InvalidToken(detail string) *GatewayError {
	return New(KindInvalidToken, fmt.Sprintf("Invalid JWT token: %s", detail))
}

// InvalidAPIKey reports an unknown or malformed API key.
func InvalidAPIKey() *GatewayError {
	return New(KindInvalidAPIKey, "Invalid API key")
}

// RateLimited reports a denied rate-limit decision.
func RateLimited(info RateLimitInfo) *GatewayError {
	return &GatewayError{
		Kind:      KindRateLimited,
		Message:   "Rate limit exceeded",
		RateLimit: &info,
	}
}

// CircuitOpen reports a breaker rejection for a backend.
func CircuitOpen(backend string) *GatewayError {
	return New(KindCircuitOpen, fmt.Sprintf("Circuit breaker is open for backend: %s", backend))
}

// UpstreamUnavailable reports that no healthy backend could be selected.
func UpstreamUnavailable() *GatewayError {
	return New(KindUpstreamUnavailable, "No healthy backend available")
}

// BadGateway reports a connection, DNS, or protocol failure upstream.
func BadGateway(detail string) *GatewayError {
	return New(KindBadGateway, fmt.Sprintf("Bad gateway: %s", detail))
}

// GatewayTimeout reports an upstream deadline exceeded.
func GatewayTimeout(detail string) *GatewayError {
	return New(KindGatewayTimeout, fmt.Sprintf("Gateway timeout: %s", detail))
}

// InvalidConfig reports a configuration validation failure.
func InvalidConfig(detail string) *GatewayError {
	return New(KindInvalidConfig, fmt.Sprintf("Configuration error: %s", detail))
}

// Internal reports an unexpected failure.
func Internal(detail string) *GatewayError {
	return New(KindInternal, fmt.Sprintf("Internal server error: %s", detail))
}

// IsGatewayError checks if an error is a GatewayError.
func IsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
