package variables

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"
)

// Identity describes the authenticated actor behind a request.
type Identity struct {
	// Principal is the user identifier (JWT sub, or the API key itself).
	Principal string
	// AuthType is the method that succeeded: "jwt" or "api_key".
	AuthType string
	// APIKey holds the raw key value when AuthType is "api_key".
	APIKey string
	// Claims holds JWT claims or API key metadata.
	Claims map[string]any
}

// Context carries per-request state across the proxy pipeline.
type Context struct {
	RequestID            string
	RoutePattern         string
	Identity             *Identity
	ClientIP             string
	UpstreamAddr         string
	UpstreamStatus       int
	UpstreamResponseTime time.Duration
}

// RequestContextKey is the context key for the per-request Context.
type RequestContextKey struct{}

// WithContext ensures r carries a request Context, installing a fresh one
// if absent. Returns the (possibly replaced) request and the context record.
func WithContext(r *http.Request) (*http.Request, *Context) {
	if vc, ok := r.Context().Value(RequestContextKey{}).(*Context); ok {
		return r, vc
	}
	vc := &Context{}
	ctx := context.WithValue(r.Context(), RequestContextKey{}, vc)
	return r.WithContext(ctx), vc
}

// GetFromRequest returns the request Context, or an empty record if the
// request never passed through WithContext.
func GetFromRequest(r *http.Request) *Context {
	if vc, ok := r.Context().Value(RequestContextKey{}).(*Context); ok {
		return vc
	}
	return &Context{}
}

// ExtractClientIP returns the client IP for a request. Forwarding headers
// are honored when present; otherwise the socket peer address is used.
func ExtractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
