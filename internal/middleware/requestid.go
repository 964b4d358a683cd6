package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/gateway/internal/variables"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

const requestIDHeader = "X-Request-ID"

// RequestID assigns each request an ID, honoring a client-supplied header,
// and echoes it on the response.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(requestIDHeader)
			if requestID == "" {
				requestID = uuid.New().String()
				r.Header.Set(requestIDHeader, requestID)
			}

			r, vc := variables.WithContext(r)
			vc.RequestID = requestID

			w.Header().Set(requestIDHeader, requestID)
			next.ServeHTTP(w, r)
		})
	}
}
