package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/therealutkarshpriyadarshi/gateway/internal/errors"
	"github.com/therealutkarshpriyadarshi/gateway/internal/logging"
)

// Recovery converts panics into 500 responses with a logged stack trace.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logging.Error("panic recovered",
						zap.Any("error", err),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					)
					errors.Internal(fmt.Sprintf("panic: %v", err)).WriteJSON(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
