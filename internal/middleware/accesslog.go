package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/therealutkarshpriyadarshi/gateway/internal/logging"
	"github.com/therealutkarshpriyadarshi/gateway/internal/variables"
)

// statusWriter captures the response status for logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// AccessLog emits one structured log line per request.
func AccessLog() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w}

			next.ServeHTTP(sw, r)

			vc := variables.GetFromRequest(r)
			status := sw.status
			if status == 0 {
				status = http.StatusOK
			}
			logging.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
				zap.String("route", vc.RoutePattern),
				zap.String("upstream", vc.UpstreamAddr),
				zap.String("client_ip", vc.ClientIP),
				zap.String("request_id", vc.RequestID),
			)
		})
	}
}
