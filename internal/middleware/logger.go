package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var quietPaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// Logger writes one access line per request. Backend failures log at warn,
// gateway failures at error.
func Logger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if quietPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := NewStreamingResponseWriter(w)
			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.StatusCode()),
				zap.Int64("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote", r.RemoteAddr),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				fields = append(fields, zap.String("route", rctx.RoutePattern()))
			}
			if strings.HasPrefix(ww.Header().Get("Content-Type"), "text/event-stream") {
				fields = append(fields, zap.Bool("stream", true))
			}

			if ce := logger.Check(accessLevel(ww.StatusCode()), "request"); ce != nil {
				ce.Write(fields...)
			}
		})
	}
}

func accessLevel(status int) zapcore.Level {
	switch {
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
		return zapcore.WarnLevel
	case status >= 500:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
