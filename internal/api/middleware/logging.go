package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingMiddleware emits one structured line per request. Probe and scrape
// traffic logs at debug; client errors at warn; server errors at error.
func LoggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w}
			info := &requestInfo{}

			next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), infoContextKey, info)))

			status := rw.statusCode()
			level := zapcore.InfoLevel
			switch {
			case status >= http.StatusInternalServerError:
				level = zapcore.ErrorLevel
			case status >= http.StatusBadRequest:
				level = zapcore.WarnLevel
			case isOperationalPath(r.URL.Path):
				level = zapcore.DebugLevel
			}

			ce := logger.Check(level, "http_request")
			if ce == nil {
				return
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", routePattern(r)),
				zap.Int("status", status),
				zap.Int("bytes", rw.bytes),
				zap.String("trace_id", TraceIDFromContext(r.Context())),
				zap.Duration("duration", time.Since(start)),
			}
			if info.actor.ID != "" {
				fields = append(fields, zap.String("actor_id", info.actor.ID), zap.String("actor_role", info.actor.Type))
			}
			if key := r.Header.Get("Idempotency-Key"); key != "" {
				fields = append(fields, zap.String("idempotency_key", key))
			}
			ce.Write(fields...)
		})
	}
}

// requestInfo is filled in by inner middleware for the access log.
type requestInfo struct {
	actor domain.Actor
}

func recordActor(ctx context.Context, actor domain.Actor) {
	if info, ok := ctx.Value(infoContextKey).(*requestInfo); ok {
		info.actor = actor
	}
}

func isOperationalPath(path string) bool {
	return strings.HasPrefix(path, "/health/") || path == "/metrics"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) statusCode() int {
	if sr.status == 0 {
		return http.StatusOK
	}
	return sr.status
}
