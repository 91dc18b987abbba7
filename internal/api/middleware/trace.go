package middleware

import (
	"context"
	"net/http"

	"github.com/bitcard/fulfillment-engine/internal/api/problem"
	"github.com/google/uuid"
)

const maxRequestIDLength = 64

// TraceMiddleware tags each request with an id, echoed in X-Request-ID and
// X-Trace-ID. An inbound id is kept when it is a short printable token.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := inboundRequestID(r)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(problem.RequestIDHeader, id)
		w.Header().Set("X-Trace-ID", id)
		next.ServeHTTP(w, r.WithContext(contextWithTraceID(r.Context(), id)))
	})
}

func inboundRequestID(r *http.Request) string {
	for _, name := range []string{problem.RequestIDHeader, "X-Trace-ID"} {
		if id := r.Header.Get(name); validRequestID(id) {
			return id
		}
	}
	return ""
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

func contextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceContextKey, traceID)
}
