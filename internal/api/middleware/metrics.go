package middleware

import (
	"net/http"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/observability"
	"github.com/go-chi/chi/v5"
)

// MetricsMiddleware records request latency by chi route pattern. Unrouted
// paths share one label to keep cardinality bounded; scrapes are not counted.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rw, r)

		observability.ObserveHTTP(r.Method, routePattern(r), rw.statusCode(), time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
