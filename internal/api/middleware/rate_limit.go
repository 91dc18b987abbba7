package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/api/problem"
	"github.com/go-chi/httprate"
)

// PublicRateLimiter limits unauthenticated callers (health checks, custody webhooks) per IP.
func PublicRateLimiter(rps int) func(http.Handler) http.Handler {
	return limiter(rps, "client IP", httprate.KeyByIP)
}

// AuthRateLimiter limits authenticated callers per role and user id, so an
// operator token and a customer token with the same subject never share a bucket.
func AuthRateLimiter(rps int) func(http.Handler) http.Handler {
	return limiter(rps, "user", func(r *http.Request) (string, error) {
		if actor := ActorFromContext(r.Context()); actor.ID != "" {
			return actor.Type + "/" + actor.ID, nil
		}
		return httprate.KeyByIP(r)
	})
}

func limiter(rps int, subject string, key httprate.KeyFunc) func(http.Handler) http.Handler {
	if rps <= 0 {
		rps = 1
	}
	detail := fmt.Sprintf("Rate limit of %d req/s exceeded for this %s", rps, subject)
	return httprate.Limit(rps, time.Second,
		httprate.WithKeyFuncs(key),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "1")
			problem.Write(w, r, http.StatusTooManyRequests, problem.Type("request/rate-limited"), "", detail)
		}),
	)
}
