package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Pinger reports database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler exposes Kubernetes-style liveness and readiness endpoints.
type HealthHandler struct {
	db    Pinger
	redis redis.Cmdable
}

// NewHealthHandler takes a nil redis when the replay and KYC caches are disabled.
func NewHealthHandler(db Pinger, redis redis.Cmdable) *HealthHandler {
	return &HealthHandler{db: db, redis: redis}
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Live always reports OK while the process is up.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready pings Postgres and, when configured, Redis. Any failure is a 503
// whose body names the failing dependency.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	body := readiness{Status: "ready", Checks: map[string]string{"database": "ok", "redis": "disabled"}}
	if err := h.db.Ping(ctx); err != nil {
		zap.L().Warn("readiness: database ping failed", zap.Error(err))
		body.Checks["database"] = "unavailable"
		body.Status = "unavailable"
	}
	if h.redis != nil {
		body.Checks["redis"] = "ok"
		if err := h.redis.Ping(ctx).Err(); err != nil {
			zap.L().Warn("readiness: redis ping failed", zap.Error(err))
			body.Checks["redis"] = "unavailable"
			body.Status = "unavailable"
		}
	}

	status := http.StatusOK
	if body.Status != "ready" {
		status = http.StatusServiceUnavailable
	}
	RespondJSON(w, status, body)
}
