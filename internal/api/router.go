package api

import (
	"net/http"

	"github.com/bitcard/fulfillment-engine/internal/api/handler"
	"github.com/bitcard/fulfillment-engine/internal/api/middleware"
	"github.com/bitcard/fulfillment-engine/internal/api/spec"
	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/bitcard/fulfillment-engine/internal/idempotency"
	"github.com/bitcard/fulfillment-engine/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"
)

// Services bundles what the HTTP layer calls into.
type Services struct {
	Orders         *service.OrderService
	Admin          *service.AdminService
	Ledger         *service.LedgerService
	Settings       *service.SettingsService
	Reconciliation *service.ReconciliationService
	Audit          *service.AuditService
	Webhook        *service.WebhookService
}

// RouterConfig carries the HTTP tunables.
type RouterConfig struct {
	PublicRateLimitRPS int
	AuthRateLimitRPS   int
}

type Router struct {
	cfg      RouterConfig
	logger   *zap.Logger
	db       handler.Pinger
	redis    redis.Cmdable
	idem     *idempotency.Store
	services Services
}

// NewRouter builds the router; redis and idem may be nil.
func NewRouter(cfg RouterConfig, logger *zap.Logger, db handler.Pinger, redis redis.Cmdable, idem *idempotency.Store, services Services) *Router {
	return &Router{cfg: cfg, logger: logger, db: db, redis: redis, idem: idem, services: services}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)

	healthHandler := handler.NewHealthHandler(api.db, api.redis)
	orderHandler := handler.NewOrderHandler(api.services.Orders)
	adminHandler := handler.NewAdminHandler(
		api.services.Admin,
		api.services.Orders,
		api.services.Ledger,
		api.services.Settings,
		api.services.Reconciliation,
		api.services.Audit,
	)
	webhookHandler := handler.NewWebhookHandler(api.services.Webhook)

	// Public routes
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.yaml", spec.OpenAPIHandler())
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))

	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))
		r.Post("/v1/webhooks/custody", webhookHandler.HandleCustodyWebhook)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))

		r.Route("/v1/orders", func(r chi.Router) {
			r.Use(middleware.RequireRole(domain.RoleCustomer, domain.RoleSalesRep, domain.RoleAdmin, domain.RoleSuperAdmin))
			r.With(api.idempotency()).Post("/", orderHandler.CreateOrder)
			r.Get("/{id}", orderHandler.GetOrder)
			r.Get("/{id}/attempts", orderHandler.ListAttempts)
		})

		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(domain.RoleAdmin, domain.RoleSuperAdmin))

			r.Get("/orders", adminHandler.ListOrders)
			r.Post("/orders/{id}/hold", adminHandler.HoldOrder)
			r.Post("/orders/{id}/release", adminHandler.ReleaseOrder)
			r.Post("/orders/{id}/retry", adminHandler.RetryOrder)
			r.Post("/orders/{id}/cancel", adminHandler.CancelOrder)
			r.Post("/orders/{id}/resolve-sending", adminHandler.ResolveSending)
			r.With(middleware.RequireRole(domain.RoleSuperAdmin)).Post("/orders/{id}/force-send", adminHandler.ForceSend)

			r.Post("/allocator/run", adminHandler.RunAllocator)
			r.Post("/sender/run", adminHandler.RunSender)

			r.Get("/settings", adminHandler.ListSettings)
			r.Put("/settings/{key}", adminHandler.PutSetting)
			r.Post("/payouts/pause", adminHandler.PausePayouts)
			r.Post("/payouts/resume", adminHandler.ResumePayouts)

			r.Get("/inventory/{asset}", adminHandler.InventorySnapshot)
			r.Get("/inventory/{asset}/lots", adminHandler.ListLots)
			r.Post("/inventory/lots", adminHandler.TopUp)
			r.Post("/inventory/lots/{id}/adjust", adminHandler.AdjustLot)

			r.Get("/reconciliations", adminHandler.ListReconciliations)
			r.Post("/reconciliations", adminHandler.RunReconciliation)
			r.Post("/reconciliations/{id}/resolve", adminHandler.ResolveReconciliation)

			r.Get("/audit-logs", adminHandler.ListAuditLogs)
		})
	})

	return r
}

func (api *Router) idempotency() func(http.Handler) http.Handler {
	if api.idem == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.IdempotencyMiddleware(api.idem, api.logger)
}
