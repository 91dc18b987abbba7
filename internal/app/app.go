package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/address"
	"github.com/bitcard/fulfillment-engine/internal/api"
	"github.com/bitcard/fulfillment-engine/internal/api/middleware"
	"github.com/bitcard/fulfillment-engine/internal/config"
	"github.com/bitcard/fulfillment-engine/internal/custody"
	"github.com/bitcard/fulfillment-engine/internal/db"
	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/bitcard/fulfillment-engine/internal/events"
	"github.com/bitcard/fulfillment-engine/internal/idempotency"
	"github.com/bitcard/fulfillment-engine/internal/kyc"
	"github.com/bitcard/fulfillment-engine/internal/observability"
	"github.com/bitcard/fulfillment-engine/internal/pricing"
	"github.com/bitcard/fulfillment-engine/internal/repository"
	"github.com/bitcard/fulfillment-engine/internal/service"
	"github.com/bitcard/fulfillment-engine/internal/worker"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// App is the wired object graph shared by the server and the CLI.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Pool      *pgxpool.Pool
	Store     *repository.Store
	Redis     *redis.Client
	Publisher events.Publisher
	Services  api.Services

	Allocator *service.AllocatorService
	Sender    *service.SenderService

	closers []func()
}

// Build connects the infrastructure named by cfg and wires
// every service. Callers must Close the result.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	observability.Init()
	middleware.SetJWTSecret(cfg.JWTSecret)
	middleware.SetJWTValidation(cfg.JWTIssuer, cfg.JWTAudience)

	a := &App{Config: cfg, Logger: logger}
	a.closers = append(a.closers, func() { _ = logger.Sync() })

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.Pool = pool
	a.Store = repository.NewStore(pool)
	a.closers = append(a.closers, pool.Close)

	if cfg.RedisURL != "" {
		client, err := newRedisClient(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.Redis = client
		a.closers = append(a.closers, func() { _ = client.Close() })
	}

	provider, err := newCustodyProvider(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	validator, err := address.NewValidator(cfg.BTCNetwork)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.Publisher = publisher
		a.closers = append(a.closers, func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("kafka publisher close failed", zap.Error(err))
			}
		})
	}

	audit := service.NewAuditService(a.Store)
	ledger := service.NewLedgerService(a.Store, audit)
	settings := service.NewSettingsService(a.Store, audit)
	orders := service.NewOrderService(a.Store, audit, validator, a.Publisher)
	a.Allocator = service.NewAllocatorService(a.Store, audit, ledger, settings, a.newKycProvider(), newOracle(cfg), a.Publisher)
	a.Sender = service.NewSenderService(a.Store, audit, ledger, settings, provider, a.Publisher).
		WithBatchSize(cfg.SenderBatchSize).
		WithStaleAfter(cfg.SendingStaleAfter)
	recon := service.NewReconciliationService(a.Store, audit, ledger, provider, a.Publisher, cfg.ReconciliationTolerance)

	a.Services = api.Services{
		Orders:         orders,
		Admin:          service.NewAdminService(a.Store, audit, ledger, settings, a.Allocator, a.Sender, a.Publisher),
		Ledger:         ledger,
		Settings:       settings,
		Reconciliation: recon,
		Audit:          audit,
		Webhook:        service.NewWebhookService(a.Sender, cfg.WebhookHMACKey, cfg.WebhookSkipSignature),
	}
	return a, nil
}

// Close releases infrastructure in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) redisCmdable() redis.Cmdable {
	if a.Redis == nil {
		return nil
	}
	return a.Redis
}

func (a *App) newKycProvider() kyc.Provider {
	if a.Config.KycBaseURL == "" {
		a.Logger.Warn("KYC_BASE_URL not set; every customer is treated as approved")
		return kyc.NewStaticProvider(domain.KycApproved)
	}
	var provider kyc.Provider = kyc.NewHTTPProvider(a.Config.KycBaseURL, a.Config.KycAPIKey, 10*time.Second)
	if a.Redis != nil {
		provider = kyc.NewCachedProvider(provider, a.Redis, a.Config.KycCacheTTL)
	}
	return provider
}

func newOracle(cfg *config.Config) pricing.Oracle {
	if cfg.PriceOracle == "static" {
		return pricing.NewStatic(map[string]decimal.Decimal{domain.AssetBTC: cfg.StaticBTCPrice})
	}
	return pricing.NewCoinGecko(cfg.CoinGeckoBaseURL, cfg.CoinGeckoAPIKey, 10*time.Second)
}

func newCustodyProvider(cfg *config.Config) (custody.Provider, error) {
	if cfg.CustodyProvider != "fireblocks" {
		zap.L().Warn("using mock custody provider")
		return custody.NewMockProvider(), nil
	}
	key, err := custody.LoadRSAPrivateKey(cfg.FireblocksSecretKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load fireblocks key: %w", err)
	}
	client, err := custody.NewFireblocksClient(custody.FireblocksConfig{
		BaseURL:        cfg.FireblocksBaseURL,
		APIKey:         cfg.FireblocksAPIKey,
		PrivateKey:     key,
		VaultID:        cfg.FireblocksVaultID,
		CompanyVaultID: cfg.FireblocksCompanyVaultID,
		Timeout:        30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("init fireblocks client: %w", err)
	}
	return custody.NewBreakerProvider(client, custody.DefaultBreakerConfig()), nil
}

// Run bootstraps the HTTP server and background workers, blocking until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Serve(ctx)
}

// Serve runs the HTTP server with the allocator, sender and reconciliation
// workers until a shutdown signal arrives.
func (a *App) Serve(ctx context.Context) error {
	cfg, logger := a.Config, a.Logger
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopAllocator := worker.NewAllocatorWorker(a.Allocator, a.Services.Orders, cfg.AllocatorInterval).Run(ctx)
	stopSender := worker.NewSenderWorker(a.Sender, cfg.SenderInterval).Run(ctx)

	reconWorker := worker.NewReconciliationWorker(a.Services.Reconciliation, cfg.ReconciliationAssets).
		WithSchedule(cfg.ReconciliationSchedule)
	if err := reconWorker.Start(ctx); err != nil {
		stopAllocator()
		stopSender()
		return err
	}
	logger.Info("workers started",
		zap.Duration("allocator_interval", cfg.AllocatorInterval),
		zap.Duration("sender_interval", cfg.SenderInterval),
		zap.String("reconciliation_schedule", cfg.ReconciliationSchedule))

	idemStore := idempotency.NewStore(a.redisCmdable(), a.Store, cfg.IdempotencyTTL)
	router := api.NewRouter(api.RouterConfig{
		PublicRateLimitRPS: cfg.PublicRateLimitRPS,
		AuthRateLimitRPS:   cfg.AuthRateLimitRPS,
	}, logger, a.Store, a.redisCmdable(), idemStore, a.Services)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping workers")
	stopAllocator()
	stopSender()
	reconWorker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return runErr
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
