// Package app assembles the license server: configuration, logging,
// telemetry, storage, rate limiting, signing, services, and the HTTP
// router, with graceful shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"voxlicense/internal/config"
	"voxlicense/internal/infrastructure"
	"voxlicense/internal/middleware"
	"voxlicense/internal/ratelimit"
	"voxlicense/internal/services"
	"voxlicense/internal/signing"
	"voxlicense/internal/store"
	handlers "voxlicense/internal/transport/http"
)

// Version metadata, set at build time via -ldflags.
var (
	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

// Application is the dependency container for a running server instance.
type Application struct {
	Config  *config.Config
	Logger  *slog.Logger
	Router  *chi.Mux
	Server  *http.Server
	Store   *store.Store
	Signer  *signing.Signer
	Limiter *ratelimit.Limiter

	License *services.LicenseService
	Webhook *services.WebhookService

	otel  *infrastructure.OTelProviders
	redis *redis.Client
}

// New wires the full application. Signing keys are mandatory: a server
// that cannot sign grants must not start.
func New() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	logger.Info("license server starting",
		slog.String("version", Version),
		slog.Int("port", cfg.Server.Port))

	otelProviders, err := infrastructure.InitializeOTel(nil, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	st := store.New(db, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	signer, err := signing.NewSigner(cfg.Signing)
	if err != nil {
		return nil, fmt.Errorf("signing keys: %w", err)
	}

	counters, redisClient := newCounterStore(ctx, cfg.Redis, logger)
	limiter := ratelimit.New(counters, cfg.RateLimit, logger)

	metrics, err := infrastructure.CreateBusinessMetrics(otelProviders.Meter)
	if err != nil {
		logger.Warn("business metrics unavailable", slog.String("error", err.Error()))
	}

	app := &Application{
		Config:  cfg,
		Logger:  logger,
		Store:   st,
		Signer:  signer,
		Limiter: limiter,
		License: services.NewLicenseService(st, signer, logger, metrics),
		Webhook: services.NewWebhookService(st, cfg.Webhook.Secret, cfg.Webhook.Tolerance, logger, metrics),
		otel:    otelProviders,
		redis:   redisClient,
	}

	app.setupRouter()
	app.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        app.Router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	return app, nil
}

// openDatabase opens the MySQL pool with the configured limits.
func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}

// newCounterStore picks the shared Redis counter store when configured and
// reachable, otherwise in-process counters. The fallback is only correct
// for a single gateway instance, hence the warning.
func newCounterStore(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (ratelimit.CounterStore, *redis.Client) {
	if cfg.Addr == "" {
		logger.Warn("redis not configured, using in-process rate limit counters")
		return ratelimit.NewMemory(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, using in-process rate limit counters",
			slog.String("addr", cfg.Addr),
			slog.String("error", err.Error()))
		_ = client.Close()
		return ratelimit.NewMemory(), nil
	}

	logger.Info("rate limit counters backed by redis", slog.String("addr", cfg.Addr))
	return ratelimit.NewRedis(client), client
}

// setupRouter configures the HTTP router with all routes.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.StructuredLogger(a.Logger))
	r.Use(middleware.Recoverer(a.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Compress(5))

	if a.Config.RateLimit.Enabled {
		r.Use(middleware.NewRateLimiter(
			a.Config.RateLimit.GlobalRPS,
			a.Config.RateLimit.GlobalBurst,
			a.Logger,
		).Handler)
	}

	sessionAuth := middleware.SessionAuth(a.Config.Auth.SessionSecret, a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(middleware.Timeout(a.Config.Server.ReadTimeout, a.Logger))

		licenseHandler := handlers.NewLicenseHandler(a.License, a.Limiter, a.Logger)
		grantHandler := handlers.NewGrantHandler(a.License, a.Limiter, a.Logger)
		r.Route("/license", func(r chi.Router) {
			licenseHandler.Routes(r, sessionAuth)
			grantHandler.Routes(r, sessionAuth)
		})

		webhookHandler := handlers.NewWebhookHandler(a.Webhook, a.Logger)
		r.Mount("/webhook", webhookHandler.Routes())

		adminHandler := handlers.NewAdminHandler(a.License, a.Logger)
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.AdminKeyAuth(a.Config.Auth.AdminKey, a.Logger))
			r.Mount("/", adminHandler.Routes())
		})
	})

	healthHandler := handlers.NewHealthHandler(a.Store, handlers.VersionInfo{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
	}, a.Logger)
	healthHandler.Routes(r)

	// Prometheus endpoint stays outside the API middleware chain.
	if a.otel.PrometheusHTTP != nil {
		r.Handle("/metrics", a.otel.PrometheusHTTP)
	}

	a.Router = r
}

// Run starts the server and blocks until SIGINT/SIGTERM, then shuts down
// gracefully.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	return a.Stop(context.Background())
}

// Stop shuts the server down gracefully within the configured timeout.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Error("closing redis", slog.String("error", err.Error()))
		}
	}

	if a.otel != nil {
		if err := a.otel.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error("shutting down telemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.Info("shutdown complete")
	return nil
}
