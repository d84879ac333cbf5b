package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/meterline/meterline/pkg/accounts"
	"github.com/meterline/meterline/pkg/api"
	"github.com/meterline/meterline/pkg/async"
	"github.com/meterline/meterline/pkg/billing"
	"github.com/meterline/meterline/pkg/config"
	"github.com/meterline/meterline/pkg/engine"
	"github.com/meterline/meterline/pkg/middleware"
	"github.com/meterline/meterline/pkg/observability"
	"github.com/meterline/meterline/pkg/quota"
	"github.com/meterline/meterline/pkg/storage/postgres"
)

func main() {
	startLog := logrus.New()
	startLog.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := run(startLog); err != nil {
		startLog.WithError(err).Fatal("meterline exited with error")
	}
}

func run(startLog *logrus.Logger) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing
	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		observability.ShutdownOTel(shutdownCtx, providers, logger)
	}()

	// Storage
	db, err := postgres.Connect(postgres.ConnectionConfig{
		URL:      cfg.Postgres.URL,
		MaxConns: cfg.Postgres.MaxConns,
		MinConns: cfg.Postgres.MinConns,
		Timeout:  cfg.Postgres.Timeout,
	})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	if err := postgres.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	startLog.Info("database ready")

	// Metrics
	var metrics *observability.Metrics
	registry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	// Redis-backed rate limiter, optional
	var rateLimit func(http.Handler) http.Handler
	healthChecker := observability.NewHealthChecker(db, nil)
	if cfg.Redis.URL != "" {
		redisClient, err := postgres.NewRedisClient(postgres.RedisConfig{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()

		limiter := middleware.NewRateLimitMiddleware(redisClient, &middleware.RateLimitConfig{
			RequestsPerWindow: cfg.Redis.RateLimit,
			WindowDuration:    cfg.Redis.RateLimitWindow,
		}, logger, metrics)
		rateLimit = limiter.Handler
		healthChecker = observability.NewHealthChecker(db, redisClient)
		startLog.Info("redis rate limiter enabled")
	}

	// Domain services
	accountService := accounts.NewPostgresService(db)

	reconciler, err := billing.NewReconciler(db, logger)
	if err != nil {
		return fmt.Errorf("create reconciler: %w", err)
	}

	policy := quota.DefaultPolicy()
	if cfg.Quota.PolicyPath != "" {
		policy, err = quota.LoadPolicy(cfg.Quota.PolicyPath)
		if err != nil {
			return fmt.Errorf("load quota policy: %w", err)
		}
	}
	quotaEngine := quota.NewEngine(db, policy, logger)

	verifier := billing.NewHMACVerifier(cfg.Billing.WebhookSecret, cfg.Billing.ReplayTolerance)
	eng := engine.New(verifier, reconciler, quotaEngine, accountService, metrics, logger)

	server := api.NewServer(eng, accountService, reconciler, logger, metrics, api.ServerOptions{
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		RateLimit:    rateLimit,
	})

	// Retention jobs
	scheduler := cron.New()
	_, err = scheduler.AddFunc("20 0 * * *", func() {
		async.SafeGo(ctx, logger, 10*time.Minute, "prune applied events", func(ctx context.Context) error {
			pruned, err := reconciler.PruneAppliedEvents(ctx, cfg.Billing.EventRetention)
			if err != nil {
				return err
			}
			logger.WithField("pruned", pruned).Info("applied event retention complete")
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("schedule event retention: %w", err)
	}
	_, err = scheduler.AddFunc("40 0 * * *", func() {
		async.SafeGo(ctx, logger, 10*time.Minute, "prune anonymous counters", func(ctx context.Context) error {
			pruned, err := quotaEngine.PruneAnonymousCounters(ctx, cfg.Quota.AnonymousRetentionDays)
			if err != nil {
				return err
			}
			logger.WithField("pruned", pruned).Info("anonymous counter retention complete")
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("schedule counter retention: %w", err)
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	// DB pool gauges
	if metrics != nil {
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					stats := db.Stats()
					metrics.DBConnectionsActive.Set(float64(stats.InUse))
					metrics.DBConnectionsIdle.Set(float64(stats.Idle))
				}
			}
		}()
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, healthChecker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		startLog.WithField("addr", apiServer.Addr).Info("api server listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		startLog.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		startLog.Info("shutting down")
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		return healthServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
