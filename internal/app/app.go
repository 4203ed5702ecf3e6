// Package app wires configuration, infrastructure clients, and every domain
// package into the api and worker run modes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/arclight/imagegate/internal/config"
	"github.com/arclight/imagegate/internal/httpserver"
	"github.com/arclight/imagegate/internal/platform"
	"github.com/arclight/imagegate/internal/telemetry"
	"github.com/arclight/imagegate/pkg/blobstore"
	"github.com/arclight/imagegate/pkg/cache"
	"github.com/arclight/imagegate/pkg/credential"
	"github.com/arclight/imagegate/pkg/executor"
	"github.com/arclight/imagegate/pkg/job"
	"github.com/arclight/imagegate/pkg/limiter"
	"github.com/arclight/imagegate/pkg/provider"
	"github.com/arclight/imagegate/pkg/queue"
	"github.com/arclight/imagegate/pkg/tenant"
	"github.com/arclight/imagegate/pkg/webhook"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting imagegate",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	tenants := tenant.NewStore(db)
	credentials := credential.NewStore(db)
	jobs := job.NewPGStore(db)

	health := credential.NewHealthTracker(rdb, cfg.FailureThreshold, cfg.CooldownDuration)
	lim := limiter.New(rdb)
	scheduler := credential.NewScheduler(credentials, health, lim)
	q := queue.New(rdb)
	resultCache := cache.New(rdb, cfg.CacheTTL, cfg.CacheMinPromptChars)
	blobs := blobstore.NewLocalFSStore(cfg.BlobStoreDir, cfg.BlobBaseURL)
	deliverer := webhook.NewDeliverer(cfg.WebhookTimeout, cfg.WebhookMaxRetries, logger)
	imageProvider := provider.NewGeminiDriver(cfg.ProviderTimeout)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, tenants, jobs, q, lim)
	case "worker":
		exec := executor.New(jobs, tenants, credentials, scheduler, health, q, lim, imageProvider, blobs, resultCache, deliverer, logger, executor.Config{
			GlobalRPM:            cfg.GlobalRPM,
			GlobalConcurrency:    cfg.GlobalConcurrency,
			RetryBaseDelay:       cfg.RetryBaseDelay,
			RetryOverloadMaxWait: cfg.RetryOverloadMaxWait,
		})
		return runWorker(ctx, logger, exec, cfg.WorkerConcurrency)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	db *pgxpool.Pool,
	rdb *redis.Client,
	metricsReg *prometheus.Registry,
	tenants tenant.Repository,
	jobs job.Repository,
	q *queue.Queue,
	lim *limiter.Limiter,
) error {
	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, db, rdb, metricsReg, tenants)

	jobService := job.NewService(jobs, q, lim, logger)
	jobHandler := job.NewHandler(logger, jobService)
	srv.APIRouter.Mount("/jobs", jobHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker polls the job queue and runs ready jobs with up to concurrency
// jobs in flight at once, until ctx is canceled.
func runWorker(ctx context.Context, logger *slog.Logger, exec *executor.Executor, concurrency int) error {
	logger.Info("worker started", "concurrency", concurrency)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutting down")
			return nil
		case <-ticker.C:
			n, err := exec.PollAndRun(ctx, concurrency)
			if err != nil {
				logger.Error("polling job queue", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("processed batch", "count", n)
			}
		}
	}
}
