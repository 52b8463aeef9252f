package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/snappy/internal/api"
	"github.com/dunamismax/snappy/internal/cache"
	"github.com/dunamismax/snappy/internal/config"
	"github.com/dunamismax/snappy/internal/logging"
	"github.com/dunamismax/snappy/internal/params"
	"github.com/dunamismax/snappy/internal/pipeline"
	"github.com/dunamismax/snappy/internal/plan"
	"github.com/dunamismax/snappy/internal/queue"
	"github.com/dunamismax/snappy/internal/ratelimit"
	"github.com/dunamismax/snappy/internal/storage"
	"github.com/dunamismax/snappy/internal/store"
	"github.com/dunamismax/snappy/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := logging.New("api", cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName + "-api",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("setup tracing")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.WithError(err).Warn("tracing shutdown failed")
		}
	}()

	if err := pipeline.Startup(); err != nil {
		logger.WithError(err).Fatal("start image engine")
	}
	defer pipeline.Shutdown()

	processor, err := newProcessor(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("initialize processor")
	}

	opts := api.Options{
		Logger:       logger,
		Renderer:     processor,
		StrictParams: cfg.Transform.StrictParams,
		HTTPMaxAge:   cfg.Cache.HTTPMaxAge,
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.WithError(err).Warn("redis client close failed")
			}
		}()
	}

	if cfg.Cache.Enabled && redisClient != nil {
		renderCache, err := cache.NewRedisCache(redisClient, cfg.Cache.TTL, cfg.Cache.MaxItemBytes, "")
		if err != nil {
			logger.WithError(err).Fatal("initialize render cache")
		}
		opts.Cache = renderCache
	}

	if cfg.RateLimit.Enabled {
		limiter, err := newRateLimiter(cfg.RateLimit, redisClient)
		if err != nil {
			logger.WithError(err).Fatal("initialize rate limiter")
		}
		opts.RateLimiter = limiter
		opts.TransformCost = cfg.RateLimit.TransformCost
	}

	if cfg.Queue.RedisAddr != "" {
		queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
		defer func() {
			if err := queueClient.Close(); err != nil {
				logger.WithError(err).Warn("queue client close failed")
			}
		}()
		opts.Queue = queueClient

		jobStore, closeStore, err := newJobStore(ctx, cfg.Database)
		if err != nil {
			logger.WithError(err).Fatal("initialize job store")
		}
		defer closeStore()
		opts.JobStore = jobStore
	} else {
		logger.Warn("no queue redis configured, render jobs are disabled")
	}

	app, err := api.NewServer(opts)
	if err != nil {
		logger.WithError(err).Fatal("initialize api server")
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	go serve(logger, httpServer)

	var metricsServer *http.Server
	if cfg.API.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.API.MetricsAddr,
			Handler:           app.MetricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go serve(logger, metricsServer)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("metrics server shutdown failed")
		}
	}
}

func serve(logger logrus.FieldLogger, srv *http.Server) {
	logger.WithField("addr", srv.Addr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).WithField("addr", srv.Addr).Fatal("server failed")
	}
}

func newProcessor(cfg config.Config, logger logrus.FieldLogger) (*pipeline.Processor, error) {
	var fetcher pipeline.Fetcher
	switch cfg.Source.Backend {
	case config.SourceBackendLocal:
		fetcher = pipeline.LocalFileFetcher{Root: cfg.Source.LocalRoot}
	default:
		storageClient, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		fetcher = pipeline.ObjectStoreFetcher{Storage: storageClient}
	}

	builderCfg := plan.DefaultConfig()
	builderCfg.DefaultQuality = cfg.Transform.DefaultQuality
	builderCfg.AggressiveQuality = cfg.Transform.AggressiveQuality
	builder, err := plan.NewBuilder(builderCfg)
	if err != nil {
		return nil, err
	}

	return pipeline.NewProcessor(pipeline.Options{
		Fetcher:       fetcher,
		Resolver:      params.NewResolver(params.DefaultConfig()),
		Builder:       builder,
		EngineTimeout: cfg.Transform.EngineTimeout,
		Logger:        logger.WithField("component", "pipeline"),
	})
}

func newRateLimiter(cfg config.RateLimitConfig, client *redis.Client) (ratelimit.Limiter, error) {
	if client != nil {
		return ratelimit.NewRedisTokenBucket(client, cfg.Capacity, cfg.Window, "")
	}
	return ratelimit.NewMemoryLimiter(cfg.Capacity, cfg.Window, 0)
}

func newJobStore(ctx context.Context, cfg config.DatabaseConfig) (store.JobStore, func(), error) {
	if cfg.DSN == "" {
		return store.NewMemoryJobStore(), func() {}, nil
	}
	pg, err := store.NewPostgresJobStore(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() { _ = pg.Close() }, nil
}
