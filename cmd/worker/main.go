package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/snappy/internal/config"
	"github.com/dunamismax/snappy/internal/logging"
	"github.com/dunamismax/snappy/internal/params"
	"github.com/dunamismax/snappy/internal/pipeline"
	"github.com/dunamismax/snappy/internal/plan"
	"github.com/dunamismax/snappy/internal/storage"
	"github.com/dunamismax/snappy/internal/store"
	"github.com/dunamismax/snappy/internal/telemetry"
	"github.com/dunamismax/snappy/internal/webhook"
	"github.com/dunamismax/snappy/internal/worker"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := logging.New("worker", cfg.Log.Level, cfg.Log.Format)

	if cfg.Queue.RedisAddr == "" {
		logger.Fatal("worker requires SNAPPY_QUEUE_REDIS_ADDR or SNAPPY_REDIS_ADDR")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName + "-worker",
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

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.WithError(err).Fatal("initialize storage client")
	}
	bucketCtx, cancelBucket := context.WithTimeout(ctx, 15*time.Second)
	if err := storageClient.EnsureBucket(bucketCtx); err != nil {
		logger.WithError(err).Fatal("ensure storage bucket")
	}
	cancelBucket()

	var fetcher pipeline.Fetcher = pipeline.ObjectStoreFetcher{Storage: storageClient}
	if cfg.Source.Backend == config.SourceBackendLocal {
		fetcher = pipeline.LocalFileFetcher{Root: cfg.Source.LocalRoot}
	}

	builderCfg := plan.DefaultConfig()
	builderCfg.DefaultQuality = cfg.Transform.DefaultQuality
	builderCfg.AggressiveQuality = cfg.Transform.AggressiveQuality
	builder, err := plan.NewBuilder(builderCfg)
	if err != nil {
		logger.WithError(err).Fatal("initialize plan builder")
	}

	processor, err := pipeline.NewProcessor(pipeline.Options{
		Fetcher:       fetcher,
		Resolver:      params.NewResolver(params.DefaultConfig()),
		Builder:       builder,
		EngineTimeout: cfg.Transform.EngineTimeout,
		Logger:        logger.WithField("component", "pipeline"),
	})
	if err != nil {
		logger.WithError(err).Fatal("initialize processor")
	}

	var jobStore store.JobStore
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.WithError(err).Fatal("initialize job store")
		}
		defer func() { _ = pg.Close() }()
		jobStore = pg
	} else {
		logger.Warn("no database configured, job status is not shared with the api")
	}

	srv, err := worker.NewServer(worker.Options{
		Logger:   logger,
		Queue:    cfg.Queue,
		Worker:   cfg.Worker,
		Renderer: processor,
		Emitter: pipeline.ObjectStoreEmitter{
			Storage:      storageClient,
			OutputPrefix: cfg.Storage.OutputPrefix,
		},
		Webhook: webhook.NewClient(webhook.Config{
			SigningSecret:  cfg.Webhook.SigningSecret,
			Timeout:        cfg.Webhook.Timeout,
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			InitialBackoff: cfg.Webhook.InitialBackoff,
			MaxBackoff:     cfg.Webhook.MaxBackoff,
		}),
		JobStore: jobStore,
	})
	if err != nil {
		logger.WithError(err).Fatal("initialize worker")
	}

	var metricsServer *http.Server
	if cfg.Worker.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.Worker.MetricsAddr,
			Handler:           srv.MetricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.WithField("addr", metricsServer.Addr).Info("metrics listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("metrics server failed")
			}
		}()
	}

	logger.WithFields(logrus.Fields{
		"concurrency":     cfg.Worker.Concurrency,
		"max_active_jobs": cfg.Worker.MaxActiveJobs,
		"queue":           cfg.Queue.Name,
		"redis":           cfg.Queue.RedisAddr,
		"source_backend":  cfg.Source.Backend,
	}).Info("starting worker")

	// Run blocks until SIGINT or SIGTERM and drains in-flight tasks itself.
	if err := srv.Run(); err != nil {
		logger.WithError(err).Error("worker failed")
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("metrics server shutdown failed")
		}
	}
}
