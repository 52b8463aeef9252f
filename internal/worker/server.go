// Package worker consumes queued render jobs, stores the rendered variant
// and notifies the job's webhook.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dunamismax/snappy/internal/config"
	"github.com/dunamismax/snappy/internal/domain"
	"github.com/dunamismax/snappy/internal/logging"
	"github.com/dunamismax/snappy/internal/params"
	"github.com/dunamismax/snappy/internal/pipeline"
	"github.com/dunamismax/snappy/internal/queue"
	"github.com/dunamismax/snappy/internal/store"
	"github.com/dunamismax/snappy/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type renderer interface {
	Render(ctx context.Context, key string, raw params.Raw, strict bool) (pipeline.Rendered, error)
}

type emitter interface {
	Emit(ctx context.Context, jobID string, r pipeline.Rendered) (string, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Options struct {
	Logger   logrus.FieldLogger
	Queue    config.QueueConfig
	Worker   config.WorkerConfig
	Renderer renderer
	Emitter  emitter
	Webhook  webhookSender
	JobStore store.JobStore
}

type Server struct {
	logger   logrus.FieldLogger
	server   *asynq.Server
	sem      chan struct{}
	renderer renderer
	emitter  emitter
	webhook  webhookSender
	jobStore store.JobStore
	metrics  *metrics
	tracer   trace.Tracer
}

func NewServer(opts Options) (*Server, error) {
	if opts.Renderer == nil {
		return nil, errors.New("renderer is required")
	}
	if opts.Emitter == nil {
		return nil, errors.New("emitter is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	logger := opts.Logger

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			opts.Queue.RedisClientOpt(),
			asynq.Config{
				Concurrency: opts.Worker.Concurrency,
				Queues: map[string]int{
					opts.Queue.Name: 1,
				},
				Logger:   logger,
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.WithError(err).WithFields(logrus.Fields{
						"type":      task.Type(),
						"retry":     retried,
						"max_retry": maxRetry,
					}).Warn("task failed")
				}),
			},
		),
		sem:      make(chan struct{}, max(1, opts.Worker.MaxActiveJobs)),
		renderer: opts.Renderer,
		emitter:  opts.Emitter,
		webhook:  opts.Webhook,
		jobStore: opts.JobStore,
		metrics:  newMetrics(),
		tracer:   otel.Tracer("github.com/dunamismax/snappy/internal/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRenderImage, s.handleRender)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRender(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseRenderPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	logger := s.logger.WithFields(logrus.Fields{
		"job_id":     payload.JobID,
		"source_key": payload.SourceKey,
	})

	ctx, span := s.tracer.Start(ctx, "worker.render", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("source.key", payload.SourceKey),
		attribute.Int("job.params", len(payload.Params)),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	if s.alreadySucceeded(ctx, logger, payload.JobID) {
		outcome = domain.JobStatusSucceeded
		return nil
	}

	logger.WithField("params", len(payload.Params)).Info("rendering")
	s.updateJobStatus(ctx, logger, payload.JobID, domain.JobStatusProcessing)

	computeStart := time.Now()
	rendered, err := s.renderer.Render(ctx, payload.SourceKey, params.FromStrings(payload.Params), false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "render failed")
		return s.fail(ctx, logger, payload, fmt.Errorf("render: %w", err))
	}
	compute := time.Since(computeStart)

	outputKey, err := s.emitter.Emit(ctx, payload.JobID, rendered)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "emit failed")
		return s.fail(ctx, logger, payload, fmt.Errorf("emit: %w", err))
	}

	usage := domain.NewUsage(rendered.Width, rendered.Height, rendered.SourceBytes, len(rendered.Data), compute)
	plan := rendered.Plan.String()
	s.finishJob(ctx, logger, payload.JobID, domain.RenderOutcome{
		Status:    domain.JobStatusSucceeded,
		OutputKey: outputKey,
		Plan:      plan,
		Usage:     usage,
	})
	s.metrics.recordUsage(usage)
	outcome = domain.JobStatusSucceeded

	logger.WithFields(logrus.Fields{
		"output_key":  outputKey,
		"plan":        plan,
		"passthrough": rendered.Passthrough,
		"bytes":       len(rendered.Data),
	}).Info("rendered")

	if err := s.dispatchWebhook(ctx, logger, payload, webhook.EventRenderCompleted, map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusSucceeded,
		"source_key":   payload.SourceKey,
		"output_key":   outputKey,
		"plan":         plan,
		"content_type": rendered.ContentType,
		"usage":        usage,
		"requested_at": payload.RequestedAt,
		"completed_at": time.Now().UTC(),
	}); err != nil {
		span.RecordError(err)
	}

	span.SetStatus(codes.Ok, "rendered")
	return nil
}

// fail records a failed attempt. Only the last attempt, or a failure no
// retry can fix, finishes the job and notifies the webhook.
func (s *Server) fail(ctx context.Context, logger logrus.FieldLogger, payload queue.RenderPayload, err error) error {
	permanent := permanentFailure(err)
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	final := permanent || retried >= maxRetry

	s.finishJob(ctx, logger, payload.JobID, domain.RenderOutcome{
		Status: domain.JobStatusFailed,
		Error:  err.Error(),
	})

	if final {
		_ = s.dispatchWebhook(ctx, logger, payload, webhook.EventRenderFailed, map[string]any{
			"job_id":       payload.JobID,
			"status":       domain.JobStatusFailed,
			"source_key":   payload.SourceKey,
			"requested_at": payload.RequestedAt,
			"failed_at":    time.Now().UTC(),
			"error":        err.Error(),
		})
	}

	if permanent {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// permanentFailure reports errors that a retry of the same job cannot fix.
func permanentFailure(err error) bool {
	return errors.Is(err, pipeline.ErrSourceNotFound) ||
		errors.Is(err, pipeline.ErrNotAnImage) ||
		errors.Is(err, pipeline.ErrUndecodableSource) ||
		errors.Is(err, pipeline.ErrUnsupportedFormat)
}

func (s *Server) alreadySucceeded(ctx context.Context, logger logrus.FieldLogger, jobID string) bool {
	if s.jobStore == nil {
		return false
	}
	job, ok, err := s.jobStore.Get(ctx, jobID)
	if err != nil {
		logger.WithError(err).Warn("job lookup failed")
		return false
	}
	if ok && job.Status == domain.JobStatusSucceeded {
		logger.Info("job already succeeded, skipping")
		return true
	}
	return false
}

func (s *Server) updateJobStatus(ctx context.Context, logger logrus.FieldLogger, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		logger.WithError(err).WithField("status", status).Warn("job status update failed")
	}
}

func (s *Server) finishJob(ctx context.Context, logger logrus.FieldLogger, jobID string, outcome domain.RenderOutcome) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.Finish(ctx, jobID, outcome); err != nil {
		logger.WithError(err).WithField("status", outcome.Status).Warn("job finish failed")
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, logger logrus.FieldLogger, payload queue.RenderPayload, event string, body map[string]any) error {
	if payload.WebhookURL == "" || s.webhook == nil {
		return nil
	}

	if err := s.webhook.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.metrics.webhookFailures.WithLabelValues(event).Inc()
		logger.WithError(err).WithField("event", event).Warn("webhook delivery failed")
		return fmt.Errorf("dispatch webhook: %w", err)
	}
	return nil
}
