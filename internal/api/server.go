// Package api serves rendered images over HTTP and accepts asynchronous
// render jobs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/snappy/internal/cache"
	"github.com/dunamismax/snappy/internal/logging"
	"github.com/dunamismax/snappy/internal/params"
	"github.com/dunamismax/snappy/internal/pipeline"
	"github.com/dunamismax/snappy/internal/queue"
	"github.com/dunamismax/snappy/internal/ratelimit"
	"github.com/dunamismax/snappy/internal/response"
	"github.com/dunamismax/snappy/internal/store"
	"github.com/hibiken/asynq"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultHTTPMaxAge = 24 * time.Hour

type renderer interface {
	Resolve(raw params.Raw, strict bool) (params.Resolution, error)
	RenderResolved(ctx context.Context, key string, res params.Resolution) (pipeline.Rendered, error)
}

type queueEnqueuer interface {
	EnqueueRender(ctx context.Context, payload queue.RenderPayload) (*asynq.TaskInfo, error)
}

type Options struct {
	Logger      logrus.FieldLogger
	Renderer    renderer
	Cache       cache.Cache
	Queue       queueEnqueuer
	JobStore    store.JobStore
	RateLimiter ratelimit.Limiter
	// TransformCost is the number of tokens a request that runs the image
	// engine takes from its client's bucket. Cache hits and passthroughs
	// take ratelimit.CostRequest.
	TransformCost int
	// StrictParams rejects requests carrying any invalid parameter instead
	// of dropping the offending keys.
	StrictParams bool
	HTTPMaxAge   time.Duration
}

type Server struct {
	logger      logrus.FieldLogger
	renderer    renderer
	cache       cache.Cache
	queueClient queueEnqueuer
	jobStore    store.JobStore
	rateLimiter   ratelimit.Limiter
	transformCost int
	strict        bool
	httpMaxAge    time.Duration
	metrics       *metrics
	tracer        trace.Tracer
	mux           *http.ServeMux
}

func NewServer(opts Options) (*Server, error) {
	if opts.Renderer == nil {
		return nil, errors.New("renderer is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.HTTPMaxAge <= 0 {
		opts.HTTPMaxAge = defaultHTTPMaxAge
	}
	if opts.TransformCost < ratelimit.CostRequest {
		opts.TransformCost = ratelimit.CostRequest
	}

	s := &Server{
		logger:        opts.Logger,
		renderer:      opts.Renderer,
		cache:         opts.Cache,
		queueClient:   opts.Queue,
		jobStore:      opts.JobStore,
		rateLimiter:   opts.RateLimiter,
		transformCost: opts.TransformCost,
		strict:        opts.StrictParams,
		httpMaxAge:    opts.HTTPMaxAge,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("github.com/dunamismax/snappy/internal/api"),
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Handler returns the full middleware chain around the router.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.withRateLimit(h)
	h = s.withAccessLog(h)
	h = s.metrics.withHTTPMetrics(h)
	h = s.withTracing(h)
	return newCORS().Handler(h)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.metricsHandler()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())

	s.mux.HandleFunc("GET /v1/images/{key...}", s.handleImage)
	s.mux.HandleFunc("/v1/images/", methodNotAllowed(http.MethodGet, http.MethodHead))

	s.mux.HandleFunc("POST /v1/renders", s.handleCreateRender)
	s.mux.HandleFunc("GET /v1/renders/{id}", s.handleGetRender)
	s.mux.HandleFunc("/v1/renders", methodNotAllowed(http.MethodPost))

	s.mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		s.write(w, response.NotFound())
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.write(w, response.JSON(http.StatusOK, map[string]string{"status": "ok"}))
}

func methodNotAllowed(allow ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		_ = response.MethodNotAllowed(allow...).Write(w)
	}
}

func (s *Server) write(w http.ResponseWriter, resp response.Response) {
	if err := resp.Write(w); err != nil {
		s.logger.WithError(err).Warn("write response failed")
	}
}

func newCORS() *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins: []string{response.AllowOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost},
		AllowedHeaders: strings.Split(response.AllowHeaders, ","),
		ExposedHeaders: []string{
			headerTransformPlan,
			headerCache,
			"X-RateLimit-Remaining",
			"Retry-After",
		},
		MaxAge: 600,
	})
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}
