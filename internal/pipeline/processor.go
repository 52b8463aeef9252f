// Package pipeline fetches a source image, plans its transformation and runs
// the plan on an image engine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/dunamismax/snappy/internal/logging"
	"github.com/dunamismax/snappy/internal/params"
	"github.com/dunamismax/snappy/internal/plan"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultEngineTimeout = 20 * time.Second

type Options struct {
	Fetcher     Fetcher
	Transformer Transformer
	Resolver    *params.Resolver
	Builder     *plan.Builder
	// EngineTimeout bounds a single Transform call. Zero means
	// DefaultEngineTimeout; a negative value disables the bound.
	EngineTimeout time.Duration
	Logger        logrus.FieldLogger
}

type Processor struct {
	fetcher       Fetcher
	transformer   Transformer
	resolver      *params.Resolver
	builder       *plan.Builder
	engineTimeout time.Duration
	logger        logrus.FieldLogger
	tracer        trace.Tracer
}

// Rendered is a finished variant, or the untouched source when Passthrough
// is set.
type Rendered struct {
	Key          string
	Data         []byte
	ContentType  string
	Extension    string
	OutputName   string
	CacheControl string
	Plan         plan.Plan
	Resolution   params.Resolution
	Passthrough  bool
	Width        int
	Height       int
	SourceBytes  int
}

func NewProcessor(opts Options) (*Processor, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Transformer == nil {
		opts.Transformer = NewTransformer()
	}
	if opts.Resolver == nil {
		opts.Resolver = params.NewResolver(params.DefaultConfig())
	}
	if opts.Builder == nil {
		builder, err := plan.NewBuilder(plan.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("build planner: %w", err)
		}
		opts.Builder = builder
	}
	if opts.EngineTimeout == 0 {
		opts.EngineTimeout = DefaultEngineTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	return &Processor{
		fetcher:       opts.Fetcher,
		transformer:   opts.Transformer,
		resolver:      opts.Resolver,
		builder:       opts.Builder,
		engineTimeout: opts.EngineTimeout,
		logger:        opts.Logger,
		tracer:        otel.Tracer("github.com/dunamismax/snappy/internal/pipeline"),
	}, nil
}

// Resolve turns raw request parameters into an operation set. With strict
// set, any invalid key fails the whole request with an error wrapping
// params.ErrInvalidParameters.
func (p *Processor) Resolve(raw params.Raw, strict bool) (params.Resolution, error) {
	if strict {
		return p.resolver.ResolveStrict(raw)
	}

	res := p.resolver.Resolve(raw)
	if len(res.Dropped) > 0 {
		p.logger.WithField("dropped", rejectionStrings(res.Dropped)).Debug("dropped request parameters")
	}
	return res, nil
}

func (p *Processor) Render(ctx context.Context, key string, raw params.Raw, strict bool) (Rendered, error) {
	res, err := p.Resolve(raw, strict)
	if err != nil {
		return Rendered{}, err
	}
	return p.RenderResolved(ctx, key, res)
}

// RenderResolved fetches key and applies an already resolved operation set.
func (p *Processor) RenderResolved(ctx context.Context, key string, res params.Resolution) (Rendered, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.render", trace.WithAttributes(
		attribute.String("source.key", key),
		attribute.String("params", res.Operations.Canonical()),
	))
	defer span.End()

	out, err := p.render(ctx, key, res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Rendered{}, err
	}
	span.SetAttributes(
		attribute.Bool("passthrough", out.Passthrough),
		attribute.String("output.extension", out.Extension),
		attribute.Int("output.bytes", len(out.Data)),
	)
	return out, nil
}

func (p *Processor) render(ctx context.Context, key string, res params.Resolution) (Rendered, error) {
	src, err := p.fetcher.Fetch(ctx, key)
	if err != nil {
		return Rendered{}, fmt.Errorf("fetch stage: %w", err)
	}

	detected, err := Detect(src.Data)
	if err != nil {
		return Rendered{}, fmt.Errorf("detect stage: %w", err)
	}
	if src.Extension == "" {
		src.Extension = detected.Extension
	}
	if src.ContentType == "" || src.ContentType == "application/octet-stream" {
		src.ContentType = detected.MIME
	}

	rendered := Rendered{
		Key:          src.Key,
		CacheControl: src.CacheControl,
		Resolution:   res,
		SourceBytes:  len(src.Data),
	}

	if !p.resolver.Actionable(res.Operations) {
		return passthrough(rendered, src), nil
	}

	built := p.builder.Build(res.Operations, src.Extension)
	if built.Empty() {
		return passthrough(rendered, src), nil
	}
	rendered.Plan = built

	output, err := p.execute(ctx, src.Data, built)
	if err != nil {
		return Rendered{}, fmt.Errorf("transform stage plan=%q: %w", built.String(), err)
	}

	rendered.Data = output.Data
	rendered.ContentType = output.ContentType
	rendered.Extension = built.Extension
	rendered.OutputName = built.OutputName
	rendered.Width = output.Width
	rendered.Height = output.Height
	return rendered, nil
}

// execute runs the engine in its own goroutine so a stuck engine cannot hold
// the caller past the engine timeout.
func (p *Processor) execute(ctx context.Context, data []byte, pl plan.Plan) (Output, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.transform", trace.WithAttributes(
		attribute.String("plan", pl.String()),
	))
	defer span.End()

	if p.engineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.engineTimeout)
		defer cancel()
	}

	type result struct {
		out Output
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := p.transformer.Transform(ctx, data, pl)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return Output{}, fmt.Errorf("%w: %v", ErrEngineTimeout, r.err)
		}
		return r.out, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Output{}, fmt.Errorf("%w after %s", ErrEngineTimeout, p.engineTimeout)
		}
		return Output{}, ctx.Err()
	}
}

func passthrough(r Rendered, src Source) Rendered {
	r.Passthrough = true
	r.Data = src.Data
	r.ContentType = src.ContentType
	r.Extension = src.Extension
	r.OutputName = path.Base(src.Key)
	return r
}

func rejectionStrings(in []params.Rejection) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		out = append(out, r.String())
	}
	return out
}
