package api

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/snappy/internal/cache"
	"github.com/dunamismax/snappy/internal/id"
	"github.com/dunamismax/snappy/internal/params"
	"github.com/dunamismax/snappy/internal/pipeline"
	"github.com/dunamismax/snappy/internal/response"
	"github.com/sirupsen/logrus"
)

const (
	headerTransformPlan = "X-Transform-Plan"
	headerCache         = "X-Cache"
)

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		s.write(w, response.NotFound())
		return
	}
	logger := s.logger.WithField("key", key)

	res, err := s.renderer.Resolve(params.FromQuery(r.URL.Query()), s.strict)
	if err != nil {
		s.write(w, response.Unprocessable(params.Fields(err)))
		return
	}
	for _, d := range res.Dropped {
		s.metrics.droppedParams.WithLabelValues(droppedLabel(d.Key)).Inc()
	}

	cacheKey := cache.Key(key, res.Effective)
	if entry, ok := s.cacheGet(r.Context(), logger, cacheKey); ok {
		s.metrics.cacheResults.WithLabelValues("hit").Inc()
		if entry.Plan != "" {
			// Stored names belong to the response that produced them.
			entry.OutputName = id.Filename(entry.Extension)
		}
		s.write(w, s.imageResponse(entry, "HIT"))
		return
	}
	if s.cache != nil {
		s.metrics.cacheResults.WithLabelValues("miss").Inc()
	}
	if len(res.Effective) > 0 && !s.chargeTransform(w, r) {
		return
	}

	start := time.Now()
	rendered, err := s.renderer.RenderResolved(r.Context(), key, res)
	if err != nil {
		s.write(w, s.renderError(logger, err))
		return
	}
	s.metrics.renderDuration.WithLabelValues(passthroughLabel(rendered.Passthrough)).Observe(time.Since(start).Seconds())
	s.metrics.renderedBytes.WithLabelValues(formatLabel(rendered.Extension)).Add(float64(len(rendered.Data)))

	entry := cache.Entry{
		Data:         rendered.Data,
		ContentType:  rendered.ContentType,
		Extension:    rendered.Extension,
		OutputName:   rendered.OutputName,
		CacheControl: rendered.CacheControl,
		Plan:         rendered.Plan.String(),
		Width:        rendered.Width,
		Height:       rendered.Height,
	}
	s.cachePut(r.Context(), logger, cacheKey, entry)

	logger.WithFields(logrus.Fields{
		"plan":        entry.Plan,
		"passthrough": rendered.Passthrough,
		"bytes":       len(rendered.Data),
	}).Debug("rendered image")
	s.write(w, s.imageResponse(entry, "MISS"))
}

func (s *Server) cacheGet(ctx context.Context, logger logrus.FieldLogger, key string) (cache.Entry, bool) {
	if s.cache == nil {
		return cache.Entry{}, false
	}
	entry, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		logger.WithError(err).Warn("render cache lookup failed")
		return cache.Entry{}, false
	}
	return entry, ok
}

func (s *Server) cachePut(ctx context.Context, logger logrus.FieldLogger, key string, entry cache.Entry) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, entry); err != nil {
		if errors.Is(err, cache.ErrTooLarge) {
			logger.WithError(err).Debug("render not cached")
			return
		}
		logger.WithError(err).Warn("render cache store failed")
	}
}

func (s *Server) imageResponse(entry cache.Entry, cacheStatus string) response.Response {
	cacheControl := entry.CacheControl
	if cacheControl == "" {
		cacheControl = fmt.Sprintf("public, max-age=%d", int(s.httpMaxAge.Seconds()))
	}
	headers := map[string]string{
		"Cache-Control": cacheControl,
		headerCache:     cacheStatus,
	}
	if entry.OutputName != "" {
		headers["Content-Disposition"] = mime.FormatMediaType("inline", map[string]string{"filename": entry.OutputName})
	}
	if entry.Plan != "" {
		headers[headerTransformPlan] = entry.Plan
	}
	return response.Image(entry.Data, entry.ContentType, headers)
}

func (s *Server) renderError(logger logrus.FieldLogger, err error) response.Response {
	switch {
	case errors.Is(err, pipeline.ErrSourceNotFound):
		return response.NotFound()
	case errors.Is(err, pipeline.ErrNotAnImage):
		return response.Unprocessable(map[string][]string{"_source": {pipeline.ErrNotAnImage.Error()}})
	case errors.Is(err, pipeline.ErrUndecodableSource):
		return response.Unprocessable(map[string][]string{"_source": {pipeline.ErrUndecodableSource.Error()}})
	case errors.Is(err, pipeline.ErrUnsupportedFormat):
		return response.Unprocessable(map[string][]string{params.KeyFormat: {pipeline.ErrUnsupportedFormat.Error()}})
	case errors.Is(err, pipeline.ErrEngineTimeout):
		logger.WithError(err).Error("image engine timed out")
		return response.InternalServerError("image engine timed out")
	case errors.Is(err, context.Canceled):
		logger.WithError(err).Info("render canceled by client")
		return response.InternalServerError("request canceled")
	default:
		logger.WithError(err).Error("render failed")
		return response.InternalServerError("")
	}
}

func droppedLabel(key string) string {
	switch key {
	case params.KeyWidth, params.KeyHeight, params.KeyFit, params.KeyFormat,
		params.KeyQuality, params.KeyDPR, params.KeyAuto:
		return key
	default:
		return "other"
	}
}

func passthroughLabel(passthrough bool) string {
	if passthrough {
		return "passthrough"
	}
	return "transform"
}

func formatLabel(ext string) string {
	switch ext {
	case "jpg", "jpeg", "png", "gif", "webp":
		return ext
	default:
		return "other"
	}
}
