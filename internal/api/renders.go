package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/snappy/internal/domain"
	"github.com/dunamismax/snappy/internal/id"
	"github.com/dunamismax/snappy/internal/params"
	"github.com/dunamismax/snappy/internal/queue"
	"github.com/dunamismax/snappy/internal/response"
)

func (s *Server) handleCreateRender(w http.ResponseWriter, r *http.Request) {
	if s.queueClient == nil || s.jobStore == nil {
		s.write(w, response.Unavailable("render jobs are not configured"))
		return
	}

	var req domain.CreateRenderRequest
	if err := decodeJSON(r, &req); err != nil {
		s.write(w, response.BadRequest(err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		s.write(w, response.BadRequest(err.Error()))
		return
	}
	if s.strict {
		if _, err := s.renderer.Resolve(params.FromStrings(req.Params), true); err != nil {
			s.write(w, response.Unprocessable(params.Fields(err)))
			return
		}
	}

	if !s.chargeTransform(w, r) {
		return
	}

	now := time.Now().UTC()
	job := domain.RenderJob{
		ID:         id.New(),
		Status:     domain.JobStatusCreated,
		SourceKey:  strings.TrimSpace(req.SourceKey),
		Params:     req.Params,
		WebhookURL: strings.TrimSpace(req.WebhookURL),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	logger := s.logger.WithField("job_id", job.ID)

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		logger.WithError(err).Error("create render job failed")
		s.write(w, response.InternalServerError("failed to create job"))
		return
	}
	// A worker may pick the task up before EnqueueRender returns, so the job
	// must already be queued.
	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		logger.WithError(err).Error("mark render job queued failed")
		s.write(w, response.InternalServerError("failed to create job"))
		return
	}

	taskInfo, err := s.queueClient.EnqueueRender(r.Context(), queue.RenderPayload{
		JobID:       job.ID,
		SourceKey:   job.SourceKey,
		Params:      job.Params,
		WebhookURL:  job.WebhookURL,
		RequestedAt: now,
	})
	if err != nil {
		logger.WithError(err).Error("enqueue render job failed")
		if _, updateErr := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusFailed); updateErr != nil {
			logger.WithError(updateErr).Warn("mark render job failed")
		}
		s.write(w, response.InternalServerError("failed to enqueue job"))
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	s.write(w, response.JSON(http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"status_url":  "/v1/renders/" + job.ID,
		"enqueued_at": taskInfo.NextProcessAt,
	}))
}

func (s *Server) handleGetRender(w http.ResponseWriter, r *http.Request) {
	if s.jobStore == nil {
		s.write(w, response.Unavailable("render jobs are not configured"))
		return
	}

	jobID := strings.TrimSpace(r.PathValue("id"))
	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.WithError(err).WithField("job_id", jobID).Error("load render job failed")
		s.write(w, response.InternalServerError("failed to load job"))
		return
	}
	if !ok {
		s.write(w, response.NotFound())
		return
	}
	s.write(w, response.JSON(http.StatusOK, job))
}
