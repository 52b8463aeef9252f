// Package domain holds the render job model shared by the API, queue and
// worker.
package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"
)

const maxRenderParams = 32

var ErrInvalidTransition = errors.New("invalid job status transition")

type CreateRenderRequest struct {
	SourceKey  string            `json:"source_key"`
	Params     map[string]string `json:"params,omitempty"`
	WebhookURL string            `json:"webhook_url,omitempty"`
}

// RenderJob is one asynchronous render of a single variant.
type RenderJob struct {
	ID         string            `json:"id"`
	Status     string            `json:"status"`
	SourceKey  string            `json:"source_key"`
	Params     map[string]string `json:"params,omitempty"`
	WebhookURL string            `json:"webhook_url,omitempty"`
	OutputKey  string            `json:"output_key,omitempty"`
	Plan       string            `json:"plan,omitempty"`
	Error      string            `json:"error,omitempty"`
	Usage      *RenderUsage      `json:"usage,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// RenderUsage is the cost of a finished render.
type RenderUsage struct {
	PixelsProcessed int64 `json:"pixels_processed"`
	SourceBytes     int64 `json:"source_bytes"`
	OutputBytes     int64 `json:"output_bytes"`
	BytesSaved      int64 `json:"bytes_saved"`
	ComputeTimeMS   int64 `json:"compute_time_ms"`
}

// RenderOutcome is what the worker records when a job reaches a terminal
// status.
type RenderOutcome struct {
	Status    string
	OutputKey string
	Plan      string
	Error     string
	Usage     *RenderUsage
}

func (r CreateRenderRequest) Validate() error {
	if strings.TrimSpace(r.SourceKey) == "" {
		return errors.New("source_key is required")
	}
	if len(r.Params) > maxRenderParams {
		return fmt.Errorf("params must contain at most %d entries", maxRenderParams)
	}
	for k := range r.Params {
		if strings.TrimSpace(k) == "" {
			return errors.New("params keys must not be empty")
		}
	}
	if raw := strings.TrimSpace(r.WebhookURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook_url must be an absolute http(s) URL: %q", r.WebhookURL)
		}
	}
	return nil
}

// Terminal reports whether status is final.
func Terminal(status string) bool {
	return status == JobStatusSucceeded || status == JobStatusFailed
}

// CanTransition reports whether a job may move from one status to another.
// Jobs move forward only; a failed attempt may be picked up again by a queue
// retry.
func CanTransition(from, to string) bool {
	switch from {
	case JobStatusCreated:
		return to == JobStatusQueued || to == JobStatusFailed
	case JobStatusQueued:
		return to == JobStatusProcessing || to == JobStatusFailed
	case JobStatusProcessing:
		return to == JobStatusSucceeded || to == JobStatusFailed
	case JobStatusFailed:
		return to == JobStatusProcessing
	default:
		return false
	}
}

// NewUsage derives usage from render sizes. Bytes saved never goes negative
// and compute time is at least one millisecond.
func NewUsage(width, height int, sourceBytes, outputBytes int, compute time.Duration) *RenderUsage {
	saved := int64(sourceBytes - outputBytes)
	if saved < 0 {
		saved = 0
	}
	ms := compute.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return &RenderUsage{
		PixelsProcessed: int64(width) * int64(height),
		SourceBytes:     int64(sourceBytes),
		OutputBytes:     int64(outputBytes),
		BytesSaved:      saved,
		ComputeTimeMS:   ms,
	}
}
