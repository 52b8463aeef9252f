package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeRenderImage = "image:render"

type RenderPayload struct {
	JobID       string            `json:"job_id"`
	SourceKey   string            `json:"source_key"`
	Params      map[string]string `json:"params,omitempty"`
	WebhookURL  string            `json:"webhook_url,omitempty"`
	RequestedAt time.Time         `json:"requested_at"`
}

func NewRenderTask(payload RenderPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal render payload: %w", err)
	}
	return asynq.NewTask(TypeRenderImage, body), nil
}

func ParseRenderPayload(task *asynq.Task) (RenderPayload, error) {
	var payload RenderPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RenderPayload{}, fmt.Errorf("unmarshal render payload: %w", err)
	}
	if payload.JobID == "" || payload.SourceKey == "" {
		return RenderPayload{}, fmt.Errorf("render payload requires job_id and source_key")
	}
	return payload, nil
}
