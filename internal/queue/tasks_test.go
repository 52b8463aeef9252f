package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
)

func TestRenderTaskRoundTrip(t *testing.T) {
	payload := RenderPayload{
		JobID:       "job-123",
		SourceKey:   "photos/cat.jpg",
		Params:      map[string]string{"w": "320", "auto": "compress"},
		RequestedAt: time.Now().UTC(),
	}

	task, err := NewRenderTask(payload)
	if err != nil {
		t.Fatalf("NewRenderTask returned error: %v", err)
	}
	if task.Type() != TypeRenderImage {
		t.Fatalf("expected task type %q, got %q", TypeRenderImage, task.Type())
	}

	parsed, err := ParseRenderPayload(task)
	if err != nil {
		t.Fatalf("ParseRenderPayload returned error: %v", err)
	}
	if parsed.JobID != payload.JobID {
		t.Fatalf("expected job_id %q, got %q", payload.JobID, parsed.JobID)
	}
	if parsed.Params["w"] != "320" {
		t.Fatalf("expected params to survive, got %v", parsed.Params)
	}
}

func TestParseRenderPayloadRejectsIncomplete(t *testing.T) {
	if _, err := ParseRenderPayload(asynq.NewTask(TypeRenderImage, []byte(`{"job_id":"x"}`))); err == nil {
		t.Fatal("expected error for missing source_key")
	}
	if _, err := ParseRenderPayload(asynq.NewTask(TypeRenderImage, []byte(`not json`))); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestEnqueueRenderDeduplicatesByJobID(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewClient(asynq.RedisClientOpt{Addr: mr.Addr()}, "renders")
	t.Cleanup(func() { _ = client.Close() })

	payload := RenderPayload{JobID: "job-dup", SourceKey: "a.png", RequestedAt: time.Now().UTC()}

	info, err := client.EnqueueRender(context.Background(), payload)
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if info.ID != "job-dup" || info.Queue != "renders" {
		t.Fatalf("unexpected task info id=%s queue=%s", info.ID, info.Queue)
	}

	_, err = client.EnqueueRender(context.Background(), payload)
	if !errors.Is(err, asynq.ErrTaskIDConflict) {
		t.Fatalf("expected task id conflict, got %v", err)
	}
}
