package worker

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dunamismax/snappy/internal/config"
	"github.com/dunamismax/snappy/internal/domain"
	"github.com/dunamismax/snappy/internal/params"
	"github.com/dunamismax/snappy/internal/pipeline"
	"github.com/dunamismax/snappy/internal/queue"
	"github.com/dunamismax/snappy/internal/store"
	"github.com/dunamismax/snappy/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	server   *Server
	jobs     *store.MemoryJobStore
	objects  *memoryObjects
	hooks    *captureWebhook
	renderer *countingRenderer
}

func newHarness(t *testing.T) harness {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "photo.png"), testPNG(t, 35, 28), 0o644))

	processor, err := pipeline.NewProcessor(pipeline.Options{
		Fetcher: pipeline.LocalFileFetcher{Root: root},
	})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	h := harness{
		jobs:     store.NewMemoryJobStore(),
		objects:  &memoryObjects{data: map[string][]byte{}},
		hooks:    &captureWebhook{},
		renderer: &countingRenderer{next: processor},
	}
	srv, err := NewServer(Options{
		Queue:    config.QueueConfig{RedisAddr: mr.Addr(), Name: "renders"},
		Worker:   config.WorkerConfig{Concurrency: 1, MaxActiveJobs: 1},
		Renderer: h.renderer,
		Emitter:  pipeline.ObjectStoreEmitter{Storage: h.objects},
		Webhook:  h.hooks,
		JobStore: h.jobs,
	})
	require.NoError(t, err)
	h.server = srv
	return h
}

func (h harness) seed(t *testing.T, id, status, sourceKey string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, h.jobs.Create(context.Background(), domain.RenderJob{
		ID:         id,
		Status:     status,
		SourceKey:  sourceKey,
		WebhookURL: "https://example.com/hook",
		CreatedAt:  now,
		UpdatedAt:  now,
	}))
}

func renderTask(t *testing.T, id, sourceKey string, p map[string]string) *asynq.Task {
	t.Helper()
	task, err := queue.NewRenderTask(queue.RenderPayload{
		JobID:       id,
		SourceKey:   sourceKey,
		Params:      p,
		WebhookURL:  "https://example.com/hook",
		RequestedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return task
}

func TestHandleRenderSucceeds(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "job-1", domain.JobStatusQueued, "photo.png")

	err := h.server.handleRender(context.Background(), renderTask(t, "job-1", "photo.png", map[string]string{"w": "20", "fm": "jpg"}))
	require.NoError(t, err)

	job, ok, err := h.jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusSucceeded, job.Status)
	assert.True(t, strings.HasPrefix(job.OutputKey, "renders/job-1/"), job.OutputKey)
	assert.True(t, strings.HasSuffix(job.OutputKey, ".jpg"), job.OutputKey)
	assert.Contains(t, job.Plan, "resize(20x")
	require.NotNil(t, job.Usage)
	assert.Equal(t, int64(20*16), job.Usage.PixelsProcessed)
	assert.GreaterOrEqual(t, job.Usage.ComputeTimeMS, int64(1))

	stored, ok := h.objects.get(job.OutputKey)
	require.True(t, ok)
	cfg, format, err := image.DecodeConfig(bytes.NewReader(stored))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 20, cfg.Width)
	assert.Equal(t, 16, cfg.Height)

	events := h.hooks.events()
	require.Len(t, events, 1)
	assert.Equal(t, webhook.EventRenderCompleted, events[0])
}

func TestHandleRenderMissingSourceIsPermanent(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "job-2", domain.JobStatusQueued, "missing.png")

	err := h.server.handleRender(context.Background(), renderTask(t, "job-2", "missing.png", map[string]string{"w": "20"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	job, _, err := h.jobs.Get(context.Background(), "job-2")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, pipeline.ErrSourceNotFound.Error())
	assert.Equal(t, []string{webhook.EventRenderFailed}, h.hooks.events())
}

func TestHandleRenderEmitFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.objects.err = errors.New("bucket unavailable")
	h.seed(t, "job-3", domain.JobStatusQueued, "photo.png")

	err := h.server.handleRender(context.Background(), renderTask(t, "job-3", "photo.png", map[string]string{"w": "20"}))
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))

	job, _, err := h.jobs.Get(context.Background(), "job-3")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)

	// A retry may pick the failed job up again.
	h.objects.err = nil
	err = h.server.handleRender(context.Background(), renderTask(t, "job-3", "photo.png", map[string]string{"w": "20"}))
	require.NoError(t, err)
	job, _, err = h.jobs.Get(context.Background(), "job-3")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, job.Status)
}

func TestHandleRenderSkipsSucceededJob(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "job-4", domain.JobStatusQueued, "photo.png")
	_, err := h.jobs.UpdateStatus(context.Background(), "job-4", domain.JobStatusProcessing)
	require.NoError(t, err)
	_, err = h.jobs.Finish(context.Background(), "job-4", domain.RenderOutcome{Status: domain.JobStatusSucceeded})
	require.NoError(t, err)

	err = h.server.handleRender(context.Background(), renderTask(t, "job-4", "photo.png", nil))
	require.NoError(t, err)
	assert.Zero(t, h.renderer.calls)
	assert.Empty(t, h.hooks.events())
}

func TestHandleRenderRejectsBadPayload(t *testing.T) {
	h := newHarness(t)

	err := h.server.handleRender(context.Background(), asynq.NewTask(queue.TypeRenderImage, []byte(`{"job_id":""}`)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)

	_, err = NewServer(Options{Renderer: &countingRenderer{}})
	assert.Error(t, err)
}

type countingRenderer struct {
	mu    sync.Mutex
	calls int
	next  *pipeline.Processor
}

func (r *countingRenderer) Render(ctx context.Context, key string, raw params.Raw, strict bool) (pipeline.Rendered, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.next.Render(ctx, key, raw, strict)
}

type memoryObjects struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func (m *memoryObjects) WriteObject(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *memoryObjects) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	return data, ok
}

type captureWebhook struct {
	mu   sync.Mutex
	sent []string
}

func (c *captureWebhook) Send(_ context.Context, _, event string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, event)
	return nil
}

func (c *captureWebhook) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 5), G: uint8(y * 8), B: 90, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
