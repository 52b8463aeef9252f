package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dunamismax/snappy/internal/cache"
	"github.com/dunamismax/snappy/internal/domain"
	"github.com/dunamismax/snappy/internal/pipeline"
	"github.com/dunamismax/snappy/internal/queue"
	"github.com/dunamismax/snappy/internal/ratelimit"
	"github.com/dunamismax/snappy/internal/store"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	server *Server
	queue  *fakeQueue
	jobs   *store.MemoryJobStore
	root   string
}

func newFixture(t *testing.T, mutate func(*Options)) fixture {
	t.Helper()

	root := t.TempDir()
	writeFile(t, root, "small.png", testPNG(t, 35, 28))
	writeFile(t, root, "notes.png", []byte("plain text pretending to be a png"))

	processor, err := pipeline.NewProcessor(pipeline.Options{
		Fetcher: pipeline.LocalFileFetcher{Root: root},
	})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	renderCache, err := cache.NewRedisCache(client, time.Minute, 0, "")
	require.NoError(t, err)

	q := &fakeQueue{}
	jobs := store.NewMemoryJobStore()
	opts := Options{
		Renderer: processor,
		Cache:    renderCache,
		Queue:    q,
		JobStore: jobs,
	}
	if mutate != nil {
		mutate(&opts)
	}

	srv, err := NewServer(opts)
	require.NoError(t, err)
	return fixture{server: srv, queue: q, jobs: jobs, root: root}
}

func (f fixture) do(t *testing.T, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestImageRenderAndCache(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/v1/images/small.png?w=50&h=100&fit=crop", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "MISS", rec.Header().Get(headerCache))
	assert.Equal(t, "resize(50x100,cover) crop(50x100,center)", rec.Header().Get(headerTransformPlan))
	assert.Equal(t, "public, max-age=86400", rec.Header().Get("Cache-Control"))
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Disposition"), "inline; filename="))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	cfg, _, err := image.DecodeConfig(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Width)
	assert.Equal(t, 100, cfg.Height)

	again := f.do(t, http.MethodGet, "/v1/images/small.png?WIDTH=50&HEIGHT=100&FIT=CROP", nil, nil)
	require.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, "HIT", again.Header().Get(headerCache))
	assert.Equal(t, rec.Body.Bytes(), again.Body.Bytes())

	missName := rec.Header().Get("Content-Disposition")
	hitName := again.Header().Get("Content-Disposition")
	assert.True(t, strings.HasSuffix(hitName, ".png"), hitName)
	assert.NotEqual(t, missName, hitName)
}

func TestImageCacheIgnoresUnknownParams(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/v1/images/small.png?w=20&cb=1700000000", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get(headerCache))

	again := f.do(t, http.MethodGet, "/v1/images/small.png?w=20&cb=1700000001&utm_source=mail", nil, nil)
	require.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, "HIT", again.Header().Get(headerCache))
	assert.Equal(t, rec.Body.Bytes(), again.Body.Bytes())

	other := f.do(t, http.MethodGet, "/v1/images/small.png?w=21&cb=1700000000", nil, nil)
	require.Equal(t, http.StatusOK, other.Code)
	assert.Equal(t, "MISS", other.Header().Get(headerCache))
}

func TestImageBoundsKeepsAspectRatio(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Cache = nil })

	rec := f.do(t, http.MethodGet, "/v1/images/small.png?w=50&h=100&fit=bounds", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Width)
	assert.Equal(t, 40, cfg.Height)
}

func TestImagePassthroughAndInvalidParams(t *testing.T) {
	f := newFixture(t, nil)
	original, err := os.ReadFile(filepath.Join(f.root, "small.png"))
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/v1/images/small.png?w=abc&fit=crop&blur=3", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, original, rec.Body.Bytes())
	assert.Empty(t, rec.Header().Get(headerTransformPlan))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "small.png")
}

func TestImageErrors(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/v1/images/missing.png?w=10", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"errors":{"_resource":["not found"]}}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/images/notes.png?w=10", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), pipeline.ErrNotAnImage.Error())

	rec = f.do(t, http.MethodPost, "/v1/images/small.png", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, HEAD", rec.Header().Get("Allow"))

	rec = f.do(t, http.MethodGet, "/nowhere", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImageStrictParams(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.StrictParams = true })

	rec := f.do(t, http.MethodGet, "/v1/images/small.png?w=9999&fm=gif", nil, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body struct {
		Errors map[string][]string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Errors, "w")
	assert.NotContains(t, body.Errors, "fm")
}

func TestRateLimit(t *testing.T) {
	limiter, err := ratelimit.NewMemoryLimiter(1, time.Hour, 0)
	require.NoError(t, err)
	f := newFixture(t, func(o *Options) { o.RateLimiter = limiter })

	headers := map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}
	first := f.do(t, http.MethodGet, "/v1/images/small.png?w=10", nil, headers)
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))

	second := f.do(t, http.MethodGet, "/v1/images/small.png?w=10", nil, headers)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	health := f.do(t, http.MethodGet, "/healthz", nil, headers)
	assert.Equal(t, http.StatusOK, health.Code)
}

func TestRateLimitChargesTransformsMore(t *testing.T) {
	limiter, err := ratelimit.NewMemoryLimiter(6, time.Hour, 0)
	require.NoError(t, err)
	f := newFixture(t, func(o *Options) {
		o.RateLimiter = limiter
		o.TransformCost = 4
	})
	headers := map[string]string{"X-Forwarded-For": "198.51.100.4"}

	// passthrough: 1 token
	rec := f.do(t, http.MethodGet, "/v1/images/small.png", nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)

	// transform: 4 tokens
	rec = f.do(t, http.MethodGet, "/v1/images/small.png?w=10", nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get(headerCache))

	// cache hit: 1 token, bucket now empty
	rec = f.do(t, http.MethodGet, "/v1/images/small.png?w=10", nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get(headerCache))

	rec = f.do(t, http.MethodGet, "/v1/images/small.png?w=12", nil, headers)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRateLimitDeniesTransformBeforeRendering(t *testing.T) {
	limiter, err := ratelimit.NewMemoryLimiter(4, time.Hour, 0)
	require.NoError(t, err)
	f := newFixture(t, func(o *Options) {
		o.RateLimiter = limiter
		o.TransformCost = 4
	})
	headers := map[string]string{"X-Forwarded-For": "198.51.100.5"}

	rec := f.do(t, http.MethodGet, "/v1/images/small.png", nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)

	// 1 token spent; a transform needs all 4
	rec = f.do(t, http.MethodGet, "/v1/images/small.png?w=10", nil, headers)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// cheap requests still fit in what is left
	rec = f.do(t, http.MethodGet, "/v1/images/small.png", nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(headerTransformPlan))
}

func TestCreateAndGetRender(t *testing.T) {
	f := newFixture(t, nil)

	body := []byte(`{"source_key":"small.png","params":{"w":"20","fm":"jpg"},"webhook_url":"https://example.com/hook"}`)
	rec := f.do(t, http.MethodPost, "/v1/renders", body, map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	jobID, _ := created["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, domain.JobStatusQueued, created["status"])
	assert.Equal(t, "/v1/renders/"+jobID, created["status_url"])

	require.Len(t, f.queue.payloads, 1)
	assert.Equal(t, "small.png", f.queue.payloads[0].SourceKey)
	assert.Equal(t, "20", f.queue.payloads[0].Params["w"])

	rec = f.do(t, http.MethodGet, "/v1/renders/"+jobID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job domain.RenderJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, domain.JobStatusQueued, job.Status)

	rec = f.do(t, http.MethodGet, "/v1/renders/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRenderRejectsBadRequests(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/renders", []byte(`{"params":{}}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/renders", []byte(`{"source_key":"a.png","extra":1}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/renders", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCreateRenderEnqueueFailureMarksJobFailed(t *testing.T) {
	f := newFixture(t, nil)
	f.queue.err = errors.New("redis down")
	var jobID string
	f.queue.onEnqueue = func(p queue.RenderPayload) { jobID = p.JobID }

	rec := f.do(t, http.MethodPost, "/v1/renders", []byte(`{"source_key":"small.png"}`), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	job, ok, err := f.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
}

func TestCreateRenderJobIsQueuedBeforeWorkerStarts(t *testing.T) {
	f := newFixture(t, nil)
	var workerErrs []error
	f.queue.onEnqueue = func(p queue.RenderPayload) {
		ctx := context.Background()
		job, ok, err := f.jobs.Get(ctx, p.JobID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.JobStatusQueued, job.Status)

		_, err = f.jobs.UpdateStatus(ctx, p.JobID, domain.JobStatusProcessing)
		workerErrs = append(workerErrs, err)
		_, err = f.jobs.Finish(ctx, p.JobID, domain.RenderOutcome{
			Status:    domain.JobStatusSucceeded,
			OutputKey: "renders/" + p.JobID + ".jpg",
			Plan:      "resize(20x0,bounds)",
		})
		workerErrs = append(workerErrs, err)
	}

	rec := f.do(t, http.MethodPost, "/v1/renders", []byte(`{"source_key":"small.png","params":{"w":"20"}}`), nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, workerErrs, 2)
	assert.NoError(t, workerErrs[0])
	assert.NoError(t, workerErrs[1])

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	jobID, _ := created["job_id"].(string)

	rec = f.do(t, http.MethodGet, "/v1/renders/"+jobID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job domain.RenderJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, domain.JobStatusSucceeded, job.Status)
	assert.Equal(t, "renders/"+jobID+".jpg", job.OutputKey)
}

func TestCreateRenderWithoutQueue(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Queue = nil })

	rec := f.do(t, http.MethodPost, "/v1/renders", []byte(`{"source_key":"small.png"}`), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/v1/images/a/b.png": "/v1/images/{key}",
		"/v1/renders":        "/v1/renders",
		"/v1/renders/abc":    "/v1/renders/{id}",
		"/healthz":           "/healthz",
		"/metrics":           "/metrics",
		"/wp-admin":          "other",
	}
	for path, want := range tests {
		assert.Equal(t, want, routeLabel(path), path)
	}
}

type fakeQueue struct {
	mu       sync.Mutex
	payloads []queue.RenderPayload
	err      error
	// onEnqueue runs before EnqueueRender returns, standing in for a worker
	// that starts on the task immediately.
	onEnqueue func(queue.RenderPayload)
}

func (q *fakeQueue) EnqueueRender(_ context.Context, payload queue.RenderPayload) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.onEnqueue != nil {
		q.onEnqueue(payload)
	}
	if q.err != nil {
		return nil, q.err
	}
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: payload.JobID, Queue: "renders"}, nil
}

func writeFile(t *testing.T, root, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, name), data, 0o644))
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 9), B: 140, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
