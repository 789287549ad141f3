package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/viewflow/internal/domain"
	"github.com/dunamismax/viewflow/internal/pipeline"
	"github.com/dunamismax/viewflow/internal/queue"
	"github.com/dunamismax/viewflow/internal/ratelimit"
	"github.com/dunamismax/viewflow/internal/store"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQueue rejects a reused task id the way asynq does while the task is retained.
type fakeQueue struct {
	payloads []queue.RenderViewsPayload
	taskIDs  map[string]bool
	err      error
}

func (q *fakeQueue) EnqueueRenderViews(_ context.Context, payload queue.RenderViewsPayload) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	id := queue.TaskID(payload)
	if q.taskIDs[id] {
		return nil, asynq.ErrTaskIDConflict
	}
	if q.taskIDs == nil {
		q.taskIDs = map[string]bool{}
	}
	q.taskIDs[id] = true
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: id, Queue: "default", State: asynq.TaskStatePending}, nil
}

type fakeStorage struct {
	objects map[string]bool
}

func (s *fakeStorage) PresignedPutURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://minio.local/put/" + key, nil
}

func (s *fakeStorage) PresignedGetURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://minio.local/get/" + key, nil
}

func (s *fakeStorage) ObjectExists(_ context.Context, key string) (bool, error) {
	return s.objects[key], nil
}

type fakeLimiter struct {
	budget int
	costs  []int
}

func (l *fakeLimiter) AllowN(_ context.Context, _ string, cost int) (ratelimit.Decision, error) {
	l.costs = append(l.costs, cost)
	if cost > l.budget {
		return ratelimit.Decision{Allowed: false, RetryAfter: 1500 * time.Millisecond}, nil
	}
	l.budget -= cost
	return ratelimit.Decision{Allowed: true, Remaining: int64(l.budget)}, nil
}

type harness struct {
	server  *Server
	handler http.Handler
	queue   *fakeQueue
	storage *fakeStorage
	jobs    *store.MemoryJobStore
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		queue:   &fakeQueue{},
		storage: &fakeStorage{objects: map[string]bool{}},
		jobs:    store.NewMemoryJobStore(),
	}
	h.server = NewServer(nil, h.queue, h.jobs, h.storage, opts)
	h.handler = h.server.Handler()
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func writeSource(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o644))
	return path
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, Options{})
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestCreateStartAndGetLocalJob(t *testing.T) {
	h := newHarness(t, Options{})
	source := writeSource(t)

	rec := h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"source_type": "local_file",
		"object_key":  source,
		"views": []map[string]any{
			{"id": "v0", "seed": 3},
			{"id": "v1", "transform": map[string]any{"input_size": []int{128, 96}, "crop_mode": "random"}},
		},
	}, "X-User-ID", "user-1")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	created := decodeBody(t, rec)
	jobID := created["job_id"].(string)
	assert.Equal(t, domain.JobStatusCreated, created["status"])
	assert.Equal(t, float64(2), created["views"])

	job, ok, err := h.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "user-1", job.UserID)

	rec = h.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, h.queue.payloads, 1)
	payload := h.queue.payloads[0]
	assert.Equal(t, jobID, payload.JobID)
	assert.Equal(t, "user-1", payload.UserID)
	require.Len(t, payload.Views, 2)
	assert.Equal(t, "random", payload.Views[1].Transform.CropMode)

	rec = h.do(t, http.MethodGet, "/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.JobStatusQueued, decodeBody(t, rec)["status"])

	rec = h.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreatePresignedJobAndReportOutputs(t *testing.T) {
	h := newHarness(t, Options{})

	rec := h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"source_type": "s3_presigned",
		"views":       []map[string]any{{"id": "v0", "preview": true}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	jobID := body["job_id"].(string)
	upload := body["upload"].(map[string]any)
	assert.Equal(t, "uploads/"+jobID+"/source", upload["object_key"])
	assert.True(t, strings.HasPrefix(upload["presigned_put_url"].(string), "https://minio.local/put/"))

	rec = h.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "source not uploaded yet")

	h.storage.objects["uploads/"+jobID+"/source"] = true
	rec = h.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	_, err := h.jobs.Finish(context.Background(), jobID, domain.JobStatusSucceeded, []domain.ViewOutput{{
		StepID:      "v0",
		TensorPath:  "views/" + jobID + "/v0.tensor",
		PreviewPath: "views/" + jobID + "/v0.png",
		Shape:       []int{3, 224, 224},
		Success:     true,
	}}, "")
	require.NoError(t, err)

	rec = h.do(t, http.MethodGet, "/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, domain.JobStatusSucceeded, body["status"])
	outputs := body["outputs"].([]any)
	require.Len(t, outputs, 1)
	out := outputs[0].(map[string]any)
	assert.Equal(t, "https://minio.local/get/views/"+jobID+"/v0.tensor", out["tensor_url"])
	assert.Equal(t, "https://minio.local/get/views/"+jobID+"/v0.png", out["preview_url"])
}

func TestCreateJobRejectsBadRequests(t *testing.T) {
	h := newHarness(t, Options{})

	cases := map[string]any{
		"unknown field":  map[string]any{"source_type": "local_file", "object_key": "/x", "views": []any{map[string]any{"id": "a"}}, "pipeline": []any{}},
		"no views":       map[string]any{"source_type": "local_file", "object_key": "/x", "views": []any{}},
		"bad crop mode":  map[string]any{"source_type": "local_file", "object_key": "/x", "views": []any{map[string]any{"id": "a", "transform": map[string]any{"crop_mode": "diagonal"}}}},
		"zero size":      map[string]any{"source_type": "local_file", "object_key": "/x", "views": []any{map[string]any{"id": "a", "transform": map[string]any{"input_size": 0}}}},
		"bad dtype":      map[string]any{"source_type": "local_file", "object_key": "/x", "views": []any{map[string]any{"id": "a", "dtype": "int8"}}},
		"missing source": map[string]any{"source_type": "local_file", "views": []any{map[string]any{"id": "a"}}},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/v1/jobs", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody(t, rec)["error"])
		})
	}
}

func TestCreateJobRejectsPreviewFormatTheCodecCannotEncode(t *testing.T) {
	if pipeline.SupportsPreviewFormat("webp") {
		t.Skip("webp previews are supported by the " + pipeline.Backend() + " codec")
	}
	h := newHarness(t, Options{})

	rec := h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"source_type": "local_file",
		"object_key":  writeSource(t),
		"views":       []map[string]any{{"id": "v0", "preview": true, "preview_format": "webp"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Contains(t, decodeBody(t, rec)["error"], "webp")
}

func TestStartAndGetUnknownJob(t *testing.T) {
	h := newHarness(t, Options{})
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/v1/jobs/nope/start", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/jobs/nope", nil).Code)
}

func TestRestartFailedJobGetsFreshTaskID(t *testing.T) {
	h := newHarness(t, Options{})
	source := writeSource(t)
	rec := h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"source_type": "local_file",
		"object_key":  source,
		"views":       []map[string]any{{"id": "v0"}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	jobID := decodeBody(t, rec)["job_id"].(string)

	rec = h.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	first := decodeBody(t, rec)
	assert.Equal(t, float64(1), first["attempt"])

	_, err := h.jobs.Finish(context.Background(), jobID, domain.JobStatusFailed, nil, "fetch source: connection reset")
	require.NoError(t, err)

	rec = h.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	second := decodeBody(t, rec)
	assert.Equal(t, float64(2), second["attempt"])
	assert.NotEqual(t, first["task_id"], second["task_id"])

	require.Len(t, h.queue.payloads, 2)
	assert.Equal(t, 2, h.queue.payloads[1].Attempt)

	job, _, err := h.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Empty(t, job.Error)
	rec = h.do(t, http.MethodGet, "/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeBody(t, rec)["attempts"])
}

func TestDuplicateStartOfSameAttemptConflicts(t *testing.T) {
	h := newHarness(t, Options{})
	source := writeSource(t)
	rec := h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"source_type": "local_file",
		"object_key":  source,
		"views":       []map[string]any{{"id": "v0"}},
	})
	jobID := decodeBody(t, rec)["job_id"].(string)

	// A racing start already enqueued attempt 1 but has not marked the job queued yet.
	job, _, err := h.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	_, err = h.queue.EnqueueRenderViews(context.Background(), queue.PayloadFromJob(job, time.Now()))
	require.NoError(t, err)

	rec = h.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "job is already enqueued", decodeBody(t, rec)["error"])
}

func TestStartReportsQueueFailures(t *testing.T) {
	h := newHarness(t, Options{})
	source := writeSource(t)
	rec := h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"source_type": "local_file",
		"object_key":  source,
		"views":       []map[string]any{{"id": "v0"}},
	})
	jobID := decodeBody(t, rec)["job_id"].(string)

	h.queue.err = asynq.ErrTaskIDConflict
	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/start", nil).Code)

	h.queue.err = assert.AnError
	assert.Equal(t, http.StatusInternalServerError, h.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/start", nil).Code)
}

func TestRateLimitChargesPerView(t *testing.T) {
	limiter := &fakeLimiter{budget: 3}
	h := newHarness(t, Options{RateLimiter: limiter})
	source := writeSource(t)

	create := func(views int) *httptest.ResponseRecorder {
		steps := make([]map[string]any, views)
		for i := range steps {
			steps[i] = map[string]any{"id": string(rune('a' + i))}
		}
		return h.do(t, http.MethodPost, "/v1/jobs", map[string]any{
			"source_type": "local_file",
			"object_key":  source,
			"views":       steps,
		}, "X-User-ID", "user-1")
	}

	rec := create(2)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	rec = create(2)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, []int{2, 2}, limiter.costs)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, Options{})
	h.do(t, http.MethodGet, "/healthz", nil)

	rec := h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `viewflow_api_requests_total{method="GET",route="/healthz",status="200"} 1`)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/v1/jobs/{id}/start", routeLabel("/v1/jobs/abc/start"))
	assert.Equal(t, "/v1/jobs/{id}", routeLabel("/v1/jobs/abc"))
	assert.Equal(t, "/v1/jobs", routeLabel("/v1/jobs"))
	assert.Equal(t, "/healthz", routeLabel("/healthz"))
	assert.Equal(t, "other", routeLabel("/favicon.ico"))
}
