package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/viewflow/internal/domain"
	"github.com/dunamismax/viewflow/internal/id"
	"github.com/dunamismax/viewflow/internal/pipeline"
	"github.com/dunamismax/viewflow/internal/queue"
	"github.com/dunamismax/viewflow/internal/storage"
	"github.com/dunamismax/viewflow/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
)

const defaultUserIDHeader = "X-User-ID"

type Server struct {
	logger       *log.Logger
	queueClient  queueEnqueuer
	jobStore     store.JobStore
	storage      objectStorage
	presignTTL   time.Duration
	rateLimiter  RateLimiter
	userIDHeader string
	tracer       trace.Tracer
	metrics      *metrics
	mux          *http.ServeMux
}

// Options carries the optional collaborators. The zero value is usable.
type Options struct {
	PresignTTL   time.Duration
	RateLimiter  RateLimiter
	UserIDHeader string
	Tracer       trace.Tracer
}

type queueEnqueuer interface {
	EnqueueRenderViews(ctx context.Context, payload queue.RenderViewsPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

func NewServer(logger *log.Logger, queueClient queueEnqueuer, jobStore store.JobStore, storage objectStorage, opts Options) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if strings.TrimSpace(opts.UserIDHeader) == "" {
		opts.UserIDHeader = defaultUserIDHeader
	}
	if storage == nil {
		storage = unavailableObjectStorage{}
	}

	s := &Server{
		logger:       logger,
		queueClient:  queueClient,
		jobStore:     jobStore,
		storage:      storage,
		presignTTL:   opts.PresignTTL,
		rateLimiter:  opts.RateLimiter,
		userIDHeader: opts.UserIDHeader,
		tracer:       opts.Tracer,
		metrics:      newMetrics(),
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s
}

var errStorageUnavailable = errors.New("object storage is unavailable")

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignedPutURL(context.Context, string, time.Duration) (string, error) {
	return "", errStorageUnavailable
}

func (unavailableObjectStorage) PresignedGetURL(context.Context, string, time.Duration) (string, error) {
	return "", errStorageUnavailable
}

func (unavailableObjectStorage) ObjectExists(context.Context, string) (bool, error) {
	return false, errStorageUnavailable
}

func (s *Server) Handler() http.Handler {
	return s.metrics.instrument(s.withTracing(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.handler())
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.Handle("POST /v1/jobs/{id}/start", s.withRateLimit(http.HandlerFunc(s.handleStartJob)))
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

type healthResponse struct {
	Status string `json:"status"`
}

type uploadInfo struct {
	ObjectKey string `json:"object_key"`
	PutURL    string `json:"presigned_put_url,omitempty"`
	// State is "ready" when the caller must PUT the source, "not_required" for local files.
	State string `json:"presigned_url_state"`
}

type createJobResponse struct {
	JobID     string     `json:"job_id"`
	Status    string     `json:"status"`
	Views     int        `json:"views"`
	Upload    uploadInfo `json:"upload"`
	StartURL  string     `json:"start_url"`
	StatusURL string     `json:"status_url"`
}

type startJobResponse struct {
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	Attempt    int       `json:"attempt"`
	Queue      string    `json:"queue"`
	TaskID     string    `json:"task_id"`
	State      string    `json:"state"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type outputView struct {
	domain.ViewOutput
	TensorURL  string `json:"tensor_url,omitempty"`
	PreviewURL string `json:"preview_url,omitempty"`
}

type jobResponse struct {
	JobID      string       `json:"job_id"`
	Status     string       `json:"status"`
	SourceType string       `json:"source_type"`
	Views      int          `json:"views"`
	Attempts   int          `json:"attempts"`
	Outputs    []outputView `json:"outputs"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := checkPreviewFormats(req.Views); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// One token per view.
	if !s.admit(w, r, len(req.Views)) {
		return
	}

	jobID := id.New()
	sourceType := strings.ToLower(strings.TrimSpace(req.SourceType))
	upload, err := s.prepareUpload(r.Context(), jobID, sourceType, strings.TrimSpace(req.ObjectKey))
	if err != nil {
		s.logger.Printf("presign upload failed job_id=%s err=%v", jobID, err)
		writeError(w, http.StatusInternalServerError, "failed to generate upload URL")
		return
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:         jobID,
		UserID:     s.userID(r),
		Status:     domain.JobStatusCreated,
		SourceType: sourceType,
		WebhookURL: strings.TrimSpace(req.WebhookURL),
		Views:      req.Views,
		ObjectKey:  upload.ObjectKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Printf("store job failed job_id=%s err=%v", jobID, err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	s.metrics.jobCreated(sourceType, len(job.Views))

	writeJSON(w, http.StatusAccepted, createJobResponse{
		JobID:     job.ID,
		Status:    job.Status,
		Views:     len(job.Views),
		Upload:    upload,
		StartURL:  "/v1/jobs/" + job.ID + "/start",
		StatusURL: "/v1/jobs/" + job.ID,
	})
}

// checkPreviewFormats rejects previews the render codec in this build cannot encode, since the
// worker would fail them on every attempt.
func checkPreviewFormats(views []domain.ViewStep) error {
	for i, step := range views {
		if step.Preview && !pipeline.SupportsPreviewFormat(step.PreviewFormat) {
			return fmt.Errorf("views[%d].preview_format %q is not supported by the %s codec", i, step.PreviewFormat, pipeline.Backend())
		}
	}
	return nil
}

// prepareUpload picks the source key for a new job. Presigned jobs get a fresh bucket key
// and a PUT URL; local jobs keep the caller's path.
func (s *Server) prepareUpload(ctx context.Context, jobID, sourceType, objectKey string) (uploadInfo, error) {
	if sourceType != domain.SourceTypeS3Presigned {
		return uploadInfo{ObjectKey: objectKey, State: "not_required"}, nil
	}
	key := storage.SourceKey(jobID)
	putURL, err := s.storage.PresignedPutURL(ctx, key, s.presignTTL)
	if err != nil {
		return uploadInfo{}, err
	}
	return uploadInfo{ObjectKey: key, PutURL: putURL, State: "ready"}, nil
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != domain.JobStatusCreated && job.Status != domain.JobStatusFailed {
		writeError(w, http.StatusConflict, "job is already "+job.Status)
		return
	}
	if err := s.sourceReady(r.Context(), job); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	payload := queue.PayloadFromJob(job, time.Now().UTC())
	info, err := s.queueClient.EnqueueRenderViews(r.Context(), payload)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict):
		writeError(w, http.StatusConflict, "job is already enqueued")
		return
	case err != nil:
		s.logger.Printf("enqueue failed job_id=%s err=%v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	s.metrics.enqueued.WithLabelValues(info.Queue).Inc()

	// The task is already queued, so a failed status write is only logged.
	if _, err := s.jobStore.MarkQueued(r.Context(), job.ID, payload.Attempt); err != nil {
		s.logger.Printf("mark queued failed job_id=%s err=%v", job.ID, err)
	}

	writeJSON(w, http.StatusAccepted, startJobResponse{
		JobID:      job.ID,
		Status:     domain.JobStatusQueued,
		Attempt:    payload.Attempt,
		Queue:      info.Queue,
		TaskID:     info.ID,
		State:      info.State.String(),
		EnqueuedAt: info.NextProcessAt,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	resp := jobResponse{
		JobID:      job.ID,
		Status:     job.Status,
		SourceType: job.SourceType,
		Views:      len(job.Views),
		Attempts:   job.Attempts,
		Outputs:    make([]outputView, 0, len(job.Outputs)),
		Error:      job.Error,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
	for _, out := range job.Outputs {
		view := outputView{ViewOutput: out}
		if job.SourceType == domain.SourceTypeS3Presigned {
			view.TensorURL = s.presignGet(r.Context(), job.ID, out.TensorPath)
			view.PreviewURL = s.presignGet(r.Context(), job.ID, out.PreviewPath)
		}
		resp.Outputs = append(resp.Outputs, view)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) presignGet(ctx context.Context, jobID, key string) string {
	if key == "" {
		return ""
	}
	url, err := s.storage.PresignedGetURL(ctx, key, s.presignTTL)
	if err != nil {
		s.logger.Printf("presign output failed job_id=%s key=%s err=%v", jobID, key, err)
		return ""
	}
	return url
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return domain.Job{}, false
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("load job failed job_id=%s err=%v", jobID, err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return domain.Job{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return domain.Job{}, false
	}
	return job, true
}

func (s *Server) userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(s.userIDHeader))
}

// sourceReady reports why a job cannot start yet, or nil once its source is readable.
func (s *Server) sourceReady(ctx context.Context, job domain.Job) error {
	var (
		exists bool
		err    error
	)
	if job.SourceType == domain.SourceTypeLocalFile {
		_, err = os.Stat(job.ObjectKey)
		exists = err == nil
		if errors.Is(err, os.ErrNotExist) {
			err = nil
		}
	} else {
		exists, err = s.storage.ObjectExists(ctx, job.ObjectKey)
	}
	if err != nil {
		return fmt.Errorf("source object check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("source object is missing: %s", job.ObjectKey)
	}
	return nil
}

const maxBodyBytes = 1 << 20

func decodeJSON(r *http.Request, into any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
