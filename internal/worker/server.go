package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/viewflow/internal/augment"
	"github.com/dunamismax/viewflow/internal/config"
	"github.com/dunamismax/viewflow/internal/domain"
	"github.com/dunamismax/viewflow/internal/events"
	"github.com/dunamismax/viewflow/internal/logging"
	"github.com/dunamismax/viewflow/internal/pipeline"
	"github.com/dunamismax/viewflow/internal/queue"
	"github.com/dunamismax/viewflow/internal/storage"
	"github.com/dunamismax/viewflow/internal/store"
	"github.com/dunamismax/viewflow/internal/telemetry"
	"github.com/dunamismax/viewflow/internal/webhook"
	"github.com/dustin/go-humanize"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger          *log.Logger
	errorLog        *log.Logger
	server          *asynq.Server
	sem             chan struct{}
	localProcessor  processor
	objectProcessor processor
	webhookClient   webhookSender
	publisher       events.Publisher
	jobStore        store.JobStore
	usageStore      store.UsageStore
	metrics         *metrics
	tracer          trace.Tracer
}

type processor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type webhookSender interface {
	SendEvent(ctx context.Context, endpoint string, ev webhook.Event) error
}

// Deps are the collaborators a worker talks to. A nil Storage leaves s3_presigned jobs unsupported;
// nil Webhook and Events disable those notifications. ErrorLog receives task failures and
// defaults to the main logger.
type Deps struct {
	Storage    *storage.Client
	Webhook    webhookSender
	Events     events.Publisher
	JobStore   store.JobStore
	UsageStore store.UsageStore
	ErrorLog   *log.Logger
}

func NewServer(logger *log.Logger, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, deps Deps) (*Server, error) {
	localProcessor, err := pipeline.NewLocalProcessor(workerCfg.LocalOutputDir)
	if err != nil {
		return nil, fmt.Errorf("initialize pipeline processor: %w", err)
	}

	s := newHandler(logger, workerCfg.MaxActiveJobs, deps)
	s.localProcessor = localProcessor

	if deps.Storage != nil {
		objectProcessor, err := pipeline.NewProcessor(
			pipeline.ObjectStoreFetcher{Storage: deps.Storage},
			pipeline.ObjectStoreEmitter{Storage: deps.Storage, OutputPrefix: workerCfg.OutputPrefix},
		)
		if err != nil {
			return nil, fmt.Errorf("initialize object-store processor: %w", err)
		}
		s.objectProcessor = objectProcessor
	}

	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				s.errorLog.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
			}),
		},
	)
	return s, nil
}

func newHandler(logger *log.Logger, maxActiveJobs int, deps Deps) *Server {
	usageStore := deps.UsageStore
	if usageStore == nil {
		if jobAndUsageStore, ok := deps.JobStore.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}
	publisher := deps.Events
	if publisher == nil {
		publisher = events.Nop{}
	}
	errorLog := deps.ErrorLog
	if errorLog == nil {
		errorLog = logger
	}

	return &Server{
		logger:        logger,
		errorLog:      errorLog,
		sem:           make(chan struct{}, max(1, maxActiveJobs)),
		webhookClient: deps.Webhook,
		publisher:     publisher,
		jobStore:      deps.JobStore,
		usageStore:    usageStore,
		metrics:       newMetrics(),
		tracer:        otel.Tracer(telemetry.Tracer + "/worker"),
	}
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRenderViews, s.handleRenderViews)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	if s.server != nil {
		s.server.Shutdown()
	}
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRenderViews(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseRenderViewsPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.render_views", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.Int("job.views", len(payload.Views)),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDone(payload.SourceType, outcome, time.Since(startedAt))
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	release := s.metrics.acquire()
	defer func() {
		<-s.sem
		release()
	}()

	// A retry after a failed completion webhook finds the job already succeeded. Rendering,
	// usage and the completion event are done; only the webhook is outstanding.
	if job, ok := s.storedJob(ctx, payload.JobID); ok && job.Status == domain.JobStatusSucceeded {
		s.logger.Printf("job_id=%s already succeeded, redelivering webhook", payload.JobID)
		if err := s.dispatchWebhook(ctx, payload, completedWebhook(job.ID, job.Outputs)); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "webhook dispatch failed")
			return err
		}
		outcome = domain.JobStatusSucceeded
		span.SetStatus(codes.Ok, "webhook redelivered")
		return nil
	}

	s.logger.Printf(
		"Working... job_id=%s attempt=%d source_type=%s views=%d object_key=%s",
		payload.JobID,
		payload.Attempt,
		payload.SourceType,
		len(payload.Views),
		payload.ObjectKey,
	)
	s.noteIgnoredMinScale(payload)

	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	result, err := s.process(ctx, pipeline.Request{
		JobID:      payload.JobID,
		SourceType: payload.SourceType,
		ObjectKey:  payload.ObjectKey,
		Views:      payload.Views,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "render failed")
		return s.fail(ctx, payload, startedAt, err)
	}

	s.finish(ctx, payload.JobID, domain.JobStatusSucceeded, result.Outputs, "")
	usage := s.recordUsage(ctx, payload, result, time.Since(startedAt))
	if logging.Verbose(2) {
		s.logViews(payload.JobID, result.Outputs)
	}

	s.publish(ctx, events.JobEvent{
		Type:           events.TypeJobCompleted,
		JobID:          payload.JobID,
		UserID:         payload.UserID,
		Status:         domain.JobStatusSucceeded,
		Outputs:        result.Outputs,
		PixelsRendered: usage.PixelsRendered,
		DurationMS:     usage.ComputeTimeMS,
	})
	if err := s.dispatchWebhook(ctx, payload, completedWebhook(payload.JobID, result.Outputs)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "rendered")
	return nil
}

func (s *Server) process(ctx context.Context, req pipeline.Request) (pipeline.Result, error) {
	switch {
	case strings.EqualFold(req.SourceType, domain.SourceTypeLocalFile):
		return s.localProcessor.Process(ctx, req)
	case s.objectProcessor != nil:
		return s.objectProcessor.Process(ctx, req)
	default:
		return pipeline.Result{}, fmt.Errorf("%w: %s (object storage not configured)", pipeline.ErrUnsupportedSourceType, req.SourceType)
	}
}

// fail records a failed attempt. The job is only marked failed, and notifications sent, when asynq
// will not retry it: the error is permanent or the retry budget is spent.
func (s *Server) fail(ctx context.Context, payload queue.RenderViewsPayload, startedAt time.Time, err error) error {
	permanent := pipeline.IsPermanent(err)
	if !permanent && !finalAttempt(ctx) {
		s.logger.Printf("render attempt failed job_id=%s, will retry: %v", payload.JobID, err)
		s.updateJobStatus(ctx, payload.JobID, domain.JobStatusQueued)
		return fmt.Errorf("render views: %w", err)
	}

	s.errorLog.Printf("job failed job_id=%s attempt=%d permanent=%t: %v", payload.JobID, payload.Attempt, permanent, err)
	s.finish(ctx, payload.JobID, domain.JobStatusFailed, nil, err.Error())
	s.publish(ctx, events.JobEvent{
		Type:       events.TypeJobFailed,
		JobID:      payload.JobID,
		UserID:     payload.UserID,
		Status:     domain.JobStatusFailed,
		Error:      err.Error(),
		DurationMS: time.Since(startedAt).Milliseconds(),
	})
	_ = s.dispatchWebhook(ctx, payload, webhook.Event{
		Type:   events.TypeJobFailed,
		JobID:  payload.JobID,
		Status: domain.JobStatusFailed,
		Error:  err.Error(),
	})

	if permanent {
		return fmt.Errorf("render views: %w: %w", err, asynq.SkipRetry)
	}
	return fmt.Errorf("render views: %w", err)
}

func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

// noteIgnoredMinScale flags steps that set min_scale with a crop mode that does not read it.
func (s *Server) noteIgnoredMinScale(payload queue.RenderViewsPayload) {
	for _, step := range payload.Views {
		if step.Transform.MinScale == nil {
			continue
		}
		if mode := step.Transform.Config().CropMode; mode != augment.CropRandomResized {
			s.logger.Printf("job_id=%s view=%s min_scale=%g has no effect with crop_mode=%s", payload.JobID, step.ID, *step.Transform.MinScale, mode)
		}
	}
}

func (s *Server) storedJob(ctx context.Context, jobID string) (domain.Job, bool) {
	if s.jobStore == nil {
		return domain.Job{}, false
	}
	job, ok, err := s.jobStore.Get(ctx, jobID)
	if err != nil {
		s.logger.Printf("job lookup failed job_id=%s err=%v", jobID, err)
		return domain.Job{}, false
	}
	return job, ok
}

func (s *Server) logViews(jobID string, outputs []domain.ViewOutput) {
	for _, out := range outputs {
		s.logger.Printf(
			"job_id=%s view=%s shape=%v dtype=%s tensor=%s (%s) preview=%s",
			jobID, out.StepID, out.Shape, out.DType, out.TensorPath, humanize.Bytes(uint64(out.Bytes)), out.PreviewPath,
		)
	}
}

func completedWebhook(jobID string, outputs []domain.ViewOutput) webhook.Event {
	return webhook.Event{
		Type:    events.TypeJobCompleted,
		JobID:   jobID,
		Status:  domain.JobStatusSucceeded,
		Outputs: outputs,
	}
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

func (s *Server) finish(ctx context.Context, jobID, status string, outputs []domain.ViewOutput, failure string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.Finish(ctx, jobID, status, outputs, failure); err != nil {
		s.logger.Printf("job finish failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.RenderViewsPayload, ev webhook.Event) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}
	ev.OccurredAt = time.Now().UTC()

	if err := s.webhookClient.SendEvent(ctx, payload.WebhookURL, ev); err != nil {
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.JobID, ev.Type, err)
		return fmt.Errorf("dispatch webhook: %w", err)
	}
	return nil
}

func (s *Server) publish(ctx context.Context, ev events.JobEvent) {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.metrics.publishFailed.Inc()
		s.logger.Printf("event publish failed job_id=%s event=%s err=%v", ev.JobID, ev.Type, err)
	}
}

func (s *Server) recordUsage(ctx context.Context, payload queue.RenderViewsPayload, result pipeline.Result, computeDuration time.Duration) domain.UsageLog {
	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		userID = "anonymous"
	}

	var pixels, tensorBytes int64
	for _, output := range result.Outputs {
		pixels += int64(output.Width * output.Height)
		tensorBytes += int64(output.Bytes)
	}

	computeTimeMS := computeDuration.Milliseconds()
	if computeTimeMS < 1 {
		computeTimeMS = 1
	}

	usage := domain.UsageLog{
		UserID:         userID,
		JobID:          payload.JobID,
		ViewsRendered:  int64(len(result.Outputs)),
		PixelsRendered: pixels,
		TensorBytes:    tensorBytes,
		ComputeTimeMS:  computeTimeMS,
		CreatedAt:      time.Now().UTC(),
	}

	s.logger.Printf(
		"Rendered job_id=%s views=%d source=%dx%d (%s) pixels=%s tensors=%s in %dms",
		payload.JobID,
		usage.ViewsRendered,
		result.SourceWidth,
		result.SourceHeight,
		humanize.Bytes(uint64(result.SourceBytes)),
		humanize.Comma(pixels),
		humanize.Bytes(uint64(tensorBytes)),
		computeTimeMS,
	)

	s.metrics.usage(len(result.Outputs), pixels, tensorBytes, computeTimeMS)

	if s.usageStore == nil {
		return usage
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Printf("usage log write failed job_id=%s err=%v", payload.JobID, err)
	}
	return usage
}
