package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"time"

	"github.com/dunamismax/viewflow/internal/config"
	"github.com/dunamismax/viewflow/internal/events"
	"github.com/dunamismax/viewflow/internal/logging"
	"github.com/dunamismax/viewflow/internal/pipeline"
	"github.com/dunamismax/viewflow/internal/storage"
	"github.com/dunamismax/viewflow/internal/store"
	"github.com/dunamismax/viewflow/internal/telemetry"
	"github.com/dunamismax/viewflow/internal/webhook"
	"github.com/dunamismax/viewflow/internal/worker"
)

var (
	flagConfig    = flag.String("config", "", "YAML config file. Defaults to $VIEWFLOW_CONFIG.")
	flagNoStorage = flag.Bool("local_only", false, "Skip object storage; only local_file jobs can run.")
)

func main() {
	logging.Init(nil)
	flag.Parse()
	defer logging.Flush()
	logger := logging.New("worker")

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing.WithService("viewflow-worker"), logger)
	if err != nil {
		logger.Fatalf("setup tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	if err := pipeline.Startup(); err != nil {
		logger.Fatalf("start image runtime: %v", err)
	}
	defer pipeline.Shutdown()

	deps := worker.Deps{
		Webhook:  webhook.NewClient(cfg.Webhook),
		ErrorLog: logging.Errors("worker"),
	}

	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatalf("open job store: %v", err)
		}
		defer pg.Close()
		deps.JobStore = pg
	} else {
		logger.Printf("no database configured; job status and usage are not persisted")
	}

	if !*flagNoStorage {
		storageClient, err := storage.NewClient(cfg.Storage)
		if err != nil {
			logger.Fatalf("create storage client: %v", err)
		}
		deps.Storage = storageClient
	}

	publisher, err := events.New(cfg.Events, logger)
	if err != nil {
		logger.Fatalf("create event publisher: %v", err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Printf("event publisher close error: %v", err)
		}
	}()
	deps.Events = publisher

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, deps)
	if err != nil {
		logger.Fatalf("create worker: %v", err)
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server failed: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Printf(
		"starting worker concurrency=%d max_active_jobs=%d queue=%s redis=%s backend=%s metrics=%s",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveJobs,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
		pipeline.Backend(),
		cfg.Worker.MetricsAddr,
	)

	// asynq handles SIGINT/SIGTERM itself and returns once in-flight tasks drain.
	if err := srv.Run(); err != nil {
		logger.Printf("worker failed: %v", err)
	}
}
