package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/viewflow/internal/api"
	"github.com/dunamismax/viewflow/internal/config"
	"github.com/dunamismax/viewflow/internal/logging"
	"github.com/dunamismax/viewflow/internal/queue"
	"github.com/dunamismax/viewflow/internal/ratelimit"
	"github.com/dunamismax/viewflow/internal/storage"
	"github.com/dunamismax/viewflow/internal/store"
	"github.com/dunamismax/viewflow/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

var flagConfig = flag.String("config", "", "YAML config file. Defaults to $VIEWFLOW_CONFIG.")

func main() {
	logging.Init(nil)
	flag.Parse()
	defer logging.Flush()
	logger := logging.New("api")

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing.WithService("viewflow-api"), logger)
	if err != nil {
		logger.Fatalf("setup tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name).WithLimits(cfg.Queue.MaxRetry, cfg.Queue.TaskTimeout)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	var jobStore store.JobStore
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatalf("open job store: %v", err)
		}
		defer pg.Close()
		jobStore = pg
		logger.Printf("job store: postgres")
	} else {
		jobStore = store.NewMemoryJobStore()
		logger.Printf("job store: memory (set database.dsn for postgres)")
	}

	storageClient, err := storage.NewClient(cfg.Storage)
	if err != nil {
		logger.Fatalf("create storage client: %v", err)
	}
	if err := storageClient.EnsureBucket(ctx); err != nil {
		logger.Printf("ensure bucket %s failed, presigned uploads may not work: %v", storageClient.Bucket(), err)
	}

	opts := api.Options{
		PresignTTL:   cfg.API.PresignTTL,
		UserIDHeader: cfg.API.UserIDHeader,
		Tracer:       otel.Tracer(telemetry.Tracer + "/api"),
	}
	if cfg.API.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.API.RateLimit.Requests, cfg.API.RateLimit.Window, "")
		if err != nil {
			logger.Fatalf("create rate limiter: %v", err)
		}
		opts.RateLimiter = limiter
		logger.Printf("rate limiting enabled requests=%d window=%s", cfg.API.RateLimit.Requests, cfg.API.RateLimit.Window)
	}

	app := api.NewServer(logger, queueClient, jobStore, storageClient, opts)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
		os.Exit(1)
	}
}
