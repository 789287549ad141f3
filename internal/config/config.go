package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/dunamismax/viewflow/internal/events"
	"github.com/dunamismax/viewflow/internal/storage"
	"github.com/dunamismax/viewflow/internal/telemetry"
	"github.com/dunamismax/viewflow/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix scopes the environment overrides, e.g. VIEWFLOW_QUEUE__REDIS_ADDR.
	EnvPrefix = "VIEWFLOW_"
	// EnvFile names the optional YAML file read before the environment.
	EnvFile = "VIEWFLOW_CONFIG"

	envDelim = "__"
)

type Config struct {
	API      APIConfig             `koanf:"api"`
	Queue    QueueConfig           `koanf:"queue"`
	Worker   WorkerConfig          `koanf:"worker"`
	Storage  storage.Config        `koanf:"storage"`
	Database DatabaseConfig        `koanf:"database"`
	Webhook  webhook.Config        `koanf:"webhook"`
	Events   events.Config         `koanf:"events"`
	Tracing  telemetry.TraceConfig `koanf:"tracing"`
}

type APIConfig struct {
	Addr         string          `koanf:"addr"`
	PresignTTL   time.Duration   `koanf:"presign_ttl"`
	UserIDHeader string          `koanf:"user_id_header"`
	RateLimit    RateLimitConfig `koanf:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Requests int           `koanf:"requests"`
	Window   time.Duration `koanf:"window"`
}

type QueueConfig struct {
	RedisAddr     string        `koanf:"redis_addr"`
	RedisPassword string        `koanf:"redis_password"`
	RedisDB       int           `koanf:"redis_db"`
	Name          string        `koanf:"name"`
	MaxRetry      int           `koanf:"max_retry"`
	TaskTimeout   time.Duration `koanf:"task_timeout"`
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int    `koanf:"concurrency"`
	MaxActiveJobs  int    `koanf:"max_active_jobs"`
	LocalOutputDir string `koanf:"local_output_dir"`
	OutputPrefix   string `koanf:"output_prefix"`
	MetricsAddr    string `koanf:"metrics_addr"`
}

type DatabaseConfig struct {
	// DSN selects the Postgres store. Blank keeps jobs in memory.
	DSN string `koanf:"dsn"`
}

// Load reads path (or $VIEWFLOW_CONFIG when path is blank) if it exists, overlays VIEWFLOW_*
// environment variables, then fills anything still unset with defaults.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		path = os.Getenv(EnvFile)
	}

	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, envDelim, envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load config env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func envKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
}

func applyDefaults(c *Config) {
	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if c.API.PresignTTL <= 0 {
		c.API.PresignTTL = 15 * time.Minute
	}
	if c.API.UserIDHeader == "" {
		c.API.UserIDHeader = "X-User-ID"
	}
	if c.API.RateLimit.Requests <= 0 {
		c.API.RateLimit.Requests = 120
	}
	if c.API.RateLimit.Window <= 0 {
		c.API.RateLimit.Window = time.Minute
	}

	if c.Queue.RedisAddr == "" {
		c.Queue.RedisAddr = "localhost:6379"
	}
	if c.Queue.Name == "" {
		c.Queue.Name = "default"
	}

	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = max(2, runtime.NumCPU())
	}
	if c.Worker.MaxActiveJobs <= 0 {
		c.Worker.MaxActiveJobs = max(1, runtime.NumCPU()/2)
	}
	if c.Worker.LocalOutputDir == "" {
		c.Worker.LocalOutputDir = "./.viewflow-output"
	}
	if c.Worker.OutputPrefix == "" {
		c.Worker.OutputPrefix = "views"
	}
	if c.Worker.MetricsAddr == "" {
		c.Worker.MetricsAddr = ":9091"
	}

	if c.Storage.Endpoint == "" {
		c.Storage.Endpoint = "localhost:9000"
	}
	if c.Storage.Access == "" {
		c.Storage.Access = "minioadmin"
	}
	if c.Storage.Secret == "" {
		c.Storage.Secret = "minioadmin"
	}
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = "viewflow-jobs"
	}

	if c.Webhook.Timeout <= 0 {
		c.Webhook.Timeout = 10 * time.Second
	}
	if c.Webhook.MaxAttempts <= 0 {
		c.Webhook.MaxAttempts = 3
	}

	c.Events.Brokers = splitList(c.Events.Brokers)
	if c.Events.Topic == "" {
		c.Events.Topic = "viewflow.jobs"
	}
	if c.Events.ClientID == "" {
		c.Events.ClientID = "viewflow"
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
}

// splitList accepts both YAML lists and a single comma-separated env value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
