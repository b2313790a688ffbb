package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/imgopt/internal/domain"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Env       string
	Runner    RunnerConfig
	API       APIConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Webhook   WebhookConfig
	RateLimit RateLimitConfig
}

type RunnerConfig struct {
	Source          string
	OutputDir       string
	Variants        []domain.Variant
	Publish         bool
	MetricsTextfile string
	WatchDebounce   time.Duration
}

type APIConfig struct {
	Addr       string
	PresignTTL time.Duration
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency   int
	MaxActiveRuns int
	MetricsAddr   string
}

type StorageConfig struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// MaxObjectBytes caps the size of a source object the worker will read.
	MaxObjectBytes int64
	OutputPrefix   string
}

type DatabaseConfig struct {
	DSN string
}

type TelemetryConfig struct {
	ServiceName  string
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

type WebhookConfig struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type RateLimitConfig struct {
	Enabled      bool
	Requests     int
	Window       time.Duration
	UserIDHeader string
}

// VariantsFile is the YAML layout accepted by IMGOPT_VARIANTS_FILE and -config.
type VariantsFile struct {
	Source    string           `yaml:"source"`
	OutputDir string           `yaml:"output_dir"`
	Variants  []domain.Variant `yaml:"variants"`
}

// Load reads .env (when present) and the environment. The variant set
// defaults to the desktop/mobile pair unless a variants file overrides it.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	cfg := Config{
		Env: env("IMGOPT_ENV", "development"),
		Runner: RunnerConfig{
			Source:          env("IMGOPT_SOURCE", domain.DefaultSourcePath),
			OutputDir:       env("IMGOPT_OUTPUT_DIR", domain.DefaultOutputDir),
			Variants:        domain.DefaultVariants(),
			Publish:         envBool("IMGOPT_PUBLISH", false),
			MetricsTextfile: env("IMGOPT_METRICS_TEXTFILE", ""),
			WatchDebounce:   envDuration("IMGOPT_WATCH_DEBOUNCE", 500*time.Millisecond),
		},
		API: APIConfig{
			Addr:       env("IMGOPT_API_ADDR", ":8080"),
			PresignTTL: envDuration("IMGOPT_PRESIGN_TTL", 15*time.Minute),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("IMGOPT_QUEUE", "default"),
		},
		Worker: WorkerConfig{
			Concurrency:   envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveRuns: envInt("WORKER_MAX_ACTIVE_RUNS", defaultWorkerSlots),
			MetricsAddr:   env("IMGOPT_WORKER_METRICS_ADDR", ":9091"),
		},
		Storage: StorageConfig{
			Enabled:        envBool("MINIO_ENABLED", false),
			Endpoint:       env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey:      env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey:      env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:         env("MINIO_BUCKET", "imgopt-assets"),
			UseSSL:         envBool("MINIO_USE_SSL", false),
			MaxObjectBytes: int64(envInt("MINIO_MAX_OBJECT_BYTES", 64<<20)),
			OutputPrefix:   env("MINIO_OUTPUT_PREFIX", "images"),
		},
		Database: DatabaseConfig{
			DSN: env("IMGOPT_POSTGRES_DSN", ""),
		},
		Telemetry: TelemetryConfig{
			ServiceName:  env("OTEL_SERVICE_NAME", "imgopt"),
			Exporter:     env("IMGOPT_TRACE_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
		Webhook: WebhookConfig{
			SigningSecret:  env("IMGOPT_WEBHOOK_SECRET", ""),
			Timeout:        envDuration("IMGOPT_WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:    envInt("IMGOPT_WEBHOOK_MAX_ATTEMPTS", 3),
			InitialBackoff: envDuration("IMGOPT_WEBHOOK_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     envDuration("IMGOPT_WEBHOOK_MAX_BACKOFF", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:      envBool("IMGOPT_RATE_LIMIT_ENABLED", true),
			Requests:     envInt("IMGOPT_RATE_LIMIT_REQUESTS", 60),
			Window:       envDuration("IMGOPT_RATE_LIMIT_WINDOW", time.Minute),
			UserIDHeader: env("IMGOPT_RATE_LIMIT_USER_HEADER", "X-User-ID"),
		},
	}

	if path := env("IMGOPT_VARIANTS_FILE", ""); path != "" {
		if err := cfg.Runner.ApplyVariantsFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := domain.ValidateVariants(cfg.Runner.Variants); err != nil {
		return Config{}, fmt.Errorf("invalid variants: %w", err)
	}

	return cfg, nil
}

// ApplyVariantsFile overlays the non-empty fields of a YAML variants file.
func (r *RunnerConfig) ApplyVariantsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read variants file: %w", err)
	}

	var file VariantsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse variants file %s: %w", path, err)
	}

	if strings.TrimSpace(file.Source) != "" {
		r.Source = file.Source
	}
	if strings.TrimSpace(file.OutputDir) != "" {
		r.OutputDir = file.OutputDir
	}
	if len(file.Variants) > 0 {
		if err := domain.ValidateVariants(file.Variants); err != nil {
			return fmt.Errorf("invalid variants in %s: %w", path, err)
		}
		r.Variants = file.Variants
	}
	return nil
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
