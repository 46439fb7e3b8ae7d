package config

import (
	"errors"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	LogLevel  string
	API       APIConfig
	Telegram  TelegramConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Filters   FilterConfig
	Pending   PendingConfig
	RateLimit RateLimitConfig
	Inference InferenceConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Tracing   TracingConfig
}

type APIConfig struct {
	Addr string
	// TrustedProxies may set X-Forwarded-For; empty trusts nobody.
	TrustedProxies []string
}

type TelegramConfig struct {
	Token       string
	APIBaseURL  string
	AppURL      string
	SecretToken string
	// MaxDownloadBytes caps a single photo download.
	MaxDownloadBytes int64
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

func (q QueueConfig) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int
	MaxActiveJobs  int
	LocalOutputDir string
	MetricsAddr    string
}

type FilterConfig struct {
	BlurLevel         int
	Rotations         int
	SegmentThreshold  int
	SaltProbability   float64
	PepperProbability float64
	OutputFormat      string
	OutputQuality     int
}

type PendingConfig struct {
	// Backend is "memory" or "redis".
	Backend string
	TTL     time.Duration
}

type RateLimitConfig struct {
	Enabled  bool
	Capacity int
	Window   time.Duration
}

type InferenceConfig struct {
	URL            string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

type StorageConfig struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type DatabaseConfig struct {
	// DSN selects the postgres job store; empty keeps jobs in memory.
	DSN string
}

type TracingConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

func Load() Config {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		LogLevel: env("POLYBOT_LOG_LEVEL", "info"),
		API: APIConfig{
			Addr:           env("POLYBOT_API_ADDR", ":8443"),
			TrustedProxies: envList("POLYBOT_API_TRUSTED_PROXIES"),
		},
		Telegram: TelegramConfig{
			Token:            env("TELEGRAM_BOT_TOKEN", ""),
			APIBaseURL:       env("TELEGRAM_API_BASE_URL", "https://api.telegram.org"),
			AppURL:           env("BOT_APP_URL", ""),
			SecretToken:      env("TELEGRAM_WEBHOOK_SECRET", ""),
			MaxDownloadBytes: int64(envInt("TELEGRAM_MAX_DOWNLOAD_BYTES", 20*1024*1024)),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
		},
		Worker: WorkerConfig{
			Concurrency:    envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs:  envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			LocalOutputDir: env("WORKER_LOCAL_OUTPUT_DIR", os.TempDir()),
			MetricsAddr:    env("WORKER_METRICS_ADDR", ":9091"),
		},
		Filters: FilterConfig{
			BlurLevel:         envInt("FILTER_BLUR_LEVEL", 16),
			Rotations:         envInt("FILTER_ROTATIONS", 1),
			SegmentThreshold:  envInt("FILTER_SEGMENT_THRESHOLD", 128),
			SaltProbability:   envFloat("FILTER_SALT_PROBABILITY", 0.05),
			PepperProbability: envFloat("FILTER_PEPPER_PROBABILITY", 0.05),
			OutputFormat:      env("FILTER_OUTPUT_FORMAT", "jpeg"),
			OutputQuality:     envInt("FILTER_OUTPUT_QUALITY", 90),
		},
		Pending: PendingConfig{
			Backend: strings.ToLower(env("PENDING_BACKEND", "redis")),
			TTL:     envDuration("PENDING_TTL", 24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Enabled:  envBool("RATE_LIMIT_ENABLED", false),
			Capacity: envInt("RATE_LIMIT_CAPACITY", 20),
			Window:   envDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Inference: InferenceConfig{
			URL:            env("INFERENCE_URL", "http://localhost:8667/predict"),
			Timeout:        envDuration("INFERENCE_TIMEOUT", 5*time.Second),
			MaxAttempts:    envInt("INFERENCE_MAX_ATTEMPTS", 2),
			InitialBackoff: envDuration("INFERENCE_INITIAL_BACKOFF", 500*time.Millisecond),
		},
		Storage: StorageConfig{
			Enabled:   envBool("MINIO_ENABLED", false),
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "polybot-images"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		Tracing: TracingConfig{
			Exporter:     env("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is required")
	}
	switch c.Pending.Backend {
	case "memory", "redis":
	default:
		return errors.New("PENDING_BACKEND must be memory or redis")
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

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(env(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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

func envFloat(key string, fallback float64) float64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
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
