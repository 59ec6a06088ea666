package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/rendivia-backend/internal/clients/redis"
	"github.com/yungbote/rendivia-backend/internal/clients/renderer"
	"github.com/yungbote/rendivia-backend/internal/data/db"
	"github.com/yungbote/rendivia-backend/internal/jobs/render"
	"github.com/yungbote/rendivia-backend/internal/jobs/worker"
	"github.com/yungbote/rendivia-backend/internal/observability"
	"github.com/yungbote/rendivia-backend/internal/platform/envutil"
	"github.com/yungbote/rendivia-backend/internal/platform/gcp"
	"github.com/yungbote/rendivia-backend/internal/platform/webhook"
)

type Config struct {
	LogMode        string
	HTTPAddr       string
	ShutdownGrace  time.Duration
	JWTSecretKey   string
	AllowedOrigins []string

	Postgres db.PostgresConfig
	Redis    redis.ClientConfig
	Queue    redis.QueueConfig

	ObjectStorageMode          string
	StorageEmulatorHost        string
	ObjectStoragePublicBaseURL string
	GCPCredentials             string
	Bucket                     gcp.BucketConfig

	Renderer        renderer.Config
	Driver          render.Config
	Worker          worker.Config
	Webhook         webhook.Config
	WebhookAttempts int

	Otel    observability.OtelConfig
	Metrics observability.MetricsConfig
}

// LoadConfig reads the environment once. Only settings every process needs
// are validated here; optional integrations are checked where they are wired.
func LoadConfig(serviceName string) (Config, error) {
	cfg := Config{
		LogMode:        envutil.String("LOG_MODE", "development"),
		HTTPAddr:       envutil.String("HTTP_ADDR", ":8080"),
		ShutdownGrace:  envutil.Duration("SHUTDOWN_GRACE", 15*time.Second),
		JWTSecretKey:   envutil.String("JWT_SECRET_KEY", ""),
		AllowedOrigins: splitList(envutil.String("CORS_ALLOWED_ORIGINS", "")),

		Postgres: db.PostgresConfig{
			Host:            envutil.String("POSTGRES_HOST", "localhost"),
			Port:            envutil.String("POSTGRES_PORT", "5432"),
			User:            envutil.String("POSTGRES_USER", "postgres"),
			Password:        envutil.String("POSTGRES_PASSWORD", ""),
			Name:            envutil.String("POSTGRES_NAME", "rendivia"),
			SSLMode:         envutil.String("POSTGRES_SSLMODE", "disable"),
			MaxOpenConns:    envutil.Int("POSTGRES_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    envutil.Int("POSTGRES_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envutil.Duration("POSTGRES_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: redis.ClientConfig{
			Addr:     envutil.String("REDIS_ADDR", ""),
			Password: envutil.String("REDIS_PASSWORD", ""),
			DB:       envutil.Int("REDIS_DB", 0),
		},
		Queue: redis.QueueConfig{
			Prefix:       envutil.String("RENDER_QUEUE_PREFIX", redis.DefaultQueuePrefix),
			PollInterval: envutil.Duration("RENDER_QUEUE_POLL_INTERVAL", redis.DefaultPollInterval),
		},

		ObjectStorageMode:          envutil.String("OBJECT_STORAGE_MODE", ""),
		StorageEmulatorHost:        envutil.String("STORAGE_EMULATOR_HOST", ""),
		ObjectStoragePublicBaseURL: envutil.String("OBJECT_STORAGE_PUBLIC_BASE_URL", ""),
		GCPCredentials:             envutil.String("GOOGLE_APPLICATION_CREDENTIALS_JSON", ""),
		Bucket: gcp.BucketConfig{
			Name:      envutil.String("RENDERS_GCS_BUCKET_NAME", ""),
			CDNDomain: envutil.String("RENDERS_CDN_DOMAIN", ""),
		},

		Renderer: renderer.Config{
			BaseURL:  envutil.String("RENDERER_BASE_URL", ""),
			APIToken: envutil.String("RENDERER_API_TOKEN", ""),
			Timeout:  envutil.Duration("RENDERER_HTTP_TIMEOUT", 30*time.Second),
		},
		Driver: render.Config{
			PollInterval:   envutil.Duration("RENDER_POLL_INTERVAL", render.DefaultPollInterval),
			RenderTimeout:  envutil.Duration("RENDER_TIMEOUT", render.DefaultRenderTimeout),
			StaleHeartbeat: envutil.Duration("RENDER_STALE_HEARTBEAT", render.DefaultStaleHeartbeat),
			ScratchDir:     envutil.String("RENDER_SCRATCH_DIR", ""),
		},
		Worker: worker.Config{
			WaitTime:          envutil.Duration("WORKER_WAIT_TIME", worker.DefaultWaitTime),
			VisibilityTimeout: envutil.Duration("WORKER_VISIBILITY_TIMEOUT", worker.DefaultVisibilityTimeout),
			HeartbeatInterval: envutil.Duration("WORKER_HEARTBEAT_INTERVAL", 0),
			MaxReceives:       envutil.Int("WORKER_MAX_RECEIVES", worker.DefaultMaxReceives),
			DrainTimeout:      envutil.Duration("WORKER_DRAIN_TIMEOUT", worker.DefaultDrainTimeout),
		},
		Webhook: webhook.Config{
			BaseDelay:         envutil.Duration("WEBHOOK_BASE_DELAY", time.Second),
			PerAttemptTimeout: envutil.Duration("WEBHOOK_TIMEOUT", 10*time.Second),
		},
		WebhookAttempts: envutil.Int("WEBHOOK_MAX_ATTEMPTS", webhook.DefaultMaxAttempts),

		Otel: observability.OtelConfig{
			Enabled:     envutil.Bool("OTEL_ENABLED", false),
			ServiceName: envutil.String("OTEL_SERVICE_NAME", serviceName),
			Environment: envutil.String("OTEL_ENVIRONMENT", "development"),
			Version:     envutil.String("SERVICE_VERSION", "dev"),
			Endpoint:    envutil.String("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:     envutil.String("OTEL_EXPORTER_OTLP_HEADERS", ""),
			Insecure:    envutil.Bool("OTEL_EXPORTER_OTLP_INSECURE", false),
			SampleRatio: envutil.Float("OTEL_SAMPLE_RATIO", 1),
		},
		Metrics: observability.MetricsConfig{
			Enabled:        envutil.Bool("METRICS_ENABLED", true),
			ScrapeInterval: envutil.Duration("METRICS_SCRAPE_INTERVAL", observability.DefaultScrapeInterval),
		},
	}

	var errs []error
	if strings.TrimSpace(cfg.Postgres.Password) == "" && cfg.LogMode == "production" {
		errs = append(errs, errors.New("POSTGRES_PASSWORD is required in production"))
	}
	if cfg.Redis.Addr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required"))
	}
	if cfg.WebhookAttempts < 1 {
		errs = append(errs, fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be >= 1, got %d", cfg.WebhookAttempts))
	}
	return cfg, errors.Join(errs...)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
