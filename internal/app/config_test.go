package app

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("LOG_MODE", "")
	cfg, err := LoadConfig("rendivia-api")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("http addr: want=:8080 got=%q", cfg.HTTPAddr)
	}
	if cfg.Driver.RenderTimeout != 30*time.Minute || cfg.Driver.PollInterval != 5*time.Second {
		t.Fatalf("driver defaults: got=%+v", cfg.Driver)
	}
	if cfg.Worker.MaxReceives != 5 || cfg.Worker.VisibilityTimeout != 15*time.Minute {
		t.Fatalf("worker defaults: got=%+v", cfg.Worker)
	}
	if cfg.WebhookAttempts != 3 {
		t.Fatalf("webhook attempts: want=3 got=%d", cfg.WebhookAttempts)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.ScrapeInterval != 15*time.Second {
		t.Fatalf("metrics defaults: got=%+v", cfg.Metrics)
	}
	if cfg.Otel.ServiceName != "rendivia-api" {
		t.Fatalf("otel service name: want=rendivia-api got=%q", cfg.Otel.ServiceName)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("RENDER_TIMEOUT", "45m")
	t.Setenv("WORKER_MAX_RECEIVES", "8")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.rendivia.com, ,https://staging.rendivia.com")
	t.Setenv("RENDERS_GCS_BUCKET_NAME", "rendivia-renders")
	t.Setenv("METRICS_ENABLED", "false")
	cfg, err := LoadConfig("rendivia-worker")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Driver.RenderTimeout != 45*time.Minute {
		t.Fatalf("render timeout: want=45m got=%s", cfg.Driver.RenderTimeout)
	}
	if cfg.Worker.MaxReceives != 8 {
		t.Fatalf("max receives: want=8 got=%d", cfg.Worker.MaxReceives)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://staging.rendivia.com" {
		t.Fatalf("origins: got=%v", cfg.AllowedOrigins)
	}
	if cfg.Metrics.Enabled {
		t.Fatalf("metrics: want disabled")
	}
	if cfg.Bucket.Name != "rendivia-renders" {
		t.Fatalf("bucket: want=rendivia-renders got=%q", cfg.Bucket.Name)
	}
}

func TestLoadConfigRequiresRedisAndAttempts(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("WEBHOOK_MAX_ATTEMPTS", "0")
	_, err := LoadConfig("rendivia-api")
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"REDIS_ADDR", "WEBHOOK_MAX_ATTEMPTS"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error should mention %s: %v", want, err)
		}
	}
}
