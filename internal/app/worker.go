package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"

	"github.com/yungbote/rendivia-backend/internal/clients/renderer"
	apphttp "github.com/yungbote/rendivia-backend/internal/http"
	httpH "github.com/yungbote/rendivia-backend/internal/http/handlers"
	"github.com/yungbote/rendivia-backend/internal/jobs/render"
	"github.com/yungbote/rendivia-backend/internal/jobs/worker"
	"github.com/yungbote/rendivia-backend/internal/platform/webhook"
)

// NewRenderConsumer wires the driver (renderer, bucket, adapters) behind a
// queue consumer.
func (a *App) NewRenderConsumer(ctx context.Context) (*worker.Consumer, error) {
	bucket, err := resolveBucketService(ctx, a.Log, a.Cfg)
	if err != nil {
		return nil, err
	}
	rc, err := renderer.NewClient(a.Cfg.Renderer)
	if err != nil {
		return nil, fmt.Errorf("init renderer client: %w", err)
	}
	notifier := webhook.New(a.Cfg.Webhook, a.Log)

	adapters := []render.KindAdapter{
		render.NewCaptionAdapter(a.Log, a.Repos.CaptionJobs, a.Services.Usage),
		render.NewTemplateAdapter(a.Log, a.Repos.RenderJobs, a.Services.Usage, notifier, a.Cfg.WebhookAttempts, a.Metrics),
	}
	driver := render.NewDriver(a.Cfg.Driver, a.Log, rc, bucket, adapters,
		render.WithTracer(otel.Tracer("rendivia/render")),
		render.WithMetrics(a.Metrics),
	)
	return worker.NewConsumer(a.Cfg.Worker, a.Log, a.Queue, driver, worker.WithMetrics(a.Metrics)), nil
}

// NewWorkerHealthServer exposes health, metrics and the dead-letter list.
func (a *App) NewWorkerHealthServer() *apphttp.Server {
	gin.SetMode(gin.ReleaseMode)
	return apphttp.NewServer(apphttp.RouterConfig{
		Log:               a.Log,
		Metrics:           a.Metrics,
		HealthHandler:     httpH.NewHealthHandler(a.healthChecks()),
		DeadLetterHandler: httpH.NewDeadLetterHandler(a.Queue),
	})
}

// StartQueueMetrics keeps the queue depth gauge current until ctx ends.
func (a *App) StartQueueMetrics(ctx context.Context) {
	a.Metrics.StartQueueDepthCollector(ctx, a.Log, a.Queue)
}
