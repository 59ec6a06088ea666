package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/rendivia-backend/internal/http/handlers"
	httpMW "github.com/yungbote/rendivia-backend/internal/http/middleware"
	"github.com/yungbote/rendivia-backend/internal/observability"
	"github.com/yungbote/rendivia-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	ServiceName    string
	AllowedOrigins []string
	// Metrics, when set, instruments every route and serves GET /metrics.
	Metrics *observability.Metrics

	AuthMiddleware *httpMW.AuthMiddleware
	RenderHandler  *httpH.RenderHandler
	CaptionHandler *httpH.CaptionHandler
	UsageHandler   *httpH.UsageHandler
	HealthHandler  *httpH.HealthHandler

	DeadLetterHandler *httpH.DeadLetterHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS(cfg.AllowedOrigins...))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
		r.GET("/readycheck", cfg.HealthHandler.ReadyCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}
	if cfg.DeadLetterHandler != nil {
		r.GET("/dead-letters", cfg.DeadLetterHandler.List)
	}

	protected := r.Group("/api/v1")
	{
		if cfg.AuthMiddleware != nil {
			protected.Use(cfg.AuthMiddleware.RequireAuth())
		}

		// Template renders
		if cfg.RenderHandler != nil {
			protected.POST("/render", cfg.RenderHandler.Submit)
			protected.GET("/render-jobs/:id", cfg.RenderHandler.GetJob)
			protected.POST("/render-jobs/:id/retry", cfg.RenderHandler.Retry)
		}

		// Caption renders
		if cfg.CaptionHandler != nil {
			protected.GET("/caption-jobs/:id", cfg.CaptionHandler.GetJob)
			protected.POST("/caption-jobs/:id/render", cfg.CaptionHandler.Render)
			protected.POST("/caption-jobs/:id/retry", cfg.CaptionHandler.Retry)
		}

		// Usage
		if cfg.UsageHandler != nil {
			protected.GET("/usage", cfg.UsageHandler.GetUsage)
		}
	}

	return r
}
