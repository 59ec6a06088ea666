package app

import (
	"context"

	apphttp "github.com/yungbote/rendivia-backend/internal/http"
	httpH "github.com/yungbote/rendivia-backend/internal/http/handlers"
	httpMW "github.com/yungbote/rendivia-backend/internal/http/middleware"
)

// NewAPIServer wires the public render API.
func (a *App) NewAPIServer() *apphttp.Server {
	a.Log.Info("Wiring handlers...")
	return apphttp.NewServer(apphttp.RouterConfig{
		Log:            a.Log,
		ServiceName:    a.otelServiceName(),
		AllowedOrigins: a.Cfg.AllowedOrigins,
		Metrics:        a.Metrics,
		AuthMiddleware: httpMW.NewAuthMiddleware(a.Log, a.Repos.APIKeys, a.Cfg.JWTSecretKey),
		RenderHandler:  httpH.NewRenderHandler(a.Services.Render),
		CaptionHandler: httpH.NewCaptionHandler(a.Services.Render),
		UsageHandler:   httpH.NewUsageHandler(a.Services.Usage),
		HealthHandler:  httpH.NewHealthHandler(a.healthChecks()),
	})
}

func (a *App) healthChecks() map[string]httpH.Pinger {
	out := map[string]httpH.Pinger{}
	for name, ping := range a.pingers() {
		out[name] = httpH.Pinger(ping)
	}
	return out
}

func (a *App) otelServiceName() string {
	if !a.Cfg.Otel.Enabled {
		return ""
	}
	return a.Cfg.Otel.ServiceName
}

// RunAPI serves until ctx is cancelled.
func (a *App) RunAPI(ctx context.Context) error {
	a.Log.Info("API server listening", "addr", a.Cfg.HTTPAddr)
	return a.NewAPIServer().Run(ctx, a.Cfg.HTTPAddr, a.Cfg.ShutdownGrace)
}
