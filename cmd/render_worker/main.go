package main

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/rendivia-backend/internal/app"
	"github.com/yungbote/rendivia-backend/internal/platform/envutil"
	"github.com/yungbote/rendivia-backend/internal/platform/shutdown"
)

func main() {
	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	a, err := app.New(ctx, "rendivia-render-worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	consumer, err := a.NewRenderConsumer(ctx)
	if err != nil {
		a.Log.Error("Failed to wire render consumer", "error", err)
		a.Close()
		os.Exit(1)
	}
	health := a.NewWorkerHealthServer()
	healthAddr := envutil.String("WORKER_HEALTH_ADDR", ":8081")

	g, gctx := errgroup.WithContext(ctx)
	a.StartQueueMetrics(gctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		a.Log.Info("Worker health endpoint listening", "addr", healthAddr)
		return health.Run(gctx, healthAddr, a.Cfg.ShutdownGrace)
	})
	if err := g.Wait(); err != nil {
		a.Log.Error("Render worker exited with error", "error", err)
		a.Close()
		os.Exit(1)
	}
	a.Log.Info("Render worker stopped")
}
