package app

import (
	"context"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/rendivia-backend/internal/clients/redis"
	"github.com/yungbote/rendivia-backend/internal/data/db"
	authrepo "github.com/yungbote/rendivia-backend/internal/data/repos/auth"
	billingrepo "github.com/yungbote/rendivia-backend/internal/data/repos/billing"
	brandrepo "github.com/yungbote/rendivia-backend/internal/data/repos/brand"
	jobsrepo "github.com/yungbote/rendivia-backend/internal/data/repos/jobs"
	"github.com/yungbote/rendivia-backend/internal/observability"
	"github.com/yungbote/rendivia-backend/internal/platform/logger"
	"github.com/yungbote/rendivia-backend/internal/services"
)

type Repos struct {
	RenderJobs  jobsrepo.RenderJobRepo
	CaptionJobs jobsrepo.CaptionJobRepo
	APIKeys     authrepo.APIKeyRepo
	Brands      brandrepo.BrandProfileRepo
	Usage       billingrepo.UsageRecordRepo
}

type Services struct {
	Usage  services.UsageService
	Brands services.BrandResolver
	Render services.RenderService
}

// App holds the infrastructure shared by the API server and the render
// worker.
type App struct {
	Log      *logger.Logger
	Cfg      Config
	DB       *gorm.DB
	Redis    *goredis.Client
	Queue    *redis.RenderQueue
	Metrics  *observability.Metrics
	Repos    Repos
	Services Services

	pg           *db.PostgresService
	shutdownOtel func(context.Context) error
	closeOnce    sync.Once
}

func New(ctx context.Context, serviceName string) (*App, error) {
	cfg, cfgErr := LoadConfig(serviceName)
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if cfgErr != nil {
		log.Sync()
		return nil, fmt.Errorf("load config: %w", cfgErr)
	}
	a := &App{Log: log, Cfg: cfg}
	a.shutdownOtel = observability.InitOTel(ctx, log, cfg.Otel)
	a.Metrics = observability.NewMetrics(cfg.Metrics)

	pg, err := db.NewPostgresService(log, cfg.Postgres)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	a.pg = pg
	if err := pg.AutoMigrateAll(); err != nil {
		a.Close()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	a.DB = pg.DB()

	rdb, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init redis: %w", err)
	}
	a.Redis = rdb
	a.Queue = redis.NewRenderQueue(rdb, cfg.Queue, log)

	a.Repos = wireRepos(a.DB, log)
	a.Services = wireServices(log, a.Repos, a.Queue)
	return a, nil
}

func wireRepos(gdb *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		RenderJobs:  jobsrepo.NewRenderJobRepo(gdb, log),
		CaptionJobs: jobsrepo.NewCaptionJobRepo(gdb, log),
		APIKeys:     authrepo.NewAPIKeyRepo(gdb, log),
		Brands:      brandrepo.NewBrandProfileRepo(gdb, log),
		Usage:       billingrepo.NewUsageRecordRepo(gdb, log),
	}
}

func wireServices(log *logger.Logger, repos Repos, queue services.Enqueuer) Services {
	log.Info("Wiring services...")
	usage := services.NewUsageService(log, repos.Usage)
	brands := services.NewBrandResolver(log, repos.Brands)
	return Services{
		Usage:  usage,
		Brands: brands,
		Render: services.NewRenderService(log, repos.RenderJobs, repos.CaptionJobs, usage, brands, queue),
	}
}

// pingers back the readiness endpoint.
func (a *App) pingers() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"postgres": func(ctx context.Context) error {
			sqlDB, err := a.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"redis": func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		},
	}
}

// Close releases connections and flushes telemetry; repeated calls are no-ops.
func (a *App) Close() {
	if a == nil {
		return
	}
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.pg != nil {
		_ = a.pg.Close()
	}
	if a.shutdownOtel != nil {
		if err := a.shutdownOtel(context.Background()); err != nil && a.Log != nil {
			a.Log.Warn("OpenTelemetry shutdown failed", "error", err)
		}
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
