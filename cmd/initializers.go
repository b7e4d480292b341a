package main

import (
	"fmt"
	"net/http"
	"time"

	"gpuwatch/app/handler"
	"gpuwatch/app/router"
	"gpuwatch/internal/jobs"
	"gpuwatch/internal/service"
	"gpuwatch/pkg/config"
	"gpuwatch/pkg/logger"
	"gpuwatch/pkg/slurm"
	mysqlstore "gpuwatch/pkg/store/mysql"
	redisstore "gpuwatch/pkg/store/redis"
	"gpuwatch/pkg/telemetry"

	"github.com/gin-gonic/gin"
)

// initConfig initializes configuration
func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return err
	}
	app.config = config.GlobalConfig
	return nil
}

// initLogger initializes logging
func (app *Application) initLogger() error {
	if err := logger.Init(); err != nil {
		return err
	}
	app.registerCleanup(func() {
		_ = logger.Sync()
		logger.InfoCtx(app.ctx, "Logging system has been closed")
	})
	return nil
}

// initDatabase opens the aggregate store. A mysql or postgres driver without a host leaves the
// store unconfigured; capture then answers "not configured" and reads skip the stored fallback.
func (app *Application) initDatabase() error {
	cfg := app.config.MySQL
	if cfg.Driver != "sqlite" && cfg.Host == "" {
		logger.WarnCtx(app.ctx, "%s host not configured, running without aggregate store", cfg.Driver)
		return nil
	}

	repo, err := mysqlstore.NewRepository(cfg)
	if err != nil {
		return err
	}

	app.mysqlRepo = repo
	app.registerCleanup(func() {
		_ = repo.Close()
		logger.InfoCtx(app.ctx, "Database connection has been closed")
	})

	return nil
}

// initRedis initializes Redis. Without Redis the locks degrade to single-instance mode.
func (app *Application) initRedis() error {
	if app.config.Redis.Addr == "" {
		if app.config.Capture.Enabled && app.config.Capture.Scheduler == "asynq" {
			return fmt.Errorf("capture.scheduler asynq requires redis.addr")
		}
		logger.WarnCtx(app.ctx, "Redis not configured, distributed locks run in single-instance mode")
		return nil
	}

	client, err := redisstore.NewRedisClient(app.config.Redis)
	if err != nil {
		if app.config.Capture.Enabled && app.config.Capture.Scheduler == "asynq" {
			return err
		}
		logger.WarnCtx(app.ctx, "Redis unavailable, distributed locks run in single-instance mode: %v", err)
		return nil
	}

	app.redisClient = client
	app.registerCleanup(func() {
		_ = client.Close()
		logger.InfoCtx(app.ctx, "Redis connection has been closed")
	})

	return nil
}

// initBackend initializes the time-series backend client
func (app *Application) initBackend() error {
	if app.config.Metrics.Address == "" {
		logger.WarnCtx(app.ctx, "metrics.address not configured, GPU telemetry disabled")
		return nil
	}

	backend, err := telemetry.NewBackend(app.config.Metrics)
	if err != nil {
		return err
	}
	app.backend = backend
	logger.InfoCtx(app.ctx, "metrics backend: %s at %s", app.config.Metrics.Backend, app.config.Metrics.Address)
	return nil
}

// initWorkload initializes the workload manager client
func (app *Application) initWorkload() error {
	cfg := app.config.Workload
	if cfg.Mode == "rest" && cfg.URL == "" {
		logger.WarnCtx(app.ctx, "workload.url not configured, running without job attribution")
		return nil
	}

	client, err := slurm.NewClient(cfg)
	if err != nil {
		return err
	}
	app.workload = client
	logger.InfoCtx(app.ctx, "workload manager client: %s", cfg.Mode)
	return nil
}

// initServices initializes service layer
func (app *Application) initServices() error {
	var store service.AggregateStore
	if app.mysqlRepo != nil {
		store = app.mysqlRepo.JobGPUMetrics
	}

	app.livenessService = service.NewLivenessService(
		app.workload,
		app.backend,
		app.config.Metrics,
		app.config.Workload.Timeout,
	)

	app.captureService = service.NewCaptureService(
		store,
		app.backend,
		app.livenessService,
		app.config.Metrics,
		app.config.Capture,
	)

	app.readerService = service.NewReaderService(
		store,
		app.backend,
		app.livenessService,
		app.config.Metrics,
		app.config.Reader,
	)

	return nil
}

// initHandlers initializes handler layer
func (app *Application) initHandlers() error {
	app.gpuHandler = handler.NewGPUMetricsHandler(app.readerService, app.captureService)

	checks := map[string]handler.Pinger{}
	if app.mysqlRepo != nil {
		checks["database"] = app.mysqlRepo.GetDatastore()
	}
	if app.redisClient != nil {
		checks["redis"] = app.redisClient
	}
	var jobStatus func() []jobs.Status
	if app.jobsManager != nil {
		jobStatus = app.jobsManager.Snapshot
	}
	app.healthHandler = handler.NewHealthHandler(checks, jobStatus)
	return nil
}

// initHTTPServer initializes HTTP server
func (app *Application) initHTTPServer() error {
	gin.SetMode(app.config.Server.Mode)
	app.ginEngine = gin.New()

	r := router.NewRouter(app.gpuHandler, app.healthHandler, app.config.Server.APIKey)
	r.Setup(app.ginEngine)

	app.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           app.ginEngine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return nil
}
