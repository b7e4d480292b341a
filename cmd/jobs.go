package main

import (
	"context"
	"fmt"
	"time"

	"gpuwatch/internal/jobs"
	"gpuwatch/internal/service"
	"gpuwatch/pkg/lock"
	"gpuwatch/pkg/logger"
	queueasynq "gpuwatch/pkg/queue/asynq"

	"github.com/go-redis/redis/v8"
)

const retentionInterval = 24 * time.Hour

func (app *Application) initJobs() error {
	if !app.config.Capture.Enabled {
		logger.InfoCtx(app.ctx, "periodic capture disabled, cycles run only through the capture endpoint")
		return nil
	}
	if app.captureService == nil {
		logger.WarnCtx(app.ctx, "Service layer not fully initialized yet, skipping background task registration")
		return nil
	}
	if app.mysqlRepo == nil || app.backend == nil {
		logger.WarnCtx(app.ctx, "aggregate store or metrics backend missing, periodic capture not scheduled")
		return nil
	}

	// Locks keep replicas from running the same cycle; without Redis they degrade to single-instance mode
	var redisClient *redis.Client
	if app.redisClient != nil {
		redisClient = app.redisClient.GetClient()
	}
	captureLock := lock.NewRedisLock(redisClient, lock.CaptureLockKey, lock.Options{MaxHold: 2 * app.config.Capture.Interval})
	retentionLock := lock.NewRedisLock(redisClient, lock.RetentionLockKey, lock.Options{})

	retention := time.Duration(app.config.Capture.RetentionDays) * 24 * time.Hour

	if app.config.Capture.Scheduler == "asynq" {
		return app.initQueue(captureLock, retentionLock, retention)
	}

	manager := jobs.NewManager(app.ctx)
	manager.Register(newCaptureJob(app.config.Capture.Interval, app.captureService, captureLock))
	if retention > 0 {
		manager.Register(newRetentionJob(retentionInterval, retention, app.captureService, retentionLock))
	}

	app.jobsManager = manager
	return nil
}

// initQueue runs the periodic tasks through asynq instead of the in-process ticker
func (app *Application) initQueue(captureLock, retentionLock lock.Lock, retention time.Duration) error {
	manager := queueasynq.NewManager(app.config.Redis, app.config.Queue)

	manager.RegisterHandler(queueasynq.TypeCaptureCycle, queueasynq.LockedHandler("capture", captureLock, func(ctx context.Context) error {
		_, err := runCapture(ctx, app.captureService)
		return err
	}))
	if _, err := manager.Schedule(queueasynq.TypeCaptureCycle, app.config.Capture.Interval, app.config.Queue.MaxRetry); err != nil {
		return err
	}

	if retention > 0 {
		manager.RegisterHandler(queueasynq.TypeRetention, queueasynq.LockedHandler("retention", retentionLock, func(ctx context.Context) error {
			_, err := app.captureService.PurgeCompleted(ctx, retention)
			return err
		}))
		if _, err := manager.Schedule(queueasynq.TypeRetention, retentionInterval, app.config.Queue.MaxRetry); err != nil {
			return err
		}
	}

	app.queueManager = manager
	app.registerCleanup(func() {
		_ = manager.Close()
		logger.InfoCtx(app.ctx, "Queue client has been closed")
	})
	return nil
}

// runCapture runs one cycle and logs a summary. Per-job errors stay in the result.
func runCapture(ctx context.Context, svc *service.CaptureService) (*service.CaptureResult, error) {
	result, err := svc.RunCaptureCycle(ctx)
	if err != nil {
		return nil, err
	}
	if result.RateLimited {
		logger.DebugCtx(ctx, "capture skipped by rate limiter, next capture in %ds", result.NextCaptureIn)
		return result, nil
	}
	if len(result.Errors) > 0 {
		logger.WarnCtx(ctx, "capture cycle %s finished with %d errors: %v", result.CycleID, len(result.Errors), result.Errors)
	}
	return result, nil
}

// captureJob runs a capture cycle on every tick.
type captureJob struct {
	interval        time.Duration
	captureService  *service.CaptureService
	distributedLock lock.Lock
}

func newCaptureJob(interval time.Duration, svc *service.CaptureService, l lock.Lock) jobs.Job {
	return &captureJob{
		interval:        interval,
		captureService:  svc,
		distributedLock: l,
	}
}

func (j *captureJob) Name() string {
	return "gpu-capture"
}

func (j *captureJob) Interval() time.Duration {
	return j.interval
}

func (j *captureJob) Run(ctx context.Context) error {
	if j.captureService == nil {
		return fmt.Errorf("capture service not configured")
	}

	if j.distributedLock != nil {
		acquired, err := j.distributedLock.TryLock(ctx)
		if err != nil || !acquired {
			logger.DebugCtx(ctx, "another instance is running gpu capture, skipping this cycle")
			return nil
		}
		defer j.distributedLock.Unlock(context.Background())
	}

	_, err := runCapture(ctx, j.captureService)
	return err
}

// retentionJob deletes completed aggregates older than the retention period, once a day at midnight UTC.
type retentionJob struct {
	interval        time.Duration
	retention       time.Duration
	captureService  *service.CaptureService
	distributedLock lock.Lock
}

func newRetentionJob(interval, retention time.Duration, svc *service.CaptureService, l lock.Lock) jobs.Job {
	return &retentionJob{
		interval:        interval,
		retention:       retention,
		captureService:  svc,
		distributedLock: l,
	}
}

func (j *retentionJob) Name() string {
	return "gpu-aggregate-retention"
}

func (j *retentionJob) Interval() time.Duration {
	return j.interval
}

func (j *retentionJob) AlignToInterval() bool {
	return true
}

func (j *retentionJob) Run(ctx context.Context) error {
	if j.distributedLock != nil {
		acquired, err := j.distributedLock.TryLock(ctx)
		if err != nil || !acquired {
			logger.DebugCtx(ctx, "another instance is running aggregate retention, skipping this cycle")
			return nil
		}
		defer j.distributedLock.Unlock(context.Background())
	}

	n, err := j.captureService.PurgeCompleted(ctx, j.retention)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.InfoCtx(ctx, "deleted %d completed aggregates older than %s", n, j.retention)
	}
	return nil
}
