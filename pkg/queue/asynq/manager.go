package asynq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gpuwatch/pkg/config"
	"gpuwatch/pkg/lock"
	"gpuwatch/pkg/logger"

	"github.com/hibiken/asynq"
)

const (
	TypeCaptureCycle = "gpuwatch:capture"
	TypeRetention    = "gpuwatch:retention"

	queueName = "gpuwatch"
)

// CyclePayload is the body of periodic tasks
type CyclePayload struct {
	Trigger     string    `json:"trigger"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

// NewCycleTask builds a task of the given type
func NewCycleTask(taskType, trigger string, at time.Time) (*asynq.Task, error) {
	payload, err := json.Marshal(CyclePayload{Trigger: trigger, ScheduledAt: at.UTC()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}
	return asynq.NewTask(taskType, payload), nil
}

// RunFunc is the work behind a task type
type RunFunc func(ctx context.Context) error

// LockedHandler runs fn while holding l. A lock held elsewhere skips the task without error
// so asynq does not retry work another replica is already doing.
func LockedHandler(name string, l lock.Lock, fn RunFunc) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload CyclePayload
		if len(task.Payload()) > 0 {
			if err := json.Unmarshal(task.Payload(), &payload); err != nil {
				return fmt.Errorf("%w: invalid %s payload: %v", asynq.SkipRetry, name, err)
			}
		}

		if l != nil {
			acquired, err := l.TryLock(ctx)
			if err != nil || !acquired {
				logger.DebugCtx(ctx, "another instance is running %s, skipping task", name)
				return nil
			}
			defer func() { _ = l.Unlock(context.Background()) }()
		}

		logger.DebugCtx(ctx, "running %s task, trigger: %s", name, payload.Trigger)
		return fn(ctx)
	}
}

// Manager owns the asynq client, server and periodic scheduler
type Manager struct {
	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
}

// NewManager creates queue manager
func NewManager(redisCfg config.RedisConfig, queueCfg config.QueueConfig) *Manager {
	redisOpt := asynq.RedisClientOpt{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	}

	concurrency := queueCfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 10,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return time.Duration(n) * time.Second
			},
		},
	)

	return &Manager{
		client:    asynq.NewClient(redisOpt),
		server:    server,
		scheduler: asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC}),
		mux:       asynq.NewServeMux(),
	}
}

// RegisterHandler registers task handler
func (m *Manager) RegisterHandler(pattern string, handler asynq.Handler) {
	m.mux.Handle(pattern, handler)
}

// Schedule enqueues taskType every interval. Tasks are unique for one interval so a
// slow worker does not pile up duplicates.
func (m *Manager) Schedule(taskType string, interval time.Duration, maxRetry int) (string, error) {
	if interval <= 0 {
		return "", fmt.Errorf("invalid interval for %s: %s", taskType, interval)
	}
	task, err := NewCycleTask(taskType, "scheduler", time.Now())
	if err != nil {
		return "", err
	}
	entryID, err := m.scheduler.Register(
		fmt.Sprintf("@every %s", interval),
		task,
		asynq.Queue(queueName),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(interval),
		asynq.Unique(interval),
	)
	if err != nil {
		return "", fmt.Errorf("failed to schedule %s: %w", taskType, err)
	}
	logger.InfoCtx(context.Background(), "scheduled %s every %s, entry_id: %s", taskType, interval, entryID)
	return entryID, nil
}

// Enqueue enqueues one task of taskType now
func (m *Manager) Enqueue(ctx context.Context, taskType, trigger string) error {
	task, err := NewCycleTask(taskType, trigger, time.Now())
	if err != nil {
		return err
	}
	info, err := m.client.EnqueueContext(ctx, task, asynq.Queue(queueName))
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", taskType, err)
	}
	logger.InfoCtx(ctx, "task enqueued, task_id: %s, queue: %s", info.ID, info.Queue)
	return nil
}

// Start starts the queue processor and the scheduler
func (m *Manager) Start() error {
	logger.InfoCtx(context.Background(), "starting queue server")
	if err := m.server.Start(m.mux); err != nil {
		return fmt.Errorf("failed to start queue server: %w", err)
	}
	if err := m.scheduler.Start(); err != nil {
		m.server.Shutdown()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	return nil
}

// Stop stops the scheduler and the queue processor
func (m *Manager) Stop() {
	logger.InfoCtx(context.Background(), "stopping queue server")
	m.scheduler.Shutdown()
	m.server.Stop()
	m.server.Shutdown()
}

// Close closes client
func (m *Manager) Close() error {
	return m.client.Close()
}
