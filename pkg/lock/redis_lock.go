package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gpuwatch/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	// CaptureLockKey serializes capture cycles across replicas
	CaptureLockKey = "gpuwatch:capture-lock"
	// RetentionLockKey serializes retention cleanup across replicas
	RetentionLockKey = "gpuwatch:retention-lock"

	defaultTTL            = 30 * time.Second
	defaultAcquireTimeout = 5 * time.Second
	defaultRenewInterval  = 10 * time.Second
	defaultMaxHold        = 2 * time.Minute
)

const unlockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

const renewScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// Lock is a best-effort mutual exclusion shared by all replicas
type Lock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
	IsHeld() bool
}

// Options tunes lock timings; zero values use the defaults
type Options struct {
	TTL           time.Duration
	RenewInterval time.Duration
	MaxHold       time.Duration
}

// RedisLock is a SET NX lock renewed in the background while held
type RedisLock struct {
	client    *redis.Client
	key       string
	value     string
	opts      Options
	held      bool
	acquired  time.Time
	stopRenew chan struct{}
	stopped   bool
	mu        sync.Mutex
}

// NewRedisLock creates a lock on key. A nil client yields a lock that always succeeds (single-instance mode).
func NewRedisLock(client *redis.Client, key string, opts Options) *RedisLock {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.RenewInterval <= 0 {
		opts.RenewInterval = defaultRenewInterval
	}
	if opts.MaxHold <= 0 {
		opts.MaxHold = defaultMaxHold
	}
	return &RedisLock{
		client: client,
		key:    key,
		value:  fmt.Sprintf("%s-%s", key, uuid.NewString()),
		opts:   opts,
	}
}

// TryLock attempts to acquire the lock without waiting
func (l *RedisLock) TryLock(ctx context.Context) (bool, error) {
	if l.client == nil {
		l.mu.Lock()
		l.held = true
		l.mu.Unlock()
		return true, nil
	}

	acquireCtx, cancel := context.WithTimeout(ctx, defaultAcquireTimeout)
	defer cancel()

	acquired, err := l.client.SetNX(acquireCtx, l.key, l.value, l.opts.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !acquired {
		logger.DebugCtx(ctx, "lock %s already held by another instance", l.key)
		return false, nil
	}

	l.mu.Lock()
	l.held = true
	l.acquired = time.Now()
	// a fresh channel per acquisition allows repeated TryLock/Unlock cycles
	l.stopRenew = make(chan struct{})
	l.stopped = false
	stop := l.stopRenew
	l.mu.Unlock()

	go l.renew(ctx, stop)

	logger.DebugCtx(ctx, "lock %s acquired", l.key)
	return true, nil
}

// Unlock releases the lock if this instance still owns it
func (l *RedisLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held && (l.stopRenew == nil || l.stopped) {
		l.mu.Unlock()
		return nil
	}
	if l.client == nil {
		l.held = false
		l.mu.Unlock()
		return nil
	}
	if !l.stopped {
		l.stopped = true
		close(l.stopRenew)
	}
	l.mu.Unlock()

	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}

	l.mu.Lock()
	l.held = false
	l.mu.Unlock()

	if result == 1 {
		logger.DebugCtx(ctx, "lock %s released", l.key)
	} else {
		logger.WarnCtx(ctx, "lock %s was already released or held by another instance", l.key)
	}
	return nil
}

// IsHeld reports whether this instance believes it holds the lock
func (l *RedisLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *RedisLock) renew(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(l.opts.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			holding := time.Since(l.acquired)
			l.mu.Unlock()

			if holding > l.opts.MaxHold {
				// Unlock stays with the owner goroutine; only stop renewing here
				logger.WarnCtx(ctx, "lock %s held for %.0f seconds, no longer renewing", l.key, holding.Seconds())
				l.markLost()
				return
			}

			result, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.value, l.opts.TTL.Milliseconds()).Int64()
			if err != nil {
				logger.WarnCtx(ctx, "failed to renew lock %s: %v", l.key, err)
				l.markLost()
				return
			}
			if result == 0 {
				logger.WarnCtx(ctx, "lock %s lost before renewal", l.key)
				l.markLost()
				return
			}
		}
	}
}

func (l *RedisLock) markLost() {
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
}
