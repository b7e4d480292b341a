package asynq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"gpuwatch/pkg/lock"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCycleTask(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	task, err := NewCycleTask(TypeCaptureCycle, "scheduler", at)
	require.NoError(t, err)
	assert.Equal(t, TypeCaptureCycle, task.Type())

	var payload CyclePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, "scheduler", payload.Trigger)
	assert.Equal(t, at.UTC(), payload.ScheduledAt)
}

func TestLockedHandler_RunsWithoutLock(t *testing.T) {
	runs := 0
	handler := LockedHandler("capture", nil, func(ctx context.Context) error {
		runs++
		return nil
	})

	task, err := NewCycleTask(TypeCaptureCycle, "test", time.Now())
	require.NoError(t, err)
	require.NoError(t, handler.ProcessTask(context.Background(), task))
	assert.Equal(t, 1, runs)
}

func TestLockedHandler_SkipsWhenLockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	holder := lock.NewRedisLock(client, lock.CaptureLockKey, lock.Options{})
	acquired, err := holder.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, acquired)
	defer holder.Unlock(context.Background())

	runs := 0
	contender := lock.NewRedisLock(client, lock.CaptureLockKey, lock.Options{})
	handler := LockedHandler("capture", contender, func(ctx context.Context) error {
		runs++
		return nil
	})

	task, err := NewCycleTask(TypeCaptureCycle, "test", time.Now())
	require.NoError(t, err)
	require.NoError(t, handler.ProcessTask(context.Background(), task))
	assert.Zero(t, runs)
}

func TestLockedHandler_ReleasesLockAndPropagatesError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := lock.NewRedisLock(client, lock.RetentionLockKey, lock.Options{})
	boom := errors.New("boom")
	handler := LockedHandler("retention", l, func(ctx context.Context) error {
		assert.True(t, mr.Exists(lock.RetentionLockKey))
		return boom
	})

	task, err := NewCycleTask(TypeRetention, "test", time.Now())
	require.NoError(t, err)
	assert.ErrorIs(t, handler.ProcessTask(context.Background(), task), boom)
	assert.False(t, mr.Exists(lock.RetentionLockKey))
	assert.False(t, l.IsHeld())
}

func TestLockedHandler_InvalidPayloadSkipsRetry(t *testing.T) {
	handler := LockedHandler("capture", nil, func(ctx context.Context) error {
		t.Fatal("must not run")
		return nil
	})
	err := handler.ProcessTask(context.Background(), asynq.NewTask(TypeCaptureCycle, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestSchedule_RejectsInvalidInterval(t *testing.T) {
	m := &Manager{}
	_, err := m.Schedule(TypeCaptureCycle, 0, 0)
	assert.Error(t, err)
}
