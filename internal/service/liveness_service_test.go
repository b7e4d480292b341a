package service

import (
	"context"
	"testing"
	"time"

	"gpuwatch/pkg/slurm"
	"gpuwatch/pkg/store/mysql/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLiveness(workload slurm.Client, backend *fakeBackend, maxConcurrency int) *LivenessService {
	cfg := testConfig()
	cfg.Metrics.MaxConcurrency = maxConcurrency
	if backend == nil {
		return NewLivenessService(workload, nil, cfg.Metrics, cfg.Workload.Timeout)
	}
	return NewLivenessService(workload, backend, cfg.Metrics, cfg.Workload.Timeout)
}

func TestErrorPolicy(t *testing.T) {
	assert.True(t, OnErrorInclude.fallback())
	assert.False(t, OnErrorExclude.fallback())
	assert.Equal(t, "include", OnErrorInclude.String())
	assert.Equal(t, "exclude", OnErrorExclude.String())
	assert.Equal(t, OnErrorInclude, FreshnessPolicy)
}

func TestListRunningJobs(t *testing.T) {
	workload := &fakeWorkload{jobs: []slurm.Job{
		{ID: "1", UserName: "alice", Account: "physics", State: "RUNNING"},
		{ID: "2", State: "PENDING"},
		{ID: "3", State: "running"},
		{ID: "0", State: "RUNNING"},
		{ID: "4", State: "CONFIGURING", States: []string{"CONFIGURING", "RUNNING"}},
		{ID: "5", State: "COMPLETING", States: []string{"COMPLETING", "END_JOB"}},
	}}

	jobs := newTestLiveness(workload, nil, 0).ListRunningJobs(context.Background())
	assert.Equal(t, []string{"1", "3", "4"}, jobs.IDs())
	assert.True(t, jobs.Contains("1"))
	assert.False(t, jobs.Contains("2"))
	assert.Equal(t, "alice", jobs.Jobs["1"].UserName)
	assert.Equal(t, "physics", jobs.Jobs["1"].Account)
	assert.True(t, jobs.Jobs["1"].IsRunning)
}

func TestListRunningJobs_FailureYieldsEmpty(t *testing.T) {
	jobs := newTestLiveness(&fakeWorkload{err: errBackendDown}, nil, 0).ListRunningJobs(context.Background())
	assert.True(t, jobs.Empty())
	assert.NotNil(t, jobs.Jobs)

	jobs = newTestLiveness(nil, nil, 0).ListRunningJobs(context.Background())
	assert.True(t, jobs.Empty())
}

func TestIsFresh(t *testing.T) {
	backend := newFakeBackend()
	backend.set(job42Fresh, valueSeries(3))
	backend.set(job43Fresh, valueSeries(0))
	backend.fail(`count_over_time(DCGM_FI_DEV_GPU_UTIL{hpc_job="44"}[300s])`, errBackendDown)

	svc := newTestLiveness(nil, backend, 0)
	ctx := context.Background()
	window := 5 * time.Minute

	assert.True(t, svc.IsFresh(ctx, "42", window, OnErrorExclude))
	assert.False(t, svc.IsFresh(ctx, "43", window, OnErrorInclude))
	assert.True(t, svc.IsFresh(ctx, "44", window, OnErrorInclude))
	assert.False(t, svc.IsFresh(ctx, "44", window, OnErrorExclude))
	// no series at all: the job is not fresh
	assert.False(t, svc.IsFresh(ctx, "45", window, OnErrorInclude))
}

func TestIsFresh_NoBackend(t *testing.T) {
	svc := newTestLiveness(nil, nil, 0)
	assert.True(t, svc.IsFresh(context.Background(), "42", time.Minute, OnErrorInclude))
	assert.False(t, svc.IsFresh(context.Background(), "42", time.Minute, OnErrorExclude))
}

func TestCheckFreshness(t *testing.T) {
	backend := newFakeBackend()
	backend.set(job42Fresh, valueSeries(3))
	backend.fail(job43Fresh, errBackendDown)

	for _, limit := range []int{0, 1, 8} {
		svc := newTestLiveness(nil, backend, limit)
		got := svc.CheckFreshness(context.Background(), []string{"42", "43", "44"}, 5*time.Minute, FreshnessPolicy)
		assert.Equal(t, map[string]bool{"42": true, "43": true, "44": false}, got, "limit %d", limit)
	}

	svc := newTestLiveness(nil, backend, 2)
	assert.Empty(t, svc.CheckFreshness(context.Background(), nil, time.Minute, FreshnessPolicy))
}

func TestCaptureRateLimiter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	limiter := NewCaptureRateLimiter(store, time.Minute)

	limiter.now = func() time.Time { return base }
	assert.Equal(t, RateDecision{Allowed: true}, limiter.Check(ctx))

	require.NoError(t, store.Merge(ctx, model.JobCycleStats{JobID: "1", AvgUtilization: 1, MaxUtilization: 1, MinUtilization: 1, DeviceCount: 1}, base))

	tests := []struct {
		name     string
		at       time.Time
		expected RateDecision
	}{
		{"just captured", base, RateDecision{Allowed: false, NextCaptureIn: 60}},
		{"half way", base.Add(30 * time.Second), RateDecision{Allowed: false, NextCaptureIn: 30}},
		{"fractional wait rounds up", base.Add(59*time.Second + 500*time.Millisecond), RateDecision{Allowed: false, NextCaptureIn: 1}},
		{"interval elapsed", base.Add(time.Minute), RateDecision{Allowed: true}},
		{"clock behind the row", base.Add(-time.Hour), RateDecision{Allowed: false, NextCaptureIn: 60}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter.now = func() time.Time { return tt.at }
			assert.Equal(t, tt.expected, limiter.Check(ctx))
		})
	}
}

func TestCaptureRateLimiter_CompletedRowsIgnored(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Merge(ctx, model.JobCycleStats{JobID: "1", AvgUtilization: 1, MaxUtilization: 1, MinUtilization: 1, DeviceCount: 1}, base))
	_, err := store.MarkStaleComplete(ctx, base.Add(time.Second), nil)
	require.NoError(t, err)

	limiter := NewCaptureRateLimiter(store, time.Minute)
	limiter.now = func() time.Time { return base.Add(time.Second) }
	assert.True(t, limiter.Check(ctx).Allowed)
}

func TestCaptureRateLimiter_FailsOpen(t *testing.T) {
	limiter := NewCaptureRateLimiter(failingStore{}, time.Minute)
	assert.True(t, limiter.Check(context.Background()).Allowed)

	limiter = NewCaptureRateLimiter(nil, time.Minute)
	assert.True(t, limiter.Check(context.Background()).Allowed)
}

func TestDurationPolicy(t *testing.T) {
	row := &model.JobGPUMetrics{FirstSeen: base, LastSeen: base.Add(90 * time.Minute)}

	d, ok := StoredDurationPolicy{}.JobDuration(row)
	assert.True(t, ok)
	assert.Equal(t, 90*time.Minute, d)

	_, ok = StoredDurationPolicy{}.JobDuration(nil)
	assert.False(t, ok)
	_, ok = StoredDurationPolicy{}.JobDuration(&model.JobGPUMetrics{FirstSeen: base, LastSeen: base})
	assert.False(t, ok)

	_, ok = FixedDurationPolicy{}.JobDuration(row)
	assert.False(t, ok)

	chain := NewDurationPolicy(3 * time.Hour)
	d, ok = chain.JobDuration(row)
	assert.True(t, ok)
	assert.Equal(t, 90*time.Minute, d)

	d, ok = chain.JobDuration(nil)
	assert.True(t, ok)
	assert.Equal(t, 3*time.Hour, d)

	_, ok = NewDurationPolicy(0).JobDuration(nil)
	assert.False(t, ok)
}

func TestWastedGPUHours(t *testing.T) {
	assert.InDelta(t, 8*0.75*2, WastedGPUHours(25, 8, 2*time.Hour), 1e-9)
	assert.Zero(t, WastedGPUHours(30, 8, 2*time.Hour))
	assert.Zero(t, WastedGPUHours(80, 8, 2*time.Hour))
	assert.Zero(t, WastedGPUHours(10, 0, 2*time.Hour))
	assert.Zero(t, WastedGPUHours(10, 4, 0))
}
