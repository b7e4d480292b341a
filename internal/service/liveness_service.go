package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"gpuwatch/pkg/config"
	"gpuwatch/pkg/logger"
	"gpuwatch/pkg/metrics"
	"gpuwatch/pkg/slurm"
	"gpuwatch/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// ErrorPolicy decides what a liveness check answers when its data source fails
type ErrorPolicy int

const (
	// OnErrorInclude treats the job as live when the check fails
	OnErrorInclude ErrorPolicy = iota
	// OnErrorExclude treats the job as not live when the check fails
	OnErrorExclude
)

func (p ErrorPolicy) String() string {
	if p == OnErrorExclude {
		return "exclude"
	}
	return "include"
}

func (p ErrorPolicy) fallback() bool {
	return p == OnErrorInclude
}

// FreshnessPolicy is used wherever a job's freshness decides whether its data is shown.
// Transient backend errors must not hide a running job.
const FreshnessPolicy = OnErrorInclude

// JobInfo is the workload manager view of a running job
type JobInfo struct {
	JobID     string `json:"jobId"`
	UserName  string `json:"userName"`
	Account   string `json:"account"`
	IsRunning bool   `json:"isRunning"`
}

// RunningJobs is the set of running jobs with their owners
type RunningJobs struct {
	Jobs map[string]JobInfo
}

// Contains reports whether jobID is running
func (r RunningJobs) Contains(jobID string) bool {
	_, ok := r.Jobs[jobID]
	return ok
}

// Empty reports whether no running job is known. Callers treat that as "workload manager unreachable".
func (r RunningJobs) Empty() bool {
	return len(r.Jobs) == 0
}

// IDs returns the running job ids in ascending order
func (r RunningJobs) IDs() []string {
	ids := make([]string, 0, len(r.Jobs))
	for id := range r.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LivenessService resolves which jobs are running and whether they still emit samples
type LivenessService struct {
	workload        slurm.Client
	querier         metricsQuerier
	metricsCfg      config.MetricsConfig
	workloadTimeout time.Duration
}

// NewLivenessService creates a liveness resolver. workload and backend may be nil.
func NewLivenessService(workload slurm.Client, backend telemetry.Backend, metricsCfg config.MetricsConfig, workloadTimeout time.Duration) *LivenessService {
	return &LivenessService{
		workload:        workload,
		querier:         metricsQuerier{backend: backend, timeout: metricsCfg.QueryTimeout, now: time.Now},
		metricsCfg:      metricsCfg,
		workloadTimeout: workloadTimeout,
	}
}

// ListRunningJobs fetches running jobs from the workload manager.
// Failures are logged and yield an empty set.
func (s *LivenessService) ListRunningJobs(ctx context.Context) RunningJobs {
	running := RunningJobs{Jobs: map[string]JobInfo{}}
	if s.workload == nil {
		return running
	}

	if s.workloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.workloadTimeout)
		defer cancel()
	}

	jobs, err := s.workload.ListJobs(ctx)
	if err != nil {
		metrics.LivenessFailures.WithLabelValues("workload").Inc()
		logger.WarnCtx(ctx, "failed to list running jobs, continuing without job attribution: %v", err)
		return running
	}

	for _, job := range jobs {
		if !job.IsRunning() || telemetry.IsSentinelJob(job.ID) {
			continue
		}
		running.Jobs[job.ID] = JobInfo{
			JobID:     job.ID,
			UserName:  job.UserName,
			Account:   job.Account,
			IsRunning: true,
		}
	}
	return running
}

// IsFresh reports whether jobID emitted a utilization sample within window.
// When the query fails the answer comes from policy.
func (s *LivenessService) IsFresh(ctx context.Context, jobID string, window time.Duration, policy ErrorPolicy) bool {
	if !s.querier.configured() {
		return policy.fallback()
	}

	selector := telemetry.Selector(s.metricsCfg.Names.Utilization, map[string]string{s.metricsCfg.JobLabel: jobID})
	count, ok, err := s.querier.scalar(ctx, "freshness", telemetry.CountOverTime(selector, window))
	if err != nil {
		metrics.LivenessFailures.WithLabelValues("freshness").Inc()
		logger.WarnCtx(ctx, "freshness check for job %s failed, policy %s: %v", jobID, policy, err)
		return policy.fallback()
	}
	return ok && count > 0
}

// CheckFreshness runs IsFresh for every job concurrently, bounded by metrics.max_concurrency
func (s *LivenessService) CheckFreshness(ctx context.Context, jobIDs []string, window time.Duration, policy ErrorPolicy) map[string]bool {
	result := make(map[string]bool, len(jobIDs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	limit := s.metricsCfg.MaxConcurrency
	if limit <= 0 {
		limit = -1
	}
	g.SetLimit(limit)
	for _, id := range jobIDs {
		id := id
		g.Go(func() error {
			fresh := s.IsFresh(gctx, id, window, policy)
			mu.Lock()
			result[id] = fresh
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result
}
