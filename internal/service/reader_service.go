package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"gpuwatch/pkg/config"
	"gpuwatch/pkg/constants"
	"gpuwatch/pkg/logger"
	"gpuwatch/pkg/metrics"
	"gpuwatch/pkg/store/mysql/model"
	"gpuwatch/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// DeviceStats is one device of a job read from raw samples
type DeviceStats struct {
	Hostname    string  `json:"hostname"`
	Device      string  `json:"device"`
	Model       string  `json:"model"`
	Utilization float64 `json:"utilization"`
	MemoryPct   float64 `json:"memoryPct"`
}

// JobGPUStats is the answer to a single-job read
type JobGPUStats struct {
	JobID               string                `json:"jobId"`
	AvgUtilization      float64               `json:"avgUtilization"`
	P95OrMaxUtilization float64               `json:"p95OrMaxUtilization"`
	MemoryPct           float64               `json:"memoryPct"`
	GPUCount            int                   `json:"gpuCount"`
	IsUnderutilized     bool                  `json:"isUnderutilized"`
	Source              constants.StatsSource `json:"source"`
	IsComplete          *bool                 `json:"isComplete,omitempty"`
	User                string                `json:"user,omitempty"`
	Account             string                `json:"account,omitempty"`
	WastedGPUHours      *float64              `json:"wastedGpuHours,omitempty"`
	Devices             []DeviceStats         `json:"devices,omitempty"`
}

// FleetGPUStats is the answer to a fleet overview read
type FleetGPUStats struct {
	AvgUtilization         float64               `json:"avgUtilization"`
	P95Utilization         float64               `json:"p95Utilization"`
	MemoryUtilization      float64               `json:"memoryUtilization"`
	TotalGPUs              int                   `json:"totalGPUs"`
	ActiveJobs             int                   `json:"activeJobs"`
	UnderutilizedJobs      int                   `json:"underutilizedJobs"`
	Source                 constants.StatsSource `json:"source"`
	WastedGPUHours         float64               `json:"wastedGpuHours"`
	UnderutilizedThreshold float64               `json:"underutilizedThreshold"`
}

// ReaderService answers ad hoc reads: precomputed series first, then raw samples,
// then the aggregate store. It keeps no state between calls.
type ReaderService struct {
	store     AggregateStore
	querier   metricsQuerier
	extractor *telemetry.Extractor
	liveness  *LivenessService
	metrics   config.MetricsConfig
	window    time.Duration
	duration  DurationPolicy
}

// NewReaderService creates a reader. store and backend may be nil.
func NewReaderService(store AggregateStore, backend telemetry.Backend, liveness *LivenessService, metricsCfg config.MetricsConfig, readerCfg config.ReaderConfig) *ReaderService {
	return &ReaderService{
		store:     store,
		querier:   metricsQuerier{backend: backend, timeout: metricsCfg.QueryTimeout, now: time.Now},
		extractor: telemetry.NewExtractor(metricsCfg.Labels),
		liveness:  liveness,
		metrics:   metricsCfg,
		window:    readerCfg.FreshnessWindow,
		duration:  NewDurationPolicy(readerCfg.AssumedJobDuration),
	}
}

// ReadJob returns statistics for one job
func (s *ReaderService) ReadJob(ctx context.Context, jobID string) (*JobGPUStats, error) {
	if telemetry.IsSentinelJob(jobID) {
		return nil, ErrJobNotFound
	}
	if !s.querier.configured() && s.store == nil {
		return nil, ErrNotConfigured
	}

	var backendErr error

	if s.querier.configured() {
		stats, err := s.readJobPrecomputed(ctx, jobID)
		if err != nil {
			backendErr = err
			logger.WarnCtx(ctx, "precomputed read for job %s failed: %v", jobID, err)
		}
		if stats != nil {
			s.countRead("job", stats.Source)
			return stats, nil
		}

		stats, err = s.readJobDirect(ctx, jobID)
		if err != nil {
			backendErr = err
			logger.WarnCtx(ctx, "direct read for job %s failed: %v", jobID, err)
		}
		if stats != nil {
			s.countRead("job", stats.Source)
			return stats, nil
		}
	}

	stats, err := s.readJobStored(ctx, jobID)
	if err != nil {
		if backendErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, backendErr)
		}
		return nil, err
	}
	if stats != nil {
		s.countRead("job", stats.Source)
		return stats, nil
	}

	if backendErr != nil && !errors.Is(backendErr, ErrNotConfigured) {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, backendErr)
	}
	return nil, ErrJobNotFound
}

func (s *ReaderService) readJobPrecomputed(ctx context.Context, jobID string) (*JobGPUStats, error) {
	rules := s.metrics.RecordingRules
	match := map[string]string{s.metrics.JobLabel: jobID}

	avg, ok, err := s.querier.scalar(ctx, "precomputed_probe", telemetry.Selector(rules.JobAvgUtilization, match))
	if err != nil || !ok {
		return nil, err
	}

	var (
		maxUtil, memPct, gpuCount float64
		g                         errgroup.Group
	)
	g.Go(func() error {
		maxUtil, _, _ = s.querier.scalar(ctx, "precomputed", telemetry.Selector(rules.JobMaxUtilization, match))
		return nil
	})
	g.Go(func() error {
		memPct, _, _ = s.querier.scalar(ctx, "precomputed", telemetry.Selector(rules.JobMemoryPct, match))
		return nil
	})
	g.Go(func() error {
		gpuCount, _, _ = s.querier.scalar(ctx, "precomputed", telemetry.Selector(rules.JobGPUCount, match))
		return nil
	})
	_ = g.Wait()

	if maxUtil < avg {
		maxUtil = avg
	}
	stats := &JobGPUStats{
		JobID:               jobID,
		AvgUtilization:      avg,
		P95OrMaxUtilization: maxUtil,
		MemoryPct:           memPct,
		GPUCount:            int(math.Round(gpuCount)),
		IsUnderutilized:     constants.IsUnderutilized(avg),
		Source:              constants.StatsSourcePrecomputed,
	}
	s.attachOwner(ctx, stats, nil)
	s.attachWaste(ctx, stats, nil)
	return stats, nil
}

func (s *ReaderService) readJobDirect(ctx context.Context, jobID string) (*JobGPUStats, error) {
	var running RunningJobs
	if s.liveness != nil {
		running = s.liveness.ListRunningJobs(ctx)
		attributable := running.Empty() || running.Contains(jobID) ||
			s.liveness.IsFresh(ctx, jobID, s.window, FreshnessPolicy)
		if !attributable {
			return nil, nil
		}
	}

	match := map[string]string{s.metrics.JobLabel: jobID}
	var (
		util, used, free []telemetry.Sample
		utilErr          error
		g                errgroup.Group
	)
	g.Go(func() error {
		res, err := s.querier.query(ctx, "direct_utilization", telemetry.Selector(s.metrics.Names.Utilization, match))
		utilErr = err
		util = s.extractor.Extract(res, telemetry.MetricUtilization)
		return nil
	})
	g.Go(func() error {
		res, _ := s.querier.query(ctx, "direct_memory_used", telemetry.Selector(s.metrics.Names.MemoryUsed, match))
		used = s.extractor.Extract(res, telemetry.MetricMemoryUsed)
		return nil
	})
	g.Go(func() error {
		res, _ := s.querier.query(ctx, "direct_memory_free", telemetry.Selector(s.metrics.Names.MemoryFree, match))
		free = s.extractor.Extract(res, telemetry.MetricMemoryFree)
		return nil
	})
	_ = g.Wait()
	if utilErr != nil {
		return nil, utilErr
	}

	groups := telemetry.GroupByJob(util, telemetry.MemoryPercent(used, free))
	job, ok := groups[jobID]
	if !ok {
		return nil, nil
	}

	stats := &JobGPUStats{
		JobID:               jobID,
		AvgUtilization:      job.AvgUtilization,
		P95OrMaxUtilization: job.MaxUtilization,
		MemoryPct:           job.AvgMemoryPct,
		GPUCount:            job.DeviceCount(),
		IsUnderutilized:     constants.IsUnderutilized(job.AvgUtilization),
		Source:              constants.StatsSourceDirect,
	}
	for _, d := range job.Devices {
		stats.Devices = append(stats.Devices, DeviceStats{
			Hostname:    d.Key.Hostname,
			Device:      d.Key.Device,
			Model:       d.Model,
			Utilization: d.Utilization,
			MemoryPct:   d.MemoryPct,
		})
	}
	s.attachOwner(ctx, stats, &running)
	s.attachWaste(ctx, stats, nil)
	return stats, nil
}

func (s *ReaderService) readJobStored(ctx context.Context, jobID string) (*JobGPUStats, error) {
	if s.store == nil {
		return nil, nil
	}
	row, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored aggregate: %w", err)
	}
	if row == nil {
		return nil, nil
	}

	complete := row.IsComplete
	stats := &JobGPUStats{
		JobID:               row.JobID,
		AvgUtilization:      row.AvgUtilization,
		P95OrMaxUtilization: row.MaxUtilization,
		MemoryPct:           row.AvgMemoryPct,
		GPUCount:            row.GPUCount,
		IsUnderutilized:     constants.IsUnderutilized(row.AvgUtilization),
		Source:              constants.StatsSourceStored,
		IsComplete:          &complete,
	}
	s.attachWaste(ctx, stats, row)
	return stats, nil
}

// attachOwner fills user and account from the running set, listing it when not supplied
func (s *ReaderService) attachOwner(ctx context.Context, stats *JobGPUStats, running *RunningJobs) {
	if s.liveness == nil {
		return
	}
	if running == nil {
		r := s.liveness.ListRunningJobs(ctx)
		running = &r
	}
	if info, ok := running.Jobs[stats.JobID]; ok {
		stats.User = info.UserName
		stats.Account = info.Account
	}
}

// attachWaste sets wasted GPU-hours when the duration policy has an answer
func (s *ReaderService) attachWaste(ctx context.Context, stats *JobGPUStats, row *model.JobGPUMetrics) {
	if !stats.IsUnderutilized || s.duration == nil {
		return
	}
	if row == nil && s.store != nil {
		r, err := s.store.Get(ctx, stats.JobID)
		if err != nil {
			logger.WarnCtx(ctx, "failed to load job %s for duration: %v", stats.JobID, err)
		}
		row = r
	}
	d, ok := s.duration.JobDuration(row)
	if !ok {
		return
	}
	wasted := WastedGPUHours(stats.AvgUtilization, stats.GPUCount, d)
	stats.WastedGPUHours = &wasted
}

// ReadOverview returns fleet-wide statistics
func (s *ReaderService) ReadOverview(ctx context.Context) (*FleetGPUStats, error) {
	if !s.querier.configured() && s.store == nil {
		return nil, ErrNotConfigured
	}

	var backendErr error
	if s.querier.configured() {
		stats, err := s.readOverviewPrecomputed(ctx)
		if err != nil {
			backendErr = err
			logger.WarnCtx(ctx, "precomputed overview failed: %v", err)
		}
		if stats != nil {
			s.countRead("overview", stats.Source)
			return stats, nil
		}

		stats, err = s.readOverviewDirect(ctx)
		if err != nil {
			backendErr = err
			logger.WarnCtx(ctx, "direct overview failed: %v", err)
		}
		if stats != nil {
			s.countRead("overview", stats.Source)
			return stats, nil
		}
	}

	stats, err := s.readOverviewStored(ctx)
	if err != nil {
		if backendErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, backendErr)
		}
		return nil, err
	}
	if stats.ActiveJobs == 0 && backendErr != nil && !errors.Is(backendErr, ErrNotConfigured) {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, backendErr)
	}
	s.countRead("overview", stats.Source)
	return stats, nil
}

func (s *ReaderService) readOverviewPrecomputed(ctx context.Context) (*FleetGPUStats, error) {
	rules := s.metrics.RecordingRules

	avg, ok, err := s.querier.scalar(ctx, "precomputed_probe", rules.ClusterAvgUtilization)
	if err != nil || !ok {
		return nil, err
	}

	stats := &FleetGPUStats{
		AvgUtilization:         avg,
		Source:                 constants.StatsSourcePrecomputed,
		UnderutilizedThreshold: constants.UnderutilizedThreshold,
	}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	fetch := func(rule string, apply func(v float64)) {
		g.Go(func() error {
			v, ok, _ := s.querier.scalar(ctx, "precomputed", rule)
			if ok {
				mu.Lock()
				apply(v)
				mu.Unlock()
			}
			return nil
		})
	}
	fetch(rules.ClusterP95Utilization, func(v float64) { stats.P95Utilization = v })
	fetch(rules.ClusterMemoryPct, func(v float64) { stats.MemoryUtilization = v })
	fetch(rules.ClusterGPUCount, func(v float64) { stats.TotalGPUs = int(math.Round(v)) })
	fetch(rules.ClusterActiveJobs, func(v float64) { stats.ActiveJobs = int(math.Round(v)) })
	fetch(rules.ClusterUnderutilized, func(v float64) { stats.UnderutilizedJobs = int(math.Round(v)) })
	_ = g.Wait()

	return stats, nil
}

func (s *ReaderService) readOverviewDirect(ctx context.Context) (*FleetGPUStats, error) {
	var (
		util, used, free []telemetry.Sample
		utilErr          error
		running          RunningJobs
		g                errgroup.Group
	)
	g.Go(func() error {
		res, err := s.querier.query(ctx, "direct_utilization", s.metrics.Names.Utilization)
		utilErr = err
		util = s.extractor.Extract(res, telemetry.MetricUtilization)
		return nil
	})
	g.Go(func() error {
		res, _ := s.querier.query(ctx, "direct_memory_used", s.metrics.Names.MemoryUsed)
		used = s.extractor.Extract(res, telemetry.MetricMemoryUsed)
		return nil
	})
	g.Go(func() error {
		res, _ := s.querier.query(ctx, "direct_memory_free", s.metrics.Names.MemoryFree)
		free = s.extractor.Extract(res, telemetry.MetricMemoryFree)
		return nil
	})
	g.Go(func() error {
		if s.liveness != nil {
			running = s.liveness.ListRunningJobs(ctx)
		}
		return nil
	})
	_ = g.Wait()
	if utilErr != nil {
		return nil, utilErr
	}

	groups := telemetry.GroupByJob(util, telemetry.MemoryPercent(used, free))

	// the running set filters only when the workload manager answered
	candidates := make([]string, 0, len(groups))
	for _, id := range telemetry.SortedJobIDs(groups) {
		if running.Empty() || running.Contains(id) {
			candidates = append(candidates, id)
		}
	}
	if s.liveness != nil && len(candidates) > 0 {
		fresh := s.liveness.CheckFreshness(ctx, candidates, s.window, FreshnessPolicy)
		kept := candidates[:0]
		for _, id := range candidates {
			if fresh[id] {
				kept = append(kept, id)
			}
		}
		candidates = kept
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var rows map[string]*model.JobGPUMetrics
	if s.store != nil {
		r, err := s.store.GetByIDs(ctx, candidates)
		if err != nil {
			logger.WarnCtx(ctx, "failed to load stored aggregates for overview: %v", err)
		}
		rows = r
	}

	stats := &FleetGPUStats{
		Source:                 constants.StatsSourceDirect,
		UnderutilizedThreshold: constants.UnderutilizedThreshold,
	}
	var utils, mems []float64
	for _, id := range candidates {
		job := groups[id]
		for _, d := range job.Devices {
			utils = append(utils, d.Utilization)
			mems = append(mems, d.MemoryPct)
		}
		stats.ActiveJobs++
		if constants.IsUnderutilized(job.AvgUtilization) {
			stats.UnderutilizedJobs++
			stats.WastedGPUHours += s.jobWaste(job.AvgUtilization, job.DeviceCount(), rows[id])
		}
	}
	stats.AvgUtilization = telemetry.Mean(utils)
	stats.P95Utilization = telemetry.Percentile(utils, 95)
	stats.MemoryUtilization = telemetry.Mean(mems)
	stats.TotalGPUs = len(utils)
	return stats, nil
}

func (s *ReaderService) readOverviewStored(ctx context.Context) (*FleetGPUStats, error) {
	stats := &FleetGPUStats{
		Source:                 constants.StatsSourceStored,
		UnderutilizedThreshold: constants.UnderutilizedThreshold,
	}
	if s.store == nil {
		return stats, nil
	}
	rows, err := s.store.ListIncomplete(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored aggregates: %w", err)
	}

	var avgs, weighted, mems []float64
	for _, row := range rows {
		avgs = append(avgs, row.AvgUtilization)
		mems = append(mems, row.AvgMemoryPct)
		for i := 0; i < row.GPUCount; i++ {
			weighted = append(weighted, row.AvgUtilization)
		}
		stats.TotalGPUs += row.GPUCount
		stats.ActiveJobs++
		if constants.IsUnderutilized(row.AvgUtilization) {
			stats.UnderutilizedJobs++
			stats.WastedGPUHours += s.jobWaste(row.AvgUtilization, row.GPUCount, row)
		}
	}
	stats.AvgUtilization = telemetry.Mean(weighted)
	stats.P95Utilization = telemetry.Percentile(avgs, 95)
	stats.MemoryUtilization = telemetry.Mean(mems)
	return stats, nil
}

func (s *ReaderService) jobWaste(avg float64, gpuCount int, row *model.JobGPUMetrics) float64 {
	if s.duration == nil {
		return 0
	}
	d, ok := s.duration.JobDuration(row)
	if !ok {
		return 0
	}
	return WastedGPUHours(avg, gpuCount, d)
}

func (s *ReaderService) countRead(kind string, source constants.StatsSource) {
	metrics.ReadSource.WithLabelValues(kind, source.String()).Inc()
}
