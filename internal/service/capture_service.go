package service

import (
	"context"
	"fmt"
	"time"

	"gpuwatch/pkg/config"
	"gpuwatch/pkg/logger"
	"gpuwatch/pkg/metrics"
	"gpuwatch/pkg/store/mysql/model"
	"gpuwatch/pkg/telemetry"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// CaptureResult is the outcome of one capture cycle
type CaptureResult struct {
	CycleID        string    `json:"cycleId"`
	Captured       int       `json:"captured"`
	Updated        int       `json:"updated"`
	Skipped        int       `json:"skipped"`
	MarkedComplete int64     `json:"markedComplete"`
	Errors         []string  `json:"errors"`
	RateLimited    bool      `json:"rateLimited,omitempty"`
	NextCaptureIn  int       `json:"nextCaptureIn,omitempty"`
	StartTime      time.Time `json:"startTime"`
	Duration       string    `json:"duration"`
}

func (r *CaptureResult) addError(stage, format string, args ...interface{}) {
	metrics.CaptureErrors.WithLabelValues(stage).Inc()
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// CaptureService runs ingest cycles: extract samples, merge them into the aggregate
// store and complete jobs that stopped reporting
type CaptureService struct {
	store     AggregateStore
	querier   metricsQuerier
	extractor *telemetry.Extractor
	liveness  *LivenessService
	limiter   *CaptureRateLimiter
	names     config.MetricNames
	capture   config.CaptureConfig
	now       func() time.Time
}

// NewCaptureService creates a capture service
func NewCaptureService(store AggregateStore, backend telemetry.Backend, liveness *LivenessService, metricsCfg config.MetricsConfig, captureCfg config.CaptureConfig) *CaptureService {
	minInterval := time.Duration(captureCfg.MinIntervalSeconds) * time.Second
	return &CaptureService{
		store:     store,
		querier:   metricsQuerier{backend: backend, timeout: metricsCfg.QueryTimeout, now: time.Now},
		extractor: telemetry.NewExtractor(metricsCfg.Labels),
		liveness:  liveness,
		limiter:   NewCaptureRateLimiter(store, minInterval),
		names:     metricsCfg.Names,
		capture:   captureCfg,
		now:       time.Now,
	}
}

// setClock replaces the time source of the service and its helpers
func (s *CaptureService) setClock(now func() time.Time) {
	s.now = now
	s.querier.now = now
	s.limiter.now = now
}

type cycleSamples struct {
	utilization []telemetry.Sample
	memoryUsed  []telemetry.Sample
	memoryFree  []telemetry.Sample
	utilErr     error
	usedErr     error
	freeErr     error
	running     RunningJobs
}

// RunCaptureCycle performs one ingest cycle. Per-metric and per-job failures are
// collected in the result; only a missing backend or store returns an error.
func (s *CaptureService) RunCaptureCycle(ctx context.Context) (*CaptureResult, error) {
	if !s.querier.configured() || s.store == nil {
		return nil, ErrNotConfigured
	}

	start := s.now()
	result := &CaptureResult{
		CycleID:   uuid.NewString(),
		Errors:    []string{},
		StartTime: start.UTC(),
	}
	ctx = logger.WithTraceID(ctx, result.CycleID)
	defer func() {
		result.Duration = s.now().Sub(start).String()
	}()

	decision := s.limiter.Check(ctx)
	if !decision.Allowed {
		result.RateLimited = true
		result.NextCaptureIn = decision.NextCaptureIn
		metrics.CaptureCycles.WithLabelValues(metrics.OutcomeRateLimited).Inc()
		logger.InfoCtx(ctx, "capture rate limited, next capture in %ds", decision.NextCaptureIn)
		return result, nil
	}

	samples := s.collect(ctx)
	if samples.utilErr != nil {
		result.addError("utilization", "utilization query failed: %v", samples.utilErr)
	}
	if samples.usedErr != nil {
		result.addError("memory_used", "memory used query failed: %v", samples.usedErr)
	}
	if samples.freeErr != nil {
		result.addError("memory_free", "memory free query failed: %v", samples.freeErr)
	}

	memPct := telemetry.MemoryPercent(samples.memoryUsed, samples.memoryFree)
	groups := telemetry.GroupByJob(samples.utilization, memPct)
	observed := telemetry.SortedJobIDs(groups)

	now := s.now().UTC()
	s.merge(ctx, result, groups, observed, now)

	if samples.utilErr != nil {
		// an empty observed set caused by a backend failure must not complete live jobs
		result.addError("sweep", "completion sweep skipped: utilization samples unavailable")
	} else {
		s.sweep(ctx, result, observed, samples.running, now)
	}

	outcome := metrics.OutcomeCompleted
	if samples.utilErr != nil {
		outcome = metrics.OutcomeFailed
	}
	metrics.CaptureCycles.WithLabelValues(outcome).Inc()
	metrics.CaptureDuration.Observe(s.now().Sub(start).Seconds())
	metrics.CaptureRows.WithLabelValues("inserted").Add(float64(result.Captured))
	metrics.CaptureRows.WithLabelValues("updated").Add(float64(result.Updated))
	metrics.CaptureRows.WithLabelValues("skipped").Add(float64(result.Skipped))
	metrics.CaptureRows.WithLabelValues("completed").Add(float64(result.MarkedComplete))

	logger.InfoCtx(ctx, "capture cycle finished: jobs=%d captured=%d updated=%d skipped=%d completed=%d errors=%d",
		len(observed), result.Captured, result.Updated, result.Skipped, result.MarkedComplete, len(result.Errors))
	return result, nil
}

// collect queries the three raw metrics and the running jobs concurrently
func (s *CaptureService) collect(ctx context.Context) *cycleSamples {
	out := &cycleSamples{}
	var g errgroup.Group

	g.Go(func() error {
		res, err := s.querier.query(ctx, "capture_utilization", s.names.Utilization)
		out.utilErr = err
		out.utilization = s.extractor.Extract(res, telemetry.MetricUtilization)
		return nil
	})
	g.Go(func() error {
		res, err := s.querier.query(ctx, "capture_memory_used", s.names.MemoryUsed)
		out.usedErr = err
		out.memoryUsed = s.extractor.Extract(res, telemetry.MetricMemoryUsed)
		return nil
	})
	g.Go(func() error {
		res, err := s.querier.query(ctx, "capture_memory_free", s.names.MemoryFree)
		out.freeErr = err
		out.memoryFree = s.extractor.Extract(res, telemetry.MetricMemoryFree)
		return nil
	})
	g.Go(func() error {
		if s.liveness != nil && s.capture.ProtectRunning() {
			out.running = s.liveness.ListRunningJobs(ctx)
		}
		return nil
	})

	_ = g.Wait()
	return out
}

// merge upserts every observed job; a failing job does not stop the others
func (s *CaptureService) merge(ctx context.Context, result *CaptureResult, groups map[string]*telemetry.JobStats, observed []string, now time.Time) {
	if len(observed) == 0 {
		return
	}

	existing, err := s.store.GetByIDs(ctx, observed)
	if err != nil {
		// counts fall back to "updated"; the merge itself does not depend on this read
		result.addError("store", "failed to classify observed jobs: %v", err)
		existing = nil
	}

	for _, jobID := range observed {
		stats := groups[jobID]
		err := s.store.Merge(ctx, model.JobCycleStats{
			JobID:          jobID,
			AvgUtilization: stats.AvgUtilization,
			MaxUtilization: stats.MaxUtilization,
			MinUtilization: stats.MinUtilization,
			AvgMemoryPct:   stats.AvgMemoryPct,
			MaxMemoryPct:   stats.MaxMemoryPct,
			DeviceCount:    stats.DeviceCount(),
		}, now)
		if err != nil {
			result.addError("merge", "job %s: %v", jobID, err)
			logger.ErrorCtx(ctx, "failed to merge job %s: %v", jobID, err)
			continue
		}

		row, known := existing[jobID]
		switch {
		case existing == nil:
			result.Updated++
		case !known:
			result.Captured++
		case row.IsComplete:
			result.Skipped++
		default:
			result.Updated++
		}
	}
}

// sweep completes incomplete rows not seen within the grace window
func (s *CaptureService) sweep(ctx context.Context, result *CaptureResult, observed []string, running RunningJobs, now time.Time) {
	protected := make([]string, 0, len(observed)+len(running.Jobs))
	seen := make(map[string]struct{}, len(observed)+len(running.Jobs))
	for _, id := range append(append([]string{}, observed...), running.IDs()...) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		protected = append(protected, id)
	}

	cutoff := now.Add(-s.capture.GraceWindow)
	n, err := s.store.MarkStaleComplete(ctx, cutoff, protected)
	if err != nil {
		result.addError("sweep", "completion sweep failed: %v", err)
		return
	}
	result.MarkedComplete = n
}

// ListAggregates lists stored aggregates
func (s *CaptureService) ListAggregates(ctx context.Context, complete *bool, limit, offset int) ([]*model.JobGPUMetrics, int64, error) {
	if s.store == nil {
		return nil, 0, ErrNotConfigured
	}
	rows, total, err := s.store.List(ctx, storeFilter(complete, limit, offset))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list aggregates: %w", err)
	}
	return rows, total, nil
}

// PurgeCompleted deletes completed aggregates last seen more than retention ago
func (s *CaptureService) PurgeCompleted(ctx context.Context, retention time.Duration) (int64, error) {
	if s.store == nil || retention <= 0 {
		return 0, nil
	}
	n, err := s.store.DeleteCompletedBefore(ctx, s.now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to purge completed aggregates: %w", err)
	}
	return n, nil
}
