package mysql

import (
	"context"
	"fmt"
	"time"

	"gpuwatch/pkg/store/mysql/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const jobGPUMetricsTable = "job_gpu_metrics"

// JobGPUMetricsRepository owns every mutation of job_gpu_metrics
type JobGPUMetricsRepository struct {
	ds *Datastore
}

// NewJobGPUMetricsRepository creates a new job GPU metrics repository
func NewJobGPUMetricsRepository(ds *Datastore) *JobGPUMetricsRepository {
	return &JobGPUMetricsRepository{ds: ds}
}

// Get returns the row for jobID, or nil when it does not exist
func (r *JobGPUMetricsRepository) Get(ctx context.Context, jobID string) (*model.JobGPUMetrics, error) {
	ctx, cancel := r.ds.withTimeout(ctx)
	defer cancel()

	var row model.JobGPUMetrics
	err := r.ds.DB(ctx).Where("job_id = ?", jobID).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job gpu metrics: %w", err)
	}
	return &row, nil
}

// GetByIDs returns the existing rows for jobIDs keyed by job id
func (r *JobGPUMetricsRepository) GetByIDs(ctx context.Context, jobIDs []string) (map[string]*model.JobGPUMetrics, error) {
	result := make(map[string]*model.JobGPUMetrics, len(jobIDs))
	if len(jobIDs) == 0 {
		return result, nil
	}

	ctx, cancel := r.ds.withTimeout(ctx)
	defer cancel()

	var rows []*model.JobGPUMetrics
	if err := r.ds.DB(ctx).Where("job_id IN ?", jobIDs).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get job gpu metrics: %w", err)
	}
	for _, row := range rows {
		result[row.JobID] = row
	}
	return result, nil
}

// Merge folds one cycle into the job's rolling aggregate with a single upsert statement.
// A missing row is inserted with sample_count = 1. An existing incomplete row gets the
// incremental average, running extrema and device high-water mark. A completed row is
// left unchanged.
func (r *JobGPUMetricsRepository) Merge(ctx context.Context, stats model.JobCycleStats, now time.Time) error {
	ctx, cancel := r.ds.withTimeout(ctx)
	defer cancel()

	row := model.NewJobGPUMetrics(stats, now)
	err := r.ds.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		DoUpdates: mergeAssignments(stats, now),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("failed to merge job gpu metrics for %s: %w", stats.JobID, err)
	}
	return nil
}

// mergeAssignments builds the ON CONFLICT / ON DUPLICATE KEY assignments.
// MySQL evaluates assignments left to right against the updated row, so
// sample_count must stay last: every expression above it reads the old count.
func mergeAssignments(stats model.JobCycleStats, now time.Time) clause.Set {
	return clause.Set{
		assign("avg_utilization", rollingAvg("avg_utilization"), stats.AvgUtilization),
		assign("avg_memory_pct", rollingAvg("avg_memory_pct"), stats.AvgMemoryPct),
		assign("max_utilization", greater("max_utilization"), stats.MaxUtilization, stats.MaxUtilization),
		assign("min_utilization", lesser("min_utilization"), stats.MinUtilization, stats.MinUtilization),
		assign("max_memory_pct", greater("max_memory_pct"), stats.MaxMemoryPct, stats.MaxMemoryPct),
		assign("gpu_count", greater("gpu_count"), stats.DeviceCount, stats.DeviceCount),
		assign("last_seen", "?", now),
		assign("sample_count", col("sample_count")+" + 1"),
	}
}

// assign wraps expr so a completed row keeps its current value
func assign(column, expr string, args ...interface{}) clause.Assignment {
	sql := fmt.Sprintf("CASE WHEN %s = ? THEN %s ELSE %s END", col("is_complete"), col(column), expr)
	return clause.Assignment{
		Column: clause.Column{Name: column},
		Value:  gorm.Expr(sql, append([]interface{}{true}, args...)...),
	}
}

func col(name string) string {
	return jobGPUMetricsTable + "." + name
}

func rollingAvg(column string) string {
	return fmt.Sprintf("(%s * %s + ?) / (%s + 1)", col(column), col("sample_count"), col("sample_count"))
}

// CASE rather than GREATEST/MAX keeps the statement portable across mysql, postgres and sqlite
func greater(column string) string {
	return fmt.Sprintf("CASE WHEN %s < ? THEN ? ELSE %s END", col(column), col(column))
}

func lesser(column string) string {
	return fmt.Sprintf("CASE WHEN %s > ? THEN ? ELSE %s END", col(column), col(column))
}

// MarkStaleComplete flags every incomplete row last seen before cutoff as complete,
// except the jobs listed in protected. Returns the number of rows changed.
func (r *JobGPUMetricsRepository) MarkStaleComplete(ctx context.Context, cutoff time.Time, protected []string) (int64, error) {
	ctx, cancel := r.ds.withTimeout(ctx)
	defer cancel()

	query := r.ds.DB(ctx).Model(&model.JobGPUMetrics{}).
		Where("is_complete = ? AND last_seen < ?", false, cutoff)
	if len(protected) > 0 {
		query = query.Where("job_id NOT IN ?", protected)
	}
	result := query.Update("is_complete", true)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark stale job gpu metrics complete: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// LatestIncomplete returns the most recently updated incomplete row, or nil when none exists
func (r *JobGPUMetricsRepository) LatestIncomplete(ctx context.Context) (*model.JobGPUMetrics, error) {
	ctx, cancel := r.ds.withTimeout(ctx)
	defer cancel()

	var row model.JobGPUMetrics
	err := r.ds.DB(ctx).Where("is_complete = ?", false).Order("last_seen DESC").First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest incomplete job gpu metrics: %w", err)
	}
	return &row, nil
}

// ListIncomplete returns every incomplete row
func (r *JobGPUMetricsRepository) ListIncomplete(ctx context.Context) ([]*model.JobGPUMetrics, error) {
	ctx, cancel := r.ds.withTimeout(ctx)
	defer cancel()

	var rows []*model.JobGPUMetrics
	if err := r.ds.DB(ctx).Where("is_complete = ?", false).Order("job_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list incomplete job gpu metrics: %w", err)
	}
	return rows, nil
}

// JobGPUMetricsFilter filters List
type JobGPUMetricsFilter struct {
	Complete *bool
	Limit    int
	Offset   int
}

// List lists rows ordered by last_seen, newest first
func (r *JobGPUMetricsRepository) List(ctx context.Context, filter JobGPUMetricsFilter) ([]*model.JobGPUMetrics, int64, error) {
	ctx, cancel := r.ds.withTimeout(ctx)
	defer cancel()

	var rows []*model.JobGPUMetrics
	var total int64

	query := r.ds.DB(ctx).Model(&model.JobGPUMetrics{})
	if filter.Complete != nil {
		query = query.Where("is_complete = ?", *filter.Complete)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count job gpu metrics: %w", err)
	}

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit).Offset(filter.Offset)
	}
	if err := query.Order("last_seen DESC").Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list job gpu metrics: %w", err)
	}
	return rows, total, nil
}

// DeleteCompletedBefore removes completed rows last seen before the given time
func (r *JobGPUMetricsRepository) DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := r.ds.withTimeout(ctx)
	defer cancel()

	result := r.ds.DB(ctx).Where("is_complete = ? AND last_seen < ?", true, before).Delete(&model.JobGPUMetrics{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete completed job gpu metrics: %w", result.Error)
	}
	return result.RowsAffected, nil
}
