package service

import (
	"context"
	"time"

	"gpuwatch/pkg/store/mysql"
	"gpuwatch/pkg/store/mysql/model"
)

// AggregateStore is the persistence used by the capture and read paths.
// *mysql.JobGPUMetricsRepository implements it.
type AggregateStore interface {
	Get(ctx context.Context, jobID string) (*model.JobGPUMetrics, error)
	GetByIDs(ctx context.Context, jobIDs []string) (map[string]*model.JobGPUMetrics, error)
	Merge(ctx context.Context, stats model.JobCycleStats, now time.Time) error
	MarkStaleComplete(ctx context.Context, cutoff time.Time, protected []string) (int64, error)
	LatestIncomplete(ctx context.Context) (*model.JobGPUMetrics, error)
	ListIncomplete(ctx context.Context) ([]*model.JobGPUMetrics, error)
	List(ctx context.Context, filter mysql.JobGPUMetricsFilter) ([]*model.JobGPUMetrics, int64, error)
	DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error)
}

var _ AggregateStore = (*mysql.JobGPUMetricsRepository)(nil)

func storeFilter(complete *bool, limit, offset int) mysql.JobGPUMetricsFilter {
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}
	return mysql.JobGPUMetricsFilter{Complete: complete, Limit: limit, Offset: offset}
}
