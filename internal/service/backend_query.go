package service

import (
	"context"
	"time"

	"gpuwatch/pkg/metrics"
	"gpuwatch/pkg/telemetry"
)

// metricsQuerier bounds every backend query by a timeout and counts it
type metricsQuerier struct {
	backend telemetry.Backend
	timeout time.Duration
	now     func() time.Time
}

func (q metricsQuerier) configured() bool {
	return q.backend != nil
}

func (q metricsQuerier) query(ctx context.Context, purpose, promql string) (telemetry.Result, error) {
	if q.backend == nil {
		return telemetry.Result{}, ErrNotConfigured
	}
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	res, err := q.backend.Query(ctx, promql, q.now())
	metrics.BackendQueries.WithLabelValues(purpose, metrics.ResultLabel(err)).Inc()
	return res, err
}

// scalar runs promql and returns its first value; ok is false for an empty answer
func (q metricsQuerier) scalar(ctx context.Context, purpose, promql string) (value float64, ok bool, err error) {
	res, err := q.query(ctx, purpose, promql)
	if err != nil {
		return 0, false, err
	}
	value, ok = res.FirstValue()
	return value, ok, nil
}
