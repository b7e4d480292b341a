package telemetry

import (
	"context"
	"fmt"
	"time"

	"gpuwatch/pkg/logger"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
)

// PrometheusBackend queries a Prometheus-compatible server through client_golang
type PrometheusBackend struct {
	api v1.API
}

// NewPrometheusBackend creates a backend for the server at address
func NewPrometheusBackend(address string) (*PrometheusBackend, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	return &PrometheusBackend{api: v1.NewAPI(client)}, nil
}

// Query runs an instant query at ts
func (b *PrometheusBackend) Query(ctx context.Context, query string, ts time.Time) (Result, error) {
	value, warnings, err := b.api.Query(ctx, query, ts)
	if err != nil {
		return Result{}, fmt.Errorf("prometheus query failed: %w", err)
	}
	if len(warnings) > 0 {
		logger.WarnCtx(ctx, "Prometheus query warnings for %s: %v", query, warnings)
	}
	return FromModel(value), nil
}
