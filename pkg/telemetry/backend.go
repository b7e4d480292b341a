package telemetry

import (
	"context"
	"fmt"
	"time"

	"gpuwatch/pkg/config"
)

// Backend answers instant PromQL queries against the time-series store
type Backend interface {
	Query(ctx context.Context, query string, ts time.Time) (Result, error)
}

// NewBackend creates the backend selected by cfg.Backend
func NewBackend(cfg config.MetricsConfig) (Backend, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("metrics.address is required")
	}
	switch cfg.Backend {
	case "", "prometheus":
		return NewPrometheusBackend(cfg.Address)
	case "http":
		return NewHTTPBackend(cfg.Address, cfg.QueryTimeout), nil
	default:
		return nil, fmt.Errorf("unsupported metrics backend: %s", cfg.Backend)
	}
}
