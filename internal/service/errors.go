package service

import "errors"

var (
	// ErrJobNotFound no precomputed, live or stored statistics exist for the job
	ErrJobNotFound = errors.New("job not found")
	// ErrNotConfigured the metrics backend is not configured
	ErrNotConfigured = errors.New("metrics backend not configured")
	// ErrBackendUnavailable every source failed with transport errors
	ErrBackendUnavailable = errors.New("metrics backend unavailable")
)
