package service

import (
	"time"

	"gpuwatch/pkg/constants"
	"gpuwatch/pkg/store/mysql/model"
)

// DurationPolicy estimates how long a job has been running.
// ok is false when the policy has no answer.
type DurationPolicy interface {
	JobDuration(row *model.JobGPUMetrics) (d time.Duration, ok bool)
}

// StoredDurationPolicy uses the span between first and last merged cycle
type StoredDurationPolicy struct{}

func (StoredDurationPolicy) JobDuration(row *model.JobGPUMetrics) (time.Duration, bool) {
	if row == nil {
		return 0, false
	}
	d := row.Duration()
	return d, d > 0
}

// FixedDurationPolicy assumes every job ran for Duration; zero disables it
type FixedDurationPolicy struct {
	Duration time.Duration
}

func (p FixedDurationPolicy) JobDuration(*model.JobGPUMetrics) (time.Duration, bool) {
	return p.Duration, p.Duration > 0
}

// DurationChain asks each policy in order and returns the first answer
type DurationChain []DurationPolicy

func (c DurationChain) JobDuration(row *model.JobGPUMetrics) (time.Duration, bool) {
	for _, p := range c {
		if d, ok := p.JobDuration(row); ok {
			return d, true
		}
	}
	return 0, false
}

// NewDurationPolicy returns the stored span, then the assumed duration when configured
func NewDurationPolicy(assumed time.Duration) DurationPolicy {
	return DurationChain{StoredDurationPolicy{}, FixedDurationPolicy{Duration: assumed}}
}

// WastedGPUHours is the idle share of allocated GPU time; 0 for jobs that are not underutilized
func WastedGPUHours(avgUtilization float64, gpuCount int, d time.Duration) float64 {
	if !constants.IsUnderutilized(avgUtilization) || gpuCount <= 0 || d <= 0 {
		return 0
	}
	idle := 1 - avgUtilization/100
	if idle < 0 {
		idle = 0
	}
	return float64(gpuCount) * idle * d.Hours()
}
