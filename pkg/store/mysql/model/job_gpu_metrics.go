package model

import "time"

// JobGPUMetrics is the rolling per-job GPU aggregate. One row per workload manager job id.
type JobGPUMetrics struct {
	JobID string `gorm:"column:job_id;primaryKey;type:varchar(64)" json:"job_id"`

	// Utilization percent (0-100)
	AvgUtilization float64 `gorm:"column:avg_utilization;not null;default:0" json:"avg_utilization"`
	MaxUtilization float64 `gorm:"column:max_utilization;not null;default:0" json:"max_utilization"`
	MinUtilization float64 `gorm:"column:min_utilization;not null;default:0" json:"min_utilization"`

	// Framebuffer memory percent (0-100)
	AvgMemoryPct float64 `gorm:"column:avg_memory_pct;not null;default:0" json:"avg_memory_pct"`
	MaxMemoryPct float64 `gorm:"column:max_memory_pct;not null;default:0" json:"max_memory_pct"`

	GPUCount    int `gorm:"column:gpu_count;not null;default:1" json:"gpu_count"`       // high-water mark of distinct devices
	SampleCount int `gorm:"column:sample_count;not null;default:1" json:"sample_count"` // merged cycles

	FirstSeen  time.Time `gorm:"column:first_seen;not null" json:"first_seen"`
	LastSeen   time.Time `gorm:"column:last_seen;not null;index:idx_complete_last_seen,priority:2" json:"last_seen"`
	IsComplete bool      `gorm:"column:is_complete;not null;default:false;index:idx_complete_last_seen,priority:1" json:"is_complete"`
}

// TableName returns the table name for JobGPUMetrics
func (JobGPUMetrics) TableName() string {
	return "job_gpu_metrics"
}

// Duration returns the observed span between the first and last merged cycle
func (m *JobGPUMetrics) Duration() time.Duration {
	if m.LastSeen.Before(m.FirstSeen) {
		return 0
	}
	return m.LastSeen.Sub(m.FirstSeen)
}

// JobCycleStats is one job's statistics for a single capture cycle, the input of a merge
type JobCycleStats struct {
	JobID          string
	AvgUtilization float64
	MaxUtilization float64
	MinUtilization float64
	AvgMemoryPct   float64
	MaxMemoryPct   float64
	DeviceCount    int
}

// NewJobGPUMetrics builds the row inserted the first time a job is observed
func NewJobGPUMetrics(stats JobCycleStats, now time.Time) *JobGPUMetrics {
	gpuCount := stats.DeviceCount
	if gpuCount < 1 {
		gpuCount = 1
	}
	return &JobGPUMetrics{
		JobID:          stats.JobID,
		AvgUtilization: stats.AvgUtilization,
		MaxUtilization: stats.MaxUtilization,
		MinUtilization: stats.MinUtilization,
		AvgMemoryPct:   stats.AvgMemoryPct,
		MaxMemoryPct:   stats.MaxMemoryPct,
		GPUCount:       gpuCount,
		SampleCount:    1,
		FirstSeen:      now,
		LastSeen:       now,
		IsComplete:     false,
	}
}
