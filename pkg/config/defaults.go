package config

import "time"

const (
	DefaultServerPort         = 8090
	DefaultMinIntervalSeconds = 60
	DefaultGraceWindow        = 10 * time.Minute
	DefaultCaptureInterval    = time.Minute
	DefaultQueryTimeout       = 10 * time.Second
	DefaultWorkloadTimeout    = 10 * time.Second
	DefaultDBQueryTimeout     = 5 * time.Second
	DefaultFreshnessWindow    = 5 * time.Minute
	DefaultMaxConcurrency     = 8
)

// DefaultLabelCandidates returns the label keys tried, in order, for each field.
// DCGM exporters, Slurm prolog relabeling and node-exporter style setups disagree on naming.
func DefaultLabelCandidates() LabelCandidates {
	return LabelCandidates{
		Job:      []string{"hpc_job", "jobid", "job_id", "slurm_job_id", "slurm_job"},
		Hostname: []string{"Hostname", "hostname", "host", "node", "instance"},
		Device:   []string{"gpu", "device", "gpu_index", "minor_number", "UUID"},
		Model:    []string{"modelName", "model_name", "model", "gpu_model"},
	}
}

// DefaultRecordingRules returns the conventional recording rule names
func DefaultRecordingRules() RecordingRules {
	return RecordingRules{
		JobAvgUtilization:     "job:gpu_utilization:avg",
		JobMaxUtilization:     "job:gpu_utilization:max",
		JobMemoryPct:          "job:gpu_memory_pct:avg",
		JobGPUCount:           "job:gpu_count",
		ClusterAvgUtilization: "cluster:gpu_utilization:avg",
		ClusterP95Utilization: "cluster:gpu_utilization:p95",
		ClusterMemoryPct:      "cluster:gpu_memory_pct:avg",
		ClusterGPUCount:       "cluster:gpu_count",
		ClusterActiveJobs:     "cluster:gpu_active_jobs",
		ClusterUnderutilized:  "cluster:gpu_underutilized_jobs",
	}
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = DefaultServerPort
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}

	if cfg.MySQL.Driver == "" {
		cfg.MySQL.Driver = "mysql"
	}
	if cfg.MySQL.Port <= 0 {
		switch cfg.MySQL.Driver {
		case "postgres":
			cfg.MySQL.Port = 5432
		default:
			cfg.MySQL.Port = 3306
		}
	}
	if cfg.MySQL.MaxOpenConns <= 0 {
		cfg.MySQL.MaxOpenConns = 50
	}
	if cfg.MySQL.MaxIdleConns <= 0 {
		cfg.MySQL.MaxIdleConns = 10
	}
	if cfg.MySQL.QueryTimeout <= 0 {
		cfg.MySQL.QueryTimeout = DefaultDBQueryTimeout
	}

	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = 1
	}

	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Output == "" {
		cfg.Logger.Output = "console"
	}
	if cfg.Logger.File.MaxSizeMB <= 0 {
		cfg.Logger.File.MaxSizeMB = 100
	}

	m := &cfg.Metrics
	if m.Backend == "" {
		m.Backend = "prometheus"
	}
	if m.QueryTimeout <= 0 {
		m.QueryTimeout = DefaultQueryTimeout
	}
	if m.MaxConcurrency <= 0 {
		m.MaxConcurrency = DefaultMaxConcurrency
	}
	if m.Names.Utilization == "" {
		m.Names.Utilization = "DCGM_FI_DEV_GPU_UTIL"
	}
	if m.Names.MemoryUsed == "" {
		m.Names.MemoryUsed = "DCGM_FI_DEV_FB_USED"
	}
	if m.Names.MemoryFree == "" {
		m.Names.MemoryFree = "DCGM_FI_DEV_FB_FREE"
	}
	labels := DefaultLabelCandidates()
	if len(m.Labels.Job) == 0 {
		m.Labels.Job = labels.Job
	}
	if len(m.Labels.Hostname) == 0 {
		m.Labels.Hostname = labels.Hostname
	}
	if len(m.Labels.Device) == 0 {
		m.Labels.Device = labels.Device
	}
	if len(m.Labels.Model) == 0 {
		m.Labels.Model = labels.Model
	}
	if m.JobLabel == "" {
		m.JobLabel = m.Labels.Job[0]
	}
	rules := DefaultRecordingRules()
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&m.RecordingRules.JobAvgUtilization, rules.JobAvgUtilization)
	fill(&m.RecordingRules.JobMaxUtilization, rules.JobMaxUtilization)
	fill(&m.RecordingRules.JobMemoryPct, rules.JobMemoryPct)
	fill(&m.RecordingRules.JobGPUCount, rules.JobGPUCount)
	fill(&m.RecordingRules.ClusterAvgUtilization, rules.ClusterAvgUtilization)
	fill(&m.RecordingRules.ClusterP95Utilization, rules.ClusterP95Utilization)
	fill(&m.RecordingRules.ClusterMemoryPct, rules.ClusterMemoryPct)
	fill(&m.RecordingRules.ClusterGPUCount, rules.ClusterGPUCount)
	fill(&m.RecordingRules.ClusterActiveJobs, rules.ClusterActiveJobs)
	fill(&m.RecordingRules.ClusterUnderutilized, rules.ClusterUnderutilized)

	if cfg.Workload.Mode == "" {
		cfg.Workload.Mode = "rest"
	}
	if cfg.Workload.APIVersion == "" {
		cfg.Workload.APIVersion = "v0.0.40"
	}
	if cfg.Workload.Timeout <= 0 {
		cfg.Workload.Timeout = DefaultWorkloadTimeout
	}

	if cfg.Capture.Interval <= 0 {
		cfg.Capture.Interval = DefaultCaptureInterval
	}
	if cfg.Capture.MinIntervalSeconds <= 0 {
		cfg.Capture.MinIntervalSeconds = DefaultMinIntervalSeconds
	}
	if cfg.Capture.GraceWindow <= 0 {
		cfg.Capture.GraceWindow = DefaultGraceWindow
	}
	if cfg.Capture.Scheduler != "asynq" {
		cfg.Capture.Scheduler = "ticker"
	}
	if cfg.Capture.RetentionDays < 0 {
		cfg.Capture.RetentionDays = 0
	}

	if cfg.Reader.FreshnessWindow <= 0 {
		cfg.Reader.FreshnessWindow = DefaultFreshnessWindow
	}
	if cfg.Reader.AssumedJobDuration < 0 {
		cfg.Reader.AssumedJobDuration = 0
	}
}
