package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var GlobalConfig *Config

// Config global configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	MySQL    MySQLConfig    `yaml:"mysql"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	Logger   LoggerConfig   `yaml:"logger"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Workload WorkloadConfig `yaml:"workload"`
	Capture  CaptureConfig  `yaml:"capture"`
	Reader   ReaderConfig   `yaml:"reader"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Port   int    `yaml:"port"`
	Mode   string `yaml:"mode"`    // debug, release
	APIKey string `yaml:"api_key"` // API key for the capture trigger (optional, if empty, auth is disabled)
}

// MySQLConfig database configuration.
// Driver selects the gorm dialect; host/port/user/password/database are used by mysql and postgres,
// Path by sqlite.
type MySQLConfig struct {
	Driver       string        `yaml:"driver"` // mysql, postgres, sqlite
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	Database     string        `yaml:"database"`
	Path         string        `yaml:"path"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// RedisConfig Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig asynq worker configuration (only used with capture.scheduler = asynq)
type QueueConfig struct {
	Concurrency int `yaml:"concurrency"`
	MaxRetry    int `yaml:"max_retry"`
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig describes the time-series backend holding raw DCGM samples.
type MetricsConfig struct {
	Backend        string          `yaml:"backend"` // prometheus, http
	Address        string          `yaml:"address"`
	QueryTimeout   time.Duration   `yaml:"query_timeout"`
	MaxConcurrency int             `yaml:"max_concurrency"`
	Names          MetricNames     `yaml:"names"`
	JobLabel       string          `yaml:"job_label"` // label used when filtering queries by job
	Labels         LabelCandidates `yaml:"labels"`
	RecordingRules RecordingRules  `yaml:"recording_rules"`
}

// MetricNames raw metric names
type MetricNames struct {
	Utilization string `yaml:"utilization"`
	MemoryUsed  string `yaml:"memory_used"`
	MemoryFree  string `yaml:"memory_free"`
}

// LabelCandidates ordered label keys tried when reading a series
type LabelCandidates struct {
	Job      []string `yaml:"job"`
	Hostname []string `yaml:"hostname"`
	Device   []string `yaml:"device"`
	Model    []string `yaml:"model"`
}

// RecordingRules names of precomputed series
type RecordingRules struct {
	JobAvgUtilization     string `yaml:"job_avg_utilization"`
	JobMaxUtilization     string `yaml:"job_max_utilization"`
	JobMemoryPct          string `yaml:"job_memory_pct"`
	JobGPUCount           string `yaml:"job_gpu_count"`
	ClusterAvgUtilization string `yaml:"cluster_avg_utilization"`
	ClusterP95Utilization string `yaml:"cluster_p95_utilization"`
	ClusterMemoryPct      string `yaml:"cluster_memory_pct"`
	ClusterGPUCount       string `yaml:"cluster_gpu_count"`
	ClusterActiveJobs     string `yaml:"cluster_active_jobs"`
	ClusterUnderutilized  string `yaml:"cluster_underutilized_jobs"`
}

// WorkloadConfig workload manager (Slurm) access
type WorkloadConfig struct {
	Mode       string        `yaml:"mode"` // rest, cli
	URL        string        `yaml:"url"`
	APIVersion string        `yaml:"api_version"`
	User       string        `yaml:"user"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
}

// CaptureConfig ingest cycle configuration
type CaptureConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Interval           time.Duration `yaml:"interval"`             // scheduler period
	MinIntervalSeconds int           `yaml:"min_interval_seconds"` // rate limiter threshold
	GraceWindow        time.Duration `yaml:"grace_window"`         // completion sweep threshold
	Scheduler          string        `yaml:"scheduler"`            // ticker, asynq
	ProtectRunningJobs *bool         `yaml:"protect_running_jobs"`
	RetentionDays      int           `yaml:"retention_days"` // 0 disables retention cleanup
}

// ReaderConfig read path configuration
type ReaderConfig struct {
	FreshnessWindow    time.Duration `yaml:"freshness_window"`
	AssumedJobDuration time.Duration `yaml:"assumed_job_duration"` // 0 = unknown
}

// Init initializes configuration
func Init() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	cfg, err := Parse(data)
	if err != nil {
		return err
	}

	GlobalConfig = cfg
	return nil
}

// Parse decodes YAML and fills in defaults
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// ProtectRunning reports whether running jobs are shielded from the completion sweep
func (c CaptureConfig) ProtectRunning() bool {
	if c.ProtectRunningJobs == nil {
		return true
	}
	return *c.ProtectRunningJobs
}
