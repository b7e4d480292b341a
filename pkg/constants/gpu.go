package constants

// UnderutilizedThreshold is the average GPU utilization (percent) below which a job is flagged
// as underutilized. Ingest, read and API layers all use this value; it is also returned in API
// payloads so the dashboard does not keep its own copy.
const UnderutilizedThreshold = 30.0

// UnknownLabel replaces a missing hostname/device/model label
const UnknownLabel = "unknown"

// StatsSource tells where a statistics payload came from
type StatsSource string

const (
	StatsSourcePrecomputed StatsSource = "precomputed"
	StatsSourceDirect      StatsSource = "direct"
	StatsSourceStored      StatsSource = "stored"
)

func (s StatsSource) String() string {
	return string(s)
}

// IsUnderutilized applies UnderutilizedThreshold
func IsUnderutilized(avgUtilization float64) bool {
	return avgUtilization < UnderutilizedThreshold
}

// Slurm job state constants (case-insensitive match)
const (
	JobStateRunning = "RUNNING"
)
