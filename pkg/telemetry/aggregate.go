package telemetry

import (
	"math"
	"sort"
	"time"
)

// DeviceReading is the latest utilization and memory reading of one device
type DeviceReading struct {
	Key         DeviceKey
	Model       string
	Utilization float64
	MemoryPct   float64
	Timestamp   time.Time
}

// JobStats is the per-cycle statistics of one job across its devices
type JobStats struct {
	JobID          string
	Devices        []DeviceReading
	AvgUtilization float64
	MaxUtilization float64
	MinUtilization float64
	AvgMemoryPct   float64
	MaxMemoryPct   float64
}

// DeviceCount returns the number of distinct devices seen for the job
func (s *JobStats) DeviceCount() int {
	return len(s.Devices)
}

// MemoryPercent joins memory-used and memory-free samples by device and returns
// used / (used + free) * 100 per device. Devices missing either half get 0.
func MemoryPercent(used, free []Sample) map[DeviceKey]float64 {
	usedByKey := latestByKey(used)
	freeByKey := latestByKey(free)

	pct := make(map[DeviceKey]float64, len(usedByKey))
	for key, u := range usedByKey {
		f, ok := freeByKey[key]
		if !ok {
			pct[key] = 0
			continue
		}
		total := u.Value + f.Value
		if total <= 0 {
			pct[key] = 0
			continue
		}
		pct[key] = u.Value / total * 100
	}
	return pct
}

func latestByKey(samples []Sample) map[DeviceKey]Sample {
	out := make(map[DeviceKey]Sample, len(samples))
	for _, s := range samples {
		if prev, ok := out[s.Key()]; ok && prev.Timestamp.After(s.Timestamp) {
			continue
		}
		out[s.Key()] = s
	}
	return out
}

// GroupByJob groups utilization samples by job, drops sentinel job ids, keeps the
// latest reading per device and computes the job's statistics for this cycle.
func GroupByJob(utilization []Sample, memoryPct map[DeviceKey]float64) map[string]*JobStats {
	perJob := make(map[string]map[DeviceKey]Sample)
	for _, s := range utilization {
		if IsSentinelJob(s.JobID) {
			continue
		}
		devices, ok := perJob[s.JobID]
		if !ok {
			devices = make(map[DeviceKey]Sample)
			perJob[s.JobID] = devices
		}
		if prev, ok := devices[s.Key()]; ok && prev.Timestamp.After(s.Timestamp) {
			continue
		}
		devices[s.Key()] = s
	}

	result := make(map[string]*JobStats, len(perJob))
	for jobID, devices := range perJob {
		stats := &JobStats{JobID: jobID, MinUtilization: math.Inf(1)}
		var utilSum, memSum float64
		for key, s := range devices {
			mem := memoryPct[key]
			stats.Devices = append(stats.Devices, DeviceReading{
				Key:         key,
				Model:       s.DeviceModel,
				Utilization: s.Value,
				MemoryPct:   mem,
				Timestamp:   s.Timestamp,
			})
			utilSum += s.Value
			memSum += mem
			stats.MaxUtilization = math.Max(stats.MaxUtilization, s.Value)
			stats.MinUtilization = math.Min(stats.MinUtilization, s.Value)
			stats.MaxMemoryPct = math.Max(stats.MaxMemoryPct, mem)
		}
		n := float64(len(devices))
		stats.AvgUtilization = utilSum / n
		stats.AvgMemoryPct = memSum / n
		sort.Slice(stats.Devices, func(i, j int) bool {
			a, b := stats.Devices[i].Key, stats.Devices[j].Key
			if a.Hostname != b.Hostname {
				return a.Hostname < b.Hostname
			}
			return a.Device < b.Device
		})
		result[jobID] = stats
	}
	return result
}

// SortedJobIDs returns the keys of groups in ascending order
func SortedJobIDs(groups map[string]*JobStats) []string {
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Mean returns the arithmetic mean, 0 for no values
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Percentile returns the nearest-rank p-th percentile (0 < p <= 100), 0 for no values
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
