package telemetry

import (
	"strings"
	"time"

	"gpuwatch/pkg/config"
	"gpuwatch/pkg/constants"
)

// MetricKind identifies which raw DCGM metric a sample came from
type MetricKind int

const (
	MetricUtilization MetricKind = iota
	MetricMemoryUsed
	MetricMemoryFree
)

func (k MetricKind) String() string {
	switch k {
	case MetricUtilization:
		return "utilization"
	case MetricMemoryUsed:
		return "memory_used"
	case MetricMemoryFree:
		return "memory_free"
	default:
		return "unknown"
	}
}

// Sample is one normalized device reading
type Sample struct {
	JobID       string
	Hostname    string
	Device      string
	DeviceModel string
	Kind        MetricKind
	Value       float64
	Timestamp   time.Time
}

// DeviceKey joins memory-used and memory-free readings of the same device
type DeviceKey struct {
	Hostname string
	Device   string
}

// Key returns the sample's device key
func (s Sample) Key() DeviceKey {
	return DeviceKey{Hostname: s.Hostname, Device: s.Device}
}

// IsSentinelJob reports whether id marks an idle or unassigned device
func IsSentinelJob(id string) bool {
	return id == "" || id == "0"
}

// Extractor turns backend results into samples. It has no side effects.
type Extractor struct {
	labels config.LabelCandidates
}

// NewExtractor creates an extractor that reads labels from the given candidate lists
func NewExtractor(labels config.LabelCandidates) *Extractor {
	defaults := config.DefaultLabelCandidates()
	if len(labels.Job) == 0 {
		labels.Job = defaults.Job
	}
	if len(labels.Hostname) == 0 {
		labels.Hostname = defaults.Hostname
	}
	if len(labels.Device) == 0 {
		labels.Device = defaults.Device
	}
	if len(labels.Model) == 0 {
		labels.Model = defaults.Model
	}
	return &Extractor{labels: labels}
}

// Extract flattens every valid point of res into samples of the given kind.
// Invalid points are dropped; an empty result yields nil.
func (e *Extractor) Extract(res Result, kind MetricKind) []Sample {
	var samples []Sample
	if res.Scalar != nil && res.Scalar.Valid {
		samples = append(samples, Sample{
			Hostname:    constants.UnknownLabel,
			Device:      constants.UnknownLabel,
			DeviceModel: constants.UnknownLabel,
			Kind:        kind,
			Value:       res.Scalar.Value,
			Timestamp:   res.Scalar.Timestamp,
		})
	}
	for _, series := range res.Series {
		jobID := strings.TrimSpace(Lookup(series.Labels, e.labels.Job))
		hostname := orUnknown(Lookup(series.Labels, e.labels.Hostname))
		device := orUnknown(Lookup(series.Labels, e.labels.Device))
		deviceModel := orUnknown(Lookup(series.Labels, e.labels.Model))
		for _, p := range series.Points {
			if !p.Valid {
				continue
			}
			samples = append(samples, Sample{
				JobID:       jobID,
				Hostname:    hostname,
				Device:      device,
				DeviceModel: deviceModel,
				Kind:        kind,
				Value:       p.Value,
				Timestamp:   p.Timestamp,
			})
		}
	}
	return samples
}

// Lookup returns the value of the first candidate key present in labels, or ""
func Lookup(labels map[string]string, candidates []string) string {
	for _, key := range candidates {
		if v, ok := labels[key]; ok && v != "" {
			return v
		}
	}
	return ""
}

func orUnknown(v string) string {
	if v == "" {
		return constants.UnknownLabel
	}
	return v
}
