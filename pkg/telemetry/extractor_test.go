package telemetry

import (
	"math"
	"testing"
	"time"

	"gpuwatch/pkg/config"
	"gpuwatch/pkg/constants"

	promModel "github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExtractor() *Extractor {
	return NewExtractor(config.DefaultLabelCandidates())
}

func TestExtract_JSONShapes(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		expected []float64
	}{
		{
			name:     "vector with array points",
			payload:  `{"status":"success","data":{"resultType":"vector","result":[{"metric":{"hpc_job":"42","Hostname":"n1","gpu":"0"},"value":[1700000000.5,"80"]}]}}`,
			expected: []float64{80},
		},
		{
			name:     "matrix with object points",
			payload:  `{"resultType":"matrix","result":[{"metric":{"jobid":"42"},"values":[{"time":1700000000,"value":"10"},{"time":"1700000060","value":20}]}]}`,
			expected: []float64{10, 20},
		},
		{
			name:     "bare scalar result",
			payload:  `{"status":"success","data":{"resultType":"scalar","result":[1700000000,"3.5"]}}`,
			expected: []float64{3.5},
		},
		{
			name:     "unparsable values are dropped",
			payload:  `{"data":{"resultType":"vector","result":[{"metric":{"hpc_job":"1"},"value":[1700000000,"NaN"]},{"metric":{"hpc_job":"2"},"value":[1700000000,"abc"]},{"metric":{"hpc_job":"3"},"value":[1700000000,"+Inf"]},{"metric":{"hpc_job":"4"},"value":[1700000000,"7"]}]}}`,
			expected: []float64{7},
		},
		{
			name:     "empty result",
			payload:  `{"status":"success","data":{"resultType":"vector","result":[]}}`,
			expected: nil,
		},
		{
			name:     "not json",
			payload:  `<html>bad gateway</html>`,
			expected: nil,
		},
		{
			name:     "short point",
			payload:  `{"data":{"resultType":"vector","result":[{"metric":{},"value":[1700000000]}]}}`,
			expected: nil,
		},
	}

	e := newTestExtractor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples := e.Extract(DecodeResult([]byte(tt.payload)), MetricUtilization)
			var values []float64
			for _, s := range samples {
				values = append(values, s.Value)
				assert.Equal(t, MetricUtilization, s.Kind)
			}
			assert.Equal(t, tt.expected, values)
		})
	}
}

func TestExtract_JSONTimestamps(t *testing.T) {
	e := newTestExtractor()
	samples := e.Extract(DecodeResult([]byte(`{"data":{"resultType":"vector","result":[{"metric":{"hpc_job":"42"},"value":[1700000000.5,"1"]}]}}`)), MetricUtilization)
	require.Len(t, samples, 1)
	assert.Equal(t, time.Unix(1700000000, 500000000).UTC(), samples[0].Timestamp)

	samples = e.Extract(DecodeResult([]byte(`{"data":{"resultType":"matrix","result":[{"metric":{},"values":[{"time":"2024-03-01T12:00:00Z","value":"1"}]}]}}`)), MetricUtilization)
	require.Len(t, samples, 1)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), samples[0].Timestamp)
}

func TestExtract_LabelCandidates(t *testing.T) {
	e := newTestExtractor()

	res := Result{Kind: ResultVector, Series: []Series{
		{
			Labels: map[string]string{"slurm_job_id": " 77 ", "node": "gpu-a", "device": "nvidia3", "modelName": "H100"},
			Points: []Point{{Value: 55, Valid: true}},
		},
		{
			// earlier candidates win over later ones
			Labels: map[string]string{"hpc_job": "5", "jobid": "6", "Hostname": "h1", "instance": "10.0.0.1:9400"},
			Points: []Point{{Value: 1, Valid: true}},
		},
		{
			Labels: map[string]string{},
			Points: []Point{{Value: 2, Valid: true}},
		},
	}}

	samples := e.Extract(res, MetricMemoryUsed)
	require.Len(t, samples, 3)

	assert.Equal(t, "77", samples[0].JobID)
	assert.Equal(t, "gpu-a", samples[0].Hostname)
	assert.Equal(t, "nvidia3", samples[0].Device)
	assert.Equal(t, "H100", samples[0].DeviceModel)
	assert.Equal(t, MetricMemoryUsed, samples[0].Kind)

	assert.Equal(t, "5", samples[1].JobID)
	assert.Equal(t, "h1", samples[1].Hostname)

	assert.Equal(t, "", samples[2].JobID)
	assert.Equal(t, constants.UnknownLabel, samples[2].Hostname)
	assert.Equal(t, constants.UnknownLabel, samples[2].Device)
	assert.Equal(t, constants.UnknownLabel, samples[2].DeviceModel)
}

func TestExtract_ClientModel(t *testing.T) {
	e := newTestExtractor()
	ts := promModel.TimeFromUnix(1700000000)

	vector := promModel.Vector{
		{Metric: promModel.Metric{"hpc_job": "42", "Hostname": "n1", "gpu": "0"}, Value: 80, Timestamp: ts},
		{Metric: promModel.Metric{"hpc_job": "42", "Hostname": "n1", "gpu": "1"}, Value: promModel.SampleValue(math.NaN()), Timestamp: ts},
	}
	samples := e.Extract(FromModel(vector), MetricUtilization)
	require.Len(t, samples, 1)
	assert.Equal(t, "42", samples[0].JobID)
	assert.Equal(t, "0", samples[0].Device)
	assert.Equal(t, 80.0, samples[0].Value)

	matrix := promModel.Matrix{
		{Metric: promModel.Metric{"jobid": "9"}, Values: []promModel.SamplePair{{Timestamp: ts, Value: 1}, {Timestamp: ts + 60000, Value: 2}}},
	}
	samples = e.Extract(FromModel(matrix), MetricUtilization)
	require.Len(t, samples, 2)
	assert.Equal(t, "9", samples[1].JobID)

	scalar := &promModel.Scalar{Value: 4, Timestamp: ts}
	samples = e.Extract(FromModel(scalar), MetricUtilization)
	require.Len(t, samples, 1)
	assert.Equal(t, "", samples[0].JobID)

	assert.Empty(t, e.Extract(FromModel(&promModel.String{Value: "x"}), MetricUtilization))
	assert.Empty(t, e.Extract(FromModel(nil), MetricUtilization))
}

func TestResult_FirstValue(t *testing.T) {
	v, ok := Result{}.FirstValue()
	assert.False(t, ok)
	assert.Zero(t, v)
	assert.True(t, Result{}.IsEmpty())

	res := Result{Series: []Series{{Points: []Point{{Valid: false}, {Value: 3, Valid: true}}}}}
	v, ok = res.FirstValue()
	assert.True(t, ok)
	assert.Equal(t, 3.0, v)
	assert.False(t, res.IsEmpty())
}
