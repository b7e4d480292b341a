package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(job, host, device string, kind MetricKind, value float64, ts time.Time) Sample {
	return Sample{JobID: job, Hostname: host, Device: device, DeviceModel: "A100", Kind: kind, Value: value, Timestamp: ts}
}

func TestMemoryPercent(t *testing.T) {
	now := time.Unix(1700000000, 0)
	used := []Sample{
		sample("", "n1", "0", MetricMemoryUsed, 30, now),
		sample("", "n1", "1", MetricMemoryUsed, 10, now),
		sample("", "n1", "2", MetricMemoryUsed, 0, now),
	}
	free := []Sample{
		sample("", "n1", "0", MetricMemoryFree, 70, now),
		sample("", "n1", "2", MetricMemoryFree, 0, now),
		sample("", "n9", "0", MetricMemoryFree, 50, now),
	}

	pct := MemoryPercent(used, free)
	assert.InDelta(t, 30, pct[DeviceKey{"n1", "0"}], 1e-9)
	// incomplete pair
	assert.Equal(t, 0.0, pct[DeviceKey{"n1", "1"}])
	// zero total
	assert.Equal(t, 0.0, pct[DeviceKey{"n1", "2"}])
	_, ok := pct[DeviceKey{"n9", "0"}]
	assert.False(t, ok)
}

func TestGroupByJob(t *testing.T) {
	now := time.Unix(1700000000, 0)
	util := []Sample{
		sample("42", "n1", "A", MetricUtilization, 80, now),
		sample("42", "n1", "B", MetricUtilization, 40, now),
		// older duplicate of device A is ignored
		sample("42", "n1", "A", MetricUtilization, 10, now.Add(-time.Minute)),
		sample("0", "n1", "C", MetricUtilization, 99, now),
		sample("", "n2", "D", MetricUtilization, 99, now),
		sample("7", "n2", "E", MetricUtilization, 20, now),
	}
	mem := map[DeviceKey]float64{{"n1", "A"}: 50, {"n1", "B"}: 10}

	groups := GroupByJob(util, mem)
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"42", "7"}, SortedJobIDs(groups))

	job := groups["42"]
	assert.InDelta(t, 60, job.AvgUtilization, 1e-9)
	assert.Equal(t, 80.0, job.MaxUtilization)
	assert.Equal(t, 40.0, job.MinUtilization)
	assert.InDelta(t, 30, job.AvgMemoryPct, 1e-9)
	assert.Equal(t, 50.0, job.MaxMemoryPct)
	assert.Equal(t, 2, job.DeviceCount())
	assert.Equal(t, "A", job.Devices[0].Key.Device)

	other := groups["7"]
	assert.Equal(t, 1, other.DeviceCount())
	assert.Equal(t, 0.0, other.AvgMemoryPct)
}

func TestGroupByJob_SentinelOnly(t *testing.T) {
	now := time.Unix(1700000000, 0)
	groups := GroupByJob([]Sample{
		sample("0", "n1", "A", MetricUtilization, 80, now),
		sample("", "n1", "B", MetricUtilization, 40, now),
	}, nil)
	assert.Empty(t, groups)
}

func TestPercentileAndMean(t *testing.T) {
	assert.Equal(t, 0.0, Percentile(nil, 95))
	assert.Equal(t, 0.0, Mean(nil))

	values := []float64{50, 10, 40, 20, 30}
	assert.Equal(t, 50.0, Percentile(values, 95))
	assert.Equal(t, 30.0, Percentile(values, 50))
	assert.Equal(t, 10.0, Percentile(values, 1))
	assert.Equal(t, 30.0, Mean(values))
	// input is not reordered
	assert.Equal(t, []float64{50, 10, 40, 20, 30}, values)
}

func TestSelectorAndCountOverTime(t *testing.T) {
	assert.Equal(t, "up", Selector("up", nil))
	assert.Equal(t, `DCGM_FI_DEV_GPU_UTIL{a="1",hpc_job="42"}`,
		Selector("DCGM_FI_DEV_GPU_UTIL", map[string]string{"hpc_job": "42", "a": "1"}))
	// quotes in values are escaped
	assert.Equal(t, `m{j="x\"y"}`, Selector("m", map[string]string{"j": `x"y`}))

	assert.Equal(t, `count_over_time(m{j="1"}[300s])`, CountOverTime(`m{j="1"}`, 5*time.Minute))
	assert.Equal(t, `count_over_time(m[1s])`, CountOverTime("m", 0))
}

func TestHTTPBackend_Query(t *testing.T) {
	var gotQuery, gotTime string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/query", r.URL.Path)
		gotQuery = r.URL.Query().Get("query")
		gotTime = r.URL.Query().Get("time")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[{"metric":{"hpc_job":"42"},"value":[1700000000,"12.5"]}]}}`))
	}))
	defer server.Close()

	backend := NewHTTPBackend(server.URL, time.Second)
	res, err := backend.Query(context.Background(), "up", time.Unix(1700000000, 0))
	require.NoError(t, err)
	assert.Equal(t, "up", gotQuery)
	assert.Equal(t, "1700000000.000", gotTime)

	v, ok := res.FirstValue()
	assert.True(t, ok)
	assert.Equal(t, 12.5, v)
}

func TestHTTPBackend_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("query") == "bad" {
			_, _ = w.Write([]byte(`{"status":"error","errorType":"bad_data","error":"parse error"}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	backend := NewHTTPBackend(server.URL, time.Second)
	_, err := backend.Query(context.Background(), "bad", time.Time{})
	assert.ErrorContains(t, err, "parse error")

	_, err = backend.Query(context.Background(), "up", time.Time{})
	assert.ErrorContains(t, err, "503")
}
