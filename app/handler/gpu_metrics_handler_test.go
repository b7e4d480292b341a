package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"gpuwatch/internal/jobs"
	"gpuwatch/internal/service"
	"gpuwatch/pkg/constants"
	"gpuwatch/pkg/store/mysql/model"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeReader struct {
	job      *service.JobGPUStats
	overview *service.FleetGPUStats
	err      error
	lastJob  string
}

func (f *fakeReader) ReadJob(_ context.Context, jobID string) (*service.JobGPUStats, error) {
	f.lastJob = jobID
	return f.job, f.err
}

func (f *fakeReader) ReadOverview(context.Context) (*service.FleetGPUStats, error) {
	return f.overview, f.err
}

type fakeCapturer struct {
	result   *service.CaptureResult
	rows     []*model.JobGPUMetrics
	err      error
	complete *bool
	limit    int
	offset   int
}

func (f *fakeCapturer) RunCaptureCycle(context.Context) (*service.CaptureResult, error) {
	return f.result, f.err
}

func (f *fakeCapturer) ListAggregates(_ context.Context, complete *bool, limit, offset int) ([]*model.JobGPUMetrics, int64, error) {
	f.complete, f.limit, f.offset = complete, limit, offset
	return f.rows, int64(len(f.rows)), f.err
}

func newTestEngine(h *GPUMetricsHandler) *gin.Engine {
	engine := gin.New()
	engine.GET("/jobs/:job_id", h.GetJob)
	engine.GET("/overview", h.GetOverview)
	engine.POST("/capture", h.Capture)
	engine.GET("/aggregates", h.ListAggregates)
	return engine
}

func serve(engine *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestGetJob(t *testing.T) {
	complete := true
	reader := &fakeReader{job: &service.JobGPUStats{
		JobID:               "42",
		AvgUtilization:      60,
		P95OrMaxUtilization: 80,
		GPUCount:            2,
		Source:              constants.StatsSourceStored,
		IsComplete:          &complete,
	}}
	w := serve(newTestEngine(NewGPUMetricsHandler(reader, nil)), http.MethodGet, "/jobs/42")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "42", reader.lastJob)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "42", body["jobId"])
	assert.Equal(t, 80.0, body["p95OrMaxUtilization"])
	assert.Equal(t, "stored", body["source"])
	assert.Equal(t, true, body["isComplete"])
	assert.NotContains(t, body, "wastedGpuHours")
}

func TestGetJob_ErrorMapping(t *testing.T) {
	tests := []struct {
		err     error
		status  int
		message string
	}{
		{service.ErrJobNotFound, http.StatusNotFound, "job not found"},
		{service.ErrNotConfigured, http.StatusServiceUnavailable, "gpu telemetry not configured"},
		{fmt.Errorf("%w: dial tcp: refused", service.ErrBackendUnavailable), http.StatusBadGateway, "metrics backend unavailable"},
		{errors.New("failed to read stored aggregate: database is locked"), http.StatusInternalServerError, "database is locked"},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			w := serve(newTestEngine(NewGPUMetricsHandler(&fakeReader{err: tt.err}, nil)), http.MethodGet, "/jobs/42")
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.message)
		})
	}
}

func TestNotConfiguredHandlers(t *testing.T) {
	engine := newTestEngine(NewGPUMetricsHandler(nil, nil))
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/jobs/42"},
		{http.MethodGet, "/overview"},
		{http.MethodPost, "/capture"},
		{http.MethodGet, "/aggregates"},
	} {
		w := serve(engine, tc.method, tc.path)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, tc.path)
	}
}

func TestGetOverview(t *testing.T) {
	reader := &fakeReader{overview: &service.FleetGPUStats{
		AvgUtilization:         43.5,
		TotalGPUs:              3,
		ActiveJobs:             2,
		UnderutilizedJobs:      1,
		Source:                 constants.StatsSourceDirect,
		UnderutilizedThreshold: constants.UnderutilizedThreshold,
	}}
	w := serve(newTestEngine(NewGPUMetricsHandler(reader, nil)), http.MethodGet, "/overview")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 3.0, body["totalGPUs"])
	assert.Equal(t, "direct", body["source"])
	assert.Equal(t, 30.0, body["underutilizedThreshold"])
	assert.Contains(t, body, "wastedGpuHours")
}

func TestCapture(t *testing.T) {
	capturer := &fakeCapturer{result: &service.CaptureResult{CycleID: "c1", Errors: []string{}, RateLimited: true, NextCaptureIn: 30}}
	w := serve(newTestEngine(NewGPUMetricsHandler(nil, capturer)), http.MethodPost, "/capture")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["rateLimited"])
	assert.Equal(t, 30.0, body["nextCaptureIn"])
	assert.Equal(t, []interface{}{}, body["errors"])
}

func TestListAggregates(t *testing.T) {
	capturer := &fakeCapturer{rows: []*model.JobGPUMetrics{{JobID: "1"}, {JobID: "2"}}}
	engine := newTestEngine(NewGPUMetricsHandler(nil, capturer))

	w := serve(engine, http.MethodGet, "/aggregates?complete=false&limit=5000&offset=10")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, capturer.complete)
	assert.False(t, *capturer.complete)
	assert.Equal(t, maxAggregateLimit, capturer.limit)
	assert.Equal(t, 10, capturer.offset)

	w = serve(engine, http.MethodGet, "/aggregates")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, capturer.complete)
	assert.Equal(t, defaultAggregateLimit, capturer.limit)

	for _, q := range []string{"complete=maybe", "limit=0", "limit=abc", "offset=-1"} {
		w = serve(engine, http.MethodGet, "/aggregates?"+q)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	engine := gin.New()
	statuses := func() []jobs.Status { return []jobs.Status{{Name: "capture", Runs: 3}} }
	engine.GET("/ok", NewHealthHandler(map[string]Pinger{"database": fakePinger{}}, statuses).Health)
	engine.GET("/bad", NewHealthHandler(map[string]Pinger{"database": fakePinger{}, "redis": fakePinger{err: errors.New("connection refused")}}, nil).Health)

	w := serve(engine, http.MethodGet, "/ok")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"capture"`)

	w = serve(engine, http.MethodGet, "/bad")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
	assert.Contains(t, w.Body.String(), "connection refused")
}
