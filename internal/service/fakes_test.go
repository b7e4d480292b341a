package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gpuwatch/pkg/config"
	"gpuwatch/pkg/slurm"
	"gpuwatch/pkg/store/mysql"
	"gpuwatch/pkg/store/mysql/model"
	"gpuwatch/pkg/telemetry"

	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var errBackendDown = errors.New("connection refused")

// fakeBackend answers queries from a table keyed by the exact query string
type fakeBackend struct {
	mu      sync.Mutex
	results map[string]telemetry.Result
	errs    map[string]error
	failAll error
	calls   []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		results: map[string]telemetry.Result{},
		errs:    map[string]error{},
	}
}

func (b *fakeBackend) Query(_ context.Context, query string, _ time.Time) (telemetry.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, query)
	if b.failAll != nil {
		return telemetry.Result{}, b.failAll
	}
	if err, ok := b.errs[query]; ok {
		return telemetry.Result{}, err
	}
	return b.results[query], nil
}

func (b *fakeBackend) set(query string, series ...telemetry.Series) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[query] = telemetry.Result{Kind: telemetry.ResultVector, Series: series}
}

func (b *fakeBackend) fail(query string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs[query] = err
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *fakeBackend) called(prefix string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.calls {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}
	return false
}

func gpuSeries(jobID, host, gpu string, value float64) telemetry.Series {
	return telemetry.Series{
		Labels: map[string]string{"hpc_job": jobID, "Hostname": host, "gpu": gpu, "modelName": "A100"},
		Points: []telemetry.Point{{Timestamp: base, Value: value, Valid: true}},
	}
}

func valueSeries(value float64) telemetry.Series {
	return telemetry.Series{
		Labels: map[string]string{},
		Points: []telemetry.Point{{Timestamp: base, Value: value, Valid: true}},
	}
}

// fakeWorkload returns a fixed job list or error
type fakeWorkload struct {
	jobs []slurm.Job
	err  error
}

func (w *fakeWorkload) ListJobs(context.Context) ([]slurm.Job, error) {
	return w.jobs, w.err
}

func running(ids ...string) *fakeWorkload {
	w := &fakeWorkload{}
	for _, id := range ids {
		w.jobs = append(w.jobs, slurm.Job{ID: id, UserName: "user" + id, Account: "acct" + id, State: "RUNNING"})
	}
	return w
}

func testConfig() *config.Config {
	return config.Default()
}

func newTestStore(t *testing.T) *mysql.JobGPUMetricsRepository {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	ds, err := mysql.NewDatastore(config.MySQLConfig{
		Driver:       "sqlite",
		Path:         fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
		QueryTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	return mysql.NewJobGPUMetricsRepository(ds)
}

// failingStore fails every call
type failingStore struct{}

var errStoreDown = errors.New("database is locked")

func (failingStore) Get(context.Context, string) (*model.JobGPUMetrics, error) {
	return nil, errStoreDown
}

func (failingStore) GetByIDs(context.Context, []string) (map[string]*model.JobGPUMetrics, error) {
	return nil, errStoreDown
}

func (failingStore) Merge(context.Context, model.JobCycleStats, time.Time) error {
	return errStoreDown
}

func (failingStore) MarkStaleComplete(context.Context, time.Time, []string) (int64, error) {
	return 0, errStoreDown
}

func (failingStore) LatestIncomplete(context.Context) (*model.JobGPUMetrics, error) {
	return nil, errStoreDown
}

func (failingStore) ListIncomplete(context.Context) ([]*model.JobGPUMetrics, error) {
	return nil, errStoreDown
}

func (failingStore) List(context.Context, mysql.JobGPUMetricsFilter) ([]*model.JobGPUMetrics, int64, error) {
	return nil, 0, errStoreDown
}

func (failingStore) DeleteCompletedBefore(context.Context, time.Time) (int64, error) {
	return 0, errStoreDown
}
