package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name     string
	interval time.Duration
	err      error
	runs     atomic.Int64
}

func (j *countingJob) Name() string            { return j.name }
func (j *countingJob) Interval() time.Duration { return j.interval }
func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	return j.err
}

func TestManager_RunsImmediatelyAndOnTicker(t *testing.T) {
	m := NewManager(context.Background())
	job := &countingJob{name: "capture", interval: 20 * time.Millisecond}
	m.Register(job)
	m.Register(nil)

	m.Start()
	m.Start()
	require.Eventually(t, func() bool { return job.runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	m.Stop()
	m.Wait()

	stopped := job.runs.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, stopped, job.runs.Load())
}

func TestManager_Snapshot(t *testing.T) {
	m := NewManager(context.Background())
	failing := &countingJob{name: "retention", interval: time.Hour, err: errors.New("database is locked")}
	ok := &countingJob{name: "capture", interval: time.Hour}
	m.Register(failing)
	m.Register(ok)

	before := m.Snapshot()
	require.Len(t, before, 2)
	assert.Equal(t, "capture", before[0].Name)
	assert.Nil(t, before[0].LastRun)
	assert.Equal(t, "1h0m0s", before[0].Interval)

	m.Start()
	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return s[0].Runs == 1 && s[1].Runs == 1
	}, 2*time.Second, 5*time.Millisecond)
	m.Stop()
	m.Wait()

	after := m.Snapshot()
	assert.Empty(t, after[0].LastError)
	assert.NotNil(t, after[0].LastRun)
	assert.Equal(t, "database is locked", after[1].LastError)
}

func TestManager_DefaultInterval(t *testing.T) {
	m := NewManager(context.Background())
	m.Register(&countingJob{name: "zero"})
	assert.Equal(t, "1m0s", m.Snapshot()[0].Interval)
}
