package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name  string
	runs  atomic.Int32
	err   error
	block chan struct{}
}

func (j *countingJob) Run() error {
	j.runs.Add(1)
	if j.block != nil {
		<-j.block
	}
	return j.err
}

func (j *countingJob) Name() string {
	return j.name
}

func newTestScheduler() *Scheduler {
	return New(zerolog.New(nil).Level(zerolog.Disabled))
}

func TestAddJob(t *testing.T) {
	s := newTestScheduler()

	require.NoError(t, s.AddJob("0 0 10 * * MON-FRI", &countingJob{name: "rebalance"}))
	require.NoError(t, s.AddJob("@every 1h", &countingJob{name: "prune"}))
	assert.Equal(t, 2, s.JobCount())
}

func TestAddJob_InvalidSchedule(t *testing.T) {
	s := newTestScheduler()

	// Five fields are rejected, the seconds field is required
	err := s.AddJob("0 10 * * MON-FRI", &countingJob{name: "rebalance"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rebalance")
	assert.Equal(t, 0, s.JobCount())
}

func TestRunNow(t *testing.T) {
	s := newTestScheduler()
	job := &countingJob{name: "cleanup", err: errors.New("boom")}

	err := s.RunNow(job)
	assert.EqualError(t, err, "boom")
	assert.Equal(t, int32(1), job.runs.Load())
}

func TestScheduledJobRuns(t *testing.T) {
	s := newTestScheduler()
	job := &countingJob{name: "tick"}
	require.NoError(t, s.AddJob("@every 1s", job))

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return job.runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestSkipsOverlappingRuns(t *testing.T) {
	s := newTestScheduler()
	job := &countingJob{name: "slow", block: make(chan struct{})}
	require.NoError(t, s.AddJob("@every 1s", job))

	s.Start()
	assert.Eventually(t, func() bool { return job.runs.Load() == 1 }, 3*time.Second, 50*time.Millisecond)
	// Further ticks arrive while the first run is blocked
	time.Sleep(2200 * time.Millisecond)
	assert.Equal(t, int32(1), job.runs.Load())

	close(job.block)
	s.Stop()
}
