package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingagents/lock"
)

type countingJob struct {
	name string
	runs atomic.Int32
	err  error
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	return j.err
}

func TestRunNowReleasesLock(t *testing.T) {
	l := lock.NewKeyedLock()
	s := New(l)
	job := &countingJob{name: "cache_cleanup"}

	require.NoError(t, s.RunNow(context.Background(), job))
	require.NoError(t, s.RunNow(context.Background(), job))
	assert.EqualValues(t, 2, job.runs.Load())

	ok, _ := l.TryLock(context.Background(), "cache_cleanup", 0)
	assert.True(t, ok, "任务结束后应释放锁")
}

func TestRunNowSkipsWhenLocked(t *testing.T) {
	l := lock.NewKeyedLock()
	ok, _ := l.TryLock(context.Background(), "session_retention", 0)
	require.True(t, ok)

	job := &countingJob{name: "session_retention"}
	require.NoError(t, New(l).RunNow(context.Background(), job))
	assert.Zero(t, job.runs.Load(), "锁被占用时应跳过")
}

func TestRunNowReturnsJobError(t *testing.T) {
	job := &countingJob{name: "broken", err: errors.New("磁盘已满")}
	err := New(nil).RunNow(context.Background(), job)
	assert.EqualError(t, err, "磁盘已满")
}

func TestAddJob(t *testing.T) {
	s := New(nil)
	job := &countingJob{name: "tick"}
	assert.Error(t, s.AddJob("not a schedule", job))

	require.NoError(t, s.AddJob("@every 1s", job))
	s.Start()
	defer s.Stop()
	assert.Eventually(t, func() bool { return job.runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
}
