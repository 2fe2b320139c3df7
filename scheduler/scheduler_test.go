package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunNow(t *testing.T) {
	s := New("test")
	var runs atomic.Int32
	require.NoError(t, s.Add(Task{Name: "sweep", Run: func(context.Context) { runs.Add(1) }}))

	require.NoError(t, s.RunNow(context.Background(), "sweep"))
	require.NoError(t, s.RunNow(context.Background(), "sweep"))
	assert.Equal(t, int32(2), runs.Load())

	assert.Error(t, s.RunNow(context.Background(), "missing"))
}

func TestAddRejectsIncompleteTask(t *testing.T) {
	s := New("test")
	assert.Error(t, s.Add(Task{Name: "", Run: func(context.Context) {}}))
	assert.Error(t, s.Add(Task{Name: "x"}))
}

func TestStartTicksAndStopHalts(t *testing.T) {
	s := New("test")
	var runs atomic.Int32
	require.NoError(t, s.Add(Task{Name: "tick", Interval: 5 * time.Millisecond, Run: func(context.Context) { runs.Add(1) }}))

	s.Start(context.Background())
	assert.True(t, s.Running())
	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, time.Millisecond)

	s.Stop()
	assert.False(t, s.Running())
	stopped := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, runs.Load())
}

func TestAddWhileRunningAndRemove(t *testing.T) {
	s := New("test")
	s.Start(context.Background())
	defer s.Stop()

	var runs atomic.Int32
	require.NoError(t, s.Add(Task{Name: "late", Interval: 5 * time.Millisecond, Run: func(context.Context) { runs.Add(1) }}))
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, time.Millisecond)

	assert.True(t, s.Remove("late"))
	assert.False(t, s.Remove("late"))
	assert.Empty(t, s.Names())
}

func TestManualOnlyTaskNeverTicks(t *testing.T) {
	s := New("test")
	var runs atomic.Int32
	require.NoError(t, s.Add(Task{Name: "manual", Run: func(context.Context) { runs.Add(1) }}))
	s.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	s.Stop()
	assert.Equal(t, int32(0), runs.Load())
	assert.Equal(t, []string{"manual"}, s.Names())
}
