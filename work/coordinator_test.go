package work

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyverse/imagecache/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator(t *testing.T) {
	t.Run("test Completed", testCompleted)
	t.Run("test Failed", testFailed)
	t.Run("test ParallelismBound", testParallelismBound)
	t.Run("test Supersede", testSupersede)
	t.Run("test CancelRunning", testCancelRunning)
	t.Run("test CancelPending", testCancelPending)
	t.Run("test Pause", testPause)
	t.Run("test Close", testClose)
	t.Run("test DefaultParallelism", testDefaultParallelism)
}

func waitTask(t *testing.T, task *Task) (TaskState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, err := task.Wait(ctx)
	require.True(t, state.IsTerminal(), "task is %s", state)
	return state, err
}

// blocker is a job that runs until released or cancelled
type blocker struct {
	started chan struct{}
	release chan struct{}
}

func newBlocker() *blocker {
	return &blocker{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (b *blocker) job(ctx context.Context) error {
	close(b.started)
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func testCompleted(t *testing.T) {
	coordinator := NewCoordinator(2)
	defer coordinator.Close()

	ran := false
	task, err := coordinator.Submit("view1", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, task.GetID())
	assert.Equal(t, "view1", task.GetTarget())

	state, err := waitTask(t, task)
	assert.Equal(t, TaskStateCompleted, state)
	assert.NoError(t, err)
	assert.True(t, ran)
}

func testFailed(t *testing.T) {
	coordinator := NewCoordinator(1)
	defer coordinator.Close()

	task, err := coordinator.Submit("view1", func(ctx context.Context) error {
		return fmt.Errorf("decode failed")
	})
	require.NoError(t, err)

	state, err := waitTask(t, task)
	assert.Equal(t, TaskStateFailed, state)
	assert.EqualError(t, err, "decode failed")
	assert.Equal(t, "failed", state.String())
}

func testParallelismBound(t *testing.T) {
	coordinator := NewCoordinator(3)
	defer coordinator.Close()

	var current int32
	var peak int32

	tasks := []*Task{}
	for i := 0; i < 12; i++ {
		task, err := coordinator.Submit(fmt.Sprintf("view%d", i), func(ctx context.Context) error {
			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}

			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return nil
		})
		require.NoError(t, err)
		tasks = append(tasks, task)
	}

	for _, task := range tasks {
		state, _ := waitTask(t, task)
		assert.Equal(t, TaskStateCompleted, state)
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Equal(t, 0, coordinator.GetRunning())
	assert.Equal(t, 0, coordinator.GetQueued())
}

func testSupersede(t *testing.T) {
	coordinator := NewCoordinator(1)
	defer coordinator.Close()

	first := newBlocker()
	running, err := coordinator.Submit("view", first.job)
	require.NoError(t, err)
	<-first.started

	// queued behind the running one, then superseded itself
	queuedRan := false
	queued, err := coordinator.Submit("other", func(ctx context.Context) error {
		queuedRan = true
		return nil
	})
	require.NoError(t, err)

	replacement, err := coordinator.Submit("other", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	state, err := waitTask(t, queued)
	assert.Equal(t, TaskStateCancelled, state)
	assert.True(t, types.IsCanceledError(err))

	// a new request for the running target cancels it
	latest, err := coordinator.Submit("view", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	state, err = waitTask(t, running)
	assert.Equal(t, TaskStateCancelled, state)
	assert.True(t, types.IsCanceledError(err))

	state, _ = waitTask(t, replacement)
	assert.Equal(t, TaskStateCompleted, state)
	state, _ = waitTask(t, latest)
	assert.Equal(t, TaskStateCompleted, state)
	assert.False(t, queuedRan)
}

func testCancelRunning(t *testing.T) {
	coordinator := NewCoordinator(1)
	defer coordinator.Close()

	// the job ignores its context and succeeds anyway
	started := make(chan struct{})
	release := make(chan struct{})
	task, err := coordinator.Submit("view", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)

	<-started
	assert.Equal(t, TaskStateRunning, task.GetState())

	task.Cancel()
	close(release)

	state, err := waitTask(t, task)
	assert.Equal(t, TaskStateCancelled, state)
	assert.True(t, types.IsCanceledError(err))
	assert.Greater(t, task.GetDuration(), time.Duration(0))
}

func testCancelPending(t *testing.T) {
	coordinator := NewCoordinator(1)
	defer coordinator.Close()

	first := newBlocker()
	_, err := coordinator.Submit("a", first.job)
	require.NoError(t, err)
	<-first.started

	task, err := coordinator.Submit("b", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, coordinator.GetQueued())

	coordinator.Cancel("b")
	state, _ := waitTask(t, task)
	assert.Equal(t, TaskStateCancelled, state)
	assert.Equal(t, time.Duration(0), task.GetDuration())
	assert.Equal(t, 0, coordinator.GetQueued())

	close(first.release)
}

func testPause(t *testing.T) {
	coordinator := NewCoordinator(1)
	defer coordinator.Close()

	first := newBlocker()
	running, err := coordinator.Submit("a", first.job)
	require.NoError(t, err)
	<-first.started

	queued := []*Task{}
	for i := 0; i < 3; i++ {
		task, err := coordinator.Submit(fmt.Sprintf("q%d", i), func(ctx context.Context) error {
			return nil
		})
		require.NoError(t, err)
		queued = append(queued, task)
	}

	coordinator.Pause()
	assert.True(t, coordinator.IsPaused())

	for _, task := range queued {
		state, _ := waitTask(t, task)
		assert.Equal(t, TaskStateCancelled, state)
	}

	_, err = coordinator.Submit("new", func(ctx context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrPaused)

	// running work is left alone
	assert.Equal(t, TaskStateRunning, running.GetState())
	close(first.release)
	state, _ := waitTask(t, running)
	assert.Equal(t, TaskStateCompleted, state)

	coordinator.Resume()
	task, err := coordinator.Submit("new", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	state, _ = waitTask(t, task)
	assert.Equal(t, TaskStateCompleted, state)
}

func testClose(t *testing.T) {
	coordinator := NewCoordinator(2)

	blockers := []*blocker{newBlocker(), newBlocker()}
	tasks := []*Task{}
	for i, b := range blockers {
		task, err := coordinator.Submit(fmt.Sprintf("view%d", i), b.job)
		require.NoError(t, err)
		tasks = append(tasks, task)
		<-b.started
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		coordinator.Close()
	}()
	wg.Wait()

	for _, task := range tasks {
		state, _ := waitTask(t, task)
		assert.Equal(t, TaskStateCancelled, state)
	}

	_, err := coordinator.Submit("late", func(ctx context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrClosed)

	// closing twice is fine
	coordinator.Close()
}

func testDefaultParallelism(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultParallelism(), 1)

	coordinator := NewCoordinator(0)
	defer coordinator.Close()
	assert.Equal(t, DefaultParallelism(), coordinator.GetParallelism())
}
