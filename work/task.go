package work

import (
	"context"
	"sync"
	"time"

	"github.com/cyverse/imagecache/types"
	"github.com/rs/xid"
)

// TaskState is the lifecycle state of a Task
type TaskState int

const (
	// TaskStatePending is queued, not started
	TaskStatePending TaskState = iota
	// TaskStateRunning is being executed by a worker
	TaskStateRunning
	// TaskStateCompleted finished without error
	TaskStateCompleted
	// TaskStateCancelled was cancelled before or while running
	TaskStateCancelled
	// TaskStateFailed finished with an error
	TaskStateFailed
)

// String returns a readable name of the state
func (state TaskState) String() string {
	switch state {
	case TaskStatePending:
		return "pending"
	case TaskStateRunning:
		return "running"
	case TaskStateCompleted:
		return "completed"
	case TaskStateCancelled:
		return "cancelled"
	case TaskStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal checks if no further transition can happen
func (state TaskState) IsTerminal() bool {
	return state == TaskStateCompleted || state == TaskStateCancelled || state == TaskStateFailed
}

// Job is a unit of work. It should return promptly once ctx is done.
type Job func(ctx context.Context) error

// Task is a Job submitted to a Coordinator
type Task struct {
	id     string
	target string
	job    Job

	state           TaskState
	err             error
	cancelRequested bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	submitTime time.Time
	startTime  time.Time
	endTime    time.Time

	mutex sync.Mutex
}

func newTask(parent context.Context, target string, job Job) *Task {
	ctx, cancel := context.WithCancel(parent)

	return &Task{
		id:         xid.New().String(),
		target:     target,
		job:        job,
		state:      TaskStatePending,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		submitTime: time.Now(),
	}
}

// GetID returns the unique ID of the task
func (task *Task) GetID() string {
	return task.id
}

// GetTarget returns the target identity the task works for
func (task *Task) GetTarget() string {
	return task.target
}

// GetState returns the current state
func (task *Task) GetState() TaskState {
	task.mutex.Lock()
	defer task.mutex.Unlock()

	return task.state
}

// GetError returns the error of a failed or cancelled task
func (task *Task) GetError() error {
	task.mutex.Lock()
	defer task.mutex.Unlock()

	return task.err
}

// GetDuration returns how long the task ran, zero if it never started
func (task *Task) GetDuration() time.Duration {
	task.mutex.Lock()
	defer task.mutex.Unlock()

	if task.startTime.IsZero() {
		return 0
	}
	if task.endTime.IsZero() {
		return time.Since(task.startTime)
	}
	return task.endTime.Sub(task.startTime)
}

// Done returns a channel closed when the task reaches a terminal state
func (task *Task) Done() <-chan struct{} {
	return task.done
}

// Wait blocks until the task reaches a terminal state or ctx ends
func (task *Task) Wait(ctx context.Context) (TaskState, error) {
	select {
	case <-task.done:
		return task.GetState(), task.GetError()
	case <-ctx.Done():
		return task.GetState(), types.NewCanceledError("wait for task " + task.id)
	}
}

// Cancel cancels the task. A pending task never runs; a running task has its context cancelled
// and ends as cancelled whatever its job returns.
func (task *Task) Cancel() {
	task.mutex.Lock()
	defer task.mutex.Unlock()

	task.cancel()

	switch task.state {
	case TaskStatePending:
		task.state = TaskStateCancelled
		task.err = types.NewCanceledError("task " + task.id)
		task.endTime = time.Now()
		close(task.done)
	case TaskStateRunning:
		task.cancelRequested = true
	}
}

// start moves a pending task to running. Returns false if it was cancelled meanwhile.
func (task *Task) start() bool {
	task.mutex.Lock()
	defer task.mutex.Unlock()

	if task.state != TaskStatePending {
		return false
	}

	task.state = TaskStateRunning
	task.startTime = time.Now()
	return true
}

// finish moves a running task to its terminal state
func (task *Task) finish(err error) {
	task.mutex.Lock()
	defer task.mutex.Unlock()

	if task.state != TaskStateRunning {
		return
	}

	switch {
	case task.cancelRequested || (err != nil && types.IsCanceledError(err)):
		task.state = TaskStateCancelled
		if err == nil {
			err = types.NewCanceledError("task " + task.id)
		}
	case err != nil:
		task.state = TaskStateFailed
	default:
		task.state = TaskStateCompleted
	}

	task.err = err
	task.endTime = time.Now()
	task.cancel()
	close(task.done)
}
