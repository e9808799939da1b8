package work

import (
	"container/list"
	"context"
	"runtime"
	"sync"

	"github.com/cyverse/imagecache/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

var (
	// ErrPaused is returned by Submit while the coordinator is paused
	ErrPaused = xerrors.New("work coordinator is paused")
	// ErrClosed is returned by Submit after Close
	ErrClosed = xerrors.New("work coordinator is closed")
)

// DefaultParallelism returns half of the available hardware threads, at least 1
func DefaultParallelism() int {
	return max(runtime.NumCPU()/2, 1)
}

// Coordinator runs Jobs on a bounded pool of workers, at most one per target identity.
// Submitting for a target that already has a queued or running task cancels that task.
type Coordinator struct {
	parallelism int

	queue   *list.List       // pending *Task, FIFO
	targets map[string]*Task // latest task per target
	running int
	paused  bool
	closed  bool

	ctx       context.Context
	cancel    context.CancelFunc
	mutex     sync.Mutex
	condition *sync.Cond
	workers   sync.WaitGroup
}

// NewCoordinator creates a new Coordinator and starts its workers.
// parallelism <= 0 uses DefaultParallelism.
func NewCoordinator(parallelism int) *Coordinator {
	if parallelism <= 0 {
		parallelism = DefaultParallelism()
	}

	ctx, cancel := context.WithCancel(context.Background())

	coordinator := &Coordinator{
		parallelism: parallelism,
		queue:       list.New(),
		targets:     map[string]*Task{},
		ctx:         ctx,
		cancel:      cancel,
	}
	coordinator.condition = sync.NewCond(&coordinator.mutex)

	for i := 0; i < parallelism; i++ {
		coordinator.workers.Add(1)
		go coordinator.worker()
	}

	return coordinator
}

// GetParallelism returns the number of workers
func (coordinator *Coordinator) GetParallelism() int {
	return coordinator.parallelism
}

// GetRunning returns the number of running tasks
func (coordinator *Coordinator) GetRunning() int {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	return coordinator.running
}

// GetQueued returns the number of tasks waiting for a worker
func (coordinator *Coordinator) GetQueued() int {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	queued := 0
	for element := coordinator.queue.Front(); element != nil; element = element.Next() {
		if element.Value.(*Task).GetState() == TaskStatePending {
			queued++
		}
	}
	return queued
}

// IsPaused checks if the coordinator is paused
func (coordinator *Coordinator) IsPaused() bool {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	return coordinator.paused
}

// Submit queues job for target, cancelling the previous task of the same target
func (coordinator *Coordinator) Submit(target string, job Job) (*Task, error) {
	logger := log.WithFields(log.Fields{
		"package":  "work",
		"struct":   "Coordinator",
		"function": "Submit",
	})

	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	if coordinator.closed {
		return nil, ErrClosed
	}

	if coordinator.paused {
		return nil, ErrPaused
	}

	if previous, ok := coordinator.targets[target]; ok {
		logger.Debugf("cancelling superseded task %s for target %s", previous.GetID(), target)
		previous.Cancel()
	}

	task := newTask(coordinator.ctx, target, job)
	coordinator.targets[target] = task
	coordinator.queue.PushBack(task)
	coordinator.condition.Signal()

	logger.Debugf("queued task %s for target %s", task.GetID(), target)
	return task, nil
}

// Cancel cancels the current task of target, if any
func (coordinator *Coordinator) Cancel(target string) {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	if task, ok := coordinator.targets[target]; ok {
		task.Cancel()
		delete(coordinator.targets, target)
	}
}

// Pause cancels and drops all queued tasks and rejects submissions until Resume.
// Running tasks are not affected.
func (coordinator *Coordinator) Pause() {
	logger := log.WithFields(log.Fields{
		"package":  "work",
		"struct":   "Coordinator",
		"function": "Pause",
	})

	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	coordinator.paused = true
	dropped := coordinator.dropQueued()

	logger.Infof("paused, dropped %d queued tasks", dropped)
}

// Resume accepts submissions again
func (coordinator *Coordinator) Resume() {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	coordinator.paused = false
}

// Close cancels all tasks and waits for the workers to exit
func (coordinator *Coordinator) Close() {
	coordinator.mutex.Lock()
	if coordinator.closed {
		coordinator.mutex.Unlock()
		return
	}

	coordinator.closed = true
	coordinator.dropQueued()
	coordinator.cancel()
	coordinator.condition.Broadcast()
	coordinator.mutex.Unlock()

	coordinator.workers.Wait()
}

// dropQueued cancels and removes queued tasks; caller holds the mutex
func (coordinator *Coordinator) dropQueued() int {
	dropped := 0
	for element := coordinator.queue.Front(); element != nil; element = element.Next() {
		task := element.Value.(*Task)
		if task.GetState() == TaskStatePending {
			task.Cancel()
			dropped++
		}

		if current, ok := coordinator.targets[task.target]; ok && current == task {
			delete(coordinator.targets, task.target)
		}
	}

	coordinator.queue.Init()
	return dropped
}

// next blocks until a task is available. Returns nil when closed.
func (coordinator *Coordinator) next() *Task {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	for {
		for coordinator.queue.Len() == 0 && !coordinator.closed {
			coordinator.condition.Wait()
		}

		if coordinator.closed {
			return nil
		}

		task := coordinator.queue.Remove(coordinator.queue.Front()).(*Task)
		if task.start() {
			coordinator.running++
			return task
		}
		// cancelled while queued
	}
}

func (coordinator *Coordinator) worker() {
	logger := log.WithFields(log.Fields{
		"package":  "work",
		"struct":   "Coordinator",
		"function": "worker",
	})

	defer coordinator.workers.Done()
	defer utils.StackTraceFromPanic(logger)

	for {
		task := coordinator.next()
		if task == nil {
			return
		}

		err := task.job(task.ctx)
		task.finish(err)

		logger.Debugf("task %s for target %s is %s", task.GetID(), task.GetTarget(), task.GetState())

		coordinator.mutex.Lock()
		coordinator.running--
		if current, ok := coordinator.targets[task.target]; ok && current == task {
			delete(coordinator.targets, task.target)
		}
		coordinator.mutex.Unlock()
	}
}
