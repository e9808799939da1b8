package cache

import (
	"context"
	"sync"
)

// PendingWrite marks a blob write in progress for a key
type PendingWrite struct {
	key       string
	completed bool // is write completed?
	failed    bool // is write failed?
	done      chan struct{}
	mutex     sync.Mutex
}

// NewPendingWrite creates a new PendingWrite
func NewPendingWrite(key string) *PendingWrite {
	return &PendingWrite{
		key:       key,
		completed: false,
		failed:    false,
		done:      make(chan struct{}),
		mutex:     sync.Mutex{},
	}
}

// GetKey returns the key being written
func (write *PendingWrite) GetKey() string {
	return write.key
}

// MarkFailed marks the write failed and wakes up waiters
func (write *PendingWrite) MarkFailed() {
	write.mutex.Lock()
	defer write.mutex.Unlock()

	if write.completed || write.failed {
		return
	}

	write.failed = true
	close(write.done)
}

// MarkCompleted marks the write completed and wakes up waiters
func (write *PendingWrite) MarkCompleted() {
	write.mutex.Lock()
	defer write.mutex.Unlock()

	if write.completed || write.failed {
		return
	}

	write.completed = true
	close(write.done)
}

// IsFailed returns true if the write failed
func (write *PendingWrite) IsFailed() bool {
	write.mutex.Lock()
	defer write.mutex.Unlock()

	return write.failed
}

// IsCompleted returns true if the write completed
func (write *PendingWrite) IsCompleted() bool {
	write.mutex.Lock()
	defer write.mutex.Unlock()

	return write.completed
}

// WaitForCompletion blocks until the write finishes, either way, or ctx ends.
// Returns false if ctx ended first.
func (write *PendingWrite) WaitForCompletion(ctx context.Context) bool {
	select {
	case <-write.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// PendingWriteMap tracks at most one PendingWrite per key
type PendingWriteMap struct {
	writes map[string]*PendingWrite
	mutex  sync.Mutex
}

// NewPendingWriteMap creates a new PendingWriteMap
func NewPendingWriteMap() *PendingWriteMap {
	return &PendingWriteMap{
		writes: map[string]*PendingWrite{},
		mutex:  sync.Mutex{},
	}
}

// Acquire registers a new write for key, first waiting for a write already pending for the key.
// The caller must call Done with the returned write.
func (writeMap *PendingWriteMap) Acquire(ctx context.Context, key string) (*PendingWrite, error) {
	for {
		writeMap.mutex.Lock()
		existing, ok := writeMap.writes[key]
		if !ok {
			write := NewPendingWrite(key)
			writeMap.writes[key] = write
			writeMap.mutex.Unlock()
			return write, nil
		}
		writeMap.mutex.Unlock()

		if !existing.WaitForCompletion(ctx) {
			return nil, ctx.Err()
		}
	}
}

// Done marks the write completed or failed and unregisters it
func (writeMap *PendingWriteMap) Done(write *PendingWrite, failed bool) {
	writeMap.mutex.Lock()
	if current, ok := writeMap.writes[write.key]; ok && current == write {
		delete(writeMap.writes, write.key)
	}
	writeMap.mutex.Unlock()

	if failed {
		write.MarkFailed()
	} else {
		write.MarkCompleted()
	}
}

// Wait blocks while a write is pending for key. Returns ctx's error if ctx ended first.
func (writeMap *PendingWriteMap) Wait(ctx context.Context, key string) error {
	for {
		writeMap.mutex.Lock()
		existing, ok := writeMap.writes[key]
		writeMap.mutex.Unlock()

		if !ok {
			return nil
		}

		if !existing.WaitForCompletion(ctx) {
			return ctx.Err()
		}
	}
}

// WaitAll blocks until no write is pending. Returns ctx's error if ctx ended first.
func (writeMap *PendingWriteMap) WaitAll(ctx context.Context) error {
	for {
		var existing *PendingWrite
		writeMap.mutex.Lock()
		for _, write := range writeMap.writes {
			existing = write
			break
		}
		writeMap.mutex.Unlock()

		if existing == nil {
			return nil
		}

		if !existing.WaitForCompletion(ctx) {
			return ctx.Err()
		}
	}
}

// Contains checks if a write is pending for key
func (writeMap *PendingWriteMap) Contains(key string) bool {
	writeMap.mutex.Lock()
	defer writeMap.mutex.Unlock()

	_, ok := writeMap.writes[key]
	return ok
}

// Len returns the number of pending writes
func (writeMap *PendingWriteMap) Len() int {
	writeMap.mutex.Lock()
	defer writeMap.mutex.Unlock()

	return len(writeMap.writes)
}
