// Package queue implements the executor's bounded in-memory work queue: a
// plain FIFO between the poller (producer) and the worker pool (consumers).
package queue

import (
	"errors"
	"sync"
	"time"

	v1 "github.com/zephyrfeng/kandev-executor/pkg/api/v1"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrTaskExists is returned when a task already exists in the queue.
	ErrTaskExists = errors.New("task already exists in queue")
)

// QueuedTask wraps a leased task with the time it entered the queue.
type QueuedTask struct {
	TaskID   string
	QueuedAt time.Time
	Task     *v1.Task
}

// TaskQueue is a bounded, thread-safe FIFO of leased tasks awaiting a worker.
type TaskQueue struct {
	mu      sync.RWMutex
	items   []*QueuedTask
	taskSet map[string]bool
	maxSize int
}

// NewTaskQueue creates a queue that rejects enqueues once it holds maxSize
// tasks. maxSize <= 0 means unbounded.
func NewTaskQueue(maxSize int) *TaskQueue {
	return &TaskQueue{
		taskSet: make(map[string]bool),
		maxSize: maxSize,
	}
}

// Enqueue appends task to the back of the queue. Returns ErrQueueFull or
// ErrTaskExists without modifying the queue.
func (q *TaskQueue) Enqueue(task *v1.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.taskSet[task.ID] {
		return ErrTaskExists
	}
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return ErrQueueFull
	}

	q.items = append(q.items, &QueuedTask{
		TaskID:   task.ID,
		QueuedAt: time.Now(),
		Task:     task,
	})
	q.taskSet[task.ID] = true
	return nil
}

// Dequeue removes and returns the oldest queued task, or nil if empty.
func (q *TaskQueue) Dequeue() *QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}

	qt := q.items[0]
	q.items = q.items[1:]
	delete(q.taskSet, qt.TaskID)
	return qt
}

// Len returns the number of tasks currently queued.
func (q *TaskQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// IsFull returns true if the queue is at max capacity.
func (q *TaskQueue) IsFull() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.maxSize > 0 && len(q.items) >= q.maxSize
}

// Contains checks if a task is currently queued.
func (q *TaskQueue) Contains(taskID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.taskSet[taskID]
}
