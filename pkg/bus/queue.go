package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/sipeed/docrelay/pkg/logger"
)

var (
	// ErrQueueFull is returned by Enqueue when a pending limit is set and reached.
	ErrQueueFull = errors.New("task queue is full")
	// ErrQueueClosed is returned once Close has been called.
	ErrQueueClosed = errors.New("task queue is closed")
)

// TaskQueue is an in-process FIFO handing tasks from the command front-end
// to the relay worker. Enqueue never blocks; Dequeue blocks until a task is
// available. Every dequeued task must be acknowledged with Done so Drain can
// observe completion.
type TaskQueue struct {
	mu         sync.Mutex
	items      []Task
	maxPending int
	unfinished int
	closed     bool
	ready      chan struct{}
	idle       chan struct{}
}

// NewTaskQueue creates a queue. maxPending <= 0 means unbounded.
func NewTaskQueue(maxPending int) *TaskQueue {
	idle := make(chan struct{})
	close(idle)
	return &TaskQueue{
		items:      make([]Task, 0, 16),
		maxPending: maxPending,
		ready:      make(chan struct{}, 1),
		idle:       idle,
	}
}

func (q *TaskQueue) Enqueue(task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.maxPending > 0 && len(q.items) >= q.maxPending {
		return ErrQueueFull
	}

	q.items = append(q.items, task)
	if q.unfinished == 0 {
		q.idle = make(chan struct{})
	}
	q.unfinished++

	select {
	case q.ready <- struct{}{}:
	default:
	}

	logger.DebugCF("bus", "Task enqueued", map[string]interface{}{
		"task_id": task.ID,
		"pending": len(q.items),
	})
	return nil
}

// Dequeue removes and returns the oldest task, waiting until one arrives,
// the context is cancelled, or the queue is closed and empty.
func (q *TaskQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			task := q.items[0]
			q.items[0] = Task{}
			q.items = q.items[1:]
			// Re-arm the signal for any other waiter.
			if len(q.items) > 0 {
				select {
				case q.ready <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return task, nil
		}
		if q.closed {
			select {
			case q.ready <- struct{}{}:
			default:
			}
			q.mu.Unlock()
			return Task{}, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-q.ready:
		}
	}
}

// Done acknowledges one dequeued task.
func (q *TaskQueue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.unfinished <= 0 {
		logger.WarnC("bus", "Done called more times than tasks were enqueued")
		return
	}
	q.unfinished--
	if q.unfinished == 0 {
		close(q.idle)
	}
}

// Drain blocks until every enqueued task has been acknowledged with Done.
func (q *TaskQueue) Drain(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and wakes a blocked Dequeue once the backlog
// is empty. Tasks already queued can still be dequeued.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Len returns the number of tasks waiting to be dequeued.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Unfinished returns the number of tasks enqueued but not yet acknowledged.
func (q *TaskQueue) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}
