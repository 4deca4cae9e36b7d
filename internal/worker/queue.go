package worker

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO of job ids shared by all workers.
// Each pushed id is handed to exactly one Pop caller.
type Queue struct {
	mu         sync.Mutex
	items      []int64
	ready      chan struct{}
	unfinished int
	idle       *sync.Cond
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	q := &Queue{ready: make(chan struct{}, 1)}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Push appends an id. It never blocks.
func (q *Queue) Push(id int64) {
	q.mu.Lock()
	q.items = append(q.items, id)
	q.unfinished++
	q.mu.Unlock()
	q.wake()
}

// Pop blocks until an id is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (int64, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return id, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-q.ready:
		}
	}
}

// Done marks one popped id as fully processed.
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unfinished > 0 {
		q.unfinished--
	}
	if q.unfinished == 0 {
		q.idle.Broadcast()
	}
}

// Wait blocks until every pushed id has been marked done.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.unfinished > 0 {
		q.idle.Wait()
	}
}

// Len returns the number of ids waiting to be popped.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) wake() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
