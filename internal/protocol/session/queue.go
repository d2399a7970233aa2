package session

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO with a blocking pop. push never blocks.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	err    error
}

func newQueue[T any](capacity int) *queue[T] {
	return &queue[T]{
		items:  make([]T, 0, capacity),
		notify: make(chan struct{}, 1),
	}
}

// push reports false once the queue is closed.
func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return false
	}
	q.items = append(q.items, v)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *queue[T]) pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.err != nil {
			err := q.err
			q.mu.Unlock()
			return zero, err
		}
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// close discards queued items; every later pop returns err.
func (q *queue[T]) close(err error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return false
	}
	q.err = err
	q.items = nil
	close(q.notify)
	return true
}

func (q *queue[T]) closedErr() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}
