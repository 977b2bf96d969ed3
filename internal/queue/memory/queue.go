// Package memory provides the bounded in-process work queue used between
// pipeline stages.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTimeout is returned by Get when no item arrives within the timeout.
var ErrTimeout = errors.New("queue get timed out")

// errTooManyDone reports a TaskDone call without a matching Put.
var errTooManyDone = errors.New("task done called more times than items put")

type entry[T any] struct {
	value    T
	sentinel bool
}

// Queue is a bounded FIFO with context-aware blocking operations. Every Put
// registers an unfinished task; Join waits until each one has been marked
// with TaskDone. A sentinel travels in-band but is flagged out of band, so it
// can never be confused with a real value.
type Queue[T any] struct {
	ch chan entry[T]

	mu      sync.Mutex
	pending int
	idle    chan struct{}
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue[T]{
		ch:   make(chan entry[T], capacity),
		idle: idle,
	}
}

// Put enqueues v, blocking while the queue is full or until ctx ends.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	return q.put(ctx, entry[T]{value: v})
}

// PutSentinel enqueues the shutdown marker.
func (q *Queue[T]) PutSentinel(ctx context.Context) error {
	return q.put(ctx, entry[T]{sentinel: true})
}

func (q *Queue[T]) put(ctx context.Context, e entry[T]) error {
	q.addPending()
	select {
	case <-ctx.Done():
		q.release()
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- e:
		return nil
	}
}

// Get pops the next item. sentinel reports whether the item is the shutdown
// marker. A non-positive timeout blocks until an item arrives or ctx ends.
func (q *Queue[T]) Get(ctx context.Context, timeout time.Duration) (v T, sentinel bool, err error) {
	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	select {
	case <-ctx.Done():
		return v, false, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-timeoutC:
		return v, false, ErrTimeout
	case e := <-q.ch:
		return e.value, e.sentinel, nil
	}
}

// TaskDone marks one previously dequeued item as finished.
func (q *Queue[T]) TaskDone() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == 0 {
		return errTooManyDone
	}
	q.pending--
	if q.pending == 0 {
		close(q.idle)
	}
	return nil
}

// Join blocks until every item put so far has been marked done, or ctx ends.
func (q *Queue[T]) Join(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-ctx.Done():
		return fmt.Errorf("join canceled: %w", ctx.Err())
	case <-idle:
		return nil
	}
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Pending returns the number of unfinished tasks.
func (q *Queue[T]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

func (q *Queue[T]) addPending() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == 0 {
		q.idle = make(chan struct{})
	}
	q.pending++
}

func (q *Queue[T]) release() {
	if err := q.TaskDone(); err != nil {
		panic(err)
	}
}
