// Package fifo is the bounded queue behind the ingress FIFO, connection
// receive queues and socket backlogs.
package fifo

import (
	"sync"
	"time"
)

// Forever makes Get wait until an item arrives or the queue is closed.
const Forever time.Duration = -1

type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	n      int
	closed bool

	dataAvailable chan struct{} // buffer of 1 so signalling never blocks
	done          chan struct{}
}

func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		items:         make([]T, capacity),
		dataAvailable: make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

func (q *Queue[T]) signal() {
	select {
	case q.dataAvailable <- struct{}{}:
	default:
	}
}

// Put appends v without blocking. It reports false when the queue is full
// or closed; the caller keeps ownership of v in that case.
func (q *Queue[T]) Put(v T) bool {
	q.mu.Lock()
	if q.closed || q.n == len(q.items) {
		q.mu.Unlock()
		return false
	}
	q.items[(q.head+q.n)%len(q.items)] = v
	q.n++
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *Queue[T]) pop() (T, bool) {
	var zero T
	if q.n == 0 {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.n--
	return v, true
}

// Get removes the oldest item. A zero timeout polls once, Forever waits
// without limit. Items queued before Close are still handed out.
func (q *Queue[T]) Get(timeout time.Duration) (T, bool) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		q.mu.Lock()
		v, ok := q.pop()
		more := q.n > 0
		closed := q.closed
		q.mu.Unlock()
		if ok {
			if more {
				q.signal()
			}
			return v, true
		}
		if closed || timeout == 0 {
			return v, false
		}
		select {
		case <-q.dataAvailable:
		case <-q.done:
		case <-timer:
			q.mu.Lock()
			v, ok = q.pop()
			q.mu.Unlock()
			return v, ok
		}
	}
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

func (q *Queue[T]) Cap() int {
	return len(q.items)
}

// Close rejects further Puts and wakes every waiter. Closing twice is a
// no-op.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Drain removes and returns everything still queued.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, 0, q.n)
	for {
		v, ok := q.pop()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}
