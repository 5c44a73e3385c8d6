package journal

import "sync"

// queue is a bounded FIFO ring. Push never blocks; when the ring is full the
// oldest item is overwritten and counted as dropped.
type queue[T any] struct {
	mu     sync.Mutex
	buf    []T
	head   int // read position
	count  int
	closed bool

	// ready has one pending signal while items are queued.
	ready chan struct{}

	// Stats
	pushed  int64
	dropped int64
}

func newQueue[T any](capacity int) *queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &queue[T]{
		buf:   make([]T, capacity),
		ready: make(chan struct{}, 1),
	}
}

// push appends item. It returns false if the queue is closed.
func (q *queue[T]) push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	if q.count == len(q.buf) {
		// Overwrite the oldest entry.
		q.buf[q.head] = item
		q.head = (q.head + 1) % len(q.buf)
		q.dropped++
	} else {
		q.buf[(q.head+q.count)%len(q.buf)] = item
		q.count++
	}
	q.pushed++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// drain removes up to max items (all if max <= 0) in FIFO order.
func (q *queue[T]) drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	n := q.count
	if max > 0 && max < n {
		n = max
	}

	out := make([]T, n)
	var zero T
	for i := 0; i < n; i++ {
		out[i] = q.buf[q.head]
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
		q.count--
	}
	return out
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *queue[T]) stats() (pushed, dropped int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed, q.dropped
}
