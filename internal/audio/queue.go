package audio

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/opentranslive/server/domain/entities"
)

// WindowQueue is a bounded FIFO of audio windows. Push never blocks: when the queue is
// full the oldest window is discarded, since stale audio is not worth transcribing late.
type WindowQueue struct {
	mu       sync.Mutex
	items    []entities.AudioWindow
	capacity int
	closed   bool
	notify   chan struct{}
	full     chan struct{}
	done     chan struct{}

	dropped atomic.Uint64
	onDrop  func(dropped entities.AudioWindow, total uint64)
}

// NewWindowQueue creates a queue holding at most capacity windows. onDrop, if set, is
// the backpressure signal and is called outside the queue lock.
func NewWindowQueue(capacity int, onDrop func(dropped entities.AudioWindow, total uint64)) *WindowQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &WindowQueue{
		items:    make([]entities.AudioWindow, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		full:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		onDrop:   onDrop,
	}
}

// Push enqueues w and reports whether an older window had to be dropped. Pushing to a
// closed queue is a no-op.
func (q *WindowQueue) Push(w entities.AudioWindow) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	var (
		evicted    entities.AudioWindow
		hasEvicted bool
	)
	if len(q.items) >= q.capacity {
		evicted = q.items[0]
		hasEvicted = true
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
	}
	q.items = append(q.items, w)
	full := len(q.items) >= q.capacity
	q.mu.Unlock()

	q.signal()
	if full {
		select {
		case q.full <- struct{}{}:
		default:
		}
	}
	if hasEvicted {
		total := q.dropped.Add(1)
		if q.onDrop != nil {
			q.onDrop(evicted, total)
		}
	}
	return hasEvicted
}

// Pop blocks until a window is available, the queue is closed and drained, or ctx ends.
func (q *WindowQueue) Pop(ctx context.Context) (entities.AudioWindow, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			w := q.items[0]
			copy(q.items, q.items[1:])
			q.items[len(q.items)-1] = entities.AudioWindow{}
			q.items = q.items[:len(q.items)-1]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return w, true
		}
		if q.closed {
			q.mu.Unlock()
			return entities.AudioWindow{}, false
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return entities.AudioWindow{}, false
		}
	}
}

// Full fires after a push leaves the queue at its bound. The signal may be stale, so
// receivers should check Len.
func (q *WindowQueue) Full() <-chan struct{} { return q.full }

// Discard counts w, popped earlier but never consumed, as dropped.
func (q *WindowQueue) Discard(w entities.AudioWindow) {
	total := q.dropped.Add(1)
	if q.onDrop != nil {
		q.onDrop(w, total)
	}
}

// Close wakes all waiters; remaining windows can still be popped.
func (q *WindowQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

// Len returns the number of queued windows.
func (q *WindowQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the configured bound.
func (q *WindowQueue) Cap() int { return q.capacity }

// Dropped returns how many windows were discarded so far.
func (q *WindowQueue) Dropped() uint64 { return q.dropped.Load() }

func (q *WindowQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
