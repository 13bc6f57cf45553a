// Package queue carries frame handles from capture workers to the single
// consumer: a bounded multi-producer/single-consumer buffer in the consumer
// process, fronted by a websocket transport over a unix socket so producers
// in other processes can push with a bounded wait and learn whether the
// handle was accepted.
//
// Ordering guarantee is per camera only: each worker holds one connection
// and a connection's handles are enqueued in arrival order. Handles from
// different cameras interleave in arrival order, nothing more.
package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/visiona/multicam/internal/frame"
)

// Queue is the bounded in-process buffer on the consumer side.
//
// Push never blocks past its timeout: when the buffer is full the handle is
// rejected and the caller applies the drop policy (release the segment, keep
// capturing). After Shutdown the queue only drains: Pop keeps returning
// buffered handles and then reports drained instead of blocking.
type Queue struct {
	ch       chan frame.Handle
	shutdown chan struct{}
	once     sync.Once

	mu    sync.Mutex
	names map[string]int

	pushed   atomic.Uint64
	popped   atomic.Uint64
	rejected atomic.Uint64
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Pushed   uint64
	Popped   uint64
	Rejected uint64
	Depth    int
}

// New creates a queue with the given capacity, normally a small multiple of
// the camera count.
func New(capacity int) *Queue {
	return &Queue{
		ch:       make(chan frame.Handle, capacity),
		shutdown: make(chan struct{}),
		names:    make(map[string]int),
	}
}

// Push offers a handle, waiting at most timeout for space. It returns false
// when the queue is full past the deadline or shutting down; the caller still
// owns the segment in that case.
func (q *Queue) Push(h frame.Handle, timeout time.Duration) bool {
	select {
	case <-q.shutdown:
		q.rejected.Add(1)
		return false
	default:
	}

	q.track(h.Segment)

	select {
	case q.ch <- h:
		q.pushed.Add(1)
		return true
	default:
	}
	if timeout <= 0 {
		q.untrack(h.Segment)
		q.rejected.Add(1)
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case q.ch <- h:
		q.pushed.Add(1)
		return true
	case <-q.shutdown:
	case <-timer.C:
	}
	q.untrack(h.Segment)
	q.rejected.Add(1)
	return false
}

// Pop removes the oldest handle, waiting at most timeout. ok is false on
// timeout and, once the queue was shut down and drained, immediately.
// Distinguish the two with Drained.
//
// The popped segment stays tracked (Contains keeps reporting true) until the
// caller confirms custody with Untrack. That keeps the segment visible to
// liveness checks across the hand-off; a pop that untracked immediately
// would open a window where the segment is neither queued nor in flight and
// a concurrent orphan sweep unlinks it out from under the consumer.
func (q *Queue) Pop(timeout time.Duration) (h frame.Handle, ok bool) {
	select {
	case h = <-q.ch:
		q.popped.Add(1)
		return h, true
	default:
	}

	select {
	case <-q.shutdown:
		// Drain whatever raced in between the two selects.
		select {
		case h = <-q.ch:
			q.popped.Add(1)
			return h, true
		default:
			return frame.Handle{}, false
		}
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case h = <-q.ch:
		q.popped.Add(1)
		return h, true
	case <-q.shutdown:
		select {
		case h = <-q.ch:
			q.popped.Add(1)
			return h, true
		default:
			return frame.Handle{}, false
		}
	case <-timer.C:
		return frame.Handle{}, false
	}
}

// Shutdown stops accepting pushes and switches Pop to drain mode. Idempotent.
func (q *Queue) Shutdown() {
	q.once.Do(func() { close(q.shutdown) })
}

// Drained reports whether the queue was shut down and holds nothing.
func (q *Queue) Drained() bool {
	select {
	case <-q.shutdown:
		return len(q.ch) == 0
	default:
		return false
	}
}

// Contains reports whether a handle for the named segment is buffered or
// popped but not yet confirmed with Untrack. The reclaim guard uses it to
// keep orphan sweeps away from queued frames.
func (q *Queue) Contains(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.names[name] > 0
}

// Len returns the current depth.
func (q *Queue) Len() int { return len(q.ch) }

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Pushed:   q.pushed.Load(),
		Popped:   q.popped.Load(),
		Rejected: q.rejected.Load(),
		Depth:    len(q.ch),
	}
}

// Untrack ends tracking of a popped segment. The consumer calls it after
// recording its own in-flight state, never before.
func (q *Queue) Untrack(name string) {
	q.untrack(name)
}

func (q *Queue) track(name string) {
	q.mu.Lock()
	q.names[name]++
	q.mu.Unlock()
}

func (q *Queue) untrack(name string) {
	q.mu.Lock()
	if n := q.names[name] - 1; n <= 0 {
		delete(q.names, name)
	} else {
		q.names[name] = n
	}
	q.mu.Unlock()
}
