package segment

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Allocator manages segment checkouts for one capture worker. It reuses
// recycled segments where it can: first its local free list (segments it
// dropped itself and still has mapped), then .free files the consumer handed
// back. It only creates a new file when nothing is recyclable. Every reuse
// bumps the generation in the segment header, so a stale handle can never be
// mistaken for the fresh checkout.
type Allocator struct {
	reg      *Registry
	camera   string
	capacity int
	log      *slog.Logger

	mu    sync.Mutex
	free  []*Segment          // locally recycled, still mapped
	owned map[string]*Segment // checked out, keyed by name

	created atomic.Uint64
	reused  atomic.Uint64
}

// AllocatorStats is a snapshot of allocator activity.
type AllocatorStats struct {
	Created  uint64
	Reused   uint64
	Owned    int
	FreeList int
}

// NewAllocator creates an allocator for camera over reg. capacity is the
// fixed payload size of every segment, chosen at startup from the largest
// expected frame.
func NewAllocator(reg *Registry, camera string, capacity int, logger *slog.Logger) *Allocator {
	return &Allocator{
		reg:      reg,
		camera:   camera,
		capacity: capacity,
		log:      logger.With("camera", camera),
		owned:    make(map[string]*Segment),
	}
}

// Acquire checks out a segment able to hold size payload bytes. The returned
// segment is exclusively owned by the caller until it is published and the
// consumer releases it, or until Release returns it to the free list.
func (a *Allocator) Acquire(size int) (*Segment, error) {
	if size > a.capacity {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, size, a.capacity)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Fastest path: a segment this worker already has mapped.
	if n := len(a.free); n > 0 {
		s := a.free[n-1]
		a.free = a.free[:n-1]
		s.bumpGeneration()
		a.owned[s.name] = s
		a.reused.Add(1)
		return s, nil
	}

	// Claim a segment the consumer released. The rename is the lock; losing
	// a race to the reclaim guard just means trying the next name.
	if s := a.claimRecycled(); s != nil {
		a.owned[s.name] = s
		a.reused.Add(1)
		return s, nil
	}

	s, err := create(a.reg, a.camera, a.capacity)
	if err != nil {
		return nil, err
	}
	a.owned[s.name] = s
	a.created.Add(1)
	a.log.Debug("segment: created", "segment", s.name, "capacity", a.capacity)
	return s, nil
}

func (a *Allocator) claimRecycled() *Segment {
	names, err := a.reg.FreeNames(a.camera)
	if err != nil {
		a.log.Warn("segment: free list scan failed", "error", err)
		return nil
	}
	for _, name := range names {
		if err := a.reg.Claim(name); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				a.log.Warn("segment: claim failed", "segment", name, "error", err)
			}
			continue
		}
		s, err := openWrite(a.reg, name, a.capacity)
		if err != nil {
			// Wrong size or corrupt header: not worth keeping around.
			a.log.Warn("segment: discarding unusable recycled segment",
				"segment", name, "error", err)
			a.reg.Unlink(name)
			continue
		}
		s.bumpGeneration()
		return s
	}
	return nil
}

// Release returns a checked-out segment to the local free list. It is the
// worker-side release of the drop policy: the frame was never published, so
// the mapping stays live for immediate reuse. Releasing an unknown or
// already-released name is a no-op.
func (a *Allocator) Release(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.owned[name]
	if !ok {
		return
	}
	delete(a.owned, name)
	a.free = append(a.free, s)
}

// Forget drops a published segment and unmaps it. After the handle is
// accepted by the queue the consumer owns the release; the worker-side
// mapping belongs to that checkout and must not outlive it, or the worker
// accumulates one dead mapping per published frame. Reuse maps the file
// again through claimRecycled.
func (a *Allocator) Forget(name string) {
	a.mu.Lock()
	s, ok := a.owned[name]
	delete(a.owned, name)
	a.mu.Unlock()
	if !ok {
		return
	}
	if err := s.Close(); err != nil {
		a.log.Warn("segment: unmap published segment", "segment", name, "error", err)
	}
}

// Owned reports whether name is currently checked out and unpublished.
func (a *Allocator) Owned(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.owned[name]
	return ok
}

// Stats returns a snapshot of allocator activity.
func (a *Allocator) Stats() AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AllocatorStats{
		Created:  a.created.Load(),
		Reused:   a.reused.Load(),
		Owned:    len(a.owned),
		FreeList: len(a.free),
	}
}

// Close unmaps and unlinks every segment the allocator still holds: the free
// list and any checkout that was never published. Called on clean worker
// shutdown so a stopping worker leaves nothing behind.
func (a *Allocator) Close() error {
	a.mu.Lock()
	segs := make([]*Segment, 0, len(a.free)+len(a.owned))
	segs = append(segs, a.free...)
	for _, s := range a.owned {
		segs = append(segs, s)
	}
	a.free = nil
	a.owned = make(map[string]*Segment)
	a.mu.Unlock()

	var firstErr error
	for _, s := range segs {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if _, err := a.reg.Unlink(s.Name()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
