package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	// headerSize is the reserved space at the start of every mapping:
	// magic (4) + reserved (4) + generation (8), little endian.
	headerSize = 16

	// headerMagic marks a file as a multicam segment ("MCSG").
	headerMagic = 0x4d435347
)

var (
	// ErrAllocation is returned when the OS denies the shared-memory
	// request (tmpfs full, fd limits, permission).
	ErrAllocation = errors.New("segment: allocation failed")

	// ErrStaleHandle is returned when a handle's generation no longer
	// matches the segment header, i.e. the segment was recycled after the
	// handle was minted.
	ErrStaleHandle = errors.New("segment: stale handle")

	// ErrTooLarge is returned when a payload exceeds the fixed capacity.
	ErrTooLarge = errors.New("segment: payload exceeds capacity")
)

// Segment is one mapped shared-memory region. A segment has exactly one
// writer at a time (the worker that checked it out) and exactly one reader
// afterwards (the consumer); the handle hand-off over the queue is the only
// synchronization its contents need.
type Segment struct {
	name       string
	generation uint64
	capacity   int
	data       []byte
	readOnly   bool
}

// Name returns the registry name of the segment.
func (s *Segment) Name() string { return s.name }

// Generation returns the current checkout counter.
func (s *Segment) Generation() uint64 { return s.generation }

// Capacity returns the payload capacity in bytes.
func (s *Segment) Capacity() int { return s.capacity }

// WritePayload copies p into the mapped region.
func (s *Segment) WritePayload(p []byte) error {
	if s.readOnly {
		return fmt.Errorf("segment: %s is mapped read-only", s.name)
	}
	if len(p) > s.capacity {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(p), s.capacity)
	}
	copy(s.data[headerSize:], p)
	return nil
}

// Payload returns a view of the first n payload bytes. The view aliases the
// shared mapping and is only valid until Close.
func (s *Segment) Payload(n int) ([]byte, error) {
	if n < 0 || n > s.capacity {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, n, s.capacity)
	}
	return s.data[headerSize : headerSize+n], nil
}

// Mapped reports whether the segment still holds its mapping.
func (s *Segment) Mapped() bool { return s.data != nil }

// Close unmaps the segment. It does not touch the backing file; unlinking is
// the registry's job. Close is idempotent.
func (s *Segment) Close() error {
	if s.data == nil {
		return nil
	}
	data := s.data
	s.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("segment: munmap %s: %w", s.name, err)
	}
	return nil
}

// bumpGeneration increments the checkout counter in the shared header. Only
// the worker that owns the checkout may call it.
func (s *Segment) bumpGeneration() {
	s.generation++
	binary.LittleEndian.PutUint64(s.data[8:16], s.generation)
}

func (s *Segment) writeHeader() {
	binary.LittleEndian.PutUint32(s.data[0:4], headerMagic)
	binary.LittleEndian.PutUint32(s.data[4:8], 0)
	binary.LittleEndian.PutUint64(s.data[8:16], s.generation)
}

// create makes a fresh segment file of the given payload capacity, mapped
// read-write, at generation 1.
func create(r *Registry, camera string, capacity int) (*Segment, error) {
	name := r.NewName(camera)
	f, err := os.OpenFile(r.SegPath(name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrAllocation, name, err)
	}
	defer f.Close()

	size := headerSize + capacity
	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(r.SegPath(name))
		return nil, fmt.Errorf("%w: truncate %s: %v", ErrAllocation, name, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(r.SegPath(name))
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrAllocation, name, err)
	}

	s := &Segment{name: name, generation: 1, capacity: capacity, data: data}
	s.writeHeader()
	return s, nil
}

// openWrite maps an already-claimed segment file read-write (reuse path).
// The caller is responsible for bumping the generation before writing.
func openWrite(r *Registry, name string, capacity int) (*Segment, error) {
	f, err := os.OpenFile(r.SegPath(name), os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("segment: stat %s: %w", name, err)
	}
	if info.Size() != int64(headerSize+capacity) {
		return nil, fmt.Errorf("segment: %s has capacity %d, want %d",
			name, info.Size()-headerSize, capacity)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, headerSize+capacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("segment: mmap %s: %w", name, err)
	}
	if binary.LittleEndian.Uint32(data[0:4]) != headerMagic {
		unix.Munmap(data)
		return nil, fmt.Errorf("segment: %s has no segment header", name)
	}
	return &Segment{
		name:       name,
		generation: binary.LittleEndian.Uint64(data[8:16]),
		capacity:   capacity,
		data:       data,
	}, nil
}

// OpenRead maps a published segment read-only on the consumer side and
// validates that it is still the checkout the handle refers to.
func OpenRead(r *Registry, name string, generation uint64) (*Segment, error) {
	f, err := os.Open(r.SegPath(name))
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("segment: stat %s: %w", name, err)
	}
	size := int(info.Size())
	if size < headerSize {
		return nil, fmt.Errorf("segment: %s truncated (%d bytes)", name, size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("segment: mmap %s: %w", name, err)
	}
	if binary.LittleEndian.Uint32(data[0:4]) != headerMagic {
		unix.Munmap(data)
		return nil, fmt.Errorf("segment: %s has no segment header", name)
	}
	gen := binary.LittleEndian.Uint64(data[8:16])
	if gen != generation {
		unix.Munmap(data)
		return nil, fmt.Errorf("%w: %s header generation %d, handle %d",
			ErrStaleHandle, name, gen, generation)
	}
	return &Segment{
		name:       name,
		generation: gen,
		capacity:   size - headerSize,
		data:       data,
		readOnly:   true,
	}, nil
}
