package consume

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/visiona/multicam/internal/frame"
	"github.com/visiona/multicam/internal/queue"
	"github.com/visiona/multicam/internal/segment"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// publish writes a payload into a fresh segment and returns its handle, the
// way a capture worker would before pushing.
func publish(t *testing.T, reg *segment.Registry, alloc *segment.Allocator, camera string, seq uint64, payload []byte) frame.Handle {
	t.Helper()
	seg, err := alloc.Acquire(len(payload))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := seg.WritePayload(payload); err != nil {
		t.Fatal(err)
	}
	h := frame.Handle{
		Segment:    seg.Name(),
		Generation: seg.Generation(),
		Camera:     camera,
		Seq:        seq,
		Width:      4,
		Height:     2,
		Channels:   3,
		Bytes:      len(payload),
		Timestamp:  time.Now(),
	}
	alloc.Forget(seg.Name())
	return h
}

func TestConsumerProcessesAndReleases(t *testing.T) {
	dir := t.TempDir()
	reg := segment.NewRegistry(dir, "run1")
	alloc := segment.NewAllocator(reg, "cam", 64, testLogger())
	defer alloc.Close()

	q := queue.New(4)
	payload := bytes.Repeat([]byte{0x7F}, 24)

	var got [][]byte
	proc := func(p []byte, h frame.Handle) error {
		got = append(got, append([]byte(nil), p...))
		return nil
	}
	c := New(q, reg, proc, 50*time.Millisecond, 3, testLogger())

	for seq := uint64(1); seq <= 3; seq++ {
		if !q.Push(publish(t, reg, alloc, "cam", seq, payload), 0) {
			t.Fatal("Push() rejected")
		}
	}
	q.Shutdown()

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("processed %d frames, want 3", len(got))
	}
	for i, p := range got {
		if !bytes.Equal(p, payload) {
			t.Errorf("frame %d payload mismatch", i)
		}
	}

	// Every consumed segment must be back in the released state.
	entries, err := reg.List()
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if !e.Free {
			t.Errorf("segment %s still checked out after consumption", e.Name)
		}
	}

	stats := c.Stats()["cam"]
	if stats.Frames != 3 || stats.LastSeq != 3 || stats.Errors != 0 {
		t.Errorf("Stats()[cam] = %+v, want Frames=3 LastSeq=3", stats)
	}
}

func TestConsumerReleasesOnProcessorError(t *testing.T) {
	reg := segment.NewRegistry(t.TempDir(), "run1")
	alloc := segment.NewAllocator(reg, "cam", 64, testLogger())
	defer alloc.Close()

	q := queue.New(4)
	proc := func(p []byte, h frame.Handle) error { return errors.New("inference failed") }
	c := New(q, reg, proc, 50*time.Millisecond, 10, testLogger())

	h := publish(t, reg, alloc, "cam", 1, bytes.Repeat([]byte{1}, 24))
	q.Push(h, 0)
	q.Shutdown()

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v, want nil below threshold", err)
	}
	// The failed frame's segment is still released for reuse.
	if _, err := os.Stat(reg.FreePath(h.Segment)); err != nil {
		t.Errorf("segment not released after processor error: %v", err)
	}
}

func TestConsumerFailureThreshold(t *testing.T) {
	reg := segment.NewRegistry(t.TempDir(), "run1")
	alloc := segment.NewAllocator(reg, "cam", 64, testLogger())
	defer alloc.Close()

	q := queue.New(8)
	proc := func(p []byte, h frame.Handle) error { return errors.New("inference failed") }
	c := New(q, reg, proc, 50*time.Millisecond, 3, testLogger())

	for seq := uint64(1); seq <= 5; seq++ {
		q.Push(publish(t, reg, alloc, "cam", seq, bytes.Repeat([]byte{1}, 24)), 0)
	}

	err := c.Run(context.Background())
	if !errors.Is(err, ErrFailureThreshold) {
		t.Fatalf("Run() error = %v, want ErrFailureThreshold", err)
	}

	// The two undelivered frames drain without processing.
	q.Shutdown()
	if n := c.Drain(); n != 2 {
		t.Errorf("Drain() = %d, want 2", n)
	}
	entries, err := reg.List()
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if !e.Free {
			t.Errorf("segment %s still checked out after drain", e.Name)
		}
	}
}

func TestConsumerSuccessResetsFailureCount(t *testing.T) {
	reg := segment.NewRegistry(t.TempDir(), "run1")
	alloc := segment.NewAllocator(reg, "cam", 64, testLogger())
	defer alloc.Close()

	q := queue.New(16)
	var calls int
	proc := func(p []byte, h frame.Handle) error {
		calls++
		if calls%2 == 1 {
			return errors.New("flaky")
		}
		return nil
	}
	// Alternating failures never reach a threshold of 2 consecutive.
	c := New(q, reg, proc, 50*time.Millisecond, 2, testLogger())

	for seq := uint64(1); seq <= 6; seq++ {
		q.Push(publish(t, reg, alloc, "cam", seq, bytes.Repeat([]byte{1}, 24)), 0)
	}
	q.Shutdown()

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v, want nil for non-consecutive failures", err)
	}
}

func TestConsumerStaleHandle(t *testing.T) {
	reg := segment.NewRegistry(t.TempDir(), "run1")
	alloc := segment.NewAllocator(reg, "cam", 64, testLogger())
	defer alloc.Close()

	q := queue.New(4)
	var processed int
	proc := func(p []byte, h frame.Handle) error { processed++; return nil }
	c := New(q, reg, proc, 50*time.Millisecond, 10, testLogger())

	// Mint a handle, then recycle the segment before the consumer gets to
	// it. The header generation moves past the handle's.
	stale := publish(t, reg, alloc, "cam", 1, bytes.Repeat([]byte{1}, 24))
	if err := reg.Release(stale.Segment); err != nil {
		t.Fatal(err)
	}
	seg, err := alloc.Acquire(24)
	if err != nil {
		t.Fatal(err)
	}
	if seg.Name() != stale.Segment {
		t.Fatalf("expected reuse of %s, got %s", stale.Segment, seg.Name())
	}

	q.Push(stale, 0)
	q.Shutdown()

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if processed != 0 {
		t.Errorf("stale handle reached the processor")
	}
	if got := c.Stats()["cam"].Errors; got != 1 {
		t.Errorf("Stats()[cam].Errors = %d, want 1", got)
	}
	// The current checkout is untouched: still checked out, new generation.
	if _, err := os.Stat(reg.SegPath(stale.Segment)); err != nil {
		t.Errorf("current checkout vanished: %v", err)
	}
}

func TestConsumerGapTracking(t *testing.T) {
	reg := segment.NewRegistry(t.TempDir(), "run1")
	alloc := segment.NewAllocator(reg, "cam", 64, testLogger())
	defer alloc.Close()

	q := queue.New(8)
	c := New(q, reg, func(p []byte, h frame.Handle) error { return nil },
		50*time.Millisecond, 10, testLogger())

	// Seqs 1, 2, 5: two frames dropped by the producer.
	for _, seq := range []uint64{1, 2, 5} {
		q.Push(publish(t, reg, alloc, "cam", seq, bytes.Repeat([]byte{1}, 24)), 0)
	}
	q.Shutdown()

	if err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	stats := c.Stats()["cam"]
	if stats.Gaps != 2 {
		t.Errorf("Stats()[cam].Gaps = %d, want 2", stats.Gaps)
	}
	if stats.LastSeq != 5 {
		t.Errorf("Stats()[cam].LastSeq = %d, want 5", stats.LastSeq)
	}
}
