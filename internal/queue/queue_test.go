package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/visiona/multicam/internal/frame"
)

func testHandle(camera string, seq uint64) frame.Handle {
	return frame.Handle{
		Segment:    fmt.Sprintf("multicam-test-%s-%d", camera, seq),
		Generation: 1,
		Camera:     camera,
		Seq:        seq,
		Width:      4,
		Height:     4,
		Channels:   3,
		Bytes:      48,
		Timestamp:  time.Now(),
	}
}

func TestQueueFIFO(t *testing.T) {
	q := New(4)
	for seq := uint64(1); seq <= 4; seq++ {
		if !q.Push(testHandle("cam", seq), 0) {
			t.Fatalf("Push(#%d) rejected with space available", seq)
		}
	}
	for seq := uint64(1); seq <= 4; seq++ {
		h, ok := q.Pop(time.Second)
		if !ok {
			t.Fatalf("Pop() #%d returned nothing", seq)
		}
		if h.Seq != seq {
			t.Errorf("Pop() seq = %d, want %d", h.Seq, seq)
		}
	}
}

func TestQueueRejectsWhenFull(t *testing.T) {
	q := New(2)
	q.Push(testHandle("cam", 1), 0)
	q.Push(testHandle("cam", 2), 0)

	start := time.Now()
	if q.Push(testHandle("cam", 3), 50*time.Millisecond) {
		t.Fatal("Push() on full queue accepted")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("full Push() returned after %v, want at least the timeout", elapsed)
	}
	if got := q.Stats().Rejected; got != 1 {
		t.Errorf("Stats().Rejected = %d, want 1", got)
	}

	// Freeing a slot unblocks a waiting push.
	done := make(chan bool, 1)
	go func() { done <- q.Push(testHandle("cam", 4), time.Second) }()
	if _, ok := q.Pop(time.Second); !ok {
		t.Fatal("Pop() returned nothing")
	}
	if !<-done {
		t.Error("Push() rejected after space was freed")
	}
}

func TestQueuePopTimeout(t *testing.T) {
	q := New(1)
	if _, ok := q.Pop(20 * time.Millisecond); ok {
		t.Error("Pop() on empty queue returned a handle")
	}
	if q.Drained() {
		t.Error("Drained() = true before Shutdown")
	}
}

func TestQueueShutdownDrains(t *testing.T) {
	q := New(4)
	q.Push(testHandle("cam", 1), 0)
	q.Push(testHandle("cam", 2), 0)

	q.Shutdown()
	q.Shutdown() // idempotent

	if q.Push(testHandle("cam", 3), time.Second) {
		t.Error("Push() after Shutdown accepted")
	}

	// Buffered handles still come out, in order, without blocking.
	for seq := uint64(1); seq <= 2; seq++ {
		h, ok := q.Pop(time.Hour)
		if !ok || h.Seq != seq {
			t.Fatalf("drain Pop() = (%v, %v), want seq %d", h.Seq, ok, seq)
		}
	}
	if _, ok := q.Pop(time.Hour); ok {
		t.Error("Pop() after drain returned a handle")
	}
	if !q.Drained() {
		t.Error("Drained() = false after shutdown and empty")
	}
}

func TestQueueContains(t *testing.T) {
	q := New(2)
	h := testHandle("cam", 1)

	if q.Contains(h.Segment) {
		t.Error("Contains() = true before push")
	}
	q.Push(h, 0)
	if !q.Contains(h.Segment) {
		t.Error("Contains() = false while buffered")
	}
	// Tracking survives the pop itself so the segment never looks unheld
	// between the queue and the consumer's in-flight set.
	q.Pop(time.Second)
	if !q.Contains(h.Segment) {
		t.Error("Contains() = false after pop, before Untrack")
	}
	q.Untrack(h.Segment)
	if q.Contains(h.Segment) {
		t.Error("Contains() = true after Untrack")
	}

	// A rejected push must not leave the name tracked.
	q.Push(testHandle("cam", 2), 0)
	q.Push(testHandle("cam", 3), 0)
	rejected := testHandle("cam", 4)
	if q.Push(rejected, 0) {
		t.Fatal("Push() on full queue accepted")
	}
	if q.Contains(rejected.Segment) {
		t.Error("Contains() = true for rejected handle")
	}
}
