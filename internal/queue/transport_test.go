package queue

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func startTestServer(t *testing.T, q *Queue, pushWait time.Duration) string {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "push.sock")
	srv := NewServer(q, socket, pushWait, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return socket
}

func TestTransportPush(t *testing.T) {
	q := New(4)
	socket := startTestServer(t, q, 100*time.Millisecond)

	client, err := Dial(context.Background(), socket, "cam")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	h := testHandle("cam", 1)
	accepted, err := client.Push(h, time.Second)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if !accepted {
		t.Fatal("Push() not accepted with space available")
	}

	got, ok := q.Pop(time.Second)
	if !ok {
		t.Fatal("Pop() returned nothing after accepted push")
	}
	if got.Segment != h.Segment || got.Seq != h.Seq || got.Generation != h.Generation {
		t.Errorf("Pop() = %+v, want pushed handle %+v", got, h)
	}
}

func TestTransportRejectsWhenFull(t *testing.T) {
	q := New(1)
	socket := startTestServer(t, q, 20*time.Millisecond)

	client, err := Dial(context.Background(), socket, "cam")
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if accepted, err := client.Push(testHandle("cam", 1), time.Second); err != nil || !accepted {
		t.Fatalf("first Push() = (%v, %v), want accepted", accepted, err)
	}
	// Queue full, nobody popping: clean reject, not an error. The worker
	// keeps the segment and recycles it.
	accepted, err := client.Push(testHandle("cam", 2), time.Second)
	if err != nil {
		t.Fatalf("Push() on full queue error = %v, want clean reject", err)
	}
	if accepted {
		t.Error("Push() on full queue accepted")
	}
}

func TestTransportRejectsMalformedHandle(t *testing.T) {
	q := New(4)
	socket := startTestServer(t, q, 100*time.Millisecond)

	client, err := Dial(context.Background(), socket, "cam")
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	h := testHandle("cam", 1)
	h.Generation = 0
	accepted, err := client.Push(h, time.Second)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if accepted {
		t.Error("malformed handle accepted")
	}
	if q.Len() != 0 {
		t.Error("malformed handle reached the queue")
	}
}

func TestTransportOrderPerConnection(t *testing.T) {
	q := New(16)
	socket := startTestServer(t, q, 100*time.Millisecond)

	client, err := Dial(context.Background(), socket, "cam")
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	for seq := uint64(1); seq <= 8; seq++ {
		if accepted, err := client.Push(testHandle("cam", seq), time.Second); err != nil || !accepted {
			t.Fatalf("Push(#%d) = (%v, %v)", seq, accepted, err)
		}
	}
	for seq := uint64(1); seq <= 8; seq++ {
		h, ok := q.Pop(time.Second)
		if !ok || h.Seq != seq {
			t.Fatalf("Pop() = (%v, %v), want seq %d in order", h.Seq, ok, seq)
		}
	}
}

func TestDialFailsWithoutServer(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "nobody.sock")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Dial(ctx, socket, "cam"); err == nil {
		t.Error("Dial() without a server succeeded")
	}
}
