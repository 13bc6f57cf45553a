// Package consume runs the single frame consumer.
//
// The consumer is the only reader of the queue. For every popped handle it
// maps the named segment read-only, validates the generation, hands the
// payload to the processor callback and then returns the segment to the
// producer's free pool. Release happens on every path, including processor
// failure and stale handles, so a consumer bug can slow the pipeline but
// never leak shared memory.
package consume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/visiona/multicam/internal/frame"
	"github.com/visiona/multicam/internal/queue"
	"github.com/visiona/multicam/internal/segment"
)

// ErrFailureThreshold is returned by Run when the processor failed too many
// times in a row and the pipeline must stop.
var ErrFailureThreshold = errors.New("consume: consecutive failure threshold reached")

// Processor handles one frame payload. The payload slice aliases the mapped
// segment and is only valid during the call; implementations that keep the
// pixels must copy them.
type Processor func(payload []byte, h frame.Handle) error

// CameraStats is a per-camera consumption snapshot.
type CameraStats struct {
	Frames  uint64
	Errors  uint64
	LastSeq uint64
	// Gaps counts sequence discontinuities, normally frames the producer
	// dropped on a full queue.
	Gaps uint64
	// FPS is the consumption rate over the last stats window.
	FPS float64
}

type cameraCounters struct {
	frames  uint64
	errors  uint64
	lastSeq uint64
	gaps    uint64

	windowStart  time.Time
	windowFrames uint64
	fps          float64
}

// Consumer pops handles and feeds the processor.
type Consumer struct {
	q          *queue.Queue
	reg        *segment.Registry
	proc       Processor
	popTimeout time.Duration
	limit      int
	log        *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
	cameras  map[string]*cameraCounters
}

// New assembles a consumer. limit is the number of consecutive processor
// failures tolerated before Run aborts with ErrFailureThreshold.
func New(q *queue.Queue, reg *segment.Registry, proc Processor, popTimeout time.Duration, limit int, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		q:          q,
		reg:        reg,
		proc:       proc,
		popTimeout: popTimeout,
		limit:      limit,
		log:        logger,
		inFlight:   make(map[string]bool),
		cameras:    make(map[string]*cameraCounters),
	}
}

// Run consumes frames until the queue is shut down and drained, ctx is
// cancelled, or the failure threshold is hit.
//
// On ErrFailureThreshold the caller must still drain the queue (Drain) so
// buffered segments are released before the reclaim guard sweeps.
func (c *Consumer) Run(ctx context.Context) error {
	var consecutive int
	for {
		h, ok := c.q.Pop(c.popTimeout)
		if !ok {
			if c.q.Drained() {
				c.log.Info("consume: queue drained, consumer stopping")
				return nil
			}
			if err := ctx.Err(); err != nil {
				return nil
			}
			continue
		}

		if err := c.consumeOne(h); err != nil {
			consecutive++
			c.log.Error("consume: frame failed",
				"handle", h.String(),
				"consecutive", consecutive,
				"error", err)
			if consecutive >= c.limit {
				return fmt.Errorf("%w after %d failures: %v", ErrFailureThreshold, consecutive, err)
			}
			continue
		}
		consecutive = 0
	}
}

// consumeOne maps, processes and releases one frame. The segment is released
// on every return path once the handle was popped; a stale or vanished
// segment is the one case with nothing left to release.
func (c *Consumer) consumeOne(h frame.Handle) error {
	// In-flight before the queue stops tracking: the segment must never
	// look unheld to the reclaim guard while the consumer has it.
	c.setInFlight(h.Segment, true)
	defer c.setInFlight(h.Segment, false)
	c.q.Untrack(h.Segment)

	seg, err := segment.OpenRead(c.reg, h.Segment, h.Generation)
	if err != nil {
		c.note(h, err)
		if errors.Is(err, segment.ErrStaleHandle) {
			return fmt.Errorf("consume: %s: %w", h.String(), err)
		}
		return fmt.Errorf("consume: open %s: %w", h.String(), err)
	}
	defer func() {
		if cerr := seg.Close(); cerr != nil {
			c.log.Warn("consume: segment close", "segment", h.Segment, "error", cerr)
		}
		if rerr := c.reg.Release(h.Segment); rerr != nil {
			c.log.Warn("consume: segment release", "segment", h.Segment, "error", rerr)
		}
	}()

	payload, err := seg.Payload(h.Bytes)
	if err != nil {
		c.note(h, err)
		return fmt.Errorf("consume: payload %s: %w", h.String(), err)
	}
	if err := c.proc(payload, h); err != nil {
		c.note(h, err)
		return err
	}
	c.note(h, nil)
	return nil
}

// Drain releases everything left in the queue without processing. Used when
// aborting, after the queue was shut down.
func (c *Consumer) Drain() int {
	var n int
	for {
		h, ok := c.q.Pop(0)
		if !ok {
			return n
		}
		n++
		if err := c.reg.Release(h.Segment); err != nil {
			c.log.Warn("consume: drain release", "segment", h.Segment, "error", err)
		}
		c.q.Untrack(h.Segment)
	}
}

// InFlight reports whether the consumer currently holds the named segment.
// The reclaim guard consults it before sweeping.
func (c *Consumer) InFlight(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight[name]
}

// Stats returns per-camera consumption snapshots keyed by serial.
func (c *Consumer) Stats() map[string]CameraStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]CameraStats, len(c.cameras))
	for serial, cc := range c.cameras {
		out[serial] = CameraStats{
			Frames:  cc.frames,
			Errors:  cc.errors,
			LastSeq: cc.lastSeq,
			Gaps:    cc.gaps,
			FPS:     cc.fps,
		}
	}
	return out
}

func (c *Consumer) setInFlight(name string, v bool) {
	c.mu.Lock()
	if v {
		c.inFlight[name] = true
	} else {
		delete(c.inFlight, name)
	}
	c.mu.Unlock()
}

// note updates per-camera counters and the rolling FPS window.
func (c *Consumer) note(h frame.Handle, err error) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	cc := c.cameras[h.Camera]
	if cc == nil {
		cc = &cameraCounters{windowStart: now}
		c.cameras[h.Camera] = cc
	}
	if err != nil {
		cc.errors++
		return
	}
	cc.frames++
	if cc.lastSeq != 0 && h.Seq > cc.lastSeq+1 {
		cc.gaps += h.Seq - cc.lastSeq - 1
	}
	if h.Seq > cc.lastSeq {
		cc.lastSeq = h.Seq
	}

	cc.windowFrames++
	if elapsed := now.Sub(cc.windowStart); elapsed >= 5*time.Second {
		cc.fps = float64(cc.windowFrames) / elapsed.Seconds()
		cc.windowStart = now
		cc.windowFrames = 0
	}
}
