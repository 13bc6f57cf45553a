// Package capture runs the per-camera capture loop.
//
// Each worker process hosts exactly one Worker: it owns the camera device
// handle and a private segment allocator, and publishes frame handles to
// the consumer over the push socket. Device handles never cross the
// process boundary; only segment names and handles do.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/visiona/multicam/internal/device"
	"github.com/visiona/multicam/internal/frame"
	"github.com/visiona/multicam/internal/segment"
)

// Pusher publishes a frame handle to the consumer.
//
// The three outcomes carry distinct ownership semantics: accepted means the
// consumer now owns the segment; a clean reject (false, nil) means the
// producer keeps ownership and may recycle; an error means ownership is
// indeterminate and the segment must be left alone for the reclaim guard.
type Pusher interface {
	Push(h frame.Handle, timeout time.Duration) (accepted bool, err error)
}

// Options tunes one capture loop.
type Options struct {
	// Alias is the display name used in logs. Defaults to the serial.
	Alias string

	// DeviceTimeout bounds one frame acquisition.
	DeviceTimeout time.Duration

	// RetryLimit is the number of consecutive acquisition timeouts
	// tolerated before the worker drops to the degraded rate.
	RetryLimit int

	// DegradedInterval is the polling interval while degraded.
	DegradedInterval time.Duration

	// AllocRetryLimit and AllocBackoff bound segment allocation retries.
	// Exhausting the limit is fatal for the whole pipeline.
	AllocRetryLimit int
	AllocBackoff    time.Duration

	// PushTimeout bounds one push, queueing wait included.
	PushTimeout time.Duration
}

// Stats is a snapshot of worker progress counters.
type Stats struct {
	Captured uint64
	Pushed   uint64
	Rejected uint64
	Timeouts uint64
}

// Worker captures frames from one camera and publishes them.
type Worker struct {
	serial string
	dev    device.Device
	alloc  *segment.Allocator
	push   Pusher
	opts   Options
	log    *slog.Logger

	captured atomic.Uint64
	pushed   atomic.Uint64
	rejected atomic.Uint64
	timeouts atomic.Uint64
}

// New assembles a worker. The worker takes ownership of dev and alloc and
// closes both when Run returns.
func New(serial string, dev device.Device, alloc *segment.Allocator, push Pusher, opts Options, logger *slog.Logger) *Worker {
	if opts.Alias == "" {
		opts.Alias = serial
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		serial: serial,
		dev:    dev,
		alloc:  alloc,
		push:   push,
		opts:   opts,
		log:    logger.With("camera", opts.Alias),
	}
}

// Run captures frames until ctx is cancelled or the camera fails.
//
// A nil return means a clean shutdown. A returned error wrapping
// segment.ErrAllocation means shared memory is exhausted and the whole
// pipeline must stop; any other error ends only this camera.
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		if err := w.alloc.Close(); err != nil {
			w.log.Warn("capture: allocator close", "error", err)
		}
		if err := w.dev.Close(); err != nil {
			w.log.Warn("capture: device close", "error", err)
		}
	}()

	w.log.Info("capture: worker started")

	var seq uint64
	var consecutiveTimeouts int
	degraded := false

	for {
		if err := ctx.Err(); err != nil {
			w.log.Info("capture: worker stopping", "stats", w.Stats())
			return nil
		}

		f, err := w.dev.AcquireFrame(ctx, w.opts.DeviceTimeout)
		switch {
		case err == nil:
			consecutiveTimeouts = 0
			if degraded {
				degraded = false
				w.log.Info("capture: camera recovered, resuming full rate")
			}
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			continue
		case errors.Is(err, device.ErrTimeout):
			w.timeouts.Add(1)
			consecutiveTimeouts++
			if !degraded && consecutiveTimeouts > w.opts.RetryLimit {
				degraded = true
				w.log.Warn("capture: camera unresponsive, entering degraded rate",
					"consecutive_timeouts", consecutiveTimeouts,
					"interval", w.opts.DegradedInterval)
			}
			if degraded {
				if err := sleepCtx(ctx, w.opts.DegradedInterval); err != nil {
					return nil
				}
			}
			continue
		case errors.Is(err, device.ErrClosed):
			return nil
		default:
			var hw *device.HardwareError
			if errors.As(err, &hw) {
				w.log.Error("capture: camera hardware failure", "error", err)
				return fmt.Errorf("capture: camera %s: %w", w.serial, err)
			}
			w.log.Error("capture: acquire frame", "error", err)
			return fmt.Errorf("capture: camera %s: %w", w.serial, err)
		}

		w.captured.Add(1)
		seq++

		seg, err := w.acquireSegment(ctx, len(f.Data))
		if err != nil {
			if errors.Is(err, segment.ErrAllocation) {
				w.log.Error("capture: shared memory exhausted", "error", err)
			}
			return err
		}
		if err := seg.WritePayload(f.Data); err != nil {
			w.log.Error("capture: write payload", "segment", seg.Name(), "error", err)
			w.alloc.Release(seg.Name())
			continue
		}

		h := frame.Handle{
			Segment:    seg.Name(),
			Generation: seg.Generation(),
			Camera:     w.serial,
			Seq:        seq,
			Width:      f.Width,
			Height:     f.Height,
			Channels:   f.Channels,
			Bytes:      len(f.Data),
			Timestamp:  f.Timestamp,
		}

		accepted, err := w.push.Push(h, w.opts.PushTimeout)
		switch {
		case err != nil:
			// Ownership is indeterminate. Unmap and stop tracking,
			// nothing more; the reclaim guard removes the file if
			// the consumer never took it.
			w.alloc.Forget(h.Segment)
			w.log.Error("capture: push failed", "handle", h.String(), "error", err)
			return fmt.Errorf("capture: camera %s: push: %w", w.serial, err)
		case accepted:
			w.alloc.Forget(h.Segment)
			w.pushed.Add(1)
		default:
			// Clean reject, typically a full queue. Recycle locally.
			w.alloc.Release(h.Segment)
			w.rejected.Add(1)
			w.log.Debug("capture: frame rejected", "handle", h.String())
		}
	}
}

// acquireSegment retries allocation with backoff. Exhausting the retry
// budget returns an error wrapping segment.ErrAllocation.
func (w *Worker) acquireSegment(ctx context.Context, size int) (*segment.Segment, error) {
	var lastErr error
	for attempt := 0; attempt <= w.opts.AllocRetryLimit; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, w.opts.AllocBackoff); err != nil {
				return nil, lastErr
			}
		}
		seg, err := w.alloc.Acquire(size)
		if err == nil {
			return seg, nil
		}
		lastErr = err
		if !errors.Is(err, segment.ErrAllocation) {
			return nil, err
		}
		w.log.Warn("capture: segment allocation failed, retrying",
			"attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("capture: camera %s: allocation retries exhausted: %w", w.serial, lastErr)
}

// Stats returns a snapshot of the progress counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Captured: w.captured.Load(),
		Pushed:   w.pushed.Load(),
		Rejected: w.rejected.Load(),
		Timeouts: w.timeouts.Load(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
