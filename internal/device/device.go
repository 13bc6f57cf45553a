// Package device is the boundary to the camera SDK. A Device hands out raw
// frames on request with a bounded wait; everything downstream (segments,
// queue, consumer) is SDK-agnostic.
//
// A device handle is confined to the worker process that opened it. It is
// never serialized or pushed onto the queue; each worker re-opens its own
// device after its process starts.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Driver names accepted by Open.
const (
	DriverSynthetic = "synthetic"
	DriverGStreamer = "gstreamer"
)

var (
	// ErrTimeout is returned when no frame arrived within the bounded wait.
	// Retryable; the worker degrades after repeated timeouts.
	ErrTimeout = errors.New("device: acquire timed out")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("device: closed")
)

// HardwareError is a hard SDK failure. It excludes the camera from further
// capture; it is never retried.
type HardwareError struct {
	Serial string
	Err    error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("device: camera %s: %v", e.Serial, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }

// Frame is one captured frame as the SDK delivers it.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Channels  int
	Timestamp time.Time
}

// Config identifies and configures one camera.
type Config struct {
	Serial string
	Driver string
	// Source overrides the capture source for drivers that take one
	// (GStreamer: a v4l2 device path or an RTSP/file URI).
	Source string
	Width  int
	Height int
	FPS    float64
}

// Device acquires frames from one camera.
type Device interface {
	// AcquireFrame blocks until the next frame, the timeout, or ctx
	// cancellation. Returns ErrTimeout when no frame arrived in time and a
	// *HardwareError when the camera failed for good.
	AcquireFrame(ctx context.Context, timeout time.Duration) (*Frame, error)

	// Close releases the device. Idempotent.
	Close() error
}

// Open creates the device for cfg based on its driver name.
func Open(cfg Config) (Device, error) {
	switch cfg.Driver {
	case DriverSynthetic, "":
		return NewSynthetic(cfg), nil
	case DriverGStreamer:
		return NewGStreamer(cfg)
	default:
		return nil, fmt.Errorf("device: unknown driver %q", cfg.Driver)
	}
}
