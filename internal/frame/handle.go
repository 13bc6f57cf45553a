// Package frame defines the handle descriptor that carries ownership of one
// captured frame from a capture worker to the consumer.
//
// A Handle is small, immutable and JSON-serializable. It never contains the
// frame bytes themselves, only the name and generation of the shared-memory
// segment holding them plus the metadata needed to interpret the payload.
// Pushing a handle onto the queue is the single point where write rights end
// and read rights begin; after the consumer releases the segment the handle
// must never be dereferenced again.
package frame

import (
	"fmt"
	"time"
)

// Handle describes one frame stored in a shared-memory segment.
//
// Fields are fixed at build time (capture worker) and must not be mutated
// afterwards. Generation ties the handle to one specific checkout of the
// segment: a handle whose generation no longer matches the segment header is
// stale and must not be mapped.
type Handle struct {
	// Segment is the registry name of the shared-memory segment.
	Segment string `json:"segment"`

	// Generation is the checkout counter of the segment at publish time.
	Generation uint64 `json:"generation"`

	// Camera is the serial of the camera that produced the frame.
	Camera string `json:"camera"`

	// Seq is the per-camera sequence number, monotonically increasing for
	// the lifetime of the worker process.
	Seq uint64 `json:"seq"`

	// Width and Height in pixels, Channels bytes per pixel.
	Width    int `json:"width"`
	Height   int `json:"height"`
	Channels int `json:"channels"`

	// Bytes is the payload length written into the segment.
	Bytes int `json:"bytes"`

	// Timestamp is the device capture time.
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the handle for fields a well-formed publisher always sets.
func (h Handle) Validate() error {
	if h.Segment == "" {
		return fmt.Errorf("frame: handle has no segment name")
	}
	if h.Generation == 0 {
		return fmt.Errorf("frame: handle %s has zero generation", h.Segment)
	}
	if h.Camera == "" {
		return fmt.Errorf("frame: handle %s has no camera serial", h.Segment)
	}
	if h.Width <= 0 || h.Height <= 0 || h.Channels <= 0 {
		return fmt.Errorf("frame: handle %s has invalid dimensions %dx%dx%d",
			h.Segment, h.Width, h.Height, h.Channels)
	}
	if h.Bytes <= 0 {
		return fmt.Errorf("frame: handle %s has empty payload", h.Segment)
	}
	return nil
}

// String returns a compact identity for logging.
func (h Handle) String() string {
	return fmt.Sprintf("%s/%s#%d gen=%d", h.Camera, h.Segment, h.Seq, h.Generation)
}
