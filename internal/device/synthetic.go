package device

import (
	"context"
	"sync/atomic"
	"time"
)

// Synthetic generates a moving test pattern at the configured FPS. It paces
// frames on a real clock, so timeout behavior matches a physical camera:
// asking faster than the FPS blocks until the next tick, asking with a
// timeout shorter than the tick returns ErrTimeout.
type Synthetic struct {
	cfg      Config
	interval time.Duration
	next     time.Time
	seq      uint64
	closed   atomic.Bool
}

// NewSynthetic creates a synthetic camera. Zero/negative FPS defaults to 5,
// matching the smallest real profile the pipeline targets.
func NewSynthetic(cfg Config) *Synthetic {
	fps := cfg.FPS
	if fps <= 0 {
		fps = 5
	}
	return &Synthetic{
		cfg:      cfg,
		interval: time.Duration(float64(time.Second) / fps),
		next:     time.Now(),
	}
}

// AcquireFrame waits for the next frame tick and renders the pattern.
func (s *Synthetic) AcquireFrame(ctx context.Context, timeout time.Duration) (*Frame, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	now := time.Now()
	wait := s.next.Sub(now)
	if wait > timeout {
		// The next frame is further away than the caller is willing to
		// wait. Sleep out the timeout like a real SDK would.
		if err := sleep(ctx, timeout); err != nil {
			return nil, err
		}
		return nil, ErrTimeout
	}
	if wait > 0 {
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	s.next = time.Now().Add(s.interval)

	seq := atomic.AddUint64(&s.seq, 1)
	return &Frame{
		Data:      renderPattern(s.cfg.Width, s.cfg.Height, seq),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Channels:  3,
		Timestamp: time.Now(),
	}, nil
}

// Close stops the device.
func (s *Synthetic) Close() error {
	s.closed.Store(true)
	return nil
}

// renderPattern fills an RGB buffer with a gradient that shifts every frame,
// so consecutive frames differ and dimensions are verifiable downstream.
func renderPattern(width, height int, seq uint64) []byte {
	data := make([]byte, width*height*3)
	shift := byte(seq)
	i := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			data[i] = byte(x) + shift
			data[i+1] = byte(y) + shift
			data[i+2] = byte(x+y) - shift
			i += 3
		}
	}
	return data
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
