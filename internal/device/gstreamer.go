package device

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// GStreamer captures RGB frames from a local camera through a GStreamer
// pipeline:
//
//	v4l2src → videoconvert → videoscale → videorate → capsfilter → appsink
//
// The appsink keeps only the latest buffer (max-buffers=1, drop=true), so a
// slow AcquireFrame caller never builds a backlog inside the pipeline.
type GStreamer struct {
	cfg      Config
	pipeline *gst.Pipeline
	sink     *app.Sink
	frames   chan *Frame

	seq     uint64
	dropped uint64

	mu      sync.Mutex
	hardErr error
	closed  bool
}

// NewGStreamer builds and starts the capture pipeline for cfg. Source is the
// v4l2 device path (default /dev/video0).
func NewGStreamer(cfg Config) (*GStreamer, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("device: create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, fmt.Errorf("device: create v4l2src: %w", err)
	}
	source := cfg.Source
	if source == "" {
		source = "/dev/video0"
	}
	// Fail at open time when the device node is gone, before the pipeline
	// reports a less specific negotiation error.
	if strings.HasPrefix(source, "/dev/") {
		if _, err := os.Stat(source); err != nil {
			return nil, &HardwareError{Serial: cfg.Serial, Err: fmt.Errorf("video device unavailable: %w", err)}
		}
	}
	src.SetProperty("device", source)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("device: create videoconvert: %w", err)
	}
	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("device: create videoscale: %w", err)
	}
	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("device: create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("device: create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(buildCaps(cfg)))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("device: create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	pipeline.AddMany(src, converter, scaler, videorate, capsfilter, sink.Element)
	if err := gst.ElementLinkMany(src, converter, scaler, videorate, capsfilter, sink.Element); err != nil {
		return nil, fmt.Errorf("device: link pipeline: %w", err)
	}

	d := &GStreamer{
		cfg:      cfg,
		pipeline: pipeline,
		sink:     sink,
		frames:   make(chan *Frame, 1),
	}
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: d.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, &HardwareError{Serial: cfg.Serial, Err: fmt.Errorf("start pipeline: %w", err)}
	}
	go d.watchBus()

	slog.Info("device: gstreamer camera opened",
		"serial", cfg.Serial,
		"source", source,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"fps", cfg.FPS,
	)
	return d, nil
}

// onNewSample copies the sample out of GStreamer's buffer and hands it to
// AcquireFrame. The channel holds one frame; older unconsumed frames drop.
func (d *GStreamer) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	buffer.Unmap()

	f := &Frame{
		Data:      payload,
		Width:     d.cfg.Width,
		Height:    d.cfg.Height,
		Channels:  3,
		Timestamp: time.Now(),
	}
	atomic.AddUint64(&d.seq, 1)

	select {
	case d.frames <- f:
	default:
		// Stale frame still unconsumed; replace it with the fresh one.
		select {
		case <-d.frames:
		default:
		}
		select {
		case d.frames <- f:
		default:
			atomic.AddUint64(&d.dropped, 1)
		}
	}
	return gst.FlowOK
}

// watchBus surfaces pipeline errors as hardware failures.
func (d *GStreamer) watchBus() {
	bus := d.pipeline.GetPipelineBus()
	for {
		msg := bus.TimedPop(time.Second)
		if msg == nil {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			d.mu.Lock()
			d.hardErr = &HardwareError{Serial: d.cfg.Serial, Err: fmt.Errorf("%s", gerr.Error())}
			d.mu.Unlock()
			slog.Error("device: pipeline error", "serial", d.cfg.Serial, "error", gerr.Error())
			return
		case gst.MessageEOS:
			d.mu.Lock()
			d.hardErr = &HardwareError{Serial: d.cfg.Serial, Err: fmt.Errorf("end of stream")}
			d.mu.Unlock()
			return
		}
	}
}

// AcquireFrame waits for the next decoded frame.
func (d *GStreamer) AcquireFrame(ctx context.Context, timeout time.Duration) (*Frame, error) {
	d.mu.Lock()
	hardErr, closed := d.hardErr, d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if hardErr != nil {
		return nil, hardErr
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-d.frames:
		return f, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the pipeline. Idempotent.
func (d *GStreamer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if err := d.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("device: stop pipeline: %w", err)
	}
	return nil
}

// buildCaps locks the appsink output to RGB at the configured geometry and
// rate. Fractional FPS below 1 becomes 1/N.
func buildCaps(cfg Config) string {
	num, den := 1, 1
	if cfg.FPS >= 1 {
		num = int(cfg.FPS)
	} else if cfg.FPS > 0 {
		den = int(1.0 / cfg.FPS)
	} else {
		num = 5
	}
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/%d",
		cfg.Width, cfg.Height, num, den)
}
