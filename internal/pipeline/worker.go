package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/visiona/multicam/internal/capture"
	"github.com/visiona/multicam/internal/config"
	"github.com/visiona/multicam/internal/device"
	"github.com/visiona/multicam/internal/queue"
	"github.com/visiona/multicam/internal/segment"
)

// RunWorker is the entry point of a worker subprocess. It opens the one
// camera it was spawned for, connects to the supervisor's push socket and
// captures until ctx is cancelled or the camera fails.
//
// The error maps to the process exit code: nil is a clean exit, an error
// wrapping segment.ErrAllocation signals shared-memory exhaustion to the
// supervisor, anything else is a camera failure.
func RunWorker(ctx context.Context, cfg *config.Config, serial string, logger *slog.Logger) error {
	cam, ok := cfg.CameraBySerial(serial)
	if !ok {
		return fmt.Errorf("pipeline: unknown camera serial %q", serial)
	}
	log := logger.With("camera", cam.Alias)

	dev, err := device.Open(cam.Device())
	if err != nil {
		return fmt.Errorf("pipeline: open camera %s: %w", serial, err)
	}

	client, err := queue.Dial(ctx, cfg.SocketPath, serial)
	if err != nil {
		dev.Close()
		return fmt.Errorf("pipeline: connect to %s: %w", cfg.SocketPath, err)
	}
	defer client.Close()

	reg := segment.NewRegistry(cfg.ShmDir, cfg.RunID)
	alloc := segment.NewAllocator(reg, serial, cfg.SegmentBytes, log)

	worker := capture.New(serial, dev, alloc, client, capture.Options{
		Alias:            cam.Alias,
		DeviceTimeout:    cfg.DeviceTimeout,
		RetryLimit:       cfg.RetryLimit,
		DegradedInterval: cfg.DegradedInterval,
		AllocRetryLimit:  cfg.AllocRetryLimit,
		AllocBackoff:     cfg.AllocBackoff,
		PushTimeout:      cfg.PushTimeout,
	}, log)

	return worker.Run(ctx)
}
