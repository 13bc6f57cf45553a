package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/visiona/multicam/internal/config"
	"github.com/visiona/multicam/internal/consume"
	"github.com/visiona/multicam/internal/frame"
	"github.com/visiona/multicam/internal/pipeline"
)

const version = "v0.1.0"

type cliFlags struct {
	// Worker mode (set by the supervisor when re-executing itself)
	Worker bool
	Camera string

	// Supervisor overrides for the MULTICAM_* environment
	Cameras string
	Driver  string

	// Frame saving (optional)
	OutputDir    string
	OutputFormat string
	JPEGQuality  int

	StatsInterval time.Duration

	Debug bool
}

func main() {
	cli := parseFlags()

	// Flags beat environment so ad-hoc runs don't need exports. Worker
	// subprocesses get the resolved values through the environment the
	// supervisor passes them.
	if cli.Cameras != "" {
		os.Setenv("MULTICAM_CAMERAS", cli.Cameras)
	}
	if cli.Driver != "" {
		os.Setenv("MULTICAM_DRIVER", cli.Driver)
	}
	if cli.Debug {
		os.Setenv("MULTICAM_DEBUG", "1")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Shutdown signal received, stopping gracefully...")
		cancel()
	}()

	if cli.Worker {
		err := pipeline.RunWorker(ctx, cfg, cli.Camera, logger)
		if err != nil {
			logger.Error("Worker failed", "camera", cli.Camera, "error", err)
		}
		os.Exit(pipeline.ExitCodeFor(err))
	}

	printBanner(cfg, cli)
	os.Exit(runSupervisor(ctx, cfg, cli, logger))
}

func parseFlags() cliFlags {
	var cli cliFlags

	// Worker mode flags
	flag.BoolVar(&cli.Worker, "worker", false, "Run as a capture worker (internal)")
	flag.StringVar(&cli.Camera, "camera", "", "Camera serial to capture (worker mode)")

	// Camera flags
	flag.StringVar(&cli.Cameras, "cameras", "", "Cameras as alias=serial[,...] (overrides MULTICAM_CAMERAS)")
	flag.StringVar(&cli.Driver, "driver", "", "Default camera driver: synthetic or gstreamer")

	// Frame saving flags (optional)
	flag.StringVar(&cli.OutputDir, "output", "", "Output directory to save frames (optional)")
	flag.StringVar(&cli.OutputFormat, "format", "jpeg", "Output format: png or jpeg")
	flag.IntVar(&cli.JPEGQuality, "jpeg-quality", 90, "JPEG quality (1-100, only for JPEG)")

	// Stats flags
	var statsIntervalSec int
	flag.IntVar(&statsIntervalSec, "stats-interval", 5, "Statistics reporting interval (seconds)")

	// Debug flag
	flag.BoolVar(&cli.Debug, "debug", false, "Enable debug logging")

	flag.Parse()

	if cli.Worker && cli.Camera == "" {
		fmt.Fprintf(os.Stderr, "Error: -worker requires -camera\n")
		os.Exit(1)
	}

	if cli.OutputDir != "" {
		if cli.OutputFormat != "png" && cli.OutputFormat != "jpeg" {
			fmt.Fprintf(os.Stderr, "Error: invalid format %s (must be png or jpeg)\n", cli.OutputFormat)
			os.Exit(1)
		}
		if cli.JPEGQuality < 1 || cli.JPEGQuality > 100 {
			fmt.Fprintf(os.Stderr, "Error: invalid JPEG quality %d (must be 1-100)\n", cli.JPEGQuality)
			os.Exit(1)
		}
	}

	cli.StatsInterval = time.Duration(statsIntervalSec) * time.Second
	return cli
}

func runSupervisor(ctx context.Context, cfg *config.Config, cli cliFlags, logger *slog.Logger) int {
	proc, saver, err := buildProcessor(cli, logger)
	if err != nil {
		logger.Error("Failed to build frame processor", "error", err)
		return 1
	}

	sup := pipeline.NewSupervisor(cfg, proc, logger)
	sup.StatsInterval = cli.StatsInterval
	sup.StatsFunc = func(snap pipeline.Snapshot) {
		printLiveStats(cfg, snap, saver)
	}

	return sup.Run(ctx)
}

// buildProcessor returns the consumer callback: a frame saver when -output is
// set, otherwise a counter that leaves the work to the stats reporter.
func buildProcessor(cli cliFlags, logger *slog.Logger) (consume.Processor, *FrameSaver, error) {
	if cli.OutputDir == "" {
		return func(payload []byte, h frame.Handle) error {
			logger.Debug("Frame consumed", "handle", h.String(), "size_kb", len(payload)/1024)
			return nil
		}, nil, nil
	}

	saver, err := NewFrameSaver(cli.OutputDir, cli.OutputFormat, cli.JPEGQuality)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Frame saving enabled",
		"output_dir", cli.OutputDir,
		"format", cli.OutputFormat,
		"jpeg_quality", cli.JPEGQuality)
	return saver.Process, saver, nil
}

func printBanner(cfg *config.Config, cli cliFlags) {
	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║        Multicam - Shared-Memory Multi-Camera Pipeline          ║")
	fmt.Printf("║                    Version %-30s   ║\n", version)
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("  Run ID:          %s\n", cfg.RunID)
	fmt.Printf("  Cameras:         %d\n", len(cfg.Cameras))
	for _, cam := range cfg.Cameras {
		fmt.Printf("    - %-12s: %s (%s, %dx%d @ %.1f fps)\n",
			cam.Alias, cam.Serial, cam.Driver, cam.Width, cam.Height, cam.FPS)
	}
	fmt.Printf("  Queue Capacity:  %d\n", cfg.QueueCapacity)
	fmt.Printf("  Segment Size:    %d bytes\n", cfg.SegmentBytes)
	fmt.Printf("  Shared Memory:   %s\n", cfg.ShmDir)
	if cli.OutputDir != "" {
		fmt.Printf("  Output:          %s (%s)\n", cli.OutputDir, cli.OutputFormat)
	}
	fmt.Println()
	fmt.Println("Pipeline:")
	fmt.Println("  capture workers → frame queue → consumer")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop gracefully")
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println()
}
