// Package config holds the runtime configuration for the pipeline.
//
// The supervisor loads its configuration from MULTICAM_* environment
// variables. Worker subprocesses inherit the same variables through
// Environ, so both sides of the pipeline always agree on the shared
// memory directory, the segment naming prefix and the push socket.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/visiona/multicam/internal/device"
)

// Defaults chosen for low-bandwidth multi-camera capture.
const (
	DefaultWidth         = 424
	DefaultHeight        = 240
	DefaultFPS           = 5.0
	DefaultDeviceTimeout = 5 * time.Second
	DefaultRetryLimit    = 3
	DefaultFailureLimit  = 5
	DefaultShmDir        = "/dev/shm"
)

// Camera configures one capture worker.
type Camera struct {
	// Alias is the human-readable name used in logs and stats
	// (for example CAM_LEFT). Defaults to the serial.
	Alias  string
	Serial string
	Driver string
	Source string
	Width  int
	Height int
	FPS    float64
}

// Device returns the device configuration for this camera.
func (c Camera) Device() device.Config {
	return device.Config{
		Serial: c.Serial,
		Driver: c.Driver,
		Source: c.Source,
		Width:  c.Width,
		Height: c.Height,
		FPS:    c.FPS,
	}
}

// Config is the full pipeline configuration, shared by the supervisor
// and its worker subprocesses.
type Config struct {
	// RunID isolates this run's segment files from other runs sharing
	// the same directory. Generated when absent.
	RunID string

	Cameras []Camera

	// ShmDir is where segment files are created and mapped.
	ShmDir string
	// SocketPath is the unix socket the queue server listens on.
	SocketPath string

	// SegmentBytes is the mapped payload capacity per segment. Zero
	// means sized from the largest configured camera frame.
	SegmentBytes int

	// QueueCapacity bounds the frame queue. Zero means 4 per camera.
	QueueCapacity int

	DeviceTimeout    time.Duration
	RetryLimit       int
	DegradedInterval time.Duration

	AllocRetryLimit int
	AllocBackoff    time.Duration

	PushTimeout time.Duration
	PopTimeout  time.Duration

	// FailureLimit is the number of consecutive processing failures
	// tolerated before the consumer aborts the pipeline.
	FailureLimit int

	Debug bool
}

// Load builds the configuration from MULTICAM_* environment variables,
// filling unset values with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		RunID:            strings.TrimSpace(os.Getenv("MULTICAM_RUN_ID")),
		ShmDir:           envOr("MULTICAM_SHM_DIR", DefaultShmDir),
		SocketPath:       strings.TrimSpace(os.Getenv("MULTICAM_SOCKET")),
		SegmentBytes:     envInt("MULTICAM_SEGMENT_BYTES", 0),
		QueueCapacity:    envInt("MULTICAM_QUEUE_CAPACITY", 0),
		DeviceTimeout:    envDuration("MULTICAM_DEVICE_TIMEOUT", DefaultDeviceTimeout),
		RetryLimit:       envInt("MULTICAM_RETRY_LIMIT", DefaultRetryLimit),
		DegradedInterval: envDuration("MULTICAM_DEGRADED_INTERVAL", 2*time.Second),
		AllocRetryLimit:  envInt("MULTICAM_ALLOC_RETRY_LIMIT", 5),
		AllocBackoff:     envDuration("MULTICAM_ALLOC_BACKOFF", 200*time.Millisecond),
		PushTimeout:      envDuration("MULTICAM_PUSH_TIMEOUT", time.Second),
		PopTimeout:       envDuration("MULTICAM_POP_TIMEOUT", time.Second),
		FailureLimit:     envInt("MULTICAM_FAILURE_LIMIT", DefaultFailureLimit),
		Debug:            envBool("MULTICAM_DEBUG"),
	}

	cameras, err := ParseCameras(os.Getenv("MULTICAM_CAMERAS"))
	if err != nil {
		return nil, err
	}
	cfg.Cameras = cameras

	driver := envOr("MULTICAM_DRIVER", device.DriverSynthetic)
	width := envInt("MULTICAM_WIDTH", DefaultWidth)
	height := envInt("MULTICAM_HEIGHT", DefaultHeight)
	fps := envFloat("MULTICAM_FPS", DefaultFPS)
	for i := range cfg.Cameras {
		cam := &cfg.Cameras[i]
		if cam.Driver == "" {
			cam.Driver = driver
		}
		if cam.Width == 0 {
			cam.Width = width
		}
		if cam.Height == 0 {
			cam.Height = height
		}
		if cam.FPS == 0 {
			cam.FPS = fps
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RunID == "" {
		c.RunID = uuid.NewString()[:8]
	}
	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(os.TempDir(), "multicam-"+c.RunID+".sock")
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = 4 * len(c.Cameras)
	}
	if c.SegmentBytes == 0 {
		for _, cam := range c.Cameras {
			if n := cam.Width * cam.Height * 3; n > c.SegmentBytes {
				c.SegmentBytes = n
			}
		}
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if len(c.Cameras) == 0 {
		return fmt.Errorf("config: no cameras configured (set MULTICAM_CAMERAS)")
	}
	seen := make(map[string]bool, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.Serial == "" {
			return fmt.Errorf("config: camera %q has no serial", cam.Alias)
		}
		if seen[cam.Serial] {
			return fmt.Errorf("config: duplicate camera serial %q", cam.Serial)
		}
		seen[cam.Serial] = true
		if cam.Width <= 0 || cam.Height <= 0 {
			return fmt.Errorf("config: camera %s: invalid resolution %dx%d", cam.Serial, cam.Width, cam.Height)
		}
		if cam.FPS <= 0 {
			return fmt.Errorf("config: camera %s: invalid fps %v", cam.Serial, cam.FPS)
		}
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("config: queue capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.SegmentBytes <= 0 {
		return fmt.Errorf("config: segment size must be positive, got %d", c.SegmentBytes)
	}
	if c.DeviceTimeout <= 0 {
		return fmt.Errorf("config: device timeout must be positive, got %v", c.DeviceTimeout)
	}
	if c.RetryLimit < 0 {
		return fmt.Errorf("config: retry limit must not be negative, got %d", c.RetryLimit)
	}
	if c.FailureLimit <= 0 {
		return fmt.Errorf("config: failure limit must be positive, got %d", c.FailureLimit)
	}
	if info, err := os.Stat(c.ShmDir); err != nil {
		return fmt.Errorf("config: shm dir: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("config: shm dir %s is not a directory", c.ShmDir)
	}
	return nil
}

// CameraBySerial looks up a configured camera.
func (c *Config) CameraBySerial(serial string) (Camera, bool) {
	for _, cam := range c.Cameras {
		if cam.Serial == serial {
			return cam, true
		}
	}
	return Camera{}, false
}

// Environ returns the MULTICAM_* variables a worker subprocess needs to
// reconstruct this configuration.
func (c *Config) Environ() []string {
	env := []string{
		"MULTICAM_RUN_ID=" + c.RunID,
		"MULTICAM_SHM_DIR=" + c.ShmDir,
		"MULTICAM_SOCKET=" + c.SocketPath,
		"MULTICAM_CAMERAS=" + FormatCameras(c.Cameras),
		"MULTICAM_SEGMENT_BYTES=" + strconv.Itoa(c.SegmentBytes),
		"MULTICAM_QUEUE_CAPACITY=" + strconv.Itoa(c.QueueCapacity),
		"MULTICAM_DEVICE_TIMEOUT=" + c.DeviceTimeout.String(),
		"MULTICAM_RETRY_LIMIT=" + strconv.Itoa(c.RetryLimit),
		"MULTICAM_DEGRADED_INTERVAL=" + c.DegradedInterval.String(),
		"MULTICAM_ALLOC_RETRY_LIMIT=" + strconv.Itoa(c.AllocRetryLimit),
		"MULTICAM_ALLOC_BACKOFF=" + c.AllocBackoff.String(),
		"MULTICAM_PUSH_TIMEOUT=" + c.PushTimeout.String(),
		"MULTICAM_POP_TIMEOUT=" + c.PopTimeout.String(),
		"MULTICAM_FAILURE_LIMIT=" + strconv.Itoa(c.FailureLimit),
	}
	if c.Debug {
		env = append(env, "MULTICAM_DEBUG=1")
	}
	return env
}

// ParseCameras parses the MULTICAM_CAMERAS value. Each entry is either a
// bare serial or alias=serial, with entries separated by commas:
//
//	MULTICAM_CAMERAS="CAM_LEFT=0123,CAM_RIGHT=4567"
//
// A serial may carry a source after a colon (serial:/dev/video2).
func ParseCameras(s string) ([]Camera, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var cams []Camera
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		cam := Camera{}
		if alias, rest, ok := strings.Cut(entry, "="); ok {
			cam.Alias = strings.TrimSpace(alias)
			entry = strings.TrimSpace(rest)
		}
		if serial, source, ok := strings.Cut(entry, ":"); ok {
			cam.Serial = serial
			cam.Source = source
		} else {
			cam.Serial = entry
		}
		if cam.Serial == "" {
			return nil, fmt.Errorf("config: empty camera serial in %q", s)
		}
		if cam.Alias == "" {
			cam.Alias = cam.Serial
		}
		cams = append(cams, cam)
	}
	return cams, nil
}

// FormatCameras is the inverse of ParseCameras.
func FormatCameras(cams []Camera) string {
	parts := make([]string, 0, len(cams))
	for _, cam := range cams {
		entry := cam.Serial
		if cam.Source != "" {
			entry += ":" + cam.Source
		}
		if cam.Alias != "" && cam.Alias != cam.Serial {
			entry = cam.Alias + "=" + entry
		}
		parts = append(parts, entry)
	}
	return strings.Join(parts, ",")
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
