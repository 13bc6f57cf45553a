package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MULTICAM_RUN_ID", "MULTICAM_SHM_DIR", "MULTICAM_SOCKET",
		"MULTICAM_CAMERAS", "MULTICAM_SEGMENT_BYTES", "MULTICAM_QUEUE_CAPACITY",
		"MULTICAM_DEVICE_TIMEOUT", "MULTICAM_RETRY_LIMIT", "MULTICAM_DEGRADED_INTERVAL",
		"MULTICAM_ALLOC_RETRY_LIMIT", "MULTICAM_ALLOC_BACKOFF",
		"MULTICAM_PUSH_TIMEOUT", "MULTICAM_POP_TIMEOUT", "MULTICAM_FAILURE_LIMIT",
		"MULTICAM_DRIVER", "MULTICAM_WIDTH", "MULTICAM_HEIGHT", "MULTICAM_FPS",
		"MULTICAM_DEBUG",
	} {
		t.Setenv(key, "")
	}
}

func TestParseCameras(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []Camera
		wantErr bool
	}{
		{
			name: "bare serials",
			in:   "0123,4567",
			want: []Camera{
				{Alias: "0123", Serial: "0123"},
				{Alias: "4567", Serial: "4567"},
			},
		},
		{
			name: "aliases",
			in:   "CAM_LEFT=0123, CAM_RIGHT=4567",
			want: []Camera{
				{Alias: "CAM_LEFT", Serial: "0123"},
				{Alias: "CAM_RIGHT", Serial: "4567"},
			},
		},
		{
			name: "with source",
			in:   "CAM=0123:/dev/video2",
			want: []Camera{
				{Alias: "CAM", Serial: "0123", Source: "/dev/video2"},
			},
		},
		{name: "empty", in: "", want: nil},
		{name: "empty serial", in: "CAM=", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCameras(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCameras() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseCameras() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("camera %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFormatCamerasRoundTrip(t *testing.T) {
	in := "CAM_LEFT=0123:/dev/video2,4567"
	cams, err := ParseCameras(in)
	if err != nil {
		t.Fatal(err)
	}
	out := FormatCameras(cams)
	back, err := ParseCameras(out)
	if err != nil {
		t.Fatalf("ParseCameras(FormatCameras()) error = %v", err)
	}
	if len(back) != len(cams) {
		t.Fatalf("round trip changed camera count: %v -> %v", cams, back)
	}
	for i := range back {
		if back[i] != cams[i] {
			t.Errorf("round trip camera %d = %+v, want %+v", i, back[i], cams[i])
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("MULTICAM_CAMERAS", "CAM_1=0123,CAM_2=4567")
	t.Setenv("MULTICAM_SHM_DIR", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Cameras) != 2 {
		t.Fatalf("Cameras = %d, want 2", len(cfg.Cameras))
	}
	for _, cam := range cfg.Cameras {
		if cam.Width != DefaultWidth || cam.Height != DefaultHeight || cam.FPS != DefaultFPS {
			t.Errorf("camera %s profile = %dx%d@%v, want defaults", cam.Serial, cam.Width, cam.Height, cam.FPS)
		}
		if cam.Driver != "synthetic" {
			t.Errorf("camera %s driver = %q, want synthetic", cam.Serial, cam.Driver)
		}
	}
	if cfg.QueueCapacity != 8 {
		t.Errorf("QueueCapacity = %d, want 4 per camera", cfg.QueueCapacity)
	}
	if want := DefaultWidth * DefaultHeight * 3; cfg.SegmentBytes != want {
		t.Errorf("SegmentBytes = %d, want %d", cfg.SegmentBytes, want)
	}
	if cfg.DeviceTimeout != DefaultDeviceTimeout {
		t.Errorf("DeviceTimeout = %v, want %v", cfg.DeviceTimeout, DefaultDeviceTimeout)
	}
	if cfg.RunID == "" || cfg.SocketPath == "" {
		t.Error("RunID and SocketPath must be generated when unset")
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MULTICAM_CAMERAS", "0123")
	t.Setenv("MULTICAM_SHM_DIR", t.TempDir())
	t.Setenv("MULTICAM_RUN_ID", "testrun")
	t.Setenv("MULTICAM_QUEUE_CAPACITY", "16")
	t.Setenv("MULTICAM_DEVICE_TIMEOUT", "2s")
	t.Setenv("MULTICAM_WIDTH", "640")
	t.Setenv("MULTICAM_HEIGHT", "480")
	t.Setenv("MULTICAM_FPS", "15")
	t.Setenv("MULTICAM_DEBUG", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RunID != "testrun" || cfg.QueueCapacity != 16 || cfg.DeviceTimeout != 2*time.Second {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	cam := cfg.Cameras[0]
	if cam.Width != 640 || cam.Height != 480 || cam.FPS != 15 {
		t.Errorf("camera profile = %dx%d@%v, want 640x480@15", cam.Width, cam.Height, cam.FPS)
	}
	if !cfg.Debug {
		t.Error("Debug not applied")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	clearEnv(t)
	t.Setenv("MULTICAM_SHM_DIR", t.TempDir())

	// No cameras at all.
	if _, err := Load(); err == nil {
		t.Error("Load() without cameras succeeded")
	}

	// Duplicate serials.
	t.Setenv("MULTICAM_CAMERAS", "A=0123,B=0123")
	if _, err := Load(); err == nil {
		t.Error("Load() with duplicate serials succeeded")
	}

	// Broken shm dir.
	t.Setenv("MULTICAM_CAMERAS", "0123")
	t.Setenv("MULTICAM_SHM_DIR", "/does/not/exist")
	if _, err := Load(); err == nil {
		t.Error("Load() with missing shm dir succeeded")
	}
}

func TestEnvironRoundTrip(t *testing.T) {
	clearEnv(t)
	t.Setenv("MULTICAM_CAMERAS", "CAM_LEFT=0123,CAM_RIGHT=4567")
	shm := t.TempDir()
	t.Setenv("MULTICAM_SHM_DIR", shm)
	t.Setenv("MULTICAM_RUN_ID", "abc123")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	// A worker subprocess reconstructs the supervisor's resolved config
	// from the environment alone.
	for _, kv := range cfg.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			t.Fatalf("malformed env entry %q", kv)
		}
		t.Setenv(key, value)
	}
	workerCfg, err := Load()
	if err != nil {
		t.Fatalf("worker Load() error = %v", err)
	}

	if workerCfg.RunID != cfg.RunID {
		t.Errorf("worker RunID = %q, want %q", workerCfg.RunID, cfg.RunID)
	}
	if workerCfg.SocketPath != cfg.SocketPath {
		t.Errorf("worker SocketPath = %q, want %q", workerCfg.SocketPath, cfg.SocketPath)
	}
	if workerCfg.SegmentBytes != cfg.SegmentBytes || workerCfg.QueueCapacity != cfg.QueueCapacity {
		t.Errorf("worker sizing = (%d, %d), want (%d, %d)",
			workerCfg.SegmentBytes, workerCfg.QueueCapacity, cfg.SegmentBytes, cfg.QueueCapacity)
	}
	if len(workerCfg.Cameras) != 2 || workerCfg.Cameras[0].Alias != "CAM_LEFT" {
		t.Errorf("worker cameras = %+v, want supervisor's", workerCfg.Cameras)
	}
}
