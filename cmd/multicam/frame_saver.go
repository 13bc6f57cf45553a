package main

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/visiona/multicam/internal/frame"
)

// FrameSaver writes consumed frames to disk (optional feature).
//
// Converts RGB raw data to PNG or JPEG format. The consumer is single
// threaded, but the counters stay atomic so the stats reporter can read
// them concurrently.
type FrameSaver struct {
	outputDir     string
	format        string
	jpegQuality   int
	framesSaved   atomic.Uint64
	framesDropped atomic.Uint64
}

// NewFrameSaver creates a frame saver with given output directory and format.
//
// Format: "png" or "jpeg"
// JPEGQuality: 1-100 (only used for JPEG)
func NewFrameSaver(outputDir, format string, jpegQuality int) (*FrameSaver, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if format != "png" && format != "jpeg" {
		return nil, fmt.Errorf("unsupported format: %s (must be png or jpeg)", format)
	}
	return &FrameSaver{
		outputDir:   outputDir,
		format:      format,
		jpegQuality: jpegQuality,
	}, nil
}

// Process is the consumer callback. The payload aliases shared memory, so
// encoding must finish before returning; no background saving here.
//
// Filename format: {camera}_{seq:06d}_{timestamp}.{ext}
// Example: CAM_LEFT_000042_20251105_234517.123.jpeg
func (fs *FrameSaver) Process(payload []byte, h frame.Handle) error {
	img, err := rgbToRGBA(payload, h.Width, h.Height)
	if err != nil {
		fs.framesDropped.Add(1)
		return fmt.Errorf("RGB conversion failed: %w", err)
	}

	filename := fmt.Sprintf("%s_%06d_%s.%s",
		h.Camera,
		h.Seq,
		h.Timestamp.Format("20060102_150405.000"),
		fs.format)
	path := filepath.Join(fs.outputDir, filename)

	file, err := os.Create(path)
	if err != nil {
		fs.framesDropped.Add(1)
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	switch fs.format {
	case "png":
		if err := png.Encode(file, img); err != nil {
			fs.framesDropped.Add(1)
			return fmt.Errorf("PNG encode failed: %w", err)
		}
	case "jpeg":
		if err := jpeg.Encode(file, img, &jpeg.Options{Quality: fs.jpegQuality}); err != nil {
			fs.framesDropped.Add(1)
			return fmt.Errorf("JPEG encode failed: %w", err)
		}
	}

	fs.framesSaved.Add(1)
	return nil
}

// rgbToRGBA converts RGB raw bytes (3 bytes/pixel) to image.RGBA (4 bytes/pixel).
func rgbToRGBA(data []byte, width, height int) (*image.RGBA, error) {
	expectedSize := width * height * 3
	if len(data) != expectedSize {
		return nil, fmt.Errorf("invalid RGB data size: got %d, expected %d",
			len(data), expectedSize)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < width*height; i++ {
		img.Pix[i*4+0] = data[i*3+0] // R
		img.Pix[i*4+1] = data[i*3+1] // G
		img.Pix[i*4+2] = data[i*3+2] // B
		img.Pix[i*4+3] = 255         // A (opaque)
	}
	return img, nil
}

// Stats returns current save statistics.
func (fs *FrameSaver) Stats() (saved, dropped uint64) {
	return fs.framesSaved.Load(), fs.framesDropped.Load()
}
