package frame

import (
	"testing"
	"time"
)

func validHandle() Handle {
	return Handle{
		Segment:    "multicam-run1-0123-abc",
		Generation: 3,
		Camera:     "0123",
		Seq:        42,
		Width:      424,
		Height:     240,
		Channels:   3,
		Bytes:      424 * 240 * 3,
		Timestamp:  time.Now(),
	}
}

func TestHandleValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Handle)
		wantErr bool
	}{
		{"valid", func(h *Handle) {}, false},
		{"no segment", func(h *Handle) { h.Segment = "" }, true},
		{"zero generation", func(h *Handle) { h.Generation = 0 }, true},
		{"no camera", func(h *Handle) { h.Camera = "" }, true},
		{"zero width", func(h *Handle) { h.Width = 0 }, true},
		{"negative height", func(h *Handle) { h.Height = -1 }, true},
		{"zero channels", func(h *Handle) { h.Channels = 0 }, true},
		{"empty payload", func(h *Handle) { h.Bytes = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := validHandle()
			tt.mutate(&h)
			err := h.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHandleString(t *testing.T) {
	h := validHandle()
	got := h.String()
	want := "0123/multicam-run1-0123-abc#42 gen=3"
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
