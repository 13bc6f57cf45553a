package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/visiona/multicam/internal/config"
	"github.com/visiona/multicam/internal/pipeline"
)

// printLiveStats prints the periodic pipeline snapshot.
func printLiveStats(cfg *config.Config, snap pipeline.Snapshot, saver *FrameSaver) {
	fmt.Println()
	fmt.Println("╭─────────────────────────────────────────────────────────────────╮")
	fmt.Printf("│ Pipeline Statistics (Uptime: %v)\n", snap.Uptime.Round(time.Second))
	fmt.Println("├─────────────────────────────────────────────────────────────────┤")

	fmt.Println("│ Frame Queue:")
	fmt.Printf("│   Accepted:           %6d frames\n", snap.Queue.Pushed)
	fmt.Printf("│   Consumed:           %6d frames\n", snap.Queue.Popped)
	fmt.Printf("│   Rejected (full):    %6d frames (%.1f%%)\n",
		snap.Queue.Rejected,
		dropRate(snap.Queue.Pushed+snap.Queue.Rejected, snap.Queue.Rejected))
	fmt.Printf("│   Depth:              %6d\n", snap.Queue.Depth)

	fmt.Println("│")
	fmt.Println("│ Shared Memory:")
	fmt.Printf("│   Segment Files:      %6d\n", snap.Tracked)
	fmt.Printf("│   Reclaimed:          %6d\n", snap.Swept)

	if saver != nil {
		saved, dropped := saver.Stats()
		total := saved + dropped
		saveRate := 100.0
		if total > 0 {
			saveRate = float64(saved) / float64(total) * 100.0
		}
		fmt.Println("│")
		fmt.Println("│ Frame Saving:")
		fmt.Printf("│   Frames Saved:       %6d frames\n", saved)
		fmt.Printf("│   Save Drops:         %6d frames (%.1f%% success)\n", dropped, saveRate)
	}

	fmt.Println("│")
	fmt.Println("│ Cameras:")
	for _, serial := range sortedCameras(snap) {
		cs := snap.Cameras[serial]
		alias := serial
		if cam, ok := cfg.CameraBySerial(serial); ok {
			alias = cam.Alias
		}
		fmt.Printf("│   %-12s: %5d frames, %4.1f fps, %3d gaps, %3d errors\n",
			alias, cs.Frames, cs.FPS, cs.Gaps, cs.Errors)
	}
	if len(snap.Cameras) == 0 {
		fmt.Println("│   (no frames consumed yet)")
	}

	fmt.Println("╰─────────────────────────────────────────────────────────────────╯")
	fmt.Println()
}

func sortedCameras(snap pipeline.Snapshot) []string {
	serials := make([]string, 0, len(snap.Cameras))
	for serial := range snap.Cameras {
		serials = append(serials, serial)
	}
	sort.Strings(serials)
	return serials
}

// dropRate calculates drop percentage.
func dropRate(total, drops uint64) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(drops) / float64(total) * 100.0
}
