// Package reclaim is the pipeline's leak backstop.
//
// In the steady state every segment file is removed by exactly one party:
// the worker that owns it, or the consumer via release and reuse. The guard
// covers the remaining cases. It watches the shared memory directory to keep
// an inventory of live segment files, sweeps a camera's orphans when its
// worker exits without cleaning up, and removes everything left at shutdown.
package reclaim

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/visiona/multicam/internal/segment"
)

// LiveFunc reports whether a segment is still referenced: buffered in the
// queue or held by the consumer. The guard never removes live segments.
type LiveFunc func(name string) bool

// Guard watches segment files and reclaims orphans.
type Guard struct {
	reg     *segment.Registry
	live    LiveFunc
	watcher *fsnotify.Watcher
	log     *slog.Logger

	mu      sync.Mutex
	files   map[string]bool
	swept   uint64
	stopped chan struct{}
}

// New creates a guard watching the registry's directory. Call Close to stop
// the watcher.
func New(reg *segment.Registry, live LiveFunc, logger *slog.Logger) (*Guard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("reclaim: create watcher: %w", err)
	}
	if err := watcher.Add(reg.Dir()); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("reclaim: watch %s: %w", reg.Dir(), err)
	}

	g := &Guard{
		reg:     reg,
		live:    live,
		watcher: watcher,
		log:     logger,
		files:   make(map[string]bool),
		stopped: make(chan struct{}),
	}
	if err := g.resync(); err != nil {
		watcher.Close()
		return nil, err
	}
	go g.watch()
	return g, nil
}

// watch keeps the file inventory current from directory events.
func (g *Guard) watch() {
	defer close(g.stopped)
	for {
		select {
		case event, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			name, isSegment := g.segmentName(event.Name)
			if !isSegment {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Create):
				g.mu.Lock()
				g.files[name] = true
				g.mu.Unlock()
			case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
				// A rename between .seg and .free keeps the segment
				// alive; the paired Create event re-adds it.
				g.mu.Lock()
				delete(g.files, name)
				g.mu.Unlock()
			}
		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			g.log.Warn("reclaim: watcher error", "error", err)
		}
	}
}

// segmentName maps an event path to a registry segment name. Files outside
// this run's prefix are ignored.
func (g *Guard) segmentName(path string) (string, bool) {
	base := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		base = path[i+1:]
	}
	if !strings.HasPrefix(base, g.reg.Prefix()) {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimSuffix(base, ".seg"), ".free")
	return name, true
}

// resync replaces the inventory with a directory scan.
func (g *Guard) resync() error {
	entries, err := g.reg.List()
	if err != nil {
		return fmt.Errorf("reclaim: scan %s: %w", g.reg.Dir(), err)
	}
	g.mu.Lock()
	g.files = make(map[string]bool, len(entries))
	for _, e := range entries {
		g.files[e.Name] = true
	}
	g.mu.Unlock()
	return nil
}

// OnWorkerExit removes the exited camera's segment files that nothing still
// references. Queued and in-flight frames survive and are released by the
// consumer as usual; their files outlive the worker because unlinked-on-exit
// would yank mapped memory out from under the reader.
func (g *Guard) OnWorkerExit(camera string) int {
	entries, err := g.reg.List()
	if err != nil {
		g.log.Warn("reclaim: worker exit scan", "camera", camera, "error", err)
		return 0
	}
	var removed int
	for _, e := range entries {
		if e.Camera != camera {
			continue
		}
		if !e.Free && g.live(e.Name) {
			continue
		}
		if ok, err := g.reg.Unlink(e.Name); err != nil {
			g.log.Warn("reclaim: unlink orphan", "segment", e.Name, "error", err)
		} else if ok {
			removed++
		}
	}
	if removed > 0 {
		g.addSwept(removed)
		g.log.Info("reclaim: swept worker orphans", "camera", camera, "removed", removed)
	}
	return removed
}

// SweepAll removes every remaining segment file of this run. Call it last,
// after workers exited and the consumer drained.
func (g *Guard) SweepAll() int {
	entries, err := g.reg.List()
	if err != nil {
		g.log.Warn("reclaim: final scan", "error", err)
		return 0
	}
	var removed int
	for _, e := range entries {
		if g.live(e.Name) {
			g.log.Warn("reclaim: segment still live at final sweep", "segment", e.Name)
			continue
		}
		if ok, err := g.reg.Unlink(e.Name); err != nil {
			g.log.Warn("reclaim: unlink", "segment", e.Name, "error", err)
		} else if ok {
			removed++
		}
	}
	if removed > 0 {
		g.addSwept(removed)
		g.log.Info("reclaim: final sweep", "removed", removed)
	}
	return removed
}

// Tracked returns the number of segment files currently in the inventory.
func (g *Guard) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.files)
}

// Swept returns the total number of files removed by the guard.
func (g *Guard) Swept() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.swept
}

func (g *Guard) addSwept(n int) {
	g.mu.Lock()
	g.swept += uint64(n)
	g.mu.Unlock()
}

// Close stops the directory watcher.
func (g *Guard) Close() error {
	err := g.watcher.Close()
	<-g.stopped
	return err
}
