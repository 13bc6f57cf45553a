package segment

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	suffixSeg  = ".seg"
	suffixFree = ".free"

	// uuidLen is the length of a canonical UUID string; segment names end
	// with one, which lets CameraOf parse serials that contain dashes.
	uuidLen = 36
)

// Registry owns the naming scheme of one pipeline run: the backing directory
// and the run prefix every segment file name starts with. It is constructed
// once per process and passed explicitly into the allocator, the consumer
// release path and the reclaim guard, so there is no process-wide mutable
// naming state.
type Registry struct {
	dir    string
	prefix string
}

// Entry describes one segment file found in the registry directory.
type Entry struct {
	Name   string
	Camera string
	Free   bool
	Size   int64
}

// NewRegistry creates a registry over dir for the run identified by runID.
func NewRegistry(dir, runID string) *Registry {
	return &Registry{
		dir:    dir,
		prefix: "multicam-" + runID,
	}
}

// Dir returns the backing directory (typically /dev/shm).
func (r *Registry) Dir() string { return r.dir }

// Prefix returns the run prefix shared by every segment of this pipeline.
func (r *Registry) Prefix() string { return r.prefix }

// NewName mints a unique segment name for camera.
func (r *Registry) NewName(camera string) string {
	return fmt.Sprintf("%s-%s-%s", r.prefix, camera, uuid.NewString())
}

// CameraOf extracts the camera serial from a segment name. Returns "" if the
// name does not belong to this registry.
func (r *Registry) CameraOf(name string) string {
	body, ok := strings.CutPrefix(name, r.prefix+"-")
	if !ok || len(body) <= uuidLen+1 {
		return ""
	}
	return body[:len(body)-uuidLen-1]
}

// SegPath returns the path of the checked-out form of name.
func (r *Registry) SegPath(name string) string {
	return filepath.Join(r.dir, name+suffixSeg)
}

// FreePath returns the path of the recyclable form of name.
func (r *Registry) FreePath(name string) string {
	return filepath.Join(r.dir, name+suffixFree)
}

// Claim atomically transitions name from released to checked-out. When two
// processes race for the same recyclable segment the rename decides the
// winner; the loser gets fs.ErrNotExist and should move on to another name.
func (r *Registry) Claim(name string) error {
	return os.Rename(r.FreePath(name), r.SegPath(name))
}

// Release atomically transitions name from checked-out back to released,
// making it claimable by its camera's worker. Releasing a name that is gone
// or already released is a no-op: release is idempotent by contract so it
// tolerates races with the reclaim guard.
func (r *Registry) Release(name string) error {
	err := os.Rename(r.SegPath(name), r.FreePath(name))
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Unlink removes the backing file of name in whichever state it is in.
// Exactly one caller observes removed=true for a given (name, generation)
// lifetime; every other racing caller gets removed=false and must not treat
// that as an error.
func (r *Registry) Unlink(name string) (removed bool, err error) {
	if err := os.Remove(r.SegPath(name)); err == nil {
		return true, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("segment: unlink %s: %w", name, err)
	}
	if err := os.Remove(r.FreePath(name)); err == nil {
		return true, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("segment: unlink %s: %w", name, err)
	}
	return false, nil
}

// List scans the registry directory for segments of this run.
func (r *Registry) List() ([]Entry, error) {
	dirents, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("segment: list %s: %w", r.dir, err)
	}
	var entries []Entry
	for _, de := range dirents {
		name, free, ok := r.parseFileName(de.Name())
		if !ok {
			continue
		}
		var size int64
		if info, err := de.Info(); err == nil {
			size = info.Size()
		}
		entries = append(entries, Entry{
			Name:   name,
			Camera: r.CameraOf(name),
			Free:   free,
			Size:   size,
		})
	}
	return entries, nil
}

// FreeNames returns the names of recyclable segments belonging to camera.
func (r *Registry) FreeNames(camera string) ([]string, error) {
	entries, err := r.List()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Free && e.Camera == camera {
			names = append(names, e.Name)
		}
	}
	return names, nil
}

// parseFileName splits a directory entry into segment name and state, or
// reports ok=false for files outside this run's namespace.
func (r *Registry) parseFileName(fileName string) (name string, free bool, ok bool) {
	if !strings.HasPrefix(fileName, r.prefix+"-") {
		return "", false, false
	}
	if n, found := strings.CutSuffix(fileName, suffixSeg); found {
		return n, false, true
	}
	if n, found := strings.CutSuffix(fileName, suffixFree); found {
		return n, true, true
	}
	return "", false, false
}
