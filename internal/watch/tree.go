package watch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// ErrDepthOutOfRange indicates a depth outside [0, MaxDepth].
var ErrDepthOutOfRange = errors.New("depth out of range")

// Slot is the active directory at one depth.
type Slot struct {
	Depth  int
	Path   string
	Handle Handle
}

// Active reports whether the slot holds a watched directory.
func (s Slot) Active() bool { return s.Handle != NoHandle }

// Tree holds at most one active directory per nesting depth. Depth 0 is the
// root. Installing a directory at depth d retires everything at depth >= d.
type Tree struct {
	fac    Facility
	logger *slog.Logger

	mu    sync.Mutex
	slots []Slot
}

// NewTree returns an empty tree covering depths 0 through maxDepth.
func NewTree(fac Facility, maxDepth int, logger *slog.Logger) (*Tree, error) {
	if maxDepth < 0 {
		return nil, fmt.Errorf("max depth %d: %w", maxDepth, ErrDepthOutOfRange)
	}
	if logger == nil {
		logger = slog.Default()
	}
	slots := make([]Slot, maxDepth+1)
	for i := range slots {
		slots[i] = Slot{Depth: i, Handle: NoHandle}
	}
	return &Tree{fac: fac, logger: logger, slots: slots}, nil
}

// MaxDepth returns the deepest watchable depth.
func (t *Tree) MaxDepth() int { return len(t.slots) - 1 }

// Slot returns the slot at depth.
func (t *Tree) Slot(depth int) (Slot, error) {
	if err := t.check(depth); err != nil {
		return Slot{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[depth], nil
}

// DepthOf returns the depth whose subscription is h.
func (t *Tree) DepthOf(h Handle) (int, bool) {
	if h == NoHandle {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.slots {
		if s.Handle == h {
			return s.Depth, true
		}
	}
	return 0, false
}

// Rotate makes dir the active directory at depth. Slots at depth and deeper
// are retired first. Rotating to the directory already active at depth is a
// no-op and returns false.
func (t *Tree) Rotate(depth int, dir string) (bool, error) {
	if err := t.check(depth); err != nil {
		return false, err
	}
	dir = filepath.Clean(dir)

	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.slots[depth]; s.Active() && s.Path == dir {
		return false, nil
	}
	t.retireLocked(depth, true)

	h, err := t.fac.Add(dir)
	if err != nil {
		return false, fmt.Errorf("watch depth %d: %w", depth, err)
	}
	t.slots[depth] = Slot{Depth: depth, Path: dir, Handle: h}
	t.logger.Debug("watch installed", "depth", depth, "dir", dir, "handle", int(h))
	return true, nil
}

// Retire releases depth and everything below it, removing the retired
// directories when they are empty.
func (t *Tree) Retire(depth int) error {
	if err := t.check(depth); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retireLocked(depth, true)
	return nil
}

// Close releases every subscription. Directories are left in place.
func (t *Tree) Close() error {
	t.mu.Lock()
	t.retireLocked(0, false)
	t.mu.Unlock()
	return t.fac.Close()
}

// retireLocked walks from the deepest slot up so that a parent emptied by
// its child's removal can be removed too.
func (t *Tree) retireLocked(depth int, removeDirs bool) {
	for d := len(t.slots) - 1; d >= depth; d-- {
		s := t.slots[d]
		if !s.Active() {
			continue
		}
		if err := t.fac.Remove(s.Handle); err != nil {
			t.logger.Warn("unwatch failed", "depth", d, "dir", s.Path, "error", err)
		}
		// The root is never removed.
		if removeDirs && d > 0 {
			if err := os.Remove(s.Path); err == nil {
				t.logger.Debug("removed retired directory", "depth", d, "dir", s.Path)
			}
		}
		t.slots[d] = Slot{Depth: d, Handle: NoHandle}
	}
}

func (t *Tree) check(depth int) error {
	if depth < 0 || depth >= len(t.slots) {
		return fmt.Errorf("depth %d (max %d): %w", depth, len(t.slots)-1, ErrDepthOutOfRange)
	}
	return nil
}
