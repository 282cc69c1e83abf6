// Package watch tracks the active directory at each nesting depth and the
// watch subscriptions that report new directories and completed files.
package watch

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// Handle identifies one watch subscription.
type Handle int

// NoHandle marks an unwatched depth.
const NoHandle Handle = -1

// Op is the kind of a watch event.
type Op int

const (
	// OpDirCreated reports a new subdirectory of a watched directory.
	OpDirCreated Op = iota + 1
	// OpFileClosed reports a regular file closed after writing.
	OpFileClosed
)

func (o Op) String() string {
	switch o {
	case OpDirCreated:
		return "dir_created"
	case OpFileClosed:
		return "file_closed"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Event is raised by a Facility. Name is relative to the watched directory.
type Event struct {
	Handle Handle
	Name   string
	Op     Op
}

// Facility is a directory watch subscription service.
type Facility interface {
	// Add subscribes to dir and returns its handle.
	Add(dir string) (Handle, error)
	// Remove cancels a subscription. Removing a handle whose directory is
	// already gone is not an error.
	Remove(h Handle) error
	// Events delivers raised events.
	Events() <-chan Event
	// Errors delivers asynchronous facility errors, such as queue overflow.
	Errors() <-chan error
	// Close releases the facility.
	Close() error
}

const (
	// BackendInotify uses Linux inotify and reports real close-after-write events.
	BackendInotify = "inotify"
	// BackendFSNotify uses fsnotify; close-after-write is inferred from a quiet period.
	BackendFSNotify = "fsnotify"

	// DefaultSettle is the quiet period after which the fsnotify backend
	// considers a file complete.
	DefaultSettle = 2 * time.Second
)

var (
	// ErrUnsupported indicates the backend is not available on this platform.
	ErrUnsupported = errors.New("watch backend not supported on this platform")
	// ErrOverflow indicates the kernel dropped events.
	ErrOverflow = errors.New("watch event queue overflow")
	// ErrStopped indicates the backend can no longer deliver events.
	ErrStopped = errors.New("watch facility stopped")
)

// DefaultBackend returns the preferred backend for this platform.
func DefaultBackend() string {
	if runtime.GOOS == "linux" {
		return BackendInotify
	}
	return BackendFSNotify
}

// New opens the named backend.
func New(backend string, settle time.Duration) (Facility, error) {
	switch backend {
	case BackendInotify:
		in, err := NewInotify()
		if err != nil {
			return nil, err
		}
		return in, nil
	case BackendFSNotify:
		f, err := NewFSNotify(settle)
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown watch backend %q", backend)
	}
}
