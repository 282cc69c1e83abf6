//go:build linux

package watch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	inotifyMask = unix.IN_CREATE | unix.IN_CLOSE_WRITE | unix.IN_ONLYDIR
	// Room for a burst of events with maximal names; bounded regardless of tree size.
	inotifyBufSize = 16 * (unix.SizeofInotifyEvent + unix.NAME_MAX + 1)
)

// Inotify is a Facility backed by Linux inotify. Handles are watch descriptors.
type Inotify struct {
	fd   int
	file *os.File

	events chan Event
	errors chan error
	done   chan struct{}
	once   sync.Once
}

var _ Facility = (*Inotify)(nil)

// NewInotify creates an inotify instance and starts its reader.
func NewInotify() (*Inotify, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}
	in := &Inotify{
		fd:     fd,
		file:   os.NewFile(uintptr(fd), "inotify"),
		events: make(chan Event, 64),
		errors: make(chan error, 4),
		done:   make(chan struct{}),
	}
	go in.readLoop()
	return in, nil
}

// Add implements Facility.
func (in *Inotify) Add(dir string) (Handle, error) {
	wd, err := unix.InotifyAddWatch(in.fd, dir, inotifyMask)
	if err != nil {
		return NoHandle, fmt.Errorf("inotify_add_watch %s: %w", dir, err)
	}
	return Handle(wd), nil
}

// Remove implements Facility.
func (in *Inotify) Remove(h Handle) error {
	if h == NoHandle {
		return nil
	}
	if _, err := unix.InotifyRmWatch(in.fd, uint32(h)); err != nil {
		// EINVAL: the kernel already dropped the watch with its directory.
		if errors.Is(err, unix.EINVAL) {
			return nil
		}
		return fmt.Errorf("inotify_rm_watch %d: %w", h, err)
	}
	return nil
}

// Events implements Facility.
func (in *Inotify) Events() <-chan Event { return in.events }

// Errors implements Facility.
func (in *Inotify) Errors() <-chan error { return in.errors }

// Close implements Facility.
func (in *Inotify) Close() error {
	var err error
	in.once.Do(func() {
		close(in.done)
		err = in.file.Close()
	})
	return err
}

func (in *Inotify) readLoop() {
	buf := make([]byte, inotifyBufSize)
	for {
		n, err := in.file.Read(buf)
		if err != nil {
			if !errors.Is(err, os.ErrClosed) {
				select {
				case in.errors <- fmt.Errorf("%w: inotify read: %v", ErrStopped, err):
				case <-in.done:
				}
			}
			return
		}
		in.parse(buf[:n])
	}
}

func (in *Inotify) parse(buf []byte) {
	for off := 0; off+unix.SizeofInotifyEvent <= len(buf); {
		wd := int32(binary.NativeEndian.Uint32(buf[off : off+4]))
		mask := binary.NativeEndian.Uint32(buf[off+4 : off+8])
		nameLen := int(binary.NativeEndian.Uint32(buf[off+12 : off+16]))
		start := off + unix.SizeofInotifyEvent
		end := start + nameLen
		if end > len(buf) {
			return
		}
		name := string(bytes.TrimRight(buf[start:end], "\x00"))
		off = end

		if mask&unix.IN_Q_OVERFLOW != 0 {
			in.sendError(ErrOverflow)
			continue
		}
		if name == "" {
			continue
		}

		var op Op
		switch {
		case mask&unix.IN_CREATE != 0 && mask&unix.IN_ISDIR != 0:
			op = OpDirCreated
		case mask&unix.IN_CLOSE_WRITE != 0 && mask&unix.IN_ISDIR == 0:
			op = OpFileClosed
		default:
			continue
		}

		select {
		case in.events <- Event{Handle: Handle(wd), Name: name, Op: op}:
		case <-in.done:
			return
		}
	}
}

func (in *Inotify) sendError(err error) {
	select {
	case in.errors <- err:
	case <-in.done:
	default:
	}
}
