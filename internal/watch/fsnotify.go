package watch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FSNotify is a portable Facility built on fsnotify. fsnotify has no
// close-after-write notification, so a file is reported once it has seen
// no create or write events for the settle period.
type FSNotify struct {
	w      *fsnotify.Watcher
	settle time.Duration

	mu       sync.Mutex
	next     Handle
	byPath   map[string]Handle
	byHandle map[Handle]string
	pending  map[string]*time.Timer

	events chan Event
	errors chan error
	done   chan struct{}
	once   sync.Once
}

var _ Facility = (*FSNotify)(nil)

// NewFSNotify creates a watcher. A non-positive settle uses DefaultSettle.
func NewFSNotify(settle time.Duration) (*FSNotify, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	f := &FSNotify{
		w:        w,
		settle:   settle,
		next:     1,
		byPath:   make(map[string]Handle),
		byHandle: make(map[Handle]string),
		pending:  make(map[string]*time.Timer),
		events:   make(chan Event, 64),
		errors:   make(chan error, 4),
		done:     make(chan struct{}),
	}
	go f.loop()
	return f, nil
}

// Add implements Facility.
func (f *FSNotify) Add(dir string) (Handle, error) {
	dir = filepath.Clean(dir)
	info, err := os.Stat(dir)
	if err != nil {
		return NoHandle, fmt.Errorf("watch %s: %w", dir, err)
	}
	if !info.IsDir() {
		return NoHandle, fmt.Errorf("watch %s: not a directory", dir)
	}
	if err := f.w.Add(dir); err != nil {
		return NoHandle, fmt.Errorf("watch %s: %w", dir, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.byPath[dir]; ok {
		return h, nil
	}
	h := f.next
	f.next++
	f.byPath[dir] = h
	f.byHandle[h] = dir
	return h, nil
}

// Remove implements Facility.
func (f *FSNotify) Remove(h Handle) error {
	f.mu.Lock()
	dir, ok := f.byHandle[h]
	if ok {
		delete(f.byHandle, h)
		delete(f.byPath, dir)
		for name, t := range f.pending {
			if filepath.Dir(name) == dir {
				t.Stop()
				delete(f.pending, name)
			}
		}
	}
	f.mu.Unlock()
	if !ok {
		return nil
	}
	// The directory may already be gone, which drops the watch on its own.
	if err := f.w.Remove(dir); err != nil {
		if _, statErr := os.Stat(dir); os.IsNotExist(statErr) {
			return nil
		}
		return fmt.Errorf("unwatch %s: %w", dir, err)
	}
	return nil
}

// Events implements Facility.
func (f *FSNotify) Events() <-chan Event { return f.events }

// Errors implements Facility.
func (f *FSNotify) Errors() <-chan error { return f.errors }

// Close implements Facility.
func (f *FSNotify) Close() error {
	var err error
	f.once.Do(func() {
		close(f.done)
		f.mu.Lock()
		for name, t := range f.pending {
			t.Stop()
			delete(f.pending, name)
		}
		f.mu.Unlock()
		err = f.w.Close()
	})
	return err
}

func (f *FSNotify) loop() {
	for {
		select {
		case ev, ok := <-f.w.Events:
			if !ok {
				f.stopped()
				return
			}
			f.handle(ev)
		case err, ok := <-f.w.Errors:
			if !ok {
				f.stopped()
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				err = ErrOverflow
			}
			select {
			case f.errors <- err:
			default:
			}
		case <-f.done:
			return
		}
	}
}

// stopped reports a watcher that closed underneath us. It is silent after Close.
func (f *FSNotify) stopped() {
	select {
	case f.errors <- ErrStopped:
	case <-f.done:
	}
}

func (f *FSNotify) handle(ev fsnotify.Event) {
	dir := filepath.Dir(ev.Name)
	f.mu.Lock()
	h, watched := f.byPath[dir]
	f.mu.Unlock()
	if !watched {
		return
	}
	name := filepath.Base(ev.Name)

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Lstat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			f.emit(Event{Handle: h, Name: name, Op: OpDirCreated})
			return
		}
		if info.Mode().IsRegular() {
			f.arm(ev.Name)
		}
	case ev.Has(fsnotify.Write):
		f.arm(ev.Name)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		f.disarm(ev.Name)
	}
}

// arm restarts the settle timer for path.
func (f *FSNotify) arm(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.pending[path]; ok {
		t.Reset(f.settle)
		return
	}
	f.pending[path] = time.AfterFunc(f.settle, func() { f.settled(path) })
}

func (f *FSNotify) disarm(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.pending[path]; ok {
		t.Stop()
		delete(f.pending, path)
	}
}

func (f *FSNotify) settled(path string) {
	f.mu.Lock()
	delete(f.pending, path)
	h, watched := f.byPath[filepath.Dir(path)]
	f.mu.Unlock()
	if !watched {
		return
	}
	f.emit(Event{Handle: h, Name: filepath.Base(path), Op: OpFileClosed})
}

func (f *FSNotify) emit(e Event) {
	select {
	case f.events <- e:
	case <-f.done:
	}
}
