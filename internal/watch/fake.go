package watch

import (
	"path/filepath"
	"sort"
	"sync"
)

// Fake is an in-memory Facility. Events are injected with Emit.
type Fake struct {
	mu      sync.Mutex
	next    Handle
	active  map[Handle]string
	removed []string
	failAdd map[string]error
	closed  bool

	events chan Event
	errors chan error
}

var _ Facility = (*Fake)(nil)

// NewFake returns an empty fake facility.
func NewFake() *Fake {
	return &Fake{
		next:    1,
		active:  make(map[Handle]string),
		failAdd: make(map[string]error),
		events:  make(chan Event, 64),
		errors:  make(chan error, 4),
	}
}

// FailAdd makes the next Add of dir return err.
func (f *Fake) FailAdd(dir string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAdd[filepath.Clean(dir)] = err
}

// Add implements Facility.
func (f *Fake) Add(dir string) (Handle, error) {
	dir = filepath.Clean(dir)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failAdd[dir]; ok {
		delete(f.failAdd, dir)
		return NoHandle, err
	}
	h := f.next
	f.next++
	f.active[h] = dir
	return h, nil
}

// Remove implements Facility.
func (f *Fake) Remove(h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dir, ok := f.active[h]; ok {
		f.removed = append(f.removed, dir)
		delete(f.active, h)
	}
	return nil
}

// Events implements Facility.
func (f *Fake) Events() <-chan Event { return f.events }

// Errors implements Facility.
func (f *Fake) Errors() <-chan error { return f.errors }

// Close implements Facility.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Emit queues an event as if raised by the watch on dir. It reports false
// when dir is not watched.
func (f *Fake) Emit(dir, name string, op Op) bool {
	h, ok := f.HandleOf(dir)
	if !ok {
		return false
	}
	f.events <- Event{Handle: h, Name: name, Op: op}
	return true
}

// EmitHandle queues an event for an arbitrary handle.
func (f *Fake) EmitHandle(h Handle, name string, op Op) {
	f.events <- Event{Handle: h, Name: name, Op: op}
}

// EmitError queues a facility error.
func (f *Fake) EmitError(err error) {
	f.errors <- err
}

// HandleOf returns the handle watching dir.
func (f *Fake) HandleOf(dir string) (Handle, bool) {
	dir = filepath.Clean(dir)
	f.mu.Lock()
	defer f.mu.Unlock()
	for h, p := range f.active {
		if p == dir {
			return h, true
		}
	}
	return NoHandle, false
}

// Watched returns the watched directories in sorted order.
func (f *Fake) Watched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.active))
	for _, p := range f.active {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Removed returns the directories whose watches were removed, in order.
func (f *Fake) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
