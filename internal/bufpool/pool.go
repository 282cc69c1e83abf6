// Package bufpool recycles fixed-size payload buffers across collector
// connections.
package bufpool

import "sync"

// Pool hands out buffers of exactly one size. Pointers are pooled so that
// Put does not allocate.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool of bufSize-byte buffers. It panics if bufSize is not positive.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() any {
		buf := make([]byte, bufSize)
		return &buf
	}
	return p
}

// Get returns a buffer of length BufSize.
func (p *Pool) Get() []byte {
	buf := *p.pool.Get().(*[]byte)
	return buf[:p.bufSize]
}

// Put returns buf for reuse. Buffers smaller than BufSize are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	buf = buf[:p.bufSize]
	p.pool.Put(&buf)
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}
