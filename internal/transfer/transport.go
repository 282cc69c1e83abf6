package transfer

import (
	"context"
	"io"
	"net"
	"time"
)

// Stream is a reliable, ordered byte stream to the collector.
// Close releases the stream; after Close, Read and Write return errors.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// HalfCloser is implemented by streams that can signal end-of-output
// while still allowing reads.
type HalfCloser interface {
	CloseWrite() error
}

// Dialer opens streams to a collector address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Stream, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, addr string) (Stream, error)

// Dial calls f(ctx, addr).
func (f DialerFunc) Dial(ctx context.Context, addr string) (Stream, error) {
	return f(ctx, addr)
}

// TCPDialer dials plain TCP connections.
type TCPDialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

// Dial connects to addr ("host:port").
func (d TCPDialer) Dial(ctx context.Context, addr string) (Stream, error) {
	nd := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	if nd.Timeout == 0 {
		nd.Timeout = 5 * time.Second
	}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}
