// Package transferquic carries the gridsend frame protocol over a single
// bidirectional QUIC stream per agent connection.
package transferquic

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/sheerbytes/gridsend/internal/quictransport"
	"github.com/sheerbytes/gridsend/internal/transfer"
)

var (
	_ transfer.Dialer     = (*Dialer)(nil)
	_ transfer.Stream     = (*Stream)(nil)
	_ transfer.HalfCloser = (*Stream)(nil)
)

// Dialer opens one QUIC connection and one stream per Dial.
type Dialer struct {
	Logger *slog.Logger
	Config *quic.Config
}

// Dial implements transfer.Dialer.
func (d *Dialer) Dial(ctx context.Context, addr string) (transfer.Stream, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := quictransport.DialAddr(ctx, addr, logger, d.Config)
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}
	return &Stream{conn: conn, stream: stream}, nil
}

// Listener accepts agent connections.
type Listener struct {
	listener *quic.Listener
	logger   *slog.Logger
}

// Listen starts a QUIC listener on a UDP address.
func Listen(addr string, logger *slog.Logger) (*Listener, error) {
	l, err := quictransport.ListenAddr(addr, logger, nil)
	if err != nil {
		return nil, err
	}
	return &Listener{listener: l, logger: logger}, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Accept waits for the next agent connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to accept QUIC connection: %w", err)
	}
	l.logger.Debug("QUIC connection accepted", "remote_addr", conn.RemoteAddr())
	return &Conn{conn: conn}, nil
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Conn is an accepted QUIC connection that has not yet opened its stream.
type Conn struct {
	conn *quic.Conn
}

// RemoteAddr returns the agent's address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// AcceptStream waits for the agent's stream. The stream becomes visible
// once the agent writes its first frame.
func (c *Conn) AcceptStream(ctx context.Context) (*Stream, error) {
	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		c.conn.CloseWithError(0, "")
		return nil, fmt.Errorf("failed to accept QUIC stream: %w", err)
	}
	return &Stream{conn: c.conn, stream: stream}, nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.CloseWithError(0, "")
}

// Stream is a QUIC stream that owns its connection.
type Stream struct {
	mu          sync.Mutex
	conn        *quic.Conn
	stream      *quic.Stream
	closed      bool
	writeClosed bool
}

// Read reads data from the stream.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	stream := s.stream
	s.mu.Unlock()
	return stream.Read(p)
}

// Write writes data to the stream.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	stream := s.stream
	s.mu.Unlock()
	return stream.Write(p)
}

// RemoteAddr returns the peer address.
func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// CloseWrite finishes the send direction; the peer reads EOF.
func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeClosed || s.closed {
		return nil
	}
	s.writeClosed = true
	return s.stream.Close()
}

// Close aborts the stream and closes the connection.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stream.CancelRead(0)
	if !s.writeClosed {
		s.stream.CancelWrite(0)
	}
	if err := s.conn.CloseWithError(0, ""); err != nil {
		return fmt.Errorf("failed to close QUIC connection: %w", err)
	}
	return nil
}
