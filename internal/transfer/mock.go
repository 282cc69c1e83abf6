package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sheerbytes/gridsend/pkg/protocol"
)

// PipeDialer is an in-memory Dialer for tests. Each Dial creates a net.Pipe
// and hands the far end to Accept.
type PipeDialer struct {
	mu       sync.Mutex
	failNext int
	dials    int

	accept chan net.Conn
}

var _ Dialer = (*PipeDialer)(nil)

// NewPipeDialer creates a PipeDialer.
func NewPipeDialer() *PipeDialer {
	return &PipeDialer{accept: make(chan net.Conn, 16)}
}

// FailNext makes the next n dials fail.
func (d *PipeDialer) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
}

// Dials returns the number of successful dials.
func (d *PipeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Dial implements Dialer.
func (d *PipeDialer) Dial(ctx context.Context, addr string) (Stream, error) {
	d.mu.Lock()
	if d.failNext > 0 {
		d.failNext--
		d.mu.Unlock()
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}
	d.dials++
	d.mu.Unlock()

	client, server := net.Pipe()
	select {
	case d.accept <- server:
		return client, nil
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

// Accept returns the collector end of the next dialed pipe.
func (d *PipeDialer) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-d.accept:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Received is one frame seen by a MockCollector.
type Received struct {
	Header  protocol.Header
	Payload []byte
}

// AckFunc decides the reply to a received frame. Returning hangup closes
// the connection instead of acknowledging.
type AckFunc func(r Received) (ack uint32, hangup bool)

// MockCollector accepts connections from a PipeDialer and acknowledges
// frames, by default with their own sequence id.
type MockCollector struct {
	dialer *PipeDialer
	ack    AckFunc

	mu       sync.Mutex
	received []Received
}

// NewMockCollector creates a collector behind d. A nil ack echoes sequence ids.
func NewMockCollector(d *PipeDialer, ack AckFunc) *MockCollector {
	if ack == nil {
		ack = func(r Received) (uint32, bool) { return r.Header.SequenceID, false }
	}
	return &MockCollector{dialer: d, ack: ack}
}

// Run serves connections one at a time until ctx is done.
func (c *MockCollector) Run(ctx context.Context) {
	for {
		conn, err := c.dialer.Accept(ctx)
		if err != nil {
			return
		}
		c.serve(ctx, conn)
	}
}

func (c *MockCollector) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		h, err := protocol.ReadHeader(conn, protocol.DefaultLimits())
		if err != nil {
			return
		}
		payload := make([]byte, h.PayloadLength)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		r := Received{Header: h, Payload: payload}

		c.mu.Lock()
		c.received = append(c.received, r)
		c.mu.Unlock()

		ack, hangup := c.ack(r)
		if hangup {
			return
		}
		if err := protocol.WriteAck(conn, ack); err != nil {
			return
		}
	}
}

// Received returns a copy of the frames seen so far.
func (c *MockCollector) Received() []Received {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Received, len(c.received))
	copy(out, c.received)
	return out
}

// Paths returns the remote paths seen so far, in order.
func (c *MockCollector) Paths() []string {
	rs := c.Received()
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Header.Path
	}
	return out
}
