// Package wsclient carries the gridsend byte stream over WebSocket binary
// messages for networks that only pass HTTP.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sheerbytes/gridsend/internal/transfer"
)

// Path is the collector's ingest endpoint.
const Path = "/ingest"

const writeTimeout = 10 * time.Second

var (
	_ transfer.Stream     = (*Conn)(nil)
	_ transfer.HalfCloser = (*Conn)(nil)
	_ transfer.Dialer     = (*Dialer)(nil)
)

// Conn adapts a WebSocket connection to a byte stream. Each Write is sent as
// one binary message; Read concatenates incoming binary messages.
type Conn struct {
	conn *websocket.Conn

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex
	once    sync.Once
}

// NewConn wraps an established WebSocket connection.
func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn}
}

// Read reads from the current binary message, advancing to the next one as
// needed. A normal close from the peer reads as io.EOF.
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		if c.reader == nil {
			messageType, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as one binary message.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite sends a normal close frame.
func (c *Conn) CloseWrite() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() { err = c.conn.Close() })
	return err
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Dialer connects to a collector's WebSocket endpoint.
type Dialer struct {
	HandshakeTimeout time.Duration
	// Path overrides the endpoint path.
	Path string
}

// Dial implements transfer.Dialer. addr is host:port.
func (d *Dialer) Dial(ctx context.Context, addr string) (transfer.Stream, error) {
	path := d.Path
	if path == "" {
		path = Path
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: path}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}
	return NewConn(conn), nil
}

// Handler upgrades requests and hands each connection to Serve, which runs
// on the request goroutine and owns the connection.
type Handler struct {
	Serve  func(r *http.Request, c *Conn)
	Logger *slog.Logger

	upgrader websocket.Upgrader
}

// NewHandler returns a Handler for serve.
func NewHandler(serve func(r *http.Request, c *Conn), logger *slog.Logger) *Handler {
	return &Handler{
		Serve:  serve,
		Logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 4 * 1024,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	c := NewConn(conn)
	defer c.Close()
	h.Serve(r, c)
}
