package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sheerbytes/gridsend/internal/metrics"
)

var (
	// ErrConnectFailed indicates a single connection attempt failed.
	ErrConnectFailed = errors.New("connect failed")
	// ErrRetriesExhausted indicates a bounded retry policy gave up.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrChannelClosed indicates the channel was shut down.
	ErrChannelClosed = errors.New("channel closed")
)

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	// Addr is the collector address handed to the Dialer.
	Addr string
	// ReconnectDelay is the pause between connection attempts.
	ReconnectDelay time.Duration
	// MaxAttempts bounds reconnection attempts; 0 means unbounded.
	MaxAttempts int
}

// Channel owns the connection to the collector. At most one stream is open
// at a time. Close is final: a closed channel never reconnects.
type Channel struct {
	mu     sync.Mutex
	stream Stream
	closed bool

	dialer  Dialer
	cfg     ChannelConfig
	logger  *slog.Logger
	metrics *metrics.Agent
}

// NewChannel creates a disconnected channel.
func NewChannel(dialer Dialer, cfg ChannelConfig, logger *slog.Logger, m *metrics.Agent) *Channel {
	return &Channel{
		dialer:  dialer,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// Stream returns the current stream, or nil when disconnected.
func (c *Channel) Stream() Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// Connected reports whether a stream is open.
func (c *Channel) Connected() bool {
	return c.Stream() != nil
}

// Connect makes one connection attempt. It is a no-op when already connected.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.stream != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	stream, err := c.dialer.Dial(ctx, c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnectFailed, c.cfg.Addr, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = stream.Close()
		return ErrChannelClosed
	}
	c.stream = stream
	c.logger.Info("connected to collector", "addr", c.cfg.Addr)
	return nil
}

// Reconnect drops any current stream and retries Connect until it succeeds,
// sleeping ReconnectDelay between attempts. With a bounded policy it fails
// with ErrRetriesExhausted.
func (c *Channel) Reconnect(ctx context.Context) error {
	c.MarkDisconnected()

	var b backoff.BackOff = backoff.NewConstantBackOff(c.cfg.ReconnectDelay)
	if c.cfg.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	attempts := 0
	op := func() error {
		attempts++
		err := c.Connect(ctx)
		if errors.Is(err, ErrChannelClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("collector unreachable, retrying", "addr", c.cfg.Addr, "attempt", attempts, "retry_in", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, ErrChannelClosed) {
			return err
		}
		return fmt.Errorf("%w: %d connection attempts: %v", ErrRetriesExhausted, attempts, err)
	}
	c.metrics.RecordReconnect()
	return nil
}

// MarkDisconnected releases the current stream after a transport failure.
// The channel stays usable and the next Connect opens a new stream.
func (c *Channel) MarkDisconnected() {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
}

// Close half-closes and releases the stream and prevents reconnection.
// It is safe to call more than once and from another goroutine while a send
// is blocked on the stream; the blocked call fails promptly.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if stream == nil {
		return nil
	}
	if hc, ok := stream.(HalfCloser); ok {
		_ = hc.CloseWrite()
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	c.logger.Info("collector connection closed", "addr", c.cfg.Addr)
	return nil
}
