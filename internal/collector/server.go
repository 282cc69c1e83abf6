// Package collector receives framed files from agents, stores them under
// <out>/<serial>/<path> and acknowledges each one with its sequence id.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sheerbytes/gridsend/internal/bufpool"
	"github.com/sheerbytes/gridsend/internal/ledger"
	"github.com/sheerbytes/gridsend/internal/metrics"
	"github.com/sheerbytes/gridsend/pkg/protocol"
)

const (
	// DefaultChunkSize is the payload read buffer size.
	DefaultChunkSize = 64 * 1024
	// UnknownAlias is logged for serials without an alias.
	UnknownAlias = "UNKNOWN"

	unknownSerialDir = "unknown"
)

var (
	// ErrInvalidPath indicates a remote path that would escape the output directory.
	ErrInvalidPath = errors.New("invalid remote path")
	// ErrInvalidSerial indicates a serial that cannot name a directory.
	ErrInvalidSerial = errors.New("invalid serial")

	errStreamBroken = errors.New("stream broken mid-payload")
)

// Config configures a Server.
type Config struct {
	OutDir    string
	Limits    protocol.Limits
	ChunkSize int
	Aliases   map[string]string
}

// Server handles agent connections on any transport.
type Server struct {
	cfg     Config
	ledger  *ledger.Ledger
	logger  *slog.Logger
	metrics *metrics.Collector
	pool    *bufpool.Pool

	wg sync.WaitGroup
}

// New creates the output directory and returns a Server. led may be nil.
func New(cfg Config, led *ledger.Ledger, logger *slog.Logger, m *metrics.Collector) (*Server, error) {
	if cfg.OutDir == "" {
		return nil, errors.New("output directory is required")
	}
	if cfg.Limits == (protocol.Limits{}) {
		cfg.Limits = protocol.DefaultLimits()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Aliases == nil {
		cfg.Aliases = map[string]string{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &Server{
		cfg:     cfg,
		ledger:  led,
		logger:  logger,
		metrics: m,
		pool:    bufpool.New(cfg.ChunkSize),
	}, nil
}

// Wait blocks until every connection handler has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Alias returns the display name for serial.
func (s *Server) Alias(serial string) string {
	if a, ok := s.cfg.Aliases[serial]; ok {
		return a
	}
	return UnknownAlias
}

// Handle serves one agent connection until it closes, a frame violates the
// limits, or ctx is cancelled. It closes rw.
func (s *Server) Handle(ctx context.Context, rw io.ReadWriteCloser, transport, remote string) {
	defer rw.Close()
	stop := context.AfterFunc(ctx, func() { rw.Close() })
	defer stop()

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	logger := s.logger.With("remote_addr", remote, "transport", transport)
	logger.Info("agent connected")

	var serial string
	for {
		h, err := protocol.ReadHeader(rw, s.cfg.Limits)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				logger.Info("agent disconnected")
			} else {
				logger.Warn("connection lost", "error", err)
			}
			return
		}
		if serial != "" && h.Serial != serial {
			logger.Warn("serial number changed", "from", serial, "to", h.Serial)
		}
		serial = h.Serial

		ack := h.SequenceID
		if err := s.receive(ctx, rw, h, transport, logger); err != nil {
			if errors.Is(err, errStreamBroken) {
				logger.Warn("connection lost", "path", h.Path, "error", err)
				return
			}
			logger.Error("failed to store file", "path", h.Path, "serial", h.Serial, "seq", h.SequenceID, "error", err)
			ack = protocol.FailureAck
			s.metrics.RecordFailureAck()
		}
		if err := protocol.WriteAck(rw, ack); err != nil {
			logger.Warn("connection lost", "error", fmt.Errorf("write ack: %w", err))
			return
		}
	}
}

// receive consumes one payload. Storage failures leave the stream in sync
// and are returned as ordinary errors; read failures return errStreamBroken.
func (s *Server) receive(ctx context.Context, r io.Reader, h protocol.Header, transport string, logger *slog.Logger) error {
	dest, destErr := s.destination(h)
	var (
		tmp *os.File
		err error
	)
	if destErr == nil {
		tmp, err = s.createTemp(dest)
		if err != nil {
			destErr = err
		}
	}

	var sink io.Writer = io.Discard
	if tmp != nil {
		sink = tmp
	}
	writeErr, readErr := s.copyPayload(sink, r, int64(h.PayloadLength))
	if readErr != nil {
		if tmp != nil {
			discard(tmp)
		}
		return fmt.Errorf("%w: %v", errStreamBroken, readErr)
	}
	if destErr != nil {
		return destErr
	}
	if writeErr == nil {
		writeErr = tmp.Sync()
	}
	if writeErr != nil {
		discard(tmp)
		return fmt.Errorf("write %s: %w", dest, writeErr)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", dest, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename into %s: %w", dest, err)
	}

	alias := s.Alias(h.Serial)
	if s.ledger != nil {
		if err := s.ledger.Record(ctx, ledger.Receipt{
			Serial:   h.Serial,
			Name:     h.Path,
			Size:     int64(h.PayloadLength),
			Alias:    alias,
			Received: time.Now(),
		}); err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
	}
	s.metrics.RecordReceived(transport, int64(h.PayloadLength))
	logger.Info("file received", "path", h.Path, "serial", h.Serial, "alias", alias, "bytes", h.PayloadLength, "seq", h.SequenceID)
	return nil
}

// copyPayload reads exactly n bytes from r through a pooled buffer. Writes
// stop at the first write error but reading continues so the next frame
// header stays aligned.
func (s *Server) copyPayload(w io.Writer, r io.Reader, n int64) (writeErr, readErr error) {
	buf := s.pool.Get()
	defer s.pool.Put(buf)
	for n > 0 {
		chunk := int64(len(buf))
		if chunk > n {
			chunk = n
		}
		if _, err := io.ReadFull(r, buf[:chunk]); err != nil {
			return writeErr, err
		}
		if writeErr == nil {
			_, writeErr = w.Write(buf[:chunk])
		}
		n -= chunk
	}
	return writeErr, nil
}

// destination maps a frame to its file under OutDir.
func (s *Server) destination(h protocol.Header) (string, error) {
	serialDir := h.Serial
	if serialDir == "" {
		serialDir = unknownSerialDir
	}
	if !filepath.IsLocal(serialDir) || strings.ContainsAny(serialDir, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSerial, h.Serial)
	}
	rel := filepath.FromSlash(h.Path)
	if strings.ContainsRune(h.Path, '\\') || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, h.Path)
	}
	return filepath.Join(s.cfg.OutDir, serialDir, rel), nil
}

func (s *Server) createTemp(dest string) (*os.File, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".incoming-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	return tmp, nil
}

func discard(f *os.File) {
	f.Close()
	os.Remove(f.Name())
}

// ServeTCP accepts agent connections from ln until ctx is cancelled.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	s.logger.Info("collector listening", "transport", "tcp", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.spawn(ctx, conn, "tcp", conn.RemoteAddr().String())
	}
}

func (s *Server) spawn(ctx context.Context, rw io.ReadWriteCloser, transport, remote string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Handle(ctx, rw, transport, remote)
	}()
}
