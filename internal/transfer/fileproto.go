package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sheerbytes/gridsend/internal/metrics"
	"github.com/sheerbytes/gridsend/pkg/protocol"
)

const (
	// DefaultChunkSize is the payload streaming buffer size.
	DefaultChunkSize = 16 * 1024
	// DefaultSuffix is the extension of instrument data files.
	DefaultSuffix = ".dat"
)

var (
	// ErrReadFailed indicates the local file could not be opened or read.
	// Retrying the transfer cannot help.
	ErrReadFailed = errors.New("read failed")
	// ErrSendFailed indicates a transport failure; the send may be retried
	// on a new connection.
	ErrSendFailed = errors.New("send failed")
)

// Outcome describes what happened to one file.
type Outcome int

const (
	// OutcomeNone means the file was not processed.
	OutcomeNone Outcome = iota
	// OutcomeSkipped means the file does not carry the data suffix.
	OutcomeSkipped
	// OutcomeDelivered means the collector acknowledged the file and it was removed.
	OutcomeDelivered
	// OutcomeRejected means the acknowledgment did not match; the file was kept.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRejected:
		return "rejected"
	default:
		return "none"
	}
}

// SenderConfig configures a Sender.
type SenderConfig struct {
	// Root is the watched root; files directly under it are sent by bare name.
	Root string
	// Serial identifies this device to the collector.
	Serial string
	// Suffix selects the files that are sent.
	Suffix string
	// ChunkSize is the payload buffer size.
	ChunkSize int
	// MaxAttempts bounds SendUntilSuccess; 0 means unbounded.
	MaxAttempts int
}

// Sender transfers files one at a time over a Channel. It is not safe for
// concurrent use: the protocol has a single outstanding acknowledgment.
type Sender struct {
	ch      *Channel
	seq     *Sequence
	cfg     SenderConfig
	logger  *slog.Logger
	metrics *metrics.Agent

	header []byte
	chunk  []byte
}

// NewSender creates a Sender. The chunk buffer is allocated once and reused.
func NewSender(ch *Channel, seq *Sequence, cfg SenderConfig, logger *slog.Logger, m *metrics.Agent) *Sender {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Suffix == "" {
		cfg.Suffix = DefaultSuffix
	}
	return &Sender{
		ch:      ch,
		seq:     seq,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		header:  make([]byte, 0, protocol.HeaderSize+protocol.DefaultMaxPathLength+protocol.DefaultMaxSerialLength),
		chunk:   make([]byte, cfg.ChunkSize),
	}
}

// Sequence returns the sequence counter used by s.
func (s *Sender) Sequence() *Sequence {
	return s.seq
}

// RemotePath returns the collector-visible path of localPath: the bare name
// for files directly under root, otherwise "parent/name".
func RemotePath(root, localPath string) string {
	parent := filepath.Dir(localPath)
	name := filepath.Base(localPath)
	if filepath.Clean(parent) == filepath.Clean(root) {
		return name
	}
	return path.Join(filepath.Base(parent), name)
}

// Send transfers one file: header, payload in fixed-size chunks, then a
// blocking wait for the acknowledgment. On a matching acknowledgment the
// local file is removed. A mismatch keeps the file and is not an error.
func (s *Sender) Send(ctx context.Context, localPath string) (Outcome, error) {
	if !strings.HasSuffix(localPath, s.cfg.Suffix) {
		s.logger.Debug("skipping file without data suffix", "path", localPath, "suffix", s.cfg.Suffix)
		s.metrics.RecordFile(OutcomeSkipped.String(), 0, false)
		return OutcomeSkipped, nil
	}

	remote := RemotePath(s.cfg.Root, localPath)

	file, err := os.Open(localPath)
	if err != nil {
		return OutcomeNone, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	defer file.Close()

	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return OutcomeNone, fmt.Errorf("%w: failed to size %s: %v", ErrReadFailed, localPath, err)
	}
	if size > math.MaxUint32 {
		return OutcomeNone, fmt.Errorf("%w: %s is %d bytes, larger than the protocol allows", ErrReadFailed, localPath, size)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return OutcomeNone, fmt.Errorf("%w: failed to rewind %s: %v", ErrReadFailed, localPath, err)
	}

	stream := s.ch.Stream()
	if stream == nil {
		return OutcomeNone, fmt.Errorf("%w: not connected", ErrSendFailed)
	}

	seq := s.seq.Current()
	s.header = protocol.AppendHeader(s.header[:0], protocol.Header{
		SequenceID:    seq,
		Path:          remote,
		Serial:        s.cfg.Serial,
		PayloadLength: uint32(size),
	})
	if _, err := stream.Write(s.header); err != nil {
		return OutcomeNone, fmt.Errorf("%w: failed to write header: %v", ErrSendFailed, err)
	}

	for remaining := size; remaining > 0; {
		if err := ctx.Err(); err != nil {
			s.ch.MarkDisconnected()
			return OutcomeNone, err
		}
		n := int64(len(s.chunk))
		if n > remaining {
			n = remaining
		}
		if _, err := io.ReadFull(file, s.chunk[:n]); err != nil {
			// The collector is mid-frame; only a fresh connection resynchronizes it.
			s.ch.MarkDisconnected()
			return OutcomeNone, fmt.Errorf("%w: %s shrank while sending (%d of %d bytes left): %v", ErrReadFailed, localPath, remaining, size, err)
		}
		if _, err := stream.Write(s.chunk[:n]); err != nil {
			return OutcomeNone, fmt.Errorf("%w: failed to write payload: %v", ErrSendFailed, err)
		}
		remaining -= n
	}

	s.logger.Debug("waiting for acknowledgment", "path", remote, "seq", seq)
	ack, err := protocol.ReadAck(stream)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return OutcomeNone, fmt.Errorf("%w: collector closed the connection before acknowledging", ErrSendFailed)
		}
		return OutcomeNone, fmt.Errorf("%w: failed to read acknowledgment: %v", ErrSendFailed, err)
	}
	s.seq.Advance()

	if ack != seq {
		s.logger.Warn("acknowledgment mismatch, keeping file", "path", localPath, "seq", seq, "ack", ack)
		s.metrics.RecordFile(OutcomeRejected.String(), size, false)
		return OutcomeRejected, nil
	}

	if err := os.Remove(localPath); err != nil {
		s.logger.Warn("delivered file could not be deleted", "path", localPath, "error", err)
	}
	s.logger.Info("file delivered", "path", remote, "seq", seq, "bytes", size)
	s.metrics.RecordFile(OutcomeDelivered.String(), size, true)
	return OutcomeDelivered, nil
}

// SendUntilSuccess calls Send, reconnecting and retrying on transport
// failures. The retried send reuses the same sequence id. Read failures are
// returned without retry. With MaxAttempts > 0 it gives up with
// ErrRetriesExhausted. Only sends that reach a connected stream count as
// attempts; reconnecting is bounded by the channel itself.
func (s *Sender) SendUntilSuccess(ctx context.Context, localPath string) (Outcome, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return OutcomeNone, err
		}
		if !s.ch.Connected() && strings.HasSuffix(localPath, s.cfg.Suffix) {
			if err := s.ch.Reconnect(ctx); err != nil {
				return OutcomeNone, err
			}
		}

		outcome, err := s.Send(ctx, localPath)
		if err == nil || !errors.Is(err, ErrSendFailed) {
			return outcome, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return OutcomeNone, ctxErr
		}

		s.metrics.RecordSendFailure()
		if s.cfg.MaxAttempts > 0 && attempt >= s.cfg.MaxAttempts {
			return OutcomeNone, fmt.Errorf("%w: %s after %d attempts: %v", ErrRetriesExhausted, localPath, attempt, err)
		}
		s.logger.Warn("transfer failed, reconnecting", "path", localPath, "attempt", attempt, "error", err)
		s.ch.MarkDisconnected()
	}
}
