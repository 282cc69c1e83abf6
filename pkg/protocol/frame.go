package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Wire layout of one file transfer, all integers big endian:
//
//	sequence id    u32
//	path length    u32  (unpadded)
//	serial length  u32  (unpadded)
//	payload length u32
//	path           padded to a multiple of 4
//	serial         padded to a multiple of 4
//	payload        payload length bytes
//
// The collector answers with a single u32: the sequence id on success, or
// FailureAck when it could not store the file.
const (
	// HeaderSize is the size of the fixed part of the header.
	HeaderSize = 16
	// AckSize is the size of an acknowledgment.
	AckSize = 4

	// FailureAck is sent by a collector that could not store a file.
	// Zero is never issued as a sequence id, so it never matches.
	FailureAck uint32 = 0
	// FirstSequence is the first sequence id issued after startup and after wrap.
	FirstSequence uint32 = 1
	// WrapSentinel is never issued; the counter wraps to FirstSequence instead.
	WrapSentinel uint32 = 0xFFFFFFFF

	// Collector-side limits, as deployed.
	DefaultMaxPathLength    = 512
	DefaultMaxSerialLength  = 32
	DefaultMaxPayloadLength = 75744000
)

var (
	// ErrPathTooLong indicates the declared path length exceeds the limit.
	ErrPathTooLong = errors.New("path length exceeds limit")
	// ErrSerialTooLong indicates the declared serial length exceeds the limit.
	ErrSerialTooLong = errors.New("serial length exceeds limit")
	// ErrPayloadTooLong indicates the declared payload length exceeds the limit.
	ErrPayloadTooLong = errors.New("payload length exceeds limit")
)

var byteOrder = binary.BigEndian

// Header is the decoded header of one transfer frame.
type Header struct {
	SequenceID    uint32
	Path          string
	Serial        string
	PayloadLength uint32
}

// Limits bounds the lengths a decoder accepts.
type Limits struct {
	MaxPathLength    uint32
	MaxSerialLength  uint32
	MaxPayloadLength uint32
}

// DefaultLimits returns the collector's deployed limits.
func DefaultLimits() Limits {
	return Limits{
		MaxPathLength:    DefaultMaxPathLength,
		MaxSerialLength:  DefaultMaxSerialLength,
		MaxPayloadLength: DefaultMaxPayloadLength,
	}
}

// PaddedLen rounds n up to the next multiple of 4.
func PaddedLen(n uint32) uint32 {
	return (n + 3) &^ 3
}

// WireSize returns the number of header bytes h occupies on the wire,
// excluding the payload.
func (h Header) WireSize() int {
	return HeaderSize + int(PaddedLen(uint32(len(h.Path)))) + int(PaddedLen(uint32(len(h.Serial))))
}

// EncodeHeader returns the encoded header for h.
func EncodeHeader(h Header) []byte {
	return AppendHeader(make([]byte, 0, h.WireSize()), h)
}

// AppendHeader appends the encoded header for h to dst.
// Strings that do not fit the u32 length fields are a caller bug and panic.
func AppendHeader(dst []byte, h Header) []byte {
	if uint64(len(h.Path)) > math.MaxUint32-3 || uint64(len(h.Serial)) > math.MaxUint32-3 {
		panic("protocol: header string length exceeds u32 range")
	}
	pathLen := uint32(len(h.Path))
	serialLen := uint32(len(h.Serial))

	dst = byteOrder.AppendUint32(dst, h.SequenceID)
	dst = byteOrder.AppendUint32(dst, pathLen)
	dst = byteOrder.AppendUint32(dst, serialLen)
	dst = byteOrder.AppendUint32(dst, h.PayloadLength)
	dst = appendPadded(dst, h.Path)
	dst = appendPadded(dst, h.Serial)
	return dst
}

func appendPadded(dst []byte, s string) []byte {
	dst = append(dst, s...)
	for pad := PaddedLen(uint32(len(s))) - uint32(len(s)); pad > 0; pad-- {
		dst = append(dst, 0)
	}
	return dst
}

// ReadHeader reads one header from r, leaving r positioned at the first
// payload byte. Padding is consumed and discarded.
func ReadHeader(r io.Reader, limits Limits) (Header, error) {
	var fixed [HeaderSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return Header{}, err
	}

	seq := byteOrder.Uint32(fixed[0:4])
	pathLen := byteOrder.Uint32(fixed[4:8])
	serialLen := byteOrder.Uint32(fixed[8:12])
	payloadLen := byteOrder.Uint32(fixed[12:16])

	if pathLen > limits.MaxPathLength {
		return Header{}, fmt.Errorf("%w: %d > %d", ErrPathTooLong, pathLen, limits.MaxPathLength)
	}
	if serialLen > limits.MaxSerialLength {
		return Header{}, fmt.Errorf("%w: %d > %d", ErrSerialTooLong, serialLen, limits.MaxSerialLength)
	}
	if payloadLen > limits.MaxPayloadLength {
		return Header{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLong, payloadLen, limits.MaxPayloadLength)
	}

	path, err := readPadded(r, pathLen)
	if err != nil {
		return Header{}, fmt.Errorf("failed to read path: %w", err)
	}
	serial, err := readPadded(r, serialLen)
	if err != nil {
		return Header{}, fmt.Errorf("failed to read serial: %w", err)
	}

	return Header{
		SequenceID:    seq,
		Path:          path,
		Serial:        serial,
		PayloadLength: payloadLen,
	}, nil
}

func readPadded(r io.Reader, n uint32) (string, error) {
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, PaddedLen(n))
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// EncodeAck returns the acknowledgment for seq.
func EncodeAck(seq uint32) [AckSize]byte {
	var b [AckSize]byte
	byteOrder.PutUint32(b[:], seq)
	return b
}

// WriteAck writes the acknowledgment for seq to w.
func WriteAck(w io.Writer, seq uint32) error {
	b := EncodeAck(seq)
	_, err := w.Write(b[:])
	return err
}

// ReadAck blocks until a full acknowledgment has been read from r.
// An orderly close before any byte arrives is reported as io.EOF,
// a close mid-acknowledgment as io.ErrUnexpectedEOF.
func ReadAck(r io.Reader) (uint32, error) {
	var b [AckSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return byteOrder.Uint32(b[:]), nil
}
