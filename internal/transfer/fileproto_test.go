package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	root      string
	dialer    *PipeDialer
	collector *MockCollector
	channel   *Channel
	sender    *Sender
}

func newHarness(t *testing.T, ack AckFunc, cfg SenderConfig) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	root := t.TempDir()
	dialer := NewPipeDialer()
	collector := NewMockCollector(dialer, ack)
	go collector.Run(ctx)

	ch := NewChannel(dialer, ChannelConfig{Addr: "collector:1883", ReconnectDelay: time.Millisecond, MaxAttempts: cfg.MaxAttempts}, testLogger(), nil)
	t.Cleanup(func() { ch.Close() })

	cfg.Root = root
	if cfg.Serial == "" {
		cfg.Serial = "P3001"
	}
	return &harness{
		root:      root,
		dialer:    dialer,
		collector: collector,
		channel:   ch,
		sender:    NewSender(ch, NewSequence(), cfg, testLogger(), nil),
	}
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestRemotePath(t *testing.T) {
	tests := []struct {
		root  string
		local string
		want  string
	}{
		{"/data", "/data/x.dat", "x.dat"},
		{"/data/", "/data/x.dat", "x.dat"},
		{"/data", "/data/0001/0002.dat", "0001/0002.dat"},
		{"/data", "/data/2024/06/0003.dat", "06/0003.dat"},
	}
	for _, tt := range tests {
		if got := RemotePath(tt.root, tt.local); got != tt.want {
			t.Errorf("RemotePath(%q, %q) = %q, want %q", tt.root, tt.local, got, tt.want)
		}
	}
}

func TestSend_Delivered(t *testing.T) {
	h := newHarness(t, nil, SenderConfig{})
	ctx := context.Background()
	if err := h.channel.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	path := filepath.Join(h.root, "x.dat")
	other := filepath.Join(h.root, "y.dat")
	writeFile(t, path, []byte("0123456789"))
	writeFile(t, other, []byte("untouched"))

	outcome, err := h.sender.Send(ctx, path)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if outcome != OutcomeDelivered {
		t.Fatalf("Send() outcome = %v, want delivered", outcome)
	}
	if exists(path) {
		t.Error("delivered file still exists")
	}
	if !exists(other) {
		t.Error("unrelated file was removed")
	}

	got := h.collector.Received()
	if len(got) != 1 {
		t.Fatalf("collector received %d frames, want 1", len(got))
	}
	if got[0].Header.Path != "x.dat" || got[0].Header.Serial != "P3001" || got[0].Header.SequenceID != 1 {
		t.Errorf("header = %+v", got[0].Header)
	}
	if string(got[0].Payload) != "0123456789" {
		t.Errorf("payload = %q", got[0].Payload)
	}
	if seq := h.sender.Sequence().Current(); seq != 2 {
		t.Errorf("next sequence = %d, want 2", seq)
	}
}

func TestSend_ChunkedPayload(t *testing.T) {
	h := newHarness(t, nil, SenderConfig{ChunkSize: 7})
	ctx := context.Background()
	if err := h.channel.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	data := make([]byte, 100003)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand: %v", err)
	}
	path := filepath.Join(h.root, "0001", "0002.dat")
	writeFile(t, path, data)

	if _, err := h.sender.Send(ctx, path); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	got := h.collector.Received()
	if len(got) != 1 {
		t.Fatalf("collector received %d frames, want 1", len(got))
	}
	if got[0].Header.Path != "0001/0002.dat" {
		t.Errorf("path = %q, want 0001/0002.dat", got[0].Header.Path)
	}
	if !bytes.Equal(got[0].Payload, data) {
		t.Error("payload differs from file content")
	}
}

func TestSend_AckMismatchKeepsFile(t *testing.T) {
	ack := func(r Received) (uint32, bool) { return r.Header.SequenceID + 100, false }
	h := newHarness(t, ack, SenderConfig{})
	ctx := context.Background()
	if err := h.channel.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	path := filepath.Join(h.root, "x.dat")
	writeFile(t, path, []byte("data"))

	outcome, err := h.sender.Send(ctx, path)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if outcome != OutcomeRejected {
		t.Errorf("outcome = %v, want rejected", outcome)
	}
	if !exists(path) {
		t.Error("file removed despite mismatched acknowledgment")
	}
	if !h.channel.Connected() {
		t.Error("mismatch must not drop the connection")
	}
	if h.dialer.Dials() != 1 {
		t.Errorf("dials = %d, want 1", h.dialer.Dials())
	}
}

func TestSend_FailureAckKeepsFile(t *testing.T) {
	ack := func(r Received) (uint32, bool) { return 0, false }
	h := newHarness(t, ack, SenderConfig{})
	ctx := context.Background()
	if err := h.channel.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	path := filepath.Join(h.root, "x.dat")
	writeFile(t, path, []byte("data"))
	outcome, err := h.sender.SendUntilSuccess(ctx, path)
	if err != nil || outcome != OutcomeRejected {
		t.Fatalf("SendUntilSuccess() = %v, %v; want rejected, nil", outcome, err)
	}
	if !exists(path) {
		t.Error("file removed despite failure acknowledgment")
	}
}

func TestSend_SkipsOtherSuffix(t *testing.T) {
	h := newHarness(t, nil, SenderConfig{})
	path := filepath.Join(h.root, "notes.txt")
	writeFile(t, path, []byte("keep me"))

	// Not connected: anything beyond the suffix check would fail.
	outcome, err := h.sender.SendUntilSuccess(context.Background(), path)
	if err != nil {
		t.Fatalf("SendUntilSuccess() error = %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Errorf("outcome = %v, want skipped", outcome)
	}
	if !exists(path) {
		t.Error("skipped file was removed")
	}
	if h.dialer.Dials() != 0 {
		t.Errorf("dials = %d, want 0", h.dialer.Dials())
	}
}

func TestSend_ReadFailedIsNotRetried(t *testing.T) {
	h := newHarness(t, nil, SenderConfig{})
	ctx := context.Background()
	if err := h.channel.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	_, err := h.sender.SendUntilSuccess(ctx, filepath.Join(h.root, "vanished.dat"))
	if !errors.Is(err, ErrReadFailed) {
		t.Fatalf("SendUntilSuccess() error = %v, want ErrReadFailed", err)
	}
	if h.dialer.Dials() != 1 {
		t.Errorf("dials = %d, want 1", h.dialer.Dials())
	}
	if seq := h.sender.Sequence().Current(); seq != 1 {
		t.Errorf("sequence advanced to %d on read failure", seq)
	}
}

func TestSend_NotConnected(t *testing.T) {
	h := newHarness(t, nil, SenderConfig{})
	path := filepath.Join(h.root, "x.dat")
	writeFile(t, path, []byte("data"))

	_, err := h.sender.Send(context.Background(), path)
	if !errors.Is(err, ErrSendFailed) {
		t.Errorf("Send() error = %v, want ErrSendFailed", err)
	}
	if !exists(path) {
		t.Error("file removed without acknowledgment")
	}
}

func TestSendUntilSuccess_ReconnectsWithSameSequence(t *testing.T) {
	var frames atomic.Int32
	ack := func(r Received) (uint32, bool) {
		if frames.Add(1) <= 3 {
			return 0, true
		}
		return r.Header.SequenceID, false
	}
	h := newHarness(t, ack, SenderConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.channel.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	h.dialer.FailNext(2)

	path := filepath.Join(h.root, "x.dat")
	writeFile(t, path, []byte("0123456789"))

	outcome, err := h.sender.SendUntilSuccess(ctx, path)
	if err != nil {
		t.Fatalf("SendUntilSuccess() error = %v", err)
	}
	if outcome != OutcomeDelivered {
		t.Errorf("outcome = %v, want delivered", outcome)
	}
	if exists(path) {
		t.Error("file still exists after delivery")
	}

	got := h.collector.Received()
	if len(got) != 4 {
		t.Fatalf("collector received %d frames, want 4", len(got))
	}
	for i, r := range got {
		if r.Header.SequenceID != 1 {
			t.Errorf("frame %d sequence = %d, want 1", i, r.Header.SequenceID)
		}
	}
	if seq := h.sender.Sequence().Current(); seq != 2 {
		t.Errorf("next sequence = %d, want 2", seq)
	}
}

func TestSendUntilSuccess_BoundedRetries(t *testing.T) {
	ack := func(r Received) (uint32, bool) { return 0, true }
	h := newHarness(t, ack, SenderConfig{MaxAttempts: 3})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.channel.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	path := filepath.Join(h.root, "x.dat")
	writeFile(t, path, []byte("data"))

	_, err := h.sender.SendUntilSuccess(ctx, path)
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("SendUntilSuccess() error = %v, want ErrRetriesExhausted", err)
	}
	if n := len(h.collector.Received()); n != 3 {
		t.Errorf("collector received %d frames, want 3", n)
	}
	if !exists(path) {
		t.Error("file removed without acknowledgment")
	}
}

func TestSendUntilSuccess_Cancelled(t *testing.T) {
	h := newHarness(t, nil, SenderConfig{})
	h.dialer.FailNext(1 << 30)

	path := filepath.Join(h.root, "x.dat")
	writeFile(t, path, []byte("data"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.sender.SendUntilSuccess(ctx, path)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("SendUntilSuccess() error = %v, want context.DeadlineExceeded", err)
	}
	if !exists(path) {
		t.Error("file removed without acknowledgment")
	}
}

func TestSend_CloseUnblocksAckWait(t *testing.T) {
	block := make(chan struct{})
	ack := func(r Received) (uint32, bool) {
		<-block
		return r.Header.SequenceID, false
	}
	h := newHarness(t, ack, SenderConfig{})
	defer close(block)
	ctx := context.Background()
	if err := h.channel.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	path := filepath.Join(h.root, "x.dat")
	writeFile(t, path, []byte("data"))

	done := make(chan error, 1)
	go func() {
		_, err := h.sender.Send(ctx, path)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := h.channel.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrSendFailed) {
			t.Errorf("Send() error = %v, want ErrSendFailed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send() still blocked after Close()")
	}
	if !exists(path) {
		t.Error("file removed without acknowledgment")
	}
}

func TestSendUntilSuccess_DisconnectedChannelDoesNotSpendAttempt(t *testing.T) {
	h := newHarness(t, nil, SenderConfig{MaxAttempts: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.channel.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	h.channel.MarkDisconnected()

	path := filepath.Join(h.root, "0001.dat")
	writeFile(t, path, []byte("data"))

	outcome, err := h.sender.SendUntilSuccess(ctx, path)
	if err != nil {
		t.Fatalf("SendUntilSuccess() error = %v", err)
	}
	if outcome != OutcomeDelivered {
		t.Errorf("outcome = %v, want delivered", outcome)
	}
	if h.dialer.Dials() != 2 {
		t.Errorf("dials = %d, want 2", h.dialer.Dials())
	}
	if exists(path) {
		t.Error("file still exists after delivery")
	}
}

// truncatingStream shrinks a file right after the first write, which is the
// frame header.
type truncatingStream struct {
	Stream
	path string
	size int64
	once sync.Once
}

func (s *truncatingStream) Write(p []byte) (int, error) {
	n, err := s.Stream.Write(p)
	s.once.Do(func() { _ = os.Truncate(s.path, s.size) })
	return n, err
}

func TestSendUntilSuccess_FileShrinksMidPayload(t *testing.T) {
	h := newHarness(t, nil, SenderConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	path := filepath.Join(h.root, "0001", "0002.dat")
	writeFile(t, path, []byte("0123456789"))

	var dials atomic.Int32
	dialer := DialerFunc(func(ctx context.Context, addr string) (Stream, error) {
		s, err := h.dialer.Dial(ctx, addr)
		if err != nil || dials.Add(1) > 1 {
			return s, err
		}
		return &truncatingStream{Stream: s, path: path, size: 2}, nil
	})
	ch := NewChannel(dialer, ChannelConfig{Addr: "collector:1883", ReconnectDelay: time.Millisecond, MaxAttempts: 1}, testLogger(), nil)
	defer ch.Close()
	sender := NewSender(ch, NewSequence(), SenderConfig{Root: h.root, Serial: "P3001", ChunkSize: 4, MaxAttempts: 1}, testLogger(), nil)
	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	_, err := sender.SendUntilSuccess(ctx, path)
	if !errors.Is(err, ErrReadFailed) {
		t.Fatalf("SendUntilSuccess() error = %v, want ErrReadFailed", err)
	}
	if ch.Connected() {
		t.Error("channel still connected after a short read mid-frame")
	}
	if !exists(path) {
		t.Error("file removed after read failure")
	}
	if n := dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1 (read failures are not retried)", n)
	}
	if seq := sender.Sequence().Current(); seq != 1 {
		t.Errorf("sequence advanced to %d on read failure", seq)
	}

	// The next send reconnects without using up the single allowed attempt.
	writeFile(t, path, []byte("0123456789"))
	outcome, err := sender.SendUntilSuccess(ctx, path)
	if err != nil {
		t.Fatalf("second SendUntilSuccess() error = %v", err)
	}
	if outcome != OutcomeDelivered {
		t.Errorf("outcome = %v, want delivered", outcome)
	}
	if n := dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
	got := h.collector.Received()
	if len(got) != 1 || string(got[0].Payload) != "0123456789" || got[0].Header.SequenceID != 1 {
		t.Errorf("collector received %+v, want one full frame with sequence 1", got)
	}
}
