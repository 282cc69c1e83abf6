package transfer

import (
	"testing"

	"github.com/sheerbytes/gridsend/pkg/protocol"
)

func TestSequence_StartsAtOne(t *testing.T) {
	s := NewSequence()
	if got := s.Current(); got != 1 {
		t.Fatalf("Current() = %d, want 1", got)
	}
	prev := s.Current()
	for i := 0; i < 100; i++ {
		next := s.Advance()
		if next <= prev {
			t.Fatalf("Advance() = %d after %d, want strictly increasing", next, prev)
		}
		prev = next
	}
}

func TestSequence_WrapsBeforeSentinel(t *testing.T) {
	s := NewSequenceAt(protocol.WrapSentinel - 2)
	if got := s.Advance(); got != protocol.WrapSentinel-1 {
		t.Fatalf("Advance() = %#x, want %#x", got, protocol.WrapSentinel-1)
	}
	if got := s.Advance(); got != protocol.FirstSequence {
		t.Fatalf("Advance() at wrap = %#x, want %d", got, protocol.FirstSequence)
	}
	if got := s.Current(); got == 0 || got == protocol.WrapSentinel {
		t.Fatalf("Current() = %#x is reserved", got)
	}
}

func TestNewSequenceAt_Reserved(t *testing.T) {
	for _, v := range []uint32{protocol.FailureAck, protocol.WrapSentinel} {
		if got := NewSequenceAt(v).Current(); got != protocol.FirstSequence {
			t.Errorf("NewSequenceAt(%#x).Current() = %d, want %d", v, got, protocol.FirstSequence)
		}
	}
}
