package transfer

import (
	"sync"

	"github.com/sheerbytes/gridsend/pkg/protocol"
)

// Sequence issues transfer sequence ids. Ids start at 1 and wrap back to 1
// instead of reaching 0xFFFFFFFF, so neither 0 nor the sentinel is ever used.
type Sequence struct {
	mu   sync.Mutex
	next uint32
}

// NewSequence returns a counter starting at protocol.FirstSequence.
func NewSequence() *Sequence {
	return &Sequence{next: protocol.FirstSequence}
}

// NewSequenceAt returns a counter whose current id is v. Reserved values
// start the counter at protocol.FirstSequence.
func NewSequenceAt(v uint32) *Sequence {
	if v == protocol.FailureAck || v == protocol.WrapSentinel {
		v = protocol.FirstSequence
	}
	return &Sequence{next: v}
}

// Current returns the id the next send will use.
func (s *Sequence) Current() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Advance moves to the next id and returns it.
func (s *Sequence) Advance() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	if s.next == protocol.WrapSentinel || s.next == protocol.FailureAck {
		s.next = protocol.FirstSequence
	}
	return s.next
}
