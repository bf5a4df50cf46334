package tasklink

import (
	"github.com/raskyld/tasklink/pkg/wire"
)

// AnonymousStream carries requests which need no ordering.
const AnonymousStream uint32 = 0

type streamKey struct {
	path uint64
	id   uint32
}

// stream is the client side state of an exchange with one destination:
// per priority sequence numbers and a transmit window shared by all of
// them.
type stream struct {
	key streamKey
	seq [wire.NumPriorities]uint32
	// since holds, per priority, the first local id numbered after the
	// last restart.
	since       [wire.NumPriorities]uint32
	window      int
	outstanding int
	blocked     bool
}

func newStream(key streamKey, window int) *stream {
	return &stream{key: key, window: max(1, window)}
}

// open reports whether one more request fits the window, and marks the
// stream blocked otherwise.
func (s *stream) open() bool {
	if s.outstanding < s.window {
		return true
	}
	s.blocked = true
	return false
}

// nextSeq returns the sequence number of the next request at pri. The
// counter skips 0 when it wraps since 0 asks the server for a reset.
// Anonymous requests always carry 0.
func (s *stream) nextSeq(pri wire.Priority) uint32 {
	if s.key.id == AnonymousStream {
		return 0
	}
	seq := s.seq[pri]
	s.seq[pri]++
	if s.seq[pri] == 0 {
		s.seq[pri] = 1
	}
	return seq
}

// unwindSeq gives back the sequence number of a request which was never
// sent.
func (s *stream) unwindSeq(pri wire.Priority, seq uint32) {
	if s.key.id != AnonymousStream {
		s.seq[pri] = seq
	}
}

// settle accounts for a response. It returns true when the window just
// reopened for a stream which refused a request.
func (s *stream) settle(window uint32) bool {
	if s.outstanding > 0 {
		s.outstanding--
	}
	if window > 0 {
		s.window = int(window)
	}
	if s.blocked && s.outstanding < s.window {
		s.blocked = false
		return true
	}
	return false
}

// restart makes the next request at pri carry sequence 0. A request sent
// before the last restart cannot trigger another one. next is the local
// id the next request will get at the earliest.
func (s *stream) restart(pri wire.Priority, local, next uint32) bool {
	if s.key.id == AnonymousStream || seqBefore(local, s.since[pri]) {
		return false
	}
	s.seq[pri] = 0
	s.since[pri] = next
	return true
}

func (s *stream) reset(next uint32) {
	s.seq = [wire.NumPriorities]uint32{}
	for pri := range s.since {
		s.since[pri] = next
	}
}
