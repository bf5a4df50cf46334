package tasklink

import (
	"github.com/emirpasic/gods/queues/circularbuffer"
	"github.com/raskyld/tasklink/pkg/wire"
)

// ackEntry is a custody acknowledgment owed to the client channel which
// sent a request.
type ackEntry struct {
	hdr    wire.Header
	bucket int32
	owner  requester
}

func (e ackEntry) key() uint64 {
	return e.hdr.ID.Pack()
}

// ackBuffer holds the acknowledgments of a single priority until a
// response toward the same client channel can carry one. When it is full
// the oldest entry is flushed on its own.
type ackBuffer struct {
	ring  *circularbuffer.Queue
	flush func(ackEntry)
}

func newAckBuffer(size int, flush func(ackEntry)) *ackBuffer {
	return &ackBuffer{
		ring:  circularbuffer.New(max(1, size)),
		flush: flush,
	}
}

func (a *ackBuffer) push(e ackEntry) {
	if a.ring.Full() {
		oldest, _ := a.ring.Dequeue()
		a.flush(oldest.(ackEntry))
	}
	a.ring.Enqueue(e)
}

// take removes and returns the oldest entry owed to the client channel
// identified by origin, skipping the entry of the response itself which
// never needs a separate acknowledgment once answered.
func (a *ackBuffer) take(origin uint32, skip uint64) (ackEntry, bool) {
	var (
		found ackEntry
		ok    bool
	)
	a.filter(func(e ackEntry) bool {
		if e.key() == skip {
			return false
		}
		if !ok && e.hdr.ID.Origin() == origin {
			found, ok = e, true
			return false
		}
		return true
	})
	return found, ok
}

// drop removes the entry of a request, if any.
func (a *ackBuffer) drop(key uint64) {
	a.filter(func(e ackEntry) bool { return e.key() != key })
}

func (a *ackBuffer) clear() {
	a.ring.Clear()
}

func (a *ackBuffer) len() int {
	return a.ring.Size()
}

// filter keeps the entries for which keep returns true, in order.
func (a *ackBuffer) filter(keep func(ackEntry) bool) {
	if a.ring.Empty() {
		return
	}
	values := a.ring.Values()
	a.ring.Clear()
	for _, v := range values {
		if e := v.(ackEntry); keep(e) {
			a.ring.Enqueue(e)
		}
	}
}
