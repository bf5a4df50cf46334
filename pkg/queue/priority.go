package queue

import (
	"fmt"
	"sync/atomic"

	"github.com/raskyld/tasklink/pkg/notify"
	"github.com/raskyld/tasklink/pkg/request"
	"github.com/raskyld/tasklink/pkg/wire"
)

// Caps bound a single priority level. Zero means unbounded.
type Caps struct {
	Length int
	Bytes  int
}

type level struct {
	fifo    *Fifo[*request.Request]
	length  atomic.Int64
	bytes   atomic.Int64
	refused atomic.Bool
}

// reserve accounts for one more request if it fits the caps. A level which
// is empty always accepts, so a request larger than the byte cap does not
// wedge the queue forever.
func (l *level) reserve(caps Caps, size int64) bool {
	for {
		n := l.length.Load()
		if caps.Length > 0 && n >= int64(caps.Length) {
			return false
		}
		if l.length.CompareAndSwap(n, n+1) {
			break
		}
	}
	for {
		b := l.bytes.Load()
		if caps.Bytes > 0 && b > 0 && b+size > int64(caps.Bytes) {
			l.length.Add(-1)
			return false
		}
		if l.bytes.CompareAndSwap(b, b+size) {
			return true
		}
	}
}

func (l *level) below(caps Caps) bool {
	return (caps.Length <= 0 || l.length.Load() < int64(caps.Length)) &&
		(caps.Bytes <= 0 || l.bytes.Load() < int64(caps.Bytes))
}

// Priority is a fixed set of FIFOs, one per [wire.Priority]. Any number of
// goroutines may enqueue and dequeue concurrently.
//
// Each queued request holds one reference taken by Enqueue. Dequeue hands
// that reference over to the caller, who must release it.
type Priority struct {
	levels [wire.NumPriorities]level
	caps   Caps

	notify   atomic.Pointer[notifierBox]
	writable atomic.Pointer[notifierBox]

	evaporated atomic.Uint64
}

type notifierBox struct {
	n notify.Notifier
}

func NewPriority(caps Caps) *Priority {
	q := &Priority{caps: caps}
	for i := range q.levels {
		q.levels[i].fifo = NewFifo[*request.Request]()
	}
	return q
}

// BindNotify sets the notifier raised on every successful Enqueue.
func (q *Priority) BindNotify(n notify.Notifier) {
	q.notify.Store(&notifierBox{n: n})
}

// BindWritable sets the notifier raised once a level which refused a
// request drains back below its caps.
func (q *Priority) BindWritable(n notify.Notifier) {
	q.writable.Store(&notifierBox{n: n})
}

// Enqueue adds req, taking a reference on it. Requests are subject to the
// caps, responses never are: refusing a response would lose it.
func (q *Priority) Enqueue(req *request.Request) error {
	pri := req.Priority()
	if !pri.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, pri)
	}
	lvl := &q.levels[pri]
	size := int64(req.Size())

	if req.Sealed() || req.Detached() {
		lvl.length.Add(1)
		lvl.bytes.Add(size)
	} else if !lvl.reserve(q.caps, size) {
		lvl.refused.Store(true)
		return ErrBackpressure
	}

	req.Ref()
	lvl.fifo.Push(req)
	if box := q.notify.Load(); box != nil {
		box.n.Raise()
	}
	return nil
}

// Dequeue pops from the highest non-empty priority.
func (q *Priority) Dequeue() (*request.Request, bool) {
	for pri := int(wire.NumPriorities) - 1; pri >= 0; pri-- {
		if req, ok := q.DequeuePriority(wire.Priority(pri)); ok {
			return req, true
		}
	}
	return nil, false
}

// DequeuePriority pops from a single level. A request whose only holder
// is the queue is abandoned: it is released and skipped.
func (q *Priority) DequeuePriority(pri wire.Priority) (*request.Request, bool) {
	if !pri.Valid() {
		return nil, false
	}
	lvl := &q.levels[pri]
	for {
		req, ok := lvl.fifo.Pop()
		if !ok {
			return nil, false
		}
		lvl.length.Add(-1)
		lvl.bytes.Add(-int64(req.Size()))
		q.checkWritable(lvl)

		if req.RefCount() == 1 && !req.Detached() {
			req.Release()
			q.evaporated.Add(1)
			continue
		}
		return req, true
	}
}

func (q *Priority) checkWritable(lvl *level) {
	if !lvl.refused.Load() || !lvl.below(q.caps) {
		return
	}
	if !lvl.refused.CompareAndSwap(true, false) {
		return
	}
	if box := q.writable.Load(); box != nil {
		box.n.Raise()
	}
}

// PeekHead reports whether work may exist without consuming it. The head
// may still evaporate on the next Dequeue.
func (q *Priority) PeekHead() bool {
	for i := range q.levels {
		if !q.levels[i].fifo.Empty() {
			return true
		}
	}
	return false
}

// PeekPriority is PeekHead for a single level.
func (q *Priority) PeekPriority(pri wire.Priority) bool {
	return pri.Valid() && !q.levels[pri].fifo.Empty()
}

// Len returns the number of queued items at pri.
func (q *Priority) Len(pri wire.Priority) int {
	if !pri.Valid() {
		return 0
	}
	return int(q.levels[pri].length.Load())
}

// Bytes returns the number of queued bytes at pri.
func (q *Priority) Bytes(pri wire.Priority) int {
	if !pri.Valid() {
		return 0
	}
	return int(q.levels[pri].bytes.Load())
}

// Total is the number of queued items across all levels.
func (q *Priority) Total() int {
	total := 0
	for i := range q.levels {
		total += int(q.levels[i].length.Load())
	}
	return total
}

// Evaporated counts the abandoned requests skipped by Dequeue.
func (q *Priority) Evaporated() uint64 {
	return q.evaporated.Load()
}

// Drain pops everything, including abandoned requests, and hands each one
// to fn along with the queue's reference.
func (q *Priority) Drain(fn func(*request.Request)) int {
	n := 0
	for pri := int(wire.NumPriorities) - 1; pri >= 0; pri-- {
		lvl := &q.levels[pri]
		for {
			req, ok := lvl.fifo.Pop()
			if !ok {
				break
			}
			lvl.length.Add(-1)
			lvl.bytes.Add(-int64(req.Size()))
			fn(req)
			n++
		}
	}
	return n
}
