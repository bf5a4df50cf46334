// Package queue provides the lock-free FIFO and the per-priority queue
// every channel uses for intra-process delivery and transport buffering.
package queue

import "sync/atomic"

type node[T any] struct {
	val  T
	next atomic.Pointer[node[T]]
}

// Fifo is an unbounded lock-free multi-producer multi-consumer queue
// (Michael & Scott). The garbage collector rules out ABA on node reuse.
//
// Length is intentionally not tracked here: callers that need it keep
// their own counters.
type Fifo[T any] struct {
	head atomic.Pointer[node[T]]
	tail atomic.Pointer[node[T]]
}

func NewFifo[T any]() *Fifo[T] {
	f := &Fifo[T]{}
	sentinel := &node[T]{}
	f.head.Store(sentinel)
	f.tail.Store(sentinel)
	return f
}

func (f *Fifo[T]) Push(val T) {
	n := &node[T]{val: val}
	for {
		tail := f.tail.Load()
		next := tail.next.Load()
		if tail != f.tail.Load() {
			continue
		}
		if next != nil {
			// Tail is lagging, help it forward.
			f.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			f.tail.CompareAndSwap(tail, n)
			return
		}
	}
}

func (f *Fifo[T]) Pop() (val T, ok bool) {
	for {
		head := f.head.Load()
		tail := f.tail.Load()
		next := head.next.Load()
		if head != f.head.Load() {
			continue
		}
		if next == nil {
			return val, false
		}
		if head == tail {
			f.tail.CompareAndSwap(tail, next)
			continue
		}
		// next.val is immutable once published.
		val = next.val
		if f.head.CompareAndSwap(head, next) {
			return val, true
		}
	}
}

// Empty may report a stale answer under concurrent use.
func (f *Fifo[T]) Empty() bool {
	return f.head.Load().next.Load() == nil
}
