// Package notify provides edge-triggered wakeups bound to queues and
// sockets, so a scheduler can be told that work is ready without polling.
//
// A raise while paused is remembered and fires once on Resume. Several
// raises before the handler runs coalesce into a single call.
package notify

import (
	"sync/atomic"
)

// Notifier is raised by producers and consumed by whoever owns the work.
type Notifier interface {
	Raise()
	Pause()
	Resume()
	Close()
}

// Submitter is the part of an event loop a [Loop] notifier needs.
type Submitter interface {
	Submit(fn func()) error
}

type gate struct {
	paused  atomic.Bool
	pending atomic.Bool
	closed  atomic.Bool
}

// admit returns true when the raise may fire now. Otherwise the raise is
// recorded for Resume, or dropped if the notifier is closed.
func (g *gate) admit() bool {
	if g.closed.Load() {
		return false
	}
	if !g.paused.Load() {
		return true
	}
	g.pending.Store(true)
	// Resume may have run between the two loads above.
	return !g.paused.Load() && g.pending.Swap(false)
}

func (g *gate) Pause() {
	g.paused.Store(true)
}

func (g *gate) resume() bool {
	g.paused.Store(false)
	return g.pending.Swap(false) && !g.closed.Load()
}

func (g *gate) Close() {
	g.closed.Store(true)
}

// Func calls its handler synchronously on the raising goroutine.
type Func struct {
	gate
	fn func()
}

var _ Notifier = (*Func)(nil)

func NewFunc(fn func()) *Func {
	return &Func{fn: fn}
}

func (n *Func) Raise() {
	if n.admit() {
		n.fn()
	}
}

func (n *Func) Resume() {
	if n.resume() {
		n.fn()
	}
}

// Chan is the file-descriptor flavour: a raise makes a single token
// readable on C until it is consumed.
type Chan struct {
	gate
	ch chan struct{}
}

var _ Notifier = (*Chan)(nil)

func NewChan() *Chan {
	return &Chan{ch: make(chan struct{}, 1)}
}

func (n *Chan) C() <-chan struct{} {
	return n.ch
}

func (n *Chan) Raise() {
	if n.admit() {
		n.signal()
	}
}

func (n *Chan) Resume() {
	if n.resume() {
		n.signal()
	}
}

func (n *Chan) signal() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Loop schedules its handler on an event loop. The handler runs at most
// once per batch of raises.
type Loop struct {
	gate
	loop  Submitter
	fn    func()
	armed atomic.Bool
}

var _ Notifier = (*Loop)(nil)

func NewLoop(loop Submitter, fn func()) *Loop {
	return &Loop{loop: loop, fn: fn}
}

func (n *Loop) Raise() {
	if n.admit() {
		n.schedule()
	}
}

func (n *Loop) Resume() {
	if n.resume() {
		n.schedule()
	}
}

func (n *Loop) schedule() {
	if !n.armed.CompareAndSwap(false, true) {
		return
	}
	err := n.loop.Submit(func() {
		n.armed.Store(false)
		if n.closed.Load() {
			return
		}
		if n.paused.Load() {
			n.pending.Store(true)
			return
		}
		n.fn()
	})
	if err != nil {
		// The loop is gone, nothing will ever consume the work.
		n.armed.Store(false)
		n.Close()
	}
}
