// Package loop provides the serial execution context every channel is
// bound to. Functions submitted to the same loop never run concurrently.
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raskyld/tasklink/pkg/queue"
)

var ErrStopped = errors.New("loop: stopped")

// Loop is a goroutine draining a private lock-free inbox.
type Loop struct {
	name    string
	inbox   *queue.Fifo[func()]
	wake    chan struct{}
	stopCh  chan struct{}
	stopped atomic.Bool
	running atomic.Bool
	onLoop  atomic.Bool
	wg      sync.WaitGroup
	once    sync.Once
}

func New(name string) *Loop {
	return &Loop{
		name:   name,
		inbox:  queue.NewFifo[func()](),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

func (l *Loop) Name() string {
	return l.name
}

// Submit schedules fn. It never blocks.
func (l *Loop) Submit(fn func()) error {
	if l.stopped.Load() {
		return ErrStopped
	}
	l.inbox.Push(fn)
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run executes submitted functions until ctx is done or Stop is called.
// Functions still queued at that point are executed before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("loop: already running")
	}
	defer l.running.Store(false)
	for {
		l.Drain()
		select {
		case <-l.wake:
		case <-l.stopCh:
			l.Drain()
			return nil
		case <-ctx.Done():
			l.Stop()
			l.Drain()
			return ctx.Err()
		}
	}
}

// Drain runs every queued function on the calling goroutine and returns
// how many ran. It must not be called concurrently with Run.
func (l *Loop) Drain() int {
	n := 0
	for {
		fn, ok := l.inbox.Pop()
		if !ok {
			return n
		}
		l.onLoop.Store(true)
		fn()
		l.onLoop.Store(false)
		n++
	}
}

// OnLoop reports whether a function of this loop is currently executing.
// It is only meant for assertions.
func (l *Loop) OnLoop() bool {
	return l.onLoop.Load()
}

// Every submits fn every interval until the returned stop function is
// called or the loop stops. Ticks are skipped while a previous fn is still
// queued.
func (l *Loop) Every(interval time.Duration, fn func()) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var armed atomic.Bool

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !armed.CompareAndSwap(false, true) {
					continue
				}
				err := l.Submit(func() {
					armed.Store(false)
					fn()
				})
				if err != nil {
					return
				}
			case <-done:
				return
			case <-l.stopCh:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Stop refuses new work, wakes Run and waits for periodic goroutines.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.stopped.Store(true)
		close(l.stopCh)
	})
	l.wg.Wait()
}

func (l *Loop) Stopped() bool {
	return l.stopped.Load()
}
