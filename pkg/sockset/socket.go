package sockset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/tasklink/pkg/notify"
	"github.com/raskyld/tasklink/pkg/queue"
	"github.com/raskyld/tasklink/pkg/telemetry"
	"github.com/raskyld/tasklink/pkg/wire"
)

// Stream is the part of a QUIC stream a socket uses.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
	CancelRead(quic.StreamErrorCode)
	CancelWrite(quic.StreamErrorCode)
}

type State uint32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Socket carries the traffic of one priority toward one peer. Sends and
// receives never block: a writer goroutine drains the outbox into the
// stream and a reader goroutine fills the inbox.
type Socket struct {
	pri   wire.Priority
	state atomic.Uint32

	lk     sync.Mutex
	stream Stream
	done   chan struct{}
	wg     sync.WaitGroup

	outbox  chan []byte
	blocked atomic.Bool
	pollout atomic.Bool

	inbox    *queue.Fifo[[]byte]
	inboxLen atomic.Int64
	paused   atomic.Bool
	resumeCh chan struct{}

	input  atomic.Pointer[notifierBox]
	output atomic.Pointer[notifierBox]

	activity *atomic.Int64
	set      *Set

	logger   *slog.Logger
	msink    metrics.MetricSink
	mLabels  []metrics.Label
	closeErr error
}

type notifierBox struct {
	n notify.Notifier
}

func newSocket(pri wire.Priority, outbox int, set *Set) *Socket {
	s := &Socket{
		pri:      pri,
		done:     make(chan struct{}),
		outbox:   make(chan []byte, outbox),
		inbox:    queue.NewFifo[[]byte](),
		resumeCh: make(chan struct{}, 1),
		activity: &set.activity,
		set:      set,
		logger:   set.logger.With(telemetry.LabelPriority.L(pri.String())),
		msink:    set.msink,
		mLabels:  telemetry.With(set.mLabels, telemetry.LabelPriority.M(pri.String())),
	}
	return s
}

func (s *Socket) State() State {
	return State(s.state.Load())
}

func (s *Socket) notifyState(to State, err error) {
	s.msink.IncrCounterWithLabels(
		MetricSocketStateChanges,
		1.0,
		telemetry.With(s.mLabels, telemetry.LabelState.M(to.String())),
	)
	s.set.notifyState(s.pri, to, err)
}

// beginConnect moves Idle to Connecting. Sends are buffered from then on.
func (s *Socket) beginConnect() error {
	if s.state.CompareAndSwap(uint32(StateIdle), uint32(StateConnecting)) {
		s.notifyState(StateConnecting, nil)
		return nil
	}
	switch s.State() {
	case StateClosed:
		return ErrClosed
	default:
		return ErrConnecting
	}
}

// attach binds the socket to an established stream. rd may carry bytes
// already buffered while reading the handshake.
func (s *Socket) attach(stream Stream, rd *bufio.Reader) error {
	s.lk.Lock()
	if s.State() == StateClosed {
		s.lk.Unlock()
		stream.CancelRead(QErrStreamClosed)
		stream.CancelWrite(QErrStreamClosed)
		return ErrClosed
	}
	if s.stream != nil {
		s.lk.Unlock()
		return fmt.Errorf("sockset: priority %s already attached", s.pri)
	}
	s.stream = stream
	if rd == nil {
		rd = bufio.NewReader(stream)
	}
	s.wg.Add(2)
	go s.writeLoop(stream)
	go s.readLoop(rd)
	from := State(s.state.Swap(uint32(StateConnected)))
	s.lk.Unlock()

	if from != StateConnected {
		s.notifyState(StateConnected, nil)
	}
	return nil
}

// connectFailed moves a Connecting socket back to Idle so it can be
// dialed again. Buffered sends stay in the outbox.
func (s *Socket) connectFailed(err error) {
	if s.state.CompareAndSwap(uint32(StateConnecting), uint32(StateIdle)) {
		s.logger.Debug("sockset: connect failed", telemetry.LabelError.L(err))
		s.notifyState(StateIdle, err)
	}
}

// Send queues buf, which the socket now owns.
func (s *Socket) Send(buf []byte) error {
	switch s.State() {
	case StateIdle:
		return ErrNotConnected
	case StateClosed:
		return ErrClosed
	}
	select {
	case s.outbox <- buf:
		s.activity.Store(time.Now().UnixNano())
		return nil
	default:
		s.blocked.Store(true)
		s.msink.IncrCounterWithLabels(MetricSocketBackpressure, 1.0, s.mLabels)
		return ErrBackpressure
	}
}

// SendCopy is Send for a buffer the caller keeps.
func (s *Socket) SendCopy(buf []byte) error {
	return s.Send(append([]byte(nil), buf...))
}

// Recv pops one received message.
func (s *Socket) Recv() ([]byte, bool) {
	buf, ok := s.inbox.Pop()
	if ok {
		s.inboxLen.Add(-1)
		s.activity.Store(time.Now().UnixNano())
	}
	return buf, ok
}

func (s *Socket) Pending() int {
	return int(s.inboxLen.Load())
}

// Pollout asks to be told, through the output notifier, once the socket
// can take more. Turning it on while writable raises right away.
func (s *Socket) Pollout(on bool) {
	s.pollout.Store(on)
	if on && len(s.outbox) < cap(s.outbox) && s.State() != StateIdle && s.State() != StateClosed {
		s.raiseOutput()
	}
}

func (s *Socket) raiseOutput() {
	if box := s.output.Load(); box != nil && s.pollout.Load() {
		box.n.Raise()
	}
}

// PauseInput stops reading from the stream, which pushes back on the
// peer through QUIC flow control.
func (s *Socket) PauseInput() {
	s.paused.Store(true)
	if box := s.input.Load(); box != nil {
		box.n.Pause()
	}
}

func (s *Socket) ResumeInput() {
	s.paused.Store(false)
	select {
	case s.resumeCh <- struct{}{}:
	default:
	}
	if box := s.input.Load(); box != nil {
		box.n.Resume()
	}
}

func (s *Socket) writeLoop(stream Stream) {
	defer s.wg.Done()
	for {
		select {
		case buf := <-s.outbox:
			if err := wire.WriteFrame(stream, buf); err != nil {
				s.fail(fmt.Errorf("%w: %w", ErrStreamWrite, err))
				return
			}
			s.msink.IncrCounterWithLabels(MetricSocketOutBytes, float32(len(buf)), s.mLabels)
			if len(s.outbox) < cap(s.outbox)/2+1 && s.blocked.CompareAndSwap(true, false) {
				s.raiseOutput()
			}
		case <-s.done:
			return
		}
	}
}

func (s *Socket) readLoop(rd *bufio.Reader) {
	defer s.wg.Done()
	for {
		for s.paused.Load() {
			select {
			case <-s.resumeCh:
			case <-s.done:
				return
			}
		}

		buf, err := wire.ReadFrame(rd, rd)
		if err != nil {
			select {
			case <-s.done:
			default:
				if errors.Is(err, io.EOF) {
					err = ErrClosed
				}
				s.fail(err)
			}
			return
		}
		s.msink.IncrCounterWithLabels(MetricSocketInBytes, float32(len(buf)), s.mLabels)
		s.inbox.Push(buf)
		s.inboxLen.Add(1)
		s.activity.Store(time.Now().UnixNano())
		if box := s.input.Load(); box != nil {
			box.n.Raise()
		}
	}
}

// fail closes the socket after a transport error and reports it.
func (s *Socket) fail(err error) {
	s.lk.Lock()
	if s.closeErr == nil {
		s.closeErr = err
	}
	s.lk.Unlock()
	s.logger.Debug("sockset: socket failed", telemetry.LabelError.L(err))
	s.close(err)
}

func (s *Socket) Err() error {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.closeErr
}

func (s *Socket) close(err error) {
	s.lk.Lock()
	if s.State() == StateClosed {
		s.lk.Unlock()
		return
	}
	s.state.Store(uint32(StateClosed))
	close(s.done)
	stream := s.stream
	s.lk.Unlock()

	if stream != nil {
		stream.CancelRead(QErrStreamClosed)
		stream.Close()
	}
	s.notifyState(StateClosed, err)
	if box := s.input.Load(); box != nil {
		// Let the owner observe the closure.
		box.n.Raise()
	}
}

func (s *Socket) wait() {
	s.wg.Wait()
}
