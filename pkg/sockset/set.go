// Package sockset moves bytes between brokers: a Set bundles one socket
// per priority toward a single peer, each socket being a QUIC stream.
package sockset

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/tasklink/pkg/gc"
	"github.com/raskyld/tasklink/pkg/notify"
	"github.com/raskyld/tasklink/pkg/wire"
)

// Dialer opens outgoing sockets. [Transport] implements it.
type Dialer interface {
	OpenStream(ctx context.Context, addr string, hs wire.Handshake) (Stream, error)
}

type Config struct {
	Dialer Dialer

	// Handshake sent on every socket, its priority is overwritten.
	Handshake wire.Handshake

	// Outbox is the number of messages a socket buffers, default 256.
	Outbox int

	// AgeOut tears the set down after that long without activity. Zero
	// disables it.
	AgeOut time.Duration

	// OnState is called, from any goroutine, on socket state changes.
	OnState func(pri wire.Priority, state State, err error)

	Truck        *gc.Truck
	Logger       *slog.Logger
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

// Set is safe for concurrent use.
type Set struct {
	sockets  [wire.NumPriorities]*Socket
	dialer   Dialer
	hs       wire.Handshake
	ageOut   time.Duration
	activity atomic.Int64
	onState  atomic.Pointer[stateHook]

	refs      atomic.Int32
	closed    atomic.Bool
	reclaimed atomic.Bool
	truck     *gc.Truck

	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label
}

var _ gc.Reclaimable = (*Set)(nil)

// New returns a set holding one reference, owned by the caller.
func New(cfg Config) *Set {
	s := &Set{
		dialer:  cfg.Dialer,
		hs:      cfg.Handshake,
		ageOut:  cfg.AgeOut,
		truck:   cfg.Truck,
		logger:  cfg.Logger,
		msink:   cfg.MetricSink,
		mLabels: cfg.MetricLabels,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.msink == nil {
		s.msink = &metrics.BlackholeSink{}
	}
	outbox := cfg.Outbox
	if outbox <= 0 {
		outbox = 256
	}
	if cfg.OnState != nil {
		s.SetOnState(cfg.OnState)
	}
	for pri := range s.sockets {
		s.sockets[pri] = newSocket(wire.Priority(pri), outbox, s)
	}
	s.activity.Store(time.Now().UnixNano())
	s.refs.Store(1)
	return s
}

type stateHook struct {
	fn func(pri wire.Priority, state State, err error)
}

// SetOnState replaces the state change callback, for owners which only get
// the set once it was created, like the one of an accepted set.
func (s *Set) SetOnState(fn func(pri wire.Priority, state State, err error)) {
	s.onState.Store(&stateHook{fn: fn})
}

func (s *Set) notifyState(pri wire.Priority, to State, err error) {
	if hook := s.onState.Load(); hook != nil && hook.fn != nil {
		hook.fn(pri, to, err)
	}
}

func (s *Set) socket(pri wire.Priority) (*Socket, error) {
	if !pri.Valid() {
		return nil, fmt.Errorf("sockset: invalid priority %d", pri)
	}
	return s.sockets[pri], nil
}

// Socket gives access to a single priority.
func (s *Set) Socket(pri wire.Priority) *Socket {
	sock, err := s.socket(pri)
	if err != nil {
		panic(err)
	}
	return sock
}

// Connect dials addr for one priority in the background. The socket is
// Connecting when Connect returns; sends are buffered until it connects.
func (s *Set) Connect(ctx context.Context, addr string, pri wire.Priority) error {
	sock, err := s.socket(pri)
	if err != nil {
		return err
	}
	if s.dialer == nil {
		return fmt.Errorf("%w: no dialer", ErrNotConnected)
	}
	if err := sock.beginConnect(); err != nil {
		return err
	}

	hs := s.hs
	hs.Priority = pri
	go func() {
		stream, err := s.dialer.OpenStream(ctx, addr, hs)
		if err != nil {
			sock.connectFailed(err)
			return
		}
		if err := sock.attach(stream, nil); err != nil {
			sock.connectFailed(err)
		}
	}()
	return nil
}

// ConnectAll dials every priority.
func (s *Set) ConnectAll(ctx context.Context, addr string) error {
	for pri := range s.sockets {
		if err := s.Connect(ctx, addr, wire.Priority(pri)); err != nil {
			return err
		}
	}
	return nil
}

// Attach binds an accepted stream.
func (s *Set) Attach(pri wire.Priority, stream Stream, rd *bufio.Reader) error {
	sock, err := s.socket(pri)
	if err != nil {
		return err
	}
	sock.state.CompareAndSwap(uint32(StateIdle), uint32(StateConnecting))
	return sock.attach(stream, rd)
}

func (s *Set) Send(pri wire.Priority, buf []byte) error {
	sock, err := s.socket(pri)
	if err != nil {
		return err
	}
	return sock.Send(buf)
}

func (s *Set) SendCopy(pri wire.Priority, buf []byte) error {
	sock, err := s.socket(pri)
	if err != nil {
		return err
	}
	return sock.SendCopy(buf)
}

func (s *Set) Recv(pri wire.Priority) ([]byte, bool) {
	sock, err := s.socket(pri)
	if err != nil {
		return nil, false
	}
	return sock.Recv()
}

func (s *Set) State(pri wire.Priority) State {
	sock, err := s.socket(pri)
	if err != nil {
		return StateClosed
	}
	return sock.State()
}

// Connected reports whether every priority is connected.
func (s *Set) Connected() bool {
	for _, sock := range s.sockets {
		if sock.State() != StateConnected {
			return false
		}
	}
	return true
}

func (s *Set) Pollout(pri wire.Priority, on bool) {
	if sock, err := s.socket(pri); err == nil {
		sock.Pollout(on)
	}
}

func (s *Set) BindInput(pri wire.Priority, n notify.Notifier) {
	if sock, err := s.socket(pri); err == nil {
		sock.input.Store(&notifierBox{n: n})
	}
}

func (s *Set) BindOutput(pri wire.Priority, n notify.Notifier) {
	if sock, err := s.socket(pri); err == nil {
		sock.output.Store(&notifierBox{n: n})
	}
}

func (s *Set) Pause(pri wire.Priority) {
	if sock, err := s.socket(pri); err == nil {
		sock.PauseInput()
	}
}

func (s *Set) Resume(pri wire.Priority) {
	if sock, err := s.socket(pri); err == nil {
		sock.ResumeInput()
	}
}

// Touch records application activity, postponing the age-out.
func (s *Set) Touch() {
	s.activity.Store(time.Now().UnixNano())
}

// LastActivity is the time of the last send, receive or Touch.
func (s *Set) LastActivity() time.Time {
	return time.Unix(0, s.activity.Load())
}

// Idle reports whether the set went without activity for its age-out.
func (s *Set) Idle(now time.Time) bool {
	if s.ageOut <= 0 || s.closed.Load() {
		return false
	}
	return now.Sub(s.LastActivity()) >= s.ageOut
}

// AgeOut closes the set if it is idle and returns whether it did.
func (s *Set) AgeOut(now time.Time) bool {
	if !s.Idle(now) {
		return false
	}
	s.logger.Info("sockset: tearing down idle socket set", "idle", now.Sub(s.LastActivity()).String())
	s.msink.IncrCounterWithLabels(MetricSetAgedOut, 1.0, s.mLabels)
	s.Close()
	return true
}

// Close tears every socket down and waits for their goroutines.
func (s *Set) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, sock := range s.sockets {
		sock.close(nil)
	}
	for _, sock := range s.sockets {
		sock.wait()
	}
	return nil
}

func (s *Set) Closed() bool {
	return s.closed.Load()
}

func (s *Set) Ref() {
	if s.refs.Add(1) <= 1 && s.reclaimed.Load() {
		panic("sockset: referenced after reclaim")
	}
}

func (s *Set) Release() bool {
	refs := s.refs.Add(-1)
	if refs < 0 {
		panic("sockset: released past zero")
	}
	if refs > 0 {
		return false
	}
	if s.truck != nil {
		s.truck.Defer(s)
	} else {
		s.Reclaim()
	}
	return true
}

func (s *Set) RefCount() int32 {
	return s.refs.Load()
}

func (s *Set) Kind() gc.Kind {
	return gc.KindSocketSet
}

func (s *Set) Reclaim() {
	if s.reclaimed.CompareAndSwap(false, true) {
		s.Close()
	}
}

func (s *Set) String() string {
	return fmt.Sprintf("sockset(%s ch=%d)", s.hs.ChannelType, s.hs.ChannelID)
}
