package tasklink

import (
	"context"
	"fmt"
	"sync"

	"github.com/raskyld/tasklink/pkg/queue"
	"github.com/raskyld/tasklink/pkg/registry"
	"github.com/raskyld/tasklink/pkg/request"
	"github.com/raskyld/tasklink/pkg/telemetry"
	"github.com/raskyld/tasklink/pkg/wire"
)

// Handler serves a request. It runs on the loop of its [ServerChannel] and
// may answer later, from any goroutine, through [Incoming.Respond].
type Handler func(in *Incoming)

// Incoming is a request being served.
type Incoming struct {
	req    *request.Request
	srv    *ServerChannel
	ctx    context.Context
	cancel context.CancelFunc
}

func (in *Incoming) ID() wire.ID {
	return in.req.ID()
}

func (in *Incoming) Method() uint32 {
	return in.req.Header.Method
}

func (in *Incoming) Priority() wire.Priority {
	return in.req.Priority()
}

func (in *Incoming) Format() wire.PayloadFormat {
	return in.req.Header.Format
}

func (in *Incoming) Payload() []byte {
	return in.req.Payload
}

// Context is cancelled when the client cancels the request or the
// channel halts.
func (in *Incoming) Context() context.Context {
	return in.ctx
}

func (in *Incoming) Respond(payload []byte) error {
	return in.srv.Respond(in, payload)
}

type handlerKey struct {
	path   uint64
	format wire.PayloadFormat
	method uint32
}

// ServerChannel serves the paths bound to it.
type ServerChannel struct {
	*chanBase
	bro *BrokerServerChannel

	// queue holds the requests its broker server channel dispatched.
	queue *queue.Priority

	lk       sync.Mutex
	handlers map[handlerKey]Handler
	inflight map[uint64]*Incoming
}

func (b *Broker) newServer(id uint32) *ServerChannel {
	s := &ServerChannel{
		chanBase: b.newBase(id, wire.ChannelServer, nil),
		queue:    queue.NewPriority(b.tun.caps),
		handlers: make(map[handlerKey]Handler),
		inflight: make(map[uint64]*Incoming),
	}
	s.queue.BindNotify(s.notifyOnLoop(s.receiveLocal))
	return s
}

// Broker returns the broker server channel feeding s.
func (s *ServerChannel) Broker() *BrokerServerChannel {
	return s.bro
}

// Bind serves the given methods of path, every method when none is given.
func (s *ServerChannel) Bind(path string, handler Handler, methods ...uint32) error {
	return s.BindFormat(path, wire.FormatRaw, handler, methods...)
}

// BindFormat is Bind for requests of a given payload format.
func (s *ServerChannel) BindFormat(path string, format wire.PayloadFormat, handler Handler, methods ...uint32) error {
	if path == "" {
		return ErrInvalidPath
	}
	if s.halted() {
		return ErrChannelHalted
	}
	if len(methods) == 0 {
		methods = []uint32{registry.AnyMethod}
	}

	hash := wire.PathHash(path)
	var bound []registry.Binding
	for _, method := range methods {
		binding := registry.Binding{
			Type:     registry.BindingLocal,
			Instance: s.broker.instanceID,
			PathHash: hash,
			Method:   method,
			Format:   format,
			Path:     path,
			Target:   s.bro,
		}
		if err := s.broker.registry.Bind(binding); err != nil {
			s.broker.registry.Unbind(func(b registry.Binding) bool {
				return b.Target == s.bro && hasBinding(bound, b)
			})
			return fmt.Errorf("failed to bind %s: %w", path, err)
		}
		bound = append(bound, binding)
	}

	s.lk.Lock()
	for _, method := range methods {
		s.handlers[handlerKey{path: hash, format: format, method: method}] = handler
	}
	s.lk.Unlock()

	s.broker.advertise(bound, wire.BindAdvertise)
	s.logger.Info("path bound", telemetry.LabelPath.L(path), "methods", methods)
	return nil
}

func hasBinding(list []registry.Binding, b registry.Binding) bool {
	for _, o := range list {
		if o.PathHash == b.PathHash && o.Method == b.Method && o.Format == b.Format {
			return true
		}
	}
	return false
}

func (s *ServerChannel) handler(h *wire.Header) (Handler, bool) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if fn, ok := s.handlers[handlerKey{path: h.PathHash, format: h.Format, method: h.Method}]; ok {
		return fn, true
	}
	fn, ok := s.handlers[handlerKey{path: h.PathHash, format: h.Format, method: registry.AnyMethod}]
	return fn, ok
}

func (s *ServerChannel) receiveLocal() {
	for {
		req, ok := s.queue.Dequeue()
		if !ok {
			return
		}
		s.serve(req)
	}
}

// serve consumes the caller's reference on req, unless the handler keeps
// it until it responds.
func (s *ServerChannel) serve(req *request.Request) {
	if s.halted() {
		req.Bounce(wire.BounceTerminated)
	}
	if req.Sealed() {
		// Let the broker server channel account for it.
		s.giveBack(req)
		return
	}
	fn, ok := s.handler(&req.Header)
	if !ok {
		req.Bounce(wire.BounceNoMethod)
		s.msink.IncrCounterWithLabels(MetricRequestBounced, 1.0, s.bounceLabels(wire.BounceNoMethod))
		s.giveBack(req)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	in := &Incoming{req: req, srv: s, ctx: ctx, cancel: cancel}
	s.lk.Lock()
	s.inflight[req.ID().Pack()] = in
	s.lk.Unlock()
	fn(in)
}

func (s *ServerChannel) giveBack(req *request.Request) {
	if err := s.bro.submitResponse(req); err != nil {
		s.logger.Debug("could not give a request back", telemetry.LabelError.L(err))
	}
	req.Release()
}

// Respond answers in. Only the first answer of a request counts, later
// ones return [ErrNotInService].
func (s *ServerChannel) Respond(in *Incoming, payload []byte) error {
	key := in.req.ID().Pack()
	s.lk.Lock()
	cur, ok := s.inflight[key]
	if ok && cur == in {
		delete(s.inflight, key)
	}
	s.lk.Unlock()
	if !ok || cur != in {
		return ErrNotInService
	}
	defer in.cancel()

	in.req.Seal(wire.Header{Format: in.req.Header.Format}, payload)
	s.giveBack(in.req)
	return nil
}

// cancelInService cancels the context of a request the client gave up.
func (s *ServerChannel) cancelInService(id wire.ID) {
	s.lk.Lock()
	in, ok := s.inflight[id.Pack()]
	s.lk.Unlock()
	if ok {
		in.cancel()
	}
}

// InService is the number of requests handlers did not answer yet.
func (s *ServerChannel) InService() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return len(s.inflight)
}

// Halt unbinds every path and terminates what is queued or in service.
func (s *ServerChannel) Halt() {
	if !s.beginHalt() {
		return
	}
	removed := s.broker.registry.UnbindTarget(s.bro)
	s.broker.advertise(removed, wire.BindWithdraw)
	s.onLoop(func() {
		s.lk.Lock()
		inflight := s.inflight
		s.inflight = make(map[uint64]*Incoming)
		s.lk.Unlock()
		for _, in := range inflight {
			in.cancel()
			in.req.Bounce(wire.BounceTerminated)
			s.giveBack(in.req)
		}
		s.queue.Drain(func(req *request.Request) {
			req.Bounce(wire.BounceTerminated)
			s.giveBack(req)
		})
		s.bro.Halt()
	})
}

// Close halts the channel and drops the caller's reference.
func (s *ServerChannel) Close() {
	s.Halt()
	s.bro.Release()
	s.Release()
}
