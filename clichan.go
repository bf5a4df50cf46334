package tasklink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/raskyld/tasklink/pkg/queue"
	"github.com/raskyld/tasklink/pkg/request"
	"github.com/raskyld/tasklink/pkg/telemetry"
	"github.com/raskyld/tasklink/pkg/wire"
)

type sendOpts struct {
	priority wire.Priority
	timeout  time.Duration
	stream   uint32
	format   wire.PayloadFormat
	callback request.Callback
	blocking bool
}

// SendOption tunes a single request.
type SendOption func(*sendOpts)

func WithPriority(pri wire.Priority) SendOption {
	return func(o *sendOpts) { o.priority = pri }
}

// WithTimeout bounds how long the broker waits for a response before it
// bounces the request. It is rounded up to the centisecond and capped to
// what the header can carry. Zero means no timeout.
func WithTimeout(timeout time.Duration) SendOption {
	return func(o *sendOpts) { o.timeout = timeout }
}

// WithStream orders the request after the previous ones sent on the same
// stream to the same destination.
func WithStream(id uint32) SendOption {
	return func(o *sendOpts) { o.stream = id }
}

func WithFormat(format wire.PayloadFormat) SendOption {
	return func(o *sendOpts) { o.format = format }
}

// WithCallback runs fn on the channel loop once the response landed.
func WithCallback(fn request.Callback) SendOption {
	return func(o *sendOpts) { o.callback = fn }
}

func timeoutCentis(d time.Duration) uint16 {
	if d <= 0 {
		return 0
	}
	cs := (d + 10*time.Millisecond - 1) / (10 * time.Millisecond)
	return uint16(min(cs, wire.MaxTimeout))
}

// ClientChannel sends requests and receives their responses. Send may be
// called from any goroutine, callbacks run on the channel loop.
type ClientChannel struct {
	*chanBase
	bro *BrokerClientChannel

	// queue holds responses delivered by its broker client channel.
	queue *queue.Priority

	lk       sync.Mutex
	nextID   uint32
	streams  map[streamKey]*stream
	pending  map[uint32]*request.Request
	feedme   map[uint64][]func()
	reopened chan struct{}
}

func (b *Broker) newClient(id uint32) *ClientChannel {
	c := &ClientChannel{
		chanBase: b.newBase(id, wire.ChannelClient, nil),
		queue:    queue.NewPriority(queue.Caps{}),
		streams:  make(map[streamKey]*stream),
		pending:  make(map[uint32]*request.Request),
		feedme:   make(map[uint64][]func()),
		reopened: make(chan struct{}),
	}
	c.queue.BindNotify(c.notifyOnLoop(c.receiveLocal))
	return c
}

// Broker returns the broker client channel forwarding for c.
func (c *ClientChannel) Broker() *BrokerClientChannel {
	return c.bro
}

// Send a request to a method of dest. The returned request is only valid
// to identify or cancel it. [ErrBackpressure] means the stream window is
// closed, functions registered with FeedMe run once it reopens.
func (c *ClientChannel) Send(dest string, method uint32, payload []byte, opts ...SendOption) (*request.Request, error) {
	o := sendOpts{priority: wire.PriorityDefault}
	for _, opt := range opts {
		opt(&o)
	}
	if dest == "" {
		return nil, ErrInvalidPath
	}
	if !o.priority.Valid() {
		return nil, ErrInvalidPriority
	}
	if c.halted() {
		return nil, ErrChannelHalted
	}

	c.lk.Lock()
	defer c.lk.Unlock()

	st := c.stream(streamKey{path: wire.PathHash(dest), id: o.stream})
	if !st.open() {
		c.msink.IncrCounterWithLabels(MetricBackpressureCount, 1.0, c.mLabels)
		return nil, ErrBackpressure
	}

	seq := st.nextSeq(o.priority)
	h := wire.Header{
		ID: wire.ID{
			Broker:  c.broker.instanceID,
			Channel: c.id,
			Local:   c.allocID(),
		},
		Priority: o.priority,
		Format:   o.format,
		Blocking: o.blocking,
		Timeout:  timeoutCentis(o.timeout),
		PathHash: st.key.path,
		Method:   method,
		StreamID: o.stream,
		Seq:      seq,
	}
	req := request.New(c.broker.truck, h, payload)
	req.Callback = o.callback
	req.Origin = c.bro

	if err := c.bro.submitRequest(req); err != nil {
		st.unwindSeq(o.priority, seq)
		req.Release()
		if errors.Is(err, queue.ErrBackpressure) {
			c.msink.IncrCounterWithLabels(MetricBackpressureCount, 1.0, c.mLabels)
			return nil, ErrBackpressure
		}
		return nil, err
	}
	c.holdOnRequest(req)
	st.outstanding++
	c.pending[h.ID.Local] = req
	c.msink.IncrCounterWithLabels(MetricRequestSent, 1.0, c.mLabels)
	return req, nil
}

func (c *ClientChannel) stream(key streamKey) *stream {
	st, ok := c.streams[key]
	if !ok {
		st = newStream(key, c.broker.tun.serverWindow)
		c.streams[key] = st
	}
	return st
}

// allocID returns a local id, never 0 and not used by a pending request.
func (c *ClientChannel) allocID() uint32 {
	for {
		c.nextID++
		if c.nextID == 0 {
			continue
		}
		if _, used := c.pending[c.nextID]; !used {
			return c.nextID
		}
	}
}

// nextLocal is the lowest local id allocID can return next.
func (c *ClientChannel) nextLocal() uint32 {
	if c.nextID+1 == 0 {
		return 1
	}
	return c.nextID + 1
}

// restartsStream reports the bounces after which the server never saw the
// request, leaving a hole in the sequence of its stream.
func restartsStream(code wire.Bounce) bool {
	switch code {
	case wire.BounceNoDestination, wire.BounceNoMethod, wire.BounceNoPeer,
		wire.BounceMalformed, wire.BounceSequenceReset:
		return true
	}
	return false
}

// restartStream numbers the stream of h from 0 again, unless that already
// happened since h was sent.
func (c *ClientChannel) restartStream(h *wire.Header) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.restartLocked(h)
}

func (c *ClientChannel) restartLocked(h *wire.Header) {
	st, ok := c.streams[streamKey{path: h.PathHash, id: h.StreamID}]
	if ok && st.restart(h.Priority, h.ID.Local, c.nextLocal()) {
		c.logger.Debug(
			"stream restarts at sequence 0",
			"stream", h.StreamID,
			telemetry.LabelPriority.L(h.Priority.String()),
		)
	}
}

// SendBlocking sends a request and waits for its response payload. A
// closed window is waited for. If ctx is done first the request is
// cancelled. It must not be called from a callback or a handler sharing
// the channel loop.
func (c *ClientChannel) SendBlocking(ctx context.Context, dest string, method uint32, payload []byte, opts ...SendOption) ([]byte, error) {
	done := make(chan *request.Request, 1)
	opts = append(opts, WithCallback(func(req *request.Request) {
		done <- req
	}), func(o *sendOpts) { o.blocking = true })

	for {
		reopened := c.reopenedCh()
		req, err := c.Send(dest, method, payload, opts...)
		if errors.Is(err, ErrBackpressure) {
			select {
			case <-reopened:
			case <-time.After(c.broker.tun.wheelGranule):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		select {
		case rsp := <-done:
			if err := rsp.Err(); err != nil {
				return nil, err
			}
			return rsp.ResponsePayload, nil
		case <-ctx.Done():
			_ = c.Cancel(req)
			return nil, ctx.Err()
		}
	}
}

func (c *ClientChannel) reopenedCh() <-chan struct{} {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.reopened
}

// Cancel gives up on a request. Its callback still runs, with a
// terminated bounce, unless the response won the race.
func (c *ClientChannel) Cancel(req *request.Request) error {
	id := req.ID()
	if id.Channel != c.id || id.Broker != c.broker.instanceID {
		return ErrNotLocal
	}
	cr := request.New(c.broker.truck, wire.Header{
		ID:       id,
		Priority: req.Priority(),
		Cancel:   true,
	}, nil)
	cr.Detach()
	err := c.bro.submitRequest(cr)
	cr.Release()
	return err
}

// FeedMe registers fn to run, on the channel loop, every time the window
// of a stream toward dest reopens.
func (c *ClientChannel) FeedMe(dest string, fn func()) {
	hash := wire.PathHash(dest)
	c.lk.Lock()
	defer c.lk.Unlock()
	c.feedme[hash] = append(c.feedme[hash], fn)
}

// ResetStream restarts the sequence of a stream: the server bounces what
// it still queues for it with a server-reset.
func (c *ClientChannel) ResetStream(dest string, id uint32) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if st, ok := c.streams[streamKey{path: wire.PathHash(dest), id: id}]; ok {
		st.reset(c.nextLocal())
	}
}

// Window returns the last window advertised for a stream.
func (c *ClientChannel) Window(dest string, id uint32) int {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.stream(streamKey{path: wire.PathHash(dest), id: id}).window
}

// Pending is the number of requests waiting for a response.
func (c *ClientChannel) Pending() int {
	c.lk.Lock()
	defer c.lk.Unlock()
	return len(c.pending)
}

func (c *ClientChannel) receiveLocal() {
	for {
		rsp, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		c.complete(rsp)
	}
}

// complete consumes the caller's reference on req.
func (c *ClientChannel) complete(req *request.Request) {
	defer req.Release()

	local := req.ID().Local
	c.lk.Lock()
	if c.pending[local] != req {
		c.lk.Unlock()
		return
	}
	delete(c.pending, local)
	st := c.stream(streamKey{path: req.Header.PathHash, id: req.Header.StreamID})
	reopened := st.settle(req.Response.Window)
	if restartsStream(req.Response.Bounce) {
		c.restartLocked(&req.Header)
	}
	var feed []func()
	if reopened {
		feed = c.feedme[st.key.path]
		close(c.reopened)
		c.reopened = make(chan struct{})
	}
	c.lk.Unlock()

	if req.Callback != nil {
		req.Callback(req)
	}
	for _, fn := range feed {
		fn()
	}
	// The reference taken by Send.
	req.Release()
}

// Halt terminates every pending request, their callbacks run with a
// terminated bounce.
func (c *ClientChannel) Halt() {
	if !c.beginHalt() {
		return
	}
	c.bro.Halt()
	c.onLoop(func() {
		c.queue.Drain(c.complete)
		c.lk.Lock()
		left := len(c.pending)
		c.lk.Unlock()
		if left > 0 {
			c.logger.Warn("client channel halted with requests unanswered", "pending", left)
		}
	})
}

// Close halts the channel and drops the caller's reference.
func (c *ClientChannel) Close() {
	c.Halt()
	c.bro.Release()
	c.Release()
}
