package tasklink

import (
	"errors"

	"github.com/raskyld/tasklink/pkg/notify"
	"github.com/raskyld/tasklink/pkg/queue"
	"github.com/raskyld/tasklink/pkg/registry"
	"github.com/raskyld/tasklink/pkg/request"
	"github.com/raskyld/tasklink/pkg/telemetry"
	"github.com/raskyld/tasklink/pkg/wire"
)

// outstanding is a request forwarded, or about to be, toward a server
// channel and not answered yet.
type outstanding struct {
	req    *request.Request
	target serverTarget
	bucket int32

	// delivered once the server channel acknowledged custody.
	delivered bool
	// held while the target refuses it with backpressure.
	held bool
}

// laneKey names the sequence of one client stream at one priority.
type laneKey struct {
	origin uint32
	path   uint64
	stream uint32
	pri    wire.Priority
}

func laneOf(h *wire.Header) laneKey {
	return laneKey{origin: h.ID.Origin(), path: h.PathHash, stream: h.StreamID, pri: h.Priority}
}

// laneState is the server channel a stream lane is numbered for, and
// whether a request of it was lost before reaching that server channel.
type laneState struct {
	target serverTarget
	broken bool
}

type ackKey struct {
	target serverTarget
	origin uint32
}

type pendingAck struct {
	id  wire.ID
	pri wire.Priority
}

// clientCore is the forwarding half shared by [BrokerClientChannel] and
// [PeerClientChannel]: it resolves destinations, tracks what is in
// flight, times requests out and acknowledges responses back to the
// server channels.
type clientCore struct {
	*chanBase
	self requester

	// queue holds requests and cancels, rspq responses and custody acks.
	queue *queue.Priority
	rspq  *queue.Priority

	// localOnly restricts resolution to local bindings, so a request
	// coming from a peer never takes a second hop.
	localOnly bool
	// echoCancel bounces a cancelled request back to its sender.
	echoCancel bool

	index    map[uint64]*outstanding
	wheel    *wheel
	held     map[serverTarget][]*outstanding
	lanes    map[laneKey]*laneState
	acks     map[ackKey][]pendingAck
	ackLimit int
	writable notify.Notifier
	deliver  func(req *request.Request)
	stopTick func()

	// onBreak, when set, runs once a stream lane loses a request.
	onBreak func(h *wire.Header)
}

func (c *clientCore) init(base *chanBase, self requester, deliver func(*request.Request)) {
	b := base.broker
	c.chanBase = base
	c.self = self
	c.queue = queue.NewPriority(b.tun.caps)
	c.rspq = queue.NewPriority(queue.Caps{})
	c.index = make(map[uint64]*outstanding)
	c.wheel = newWheel(b.tun.wheelSize, b.tun.wheelGranule, b.now())
	c.held = make(map[serverTarget][]*outstanding)
	c.lanes = make(map[laneKey]*laneState)
	c.acks = make(map[ackKey][]pendingAck)
	c.ackLimit = b.tun.ackBufSize
	c.deliver = deliver

	recv := c.notifyOnLoop(c.receiveLocal)
	c.queue.BindNotify(recv)
	c.rspq.BindNotify(recv)
	c.writable = c.notifyOnLoop(c.retryHeld)
	if !b.manual {
		c.stopTick = c.loop.Every(b.tun.wheelGranule, c.tick)
	}
}

func (c *clientCore) submitRequest(req *request.Request) error {
	if c.halted() {
		return ErrChannelHalted
	}
	return c.queue.Enqueue(req)
}

func (c *clientCore) submitResponse(req *request.Request) error {
	if c.halted() {
		return ErrChannelHalted
	}
	return c.rspq.Enqueue(req)
}

// Outstanding is the number of requests currently in flight.
func (c *clientCore) Outstanding() int {
	return len(c.index)
}

func (c *clientCore) receiveLocal() {
	if c.halted() {
		return
	}
	for {
		rsp, ok := c.rspq.Dequeue()
		if !ok {
			break
		}
		c.onResponse(rsp)
	}
	for {
		req, ok := c.queue.Dequeue()
		if !ok {
			break
		}
		c.forward(req)
	}
}

// forward consumes the caller's reference on req.
func (c *clientCore) forward(req *request.Request) {
	defer req.Release()

	h := &req.Header
	switch {
	case h.Cancel:
		c.cancel(h.ID)
		return
	case h.NoOp, req.Sealed():
		return
	}

	key := h.ID.Pack()
	if _, dup := c.index[key]; dup {
		c.msink.IncrCounterWithLabels(MetricRequestDuplicate, 1.0, c.mLabels)
		c.logger.Debug(
			"dropping duplicate of an outstanding request",
			telemetry.LabelRequestID.L(h.ID.String()),
		)
		return
	}

	target, code := c.resolve(h)
	if code == wire.BounceNone {
		code = c.sequence(h, target)
	}
	if code != wire.BounceNone {
		c.breakLane(h)
		c.bounce(req, code)
		return
	}

	o := &outstanding{req: req, target: target, bucket: -1}
	req.Ref()
	c.index[key] = o
	if h.Timeout > 0 {
		o.bucket = c.wheel.insert(key, req, h.Timeout)
		req.WheelBucket = o.bucket
	}
	c.send(o)
}

func (c *clientCore) resolve(h *wire.Header) (serverTarget, wire.Bounce) {
	binding, err := c.broker.registry.Lookup(h.PathHash, h.Format, h.Method)
	switch {
	case errors.Is(err, registry.ErrNoDestination):
		return nil, wire.BounceNoDestination
	case errors.Is(err, registry.ErrNoMethod):
		return nil, wire.BounceNoMethod
	case err != nil:
		return nil, wire.BounceNoPeer
	}

	var target serverTarget
	switch binding.Type {
	case registry.BindingLocal:
		target, _ = binding.Target.(serverTarget)
	case registry.BindingPeer:
		if c.localOnly {
			return nil, wire.BounceNoPeer
		}
		if peer := c.broker.peerTarget(binding.Instance); peer != nil {
			target = peer
		}
	}
	if target == nil || target.halted() {
		return nil, wire.BounceNoPeer
	}
	return target, wire.BounceNone
}

// sequence checks a streamed request continues its lane toward target.
// Once the lane lost a request, or its destination moved to another
// server channel which waits for sequence 0, everything but a restart is
// refused with a sequence reset.
func (c *clientCore) sequence(h *wire.Header, target serverTarget) wire.Bounce {
	if h.StreamID == AnonymousStream {
		return wire.BounceNone
	}
	k := laneOf(h)
	ls, ok := c.lanes[k]
	switch {
	case !ok || h.Seq == 0:
		c.lanes[k] = &laneState{target: target}
	case ls.broken, ls.target != target:
		return wire.BounceSequenceReset
	}
	return wire.BounceNone
}

// breakLane records that the request h will never reach its server
// channel. What follows it on the lane and is still held here is bounced
// right away.
func (c *clientCore) breakLane(h *wire.Header) {
	if h.StreamID == AnonymousStream {
		return
	}
	k := laneOf(h)
	ls, ok := c.lanes[k]
	if !ok {
		ls = &laneState{}
		c.lanes[k] = ls
	}
	ls.broken = true
	if c.onBreak != nil {
		c.onBreak(h)
	}

	var after []*outstanding
	for _, list := range c.held {
		for _, o := range list {
			oh := &o.req.Header
			if laneOf(oh) == k && seqBefore(h.ID.Local, oh.ID.Local) {
				after = append(after, o)
			}
		}
	}
	for _, o := range after {
		c.fail(o, wire.BounceSequenceReset)
	}
}

// bounce answers req on behalf of the broker.
func (c *clientCore) bounce(req *request.Request, code wire.Bounce) {
	if !req.Bounce(code) {
		return
	}
	c.msink.IncrCounterWithLabels(MetricRequestBounced, 1.0, c.bounceLabels(code))
	c.logger.Debug(
		"request bounced",
		telemetry.LabelRequestID.L(req.ID().String()),
		telemetry.LabelBounce.L(code.String()),
	)
	c.deliver(req)
}

func (c *clientCore) send(o *outstanding) {
	if !o.held && len(c.held[o.target]) > 0 {
		// Keep the order of what is already waiting for this target.
		o.held = true
		c.held[o.target] = append(c.held[o.target], o)
		return
	}

	h := &o.req.Header
	if !h.Ack {
		k := ackKey{target: o.target, origin: h.ID.Origin()}
		if pending := c.acks[k]; len(pending) > 0 {
			h.Ack, h.AckID = true, pending[0].id.Local
			c.popAck(k)
			c.msink.IncrCounterWithLabels(MetricAckCount, 1.0, telemetry.With(c.mLabels, telemetry.LabelAckKind.M(ackPiggyBacked)))
		}
	}
	o.req.Origin = c.self

	err := o.target.submitRequest(o.req)
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrBackpressure):
		if !o.held {
			o.held = true
			c.held[o.target] = append(c.held[o.target], o)
		}
		o.target.waitWritable(c.writable)
		c.msink.IncrCounterWithLabels(MetricBackpressureCount, 1.0, c.mLabels)
	default:
		c.drop(o, wire.BounceNoPeer)
	}
}

// retryHeld resubmits, in order, what targets refused.
func (c *clientCore) retryHeld() {
	if c.halted() {
		return
	}
	var dropped []*outstanding
	for target, list := range c.held {
		for len(list) > 0 {
			o := list[0]
			err := target.submitRequest(o.req)
			if errors.Is(err, queue.ErrBackpressure) {
				target.waitWritable(c.writable)
				break
			}
			list = list[1:]
			o.held = false
			if err != nil {
				dropped = append(dropped, o)
			}
		}
		if len(list) == 0 {
			delete(c.held, target)
		} else {
			c.held[target] = list
		}
	}
	for _, o := range dropped {
		c.drop(o, wire.BounceNoPeer)
	}
}

// fail bounces an outstanding request which can no longer be forwarded.
func (c *clientCore) fail(o *outstanding, code wire.Bounce) {
	req := o.req
	req.Ref()
	defer req.Release()
	c.settle(req.ID().Pack(), o)
	c.bounce(req, code)
}

// drop fails a request its target refused for good.
func (c *clientCore) drop(o *outstanding, code wire.Bounce) {
	h := o.req.Header
	c.fail(o, code)
	c.lose(o.target, h)
}

// lose accounts for a request which never reached target: the
// acknowledgment it carried is owed again and its lane is broken.
func (c *clientCore) lose(target serverTarget, h wire.Header) {
	if h.Ack {
		c.queueAck(target, wire.ID{Broker: h.ID.Broker, Channel: h.ID.Channel, Local: h.AckID}, h.Priority)
	}
	c.breakLane(&h)
}

// settle drops o from every index, releasing their references.
func (c *clientCore) settle(key uint64, o *outstanding) {
	if c.index[key] != o {
		panic("tasklink: settling a request missing from the outstanding index")
	}
	delete(c.index, key)
	if o.bucket >= 0 {
		c.wheel.remove(o.bucket, key)
		o.bucket = -1
	}
	if o.held {
		c.unhold(o)
	}
	o.req.Release()
}

func (c *clientCore) unhold(o *outstanding) {
	o.held = false
	list := c.held[o.target]
	for i, held := range list {
		if held == o {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.held, o.target)
	} else {
		c.held[o.target] = list
	}
}

// onResponse consumes the caller's reference on req.
func (c *clientCore) onResponse(req *request.Request) {
	defer req.Release()

	h := &req.Header
	if !req.Sealed() {
		if h.NoOp && h.Ack {
			c.markDelivered(wire.ID{Broker: h.ID.Broker, Channel: h.ID.Channel, Local: h.AckID})
		}
		return
	}

	rsp := &req.Response
	if rsp.Ack {
		c.markDelivered(wire.ID{Broker: h.ID.Broker, Channel: h.ID.Channel, Local: rsp.AckID})
	}
	target, _ := req.Target.(serverTarget)

	key := h.ID.Pack()
	o, ok := c.index[key]
	if !ok || o.req != req {
		// Timed out or cancelled already, the server still caches it.
		c.msink.IncrCounterWithLabels(MetricRequestLate, 1.0, c.mLabels)
		if rsp.Bounce == wire.BounceNone && target != nil {
			c.queueAck(target, h.ID, h.Priority)
		}
		return
	}

	c.settle(key, o)
	if rsp.Bounce != wire.BounceNone {
		c.msink.IncrCounterWithLabels(MetricRequestBounced, 1.0, c.bounceLabels(rsp.Bounce))
	} else if target != nil {
		c.queueAck(target, h.ID, h.Priority)
	}
	c.deliver(req)
}

func (c *clientCore) markDelivered(id wire.ID) {
	if o, ok := c.index[id.Pack()]; ok {
		o.delivered = true
	}
}

// queueAck remembers that the response to id landed, so the server can
// drop it from its cache. The acknowledgment rides on the next request
// toward the same server, or goes alone once too many are pending.
func (c *clientCore) queueAck(target serverTarget, id wire.ID, pri wire.Priority) {
	k := ackKey{target: target, origin: id.Origin()}
	c.acks[k] = append(c.acks[k], pendingAck{id: id, pri: pri})
	if len(c.acks[k]) > c.ackLimit {
		oldest := c.acks[k][0]
		c.popAck(k)
		c.sendAck(target, oldest)
	}
}

func (c *clientCore) popAck(k ackKey) {
	pending := c.acks[k][1:]
	if len(pending) == 0 {
		delete(c.acks, k)
	} else {
		c.acks[k] = pending
	}
}

func (c *clientCore) sendAck(target serverTarget, ack pendingAck) {
	req := request.New(c.broker.truck, wire.Header{
		ID:       ack.id,
		Priority: ack.pri,
		NoOp:     true,
		Ack:      true,
		AckID:    ack.id.Local,
	}, nil)
	req.Detach()
	req.Origin = c.self
	if err := target.submitRequest(req); err != nil {
		c.logger.Debug("could not send acknowledgment", telemetry.LabelError.L(err))
	}
	req.Release()
	c.msink.IncrCounterWithLabels(MetricAckCount, 1.0, telemetry.With(c.mLabels, telemetry.LabelAckKind.M(ackStandalone)))
}

func (c *clientCore) sendCancel(o *outstanding) {
	h := &o.req.Header
	req := request.New(c.broker.truck, wire.Header{
		ID:       h.ID,
		Priority: h.Priority,
		PathHash: h.PathHash,
		Method:   h.Method,
		StreamID: h.StreamID,
		Cancel:   true,
	}, nil)
	req.Detach()
	req.Origin = c.self
	if err := o.target.submitRequest(req); err != nil {
		c.logger.Debug("could not send cancel", telemetry.LabelError.L(err))
	}
	req.Release()
}

// cancel terminates an outstanding request on behalf of its sender.
func (c *clientCore) cancel(id wire.ID) {
	key := id.Pack()
	o, ok := c.index[key]
	if !ok || !o.req.Bounce(wire.BounceTerminated) {
		return
	}
	req := o.req
	req.Ref()
	defer req.Release()

	submitted := o.delivered || !o.held
	c.settle(key, o)
	if submitted {
		c.sendCancel(o)
	} else {
		c.lose(o.target, req.Header)
	}
	c.msink.IncrCounterWithLabels(MetricRequestCancelled, 1.0, c.mLabels)
	if c.echoCancel {
		c.deliver(req)
	}
}

func (c *clientCore) tick() {
	if c.halted() {
		return
	}
	c.wheel.advance(c.broker.now(), c.expire)
	if len(c.held) > 0 {
		c.retryHeld()
	}
}

// expire consumes the wheel reference on req.
func (c *clientCore) expire(key uint64, req *request.Request) {
	defer req.Release()
	o, ok := c.index[key]
	if !ok || o.req != req {
		return
	}
	o.bucket = -1
	if !req.Bounce(wire.BounceTimeout) {
		// The response is already on its way.
		return
	}
	submitted := o.delivered || !o.held
	c.settle(key, o)
	if submitted {
		c.sendCancel(o)
	} else {
		c.lose(o.target, req.Header)
	}
	c.msink.IncrCounterWithLabels(MetricRequestTimeout, 1.0, c.mLabels)
	c.logger.Debug("request timed out", telemetry.LabelRequestID.L(req.ID().String()))
	c.deliver(req)
}

// drain runs on the loop of a halting channel: whatever is in flight is
// cancelled toward its server and terminated toward its sender.
func (c *clientCore) drain() {
	if c.stopTick != nil {
		c.stopTick()
	}

	c.rspq.Drain(func(rsp *request.Request) {
		if rsp.RefCount() == 1 && !rsp.Detached() {
			rsp.Release()
			return
		}
		c.onResponse(rsp)
	})
	c.queue.Drain(func(req *request.Request) {
		h := &req.Header
		if !h.Cancel && !h.NoOp && req.Bounce(wire.BounceTerminated) && c.echoCancel {
			c.deliver(req)
		}
		req.Release()
	})

	for key, o := range c.index {
		req := o.req
		req.Ref()
		submitted := o.delivered || !o.held
		terminated := req.Bounce(wire.BounceTerminated)
		c.settle(key, o)
		if submitted {
			c.sendCancel(o)
		}
		if terminated && c.echoCancel {
			c.deliver(req)
		}
		req.Release()
	}
	c.wheel.drain(func(_ uint64, req *request.Request) { req.Release() })

	for k, pending := range c.acks {
		for _, ack := range pending {
			c.sendAck(k.target, ack)
		}
	}
	clear(c.acks)
	clear(c.held)
	clear(c.lanes)
}

// BrokerClientChannel forwards the requests of one [ClientChannel].
type BrokerClientChannel struct {
	clientCore
	client *ClientChannel
}

var _ requester = (*BrokerClientChannel)(nil)

func (b *Broker) newBrokerClient(id uint32, client *ClientChannel) *BrokerClientChannel {
	bc := &BrokerClientChannel{client: client}
	bc.clientCore.init(b.newBase(id, wire.ChannelBrokerClient, client.loop), bc, func(req *request.Request) {
		if err := client.queue.Enqueue(req); err != nil {
			bc.logger.Error("could not deliver a response", telemetry.LabelError.L(err))
		}
	})
	bc.echoCancel = true
	bc.onBreak = client.restartStream
	return bc
}

func (bc *BrokerClientChannel) Halt() {
	if bc.beginHalt() {
		bc.onLoop(bc.drain)
	}
}
