package tasklink

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raskyld/tasklink/pkg/notify"
	"github.com/raskyld/tasklink/pkg/queue"
	"github.com/raskyld/tasklink/pkg/request"
	"github.com/raskyld/tasklink/pkg/sockset"
	"github.com/raskyld/tasklink/pkg/telemetry"
	"github.com/raskyld/tasklink/pkg/wire"
)

// PeerServerChannel stands, in this broker, for the methods a peer broker
// serves. Requests resolved to the peer are admitted here and written to
// a socket set toward it. The peer already orders what it serves, so
// arrival order is trusted and nothing is cached.
type PeerServerChannel struct {
	serverCore

	instance uint32
	addr     string

	set     *sockset.Set
	inputs  [wire.NumPriorities]*notify.Loop
	outputs [wire.NumPriorities]*notify.Loop
	boff    *backoff.ExponentialBackOff
	redial  *time.Timer
	agedOut bool
}

var _ serverTarget = (*PeerServerChannel)(nil)

func (b *Broker) newPeerServer(id uint32, instance uint32, addr string) *PeerServerChannel {
	ps := &PeerServerChannel{instance: instance, addr: addr}
	base := b.newBase(id, wire.ChannelPeerServer, nil)
	base.logger = base.logger.With(
		telemetry.LabelPeerInstance.L(instance),
		telemetry.LabelPeerAddr.L(addr),
	)
	ps.serverCore.init(base, ps)
	ps.unordered = true
	ps.dispatch = ps.write
	ps.onCancel = ps.forwardCancel

	ps.boff = backoff.NewExponentialBackOff()
	ps.boff.InitialInterval = 100 * time.Millisecond
	ps.boff.MaxInterval = 5 * time.Second
	ps.boff.MaxElapsedTime = 0

	for pri := range wire.NumPriorities {
		pri := wire.Priority(pri)
		ps.inputs[pri] = ps.notifyOnLoop(func() { ps.receiveSocket(pri) })
		ps.outputs[pri] = ps.notifyOnLoop(func() { ps.sendWritable(pri) })
	}
	return ps
}

// Instance is the peer broker this channel forwards to.
func (ps *PeerServerChannel) Instance() uint32 {
	return ps.instance
}

// dial opens a fresh socket set toward the peer. It runs on the loop.
func (ps *PeerServerChannel) dial() {
	if ps.halted() || ps.set != nil || ps.broker.transport == nil {
		return
	}
	b := ps.broker
	var set *sockset.Set
	set = sockset.New(sockset.Config{
		Dialer: b.transport,
		Handshake: wire.Handshake{
			ChannelID:   ps.id,
			ProcessID:   b.pid,
			InstanceID:  b.instanceID,
			ChannelType: wire.ChannelPeerServer,
		},
		Outbox:       b.tun.outbox,
		AgeOut:       b.tun.ageOut,
		Truck:        b.truck,
		Logger:       ps.logger,
		MetricSink:   ps.msink,
		MetricLabels: ps.mLabels,
		OnState: func(pri wire.Priority, state sockset.State, err error) {
			ps.onLoop(func() { ps.onState(set, pri, state, err) })
		},
	})
	for pri := range wire.NumPriorities {
		set.BindInput(wire.Priority(pri), ps.inputs[pri])
		set.BindOutput(wire.Priority(pri), ps.outputs[pri])
	}
	ps.set = set
	ps.agedOut = false

	ctx, cancel := context.WithTimeout(b.ctx, b.tun.dialTimeout)
	time.AfterFunc(b.tun.dialTimeout, cancel)
	if err := set.ConnectAll(ctx, ps.addr); err != nil {
		ps.logger.Warn("could not dial peer broker", telemetry.LabelError.L(err))
	}
}

func (ps *PeerServerChannel) onState(set *sockset.Set, pri wire.Priority, state sockset.State, err error) {
	if ps.halted() || set != ps.set {
		return
	}
	switch state {
	case sockset.StateConnected:
		if set.Connected() {
			ps.boff.Reset()
			ps.logger.Debug("connected to peer broker")
			ps.unblockAll()
		}
	case sockset.StateIdle:
		// The dial failed, what was buffered stays in the outbox.
		ps.retry(func() {
			if ps.set != set || ps.halted() {
				return
			}
			ctx, cancel := context.WithTimeout(ps.broker.ctx, ps.broker.tun.dialTimeout)
			time.AfterFunc(ps.broker.tun.dialTimeout, cancel)
			if err := set.Connect(ctx, ps.addr, pri); err != nil {
				ps.logger.Debug("could not redial peer broker", telemetry.LabelError.L(err))
			}
		})
	case sockset.StateClosed:
		ps.lost(err)
	}
}

// lost drops a closed set. Requests in service may never be answered.
func (ps *PeerServerChannel) lost(err error) {
	set := ps.set
	ps.set = nil
	set.Release()

	bounced := ps.abandon(wire.BounceNoPeer, false)
	ps.logger.Info(
		"lost socket set toward peer broker",
		telemetry.LabelError.L(err),
		"bounced", bounced,
	)
	if ps.agedOut {
		// Dialled again on the next request.
		return
	}
	ps.retry(ps.dial)
}

func (ps *PeerServerChannel) retry(fn func()) {
	wait := ps.boff.NextBackOff()
	if wait == backoff.Stop {
		ps.logger.Error("giving up on peer broker")
		ps.Halt()
		return
	}
	ps.msink.IncrCounterWithLabels(MetricPeerReconnect, 1.0, ps.mLabels)
	if ps.redial != nil {
		ps.redial.Stop()
	}
	ps.redial = time.AfterFunc(wait, func() { ps.onLoop(fn) })
}

// abandon bounces admitted requests with code, only those in service
// unless all is set, and returns how many were bounced.
func (ps *PeerServerChannel) abandon(code wire.Bounce, all bool) int {
	var n int
	for _, adm := range ps.index {
		if adm.state == stateQueued && !all {
			continue
		}
		if adm.state == stateInService {
			ln := &adm.record.lanes[adm.req.Priority()]
			ln.outstanding = max(0, ln.outstanding-1)
		}
		if adm.state != stateAnswered && adm.req.Bounce(code) {
			ps.msink.IncrCounterWithLabels(MetricRequestBounced, 1.0, ps.bounceLabels(code))
			ps.reply(adm)
			n++
		}
		ps.forget(adm)
	}
	return n
}

// write is the dispatch function: it encodes a ready request on the socket
// of its priority.
func (ps *PeerServerChannel) write(adm *admitted) error {
	h := adm.req.Header
	pri := h.Priority
	if ps.set == nil {
		if h.Blocking {
			return bounceError(wire.BounceNoPeer)
		}
		ps.dial()
		if ps.set == nil {
			return bounceError(wire.BounceNoPeer)
		}
	}

	// Acknowledgments only make sense on this side.
	h.Ack, h.AckID = false, 0
	err := ps.set.Send(pri, wire.EncodeMessage(&h, adm.req.Payload))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sockset.ErrBackpressure):
		ps.set.Pollout(pri, true)
		return queue.ErrBackpressure
	case errors.Is(err, sockset.ErrNotConnected), errors.Is(err, sockset.ErrClosed):
		if h.Blocking {
			return bounceError(wire.BounceNoPeer)
		}
		// Rescheduled once the socket connects.
		return queue.ErrBackpressure
	default:
		return err
	}
}

// forwardCancel tells the peer a request in service was cancelled. The
// peer never answers a cancelled request so it is forgotten right away.
func (ps *PeerServerChannel) forwardCancel(adm *admitted) {
	h := adm.req.Header
	ln := &adm.record.lanes[h.Priority]
	ln.outstanding = max(0, ln.outstanding-1)
	ps.forget(adm)

	if ps.set == nil {
		return
	}
	cancel := wire.Header{
		IsRequest: true,
		ID:        h.ID,
		Priority:  h.Priority,
		PathHash:  h.PathHash,
		Method:    h.Method,
		StreamID:  h.StreamID,
		Cancel:    true,
	}
	if err := ps.set.Send(h.Priority, wire.EncodeMessage(&cancel, nil)); err != nil {
		ps.logger.Debug("could not forward cancel to peer broker", telemetry.LabelError.L(err))
	}
}

func (ps *PeerServerChannel) receiveSocket(pri wire.Priority) {
	if ps.halted() || ps.set == nil {
		return
	}
	for {
		buf, ok := ps.set.Recv(pri)
		if !ok {
			break
		}
		h, payload, err := wire.DecodeMessage(buf)
		if err != nil || h.IsRequest {
			ps.msink.IncrCounterWithLabels(MetricPeerMalformed, 1.0, ps.mLabels)
			ps.logger.Warn("dropping malformed message from peer broker", telemetry.LabelError.L(err))
			continue
		}
		adm, ok := ps.index[h.ID.Pack()]
		if !ok {
			// Cancelled or bounced while it travelled.
			ps.msink.IncrCounterWithLabels(MetricRequestLate, 1.0, ps.mLabels)
			continue
		}
		h.Ack, h.AckID = false, 0
		if !adm.req.Seal(h, payload) {
			adm.state = stateCancelled
		}
		ps.answered(adm)
	}
	ps.schedule()
}

func (ps *PeerServerChannel) sendWritable(pri wire.Priority) {
	if ps.halted() || ps.set == nil {
		return
	}
	ps.set.Pollout(pri, false)
	ps.unblock(pri)
}

// ageOut tears the socket set down when it went idle. It is dialled again
// on demand.
func (ps *PeerServerChannel) ageOut(now time.Time) {
	ps.onLoop(func() {
		if ps.set == nil || len(ps.index) > 0 || !ps.set.Idle(now) {
			return
		}
		ps.agedOut = true
		ps.set.AgeOut(now)
	})
}

// Halt bounces what is admitted with no-peer and closes the socket set.
func (ps *PeerServerChannel) Halt() {
	if !ps.beginHalt() {
		return
	}
	ps.onLoop(func() {
		if ps.redial != nil {
			ps.redial.Stop()
		}
		ps.abandon(wire.BounceNoPeer, true)
		ps.drain()
		if ps.set != nil {
			ps.set.Release()
			ps.set = nil
		}
	})
}

// PeerClientChannel forwards, to local server channels, the requests a
// peer broker sends over an accepted socket set, and writes their
// responses back. Requests from a peer are never forwarded to a third
// broker.
type PeerClientChannel struct {
	clientCore

	instance uint32
	set      *sockset.Set
	outq     [wire.NumPriorities][]*request.Request
}

var _ requester = (*PeerClientChannel)(nil)

func (b *Broker) newPeerClient(id uint32, hs wire.Handshake, set *sockset.Set) *PeerClientChannel {
	pc := &PeerClientChannel{instance: hs.InstanceID, set: set}
	base := b.newBase(id, wire.ChannelPeerClient, nil)
	base.logger = base.logger.With(telemetry.LabelPeerInstance.L(hs.InstanceID))
	pc.clientCore.init(base, pc, pc.writeResponse)
	pc.localOnly = true

	for pri := range wire.NumPriorities {
		pri := wire.Priority(pri)
		set.BindInput(pri, pc.notifyOnLoop(func() { pc.receiveSocket(pri) }))
		set.BindOutput(pri, pc.notifyOnLoop(func() { pc.sendWritable(pri) }))
	}
	set.SetOnState(func(_ wire.Priority, state sockset.State, _ error) {
		if state == sockset.StateClosed {
			pc.Halt()
		}
	})
	return pc
}

// Instance is the peer broker requests come from.
func (pc *PeerClientChannel) Instance() uint32 {
	return pc.instance
}

func (pc *PeerClientChannel) receiveSocket(pri wire.Priority) {
	if pc.halted() {
		return
	}
	for {
		buf, ok := pc.set.Recv(pri)
		if !ok {
			break
		}
		h, payload, err := wire.DecodeMessage(buf)
		if errors.Is(err, wire.ErrPayloadSize) && h.IsRequest {
			// The header is sound enough to answer.
			pc.refuse(request.New(pc.broker.truck, h, nil))
			continue
		}
		if err != nil || !h.IsRequest {
			pc.msink.IncrCounterWithLabels(MetricPeerMalformed, 1.0, pc.mLabels)
			pc.logger.Warn("dropping malformed message from peer broker", telemetry.LabelError.L(err))
			continue
		}

		req := request.New(pc.broker.truck, h, payload)
		if h.ID.Broker != pc.instance || h.Priority != pri {
			pc.refuse(req)
			continue
		}
		if h.Cancel || h.NoOp {
			req.Detach()
		} else {
			pc.holdOnRequest(req)
		}
		pc.forward(req)
	}
	if pc.set.Closed() {
		pc.Halt()
	}
}

// refuse answers a request the peer got wrong with a malformed bounce. It
// consumes the caller's reference on req.
func (pc *PeerClientChannel) refuse(req *request.Request) {
	h := &req.Header
	pc.msink.IncrCounterWithLabels(MetricPeerMalformed, 1.0, pc.mLabels)
	pc.logger.Warn(
		"refusing malformed request from peer broker",
		telemetry.LabelRequestID.L(h.ID.String()),
	)
	if !h.Cancel && !h.NoOp && req.Bounce(wire.BounceMalformed) {
		pc.writeResponse(req)
	}
	req.Release()
}

// writeResponse is how responses leave: encoded on the socket of their
// priority, in order.
func (pc *PeerClientChannel) writeResponse(req *request.Request) {
	pri := req.Priority()
	if len(pc.outq[pri]) > 0 {
		req.Ref()
		pc.outq[pri] = append(pc.outq[pri], req)
		return
	}
	if pc.sendResponse(req) {
		req.Ref()
		pc.outq[pri] = append(pc.outq[pri], req)
		pc.set.Pollout(pri, true)
	}
}

// sendResponse returns true when the socket pushed back.
func (pc *PeerClientChannel) sendResponse(req *request.Request) bool {
	rsp := req.Response
	rsp.Ack, rsp.AckID = false, 0
	err := pc.set.Send(rsp.Priority, wire.EncodeMessage(&rsp, req.ResponsePayload))
	switch {
	case err == nil:
		return false
	case errors.Is(err, sockset.ErrBackpressure):
		return true
	default:
		pc.msink.IncrCounterWithLabels(MetricResponseDropped, 1.0, pc.mLabels)
		pc.logger.Debug(
			"could not write response to peer broker",
			telemetry.LabelRequestID.L(req.ID().String()),
			telemetry.LabelError.L(err),
		)
		return false
	}
}

func (pc *PeerClientChannel) sendWritable(pri wire.Priority) {
	q := pc.outq[pri]
	for len(q) > 0 {
		if pc.sendResponse(q[0]) {
			pc.outq[pri] = q
			return
		}
		q[0].Release()
		q = q[1:]
	}
	pc.outq[pri] = nil
	pc.set.Pollout(pri, false)
}

func (pc *PeerClientChannel) ageOut(now time.Time) {
	pc.onLoop(func() {
		if len(pc.index) == 0 && pc.set.AgeOut(now) {
			pc.Halt()
		}
	})
}

func (pc *PeerClientChannel) Halt() {
	if !pc.beginHalt() {
		return
	}
	pc.onLoop(func() {
		pc.drain()
		for pri := range pc.outq {
			for _, req := range pc.outq[pri] {
				req.Release()
			}
			pc.outq[pri] = nil
		}
		if pc.broker.listener != nil {
			pc.broker.listener.Forget(pc.set)
		}
		pc.set.Release()
		pc.Release()
	})
}
