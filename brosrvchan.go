package tasklink

import (
	"errors"
	"slices"
	"sync"

	"github.com/raskyld/tasklink/pkg/notify"
	"github.com/raskyld/tasklink/pkg/queue"
	"github.com/raskyld/tasklink/pkg/request"
	"github.com/raskyld/tasklink/pkg/telemetry"
	"github.com/raskyld/tasklink/pkg/wire"
)

// liveRecoveryEnabled guards the solicit/advise resynchronisation a server
// channel could run with a client it lost track of. Nothing drives it yet:
// a client which reconnects simply resends with sequence 0.
const liveRecoveryEnabled = false

type admitState uint8

const (
	stateQueued admitState = iota
	stateInService
	stateAnswered
	stateCancelled
)

func (s admitState) String() string {
	switch s {
	case stateQueued:
		return "queued"
	case stateInService:
		return "in-service"
	case stateAnswered:
		return "answered"
	default:
		return "cancelled"
	}
}

// admitted is an entry of the request-hash index, it holds one reference.
type admitted struct {
	req    *request.Request
	record *clientRecord
	state  admitState
}

// lane is the per priority state of a client record.
type lane struct {
	expected uint32
	started  bool
	ready    []*admitted
	// waiting holds requests arrived ahead of their turn, sorted by seq.
	waiting     []*admitted
	outstanding int
	scheduled   bool
}

func (l *lane) unsent() int {
	return len(l.ready) + len(l.waiting)
}

// recordKey names a client stream: clients number each destination path
// of a stream on its own. The zero key gathers all the anonymous traffic.
type recordKey struct {
	stream uint64
	path   uint64
}

func recordOf(h *wire.Header) recordKey {
	if h.StreamID == AnonymousStream {
		return recordKey{}
	}
	return recordKey{
		stream: wire.ID{Broker: h.ID.Broker, Channel: h.ID.Channel, Local: h.StreamID}.Pack(),
		path:   h.PathHash,
	}
}

// clientRecord tracks one remote client stream.
type clientRecord struct {
	key   recordKey
	lanes [wire.NumPriorities]lane
}

func (r *clientRecord) anonymous() bool {
	return r.key == recordKey{}
}

// seqBefore compares sequence numbers across a wrap.
func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

func nextSeq(seq uint32) uint32 {
	seq++
	if seq == 0 {
		seq = 1
	}
	return seq
}

// bounceError is returned by a dispatch function refusing a request with
// a specific bounce code.
type bounceError wire.Bounce

func (e bounceError) Error() string {
	return "tasklink: dispatch refused: " + wire.Bounce(e).String()
}

// serverCore is the admission half shared by [BrokerServerChannel] and
// [PeerServerChannel]: it orders requests per client stream, schedules
// them fairly toward the service, computes windows, acknowledges custody
// and caches responses until the client acknowledges them.
type serverCore struct {
	*chanBase
	self serverTarget

	// queue holds requests, cancels and client acks, rspq responses.
	queue *queue.Priority
	rspq  *queue.Priority

	// unordered trusts arrival order and never resets sequences.
	unordered bool
	// cache keeps answered requests until the client acknowledges them.
	cache bool

	index   map[uint64]*admitted
	records map[recordKey]*clientRecord
	ring    [wire.NumPriorities][]*clientRecord
	blocked [wire.NumPriorities]bool
	acks    [wire.NumPriorities]*ackBuffer

	window    int
	maxWindow int
	burst     int

	// dispatch hands a ready request to the service. It returns
	// [queue.ErrBackpressure] when the service cannot take more.
	dispatch func(adm *admitted) error
	// onCancel tells the service an in-service request was cancelled.
	onCancel func(adm *admitted)

	waitersLk sync.Mutex
	waiters   []notify.Notifier
}

func (s *serverCore) init(base *chanBase, self serverTarget) {
	b := base.broker
	s.chanBase = base
	s.self = self
	s.queue = queue.NewPriority(b.tun.caps)
	s.rspq = queue.NewPriority(queue.Caps{})
	s.index = make(map[uint64]*admitted)
	s.records = make(map[recordKey]*clientRecord)
	s.window = b.tun.serverWindow
	s.maxWindow = b.tun.maxWindow
	s.burst = max(1, b.tun.schedBurst)
	for pri := range s.acks {
		s.acks[pri] = newAckBuffer(b.tun.ackBufSize, s.sendAck)
	}

	recv := s.notifyOnLoop(s.receiveLocal)
	s.queue.BindNotify(recv)
	s.rspq.BindNotify(recv)
	s.queue.BindWritable(notify.NewFunc(s.wakeWaiters))
}

func (s *serverCore) submitRequest(req *request.Request) error {
	if s.halted() {
		return ErrChannelHalted
	}
	return s.queue.Enqueue(req)
}

// waitWritable registers n to be raised once the request queue accepts
// again. Waiters are raised once.
func (s *serverCore) waitWritable(n notify.Notifier) {
	s.waitersLk.Lock()
	defer s.waitersLk.Unlock()
	if !slices.Contains(s.waiters, n) {
		s.waiters = append(s.waiters, n)
	}
}

func (s *serverCore) wakeWaiters() {
	s.waitersLk.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.waitersLk.Unlock()
	for _, n := range waiters {
		n.Raise()
	}
}

// Admitted is the number of requests in the request-hash index.
func (s *serverCore) Admitted() int {
	return len(s.index)
}

func (s *serverCore) receiveLocal() {
	if s.halted() {
		return
	}
	for {
		rsp, ok := s.rspq.Dequeue()
		if !ok {
			break
		}
		s.onResponse(rsp)
	}
	for {
		req, ok := s.queue.Dequeue()
		if !ok {
			break
		}
		s.admit(req)
	}
	s.schedule()
}

// admit consumes the caller's reference on req.
func (s *serverCore) admit(req *request.Request) {
	defer req.Release()

	h := &req.Header
	if h.Ack {
		s.clientAck(wire.ID{Broker: h.ID.Broker, Channel: h.ID.Channel, Local: h.AckID})
	}
	switch {
	case h.NoOp:
		return
	case h.Cancel:
		s.cancel(h.ID)
		return
	case req.Sealed():
		// Bounced on its way here, most likely timed out.
		return
	}
	if _, ok := req.Origin.(requester); !ok {
		panic("tasklink: admitting a request without origin channel")
	}

	key := h.ID.Pack()
	if adm, dup := s.index[key]; dup {
		s.duplicate(adm, req)
		return
	}

	rec := s.record(h)
	pri := h.Priority
	ln := &rec.lanes[pri]
	ordered := !s.unordered && !rec.anonymous()
	if ordered {
		switch {
		case ln.started && h.Seq == 0:
			s.resetLane(rec, pri)
		case ln.started && seqBefore(h.Seq, ln.expected), s.waitingHas(ln, h.Seq):
			s.rejectStale(req)
			return
		}
	}

	req.Ref()
	req.Target = s.self
	adm := &admitted{req: req, record: rec, state: stateQueued}
	s.index[key] = adm
	s.acks[pri].push(ackEntry{hdr: *h, bucket: req.WheelBucket, owner: req.Origin.(requester)})

	switch {
	case !ordered:
		ln.ready = append(ln.ready, adm)
	case h.Seq == ln.expected:
		// A lane which did not start waits for sequence 0.
		ln.started = true
		ln.ready = append(ln.ready, adm)
		ln.expected = nextSeq(h.Seq)
		s.promote(ln)
	default:
		i, _ := slices.BinarySearchFunc(ln.waiting, h.Seq, func(a *admitted, seq uint32) int {
			if seqBefore(a.req.Header.Seq, seq) {
				return -1
			}
			return 1
		})
		ln.waiting = slices.Insert(ln.waiting, i, adm)
	}
	s.markReady(rec, pri)
}

func (s *serverCore) record(h *wire.Header) *clientRecord {
	key := recordOf(h)
	rec, ok := s.records[key]
	if !ok {
		rec = &clientRecord{key: key}
		s.records[key] = rec
	}
	return rec
}

func (s *serverCore) waitingHas(ln *lane, seq uint32) bool {
	for _, adm := range ln.waiting {
		if adm.req.Header.Seq == seq {
			return true
		}
	}
	return false
}

// promote moves waiting requests whose turn came to the ready queue.
func (s *serverCore) promote(ln *lane) {
	for len(ln.waiting) > 0 && ln.waiting[0].req.Header.Seq == ln.expected {
		ln.ready = append(ln.ready, ln.waiting[0])
		ln.expected = nextSeq(ln.expected)
		ln.waiting = ln.waiting[1:]
	}
}

func (s *serverCore) rejectStale(req *request.Request) {
	if !req.Bounce(wire.BounceSequenceReset) {
		return
	}
	req.Target = s.self
	s.msink.IncrCounterWithLabels(MetricRequestBounced, 1.0, s.bounceLabels(wire.BounceSequenceReset))
	s.route(req)
}

// resetLane returns every request not sent yet with a server-reset bounce,
// the lane then starts over.
func (s *serverCore) resetLane(rec *clientRecord, pri wire.Priority) {
	ln := &rec.lanes[pri]
	queued := append(ln.ready, ln.waiting...)
	ln.ready, ln.waiting = nil, nil
	ln.started, ln.expected = false, 0

	for _, adm := range queued {
		key := adm.req.ID().Pack()
		delete(s.index, key)
		s.acks[pri].drop(key)
		if adm.state != stateCancelled && adm.req.Bounce(wire.BounceServerReset) {
			s.reply(adm)
		}
		adm.req.Release()
	}
	s.msink.IncrCounterWithLabels(MetricSequenceReset, 1.0, s.mLabels)
	s.logger.Debug(
		"client stream reset",
		telemetry.LabelPriority.L(pri.String()),
		"bounced", len(queued),
	)
}

func (s *serverCore) markReady(rec *clientRecord, pri wire.Priority) {
	ln := &rec.lanes[pri]
	if rec.anonymous() || ln.scheduled || len(ln.ready) == 0 {
		return
	}
	ln.scheduled = true
	s.ring[pri] = append(s.ring[pri], rec)
}

// schedule feeds the service, highest priority first. The anonymous record
// is drained first, then ready records take turns of at most burst
// requests.
func (s *serverCore) schedule() {
	for p := int(wire.NumPriorities) - 1; p >= 0; p-- {
		pri := wire.Priority(p)
		if s.blocked[pri] {
			continue
		}
		if anon, ok := s.records[recordKey{}]; ok {
			if s.drainLane(anon, pri, -1) {
				continue
			}
		}
		for len(s.ring[pri]) > 0 {
			rec := s.ring[pri][0]
			s.ring[pri] = s.ring[pri][1:]
			ln := &rec.lanes[pri]
			ln.scheduled = false
			blocked := s.drainLane(rec, pri, s.burst)
			s.markReady(rec, pri)
			if blocked {
				break
			}
		}
	}
}

// drainLane dispatches up to n ready requests, all of them when n < 0. It
// returns true when the service pushed back.
func (s *serverCore) drainLane(rec *clientRecord, pri wire.Priority, n int) bool {
	ln := &rec.lanes[pri]
	for n != 0 && len(ln.ready) > 0 {
		adm := ln.ready[0]
		if adm.req.Sealed() || adm.state == stateCancelled {
			ln.ready = ln.ready[1:]
			s.forget(adm)
			continue
		}
		err := s.dispatch(adm)
		if errors.Is(err, queue.ErrBackpressure) {
			s.blocked[pri] = true
			return true
		}
		ln.ready = ln.ready[1:]
		if err != nil {
			code := wire.BounceBrokerError
			var refused bounceError
			if errors.As(err, &refused) {
				code = wire.Bounce(refused)
			} else {
				s.logger.Error("could not dispatch a request", telemetry.LabelError.L(err))
			}
			if adm.req.Bounce(code) {
				s.msink.IncrCounterWithLabels(MetricRequestBounced, 1.0, s.bounceLabels(code))
				s.reply(adm)
			}
			s.forget(adm)
			continue
		}
		adm.state = stateInService
		ln.outstanding++
		n--
	}
	return false
}

// unblock lets the scheduler feed pri again once the service drained.
func (s *serverCore) unblock(pri wire.Priority) {
	if s.halted() {
		return
	}
	s.blocked[pri] = false
	s.schedule()
}

func (s *serverCore) unblockAll() {
	for pri := range s.blocked {
		s.blocked[pri] = false
	}
	if !s.halted() {
		s.schedule()
	}
}

// onResponse consumes the caller's reference on req.
func (s *serverCore) onResponse(req *request.Request) {
	defer req.Release()
	adm, ok := s.index[req.ID().Pack()]
	if !ok || adm.req != req {
		return
	}
	s.answered(adm)
}

// answered handles the response of an admitted request.
func (s *serverCore) answered(adm *admitted) {
	ln := &adm.record.lanes[adm.req.Priority()]
	if adm.state == stateInService || adm.state == stateCancelled {
		ln.outstanding = max(0, ln.outstanding-1)
	}
	if adm.state == stateCancelled {
		s.forget(adm)
		return
	}
	adm.state = stateAnswered
	s.reply(adm)
	if !s.cache {
		s.forget(adm)
	}
	s.markReady(adm.record, adm.req.Priority())
}

// reply routes the response of adm back to its origin, stamped with the
// window of its stream and, when one is owed, an acknowledgment.
func (s *serverCore) reply(adm *admitted) {
	req := adm.req
	rsp := &req.Response
	ln := &adm.record.lanes[req.Priority()]
	window := uint32(min(s.maxWindow, max(1, s.window-ln.unsent()+ln.outstanding)))
	if rsp.Window == 0 || window < rsp.Window {
		// A window advertised by a further hop is kept if it is tighter.
		rsp.Window = window
	}

	key := req.ID().Pack()
	acks := s.acks[req.Priority()]
	if !rsp.Ack {
		if e, ok := acks.take(req.ID().Origin(), key); ok {
			rsp.Ack, rsp.AckID = true, e.hdr.ID.Local
			s.msink.IncrCounterWithLabels(MetricAckCount, 1.0, telemetry.With(s.mLabels, telemetry.LabelAckKind.M(ackPiggyBacked)))
		}
	} else {
		acks.drop(key)
	}
	s.route(req)
}

func (s *serverCore) route(req *request.Request) {
	origin, ok := req.Origin.(requester)
	if !ok {
		panic("tasklink: routing a response without origin channel")
	}
	if err := origin.submitResponse(req); err != nil {
		s.msink.IncrCounterWithLabels(MetricResponseDropped, 1.0, s.mLabels)
		s.logger.Warn(
			"response dropped, its client channel is gone",
			telemetry.LabelRequestID.L(req.ID().String()),
			telemetry.LabelError.L(err),
		)
	}
}

// forget drops adm from the request-hash index.
func (s *serverCore) forget(adm *admitted) {
	key := adm.req.ID().Pack()
	if s.index[key] != adm {
		return
	}
	delete(s.index, key)
	s.acks[adm.req.Priority()].drop(key)
	adm.req.Release()
}

// sendAck flushes a custody acknowledgment on its own.
func (s *serverCore) sendAck(e ackEntry) {
	ack := request.New(s.broker.truck, wire.Header{
		ID:       e.hdr.ID,
		Priority: e.hdr.Priority,
		NoOp:     true,
		Ack:      true,
		AckID:    e.hdr.ID.Local,
	}, nil)
	ack.Detach()
	ack.WheelBucket = e.bucket
	if err := e.owner.submitResponse(ack); err != nil {
		s.logger.Debug("could not send acknowledgment", telemetry.LabelError.L(err))
	}
	ack.Release()
	s.msink.IncrCounterWithLabels(MetricAckCount, 1.0, telemetry.With(s.mLabels, telemetry.LabelAckKind.M(ackStandalone)))
}

// clientAck drops an answered request from the cache.
func (s *serverCore) clientAck(id wire.ID) {
	adm, ok := s.index[id.Pack()]
	if ok && adm.state == stateAnswered {
		s.forget(adm)
	}
}

func (s *serverCore) cancel(id wire.ID) {
	adm, ok := s.index[id.Pack()]
	if !ok {
		return
	}
	switch adm.state {
	case stateQueued:
		ln := &adm.record.lanes[adm.req.Priority()]
		if slices.Contains(ln.waiting, adm) {
			// Its sequence stays in the lane, drainLane skips it.
			adm.state = stateCancelled
			break
		}
		ln.ready = slices.DeleteFunc(ln.ready, func(a *admitted) bool { return a == adm })
		s.forget(adm)
	case stateInService:
		adm.state = stateCancelled
		if s.onCancel != nil {
			s.onCancel(adm)
		}
	case stateAnswered:
		s.forget(adm)
	}
	s.msink.IncrCounterWithLabels(MetricRequestCancelled, 1.0, s.mLabels)
}

// duplicate handles a request whose id is already admitted: answered ones
// are replayed from the cache, the others are dropped.
func (s *serverCore) duplicate(adm *admitted, req *request.Request) {
	if adm.state != stateAnswered || adm.req == req {
		s.msink.IncrCounterWithLabels(MetricRequestDuplicate, 1.0, s.mLabels)
		return
	}
	cached := adm.req
	if !req.Seal(cached.Response, cached.ResponsePayload) {
		return
	}
	req.Target = s.self
	req.Response.Window = cached.Response.Window
	s.msink.IncrCounterWithLabels(MetricResponseReplayed, 1.0, s.mLabels)
	s.route(req)
}

// drain runs on the loop of a halting channel. Everything admitted is
// terminated toward its client.
func (s *serverCore) drain() {
	s.rspq.Drain(func(rsp *request.Request) {
		if adm, ok := s.index[rsp.ID().Pack()]; ok && adm.req == rsp {
			s.answered(adm)
		}
		rsp.Release()
	})
	s.queue.Drain(func(req *request.Request) {
		h := &req.Header
		if !h.NoOp && !h.Cancel && req.Origin != nil && req.Bounce(wire.BounceTerminated) {
			req.Target = s.self
			s.route(req)
		}
		req.Release()
	})
	for _, adm := range s.index {
		if adm.state != stateAnswered && adm.req.Bounce(wire.BounceTerminated) {
			s.route(adm.req)
		}
		s.forget(adm)
	}
	for _, acks := range s.acks {
		acks.clear()
	}
	clear(s.records)
	for pri := range s.ring {
		s.ring[pri] = nil
	}
	s.wakeWaiters()
}

// BrokerServerChannel feeds one local [ServerChannel].
type BrokerServerChannel struct {
	serverCore
	server *ServerChannel
}

var _ serverTarget = (*BrokerServerChannel)(nil)

func (b *Broker) newBrokerServer(id uint32, server *ServerChannel) *BrokerServerChannel {
	bs := &BrokerServerChannel{server: server}
	bs.serverCore.init(b.newBase(id, wire.ChannelBrokerServer, server.loop), bs)
	bs.cache = true
	bs.dispatch = func(adm *admitted) error {
		return server.queue.Enqueue(adm.req)
	}
	bs.onCancel = func(adm *admitted) {
		server.cancelInService(adm.req.ID())
	}
	server.queue.BindWritable(bs.notifyOnLoop(bs.unblockAll))
	return bs
}

// submitResponse is how the server channel answers.
func (bs *BrokerServerChannel) submitResponse(req *request.Request) error {
	if bs.halted() {
		return ErrChannelHalted
	}
	return bs.rspq.Enqueue(req)
}

func (bs *BrokerServerChannel) Halt() {
	if bs.beginHalt() {
		bs.onLoop(bs.drain)
	}
}
