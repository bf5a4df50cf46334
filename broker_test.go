package tasklink

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	props "github.com/raskyld/tasklink/pkg/config"
	"github.com/raskyld/tasklink/pkg/queue"
	"github.com/raskyld/tasklink/pkg/request"
	"github.com/raskyld/tasklink/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestBroker_RoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	b, _ := newManualBroker(t)
	echoServer(t, b, "svc/echo")
	c := newTestClient(t, b)

	var got responses
	defer got.release()
	req, err := c.Send("svc/echo", 1, []byte("ping"), WithCallback(got.callback))
	require.NoError(t, err)
	require.Equal(t, b.InstanceID(), req.ID().Broker)
	require.Equal(t, c.ID(), req.ID().Channel)

	b.Drain()
	require.Equal(t, 1, got.len())
	rsp := got.get(0)
	require.NoError(t, rsp.Err())
	assert.Equal(t, "ping", string(rsp.ResponsePayload))
	assert.Equal(t, req.ID(), rsp.Response.ID)
	assert.Zero(t, c.Pending())
	assert.Zero(t, c.Broker().Outstanding())
}

func TestBroker_InvalidSend(t *testing.T) {
	b, _ := newManualBroker(t)
	c := newTestClient(t, b)

	_, err := c.Send("", 1, nil)
	require.ErrorIs(t, err, ErrInvalidPath)
	_, err = c.Send("svc/echo", 1, nil, WithPriority(wire.NumPriorities))
	require.ErrorIs(t, err, ErrInvalidPriority)

	c.Halt()
	_, err = c.Send("svc/echo", 1, nil)
	require.ErrorIs(t, err, ErrChannelHalted)
}

func TestBroker_NoPeerBounceWithinTurn(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	b, _ := newManualBroker(t, WithInstanceID(5))

	// Channel ids are handed out in order, a client takes two of them.
	var c *ClientChannel
	for c == nil || c.ID() < 7 {
		c = newTestClient(t, b)
	}
	require.Equal(t, uint32(7), c.ID())
	c.lk.Lock()
	c.nextID = 41
	c.lk.Unlock()

	var got responses
	defer got.release()
	req, err := c.Send(
		"svc/nobody",
		1,
		[]byte("anyone?"),
		WithPriority(wire.PriorityDefault),
		WithTimeout(time.Second),
		WithCallback(got.callback),
	)
	require.NoError(t, err)
	require.Equal(t, wire.ID{Broker: 5, Channel: 7, Local: 42}, req.ID())
	require.Equal(t, uint16(100), req.Header.Timeout)
	require.Equal(t, wire.Priority(1), req.Priority())

	// One pass over the loop is enough.
	require.Positive(t, b.loops[0].Drain())
	require.Equal(t, 1, got.len())
	rsp := got.get(0)
	assert.Equal(t, wire.BounceNoPeer, rsp.Response.Bounce)
	assert.Equal(t, wire.ID{Broker: 5, Channel: 7, Local: 42}, rsp.Response.ID)
	assert.ErrorIs(t, rsp.Err(), request.ErrBounceNoPeer)
	assert.Zero(t, c.Broker().Outstanding())
}

func TestBroker_NoMethodBounce(t *testing.T) {
	b, _ := newManualBroker(t)
	srv, err := b.NewServer()
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	require.NoError(t, srv.Bind("svc/methods", func(in *Incoming) {
		require.NoError(t, in.Respond(nil))
	}, 1, 2))
	c := newTestClient(t, b)

	var got responses
	defer got.release()
	bound, err := c.Send("svc/methods", 2, nil, WithCallback(got.callback))
	require.NoError(t, err)
	unbound, err := c.Send("svc/methods", 3, nil, WithCallback(got.callback))
	require.NoError(t, err)

	b.Drain()
	require.Equal(t, 2, got.len())
	assert.NoError(t, bound.Err())
	assert.Equal(t, wire.BounceNoMethod, unbound.Response.Bounce)
}

func TestBroker_NoOrphanedIDs(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	b, _ := newManualBroker(t)
	echoServer(t, b, "svc/echo")
	c := newTestClient(t, b)

	const senders, perSender = 8, 6
	var (
		got responses
		wg  sync.WaitGroup
	)
	defer got.release()
	for i := range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range perSender {
				payload := []byte(fmt.Sprintf("%d-%d", i, j))
				_, err := c.Send("svc/echo", 1, payload, WithCallback(got.callback))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, senders*perSender, c.Pending())

	b.Drain()
	require.Equal(t, senders*perSender, got.len())
	for i := range got.len() {
		rsp := got.get(i)
		require.NoError(t, rsp.Err())
		require.Equal(t, rsp.Payload, rsp.ResponsePayload)
	}
	assert.Zero(t, c.Pending())
	assert.Zero(t, c.Broker().Outstanding())
}

func TestBroker_StreamOrderSurvivesReordering(t *testing.T) {
	b, _ := newManualBroker(t)
	c := newTestClient(t, b)

	srv, err := b.NewServer()
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	var served []byte
	require.NoError(t, srv.Bind("svc/order", func(in *Incoming) {
		served = append(served, in.Payload()...)
		require.NoError(t, in.Respond(nil))
	}))

	// Arrival order as a network could shuffle it.
	var sent []*request.Request
	for _, seq := range []uint32{3, 1, 4, 0, 2} {
		req := request.New(b.truck, wire.Header{
			ID:       wire.ID{Broker: b.InstanceID(), Channel: c.ID(), Local: 100 + seq},
			Priority: wire.PriorityDefault,
			PathHash: wire.PathHash("svc/order"),
			Method:   1,
			StreamID: 9,
			Seq:      seq,
		}, []byte{byte(seq)})
		req.Origin = c.Broker()
		require.NoError(t, srv.Broker().submitRequest(req))
		sent = append(sent, req)
	}
	b.Drain()

	assert.Equal(t, []byte{0, 1, 2, 3, 4}, served)
	for _, req := range sent {
		req.Release()
	}
}

func TestBroker_CancelledWaitingRequestKeepsItsTurn(t *testing.T) {
	b, _ := newManualBroker(t)
	c := newTestClient(t, b)

	srv, err := b.NewServer()
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	var served []byte
	require.NoError(t, srv.Bind("svc/gap", func(in *Incoming) {
		served = append(served, in.Payload()...)
		require.NoError(t, in.Respond(nil))
	}))

	submit := func(seq uint32) *request.Request {
		req := request.New(b.truck, wire.Header{
			ID:       wire.ID{Broker: b.InstanceID(), Channel: c.ID(), Local: 500 + seq},
			Priority: wire.PriorityDefault,
			PathHash: wire.PathHash("svc/gap"),
			Method:   1,
			StreamID: 4,
			Seq:      seq,
		}, []byte{byte(seq)})
		req.Origin = c.Broker()
		require.NoError(t, srv.Broker().submitRequest(req))
		t.Cleanup(func() { req.Release() })
		return req
	}

	early := submit(1)
	b.Drain()
	cancel := request.New(b.truck, wire.Header{ID: early.ID(), Priority: wire.PriorityDefault, Cancel: true}, nil)
	cancel.Detach()
	cancel.Origin = c.Broker()
	require.NoError(t, srv.Broker().submitRequest(cancel))
	cancel.Release()
	submit(2)
	submit(0)
	b.Drain()

	assert.Equal(t, []byte{0, 2}, served)
}

func TestBroker_StaleSequenceBounces(t *testing.T) {
	b, _ := newManualBroker(t)
	c := newTestClient(t, b)
	echoServer(t, b, "svc/stale")

	for seq := range uint32(2) {
		req := request.New(b.truck, wire.Header{
			ID:       wire.ID{Broker: b.InstanceID(), Channel: c.ID(), Local: 200 + seq},
			Priority: wire.PriorityDefault,
			PathHash: wire.PathHash("svc/stale"),
			Method:   1,
			StreamID: 3,
			Seq:      seq,
		}, nil)
		req.Origin = c.Broker()
		require.NoError(t, c.Broker().submitRequest(req))
		defer req.Release()
	}
	b.Drain()

	// A request behind the expected sequence is refused.
	stale := request.New(b.truck, wire.Header{
		ID:       wire.ID{Broker: b.InstanceID(), Channel: c.ID(), Local: 300},
		Priority: wire.PriorityDefault,
		PathHash: wire.PathHash("svc/stale"),
		Method:   1,
		StreamID: 3,
		Seq:      1,
	}, nil)
	stale.Origin = c.Broker()
	defer stale.Release()
	require.NoError(t, c.Broker().submitRequest(stale))
	b.Drain()

	require.True(t, stale.Sealed())
	assert.Equal(t, wire.BounceSequenceReset, stale.Response.Bounce)
}

func TestBroker_SequenceZeroResetsQueuedRequests(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	b, _ := newManualBroker(t)
	c := newTestClient(t, b)
	srv := echoServer(t, b, "svc/reset")

	var got responses
	defer got.release()
	send := func() *request.Request {
		req, err := c.Send("svc/reset", 1, nil, WithStream(1), WithCallback(got.callback))
		require.NoError(t, err)
		return req
	}
	for range 12 {
		send()
	}
	b.Drain()
	require.Equal(t, 12, got.len())

	// The service stops taking requests: the next three stay queued.
	bs := srv.Broker()
	bs.dispatch = func(*admitted) error { return queue.ErrBackpressure }
	var queued []*request.Request
	for range 3 {
		queued = append(queued, send())
	}
	b.Drain()
	require.Equal(t, 12, got.len())

	rec := bs.records[recordKey{
		stream: wire.ID{Broker: b.InstanceID(), Channel: c.ID(), Local: 1}.Pack(),
		path:   wire.PathHash("svc/reset"),
	}]
	require.NotNil(t, rec)
	ln := &rec.lanes[wire.PriorityDefault]
	require.Len(t, ln.ready, 3)
	for i, adm := range ln.ready {
		require.Equal(t, uint32(12+i), adm.req.Header.Seq)
	}

	c.ResetStream("svc/reset", 1)
	head := send()
	require.Zero(t, head.Header.Seq)
	b.Drain()

	require.Equal(t, 15, got.len())
	for i, req := range queued {
		rsp := got.get(12 + i)
		assert.Same(t, req, rsp)
		assert.Equal(t, wire.BounceServerReset, rsp.Response.Bounce)
	}
	require.Len(t, ln.ready, 1)
	assert.Same(t, head, ln.ready[0].req)
}

func TestBroker_BouncedStreamRequestRestartsStream(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	b, _ := newManualBroker(t)
	c := newTestClient(t, b)

	var got responses
	defer got.release()
	send := func() *request.Request {
		req, err := c.Send("svc/late", 1, []byte("hi"), WithStream(1), WithCallback(got.callback))
		require.NoError(t, err)
		return req
	}

	// Nobody serves the path yet: the first request never reaches a lane.
	first := send()
	b.Drain()
	require.Equal(t, 1, got.len())
	require.Error(t, first.Err())

	echoServer(t, b, "svc/late")
	second, third := send(), send()
	assert.Zero(t, second.Header.Seq)
	assert.Equal(t, uint32(1), third.Header.Seq)
	b.Drain()

	require.Equal(t, 3, got.len())
	assert.NoError(t, second.Err())
	assert.NoError(t, third.Err())
	assert.Zero(t, c.Pending())
	assert.Zero(t, c.Broker().Outstanding())
}

func TestBroker_DroppedHeldRequestRestartsStream(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	for _, tc := range []struct {
		name string
		drop func(t *testing.T, c *ClientChannel, clk *clock, req *request.Request)
		code wire.Bounce
	}{
		{
			name: "timeout",
			drop: func(t *testing.T, c *ClientChannel, clk *clock, _ *request.Request) {
				clk.Advance(10 * c.broker.tun.wheelGranule)
				c.Broker().tick()
			},
			code: wire.BounceTimeout,
		},
		{
			name: "cancel",
			drop: func(t *testing.T, c *ClientChannel, _ *clock, req *request.Request) {
				require.NoError(t, c.Cancel(req))
			},
			code: wire.BounceTerminated,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b, clk := newManualBroker(t)
			c := newTestClient(t, b)
			bs := echoServer(t, b, "svc/busy").Broker()

			var got responses
			defer got.release()
			send := func(opts ...SendOption) *request.Request {
				opts = append(opts, WithStream(1), WithCallback(got.callback))
				req, err := c.Send("svc/busy", 1, nil, opts...)
				require.NoError(t, err)
				return req
			}
			send()
			b.Drain()
			require.Equal(t, 1, got.len())

			// The server channel stops taking requests, the next two are
			// held by the client side.
			full := queue.NewPriority(queue.Caps{Length: 1})
			filler := request.New(b.truck, wire.Header{Priority: wire.PriorityDefault, NoOp: true}, nil)
			require.NoError(t, full.Enqueue(filler))
			filler.Release()
			defer full.Drain(func(req *request.Request) { req.Release() })
			accepting := bs.queue
			bs.queue = full

			lost := send(WithTimeout(50 * time.Millisecond))
			behind := send()
			b.Drain()
			require.Equal(t, 2, c.Broker().Outstanding())

			tc.drop(t, c, clk, lost)
			b.Drain()
			require.Equal(t, 3, got.len())
			assert.Equal(t, tc.code, lost.Response.Bounce)
			assert.Equal(t, wire.BounceSequenceReset, behind.Response.Bounce)

			bs.queue = accepting
			next, after := send(), send()
			assert.Zero(t, next.Header.Seq)
			assert.Equal(t, uint32(1), after.Header.Seq)
			b.Drain()

			require.Equal(t, 5, got.len())
			assert.NoError(t, next.Err())
			assert.NoError(t, after.Err())
			assert.Zero(t, c.Pending())
		})
	}
}

func TestBroker_StreamFollowsReboundPath(t *testing.T) {
	b, _ := newManualBroker(t)
	c := newTestClient(t, b)
	first := echoServer(t, b, "svc/moved")

	var got responses
	defer got.release()
	send := func() *request.Request {
		req, err := c.Send("svc/moved", 1, nil, WithStream(1), WithCallback(got.callback))
		require.NoError(t, err)
		return req
	}
	for range 3 {
		send()
	}
	b.Drain()
	require.Equal(t, 3, got.len())

	first.Halt()
	b.Drain()
	echoServer(t, b, "svc/moved")

	// The new server channel waits for sequence 0.
	moved := send()
	require.Equal(t, uint32(3), moved.Header.Seq)
	b.Drain()
	require.Equal(t, 4, got.len())
	assert.Equal(t, wire.BounceSequenceReset, moved.Response.Bounce)

	again := send()
	require.Zero(t, again.Header.Seq)
	b.Drain()
	require.Equal(t, 5, got.len())
	assert.NoError(t, again.Err())
	assert.Zero(t, c.Pending())
}

func TestBroker_SchedulingTakesTurns(t *testing.T) {
	store := props.New()
	store.Set(props.KeySchedBurst, 8)
	b, _ := newManualBroker(t, WithProperties(store))
	srv := echoServer(t, b, "svc/fair")
	bs := srv.Broker()
	first, second := newTestClient(t, b), newTestClient(t, b)

	var got responses
	defer got.release()
	send := func(c *ClientChannel, tag string, n int, opts ...SendOption) {
		opts = append(opts, WithCallback(got.callback))
		for range n {
			_, err := c.Send("svc/fair", 1, []byte(tag), opts...)
			require.NoError(t, err)
		}
		b.Drain()
	}

	// The service refuses everything while the three land.
	dispatch := bs.dispatch
	bs.dispatch = func(*admitted) error { return queue.ErrBackpressure }
	send(first, "A", 20, WithStream(1))
	send(second, "B", 20, WithStream(1))
	send(second, "-", 3)
	require.Zero(t, got.len())

	var order []string
	bs.dispatch = func(adm *admitted) error {
		order = append(order, string(adm.req.Payload))
		return dispatch(adm)
	}
	bs.unblockAll()
	b.Drain()
	require.Equal(t, 43, got.len())

	var want []string
	for _, turn := range []struct {
		tag string
		n   int
	}{{"-", 3}, {"A", 8}, {"B", 8}, {"A", 8}, {"B", 8}, {"A", 4}, {"B", 4}} {
		for range turn.n {
			want = append(want, turn.tag)
		}
	}
	assert.Equal(t, want, order)
}

func TestBroker_DuplicateReplaysCachedResponse(t *testing.T) {
	sink := metrics.NewInmemSink(time.Second, time.Minute)
	b, _ := newManualBroker(t, WithMetricSink(sink))
	srv, err := b.NewServer()
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	calls := 0
	require.NoError(t, srv.Bind("svc/once", func(in *Incoming) {
		calls++
		require.NoError(t, in.Respond([]byte("pong")))
	}))
	c := newTestClient(t, b)

	var got responses
	defer got.release()
	req, err := c.Send("svc/once", 1, []byte("ping"), WithCallback(got.callback))
	require.NoError(t, err)
	b.Drain()
	require.Equal(t, 1, got.len())
	require.Equal(t, 1, calls)

	// Not acknowledged yet, the response stays cached.
	bs := srv.Broker()
	require.Equal(t, 1, bs.Admitted())

	again := request.New(b.truck, req.Header, []byte("ping"))
	again.Origin = c.Broker()
	defer again.Release()
	require.NoError(t, bs.submitRequest(again))
	b.Drain()

	require.True(t, again.Sealed())
	assert.NoError(t, again.Err())
	assert.Equal(t, "pong", string(again.ResponsePayload))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, counted(sink, MetricResponseReplayed))
	assert.Equal(t, 1, got.len())
}

func TestBroker_WindowNeverExceeded(t *testing.T) {
	store := props.New()
	store.Set(props.KeyServerWindow, 2)
	store.Set(props.KeyMaxWindow, 3)
	b, _ := newManualBroker(t, WithProperties(store))
	c := newTestClient(t, b)
	_, held := holdServer(t, b, "svc/slow")

	var got responses
	defer got.release()
	send := func() error {
		_, err := c.Send("svc/slow", 1, nil, WithStream(7), WithCallback(got.callback))
		return err
	}
	reopened := 0
	c.FeedMe("svc/slow", func() { reopened++ })

	require.NoError(t, send())
	require.NoError(t, send())
	require.ErrorIs(t, send(), ErrBackpressure)
	b.Drain()
	require.Len(t, *held, 2)

	// Answering one reopens the window, the server advertises room for
	// what it has in service plus its free slots.
	require.NoError(t, (*held)[0].Respond(nil))
	b.Drain()
	require.Equal(t, 1, reopened)
	window := c.Window("svc/slow", 7)
	require.Equal(t, 3, window)

	for c.Pending() < window {
		require.NoError(t, send())
	}
	require.ErrorIs(t, send(), ErrBackpressure)
	b.Drain()
	assert.LessOrEqual(t, c.Pending(), c.Window("svc/slow", 7))
}

func TestBroker_TimeoutFiresOnce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	b, clk := newManualBroker(t)
	c := newTestClient(t, b)
	_, held := holdServer(t, b, "svc/slow")

	var got responses
	defer got.release()
	_, err := c.Send("svc/slow", 1, nil, WithTimeout(50*time.Millisecond), WithCallback(got.callback))
	require.NoError(t, err)
	b.Drain()
	require.Len(t, *held, 1)

	bro := c.Broker()
	granule := b.tun.wheelGranule
	clk.Advance(4 * granule)
	bro.tick()
	b.Drain()
	require.Zero(t, got.len())

	clk.Advance(2 * granule)
	bro.tick()
	b.Drain()
	require.Equal(t, 1, got.len())
	assert.Equal(t, wire.BounceTimeout, got.get(0).Response.Bounce)
	assert.Zero(t, bro.Outstanding())

	// The late answer finds nothing to complete.
	require.NoError(t, (*held)[0].Respond([]byte("late")))
	b.Drain()
	clk.Advance(10 * granule)
	bro.tick()
	b.Drain()
	assert.Equal(t, 1, got.len())
	assert.Zero(t, c.Pending())
}

func TestBroker_Cancel(t *testing.T) {
	b, _ := newManualBroker(t)
	c := newTestClient(t, b)
	srv, held := holdServer(t, b, "svc/slow")

	var got responses
	defer got.release()
	req, err := c.Send("svc/slow", 1, nil, WithCallback(got.callback))
	require.NoError(t, err)
	b.Drain()
	require.Len(t, *held, 1)

	other := newTestClient(t, b)
	require.ErrorIs(t, other.Cancel(req), ErrNotLocal)

	require.NoError(t, c.Cancel(req))
	b.Drain()
	require.Equal(t, 1, got.len())
	assert.Equal(t, wire.BounceTerminated, got.get(0).Response.Bounce)
	assert.Zero(t, c.Pending())
	assert.ErrorIs(t, (*held)[0].Context().Err(), context.Canceled, "the server heard about it")

	// The handler answering afterwards is harmless.
	require.NoError(t, (*held)[0].Respond(nil))
	b.Drain()
	assert.Equal(t, 1, got.len())
	assert.Zero(t, srv.InService())
}

func TestBroker_ServerHaltTerminatesInService(t *testing.T) {
	b, _ := newManualBroker(t)
	c := newTestClient(t, b)
	srv, held := holdServer(t, b, "svc/slow")

	var got responses
	defer got.release()
	for range 3 {
		_, err := c.Send("svc/slow", 1, nil, WithCallback(got.callback))
		require.NoError(t, err)
	}
	b.Drain()
	require.Len(t, *held, 3)

	srv.Halt()
	b.Drain()
	require.Equal(t, 3, got.len())
	for i := range 3 {
		assert.Equal(t, wire.BounceTerminated, got.get(i).Response.Bounce)
		assert.ErrorIs(t, (*held)[i].Context().Err(), context.Canceled)
		assert.ErrorIs(t, (*held)[i].Respond(nil), ErrNotInService)
	}

	// Its paths are gone with it.
	_, err := b.Registry().Lookup(wire.PathHash("svc/slow"), wire.FormatRaw, 1)
	assert.Error(t, err)
}

func TestBroker_ClientHaltTerminatesPending(t *testing.T) {
	b, _ := newManualBroker(t)
	c := newTestClient(t, b)
	holdServer(t, b, "svc/slow")

	var got responses
	defer got.release()
	for range 2 {
		_, err := c.Send("svc/slow", 1, nil, WithCallback(got.callback))
		require.NoError(t, err)
	}
	b.Drain()

	c.Halt()
	b.Drain()
	require.Equal(t, 2, got.len())
	for i := range 2 {
		assert.Equal(t, wire.BounceTerminated, got.get(i).Response.Bounce)
	}
	assert.Zero(t, c.Pending())
}

func TestBroker_ClosedBrokerRefusesChannels(t *testing.T) {
	b, _ := newManualBroker(t)
	require.NoError(t, b.Shutdown())
	_, err := b.NewClient()
	require.ErrorIs(t, err, ErrBrokerClosed)
	_, err = b.NewServer()
	require.ErrorIs(t, err, ErrBrokerClosed)
	require.NoError(t, b.Shutdown())
}

func TestBroker_InvalidOptions(t *testing.T) {
	_, err := newBroker(true, WithInstanceID(wire.MaxBrokerID+1))
	require.ErrorIs(t, err, ErrInvalidCfg)
	require.ErrorIs(t, err, ErrInvalidInstance)

	_, err = newBroker(true, WithGossipOn("127.0.0.1", 0))
	require.ErrorIs(t, err, ErrNoPeering)

	store := props.New()
	store.Set(props.KeyWheelSize, 2)
	_, err = newBroker(true, WithProperties(store))
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestBroker_SendBlocking(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	b, err := Create(
		WithLog(testHandler(t.Name())),
		WithLoops(2),
	)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, b.Shutdown())
	}()

	srv, err := b.NewServer()
	require.NoError(t, err)
	defer srv.Close()
	require.NoError(t, srv.Bind("svc/echo", func(in *Incoming) {
		_ = in.Respond(in.Payload())
	}, 1))
	require.NoError(t, srv.Bind("svc/never", func(in *Incoming) {}, 1))

	c, err := b.NewClient()
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := range 10 {
		payload := []byte(fmt.Sprintf("hello %d", i))
		rsp, err := c.SendBlocking(ctx, "svc/echo", 1, payload, WithStream(1))
		require.NoError(t, err)
		require.Equal(t, payload, rsp)
	}

	_, err = c.SendBlocking(ctx, "svc/echo", 2, nil)
	require.ErrorIs(t, err, request.ErrBounceNoMethod)

	short, shortCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer shortCancel()
	_, err = c.SendBlocking(short, "svc/never", 1, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Eventually(t, func() bool {
		return c.Pending() == 0
	}, time.Second, 10*time.Millisecond)
}
