package tasklink

import (
	"crypto/tls"
	"errors"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/tasklink/pkg/registry"
	"github.com/raskyld/tasklink/pkg/request"
	"github.com/raskyld/tasklink/pkg/sockset"
	"github.com/raskyld/tasklink/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeering_ApplyBindings(t *testing.T) {
	b, _ := newManualBroker(t)
	p := &peering{b: b, logger: b.logger}
	hash := wire.PathHash("svc/far")

	p.decode(wire.MarshalBindings([]wire.MethodBinding{
		{Type: wire.BindAdvertise, Instance: 9, PathHash: hash, Method: 1, Path: "svc/far"},
		// Our own bindings coming back are ignored.
		{Type: wire.BindAdvertise, Instance: b.InstanceID(), PathHash: hash, Method: 2, Path: "svc/far"},
	}), "test")

	binding, err := b.Registry().Lookup(hash, wire.FormatRaw, 1)
	require.NoError(t, err)
	assert.Equal(t, registry.BindingPeer, binding.Type)
	assert.Equal(t, uint32(9), binding.Instance)
	_, err = b.Registry().Lookup(hash, wire.FormatRaw, 2)
	require.ErrorIs(t, err, registry.ErrNoMethod)

	p.decode(wire.MarshalBindings([]wire.MethodBinding{
		{Type: wire.BindWithdraw, Instance: 9, PathHash: hash, Method: 1, Path: "svc/far"},
	}), "test")
	_, err = b.Registry().Lookup(hash, wire.FormatRaw, 1)
	require.Error(t, err)

	// Garbage is dropped.
	p.decode([]byte{0xff, 0xff, 0xff}, "test")
}

func TestPeering_LocalStateShipsLocalBindings(t *testing.T) {
	b, _ := newManualBroker(t)
	echoServer(t, b, "svc/near")
	p := &peering{b: b, logger: b.logger}

	batch, err := wire.UnmarshalBindings(p.LocalState(true))
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, wire.BindAdvertise, batch[0].Type)
	assert.Equal(t, b.InstanceID(), batch[0].Instance)
	assert.Equal(t, "svc/near", batch[0].Path)
	assert.Equal(t, registry.AnyMethod, batch[0].Method)

	// Another broker learns them as peer bindings.
	other, _ := newManualBroker(t)
	(&peering{b: other, logger: other.logger}).MergeRemoteState(p.LocalState(true), true)
	binding, err := other.Registry().Lookup(wire.PathHash("svc/near"), wire.FormatRaw, 3)
	require.NoError(t, err)
	assert.Equal(t, b.InstanceID(), binding.Instance)
}

func TestPeering_UnreachablePeerBounces(t *testing.T) {
	b, _ := newManualBroker(t)
	p := &peering{b: b, logger: b.logger}
	p.apply([]wire.MethodBinding{
		{Type: wire.BindAdvertise, Instance: 9, PathHash: wire.PathHash("svc/far"), Path: "svc/far"},
	})
	c := newTestClient(t, b)

	var got responses
	defer got.release()

	// Bound on a peer we have no channel toward.
	_, err := c.Send("svc/far", 1, nil, WithCallback(got.callback))
	require.NoError(t, err)
	b.Drain()
	require.Equal(t, 1, got.len())
	assert.Equal(t, wire.BounceNoPeer, got.get(0).Response.Bounce)

	// Known, but no transport to reach it.
	b.addPeer(9, "127.0.0.1:1")
	require.Equal(t, []uint32{9}, b.Peers())
	_, err = c.Send("svc/far", 1, nil, WithCallback(got.callback))
	require.NoError(t, err)
	b.Drain()
	require.Equal(t, 2, got.len())
	assert.Equal(t, wire.BounceNoPeer, got.get(1).Response.Bounce)
	assert.Zero(t, c.Pending())

	b.removePeer(9)
	b.Drain()
	assert.Empty(t, b.Peers())
	_, err = b.Registry().Lookup(wire.PathHash("svc/far"), wire.FormatRaw, 1)
	assert.Error(t, err)
}

type pipeStream struct {
	net.Conn
}

func (p pipeStream) CancelRead(quic.StreamErrorCode)  { p.Conn.Close() }
func (p pipeStream) CancelWrite(quic.StreamErrorCode) { p.Conn.Close() }

// pairedSets returns two socket sets wired to each other in memory.
func pairedSets(t *testing.T) (*sockset.Set, *sockset.Set) {
	t.Helper()
	a := sockset.New(sockset.Config{Outbox: 8})
	b := sockset.New(sockset.Config{Outbox: 8})
	for pri := range wire.NumPriorities {
		l, r := net.Pipe()
		require.NoError(t, a.Attach(wire.Priority(pri), pipeStream{l}, nil))
		require.NoError(t, b.Attach(wire.Priority(pri), pipeStream{r}, nil))
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestPeering_TruncatedRequestBouncesMalformed(t *testing.T) {
	b, _ := newManualBroker(t)
	local, remote := pairedSets(t)
	_, err := b.registry.AddChannel(func(id uint32) (registry.Channel, error) {
		hs := wire.Handshake{InstanceID: 9, ChannelType: wire.ChannelPeerServer}
		return b.newPeerClient(id, hs, local), nil
	})
	require.NoError(t, err)

	h := wire.Header{
		IsRequest: true,
		ID:        wire.ID{Broker: 9, Channel: 2, Local: 7},
		Priority:  wire.PriorityDefault,
		PathHash:  wire.PathHash("svc/any"),
		Method:    1,
	}
	msg := wire.EncodeMessage(&h, []byte("payload"))
	require.NoError(t, remote.Send(wire.PriorityDefault, msg[:len(msg)-3]))

	var buf []byte
	require.Eventually(t, func() bool {
		b.Drain()
		var ok bool
		buf, ok = remote.Recv(wire.PriorityDefault)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	rsp, _, err := wire.DecodeMessage(buf)
	require.NoError(t, err)
	assert.False(t, rsp.IsRequest)
	assert.Equal(t, h.ID, rsp.ID)
	assert.Equal(t, wire.BounceMalformed, rsp.Bounce)
}

func startPeer(t *testing.T, name string, tlsConf *tls.Config, opts ...Option) *Broker {
	t.Helper()
	opts = append([]Option{
		WithHostname(name),
		WithLog(testHandler(name)),
		WithMetricSink(metrics.NewInmemSink(time.Second, time.Minute)),
		WithTlsConfig(tlsConf),
		WithListenOn("127.0.0.1", -1),
		WithGossipOn("127.0.0.1", 0),
		WithDialTimeout(2 * time.Second),
	}, opts...)
	b, err := Create(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, b.Shutdown())
	})
	return b
}

func TestPeering_ForwardOverQuic(t *testing.T) {
	tlsConfigs := mtlsConfigs(t, "broker1", "broker2")

	b1 := startPeer(t, "broker1", tlsConfigs[0])
	srv, err := b1.NewServer()
	require.NoError(t, err)
	require.NoError(t, srv.Bind("svc/remote", func(in *Incoming) {
		_ = in.Respond(append([]byte("broker1:"), in.Payload()...))
	}, 1))

	b2 := startPeer(t, "broker2", tlsConfigs[1], WithNeighbours([]string{b1.GossipAddr()}))

	t.Run("when broker2 joins, it learns what broker1 serves", func(t *testing.T) {
		require.Eventually(t, func() bool {
			binding, err := b2.Registry().Lookup(wire.PathHash("svc/remote"), wire.FormatRaw, 1)
			return err == nil &&
				binding.Type == registry.BindingPeer &&
				binding.Instance == b1.InstanceID()
		}, 10*time.Second, 100*time.Millisecond)
		require.Eventually(t, func() bool {
			return slices.Contains(b2.Peers(), b1.InstanceID()) &&
				slices.Contains(b1.Peers(), b2.InstanceID())
		}, 10*time.Second, 100*time.Millisecond)
	})

	c, err := b2.NewClient()
	require.NoError(t, err)
	defer c.Close()

	t.Run("requests from broker2 are served by broker1", func(t *testing.T) {
		for i := range 5 {
			done := make(chan *request.Request, 1)
			req, err := c.Send(
				"svc/remote",
				1,
				[]byte{'a' + byte(i)},
				WithStream(1),
				WithTimeout(5*time.Second),
				WithCallback(func(req *request.Request) { done <- req }),
			)
			require.NoError(t, err)

			select {
			case rsp := <-done:
				require.Same(t, req, rsp)
				require.NoError(t, rsp.Err())
				require.Equal(t, "broker1:"+string([]byte{'a' + byte(i)}), string(rsp.ResponsePayload))
			case <-time.After(10 * time.Second):
				t.Fatal("no response from peer broker")
			}
		}
	})

	t.Run("when broker1 stops serving, broker2 hears about it", func(t *testing.T) {
		srv.Close()
		require.Eventually(t, func() bool {
			_, err := b2.Registry().Lookup(wire.PathHash("svc/remote"), wire.FormatRaw, 1)
			return errors.Is(err, registry.ErrNoPeer) || errors.Is(err, registry.ErrNoMethod)
		}, 10*time.Second, 100*time.Millisecond)
	})
}
