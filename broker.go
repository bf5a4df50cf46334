package tasklink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	props "github.com/raskyld/tasklink/pkg/config"
	"github.com/raskyld/tasklink/pkg/gc"
	"github.com/raskyld/tasklink/pkg/loop"
	"github.com/raskyld/tasklink/pkg/queue"
	"github.com/raskyld/tasklink/pkg/registry"
	"github.com/raskyld/tasklink/pkg/sockset"
	"github.com/raskyld/tasklink/pkg/telemetry"
	"github.com/raskyld/tasklink/pkg/wire"
	"golang.org/x/sync/errgroup"
)

// tunables are read once from the property store when the broker starts.
type tunables struct {
	caps         queue.Caps
	wheelSize    int
	wheelGranule time.Duration
	ackBufSize   int
	serverWindow int
	maxWindow    int
	schedBurst   int
	ageOut       time.Duration
	outbox       int
	gcTick       time.Duration
	dialTimeout  time.Duration
}

func loadTunables(store *props.Store) (tunables, error) {
	var (
		tun  tunables
		errs []error
	)
	integer := func(key string, dst *int) {
		v, err := store.Int(key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	duration := func(key string, dst *time.Duration) {
		v, err := store.Duration(key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	integer(props.KeyQueueLengthCap, &tun.caps.Length)
	integer(props.KeyQueueBytesCap, &tun.caps.Bytes)
	integer(props.KeyWheelSize, &tun.wheelSize)
	duration(props.KeyWheelGranule, &tun.wheelGranule)
	integer(props.KeyAckBufSize, &tun.ackBufSize)
	integer(props.KeyServerWindow, &tun.serverWindow)
	integer(props.KeyMaxWindow, &tun.maxWindow)
	integer(props.KeySchedBurst, &tun.schedBurst)
	duration(props.KeySocksetAgeout, &tun.ageOut)
	integer(props.KeySocksetOutbox, &tun.outbox)
	duration(props.KeyGCTick, &tun.gcTick)
	duration(props.KeyPeerDialTimeout, &tun.dialTimeout)
	if err := errors.Join(errs...); err != nil {
		return tun, err
	}

	switch {
	case tun.wheelSize < 3:
		return tun, fmt.Errorf("%s must be at least 3, got %d", props.KeyWheelSize, tun.wheelSize)
	case tun.wheelGranule <= 0:
		return tun, fmt.Errorf("%s must be positive", props.KeyWheelGranule)
	case tun.ackBufSize <= 0:
		return tun, fmt.Errorf("%s must be positive", props.KeyAckBufSize)
	case tun.serverWindow <= 0 || tun.maxWindow < tun.serverWindow:
		return tun, fmt.Errorf(
			"need 0 < %s <= %s, got %d and %d",
			props.KeyServerWindow, props.KeyMaxWindow, tun.serverWindow, tun.maxWindow,
		)
	case tun.gcTick <= 0:
		return tun, fmt.Errorf("%s must be positive", props.KeyGCTick)
	}
	return tun, nil
}

// Broker hosts channels and moves requests between them, and between
// brokers of the same cluster when peering is enabled.
type Broker struct {
	config  config
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label

	instanceID uint32
	pid        uint32
	registry   *registry.Registry
	truck      *gc.Truck
	tun        tunables

	loops    []*loop.Loop
	nextLoop atomic.Uint32

	// manual brokers run no goroutine: whoever owns them drains loops and
	// ticks wheels.
	manual bool
	now    func() time.Time

	// peering
	transport *sockset.Transport
	listener  *sockset.Listener
	peering   *peering
	peersLk   sync.Mutex
	peers     map[uint32]*PeerServerChannel

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	// 2-phase close:
	// phase 1: shutdown notification, channels halt and drain.
	// phase 2: drop, loops and transport stop.
	lk         sync.Mutex
	shutdown   bool
	shutdownCh chan struct{}
}

// Create a broker and start it. Peering is enabled with [WithGossipOn],
// which needs [WithTlsConfig].
func Create(opts ...Option) (*Broker, error) {
	b, err := newBroker(false, opts...)
	if err != nil {
		return nil, err
	}
	if err := b.start(); err != nil {
		b.Shutdown()
		return nil, err
	}
	return b, nil
}

func newBroker(manual bool, opts ...Option) (*Broker, error) {
	b := &Broker{
		manual:     manual,
		now:        time.Now,
		pid:        uint32(os.Getpid()),
		peers:      make(map[uint32]*PeerServerChannel),
		shutdownCh: make(chan struct{}),
	}

	b.config.mlCfg = memberlist.DefaultLANConfig()
	b.config.mlCfg.Name = uuid.NewString()
	b.config.mlCfg.LogOutput = nil
	b.config.mlCfg.ProbeTimeout = 2 * time.Second

	for _, opt := range opts {
		if err := opt(&b.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	// Logging implementations.
	if b.config.logHandler != nil {
		b.logger = slog.New(b.config.logHandler)
	} else {
		b.logger = slog.Default()
		b.config.trCfg.LogHandler = b.logger.Handler()
	}
	b.config.mlCfg.Logger = slog.NewLogLogger(b.logger.Handler(), slog.LevelDebug)

	// Metrics implementations.
	if b.config.msink == nil {
		b.config.msink = metrics.Default()
		b.config.trCfg.MetricSink = b.config.msink
	}
	b.msink = b.config.msink
	b.mLabels = b.config.metricLabels

	if b.config.props == nil {
		b.config.props = props.New()
	}
	tun, err := loadTunables(b.config.props)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	if b.config.tick > 0 {
		tun.gcTick = b.config.tick
	}
	if b.config.trCfg.DialTimeout > 0 {
		tun.dialTimeout = b.config.trCfg.DialTimeout
	} else {
		b.config.trCfg.DialTimeout = tun.dialTimeout
	}
	b.tun = tun

	b.instanceID = b.config.instanceID
	if b.instanceID == 0 {
		b.instanceID = randomInstance()
	}
	b.logger = b.logger.With(telemetry.LabelPeerInstance.L(b.instanceID))
	b.mLabels = telemetry.With(b.mLabels, telemetry.LabelPeerInstance.M(fmt.Sprint(b.instanceID)))

	b.registry = b.config.registry
	if b.registry == nil {
		b.registry = registry.New(b.logger)
	}
	b.truck = gc.New(b.logger, b.msink)
	b.truck.Register(gc.KindChannel, func(obj gc.Reclaimable) {
		if ch, ok := obj.(*chanBase); ok {
			ch.logger.Debug("channel reclaimed")
		}
	})

	n := b.config.loops
	if n == 0 {
		n = min(4, runtime.GOMAXPROCS(0))
	}
	if manual {
		n = 1
	}
	for i := range n {
		b.loops = append(b.loops, loop.New(fmt.Sprintf("tasklink-%d", i)))
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())

	if b.config.gossip && b.config.trCfg.TlsConfig == nil {
		return nil, fmt.Errorf("%w: %w: gossip needs a tls config", ErrInvalidCfg, ErrNoPeering)
	}
	if b.config.trCfg.TlsConfig != nil {
		tr, err := sockset.NewTransport(&b.config.trCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		b.transport = tr
		b.listener = sockset.NewListener(tr, b.inboundSet, b.logger)
	}
	return b, nil
}

// randomInstance never returns 0.
func randomInstance() uint32 {
	for {
		id := uuid.New()
		if instance := uint32(xxhash.Sum64(id[:]) & wire.MaxBrokerID); instance != 0 {
			return instance
		}
	}
}

func (b *Broker) start() error {
	group, ctx := errgroup.WithContext(b.ctx)
	b.group = group
	for _, lp := range b.loops {
		group.Go(func() error {
			if err := lp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	group.Go(func() error {
		b.truck.Run(ctx, b.tun.gcTick)
		return nil
	})
	if b.tun.ageOut > 0 {
		group.Go(func() error {
			b.sweep(ctx)
			return nil
		})
	}

	if b.listener != nil {
		group.Go(func() error {
			return b.acceptPeers(ctx)
		})
	}
	if b.config.gossip {
		p, err := newPeering(b, b.config.mlCfg, b.transport.Addr().Port)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		b.peering = p
		if err := p.join(b.config.neighbours); err != nil {
			return err
		}
	}
	return nil
}

// InstanceID is the broker id stamped in every request id.
func (b *Broker) InstanceID() uint32 {
	return b.instanceID
}

// Registry is the lookup service every channel of the broker shares.
func (b *Broker) Registry() *registry.Registry {
	return b.registry
}

// GossipAddr is where memberlist listens, to be given as a neighbour of
// other brokers. It is empty when peering is disabled.
func (b *Broker) GossipAddr() string {
	if b.peering == nil {
		return ""
	}
	return b.peering.ml.LocalNode().Address()
}

// Peers lists the instances of the peer brokers we forward to.
func (b *Broker) Peers() []uint32 {
	b.peersLk.Lock()
	defer b.peersLk.Unlock()
	peers := make([]uint32, 0, len(b.peers))
	for instance := range b.peers {
		peers = append(peers, instance)
	}
	return peers
}

func (b *Broker) closed() bool {
	b.lk.Lock()
	defer b.lk.Unlock()
	return b.shutdown
}

// pickLoop spreads channels over loops round-robin.
func (b *Broker) pickLoop() *loop.Loop {
	i := b.nextLoop.Add(1)
	return b.loops[int(i)%len(b.loops)]
}

// NewClient creates a client channel, to be closed by the caller.
func (b *Broker) NewClient() (*ClientChannel, error) {
	if b.closed() {
		return nil, ErrBrokerClosed
	}
	var client *ClientChannel
	_, err := b.registry.AddChannel(func(id uint32) (registry.Channel, error) {
		client = b.newClient(id)
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	_, err = b.registry.AddChannel(func(id uint32) (registry.Channel, error) {
		client.bro = b.newBrokerClient(id, client)
		return client.bro, nil
	})
	if err != nil {
		client.beginHalt()
		client.Release()
		return nil, err
	}
	return client, nil
}

// NewServer creates a server channel, to be closed by the caller.
func (b *Broker) NewServer() (*ServerChannel, error) {
	if b.closed() {
		return nil, ErrBrokerClosed
	}
	var server *ServerChannel
	_, err := b.registry.AddChannel(func(id uint32) (registry.Channel, error) {
		server = b.newServer(id)
		return server, nil
	})
	if err != nil {
		return nil, err
	}
	_, err = b.registry.AddChannel(func(id uint32) (registry.Channel, error) {
		server.bro = b.newBrokerServer(id, server)
		return server.bro, nil
	})
	if err != nil {
		server.beginHalt()
		server.Release()
		return nil, err
	}
	return server, nil
}

// peerTarget returns the channel forwarding to a peer broker, nil when we
// know of no such peer.
func (b *Broker) peerTarget(instance uint32) serverTarget {
	b.peersLk.Lock()
	defer b.peersLk.Unlock()
	ps, ok := b.peers[instance]
	if !ok || ps.halted() {
		return nil
	}
	return ps
}

// addPeer starts forwarding to a peer broker. A known peer which moved to
// another address gets a fresh channel, its bindings stay.
func (b *Broker) addPeer(instance uint32, addr string) {
	if instance == b.instanceID || b.closed() {
		return
	}
	b.peersLk.Lock()
	defer b.peersLk.Unlock()

	if old, ok := b.peers[instance]; ok {
		if old.addr == addr && !old.halted() {
			return
		}
		delete(b.peers, instance)
		old.Halt()
		old.Release()
	}

	var ps *PeerServerChannel
	_, err := b.registry.AddChannel(func(id uint32) (registry.Channel, error) {
		ps = b.newPeerServer(id, instance, addr)
		return ps, nil
	})
	if err != nil {
		b.logger.Error(
			"could not create a channel toward peer broker",
			telemetry.LabelPeerInstance.L(instance),
			telemetry.LabelError.L(err),
		)
		return
	}
	b.peers[instance] = ps
	ps.onLoop(ps.dial)
	b.msink.IncrCounterWithLabels(MetricPeerJoined, 1.0, b.mLabels)
}

func (b *Broker) updatePeer(instance uint32, addr string) {
	b.addPeer(instance, addr)
}

// removePeer forgets a peer broker: its bindings are dropped and what it
// was serving bounces with no-peer.
func (b *Broker) removePeer(instance uint32) {
	removed := b.registry.UnbindInstance(instance)

	b.peersLk.Lock()
	ps, ok := b.peers[instance]
	delete(b.peers, instance)
	b.peersLk.Unlock()

	if ok {
		ps.Halt()
		ps.Release()
	}
	b.msink.IncrCounterWithLabels(MetricPeerLeft, 1.0, b.mLabels)
	b.logger.Debug(
		"peer broker removed",
		telemetry.LabelPeerInstance.L(instance),
		"bindings", len(removed),
	)
}

// advertise tells peers about a change of the local bindings.
func (b *Broker) advertise(bindings []registry.Binding, typ wire.BindType) {
	if b.peering != nil && len(bindings) > 0 {
		b.peering.advertise(bindings, typ)
	}
}

func (b *Broker) inboundSet(hs wire.Handshake, peer sockset.Hostname) *sockset.Set {
	return sockset.New(sockset.Config{
		Handshake:  hs,
		Outbox:     b.tun.outbox,
		AgeOut:     b.tun.ageOut,
		Truck:      b.truck,
		Logger:     b.logger.With(telemetry.LabelPeerName.L(string(peer))),
		MetricSink: b.msink,
		MetricLabels: telemetry.With(
			b.mLabels,
			telemetry.LabelChannelType.M(wire.ChannelPeerClient.String()),
		),
	})
}

// acceptPeers binds every socket set a peer broker opens to a new peer
// client channel.
func (b *Broker) acceptPeers(ctx context.Context) error {
	for {
		acc, err := b.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		logger := b.logger.With(
			telemetry.LabelPeerName.L(string(acc.Peer)),
			telemetry.LabelPeerInstance.L(acc.Handshake.InstanceID),
		)
		if acc.Handshake.ChannelType != wire.ChannelPeerServer || acc.Handshake.InstanceID == b.instanceID {
			logger.Warn("refusing socket set", telemetry.LabelChannelType.L(acc.Handshake.ChannelType.String()))
			b.listener.Forget(acc.Set)
			acc.Set.Release()
			continue
		}

		var pc *PeerClientChannel
		_, err = b.registry.AddChannel(func(id uint32) (registry.Channel, error) {
			pc = b.newPeerClient(id, acc.Handshake, acc.Set)
			return pc, nil
		})
		if err != nil {
			logger.Error("could not accept socket set", telemetry.LabelError.L(err))
			b.listener.Forget(acc.Set)
			acc.Set.Release()
			continue
		}
		// Messages may have landed before the input notifiers were bound.
		pc.onLoop(func() {
			for pri := range wire.NumPriorities {
				pc.receiveSocket(wire.Priority(pri))
			}
		})
		logger.Debug("accepted socket set from peer broker")
	}
}

type ager interface {
	ageOut(now time.Time)
}

// sweep tears down socket sets which went idle.
func (b *Broker) sweep(ctx context.Context) {
	ticker := time.NewTicker(max(time.Second, b.tun.ageOut/4))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := b.now()
			for ch := range b.registry.Channels() {
				if a, ok := ch.(ager); ok {
					a.ageOut(now)
				}
			}
		}
	}
}

// Drain runs, on the calling goroutine, everything queued on the loops of
// a manual broker until nothing is left.
func (b *Broker) Drain() int {
	total := 0
	for {
		n := 0
		for _, lp := range b.loops {
			n += lp.Drain()
		}
		if n == 0 {
			return total
		}
		total += n
	}
}

// barrier waits until every loop ran what was submitted before it.
func (b *Broker) barrier() {
	if b.manual {
		b.Drain()
		return
	}
	var wg sync.WaitGroup
	for _, lp := range b.loops {
		wg.Add(1)
		if err := lp.Submit(wg.Done); err != nil {
			wg.Done()
		}
	}
	wg.Wait()
}

// Shutdown halts every channel, leaves the cluster and stops the broker.
// Requests still in flight are terminated.
func (b *Broker) Shutdown() error {
	// Phase 1: Shutdown notify.
	b.lk.Lock()
	if b.shutdown {
		b.lk.Unlock()
		return nil
	}
	b.shutdown = true
	close(b.shutdownCh)
	b.lk.Unlock()

	start := time.Now()
	b.logger.Info("shutting down...")

	if b.peering != nil {
		b.logger.Info("shutdown: leave cluster")
		b.peering.leave(b.tun.dialTimeout)
	}

	b.logger.Info("shutdown: halt channels")
	for ch := range b.registry.Channels() {
		if c, ok := ch.(Channel); ok {
			c.Halt()
		}
	}
	// Halting a channel may halt its broker side on the same loop.
	for range 3 {
		b.barrier()
	}

	// Phase 2: Drop all resources.
	b.logger.Info("shutdown: stop loops")
	for _, lp := range b.loops {
		lp.Stop()
	}
	var errs []error
	if b.transport != nil {
		errs = append(errs, b.transport.Shutdown())
	}
	b.cancel()
	if b.group != nil {
		errs = append(errs, b.group.Wait())
	} else {
		for range gc.Delay + 1 {
			b.truck.Tick()
		}
	}

	b.logger.Info("shutdown: completed", "duration", time.Since(start).String())
	return errors.Join(errs...)
}
