package tasklink

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/raskyld/tasklink/pkg/registry"
	"github.com/raskyld/tasklink/pkg/telemetry"
	"github.com/raskyld/tasklink/pkg/wire"
)

// peering discovers the other brokers of the cluster and keeps the
// method-binding table in sync with what they serve.
type peering struct {
	b          *Broker
	ml         *memberlist.Memberlist
	name       string
	members    atomic.Int32
	broadcasts *memberlist.TransmitLimitedQueue
	meta       []byte
	logger     *slog.Logger
}

var (
	_ memberlist.Delegate      = (*peering)(nil)
	_ memberlist.EventDelegate = (*peering)(nil)
)

func newPeering(b *Broker, cfg *memberlist.Config, quicPort int) (*peering, error) {
	p := &peering{
		b:      b,
		name:   cfg.Name,
		logger: b.logger.With("component", "peering"),
	}
	meta := wire.NodeMeta{Instance: b.instanceID, Port: uint16(quicPort)}
	if cfg.AdvertiseAddr != "" {
		meta.Host = cfg.AdvertiseAddr
	}
	p.meta = meta.Marshal()

	// NB(raskyld): memberlist calls the delegates from within Create, they
	// must not rely on p.ml.
	p.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes: func() int {
			return max(1, int(p.members.Load()))
		},
		RetransmitMult: cfg.RetransmitMult,
	}
	cfg.Delegate = p
	cfg.Events = p
	ml, err := memberlist.Create(cfg)
	if err != nil {
		return nil, err
	}
	p.ml = ml
	return p, nil
}

func (p *peering) join(neighbours []string) error {
	if len(neighbours) == 0 {
		return nil
	}
	joined, err := p.ml.Join(neighbours)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	p.logger.Info("cluster joined")
	if len(neighbours) != joined {
		p.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(neighbours),
		)
	}
	return nil
}

func (p *peering) leave(timeout time.Duration) {
	if err := p.ml.Leave(timeout); err != nil {
		p.logger.Warn("could not leave cluster gracefully", telemetry.LabelError.L(err))
	}
	if err := p.ml.Shutdown(); err != nil {
		p.logger.Warn("could not shutdown gossip", telemetry.LabelError.L(err))
	}
}

// advertise gossips a change of the local bindings.
func (p *peering) advertise(bindings []registry.Binding, typ wire.BindType) {
	for _, b := range bindings {
		if b.Type != registry.BindingLocal {
			continue
		}
		mb := wire.MethodBinding{
			Type:     typ,
			Instance: p.b.instanceID,
			PathHash: b.PathHash,
			Method:   b.Method,
			Format:   b.Format,
			Path:     b.Path,
		}
		p.broadcasts.QueueBroadcast(&bindingBroadcast{
			key: bindingKey{pathHash: mb.PathHash, method: mb.Method, format: mb.Format},
			msg: wire.MarshalBindings([]wire.MethodBinding{mb}),
		})
		p.b.msink.IncrCounterWithLabels(
			MetricBindingGossip,
			1.0,
			telemetry.With(p.b.mLabels, telemetry.LabelState.M(typ.String())),
		)
	}
}

// apply merges bindings gossiped by peers into the registry.
func (p *peering) apply(batch []wire.MethodBinding) {
	for _, mb := range batch {
		if mb.Instance == p.b.instanceID || mb.Instance == 0 {
			continue
		}
		logger := p.logger.With(
			telemetry.LabelPeerInstance.L(mb.Instance),
			telemetry.LabelPath.L(mb.Path),
			"method", mb.Method,
		)
		switch mb.Type {
		case wire.BindAdvertise:
			err := p.b.registry.Bind(registry.Binding{
				Type:     registry.BindingPeer,
				Instance: mb.Instance,
				PathHash: mb.PathHash,
				Method:   mb.Method,
				Format:   mb.Format,
				Path:     mb.Path,
			})
			if err != nil {
				logger.Warn("ignoring binding advertised by peer", telemetry.LabelError.L(err))
			}
		case wire.BindWithdraw:
			p.b.registry.Unbind(func(b registry.Binding) bool {
				return b.Type == registry.BindingPeer &&
					b.Instance == mb.Instance &&
					b.PathHash == mb.PathHash &&
					b.Method == mb.Method &&
					b.Format == mb.Format
			})
			logger.Debug("peer withdrew binding")
		}
	}
}

func (p *peering) decode(buf []byte, from string) {
	batch, err := wire.UnmarshalBindings(buf)
	if err != nil {
		p.b.msink.IncrCounterWithLabels(MetricPeerMalformed, 1.0, p.b.mLabels)
		p.logger.Warn("dropping malformed binding gossip", "from", from, telemetry.LabelError.L(err))
		return
	}
	p.apply(batch)
}

func (p *peering) NodeMeta(limit int) []byte {
	if len(p.meta) > limit {
		panic(fmt.Sprintf("tasklink: node meta of %d bytes exceeds the %d allowed", len(p.meta), limit))
	}
	return p.meta
}

func (p *peering) NotifyMsg(buf []byte) {
	p.decode(buf, "broadcast")
}

func (p *peering) GetBroadcasts(overhead, limit int) [][]byte {
	return p.broadcasts.GetBroadcasts(overhead, limit)
}

// LocalState ships every local binding so a joining peer learns them at
// once.
func (p *peering) LocalState(join bool) []byte {
	var batch []wire.MethodBinding
	for b := range p.b.registry.Bindings(func(b registry.Binding) bool {
		return b.Type == registry.BindingLocal
	}) {
		batch = append(batch, wire.MethodBinding{
			Type:     wire.BindAdvertise,
			Instance: p.b.instanceID,
			PathHash: b.PathHash,
			Method:   b.Method,
			Format:   b.Format,
			Path:     b.Path,
		})
	}
	return wire.MarshalBindings(batch)
}

func (p *peering) MergeRemoteState(buf []byte, join bool) {
	p.decode(buf, "push-pull")
}

func (p *peering) nodeAddr(node *memberlist.Node) (wire.NodeMeta, string, error) {
	var meta wire.NodeMeta
	if err := meta.Unmarshal(node.Meta); err != nil {
		return meta, "", err
	}
	host := meta.Host
	if host == "" {
		host = node.Addr.String()
	}
	return meta, net.JoinHostPort(host, strconv.Itoa(int(meta.Port))), nil
}

func (p *peering) NotifyJoin(node *memberlist.Node) {
	p.members.Add(1)
	if node.Name == p.name {
		return
	}
	logger := withLogNode(p.logger, node)
	meta, addr, err := p.nodeAddr(node)
	if err != nil {
		p.b.msink.IncrCounterWithLabels(MetricPeerMalformed, 1.0, p.b.mLabels)
		logger.Warn("ignoring peer with malformed meta", telemetry.LabelError.L(err))
		return
	}
	logger.Info("peer joined cluster", telemetry.LabelPeerInstance.L(meta.Instance))
	p.b.addPeer(meta.Instance, addr)
}

func (p *peering) NotifyLeave(node *memberlist.Node) {
	p.members.Add(-1)
	if node.Name == p.name {
		return
	}
	logger := withLogNode(p.logger, node)
	var meta wire.NodeMeta
	if err := meta.Unmarshal(node.Meta); err != nil {
		logger.Debug("peer with malformed meta left")
		return
	}
	logger.Info("peer left cluster", telemetry.LabelPeerInstance.L(meta.Instance))
	p.b.removePeer(meta.Instance)
}

func (p *peering) NotifyUpdate(node *memberlist.Node) {
	if node.Name == p.name {
		return
	}
	meta, addr, err := p.nodeAddr(node)
	if err != nil {
		return
	}
	withLogNode(p.logger, node).Info("peer updated", telemetry.LabelPeerInstance.L(meta.Instance))
	p.b.updatePeer(meta.Instance, addr)
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		telemetry.LabelPeerName.L(node.Name),
		telemetry.LabelPeerAddr.L(node.Address()),
	)
}

type bindingKey struct {
	pathHash uint64
	method   uint32
	format   wire.PayloadFormat
}

// bindingBroadcast is a single binding change. A newer change of the same
// binding supersedes it.
type bindingBroadcast struct {
	key bindingKey
	msg []byte
}

var _ memberlist.Broadcast = (*bindingBroadcast)(nil)

func (bb *bindingBroadcast) Invalidates(other memberlist.Broadcast) bool {
	o, ok := other.(*bindingBroadcast)
	return ok && o.key == bb.key
}

func (bb *bindingBroadcast) Message() []byte {
	return bb.msg
}

func (bb *bindingBroadcast) Finished() {}
