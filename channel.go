package tasklink

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/tasklink/pkg/gc"
	"github.com/raskyld/tasklink/pkg/loop"
	"github.com/raskyld/tasklink/pkg/notify"
	"github.com/raskyld/tasklink/pkg/request"
	"github.com/raskyld/tasklink/pkg/telemetry"
	"github.com/raskyld/tasklink/pkg/wire"
)

// Channel is implemented by the six channel variants of a broker.
//
// Every channel is bound to a single loop: receiveLocal, receiveSocket and
// sendWritable only ever run there.
type Channel interface {
	ID() uint32
	Type() wire.ChannelType

	// Halt stops the channel. It is idempotent and returns before the
	// channel finished draining, which happens on its loop.
	Halt()
	// Release drops a reference, the channel is reclaimed once halted and
	// unreferenced.
	Release() bool

	receiveLocal()
	receiveSocket(pri wire.Priority)
	sendWritable(pri wire.Priority)
}

// serverTarget is a channel requests are forwarded to.
type serverTarget interface {
	Channel
	submitRequest(req *request.Request) error
	waitWritable(n notify.Notifier)
	halted() bool
}

// requester is a channel responses and acknowledgments are routed back to.
type requester interface {
	Channel
	submitResponse(req *request.Request) error
}

type chanBase struct {
	id     uint32
	typ    wire.ChannelType
	broker *Broker
	loop   *loop.Loop

	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label

	refs       atomic.Int32
	haltFlag   atomic.Bool
	reclaimed  atomic.Bool
	notifiersM sync.Mutex
	notifiers  []notify.Notifier
}

var _ gc.Reclaimable = (*chanBase)(nil)

func (b *Broker) newBase(id uint32, typ wire.ChannelType, lp *loop.Loop) *chanBase {
	if lp == nil {
		lp = b.pickLoop()
	}
	c := &chanBase{
		id:     id,
		typ:    typ,
		broker: b,
		loop:   lp,
		logger: b.logger.With(
			telemetry.LabelChannelID.L(id),
			telemetry.LabelChannelType.L(typ.String()),
		),
		msink:   b.msink,
		mLabels: telemetry.With(b.mLabels, telemetry.LabelChannelType.M(typ.String())),
	}
	c.refs.Store(1)
	b.msink.IncrCounterWithLabels(MetricChannelOpened, 1.0, c.mLabels)
	return c
}

func (c *chanBase) ID() uint32 {
	return c.id
}

func (c *chanBase) Type() wire.ChannelType {
	return c.typ
}

func (c *chanBase) String() string {
	return fmt.Sprintf("%s(%d)", c.typ, c.id)
}

// notifyOnLoop returns a notifier running fn on the channel loop. It is
// closed when the channel halts.
func (c *chanBase) notifyOnLoop(fn func()) *notify.Loop {
	n := notify.NewLoop(c.loop, fn)
	c.notifiersM.Lock()
	c.notifiers = append(c.notifiers, n)
	c.notifiersM.Unlock()
	return n
}

// beginHalt returns true once, for the caller which must drain.
func (c *chanBase) beginHalt() bool {
	if !c.haltFlag.CompareAndSwap(false, true) {
		return false
	}
	c.notifiersM.Lock()
	for _, n := range c.notifiers {
		n.Close()
	}
	c.notifiersM.Unlock()
	c.msink.IncrCounterWithLabels(MetricChannelHalted, 1.0, c.mLabels)
	c.logger.Debug("channel halting")
	return true
}

func (c *chanBase) halted() bool {
	return c.haltFlag.Load()
}

// onLoop runs fn on the channel loop, or inline once the loop is gone so
// draining still happens during shutdown.
func (c *chanBase) onLoop(fn func()) {
	if err := c.loop.Submit(fn); err != nil {
		fn()
	}
}

func (c *chanBase) receiveSocket(wire.Priority) {}

func (c *chanBase) sendWritable(wire.Priority) {}

func (c *chanBase) Ref() {
	if c.refs.Add(1) <= 1 && c.reclaimed.Load() {
		panic(fmt.Sprintf("%s: referenced after reclaim", c))
	}
}

func (c *chanBase) Release() bool {
	refs := c.refs.Add(-1)
	if refs < 0 {
		panic(fmt.Sprintf("%s: released past zero", c))
	}
	if refs > 0 {
		return false
	}
	c.broker.truck.Defer(c)
	return true
}

func (c *chanBase) RefCount() int32 {
	return c.refs.Load()
}

func (c *chanBase) Kind() gc.Kind {
	return gc.KindChannel
}

// Reclaim frees the channel id. Reclaiming a channel which was never
// halted means someone lost track of it.
func (c *chanBase) Reclaim() {
	if !c.halted() {
		panic(fmt.Sprintf("%s: reclaimed before halt", c))
	}
	if !c.reclaimed.CompareAndSwap(false, true) {
		return
	}
	c.broker.registry.RemoveChannel(c.id)
}

// holdOnRequest keeps the channel alive as long as req is.
func (c *chanBase) holdOnRequest(req *request.Request) {
	c.Ref()
	req.OnReclaim(func() { c.Release() })
}

func (c *chanBase) bounceLabels(code wire.Bounce) []metrics.Label {
	return telemetry.With(c.mLabels, telemetry.LabelBounce.M(code.String()))
}
