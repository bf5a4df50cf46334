// Package gc implements the Garbage Truck: a process-wide deferred
// reclamation queue for reference-counted objects.
//
// An object observed at a zero reference count is not reclaimed right away:
// it is tagged with the current tick and only reclaimed once two further
// ticks have elapsed and its count is still zero. This covers the window in
// which another holder re-references an object between the moment its count
// is observed at zero and the moment it would be destroyed.
package gc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

// Delay is the number of ticks an object waits in the truck.
const Delay = 2

var MetricReclaimed = []string{"tasklink", "gc", "reclaimed", "count"}

// Kind selects the destructor an object is dispatched to.
type Kind uint8

const (
	KindRequest Kind = iota
	KindChannel
	KindDestination
	KindStream
	KindSocketSet

	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindChannel:
		return "channel"
	case KindDestination:
		return "destination"
	case KindStream:
		return "stream"
	case KindSocketSet:
		return "sockset"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Reclaimable is implemented by everything the truck can collect.
type Reclaimable interface {
	RefCount() int32
	Kind() Kind
	Reclaim()
}

type entry struct {
	obj  Reclaimable
	tick uint64
}

// Truck is safe for concurrent use.
type Truck struct {
	lk          sync.Mutex
	tick        uint64
	queue       []entry
	present     map[Reclaimable]uint64
	destructors [numKinds]func(Reclaimable)
	reclaimed   uint64

	logger *slog.Logger
	msink  metrics.MetricSink
}

func New(logger *slog.Logger, msink metrics.MetricSink) *Truck {
	if logger == nil {
		logger = slog.Default()
	}
	if msink == nil {
		msink = &metrics.BlackholeSink{}
	}
	return &Truck{
		present: make(map[Reclaimable]uint64),
		logger:  logger,
		msink:   msink,
	}
}

// Register installs a destructor run, after Reclaim, for every object of
// the given kind.
func (t *Truck) Register(kind Kind, destructor func(Reclaimable)) {
	t.lk.Lock()
	defer t.lk.Unlock()
	t.destructors[kind] = destructor
}

// Defer queues obj for reclamation. If obj is already queued, it is not
// queued twice but its tag moves to the current tick, so it is never
// reclaimed earlier than [Delay] ticks after its last release to zero.
func (t *Truck) Defer(obj Reclaimable) {
	t.lk.Lock()
	defer t.lk.Unlock()
	if _, has := t.present[obj]; has {
		t.present[obj] = t.tick
		return
	}
	t.present[obj] = t.tick
	t.queue = append(t.queue, entry{obj: obj, tick: t.tick})
}

// Tick advances the logical clock and reclaims every object which has been
// waiting for at least [Delay] ticks and is still unreferenced.
// It returns how many objects were reclaimed.
func (t *Truck) Tick() int {
	t.lk.Lock()
	t.tick++
	now := t.tick

	var due []entry
	n := 0
	for n < len(t.queue) && now-t.queue[n].tick >= Delay {
		n++
	}
	if n > 0 {
		expired := make([]entry, n)
		copy(expired, t.queue[:n])
		t.queue = append(t.queue[:0], t.queue[n:]...)
		for _, e := range expired {
			if latest := t.present[e.obj]; latest != e.tick {
				t.queue = append(t.queue, entry{obj: e.obj, tick: latest})
				continue
			}
			delete(t.present, e.obj)
			due = append(due, e)
		}
	}
	destructors := t.destructors
	t.lk.Unlock()

	reclaimed := 0
	for _, e := range due {
		if refs := e.obj.RefCount(); refs != 0 {
			// Resurrected: it comes back here on its next release to zero.
			t.logger.Debug(
				"gc: object was re-referenced before reclaim",
				"kind", e.obj.Kind().String(),
				"refs", refs,
			)
			continue
		}
		e.obj.Reclaim()
		if fn := destructors[e.obj.Kind()]; fn != nil {
			fn(e.obj)
		}
		reclaimed++
	}

	if reclaimed > 0 {
		t.lk.Lock()
		t.reclaimed += uint64(reclaimed)
		t.lk.Unlock()
		t.msink.IncrCounter(MetricReclaimed, float32(reclaimed))
	}
	return reclaimed
}

// CurrentTick returns the logical clock.
func (t *Truck) CurrentTick() uint64 {
	t.lk.Lock()
	defer t.lk.Unlock()
	return t.tick
}

// Pending returns how many objects wait in the truck.
func (t *Truck) Pending() int {
	t.lk.Lock()
	defer t.lk.Unlock()
	return len(t.queue)
}

// Reclaimed returns how many objects were reclaimed since creation.
func (t *Truck) Reclaimed() uint64 {
	t.lk.Lock()
	defer t.lk.Unlock()
	return t.reclaimed
}

// Run ticks the truck every interval until ctx is done, then collects
// whatever is left so nothing stays pending after shutdown.
func (t *Truck) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Tick()
		case <-ctx.Done():
			for i := 0; i <= Delay; i++ {
				t.Tick()
			}
			return
		}
	}
}
